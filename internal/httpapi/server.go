// Package httpapi exposes the admin and OAuth callback endpoints over gin.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/helpdesk-mailsync/internal/auth"
	"github.com/Martian-dev/helpdesk-mailsync/internal/scheduler"
	"github.com/Martian-dev/helpdesk-mailsync/internal/store"
	"github.com/Martian-dev/helpdesk-mailsync/internal/sync"
)

const operatorKey = "operator"

// Authenticator validates admin bearer tokens
type Authenticator interface {
	FromRequest(r *http.Request) (*auth.Operator, error)
}

// Syncer runs one sync config on demand
type Syncer interface {
	SyncNow(ctx context.Context, configID int64) (int, error)
}

// TokenRefresher refreshes tokens close to expiry
type TokenRefresher interface {
	RefreshExpiring(ctx context.Context, within time.Duration) (auth.RefreshSummary, error)
}

// Connector drives the mailbox OAuth flow
type Connector interface {
	AuthorizationURL(ctx context.Context, st auth.State) (string, error)
	Complete(ctx context.Context, code, rawState string) (*auth.ConnectResult, error)
}

// Pinger reports database reachability
type Pinger interface {
	PingContext(ctx context.Context) error
}

// JobLister reports background job state
type JobLister interface {
	States() []scheduler.JobState
}

// Deps are the services behind the routes. Jobs may be nil.
type Deps struct {
	Auth          Authenticator
	Sync          Syncer
	Tokens        TokenRefresher
	Connect       Connector
	DB            Pinger
	Jobs          JobLister
	RefreshWindow time.Duration
	Version       string
}

// Server holds the gin engine
type Server struct {
	deps   Deps
	engine *gin.Engine
	logger zerolog.Logger
}

// New builds the router
func New(deps Deps, logger zerolog.Logger) *Server {
	if deps.RefreshWindow <= 0 {
		deps.RefreshWindow = 10 * time.Minute
	}
	s := &Server{
		deps:   deps,
		engine: gin.New(),
		logger: logger.With().Str("component", "http").Logger(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())

	s.engine.GET("/healthz", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/oauth/callback", s.oauthCallback)

	admin := s.engine.Group("/admin")
	admin.Use(s.authMiddleware())
	admin.POST("/sync-configs/:id/run", s.runSync)
	admin.POST("/tokens/refresh", s.refreshTokens)
	admin.POST("/oauth/authorize", s.authorize)
	admin.GET("/jobs", s.jobs)
	return s
}

// Handler returns the http handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		op, err := s.deps.Auth.FromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
			return
		}
		c.Set(operatorKey, op)
		c.Next()
	}
}

func operator(c *gin.Context) *auth.Operator {
	v, _ := c.Get(operatorKey)
	op, _ := v.(*auth.Operator)
	return op
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.DB.PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.deps.Version})
}

func (s *Server) runSync(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sync config id"})
		return
	}
	created, err := s.deps.Sync.SyncNow(c.Request.Context(), id)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, store.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, sync.ErrAlreadyRunning), errors.Is(err, sync.ErrInactive), errors.Is(err, auth.ErrReauthRequired):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error(), "created": created})
		return
	}
	if op := operator(c); op != nil {
		s.logger.Info().Str("operator", op.ID).Int64("sync_config_id", id).Int("created", created).Msg("manual sync")
	}
	c.JSON(http.StatusOK, gin.H{"sync_config_id": id, "created": created})
}

func (s *Server) refreshTokens(c *gin.Context) {
	sum, err := s.deps.Tokens.RefreshExpiring(c.Request.Context(), s.deps.RefreshWindow)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sum)
}

type authorizeRequest struct {
	WorkspaceID   int64  `json:"workspace_id" binding:"required"`
	AgentID       int64  `json:"agent_id"`
	IntegrationID int64  `json:"integration_id" binding:"required"`
	ConnectionID  int64  `json:"connection_id"`
	Flow          string `json:"flow"`
}

func (s *Server) authorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	flow := auth.Flow(req.Flow)
	switch flow {
	case "":
		flow = auth.FlowConnect
	case auth.FlowConnect, auth.FlowReconnect:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "flow must be connect or reconnect"})
		return
	}
	if flow == auth.FlowReconnect && req.ConnectionID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reconnect needs connection_id"})
		return
	}

	url, err := s.deps.Connect.AuthorizationURL(c.Request.Context(), auth.State{
		WorkspaceID:   req.WorkspaceID,
		AgentID:       req.AgentID,
		IntegrationID: req.IntegrationID,
		ConnectionID:  req.ConnectionID,
		Flow:          flow,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		} else if auth.IsConfigurationError(err) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorization_url": url})
}

func (s *Server) oauthCallback(c *gin.Context) {
	if e := c.Query("error"); e != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": e, "description": c.Query("error_description")})
		return
	}
	res, err := s.deps.Connect.Complete(c.Request.Context(), c.Query("code"), c.Query("state"))
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, auth.ErrInvalidState):
			status = http.StatusBadRequest
		case errors.Is(err, store.ErrNotFound):
			status = http.StatusNotFound
		case auth.IsConfigurationError(err):
			status = http.StatusUnprocessableEntity
		}
		s.logger.Warn().Err(err).Msg("oauth callback failed")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) jobs(c *gin.Context) {
	if s.deps.Jobs == nil {
		c.JSON(http.StatusOK, []scheduler.JobState{})
		return
	}
	c.JSON(http.StatusOK, s.deps.Jobs.States())
}
