package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/helpdesk-mailsync/internal/auth"
	"github.com/Martian-dev/helpdesk-mailsync/internal/automation"
	"github.com/Martian-dev/helpdesk-mailsync/internal/cache"
	"github.com/Martian-dev/helpdesk-mailsync/internal/config"
	"github.com/Martian-dev/helpdesk-mailsync/internal/mail"
	"github.com/Martian-dev/helpdesk-mailsync/internal/providers"
	"github.com/Martian-dev/helpdesk-mailsync/internal/ratelimit"
	"github.com/Martian-dev/helpdesk-mailsync/internal/store"
	"github.com/Martian-dev/helpdesk-mailsync/internal/sync"
	"github.com/Martian-dev/helpdesk-mailsync/internal/tickets"
)

// app holds the services shared by the commands
type app struct {
	cfg         *config.Config
	logger      zerolog.Logger
	store       *store.Store
	cache       *cache.Cache
	tokens      *auth.Manager
	mail        *mail.Client
	engine      *sync.Engine
	automations *automation.Runner

	closers []func()
}

// buildApp opens the database and wires the mail services. The shared
// cache tier is skipped with a warning when Redis is unreachable.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: st}
	a.closers = append(a.closers, func() { st.Close() })

	var shared cache.SharedStore
	if cfg.RedisURL != "" {
		rs, err := cache.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, using local cache only")
		} else {
			shared = rs
			a.closers = append(a.closers, func() { rs.Close() })
		}
	}
	a.cache = cache.New(shared, cache.Config{
		Local: cache.LocalCacheConfig{MaxSize: cfg.LocalCacheSize, MaxTTL: cfg.LocalCacheTTL},
	}, logger)
	a.closers = append(a.closers, a.cache.Close)

	limiter := ratelimit.New(cfg.GlobalRPS, cfg.TenantRPS)
	router := providers.NewRouter(cfg.GraphBaseURL, cfg.GmailBaseURL)
	a.mail = mail.NewClient(router.Factory(), limiter, a.cache, logger, cfg.ProviderCallTimeout)
	a.tokens = auth.NewManager(st, logger, auth.WithRedirectURL(cfg.OAuthRedirectURL))

	pipeline := sync.NewPipeline(st, a.mail, tickets.NewService(st.DB), cfg.SystemDomains, logger)
	a.engine = sync.NewEngine(st, a.tokens, a.mail, pipeline, sync.Config{
		BatchSize:       cfg.SyncBatchSize,
		Concurrency:     cfg.SyncConcurrency,
		BatchPause:      cfg.SyncBatchPause,
		RunTimeout:      cfg.SyncRunTimeout,
		PageSize:        cfg.SyncPageSize,
		Lookback:        cfg.SyncLookback,
		ProcessedFolder: cfg.ProcessedFolder,
	}, logger)
	a.automations = automation.NewRunner(st, a.tokens, a.mail, cfg.Location(), logger)
	return a, nil
}

// close releases resources in reverse order of acquisition
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) verifier(ctx context.Context) (*auth.Verifier, error) {
	if a.cfg.AdminJWKSURL != "" {
		return auth.NewJWKSVerifier(ctx, a.cfg.AdminJWKSURL)
	}
	if a.cfg.AdminJWTSecret == "" {
		return nil, fmt.Errorf("admin_jwt_secret or admin_jwks_url is required to serve")
	}
	return auth.NewHMACVerifier(a.cfg.AdminJWTSecret)
}
