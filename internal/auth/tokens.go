package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/sync/singleflight"

	"github.com/Martian-dev/helpdesk-mailsync/internal/models"
	"github.com/Martian-dev/helpdesk-mailsync/internal/store"
)

// ExpirySkew treats tokens expiring this soon as already expired
const ExpirySkew = 60 * time.Second

// RefreshTimeout bounds one shared refresh, independent of its callers
const RefreshTimeout = 30 * time.Second

var refreshResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mailsync_token_refresh_total",
	Help: "Delegated token refresh attempts by result",
}, []string{"result"})

// EndpointFunc resolves the OAuth endpoint for an integration
type EndpointFunc func(in *models.Integration) oauth2.Endpoint

// DefaultEndpoint uses the Microsoft identity platform for the integration's
// tenant, or Google for Gmail integrations.
func DefaultEndpoint(in *models.Integration) oauth2.Endpoint {
	if in.Provider == models.ProviderGoogle {
		return google.Endpoint
	}
	tenant := in.TenantID
	if tenant == "" {
		tenant = "common"
	}
	return microsoft.AzureADEndpoint(tenant)
}

// Manager owns the OAuth token lifecycle: application tokens, delegated
// refresh, expiry checks and the authorization code exchange.
type Manager struct {
	store       *store.Store
	endpoint    EndpointFunc
	httpClient  *http.Client
	redirectURL string
	logger      zerolog.Logger
	now         func() time.Time

	flights   singleflight.Group
	appMu     sync.Mutex
	appTokens map[int64]*oauth2.Token
}

// Option configures a Manager
type Option func(*Manager)

// WithEndpoint overrides endpoint resolution
func WithEndpoint(fn EndpointFunc) Option {
	return func(m *Manager) { m.endpoint = fn }
}

// WithHTTPClient sets the client used for token requests
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithRedirectURL sets the callback used when an integration has none
func WithRedirectURL(u string) Option {
	return func(m *Manager) { m.redirectURL = u }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a token manager
func NewManager(st *store.Store, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:      st,
		endpoint:   DefaultEndpoint,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With().Str("component", "tokens").Logger(),
		now:        time.Now,
		appTokens:  make(map[int64]*oauth2.Token),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) clientCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (m *Manager) oauthConfig(in *models.Integration) *oauth2.Config {
	redirect := in.RedirectURI
	if redirect == "" {
		redirect = m.redirectURL
	}
	return &oauth2.Config{
		ClientID:     in.ClientID,
		ClientSecret: in.ClientSecret,
		Endpoint:     m.endpoint(in),
		RedirectURL:  redirect,
		Scopes:       in.Scopes(),
	}
}

func checkIntegration(in *models.Integration) error {
	if !in.IsActive {
		return &ConfigurationError{IntegrationID: in.ID, Err: errors.New("integration is inactive")}
	}
	if in.ClientID == "" || in.ClientSecret == "" {
		return &ConfigurationError{IntegrationID: in.ID, Err: errors.New("client credentials are missing")}
	}
	return nil
}

// ApplicationToken returns an app-only access token for the integration's
// tenant using the client-credentials grant. Tokens are reused until they
// are within ExpirySkew of expiry.
func (m *Manager) ApplicationToken(ctx context.Context, in *models.Integration) (string, error) {
	if err := checkIntegration(in); err != nil {
		return "", err
	}
	if in.Provider == models.ProviderGoogle {
		return "", &ConfigurationError{IntegrationID: in.ID, Err: errors.New("application tokens are not supported for google")}
	}

	m.appMu.Lock()
	if tok, ok := m.appTokens[in.ID]; ok && tok.Expiry.After(m.now().Add(ExpirySkew)) {
		m.appMu.Unlock()
		return tok.AccessToken, nil
	}
	m.appMu.Unlock()

	ep := m.endpoint(in)
	cc := &clientcredentials.Config{
		ClientID:     in.ClientID,
		ClientSecret: in.ClientSecret,
		TokenURL:     ep.TokenURL,
		Scopes:       []string{"https://graph.microsoft.com/.default"},
		AuthStyle:    ep.AuthStyle,
	}
	tok, err := cc.Token(m.clientCtx(ctx))
	if err != nil {
		cfgErr := &ConfigurationError{IntegrationID: in.ID, Err: err}
		if serr := m.store.SetIntegrationError(ctx, in.ID, cfgErr.Error()); serr != nil {
			m.logger.Warn().Err(serr).Int64("integration_id", in.ID).Msg("failed to record integration error")
		}
		return "", cfgErr
	}

	m.appMu.Lock()
	m.appTokens[in.ID] = tok
	m.appMu.Unlock()
	return tok.AccessToken, nil
}

// ValidToken returns a usable access token for the mailbox, refreshing it
// first when it expires within ExpirySkew. Concurrent callers for the same
// token share a single refresh.
func (m *Manager) ValidToken(ctx context.Context, mailboxID int64) (*models.Token, error) {
	tok, err := m.store.LatestTokenForMailbox(ctx, mailboxID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("mailbox %d has no token: %w", mailboxID, ErrReauthRequired)
	}
	if err != nil {
		return nil, err
	}
	if !tok.ExpiredAt(m.now(), ExpirySkew) {
		return tok, nil
	}

	fresh, err := m.shared(ctx, tok.ID, false)
	if err != nil {
		return nil, err
	}
	if fresh.ExpiredAt(m.now(), 0) {
		return nil, fmt.Errorf("token %d still expired after refresh: %w", fresh.ID, ErrTransient)
	}
	return fresh, nil
}

// Refresh exchanges the token's refresh token for a new access token and
// persists the result.
//
// invalid_grant deletes the token, flags the mailbox for re-authentication
// and returns ErrReauthRequired. Other failures wrap ErrTransient and leave
// the stored token untouched.
func (m *Manager) Refresh(ctx context.Context, tok *models.Token) (*models.Token, error) {
	return m.shared(ctx, tok.ID, true)
}

// shared joins the in-flight refresh for tokenID. The refresh runs detached
// from any single caller so one caller giving up does not fail the others;
// each caller still stops waiting when its own ctx ends.
func (m *Manager) shared(ctx context.Context, tokenID int64, force bool) (*models.Token, error) {
	ch := m.flights.DoChan(strconv.FormatInt(tokenID, 10), func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RefreshTimeout)
		defer cancel()
		return m.refresh(flightCtx, tokenID, force)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("refresh token %d: %w: %w", tokenID, ErrTransient, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Token), nil
	}
}

func (m *Manager) refresh(ctx context.Context, tokenID int64, force bool) (*models.Token, error) {
	// re-read: another process may have refreshed or removed it
	current, err := m.store.GetToken(ctx, tokenID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("token %d is gone: %w", tokenID, ErrReauthRequired)
	}
	if err != nil {
		return nil, err
	}
	if !force && !current.ExpiredAt(m.now(), ExpirySkew) {
		return current, nil
	}
	if current.RefreshToken == "" {
		m.flagReauth(ctx, current)
		refreshResults.WithLabelValues("reauth").Inc()
		return nil, fmt.Errorf("token %d has no refresh token: %w", tokenID, ErrReauthRequired)
	}

	in, err := m.store.GetIntegration(ctx, current.IntegrationID)
	if err != nil {
		return nil, fmt.Errorf("load integration %d: %w", current.IntegrationID, err)
	}
	if err := checkIntegration(in); err != nil {
		refreshResults.WithLabelValues("config").Inc()
		return nil, err
	}

	src := m.oauthConfig(in).TokenSource(m.clientCtx(ctx), &oauth2.Token{
		RefreshToken: current.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	fresh, err := src.Token()
	if err != nil {
		return nil, m.refreshFailed(ctx, current, in, err)
	}

	refreshToken := fresh.RefreshToken
	if refreshToken == "" {
		refreshToken = current.RefreshToken
	}
	tokenType := fresh.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	expiresAt := fresh.Expiry
	if expiresAt.IsZero() {
		expiresAt = m.now().Add(time.Hour)
	}

	err = m.store.UpdateTokenCredentials(ctx, current.ID, fresh.AccessToken, refreshToken, tokenType, expiresAt.Unix())
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("token %d deleted during refresh: %w", current.ID, ErrReauthRequired)
	}
	if err != nil {
		return nil, fmt.Errorf("persist refreshed token %d: %w", current.ID, err)
	}

	refreshResults.WithLabelValues("ok").Inc()
	m.logger.Debug().Int64("token_id", current.ID).Time("expires_at", expiresAt).Msg("token refreshed")

	updated := *current
	updated.AccessToken = fresh.AccessToken
	updated.RefreshToken = refreshToken
	updated.TokenType = tokenType
	updated.ExpiresAt = expiresAt.Unix()
	updated.UpdatedAt = m.now().Unix()
	return &updated, nil
}

func (m *Manager) refreshFailed(ctx context.Context, tok *models.Token, in *models.Integration, err error) error {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		refreshResults.WithLabelValues("transient").Inc()
		return fmt.Errorf("refresh token %d: %w: %w", tok.ID, ErrTransient, err)
	}

	switch oauthErrorCode(rerr) {
	case "invalid_grant":
		if derr := m.store.DeleteToken(ctx, tok.ID); derr != nil && !errors.Is(derr, store.ErrNotFound) {
			m.logger.Error().Err(derr).Int64("token_id", tok.ID).Msg("failed to delete revoked token")
		}
		m.flagReauth(ctx, tok)
		refreshResults.WithLabelValues("reauth").Inc()
		m.logger.Warn().Int64("token_id", tok.ID).Msg("refresh token rejected, mailbox needs re-authentication")
		return fmt.Errorf("token %d: %w", tok.ID, ErrReauthRequired)
	case "invalid_client", "unauthorized_client":
		cfgErr := &ConfigurationError{IntegrationID: in.ID, Err: err}
		if serr := m.store.SetIntegrationError(ctx, in.ID, cfgErr.Error()); serr != nil {
			m.logger.Warn().Err(serr).Int64("integration_id", in.ID).Msg("failed to record integration error")
		}
		refreshResults.WithLabelValues("config").Inc()
		return cfgErr
	}
	refreshResults.WithLabelValues("transient").Inc()
	return fmt.Errorf("refresh token %d: %w: %w", tok.ID, ErrTransient, err)
}

func (m *Manager) flagReauth(ctx context.Context, tok *models.Token) {
	if tok.MailboxID == nil {
		return
	}
	if err := m.store.SetMailboxReauth(ctx, *tok.MailboxID, true); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Error().Err(err).Int64("mailbox_id", *tok.MailboxID).Msg("failed to flag mailbox for re-authentication")
	}
}

func oauthErrorCode(rerr *oauth2.RetrieveError) string {
	if rerr.ErrorCode != "" {
		return rerr.ErrorCode
	}
	// some tenants answer with a non-standard body
	body := string(rerr.Body)
	for _, code := range []string{"invalid_grant", "invalid_client", "unauthorized_client"} {
		if strings.Contains(body, code) {
			return code
		}
	}
	return ""
}

// RefreshSummary counts the outcomes of a maintenance pass
type RefreshSummary struct {
	Checked   int `json:"checked"`
	Refreshed int `json:"refreshed"`
	Reauth    int `json:"reauth"`
	Failed    int `json:"failed"`
}

// RefreshExpiring refreshes every delegated token expiring within the
// window. Individual failures are counted, not returned.
func (m *Manager) RefreshExpiring(ctx context.Context, within time.Duration) (RefreshSummary, error) {
	var sum RefreshSummary
	tokens, err := m.store.TokensExpiringBefore(ctx, m.now().Add(within).Unix())
	if err != nil {
		return sum, fmt.Errorf("list expiring tokens: %w", err)
	}

	for i := range tokens {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Checked++
		_, err := m.Refresh(ctx, &tokens[i])
		switch {
		case err == nil:
			sum.Refreshed++
		case errors.Is(err, ErrReauthRequired):
			sum.Reauth++
		default:
			sum.Failed++
			m.logger.Warn().Err(err).Int64("token_id", tokens[i].ID).Msg("token refresh failed")
		}
	}

	m.logger.Info().
		Int("checked", sum.Checked).
		Int("refreshed", sum.Refreshed).
		Int("reauth", sum.Reauth).
		Int("failed", sum.Failed).
		Msg("token maintenance finished")
	return sum, nil
}

// AuthCodeURL builds the consent URL for the integration. Offline access is
// always requested so a refresh token is issued.
func (m *Manager) AuthCodeURL(in *models.Integration, state string) (string, error) {
	if err := checkIntegration(in); err != nil {
		return "", err
	}
	return m.oauthConfig(in).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

// Exchange trades an authorization code for tokens
func (m *Manager) Exchange(ctx context.Context, in *models.Integration, code string) (*oauth2.Token, error) {
	if err := checkIntegration(in); err != nil {
		return nil, err
	}
	tok, err := m.oauthConfig(in).Exchange(m.clientCtx(ctx), code)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			switch oauthErrorCode(rerr) {
			case "invalid_client", "unauthorized_client":
				return nil, &ConfigurationError{IntegrationID: in.ID, Err: err}
			}
		}
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	if tok.RefreshToken == "" {
		m.logger.Warn().Int64("integration_id", in.ID).Msg("provider issued no refresh token")
	}
	return tok, nil
}
