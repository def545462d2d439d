package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/helpdesk-mailsync/internal/auth"
	"github.com/Martian-dev/helpdesk-mailsync/internal/config"
	"github.com/Martian-dev/helpdesk-mailsync/internal/httpapi"
	"github.com/Martian-dev/helpdesk-mailsync/internal/models"
	natsjs "github.com/Martian-dev/helpdesk-mailsync/internal/nats"
	"github.com/Martian-dev/helpdesk-mailsync/internal/scheduler"
	"github.com/Martian-dev/helpdesk-mailsync/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, outbox dispatcher and admin HTTP API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the schema and seed the bootstrap Microsoft integration",
	RunE:  runMigrate,
}

var syncCmd = &cobra.Command{
	Use:   "sync <config-id>",
	Short: "Sync one mailbox config now",
	Args:  cobra.ExactArgs(1),
	RunE:  runSync,
}

var refreshTokensCmd = &cobra.Command{
	Use:   "refresh-tokens",
	Short: "Refresh tokens that expire soon",
	RunE:  runRefreshTokens,
}

var adminTokenCmd = &cobra.Command{
	Use:   "admin-token",
	Short: "Issue an HS256 admin API token",
	RunE:  runAdminToken,
}

var (
	refreshWithin time.Duration

	tokenSubject string
	tokenEmail   string
	tokenTTL     time.Duration
)

func init() {
	refreshTokensCmd.Flags().DurationVar(&refreshWithin, "within", 0, "Refresh tokens expiring within this window (default token_refresh_window)")

	adminTokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Operator id (required)")
	adminTokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Operator email")
	adminTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	adminTokenCmd.MarkFlagRequired("subject")
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := seedIntegration(ctx, a.store, cfg); err != nil {
		return err
	}

	verifier, err := a.verifier(ctx)
	if err != nil {
		return err
	}
	states, err := auth.NewStateSigner(cfg.OAuthStateSecret, 0)
	if err != nil {
		return err
	}
	connector := auth.NewConnector(a.store, a.tokens, states, a.mail, logger)

	deps := scheduler.Deps{
		Sync:               a.engine,
		Tokens:             a.tokens,
		Automations:        a.automations,
		SyncTick:           cfg.SyncTick,
		SyncTimeout:        cfg.SyncRunTimeout * 5,
		TokenRefreshEvery:  cfg.TokenRefreshEvery,
		TokenRefreshWindow: cfg.TokenRefreshWindow,
	}
	if cfg.NATSURL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}
		deps.Outbox = natsjs.NewDispatcher(a.store, pub, logger)
	} else {
		logger.Warn().Msg("nats_url not set, outbox events stay queued")
	}

	sched := scheduler.New(logger, cfg.Location())
	for _, job := range scheduler.StandardJobs(deps, logger) {
		if err := sched.Add(job); err != nil {
			return err
		}
	}

	api := httpapi.New(httpapi.Deps{
		Auth:          verifier,
		Sync:          a.engine,
		Tokens:        a.tokens,
		Connect:       connector,
		DB:            a.store.DB,
		Jobs:          sched,
		RefreshWindow: cfg.TokenRefreshWindow,
		Version:       cfg.Version,
	}, logger)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched.Start(ctx)
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	sched.Stop(shutdownCtx)
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := seedIntegration(ctx, st, cfg)
	if err != nil {
		return err
	}
	logger.Info().Str("driver", cfg.DatabaseDriver).Int64("integration_id", id).Msg("schema applied")
	return nil
}

// seedIntegration creates the Microsoft integration from configuration when
// no active one exists. It returns the id of the active integration, or 0
// when none is configured.
func seedIntegration(ctx context.Context, st *store.Store, c *config.Config) (int64, error) {
	in, err := st.FirstActiveIntegration(ctx, models.ProviderMicrosoft)
	if err == nil {
		return in.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}
	if c.MicrosoftClientID == "" || c.MicrosoftClientSecret == "" {
		return 0, nil
	}
	id, err := st.CreateIntegration(ctx, &models.Integration{
		Provider:     models.ProviderMicrosoft,
		TenantID:     c.MicrosoftTenantID,
		ClientID:     c.MicrosoftClientID,
		ClientSecret: c.MicrosoftClientSecret,
		RedirectURI:  c.OAuthRedirectURL,
		Scope:        c.MicrosoftScope,
		IsActive:     true,
	})
	if err != nil {
		return 0, err
	}
	logger.Info().Int64("integration_id", id).Msg("bootstrap integration created")
	return id, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid config id %q", args[0])
	}
	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	created, err := a.engine.SyncNow(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]any{"sync_config_id": id, "created": created})
}

func runRefreshTokens(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	within := refreshWithin
	if within <= 0 {
		within = cfg.TokenRefreshWindow
	}
	sum, err := a.tokens.RefreshExpiring(ctx, within)
	if err != nil {
		return err
	}
	return printJSON(cmd, sum)
}

func runAdminToken(cmd *cobra.Command, args []string) error {
	if cfg.AdminJWTSecret == "" {
		return errors.New("admin_jwt_secret is not set")
	}
	tok, err := auth.SignOperatorToken(cfg.AdminJWTSecret, auth.Operator{ID: tokenSubject, Email: tokenEmail}, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
