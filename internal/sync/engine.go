// Package sync polls connected mailboxes and feeds their unread mail into
// the ingest pipeline.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/helpdesk-mailsync/internal/auth"
	"github.com/Martian-dev/helpdesk-mailsync/internal/mail"
	"github.com/Martian-dev/helpdesk-mailsync/internal/models"
	"github.com/Martian-dev/helpdesk-mailsync/internal/store"
)

// Run statuses recorded on the sync config
const (
	StatusSuccess        = "success"
	StatusPartial        = "partial"
	StatusFailed         = "failed"
	StatusReauthRequired = "reauth_required"
)

var (
	// ErrAlreadyRunning is returned by SyncNow while a run of the same
	// config is in flight
	ErrAlreadyRunning = errors.New("sync already running")
	// ErrInactive is returned by SyncNow for a disabled config or mailbox
	ErrInactive = errors.New("sync config is inactive")
)

var (
	syncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsync_sync_runs_total",
		Help: "Mailbox sync runs by final status",
	}, []string{"status"})
	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailsync_sync_run_duration_seconds",
		Help:    "Duration of mailbox sync runs",
		Buckets: prometheus.DefBuckets,
	})
	ticketsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsync_tickets_created_total",
		Help: "Tickets created from inbound mail",
	})
)

// Tokens hands out usable access tokens
type Tokens interface {
	ValidToken(ctx context.Context, mailboxID int64) (*models.Token, error)
}

// Config tunes the engine
type Config struct {
	BatchSize       int
	Concurrency     int
	BatchPause      time.Duration
	RunTimeout      time.Duration
	PageSize        int
	Lookback        time.Duration
	ProcessedFolder string
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:       5,
		Concurrency:     3,
		BatchPause:      500 * time.Millisecond,
		RunTimeout:      60 * time.Second,
		PageSize:        mail.MaxPageSize,
		Lookback:        72 * time.Hour,
		ProcessedFolder: "Helpdesk Processed",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.BatchPause < 0 {
		c.BatchPause = 0
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = d.RunTimeout
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.Lookback <= 0 {
		c.Lookback = d.Lookback
	}
	return c
}

// RunResult counts what one run did
type RunResult struct {
	ConfigID  int64  `json:"sync_config_id"`
	Status    string `json:"status"`
	Listed    int    `json:"listed"`
	Created   int    `json:"created"`
	Replied   int    `json:"replied"`
	Ignored   int    `json:"ignored"`
	Skipped   int    `json:"skipped"`
	Duplicate int    `json:"duplicate"`
	Failed    int    `json:"failed"`
	Err       error  `json:"-"`
}

func (r *RunResult) count(o Outcome) {
	switch o {
	case OutcomeCreated:
		r.Created++
	case OutcomeReplied:
		r.Replied++
	case OutcomeIgnored:
		r.Ignored++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeDuplicate:
		r.Duplicate++
	}
}

// TickSummary describes one scheduler tick
type TickSummary struct {
	Active    int `json:"active"`
	Due       int `json:"due"`
	InFlight  int `json:"in_flight"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Created   int `json:"created"`
}

// Engine runs due sync configs. A config never has more than one run in
// flight in this process.
type Engine struct {
	store    *store.Store
	tokens   Tokens
	mail     Mailer
	pipeline *Pipeline
	cfg      Config
	breaker  *gobreaker.CircuitBreaker
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running map[int64]struct{}
}

// Option customises an Engine
type Option func(*Engine)

// WithClock overrides the time source used for due checks
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a sync engine
func NewEngine(st *store.Store, tokens Tokens, m Mailer, p *Pipeline, cfg Config, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		tokens:   tokens,
		mail:     m,
		pipeline: p,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "sync").Logger(),
		now:      time.Now,
		running:  make(map[int64]struct{}),
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "sync-configs",
		Timeout: 120 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) claim(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[id]; ok {
		return false
	}
	e.running[id] = struct{}{}
	return true
}

func (e *Engine) release(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
}

// Running reports whether a run of the config is in flight
func (e *Engine) Running(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}

// Tick runs every due config in batches. A failing config never affects the
// others; only a failure to list configs is returned.
func (e *Engine) Tick(ctx context.Context) (TickSummary, error) {
	var sum TickSummary
	v, err := e.breaker.Execute(func() (interface{}, error) {
		return e.store.ListActiveSyncTargets(ctx)
	})
	if err != nil {
		return sum, fmt.Errorf("list sync configs: %w", err)
	}
	targets := v.([]models.SyncTarget)
	sum.Active = len(targets)

	now := e.now()
	var due []models.SyncTarget
	for _, t := range targets {
		if t.IntegrationActive && t.Due(now) {
			due = append(due, t)
		}
	}
	sum.Due = len(due)
	if len(due) == 0 {
		return sum, nil
	}

	var mu sync.Mutex
	for start := 0; start < len(due); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(due))

		var g errgroup.Group
		g.SetLimit(e.cfg.Concurrency)
		for i := start; i < end; i++ {
			t := due[i]
			if !e.claim(t.ID) {
				mu.Lock()
				sum.InFlight++
				mu.Unlock()
				continue
			}
			g.Go(func() error {
				defer e.release(t.ID)
				res := e.run(ctx, &t)
				mu.Lock()
				defer mu.Unlock()
				sum.Created += res.Created
				if res.Err != nil {
					sum.Failed++
				} else {
					sum.Succeeded++
				}
				return nil
			})
		}
		_ = g.Wait()

		if end < len(due) && e.cfg.BatchPause > 0 {
			select {
			case <-ctx.Done():
				return sum, ctx.Err()
			case <-time.After(e.cfg.BatchPause):
			}
		}
	}

	e.logger.Info().
		Int("due", sum.Due).
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Int("in_flight", sum.InFlight).
		Int("created", sum.Created).
		Msg("sync tick finished")
	return sum, nil
}

// SyncNow runs one config immediately, whether or not it is due, and returns
// the number of tickets it created.
func (e *Engine) SyncNow(ctx context.Context, configID int64) (int, error) {
	t, err := e.store.GetSyncTarget(ctx, configID)
	if err != nil {
		return 0, err
	}
	if !t.IsActive || !t.IntegrationActive {
		return 0, fmt.Errorf("sync config %d: %w", configID, ErrInactive)
	}
	if !e.claim(t.ID) {
		return 0, fmt.Errorf("sync config %d: %w", configID, ErrAlreadyRunning)
	}
	defer e.release(t.ID)

	res := e.run(ctx, t)
	return res.Created, res.Err
}

// run executes one sync and always records its outcome
func (e *Engine) run(ctx context.Context, t *models.SyncTarget) RunResult {
	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.RunTimeout)
	defer cancel()

	res := e.syncTarget(runCtx, t)
	res.ConfigID = t.ID

	var errMsg string
	switch {
	case res.Err == nil && res.Failed > 0:
		res.Status = StatusPartial
	case res.Err == nil:
		res.Status = StatusSuccess
	case errors.Is(res.Err, auth.ErrReauthRequired):
		res.Status = StatusReauthRequired
		errMsg = res.Err.Error()
	default:
		res.Status = StatusFailed
		errMsg = res.Err.Error()
	}

	// the run context may be spent; the outcome must still be written
	writeCtx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer wcancel()
	if err := e.store.MarkSynced(writeCtx, t.ID, e.now().Unix(), res.Status, errMsg); err != nil {
		e.logger.Error().Err(err).Int64("sync_config_id", t.ID).Msg("failed to record sync outcome")
	}

	syncRuns.WithLabelValues(res.Status).Inc()
	syncDuration.Observe(time.Since(started).Seconds())
	ticketsCreated.Add(float64(res.Created))

	log := e.logger.With().Int64("sync_config_id", t.ID).Str("mailbox", t.MailboxEmail).Logger()
	if res.Err != nil {
		log.Warn().Err(res.Err).Str("status", res.Status).Msg("sync run failed")
	} else {
		log.Info().
			Str("status", res.Status).
			Int("listed", res.Listed).
			Int("created", res.Created).
			Int("replied", res.Replied).
			Int("ignored", res.Ignored).
			Int("failed", res.Failed).
			Dur("took", time.Since(started)).
			Msg("sync run finished")
	}
	return res
}

func (e *Engine) syncTarget(ctx context.Context, t *models.SyncTarget) RunResult {
	var res RunResult
	if t.NeedsReauth {
		res.Err = fmt.Errorf("mailbox %s: %w", t.MailboxEmail, auth.ErrReauthRequired)
		return res
	}

	tok, err := e.tokens.ValidToken(ctx, t.MailboxID)
	if err != nil {
		res.Err = fmt.Errorf("get token: %w", err)
		return res
	}
	acct := mail.Account{
		Provider:    t.Provider,
		TenantID:    t.TenantID,
		Mailbox:     t.MailboxEmail,
		AccessToken: tok.AccessToken,
	}

	folderID, err := e.mail.ResolveFolderID(ctx, acct, t.FolderName)
	if err != nil {
		res.Err = fmt.Errorf("resolve folder %q: %w", t.FolderName, err)
		return res
	}
	processedID, err := e.mail.EnsureFolder(ctx, acct, e.cfg.ProcessedFolder)
	if err != nil {
		// ingestion still works, messages just stay where they are
		e.logger.Warn().Err(err).Int64("sync_config_id", t.ID).Msg("processed folder unavailable")
		processedID = ""
	}

	msgs, err := e.mail.ListMessages(ctx, acct, folderID, mail.ListQuery{
		Top:           e.cfg.PageSize,
		UnreadOnly:    true,
		ReceivedAfter: e.now().Add(-e.cfg.Lookback),
	})
	if err != nil {
		res.Err = fmt.Errorf("list messages: %w", err)
		return res
	}
	res.Listed = len(msgs)

	run := &Run{Account: acct, Target: t, ProcessedFolderID: processedID}
	// listings are newest first; oldest first keeps threads in order
	for i := len(msgs) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			res.Err = fmt.Errorf("run interrupted after %d of %d messages: %w", len(msgs)-1-i, len(msgs), err)
			return res
		}
		outcome, err := e.pipeline.Process(ctx, run, msgs[i])
		if err != nil {
			res.Failed++
			e.logger.Error().Err(err).Int64("sync_config_id", t.ID).Str("email_id", msgs[i].ID).Msg("failed to ingest message")
			continue
		}
		res.count(outcome)
	}
	return res
}
