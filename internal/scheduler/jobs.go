package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/helpdesk-mailsync/internal/auth"
	"github.com/Martian-dev/helpdesk-mailsync/internal/automation"
	natsjs "github.com/Martian-dev/helpdesk-mailsync/internal/nats"
	"github.com/Martian-dev/helpdesk-mailsync/internal/sync"
)

// Job names
const (
	JobMailSync        = "mail.sync"
	JobTokenRefresh    = "tokens.refresh"
	JobAutomations     = "automations.evaluate"
	JobOutboxDispatch  = "outbox.dispatch"
	automationsEvery   = time.Minute
	outboxEvery        = 5 * time.Second
	defaultJobDeadline = 5 * time.Minute
)

// SyncTicker runs one sync tick
type SyncTicker interface {
	Tick(ctx context.Context) (sync.TickSummary, error)
}

// TokenRefresher refreshes tokens close to expiry
type TokenRefresher interface {
	RefreshExpiring(ctx context.Context, within time.Duration) (auth.RefreshSummary, error)
}

// Evaluator sends due scheduled notifications
type Evaluator interface {
	Evaluate(ctx context.Context) (automation.Summary, error)
}

// Dispatcher drains the outbox
type Dispatcher interface {
	Dispatch(ctx context.Context) (natsjs.DispatchSummary, error)
}

// Deps are the services driven by the standard jobs. A nil service skips
// its job.
type Deps struct {
	Sync        SyncTicker
	Tokens      TokenRefresher
	Automations Evaluator
	Outbox      Dispatcher

	SyncTick           time.Duration
	SyncTimeout        time.Duration
	TokenRefreshEvery  time.Duration
	TokenRefreshWindow time.Duration
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

// StandardJobs returns the background jobs of the service
func StandardJobs(d Deps, logger zerolog.Logger) []Job {
	if d.SyncTick <= 0 {
		d.SyncTick = 30 * time.Second
	}
	if d.SyncTimeout <= 0 {
		d.SyncTimeout = defaultJobDeadline
	}
	if d.TokenRefreshEvery <= 0 {
		d.TokenRefreshEvery = 3 * time.Hour
	}
	if d.TokenRefreshWindow <= 0 {
		d.TokenRefreshWindow = 10 * time.Minute
	}

	var jobs []Job
	if d.Sync != nil {
		jobs = append(jobs, Job{
			Name:    JobMailSync,
			Spec:    every(d.SyncTick),
			Timeout: d.SyncTimeout,
			Run: func(ctx context.Context) error {
				sum, err := d.Sync.Tick(ctx)
				if sum.Due > 0 {
					logger.Info().Str("job", JobMailSync).Interface("summary", sum).Msg("sync tick")
				}
				return err
			},
		})
	}
	if d.Tokens != nil {
		jobs = append(jobs, Job{
			Name:    JobTokenRefresh,
			Spec:    every(d.TokenRefreshEvery),
			Timeout: defaultJobDeadline,
			Run: func(ctx context.Context) error {
				sum, err := d.Tokens.RefreshExpiring(ctx, d.TokenRefreshWindow)
				logger.Info().Str("job", JobTokenRefresh).Interface("summary", sum).Msg("token maintenance")
				return err
			},
		})
	}
	if d.Automations != nil {
		jobs = append(jobs, Job{
			Name:    JobAutomations,
			Spec:    every(automationsEvery),
			Timeout: automationsEvery,
			Run: func(ctx context.Context) error {
				sum, err := d.Automations.Evaluate(ctx)
				if sum.Due > 0 {
					logger.Info().Str("job", JobAutomations).Interface("summary", sum).Msg("automations evaluated")
				}
				return err
			},
		})
	}
	if d.Outbox != nil {
		jobs = append(jobs, Job{
			Name:    JobOutboxDispatch,
			Spec:    every(outboxEvery),
			Timeout: 30 * time.Second,
			Run: func(ctx context.Context) error {
				_, err := d.Outbox.Dispatch(ctx)
				return err
			},
		})
	}
	return jobs
}
