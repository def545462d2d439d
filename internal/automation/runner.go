package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/helpdesk-mailsync/internal/mail"
	"github.com/Martian-dev/helpdesk-mailsync/internal/models"
	"github.com/Martian-dev/helpdesk-mailsync/internal/store"
)

var notificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mailsync_notifications_total",
	Help: "Scheduled notification sends by result",
}, []string{"result"})

// Tokens hands out usable access tokens
type Tokens interface {
	ValidToken(ctx context.Context, mailboxID int64) (*models.Token, error)
}

// Sender delivers mail from a connected mailbox
type Sender interface {
	SendMail(ctx context.Context, acct mail.Account, msg mail.OutgoingMessage) error
}

// Summary counts the outcome of one evaluation pass
type Summary struct {
	Active int `json:"active"`
	Due    int `json:"due"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Runner sends scheduled notifications when they fall due
type Runner struct {
	store  *store.Store
	tokens Tokens
	sender Sender
	loc    *time.Location
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Runner
type Option func(*Runner)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner evaluating schedules on the wall clock of loc
func NewRunner(st *store.Store, tokens Tokens, sender Sender, loc *time.Location, logger zerolog.Logger, opts ...Option) *Runner {
	if loc == nil {
		loc = time.UTC
	}
	r := &Runner{
		store:  st,
		tokens: tokens,
		sender: sender,
		loc:    loc,
		logger: logger.With().Str("component", "automation").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Evaluate sends every active notification that is due. A failing
// notification is logged and does not stop the others; it is retried on
// the next pass while still inside the catch-up window.
func (r *Runner) Evaluate(ctx context.Context) (Summary, error) {
	var sum Summary
	list, err := r.store.ListActiveNotifications(ctx)
	if err != nil {
		return sum, err
	}
	sum.Active = len(list)
	now := r.now()

	for i := range list {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		n := &list[i]
		log := r.logger.With().Int64("notification_id", n.ID).Str("name", n.Name).Logger()

		var last *time.Time
		if n.LastRunAt != nil {
			t := time.Unix(*n.LastRunAt, 0)
			last = &t
		}
		due, occ, err := ScheduleOf(n).Due(now, last, r.loc)
		if err != nil {
			log.Warn().Err(err).Msg("invalid notification schedule")
			sum.Failed++
			continue
		}
		if !due {
			continue
		}
		sum.Due++

		if err := r.send(ctx, n); err != nil {
			log.Error().Err(err).Time("occurrence", occ).Msg("failed to send notification")
			notificationsSent.WithLabelValues("failed").Inc()
			sum.Failed++
			continue
		}
		if err := r.store.MarkNotificationRun(ctx, n.ID, now.Unix()); err != nil {
			log.Error().Err(err).Msg("notification sent but run time not recorded")
		}
		notificationsSent.WithLabelValues("sent").Inc()
		sum.Sent++
		log.Info().Time("occurrence", occ).Str("recipient", n.Recipient).Msg("notification sent")
	}
	return sum, nil
}

func (r *Runner) send(ctx context.Context, n *models.ScheduledNotification) error {
	to, err := parseRecipients(n.Recipient)
	if err != nil {
		return err
	}
	mb, err := r.store.GetMailbox(ctx, n.MailboxID)
	if err != nil {
		return fmt.Errorf("load mailbox %d: %w", n.MailboxID, err)
	}
	if !mb.IsActive {
		return fmt.Errorf("mailbox %s is inactive", mb.Email)
	}
	tok, err := r.tokens.ValidToken(ctx, mb.ID)
	if err != nil {
		return err
	}
	in, err := r.store.GetIntegration(ctx, tok.IntegrationID)
	if err != nil {
		return fmt.Errorf("load integration %d: %w", tok.IntegrationID, err)
	}
	return r.sender.SendMail(ctx, mail.Account{
		Provider:    in.Provider,
		TenantID:    in.TenantID,
		Mailbox:     mb.Email,
		AccessToken: tok.AccessToken,
	}, mail.OutgoingMessage{
		To:         to,
		Subject:    n.Subject,
		HTMLBody:   n.BodyHTML,
		SaveToSent: true,
	})
}

// parseRecipients accepts an RFC 5322 address list; semicolons are treated
// as commas
func parseRecipients(raw string) ([]mail.Address, error) {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, ";", ","))
	if raw == "" {
		return nil, errors.New("notification has no recipient")
	}
	list, err := gomail.ParseAddressList(raw)
	if err != nil {
		return nil, fmt.Errorf("parse recipients %q: %w", raw, err)
	}
	out := make([]mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, mail.Address{Name: a.Name, Email: strings.ToLower(a.Address)})
	}
	return out, nil
}
