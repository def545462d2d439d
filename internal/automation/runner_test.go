package automation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/helpdesk-mailsync/internal/auth"
	"github.com/Martian-dev/helpdesk-mailsync/internal/cache"
	"github.com/Martian-dev/helpdesk-mailsync/internal/mail"
	"github.com/Martian-dev/helpdesk-mailsync/internal/mail/mailtest"
	"github.com/Martian-dev/helpdesk-mailsync/internal/models"
	"github.com/Martian-dev/helpdesk-mailsync/internal/ratelimit"
	"github.com/Martian-dev/helpdesk-mailsync/internal/store"
)

type runnerFixture struct {
	st        *store.Store
	backend   *mailtest.Backend
	runner    *Runner
	mailboxID int64
	now       time.Time
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "automation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	integrationID, err := st.CreateIntegration(ctx, &models.Integration{
		Provider: models.ProviderMicrosoft, TenantID: "tenant-1", ClientID: "client", ClientSecret: "secret", IsActive: true,
	})
	require.NoError(t, err)
	mailboxID, err := st.UpsertMailbox(ctx, st.DB, &models.MailboxConnection{Email: "support@acme.test", WorkspaceID: 1})
	require.NoError(t, err)
	_, err = st.InsertToken(ctx, st.DB, &models.Token{
		IntegrationID: integrationID, MailboxID: &mailboxID,
		AccessToken: "access", RefreshToken: "refresh", ExpiresAt: time.Now().Add(24 * time.Hour).Unix(),
	})
	require.NoError(t, err)

	f := &runnerFixture{
		st:        st,
		backend:   mailtest.New(mail.UserInfo{Email: "support@acme.test"}),
		mailboxID: mailboxID,
		// 09:10 on a Tuesday
		now: time.Date(2024, time.May, 14, 9, 10, 0, 0, time.UTC),
	}
	c := cache.New(nil, cache.Config{Local: cache.LocalCacheConfig{MaxSize: 100, MaxTTL: time.Hour}}, zerolog.Nop())
	t.Cleanup(c.Close)
	client := mail.NewClient(f.backend.Factory(), ratelimit.New(100, 100), c, zerolog.Nop(), time.Second)
	f.runner = NewRunner(st, auth.NewManager(st, zerolog.Nop()), client, time.UTC, zerolog.Nop(),
		WithClock(func() time.Time { return f.now }))
	return f
}

func (f *runnerFixture) add(t *testing.T, n models.ScheduledNotification) int64 {
	t.Helper()
	n.WorkspaceID = 1
	n.MailboxID = f.mailboxID
	n.IsActive = true
	if n.Subject == "" {
		n.Subject = "Weekly digest"
	}
	id, err := f.st.CreateNotification(context.Background(), &n)
	require.NoError(t, err)
	return id
}

func TestEvaluateSendsDueNotification(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()
	id := f.add(t, models.ScheduledNotification{
		Name: "morning", Recipient: "Ops <OPS@acme.test>; lead@acme.test",
		Frequency: FrequencyDaily, TimeOfDay: "09:00", BodyHTML: "<p>hi</p>",
	})

	sum, err := f.runner.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Active: 1, Due: 1, Sent: 1}, sum)

	sent := f.backend.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []mail.Address{{Name: "Ops", Email: "ops@acme.test"}, {Email: "lead@acme.test"}}, sent[0].To)
	assert.Equal(t, "<p>hi</p>", sent[0].HTMLBody)
	assert.True(t, sent[0].SaveToSent)

	list, err := f.st.ListActiveNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	require.NotNil(t, list[0].LastRunAt)
	assert.Equal(t, f.now.Unix(), *list[0].LastRunAt)

	// the next minute tick must not send again
	f.now = f.now.Add(time.Minute)
	sum, err = f.runner.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Due)
	assert.Len(t, f.backend.Sent(), 1)
}

func TestEvaluateSkipsNotDue(t *testing.T) {
	f := newRunnerFixture(t)
	f.add(t, models.ScheduledNotification{Name: "later", Recipient: "a@acme.test", Frequency: FrequencyDaily, TimeOfDay: "12:00"})
	f.add(t, models.ScheduledNotification{Name: "stale", Recipient: "a@acme.test", Frequency: FrequencyDaily, TimeOfDay: "06:00"})
	f.add(t, models.ScheduledNotification{Name: "friday", Recipient: "a@acme.test", Frequency: FrequencyWeekly, TimeOfDay: "09:00", Weekday: int(time.Friday)})

	sum, err := f.runner.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Active: 3}, sum)
	assert.Empty(t, f.backend.Sent())
}

func TestEvaluateIsolatesFailures(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()
	f.add(t, models.ScheduledNotification{Name: "broken", Recipient: "a@acme.test", Frequency: FrequencyDaily, TimeOfDay: "nine"})
	f.add(t, models.ScheduledNotification{Name: "no recipient", Recipient: " ", Frequency: FrequencyDaily, TimeOfDay: "09:00"})
	failing := f.add(t, models.ScheduledNotification{Name: "send fails", Recipient: "a@acme.test", Frequency: FrequencyDaily, TimeOfDay: "09:00"})
	f.add(t, models.ScheduledNotification{Name: "ok", Recipient: "b@acme.test", Frequency: FrequencyDaily, TimeOfDay: "09:05"})

	f.backend.FailNext("Send", errors.New("boom"))

	sum, err := f.runner.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Active)
	assert.Equal(t, 3, sum.Due)
	assert.Equal(t, 1, sum.Sent)
	assert.Equal(t, 3, sum.Failed)
	require.Len(t, f.backend.Sent(), 1)
	assert.Equal(t, "b@acme.test", f.backend.Sent()[0].To[0].Email)

	// the failed send is retried inside the catch-up window
	f.now = f.now.Add(time.Minute)
	sum, err = f.runner.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)

	list, err := f.st.ListActiveNotifications(ctx)
	require.NoError(t, err)
	for _, n := range list {
		if n.ID == failing {
			require.NotNil(t, n.LastRunAt)
		}
	}
}

func TestEvaluateInactiveMailbox(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()
	f.add(t, models.ScheduledNotification{Name: "morning", Recipient: "a@acme.test", Frequency: FrequencyDaily, TimeOfDay: "09:00"})
	require.NoError(t, f.st.DeactivateMailbox(ctx, f.st.DB, f.mailboxID))

	sum, err := f.runner.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Empty(t, f.backend.Sent())
}
