package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/helpdesk-mailsync/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "mailsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMailbox(t *testing.T, s *Store) (integrationID, mailboxID int64) {
	t.Helper()
	ctx := context.Background()
	integrationID, err := s.CreateIntegration(ctx, &models.Integration{
		Provider: models.ProviderMicrosoft, TenantID: "tenant", ClientID: "client", ClientSecret: "secret", IsActive: true,
	})
	require.NoError(t, err)
	mailboxID, err = s.UpsertMailbox(ctx, s.DB, &models.MailboxConnection{Email: "a@x.com", WorkspaceID: 7})
	require.NoError(t, err)
	return integrationID, mailboxID
}

func seedTicket(t *testing.T, s *Store) int64 {
	t.Helper()
	ctx := context.Background()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO end_users (workspace_id, email, name, created_at) VALUES (7, 'c@y.com', 'C', 0)`)
	require.NoError(t, err)
	var id int64
	require.NoError(t, s.DB.GetContext(ctx, &id, `INSERT INTO tickets (workspace_id, user_id, subject, created_at, updated_at) VALUES (7, 1, 'hello', 0, 0) RETURNING id`))
	return id
}

func TestTokenLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	integrationID, mailboxID := seedMailbox(t, s)

	s.SetClock(func() time.Time { return time.Unix(5, 0) })
	old, err := s.InsertToken(ctx, s.DB, &models.Token{IntegrationID: integrationID, MailboxID: &mailboxID, AccessToken: "a1", RefreshToken: "r1", ExpiresAt: 100})
	require.NoError(t, err)
	s.SetClock(func() time.Time { return time.Unix(10, 0) })
	latest, err := s.InsertToken(ctx, s.DB, &models.Token{IntegrationID: integrationID, MailboxID: &mailboxID, AccessToken: "a2", RefreshToken: "r2", ExpiresAt: 200})
	require.NoError(t, err)

	tok, err := s.LatestTokenForMailbox(ctx, mailboxID)
	require.NoError(t, err)
	assert.Equal(t, latest, tok.ID)
	assert.Equal(t, "Bearer", tok.TokenType)

	require.NoError(t, s.UpdateTokenCredentials(ctx, latest, "a3", "r3", "Bearer", 300))
	tok, err = s.GetToken(ctx, latest)
	require.NoError(t, err)
	assert.Equal(t, "a3", tok.AccessToken)
	assert.Equal(t, int64(300), tok.ExpiresAt)

	expiring, err := s.TokensExpiringBefore(ctx, 250)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, old, expiring[0].ID)

	require.NoError(t, s.DeleteToken(ctx, latest))
	err = s.UpdateTokenCredentials(ctx, latest, "a4", "r4", "Bearer", 400)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteMailboxTokens(ctx, s.DB, mailboxID))
	_, err = s.LatestTokenForMailbox(ctx, mailboxID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertMailboxReactivates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, mailboxID := seedMailbox(t, s)

	require.NoError(t, s.SetMailboxReauth(ctx, mailboxID, true))
	require.NoError(t, s.DeactivateMailbox(ctx, s.DB, mailboxID))

	again, err := s.UpsertMailbox(ctx, s.DB, &models.MailboxConnection{Email: "a@x.com", WorkspaceID: 9, DisplayName: "A"})
	require.NoError(t, err)
	assert.Equal(t, mailboxID, again)

	m, err := s.GetMailbox(ctx, mailboxID)
	require.NoError(t, err)
	assert.True(t, m.IsActive)
	assert.False(t, m.NeedsReauth)
	assert.Equal(t, int64(9), m.WorkspaceID)
}

func TestSyncTargetsAndMarkSynced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	integrationID, mailboxID := seedMailbox(t, s)

	id, err := s.CreateSyncConfig(ctx, s.DB, &models.SyncConfig{
		IntegrationID: integrationID, MailboxID: mailboxID, WorkspaceID: 7, FolderName: "Inbox", IntervalSeconds: 300, IsActive: true,
	})
	require.NoError(t, err)
	_, err = s.CreateSyncConfig(ctx, s.DB, &models.SyncConfig{
		IntegrationID: integrationID, MailboxID: mailboxID, WorkspaceID: 7, FolderName: "Support", IntervalSeconds: 60, IsActive: false,
	})
	require.NoError(t, err)

	targets, err := s.ListActiveSyncTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, id, targets[0].ID)
	assert.Equal(t, "a@x.com", targets[0].MailboxEmail)
	assert.Equal(t, models.ProviderMicrosoft, targets[0].Provider)
	assert.True(t, targets[0].IntegrationActive)
	assert.Nil(t, targets[0].LastSyncTime)

	require.NoError(t, s.MarkSynced(ctx, id, 1000, "failed", "boom"))
	target, err := s.GetSyncTarget(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, target.LastSyncTime)
	assert.Equal(t, int64(1000), *target.LastSyncTime)
	assert.Equal(t, "boom", target.LastError)

	n, err := s.CountSyncConfigs(ctx, s.DB, mailboxID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestInsertMappingIsUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ticketID := seedTicket(t, s)

	m := &models.EmailTicketMapping{EmailID: "M1", ConversationID: "C1", TicketID: ticketID}
	require.NoError(t, s.InsertMapping(ctx, s.DB, m))
	assert.ErrorIs(t, s.InsertMapping(ctx, s.DB, m), ErrDuplicateIngestion)

	n, err := s.CountMappings(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.SetCurrentEmailID(ctx, "M1", "M1-moved"))
	found, err := s.FindMapping(ctx, "M1-moved")
	require.NoError(t, err)
	assert.Equal(t, "M1", found.EmailID)
	assert.True(t, found.IsProcessed)

	byConv, err := s.MappingByConversation(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, ticketID, byConv.TicketID)

	_, err = s.MappingByConversation(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)

	byTicket, err := s.MappingByTicket(ctx, ticketID)
	require.NoError(t, err)
	assert.Equal(t, "M1", byTicket.EmailID)
}

func TestMappingDeletedWithTicket(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ticketID := seedTicket(t, s)
	require.NoError(t, s.InsertMapping(ctx, s.DB, &models.EmailTicketMapping{EmailID: "M1", TicketID: ticketID}))

	_, err := s.DB.ExecContext(ctx, `DELETE FROM tickets WHERE id = ?`, ticketID)
	require.NoError(t, err)

	_, err = s.FindMapping(ctx, "M1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOutboxRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s.SetClock(func() time.Time { return now })

	msg := OutboxMessage{Subject: "mail.7.ticket.created", EventType: "ticket.created", Payload: []byte(`{}`), MsgID: "m-1"}
	require.NoError(t, s.EnqueueOutbox(ctx, s.DB, msg))
	require.NoError(t, s.EnqueueOutbox(ctx, s.DB, msg))

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "m-1", pending[0].MsgID)

	require.NoError(t, s.MarkOutboxRetry(ctx, pending[0].ID, time.Minute))
	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	now = now.Add(2 * time.Minute)
	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkPublished(ctx, pending[0].ID))
	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestNotifications(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, mailboxID := seedMailbox(t, s)

	id, err := s.CreateNotification(ctx, &models.ScheduledNotification{
		WorkspaceID: 7, Name: "daily digest", MailboxID: mailboxID, Recipient: "ops@x.com",
		Subject: "Digest", Frequency: "daily", TimeOfDay: "09:00", IsActive: true,
	})
	require.NoError(t, err)
	require.NoError(t, s.MarkNotificationRun(ctx, id, 42))

	list, err := s.ListActiveNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].LastRunAt)
	assert.Equal(t, int64(42), *list[0].LastRunAt)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "x")
	assert.Error(t, err)
}

func TestStoreErrorsWithMock(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		run       func(s *Store) error
		check     func(t *testing.T, err error)
	}{
		{
			name: "mapping conflict reported as duplicate",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO email_ticket_mappings").WillReturnResult(sqlmock.NewResult(0, 0))
			},
			run: func(s *Store) error {
				return s.InsertMapping(context.Background(), s.DB, &models.EmailTicketMapping{EmailID: "M1", TicketID: 1})
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrDuplicateIngestion)
			},
		},
		{
			name: "mark synced surfaces driver errors",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE sync_configs").WillReturnError(errors.New("connection reset"))
			},
			run: func(s *Store) error {
				return s.MarkSynced(context.Background(), 1, 10, "ok", "")
			},
			check: func(t *testing.T, err error) {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "connection reset")
			},
		},
		{
			name: "token update on missing row",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`UPDATE tokens`).
					WithArgs("a", "r", "Bearer", int64(5), sqlmock.AnyArg(), int64(3)).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			run: func(s *Store) error {
				return s.UpdateTokenCredentials(context.Background(), 3, "a", "r", "Bearer", 5)
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNotFound)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			tt.setupMock(mock)
			s := New(sqlx.NewDb(db, DriverPostgres))
			tt.check(t, tt.run(s))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
