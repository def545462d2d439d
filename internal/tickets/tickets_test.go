package tickets

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/helpdesk-mailsync/internal/store"
)

func newService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "tickets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st.DB), st
}

func TestFindOrCreateUser(t *testing.T) {
	s, st := newService(t)
	ctx := context.Background()

	id, err := s.FindOrCreateUser(ctx, st.DB, 7, "Ann@Customer.com", "Ann")
	require.NoError(t, err)
	again, err := s.FindOrCreateUser(ctx, st.DB, 7, "ann@customer.com", "")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	other, err := s.FindOrCreateUser(ctx, st.DB, 8, "ann@customer.com", "Ann")
	require.NoError(t, err)
	assert.NotEqual(t, id, other)

	_, err = s.FindOrCreateUser(ctx, st.DB, 7, " ", "")
	assert.Error(t, err)
}

func TestCreateTicketSanitisesBody(t *testing.T) {
	s, st := newService(t)
	ctx := context.Background()

	var id int64
	err := st.WithTx(ctx, func(tx *sqlx.Tx) error {
		userID, err := s.FindOrCreateUser(ctx, tx, 7, "ann@customer.com", "Ann")
		if err != nil {
			return err
		}
		id, err = s.CreateTicketFromEmail(ctx, tx, NewTicket{
			WorkspaceID: 7,
			UserID:      userID,
			MailboxID:   0,
			BodyHTML:    `<p onclick="steal()">Printer broken</p><script>alert(1)</script>`,
		})
		return err
	})
	require.NoError(t, err)

	tk, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "(no subject)", tk.Subject)
	assert.Equal(t, "<p>Printer broken</p>", tk.BodyHTML)
	assert.Equal(t, StatusUnread, tk.Status)
	assert.Equal(t, "medium", tk.Priority)
	assert.Nil(t, tk.MailboxID)

	n, err := s.Count(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAddCommentReopensTicket(t *testing.T) {
	s, st := newService(t)
	ctx := context.Background()

	userID, err := s.FindOrCreateUser(ctx, st.DB, 7, "ann@customer.com", "Ann")
	require.NoError(t, err)
	id, err := s.CreateTicketFromEmail(ctx, st.DB, NewTicket{WorkspaceID: 7, UserID: userID, Subject: "Printer"})
	require.NoError(t, err)

	commentID, err := s.AddComment(ctx, st.DB, id, NewComment{UserID: userID, BodyHTML: "<b>still broken</b>"})
	require.NoError(t, err)
	assert.NotZero(t, commentID)

	comments, err := s.Comments(ctx, id)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "<b>still broken</b>", comments[0].BodyHTML)

	tk, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, tk.Status)
}

func TestAddAttachments(t *testing.T) {
	s, st := newService(t)
	ctx := context.Background()

	userID, err := s.FindOrCreateUser(ctx, st.DB, 7, "ann@customer.com", "Ann")
	require.NoError(t, err)
	id, err := s.CreateTicketFromEmail(ctx, st.DB, NewTicket{WorkspaceID: 7, UserID: userID, Subject: "Printer"})
	require.NoError(t, err)
	require.NoError(t, s.AddAttachments(ctx, st.DB, id, nil, []NewAttachment{
		{ProviderID: "att-1", FileName: "error.log", ContentType: "text/plain", Size: 120},
	}))
	commentID, err := s.AddComment(ctx, st.DB, id, NewComment{UserID: userID, BodyHTML: "photo"})
	require.NoError(t, err)
	require.NoError(t, s.AddAttachments(ctx, st.DB, id, &commentID, []NewAttachment{
		{ProviderID: "att-2", Size: 2048, Inline: true},
	}))

	atts, err := s.Attachments(ctx, id)
	require.NoError(t, err)
	require.Len(t, atts, 2)
	assert.Equal(t, "error.log", atts[0].FileName)
	assert.Equal(t, "text/plain", atts[0].ContentType)
	assert.Equal(t, int64(120), atts[0].FileSize)
	assert.Nil(t, atts[0].CommentID)

	assert.Equal(t, "attachment", atts[1].FileName)
	assert.Equal(t, "application/octet-stream", atts[1].ContentType)
	assert.True(t, atts[1].Inline)
	require.NotNil(t, atts[1].CommentID)
	assert.Equal(t, commentID, *atts[1].CommentID)
}

func TestRollbackDiscardsTicket(t *testing.T) {
	s, st := newService(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *sqlx.Tx) error {
		userID, err := s.FindOrCreateUser(ctx, tx, 7, "ann@customer.com", "Ann")
		if err != nil {
			return err
		}
		if _, err := s.CreateTicketFromEmail(ctx, tx, NewTicket{WorkspaceID: 7, UserID: userID, Subject: "x"}); err != nil {
			return err
		}
		return store.ErrDuplicateIngestion
	})
	assert.ErrorIs(t, err, store.ErrDuplicateIngestion)

	n, err := s.Count(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetMissingTicket(t *testing.T) {
	s, _ := newService(t)
	_, err := s.Get(context.Background(), 99)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTextToHTML(t *testing.T) {
	assert.Equal(t, "<p>a &lt;b&gt;<br>c</p><p>d</p>", TextToHTML("a <b>\r\nc\n\n\nd"))
	assert.Equal(t, "", TextToHTML("  \n"))
}
