// Package tickets is the minimal ticket and end-user store the ingest
// pipeline writes into. Every write takes the caller's transaction.
package tickets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/microcosm-cc/bluemonday"

	"github.com/Martian-dev/helpdesk-mailsync/internal/store"
)

// Status values of a ticket
const (
	StatusUnread = "unread"
	StatusOpen   = "open"
)

const noSubject = "(no subject)"

// Ticket is a helpdesk ticket as far as mail ingestion is concerned
type Ticket struct {
	ID             int64  `db:"id" json:"id"`
	WorkspaceID    int64  `db:"workspace_id" json:"workspace_id"`
	UserID         int64  `db:"user_id" json:"user_id"`
	MailboxID      *int64 `db:"mailbox_connection_id" json:"mailbox_connection_id,omitempty"`
	Subject        string `db:"subject" json:"subject"`
	BodyHTML       string `db:"body_html" json:"body_html"`
	Status         string `db:"status" json:"status"`
	Priority       string `db:"priority" json:"priority"`
	ConversationID string `db:"conversation_id" json:"conversation_id"`
	CreatedAt      int64  `db:"created_at" json:"created_at"`
	UpdatedAt      int64  `db:"updated_at" json:"updated_at"`
}

// Comment is a reply appended to a ticket
type Comment struct {
	ID        int64  `db:"id" json:"id"`
	TicketID  int64  `db:"ticket_id" json:"ticket_id"`
	UserID    int64  `db:"user_id" json:"user_id"`
	BodyHTML  string `db:"body_html" json:"body_html"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// Attachment is the metadata of a file attached to an inbound email. The
// content stays with the provider under ProviderID.
type Attachment struct {
	ID          int64  `db:"id" json:"id"`
	TicketID    int64  `db:"ticket_id" json:"ticket_id"`
	CommentID   *int64 `db:"comment_id" json:"comment_id,omitempty"`
	ProviderID  string `db:"provider_attachment_id" json:"provider_attachment_id"`
	FileName    string `db:"file_name" json:"file_name"`
	ContentType string `db:"content_type" json:"content_type"`
	FileSize    int64  `db:"file_size" json:"file_size"`
	Inline      bool   `db:"is_inline" json:"is_inline"`
	CreatedAt   int64  `db:"created_at" json:"created_at"`
}

// NewTicket describes a ticket created from an inbound email
type NewTicket struct {
	WorkspaceID    int64
	UserID         int64
	MailboxID      int64
	Subject        string
	BodyHTML       string
	Priority       string
	ConversationID string
}

// NewComment describes a reply received by email
type NewComment struct {
	UserID   int64
	BodyHTML string
}

// NewAttachment describes an attachment of an inbound email
type NewAttachment struct {
	ProviderID  string
	FileName    string
	ContentType string
	Size        int64
	Inline      bool
}

// Service reads and writes tickets, comments, attachments and end users
type Service struct {
	db     *sqlx.DB
	policy *bluemonday.Policy
	now    func() time.Time
}

// NewService creates a ticket service on db
func NewService(db *sqlx.DB) *Service {
	return &Service{
		db:     db,
		policy: bluemonday.UGCPolicy(),
		now:    time.Now,
	}
}

// Sanitize strips everything from inbound HTML that is not safe to render
func (s *Service) Sanitize(body string) string {
	return strings.TrimSpace(s.policy.Sanitize(body))
}

// TextToHTML renders a plain text body as escaped HTML paragraphs
func TextToHTML(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var b strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}

// FindOrCreateUser returns the end user with email in the workspace,
// creating it on first contact.
func (s *Service) FindOrCreateUser(ctx context.Context, q sqlx.ExtContext, workspaceID int64, email, name string) (int64, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return 0, errors.New("end user email is empty")
	}
	if name == "" {
		name = email
	}
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO end_users (workspace_id, email, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (workspace_id, email) DO NOTHING
	`), workspaceID, email, name, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to insert end user: %w", err)
	}

	var id int64
	err = sqlx.GetContext(ctx, q, &id, q.Rebind(`
		SELECT id FROM end_users WHERE workspace_id = ? AND email = ?
	`), workspaceID, email)
	if err != nil {
		return 0, fmt.Errorf("failed to load end user: %w", err)
	}
	return id, nil
}

// CreateTicketFromEmail inserts a new unread ticket. The body is sanitised
// before it is stored.
func (s *Service) CreateTicketFromEmail(ctx context.Context, q sqlx.ExtContext, t NewTicket) (int64, error) {
	subject := strings.TrimSpace(t.Subject)
	if subject == "" {
		subject = noSubject
	}
	priority := t.Priority
	if priority == "" {
		priority = "medium"
	}
	var mailboxID *int64
	if t.MailboxID != 0 {
		mailboxID = &t.MailboxID
	}
	now := s.now().Unix()

	var id int64
	err := sqlx.GetContext(ctx, q, &id, q.Rebind(`
		INSERT INTO tickets (workspace_id, user_id, mailbox_connection_id, subject, body_html,
			status, priority, conversation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), t.WorkspaceID, t.UserID, mailboxID, subject, s.Sanitize(t.BodyHTML),
		StatusUnread, priority, t.ConversationID, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert ticket: %w", err)
	}
	return id, nil
}

// AddComment appends a reply to a ticket and reopens it
func (s *Service) AddComment(ctx context.Context, q sqlx.ExtContext, ticketID int64, c NewComment) (int64, error) {
	now := s.now().Unix()
	var id int64
	err := sqlx.GetContext(ctx, q, &id, q.Rebind(`
		INSERT INTO ticket_comments (ticket_id, user_id, body_html, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`), ticketID, c.UserID, s.Sanitize(c.BodyHTML), now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert comment: %w", err)
	}
	_, err = q.ExecContext(ctx, q.Rebind(`
		UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?
	`), StatusOpen, now, ticketID)
	if err != nil {
		return 0, fmt.Errorf("failed to touch ticket: %w", err)
	}
	return id, nil
}

// AddAttachments records the attachments of the email behind a ticket, or
// behind one of its comments when commentID is set.
func (s *Service) AddAttachments(ctx context.Context, q sqlx.ExtContext, ticketID int64, commentID *int64, atts []NewAttachment) error {
	now := s.now().Unix()
	for _, a := range atts {
		name := strings.TrimSpace(a.FileName)
		if name == "" {
			name = "attachment"
		}
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		_, err := q.ExecContext(ctx, q.Rebind(`
			INSERT INTO ticket_attachments (ticket_id, comment_id, provider_attachment_id,
				file_name, content_type, file_size, is_inline, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`), ticketID, commentID, a.ProviderID, name, contentType, a.Size, a.Inline, now)
		if err != nil {
			return fmt.Errorf("failed to insert attachment %q: %w", name, err)
		}
	}
	return nil
}

// Attachments lists every attachment of a ticket and its comments
func (s *Service) Attachments(ctx context.Context, ticketID int64) ([]Attachment, error) {
	var out []Attachment
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT * FROM ticket_attachments WHERE ticket_id = ? ORDER BY id
	`), ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	return out, nil
}

// Get loads a ticket
func (s *Service) Get(ctx context.Context, id int64) (*Ticket, error) {
	var t Ticket
	err := s.db.GetContext(ctx, &t, s.db.Rebind(`SELECT * FROM tickets WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket %d: %w", id, err)
	}
	return &t, nil
}

// Comments lists the comments of a ticket, oldest first
func (s *Service) Comments(ctx context.Context, ticketID int64) ([]Comment, error) {
	var out []Comment
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT * FROM ticket_comments WHERE ticket_id = ? ORDER BY created_at, id
	`), ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	return out, nil
}

// Count returns the number of tickets in a workspace
func (s *Service) Count(ctx context.Context, workspaceID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM tickets WHERE workspace_id = ?`), workspaceID)
	if err != nil {
		return 0, fmt.Errorf("failed to count tickets: %w", err)
	}
	return n, nil
}
