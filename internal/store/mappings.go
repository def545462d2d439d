package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/helpdesk-mailsync/internal/models"
)

// FindMapping looks a provider message id up in the ledger, matching both the
// original id and the id it received after being moved.
func (s *Store) FindMapping(ctx context.Context, emailID string) (*models.EmailTicketMapping, error) {
	var m models.EmailTicketMapping
	err := s.DB.GetContext(ctx, &m, s.DB.Rebind(`
		SELECT * FROM email_ticket_mappings
		WHERE email_id = ? OR current_email_id = ?
		LIMIT 1
	`), emailID, emailID)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// MappingByConversation returns the oldest mapping of a conversation
func (s *Store) MappingByConversation(ctx context.Context, conversationID string) (*models.EmailTicketMapping, error) {
	if conversationID == "" {
		return nil, ErrNotFound
	}
	var m models.EmailTicketMapping
	err := s.DB.GetContext(ctx, &m, s.DB.Rebind(`
		SELECT * FROM email_ticket_mappings
		WHERE email_conversation_id = ?
		ORDER BY created_at, id
		LIMIT 1
	`), conversationID)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// MappingByTicket returns the oldest mapping of a ticket
func (s *Store) MappingByTicket(ctx context.Context, ticketID int64) (*models.EmailTicketMapping, error) {
	var m models.EmailTicketMapping
	err := s.DB.GetContext(ctx, &m, s.DB.Rebind(`
		SELECT * FROM email_ticket_mappings
		WHERE ticket_id = ?
		ORDER BY created_at, id
		LIMIT 1
	`), ticketID)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// InsertMapping adds a ledger row. The unique constraint on email_id decides
// races: a conflicting insert returns ErrDuplicateIngestion.
func (s *Store) InsertMapping(ctx context.Context, q sqlx.ExtContext, m *models.EmailTicketMapping) error {
	now := s.unix()
	res, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO email_ticket_mappings
		(email_id, current_email_id, email_conversation_id, ticket_id, email_subject, email_sender, email_received_at, is_processed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (email_id) DO NOTHING
	`), m.EmailID, m.CurrentEmailID, m.ConversationID, m.TicketID, m.Subject, m.Sender, m.ReceivedAt, m.IsProcessed, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert mapping: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert mapping: %w", err)
	}
	if n == 0 {
		return ErrDuplicateIngestion
	}
	return nil
}

// SetCurrentEmailID records the id a message received after being moved
func (s *Store) SetCurrentEmailID(ctx context.Context, emailID, currentID string) error {
	_, err := s.DB.ExecContext(ctx, s.DB.Rebind(`
		UPDATE email_ticket_mappings
		SET current_email_id = ?, is_processed = ?, updated_at = ?
		WHERE email_id = ?
	`), currentID, true, s.unix(), emailID)
	if err != nil {
		return fmt.Errorf("failed to update mapping: %w", err)
	}
	return nil
}

// CountMappings returns the number of ledger rows for a provider message id
func (s *Store) CountMappings(ctx context.Context, emailID string) (int, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, s.DB.Rebind(`SELECT COUNT(*) FROM email_ticket_mappings WHERE email_id = ?`), emailID)
	if err != nil {
		return 0, fmt.Errorf("failed to count mappings: %w", err)
	}
	return n, nil
}
