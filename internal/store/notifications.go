package store

import (
	"context"
	"fmt"

	"github.com/Martian-dev/helpdesk-mailsync/internal/models"
)

// CreateNotification inserts a scheduled notification
func (s *Store) CreateNotification(ctx context.Context, n *models.ScheduledNotification) (int64, error) {
	var id int64
	err := s.DB.QueryRowxContext(ctx, s.DB.Rebind(`
		INSERT INTO scheduled_notifications
		(workspace_id, name, mailbox_connection_id, recipient, subject, body_html, frequency, time_of_day, weekday, day_of_month, is_active, last_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), n.WorkspaceID, n.Name, n.MailboxID, n.Recipient, n.Subject, n.BodyHTML, n.Frequency, n.TimeOfDay,
		n.Weekday, n.DayOfMonth, n.IsActive, n.LastRunAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert notification: %w", err)
	}
	return id, nil
}

// ListActiveNotifications returns every enabled scheduled notification
func (s *Store) ListActiveNotifications(ctx context.Context) ([]models.ScheduledNotification, error) {
	var out []models.ScheduledNotification
	err := s.DB.SelectContext(ctx, &out, s.DB.Rebind(`
		SELECT * FROM scheduled_notifications WHERE is_active = ? ORDER BY id
	`), true)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return out, nil
}

// MarkNotificationRun stamps the last run time of a notification
func (s *Store) MarkNotificationRun(ctx context.Context, id int64, at int64) error {
	_, err := s.DB.ExecContext(ctx, s.DB.Rebind(`
		UPDATE scheduled_notifications SET last_run_at = ? WHERE id = ?
	`), at, id)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}
	return nil
}
