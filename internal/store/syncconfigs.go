package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/helpdesk-mailsync/internal/models"
)

const syncTargetColumns = `
	sc.id, sc.integration_id, sc.mailbox_connection_id, sc.workspace_id, sc.folder_name,
	sc.interval_seconds, sc.last_sync_time, sc.last_status, sc.last_error, sc.is_active,
	sc.default_priority, sc.created_at, sc.updated_at,
	m.email AS mailbox_email, m.needs_reauth AS needs_reauth,
	i.provider AS provider, i.tenant_id AS tenant_id, i.is_active AS integration_active`

// CreateSyncConfig inserts a polling policy
func (s *Store) CreateSyncConfig(ctx context.Context, q sqlx.ExtContext, c *models.SyncConfig) (int64, error) {
	now := s.unix()
	priority := c.DefaultPriority
	if priority == "" {
		priority = "medium"
	}
	var id int64
	err := sqlx.GetContext(ctx, q, &id, q.Rebind(`
		INSERT INTO sync_configs (integration_id, mailbox_connection_id, workspace_id, folder_name, interval_seconds, last_sync_time, is_active, default_priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), c.IntegrationID, c.MailboxID, c.WorkspaceID, c.FolderName, c.IntervalSeconds, c.LastSyncTime, c.IsActive, priority, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert sync config: %w", err)
	}
	return id, nil
}

// CountSyncConfigs returns how many sync configs a mailbox has
func (s *Store) CountSyncConfigs(ctx context.Context, q sqlx.ExtContext, mailboxID int64) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n, q.Rebind(`SELECT COUNT(*) FROM sync_configs WHERE mailbox_connection_id = ?`), mailboxID)
	if err != nil {
		return 0, fmt.Errorf("failed to count sync configs: %w", err)
	}
	return n, nil
}

// GetSyncConfig loads a sync config by id
func (s *Store) GetSyncConfig(ctx context.Context, id int64) (*models.SyncConfig, error) {
	var c models.SyncConfig
	err := s.DB.GetContext(ctx, &c, s.DB.Rebind(`SELECT * FROM sync_configs WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync config %d: %w", id, notFound(err))
	}
	return &c, nil
}

// ListActiveSyncTargets returns every active sync config of an active
// mailbox, joined with what a run needs.
func (s *Store) ListActiveSyncTargets(ctx context.Context) ([]models.SyncTarget, error) {
	var targets []models.SyncTarget
	err := s.DB.SelectContext(ctx, &targets, s.DB.Rebind(`
		SELECT `+syncTargetColumns+`
		FROM sync_configs sc
		JOIN mailbox_connections m ON m.id = sc.mailbox_connection_id
		JOIN integrations i ON i.id = sc.integration_id
		WHERE sc.is_active = ? AND m.is_active = ?
		ORDER BY sc.id
	`), true, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync configs: %w", err)
	}
	return targets, nil
}

// GetSyncTarget loads one sync config joined with its mailbox and integration
func (s *Store) GetSyncTarget(ctx context.Context, id int64) (*models.SyncTarget, error) {
	var t models.SyncTarget
	err := s.DB.GetContext(ctx, &t, s.DB.Rebind(`
		SELECT `+syncTargetColumns+`
		FROM sync_configs sc
		JOIN mailbox_connections m ON m.id = sc.mailbox_connection_id
		JOIN integrations i ON i.id = sc.integration_id
		WHERE sc.id = ?
	`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync config %d: %w", id, notFound(err))
	}
	return &t, nil
}

// MarkSynced records the outcome of a run and advances last_sync_time
func (s *Store) MarkSynced(ctx context.Context, id int64, at int64, status, errMsg string) error {
	_, err := s.DB.ExecContext(ctx, s.DB.Rebind(`
		UPDATE sync_configs
		SET last_sync_time = ?,
		    last_status = ?,
		    last_error = ?,
		    updated_at = ?
		WHERE id = ?
	`), at, status, errMsg, s.unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update sync config: %w", err)
	}
	return nil
}
