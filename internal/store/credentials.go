package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/helpdesk-mailsync/internal/models"
)

// CreateIntegration inserts an app registration and returns its id
func (s *Store) CreateIntegration(ctx context.Context, in *models.Integration) (int64, error) {
	now := s.unix()
	var id int64
	err := s.DB.QueryRowxContext(ctx, s.DB.Rebind(`
		INSERT INTO integrations (provider, tenant_id, client_id, client_secret, redirect_uri, scope, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), in.Provider, in.TenantID, in.ClientID, in.ClientSecret, in.RedirectURI, in.Scope, in.IsActive, now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert integration: %w", err)
	}
	return id, nil
}

// GetIntegration loads an integration by id
func (s *Store) GetIntegration(ctx context.Context, id int64) (*models.Integration, error) {
	var in models.Integration
	err := s.DB.GetContext(ctx, &in, s.DB.Rebind(`SELECT * FROM integrations WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to load integration %d: %w", id, notFound(err))
	}
	return &in, nil
}

// FirstActiveIntegration returns the oldest active integration for provider
func (s *Store) FirstActiveIntegration(ctx context.Context, provider models.Provider) (*models.Integration, error) {
	var in models.Integration
	err := s.DB.GetContext(ctx, &in, s.DB.Rebind(`
		SELECT * FROM integrations WHERE provider = ? AND is_active = ? ORDER BY id LIMIT 1
	`), provider, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load active integration: %w", notFound(err))
	}
	return &in, nil
}

// SetIntegrationError records the last configuration error for an integration
func (s *Store) SetIntegrationError(ctx context.Context, id int64, msg string) error {
	_, err := s.DB.ExecContext(ctx, s.DB.Rebind(`
		UPDATE integrations SET last_error = ?, updated_at = ? WHERE id = ?
	`), msg, s.unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update integration: %w", err)
	}
	return nil
}

// GetMailbox loads a mailbox connection by id
func (s *Store) GetMailbox(ctx context.Context, id int64) (*models.MailboxConnection, error) {
	var m models.MailboxConnection
	err := s.DB.GetContext(ctx, &m, s.DB.Rebind(`SELECT * FROM mailbox_connections WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to load mailbox %d: %w", id, notFound(err))
	}
	return &m, nil
}

// MailboxByEmail loads a mailbox connection by address
func (s *Store) MailboxByEmail(ctx context.Context, email string) (*models.MailboxConnection, error) {
	var m models.MailboxConnection
	err := s.DB.GetContext(ctx, &m, s.DB.Rebind(`SELECT * FROM mailbox_connections WHERE email = ?`), email)
	if err != nil {
		return nil, fmt.Errorf("failed to load mailbox %s: %w", email, notFound(err))
	}
	return &m, nil
}

// UpsertMailbox creates the mailbox or reactivates the existing one for the
// same address, clearing any reauth flag.
func (s *Store) UpsertMailbox(ctx context.Context, q sqlx.ExtContext, m *models.MailboxConnection) (int64, error) {
	now := s.unix()
	var id int64
	err := sqlx.GetContext(ctx, q, &id, q.Rebind(`
		INSERT INTO mailbox_connections (email, display_name, workspace_id, created_by_agent_id, is_active, needs_reauth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (email) DO UPDATE SET
			display_name = excluded.display_name,
			workspace_id = excluded.workspace_id,
			created_by_agent_id = excluded.created_by_agent_id,
			is_active = excluded.is_active,
			needs_reauth = excluded.needs_reauth,
			updated_at = excluded.updated_at
		RETURNING id
	`), m.Email, m.DisplayName, m.WorkspaceID, m.CreatedByAgentID, true, false, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert mailbox: %w", err)
	}
	return id, nil
}

// DeactivateMailbox soft-disables a mailbox connection
func (s *Store) DeactivateMailbox(ctx context.Context, q sqlx.ExtContext, id int64) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE mailbox_connections SET is_active = ?, updated_at = ? WHERE id = ?
	`), false, s.unix(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate mailbox: %w", err)
	}
	return nil
}

// SetMailboxReauth flags or clears the reauth requirement on a mailbox
func (s *Store) SetMailboxReauth(ctx context.Context, id int64, needed bool) error {
	_, err := s.DB.ExecContext(ctx, s.DB.Rebind(`
		UPDATE mailbox_connections SET needs_reauth = ?, updated_at = ? WHERE id = ?
	`), needed, s.unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update mailbox status: %w", err)
	}
	return nil
}

// InsertToken stores a newly issued token
func (s *Store) InsertToken(ctx context.Context, q sqlx.ExtContext, t *models.Token) (int64, error) {
	now := s.unix()
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	var id int64
	err := sqlx.GetContext(ctx, q, &id, q.Rebind(`
		INSERT INTO tokens (integration_id, mailbox_connection_id, agent_id, access_token, refresh_token, token_type, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), t.IntegrationID, t.MailboxID, t.AgentID, t.AccessToken, t.RefreshToken, tokenType, t.ExpiresAt, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert token: %w", err)
	}
	return id, nil
}

// GetToken loads a token by id
func (s *Store) GetToken(ctx context.Context, id int64) (*models.Token, error) {
	var t models.Token
	err := s.DB.GetContext(ctx, &t, s.DB.Rebind(`SELECT * FROM tokens WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to load token %d: %w", id, notFound(err))
	}
	return &t, nil
}

// LatestTokenForMailbox returns the most recently issued token of a mailbox
func (s *Store) LatestTokenForMailbox(ctx context.Context, mailboxID int64) (*models.Token, error) {
	var t models.Token
	err := s.DB.GetContext(ctx, &t, s.DB.Rebind(`
		SELECT * FROM tokens
		WHERE mailbox_connection_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`), mailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to load token for mailbox %d: %w", mailboxID, notFound(err))
	}
	return &t, nil
}

// UpdateTokenCredentials overwrites the credentials of a token in a single
// statement. A missing row yields ErrNotFound.
func (s *Store) UpdateTokenCredentials(ctx context.Context, id int64, accessToken, refreshToken, tokenType string, expiresAt int64) error {
	res, err := s.DB.ExecContext(ctx, s.DB.Rebind(`
		UPDATE tokens
		SET access_token = ?,
		    refresh_token = ?,
		    token_type = ?,
		    expires_at = ?,
		    updated_at = ?
		WHERE id = ?
	`), accessToken, refreshToken, tokenType, expiresAt, s.unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("failed to update token %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteToken removes a token record
func (s *Store) DeleteToken(ctx context.Context, id int64) error {
	if _, err := s.DB.ExecContext(ctx, s.DB.Rebind(`DELETE FROM tokens WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// DeleteMailboxTokens removes every token of a mailbox
func (s *Store) DeleteMailboxTokens(ctx context.Context, q sqlx.ExtContext, mailboxID int64) error {
	if _, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM tokens WHERE mailbox_connection_id = ?`), mailboxID); err != nil {
		return fmt.Errorf("failed to delete mailbox tokens: %w", err)
	}
	return nil
}

// TokensExpiringBefore lists refreshable tokens whose expiry is before the
// given unix time.
func (s *Store) TokensExpiringBefore(ctx context.Context, before int64) ([]models.Token, error) {
	var tokens []models.Token
	err := s.DB.SelectContext(ctx, &tokens, s.DB.Rebind(`
		SELECT * FROM tokens
		WHERE expires_at < ? AND refresh_token <> ''
		ORDER BY expires_at
	`), before)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring tokens: %w", err)
	}
	return tokens, nil
}
