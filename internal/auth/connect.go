package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/helpdesk-mailsync/internal/mail"
	"github.com/Martian-dev/helpdesk-mailsync/internal/models"
	"github.com/Martian-dev/helpdesk-mailsync/internal/store"
)

// Defaults for the sync config seeded on first connection
const (
	DefaultSyncFolder   = "Inbox"
	DefaultSyncInterval = 60
)

// ProfileFetcher resolves the mailbox behind a fresh access token
type ProfileFetcher interface {
	UserInfo(ctx context.Context, acct mail.Account) (*mail.UserInfo, error)
}

// ConnectResult describes a completed OAuth connection
type ConnectResult struct {
	MailboxID    int64  `json:"mailbox_id"`
	Email        string `json:"email"`
	TokenID      int64  `json:"token_id"`
	SyncConfigID int64  `json:"sync_config_id,omitempty"`
	Reconnected  bool   `json:"reconnected"`
}

// Connector completes the authorization code flow
type Connector struct {
	store    *store.Store
	tokens   *Manager
	states   *StateSigner
	profiles ProfileFetcher
	logger   zerolog.Logger
}

// NewConnector creates a connector
func NewConnector(st *store.Store, tokens *Manager, states *StateSigner, profiles ProfileFetcher, logger zerolog.Logger) *Connector {
	return &Connector{
		store:    st,
		tokens:   tokens,
		states:   states,
		profiles: profiles,
		logger:   logger.With().Str("component", "connect").Logger(),
	}
}

// AuthorizationURL signs st and returns the provider consent URL for it
func (c *Connector) AuthorizationURL(ctx context.Context, st State) (string, error) {
	in, err := c.store.GetIntegration(ctx, st.IntegrationID)
	if err != nil {
		return "", fmt.Errorf("load integration %d: %w", st.IntegrationID, err)
	}
	if st.Flow == FlowReconnect {
		if _, err := c.store.GetMailbox(ctx, st.ConnectionID); err != nil {
			return "", fmt.Errorf("load mailbox %d: %w", st.ConnectionID, err)
		}
	}
	signed, err := c.states.Sign(st)
	if err != nil {
		return "", err
	}
	return c.tokens.AuthCodeURL(in, signed)
}

// Complete exchanges the authorization code, links the mailbox it belongs
// to and stores its token. A mailbox connected for the first time gets a
// default sync config.
func (c *Connector) Complete(ctx context.Context, code, rawState string) (*ConnectResult, error) {
	st, err := c.states.Parse(rawState)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, errors.New("authorization code is empty")
	}

	in, err := c.store.GetIntegration(ctx, st.IntegrationID)
	if err != nil {
		return nil, fmt.Errorf("load integration %d: %w", st.IntegrationID, err)
	}

	// reads happen before the transaction: sqlite runs on one connection
	var previous *models.MailboxConnection
	if st.Flow == FlowReconnect {
		previous, err = c.store.GetMailbox(ctx, st.ConnectionID)
		if err != nil {
			return nil, fmt.Errorf("load mailbox %d: %w", st.ConnectionID, err)
		}
	}

	tok, err := c.tokens.Exchange(ctx, in, code)
	if err != nil {
		return nil, err
	}
	info, err := c.profiles.UserInfo(ctx, mail.Account{
		Provider:    in.Provider,
		TenantID:    in.TenantID,
		AccessToken: tok.AccessToken,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch mailbox profile: %w", err)
	}
	email := strings.ToLower(strings.TrimSpace(info.Email))
	if email == "" {
		return nil, errors.New("provider profile has no email address")
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(time.Hour)
	}
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	res := &ConnectResult{Email: email, Reconnected: previous != nil}
	err = c.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		mailboxID, err := c.store.UpsertMailbox(ctx, tx, &models.MailboxConnection{
			Email:            email,
			DisplayName:      info.DisplayName,
			WorkspaceID:      st.WorkspaceID,
			CreatedByAgentID: st.AgentID,
		})
		if err != nil {
			return err
		}
		res.MailboxID = mailboxID

		if previous != nil && previous.ID != mailboxID {
			if err := c.store.DeactivateMailbox(ctx, tx, previous.ID); err != nil {
				return err
			}
		}

		if err := c.store.DeleteMailboxTokens(ctx, tx, mailboxID); err != nil {
			return err
		}
		res.TokenID, err = c.store.InsertToken(ctx, tx, &models.Token{
			IntegrationID: in.ID,
			MailboxID:     &mailboxID,
			AgentID:       st.AgentID,
			AccessToken:   tok.AccessToken,
			RefreshToken:  tok.RefreshToken,
			TokenType:     tokenType,
			ExpiresAt:     expiresAt.Unix(),
		})
		if err != nil {
			return err
		}

		n, err := c.store.CountSyncConfigs(ctx, tx, mailboxID)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		res.SyncConfigID, err = c.store.CreateSyncConfig(ctx, tx, &models.SyncConfig{
			IntegrationID:   in.ID,
			MailboxID:       mailboxID,
			WorkspaceID:     st.WorkspaceID,
			FolderName:      DefaultSyncFolder,
			IntervalSeconds: DefaultSyncInterval,
			IsActive:        true,
			DefaultPriority: "medium",
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("link mailbox %s: %w", email, err)
	}

	c.logger.Info().
		Str("email", email).
		Int64("mailbox_id", res.MailboxID).
		Int64("workspace_id", st.WorkspaceID).
		Str("flow", string(st.Flow)).
		Msg("mailbox connected")
	return res, nil
}
