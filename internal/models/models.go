package models

import (
	"strings"
	"time"
)

// Provider identifies the mail provider behind an integration
type Provider string

const (
	ProviderMicrosoft Provider = "microsoft"
	ProviderGoogle    Provider = "google"
)

// Integration is a tenant-level OAuth app registration
type Integration struct {
	ID           int64    `db:"id" json:"id"`
	Provider     Provider `db:"provider" json:"provider"`
	TenantID     string   `db:"tenant_id" json:"tenant_id"`
	ClientID     string   `db:"client_id" json:"client_id"`
	ClientSecret string   `db:"client_secret" json:"-"`
	RedirectURI  string   `db:"redirect_uri" json:"redirect_uri"`
	Scope        string   `db:"scope" json:"scope"`
	IsActive     bool     `db:"is_active" json:"is_active"`
	LastError    string   `db:"last_error" json:"last_error,omitempty"`
	CreatedAt    int64    `db:"created_at" json:"created_at"`
	UpdatedAt    int64    `db:"updated_at" json:"updated_at"`
}

// Scopes splits the space separated scope set
func (i *Integration) Scopes() []string {
	return strings.Fields(i.Scope)
}

// MailboxConnection is one real mailbox linked to a workspace
type MailboxConnection struct {
	ID               int64  `db:"id" json:"id"`
	Email            string `db:"email" json:"email"`
	DisplayName      string `db:"display_name" json:"display_name"`
	WorkspaceID      int64  `db:"workspace_id" json:"workspace_id"`
	CreatedByAgentID int64  `db:"created_by_agent_id" json:"created_by_agent_id"`
	IsActive         bool   `db:"is_active" json:"is_active"`
	NeedsReauth      bool   `db:"needs_reauth" json:"needs_reauth"`
	CreatedAt        int64  `db:"created_at" json:"created_at"`
	UpdatedAt        int64  `db:"updated_at" json:"updated_at"`
}

// Token is one OAuth credential set
type Token struct {
	ID            int64  `db:"id"`
	IntegrationID int64  `db:"integration_id"`
	MailboxID     *int64 `db:"mailbox_connection_id"`
	AgentID       int64  `db:"agent_id"`
	AccessToken   string `db:"access_token"`
	RefreshToken  string `db:"refresh_token"`
	TokenType     string `db:"token_type"`
	ExpiresAt     int64  `db:"expires_at"`
	CreatedAt     int64  `db:"created_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

// Expiry returns the expiry as time
func (t *Token) Expiry() time.Time {
	return time.Unix(t.ExpiresAt, 0)
}

// ExpiredAt reports whether the token is unusable at now, treating tokens
// that expire within skew as already expired.
func (t *Token) ExpiredAt(now time.Time, skew time.Duration) bool {
	return !now.Add(skew).Before(t.Expiry())
}

// SyncConfig is the polling policy for one mailbox
type SyncConfig struct {
	ID              int64  `db:"id" json:"id"`
	IntegrationID   int64  `db:"integration_id" json:"integration_id"`
	MailboxID       int64  `db:"mailbox_connection_id" json:"mailbox_connection_id"`
	WorkspaceID     int64  `db:"workspace_id" json:"workspace_id"`
	FolderName      string `db:"folder_name" json:"folder_name"`
	IntervalSeconds int64  `db:"interval_seconds" json:"interval_seconds"`
	LastSyncTime    *int64 `db:"last_sync_time" json:"last_sync_time,omitempty"`
	LastStatus      string `db:"last_status" json:"last_status"`
	LastError       string `db:"last_error" json:"last_error,omitempty"`
	IsActive        bool   `db:"is_active" json:"is_active"`
	DefaultPriority string `db:"default_priority" json:"default_priority"`
	CreatedAt       int64  `db:"created_at" json:"created_at"`
	UpdatedAt       int64  `db:"updated_at" json:"updated_at"`
}

// Interval returns the polling interval
func (c *SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Due reports whether now >= last_sync_time + interval. A config that never
// ran is due; an inactive config never is.
func (c *SyncConfig) Due(now time.Time) bool {
	if !c.IsActive {
		return false
	}
	if c.LastSyncTime == nil {
		return true
	}
	next := time.Unix(*c.LastSyncTime, 0).Add(c.Interval())
	return !now.Before(next)
}

// SyncTarget is a sync config joined with the mailbox and integration it
// needs at run time.
type SyncTarget struct {
	SyncConfig
	MailboxEmail      string   `db:"mailbox_email"`
	NeedsReauth       bool     `db:"needs_reauth"`
	Provider          Provider `db:"provider"`
	TenantID          string   `db:"tenant_id"`
	IntegrationActive bool     `db:"integration_active"`
}

// EmailTicketMapping is the dedup ledger row for one provider message
type EmailTicketMapping struct {
	ID             int64  `db:"id"`
	EmailID        string `db:"email_id"`
	CurrentEmailID string `db:"current_email_id"`
	ConversationID string `db:"email_conversation_id"`
	TicketID       int64  `db:"ticket_id"`
	Subject        string `db:"email_subject"`
	Sender         string `db:"email_sender"`
	ReceivedAt     int64  `db:"email_received_at"`
	IsProcessed    bool   `db:"is_processed"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

// ScheduledNotification is a recurring outbound mail
type ScheduledNotification struct {
	ID          int64  `db:"id" json:"id"`
	WorkspaceID int64  `db:"workspace_id" json:"workspace_id"`
	Name        string `db:"name" json:"name"`
	MailboxID   int64  `db:"mailbox_connection_id" json:"mailbox_connection_id"`
	Recipient   string `db:"recipient" json:"recipient"`
	Subject     string `db:"subject" json:"subject"`
	BodyHTML    string `db:"body_html" json:"body_html"`
	Frequency   string `db:"frequency" json:"frequency"`
	TimeOfDay   string `db:"time_of_day" json:"time_of_day"`
	Weekday     int    `db:"weekday" json:"weekday"`
	DayOfMonth  int    `db:"day_of_month" json:"day_of_month"`
	IsActive    bool   `db:"is_active" json:"is_active"`
	LastRunAt   *int64 `db:"last_run_at" json:"last_run_at,omitempty"`
}
