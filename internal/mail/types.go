package mail

import (
	"context"
	"strings"
	"time"

	"github.com/Martian-dev/helpdesk-mailsync/internal/models"
)

// Account identifies who a provider call is made for
type Account struct {
	Provider    models.Provider
	TenantID    string
	Mailbox     string
	AccessToken string
}

// tenant is the rate limiting key; mailboxes without a tenant share one
// bucket per provider
func (a Account) tenant() string {
	if a.TenantID != "" {
		return a.TenantID
	}
	return string(a.Provider)
}

func (a Account) scope() string {
	return strings.ToLower(a.Mailbox)
}

// Folder is a mail folder (Graph) or label (Gmail)
type Folder struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ParentID    string `json:"parent_id,omitempty"`
	ChildCount  int    `json:"child_count"`
	UnreadCount int    `json:"unread_count"`
}

// Address is a display name and email pair
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Attachment describes one attachment of a message. Content is not fetched.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Inline      bool   `json:"inline"`
}

// Message is a provider message normalised across backends. Listing fills
// the metadata; GetMessage also fills the body and attachments.
type Message struct {
	ID                string       `json:"id"`
	ConversationID    string       `json:"conversation_id"`
	InternetMessageID string       `json:"internet_message_id,omitempty"`
	Subject           string       `json:"subject"`
	From              Address      `json:"from"`
	To                []Address    `json:"to,omitempty"`
	Cc                []Address    `json:"cc,omitempty"`
	Preview           string       `json:"preview,omitempty"`
	Body              string       `json:"body,omitempty"`
	BodyIsHTML        bool         `json:"body_is_html"`
	IsRead            bool         `json:"is_read"`
	HasAttachments    bool         `json:"has_attachments"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	ReceivedAt        time.Time    `json:"received_at"`
}

// ListQuery filters a message listing
type ListQuery struct {
	Top           int
	UnreadOnly    bool
	ReceivedAfter time.Time
}

// OutgoingMessage is an HTML mail sent from the account's mailbox
type OutgoingMessage struct {
	To       []Address
	Cc       []Address
	Subject  string
	HTMLBody string
	// SaveToSent keeps a copy in the sender's sent items
	SaveToSent bool
}

// UserInfo is the profile behind an access token
type UserInfo struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// RateInfo is the throttling state reported on a provider response
type RateInfo struct {
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// Backend is the provider capability set. Implementations translate
// provider failures into *APIError.
type Backend interface {
	ListFolders(ctx context.Context, mailbox, parentID string) ([]Folder, error)
	GetWellKnownFolder(ctx context.Context, mailbox, name string) (*Folder, error)
	CreateFolder(ctx context.Context, mailbox, parentID, name string) (*Folder, error)
	ListMessages(ctx context.Context, mailbox, folderID string, q ListQuery) ([]Message, error)
	GetMessage(ctx context.Context, mailbox, id string) (*Message, error)
	MarkRead(ctx context.Context, mailbox, id string) error
	// Move returns the message id in the destination folder
	Move(ctx context.Context, mailbox, id, destFolderID string) (string, error)
	Send(ctx context.Context, mailbox string, msg OutgoingMessage) error
	Me(ctx context.Context) (*UserInfo, error)
}

// BackendFactory builds a backend for one account. observe receives the
// rate limit headers of every response.
type BackendFactory func(acct Account, observe func(RateInfo)) (Backend, error)
