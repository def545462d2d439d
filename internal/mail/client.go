package mail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/helpdesk-mailsync/internal/cache"
	"github.com/Martian-dev/helpdesk-mailsync/internal/ratelimit"
)

const (
	// MaxPageSize is the largest listing page requested from a provider
	MaxPageSize = 50

	// ReceivedAfterBucket is the granularity of listing cutoffs. Cutoffs are
	// floored to it so repeated syncs share one cached listing.
	ReceivedAfterBucket = 5 * time.Minute

	defaultCallTimeout = 15 * time.Second
	defaultRetryAfter  = 5 * time.Second
)

// inboxNames are display names that mean the default inbox
var inboxNames = map[string]bool{
	"inbox":              true,
	"bandeja de entrada": true,
	"boîte de réception": true,
	"posteingang":        true,
	"caixa de entrada":   true,
}

var providerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mailsync_provider_calls_total",
	Help: "Provider calls by operation and result",
}, []string{"op", "result"})

// Client performs every outbound provider call. Each call waits on the rate
// limiter, carries its own timeout and, for reads, goes through the response
// cache.
type Client struct {
	factory     BackendFactory
	limiter     *ratelimit.Limiter
	cache       *cache.Cache
	logger      zerolog.Logger
	callTimeout time.Duration
}

// NewClient creates a provider client. A zero callTimeout uses 15s.
func NewClient(factory BackendFactory, limiter *ratelimit.Limiter, c *cache.Cache, logger zerolog.Logger, callTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Client{
		factory:     factory,
		limiter:     limiter,
		cache:       c,
		logger:      logger.With().Str("component", "mail").Logger(),
		callTimeout: callTimeout,
	}
}

// IsInboxName reports whether name is a known display name of the inbox
func IsInboxName(name string) bool {
	return inboxNames[strings.ToLower(strings.TrimSpace(name))]
}

func (c *Client) observer(acct Account) func(RateInfo) {
	tenant := acct.tenant()
	return func(ri RateInfo) {
		if ri.Limit >= 0 || ri.Remaining >= 0 || !ri.Reset.IsZero() {
			c.limiter.UpdateFromHeaders(tenant, ri.Limit, ri.Remaining, ri.Reset)
		}
	}
}

// do runs fn against a backend for acct. A 429 is absorbed once by waiting
// out the provider's reset window.
func (c *Client) do(ctx context.Context, acct Account, op string, fn func(context.Context, Backend) error) error {
	backend, err := c.factory(acct, c.observer(acct))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	tenant := acct.tenant()

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Acquire(ctx, tenant, op); err != nil {
			providerCalls.WithLabelValues(op, "rate_limited").Inc()
			return fmt.Errorf("%s: %w: %w", op, ErrRateLimited, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		err := fn(callCtx, backend)
		cancel()
		if err == nil {
			providerCalls.WithLabelValues(op, "ok").Inc()
			return nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests && attempt == 0 {
			providerCalls.WithLabelValues(op, "throttled").Inc()
			wait := apiErr.RetryAfter
			if wait <= 0 {
				wait = defaultRetryAfter
			}
			c.logger.Warn().Str("op", op).Str("tenant", tenant).Dur("retry_after", wait).Msg("provider throttled request")
			c.limiter.Throttled(tenant, wait)
			if werr := c.limiter.WaitForReset(ctx, tenant); werr != nil {
				return fmt.Errorf("%s: %w: %w", op, ErrRateLimited, werr)
			}
			continue
		}
		return c.classify(ctx, op, err)
	}
}

func (c *Client) classify(ctx context.Context, op string, err error) error {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		providerCalls.WithLabelValues(op, strconv.Itoa(apiErr.StatusCode)).Inc()
		return fmt.Errorf("%s: %w", op, err)
	case ctx.Err() != nil:
		providerCalls.WithLabelValues(op, "cancelled").Inc()
		return fmt.Errorf("%s: %w", op, err)
	default:
		// network failure or per-call timeout
		providerCalls.WithLabelValues(op, "transient").Inc()
		c.logger.Warn().Err(err).Str("op", op).Msg("provider call failed")
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
}

// ListFolders lists the folders under parentID, or the top level when
// parentID is empty
func (c *Client) ListFolders(ctx context.Context, acct Account, parentID string) ([]Folder, error) {
	key := cache.Key("folders", acct.scope(), map[string]string{"parent": parentID})
	var folders []Folder
	if c.cache.GetJSON(ctx, key, &folders) {
		return folders, nil
	}
	err := c.do(ctx, acct, "list_folders", func(ctx context.Context, b Backend) error {
		var err error
		folders, err = b.ListFolders(ctx, acct.Mailbox, parentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.cache.SetJSON(ctx, key, folders, cache.FoldersTTL)
	return folders, nil
}

func (c *Client) inbox(ctx context.Context, acct Account) (*Folder, error) {
	key := cache.Key("folders", acct.scope(), map[string]string{"wellknown": "inbox"})
	var f Folder
	if c.cache.GetJSON(ctx, key, &f) {
		return &f, nil
	}
	var got *Folder
	err := c.do(ctx, acct, "get_folder", func(ctx context.Context, b Backend) error {
		var err error
		got, err = b.GetWellKnownFolder(ctx, acct.Mailbox, "inbox")
		return err
	})
	if err != nil {
		return nil, err
	}
	c.cache.SetJSON(ctx, key, got, cache.FoldersTTL)
	return got, nil
}

// ResolveFolderID maps a display name to a folder id. Matching is case
// insensitive and localized names of the inbox resolve to the inbox.
func (c *Client) ResolveFolderID(ctx context.Context, acct Account, name string) (string, error) {
	folders, err := c.ListFolders(ctx, acct, "")
	if err != nil {
		return "", err
	}
	if f, ok := findFolder(folders, name); ok {
		return f.ID, nil
	}
	if IsInboxName(name) {
		inbox, err := c.inbox(ctx, acct)
		if err != nil {
			return "", err
		}
		return inbox.ID, nil
	}
	return "", fmt.Errorf("%w: %q in %s", ErrFolderNotFound, name, acct.Mailbox)
}

// EnsureFolder resolves name, creating it when missing. Creation is tried at
// the top level first; when the provider denies that the folder is created
// under the inbox instead.
func (c *Client) EnsureFolder(ctx context.Context, acct Account, name string) (string, error) {
	id, err := c.ResolveFolderID(ctx, acct, name)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrFolderNotFound) {
		return "", err
	}

	inbox, err := c.inbox(ctx, acct)
	if err != nil {
		return "", err
	}
	if id, ok, err := c.findChild(ctx, acct, inbox.ID, name); err != nil || ok {
		return id, err
	}

	created, err := c.createFolder(ctx, acct, "", name)
	if err == nil {
		return created.ID, nil
	}
	if StatusCode(err) == http.StatusConflict {
		folders, lerr := c.ListFolders(ctx, acct, "")
		if lerr != nil {
			return "", lerr
		}
		if f, ok := findFolder(folders, name); ok {
			return f.ID, nil
		}
	}

	c.logger.Warn().Err(err).Str("mailbox", acct.Mailbox).Str("folder", name).Msg("top level folder creation failed, creating under inbox")
	created, err = c.createFolder(ctx, acct, inbox.ID, name)
	if err == nil {
		return created.ID, nil
	}
	if StatusCode(err) == http.StatusConflict {
		if id, ok, lerr := c.findChild(ctx, acct, inbox.ID, name); lerr != nil || ok {
			return id, lerr
		}
	}
	return "", err
}

func (c *Client) findChild(ctx context.Context, acct Account, parentID, name string) (string, bool, error) {
	children, err := c.ListFolders(ctx, acct, parentID)
	if err != nil {
		return "", false, err
	}
	if f, ok := findFolder(children, name); ok {
		return f.ID, true, nil
	}
	return "", false, nil
}

func (c *Client) createFolder(ctx context.Context, acct Account, parentID, name string) (*Folder, error) {
	var created *Folder
	err := c.do(ctx, acct, "create_folder", func(ctx context.Context, b Backend) error {
		var err error
		created, err = b.CreateFolder(ctx, acct.Mailbox, parentID, name)
		return err
	})
	// a conflict also means the cached listing is stale
	c.cache.DeleteByPrefix(ctx, cache.Prefix("folders", acct.scope()))
	if err != nil {
		return nil, err
	}
	return created, nil
}

func findFolder(folders []Folder, name string) (Folder, bool) {
	for _, f := range folders {
		if strings.EqualFold(strings.TrimSpace(f.Name), strings.TrimSpace(name)) {
			return f, true
		}
	}
	return Folder{}, false
}

// ListMessages lists a folder newest first. Top is clamped to
// [1, MaxPageSize]; zero means MaxPageSize.
func (c *Client) ListMessages(ctx context.Context, acct Account, folderID string, q ListQuery) ([]Message, error) {
	if q.Top <= 0 || q.Top > MaxPageSize {
		q.Top = MaxPageSize
	}
	params := map[string]string{
		"folder": folderID,
		"top":    strconv.Itoa(q.Top),
		"unread": strconv.FormatBool(q.UnreadOnly),
	}
	if !q.ReceivedAfter.IsZero() {
		q.ReceivedAfter = q.ReceivedAfter.Truncate(ReceivedAfterBucket)
		params["after"] = strconv.FormatInt(q.ReceivedAfter.Unix(), 10)
	}
	key := cache.Key("messages", acct.scope(), params)

	var msgs []Message
	if c.cache.GetJSON(ctx, key, &msgs) {
		return msgs, nil
	}
	err := c.do(ctx, acct, "list_messages", func(ctx context.Context, b Backend) error {
		var err error
		msgs, err = b.ListMessages(ctx, acct.Mailbox, folderID, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.cache.SetJSON(ctx, key, msgs, cache.MessagesTTL)
	return msgs, nil
}

// GetMessageContent returns a message with body and attachment metadata.
// Received content never changes so it is cached for long.
func (c *Client) GetMessageContent(ctx context.Context, acct Account, id string) (*Message, error) {
	key := cache.Key("content", acct.scope(), map[string]string{"id": id})
	var msg Message
	if c.cache.GetJSON(ctx, key, &msg) {
		return &msg, nil
	}
	var got *Message
	err := c.do(ctx, acct, "get_message", func(ctx context.Context, b Backend) error {
		var err error
		got, err = b.GetMessage(ctx, acct.Mailbox, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.cache.SetJSON(ctx, key, got, cache.ContentTTL)
	return got, nil
}

// MarkRead flags a message as read
func (c *Client) MarkRead(ctx context.Context, acct Account, id string) error {
	err := c.do(ctx, acct, "mark_read", func(ctx context.Context, b Backend) error {
		return b.MarkRead(ctx, acct.Mailbox, id)
	})
	if err != nil {
		return err
	}
	c.cache.DeleteByPrefix(ctx, cache.Prefix("messages", acct.scope()))
	return nil
}

// Move moves a message and returns its id in the destination folder, which
// may differ from id.
func (c *Client) Move(ctx context.Context, acct Account, id, destFolderID string) (string, error) {
	var newID string
	err := c.do(ctx, acct, "move_message", func(ctx context.Context, b Backend) error {
		var err error
		newID, err = b.Move(ctx, acct.Mailbox, id, destFolderID)
		return err
	})
	if err != nil {
		return "", err
	}
	c.cache.DeleteByPrefix(ctx, cache.Prefix("messages", acct.scope()))
	c.cache.Delete(ctx, cache.Key("content", acct.scope(), map[string]string{"id": id}))
	if newID == "" {
		newID = id
	}
	return newID, nil
}

// SendMail sends msg from the account's mailbox
func (c *Client) SendMail(ctx context.Context, acct Account, msg OutgoingMessage) error {
	if len(msg.To) == 0 {
		return errors.New("send_mail: no recipients")
	}
	return c.do(ctx, acct, "send_mail", func(ctx context.Context, b Backend) error {
		return b.Send(ctx, acct.Mailbox, msg)
	})
}

// UserInfo returns the profile behind the account's token. Results are only
// cached when the mailbox is known.
func (c *Client) UserInfo(ctx context.Context, acct Account) (*UserInfo, error) {
	key := cache.Key("userinfo", acct.scope(), nil)
	if acct.Mailbox != "" {
		var info UserInfo
		if c.cache.GetJSON(ctx, key, &info) {
			return &info, nil
		}
	}
	var info *UserInfo
	err := c.do(ctx, acct, "user_info", func(ctx context.Context, b Backend) error {
		var err error
		info, err = b.Me(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if acct.Mailbox != "" {
		c.cache.SetJSON(ctx, key, info, cache.UserInfoTTL)
	}
	return info, nil
}
