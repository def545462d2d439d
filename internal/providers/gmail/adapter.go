package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/helpdesk-mailsync/internal/mail"
)

const (
	labelInbox  = "INBOX"
	labelUnread = "UNREAD"
	me          = "me"
)

// Adapter implements mail.Backend on the Gmail API. Labels stand in for
// folders; nested labels use the "Parent/Child" naming convention.
type Adapter struct {
	svc *gmail.Service
}

// Factory returns a mail.BackendFactory for Gmail. An empty baseURL uses the
// public endpoint.
func Factory(baseURL string) mail.BackendFactory {
	return func(acct mail.Account, observe func(mail.RateInfo)) (mail.Backend, error) {
		return New(context.Background(), baseURL, acct.AccessToken, observe)
	}
}

// New creates an adapter for a delegated access token
func New(ctx context.Context, baseURL, accessToken string, observe func(mail.RateInfo)) (*Adapter, error) {
	httpClient := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   &headerObserver{next: http.DefaultTransport, observe: observe},
		},
	}

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if baseURL != "" {
		opts = append(opts, option.WithEndpoint(baseURL))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Adapter{svc: svc}, nil
}

func user(mailbox string) string {
	if mailbox == "" {
		return me
	}
	return mailbox
}

func (a *Adapter) labels(ctx context.Context, mailbox string) ([]*gmail.Label, error) {
	resp, err := a.svc.Users.Labels.List(user(mailbox)).Context(ctx).Do()
	if err != nil {
		return nil, apiError(err)
	}
	return resp.Labels, nil
}

// ListFolders lists labels directly below parentID. Nesting follows the
// slash separated label names.
func (a *Adapter) ListFolders(ctx context.Context, mailbox, parentID string) ([]mail.Folder, error) {
	labels, err := a.labels(ctx, mailbox)
	if err != nil {
		return nil, err
	}

	prefix := ""
	if parentID != "" {
		for _, l := range labels {
			if l.Id == parentID {
				prefix = l.Name + "/"
			}
		}
		if prefix == "" {
			return nil, &mail.APIError{StatusCode: http.StatusNotFound, Message: "label " + parentID}
		}
	}

	var folders []mail.Folder
	for _, l := range labels {
		if !strings.HasPrefix(l.Name, prefix) {
			continue
		}
		name := strings.TrimPrefix(l.Name, prefix)
		if strings.Contains(name, "/") {
			continue
		}
		folders = append(folders, mail.Folder{
			ID:          l.Id,
			Name:        name,
			ParentID:    parentID,
			UnreadCount: int(l.MessagesUnread),
		})
	}
	return folders, nil
}

// GetWellKnownFolder resolves a system label such as INBOX
func (a *Adapter) GetWellKnownFolder(ctx context.Context, mailbox, name string) (*mail.Folder, error) {
	l, err := a.svc.Users.Labels.Get(user(mailbox), strings.ToUpper(name)).Context(ctx).Do()
	if err != nil {
		return nil, apiError(err)
	}
	return &mail.Folder{ID: l.Id, Name: l.Name, UnreadCount: int(l.MessagesUnread)}, nil
}

// CreateFolder creates a visible label, nested under parentID when set
func (a *Adapter) CreateFolder(ctx context.Context, mailbox, parentID, name string) (*mail.Folder, error) {
	full := name
	if parentID != "" {
		parent, err := a.svc.Users.Labels.Get(user(mailbox), parentID).Context(ctx).Do()
		if err != nil {
			return nil, apiError(err)
		}
		full = parent.Name + "/" + name
	}
	l, err := a.svc.Users.Labels.Create(user(mailbox), &gmail.Label{
		Name:                  full,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return nil, apiError(err)
	}
	return &mail.Folder{ID: l.Id, Name: name, ParentID: parentID}, nil
}

// SearchQuery builds the Gmail search expression for a listing query
func SearchQuery(q mail.ListQuery) string {
	var parts []string
	if q.UnreadOnly {
		parts = append(parts, "is:unread")
	}
	if !q.ReceivedAfter.IsZero() {
		parts = append(parts, fmt.Sprintf("after:%d", q.ReceivedAfter.Unix()))
	}
	return strings.Join(parts, " ")
}

// ListMessages returns message metadata for a label
func (a *Adapter) ListMessages(ctx context.Context, mailbox, folderID string, q mail.ListQuery) ([]mail.Message, error) {
	call := a.svc.Users.Messages.List(user(mailbox)).LabelIds(folderID).MaxResults(int64(q.Top)).Context(ctx)
	if search := SearchQuery(q); search != "" {
		call = call.Q(search)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, apiError(err)
	}

	// listing only returns ids, fetch metadata per message
	msgs := make([]mail.Message, 0, len(resp.Messages))
	for _, ref := range resp.Messages {
		m, err := a.svc.Users.Messages.Get(user(mailbox), ref.Id).
			Format("metadata").
			MetadataHeaders("From", "To", "Cc", "Subject", "Message-ID").
			Context(ctx).Do()
		if err != nil {
			return nil, apiError(err)
		}
		msgs = append(msgs, normalize(m))
	}
	return msgs, nil
}

// GetMessage fetches the full message, preferring the HTML body
func (a *Adapter) GetMessage(ctx context.Context, mailbox, id string) (*mail.Message, error) {
	m, err := a.svc.Users.Messages.Get(user(mailbox), id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, apiError(err)
	}
	msg := normalize(m)
	if m.Payload != nil {
		html, text := bodies(m.Payload)
		switch {
		case html != "":
			msg.Body, msg.BodyIsHTML = html, true
		default:
			msg.Body = text
		}
		msg.Attachments = attachments(m.Payload)
		msg.HasAttachments = len(msg.Attachments) > 0
	}
	return &msg, nil
}

// MarkRead removes the UNREAD label
func (a *Adapter) MarkRead(ctx context.Context, mailbox, id string) error {
	_, err := a.svc.Users.Messages.Modify(user(mailbox), id, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{labelUnread},
	}).Context(ctx).Do()
	return apiError(err)
}

// Move relabels the message; Gmail ids survive relabelling
func (a *Adapter) Move(ctx context.Context, mailbox, id, destFolderID string) (string, error) {
	_, err := a.svc.Users.Messages.Modify(user(mailbox), id, &gmail.ModifyMessageRequest{
		AddLabelIds:    []string{destFolderID},
		RemoveLabelIds: []string{labelInbox},
	}).Context(ctx).Do()
	if err != nil {
		return "", apiError(err)
	}
	return id, nil
}

// Send sends an HTML message from mailbox
func (a *Adapter) Send(ctx context.Context, mailbox string, out mail.OutgoingMessage) error {
	raw, err := BuildMIME(mailbox, out, time.Now())
	if err != nil {
		return err
	}
	_, err = a.svc.Users.Messages.Send(user(mailbox), &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	return apiError(err)
}

// Me returns the profile of the authorised account
func (a *Adapter) Me(ctx context.Context) (*mail.UserInfo, error) {
	p, err := a.svc.Users.GetProfile(me).Context(ctx).Do()
	if err != nil {
		return nil, apiError(err)
	}
	email := strings.ToLower(p.EmailAddress)
	return &mail.UserInfo{ID: email, Email: email, DisplayName: email}, nil
}

// BuildMIME renders out as a single part HTML RFC 5322 message
func BuildMIME(from string, out mail.OutgoingMessage, now time.Time) ([]byte, error) {
	var h gomail.Header
	h.SetDate(now)
	h.SetSubject(out.Subject)
	if from != "" {
		h.SetAddressList("From", []*gomail.Address{{Address: from}})
	}
	h.SetAddressList("To", toAddresses(out.To))
	if len(out.Cc) > 0 {
		h.SetAddressList("Cc", toAddresses(out.Cc))
	}
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := gomail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}
	if _, err := w.Write([]byte(out.HTMLBody)); err != nil {
		return nil, fmt.Errorf("write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

func toAddresses(addrs []mail.Address) []*gomail.Address {
	out := make([]*gomail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &gomail.Address{Name: a.Name, Address: a.Email})
	}
	return out
}

func normalize(m *gmail.Message) mail.Message {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[strings.ToLower(kv.Name)] = kv.Value
		}
	}

	msg := mail.Message{
		ID:                m.Id,
		ConversationID:    m.ThreadId,
		InternetMessageID: headers["message-id"],
		Subject:           headers["subject"],
		Preview:           m.Snippet,
		To:                parseAddrs(headers["to"]),
		Cc:                parseAddrs(headers["cc"]),
		ReceivedAt:        time.UnixMilli(m.InternalDate),
		IsRead:            true,
	}
	if from := parseAddrs(headers["from"]); len(from) > 0 {
		msg.From = from[0]
	}
	for _, l := range m.LabelIds {
		if l == labelUnread {
			msg.IsRead = false
		}
	}
	return msg
}

// parseAddrs parses an address list header, keeping what it can
func parseAddrs(s string) []mail.Address {
	if s == "" {
		return nil
	}
	list, err := gomail.ParseAddressList(s)
	if err != nil {
		var out []mail.Address
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, mail.Address{Email: strings.ToLower(p)})
			}
		}
		return out
	}
	out := make([]mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, mail.Address{Name: a.Name, Email: strings.ToLower(a.Address)})
	}
	return out
}

func bodies(p *gmail.MessagePart) (html, text string) {
	if p.Filename == "" && p.Body != nil && p.Body.Data != "" {
		switch {
		case strings.HasPrefix(p.MimeType, "text/html"):
			html = decodeData(p.Body.Data)
		case strings.HasPrefix(p.MimeType, "text/plain"):
			text = decodeData(p.Body.Data)
		}
	}
	for _, part := range p.Parts {
		h, t := bodies(part)
		if html == "" {
			html = h
		}
		if text == "" {
			text = t
		}
	}
	return html, text
}

func attachments(p *gmail.MessagePart) []mail.Attachment {
	var out []mail.Attachment
	if p.Filename != "" && p.Body != nil {
		inline := false
		for _, h := range p.Headers {
			if strings.EqualFold(h.Name, "Content-Disposition") && strings.HasPrefix(strings.ToLower(h.Value), "inline") {
				inline = true
			}
		}
		out = append(out, mail.Attachment{
			ID:          p.Body.AttachmentId,
			Name:        p.Filename,
			ContentType: p.MimeType,
			Size:        p.Body.Size,
			Inline:      inline,
		})
	}
	for _, part := range p.Parts {
		out = append(out, attachments(part)...)
	}
	return out
}

// decodeData decodes Gmail's base64url body data, padded or not
func decodeData(s string) string {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return ""
	}
	return string(b)
}

// apiError converts a *googleapi.Error into *mail.APIError
func apiError(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	out := &mail.APIError{StatusCode: gerr.Code, Message: gerr.Message}
	if len(gerr.Errors) > 0 {
		out.Code = gerr.Errors[0].Reason
	}
	if gerr.Header != nil {
		out.RetryAfter, _ = mail.ParseRetryAfter(gerr.Header.Get("Retry-After"), time.Now())
	}
	return out
}

// headerObserver reports throttling headers of every Gmail response
type headerObserver struct {
	next    http.RoundTripper
	observe func(mail.RateInfo)
}

func (h *headerObserver) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := h.next.RoundTrip(req)
	if err != nil || h.observe == nil {
		return resp, err
	}
	if info, ok := mail.ParseRateHeaders(resp.Header, time.Now()); ok {
		h.observe(info)
	}
	return resp, nil
}
