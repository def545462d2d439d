package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	abs "github.com/microsoft/kiota-abstractions-go"
	"github.com/microsoft/kiota-abstractions-go/authentication"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/helpdesk-mailsync/internal/mail"
)

// DefaultBaseURL is the Graph v1.0 root
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

var messageFields = []string{
	"id", "conversationId", "internetMessageId", "subject", "from", "toRecipients",
	"ccRecipients", "bodyPreview", "receivedDateTime", "isRead", "hasAttachments",
}

// Adapter implements mail.Backend on Microsoft Graph
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
}

// Factory returns a mail.BackendFactory for Graph. An empty baseURL uses
// DefaultBaseURL.
func Factory(baseURL string) mail.BackendFactory {
	return func(acct mail.Account, observe func(mail.RateInfo)) (mail.Backend, error) {
		return New(baseURL, acct.AccessToken, observe)
	}
}

// New creates an adapter that authenticates with a delegated access token
func New(baseURL, accessToken string, observe func(mail.RateInfo)) (*Adapter, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid graph base url: %w", err)
	}

	auth := authentication.NewBaseBearerTokenAuthenticationProvider(&staticTokenProvider{
		token: accessToken,
		hosts: authentication.NewAllowedHostsValidator([]string{base.Hostname()}),
	})
	httpClient := &http.Client{Transport: &headerObserver{next: http.DefaultTransport, observe: observe}}

	adapter, err := msgraphsdk.NewGraphRequestAdapterWithParseNodeFactoryAndSerializationWriterFactoryAndHttpClient(auth, nil, nil, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph adapter: %w", err)
	}
	adapter.SetBaseUrl(strings.TrimRight(baseURL, "/"))

	return &Adapter{client: msgraphsdk.NewGraphServiceClient(adapter)}, nil
}

// ListFolders lists the top-level mail folders of mailbox, or the children
// of parentID when it is set
func (a *Adapter) ListFolders(ctx context.Context, mailbox, parentID string) ([]mail.Folder, error) {
	top := int32(100)
	var values []graphmodels.MailFolderable
	if parentID == "" {
		resp, err := a.client.Users().ByUserId(mailbox).MailFolders().Get(ctx, &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{Top: &top},
		})
		if err != nil {
			return nil, apiError(err)
		}
		values = resp.GetValue()
	} else {
		resp, err := a.client.Users().ByUserId(mailbox).MailFolders().ByMailFolderId(parentID).ChildFolders().Get(ctx, &users.ItemMailFoldersItemChildFoldersRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemChildFoldersRequestBuilderGetQueryParameters{Top: &top},
		})
		if err != nil {
			return nil, apiError(err)
		}
		values = resp.GetValue()
	}

	folders := make([]mail.Folder, 0, len(values))
	for _, f := range values {
		folders = append(folders, normalizeFolder(f))
	}
	return folders, nil
}

// GetWellKnownFolder resolves a well-known folder name such as inbox
func (a *Adapter) GetWellKnownFolder(ctx context.Context, mailbox, name string) (*mail.Folder, error) {
	f, err := a.client.Users().ByUserId(mailbox).MailFolders().ByMailFolderId(strings.ToLower(name)).Get(ctx, nil)
	if err != nil {
		return nil, apiError(err)
	}
	folder := normalizeFolder(f)
	return &folder, nil
}

// CreateFolder creates name under parentID, or at the top level
func (a *Adapter) CreateFolder(ctx context.Context, mailbox, parentID, name string) (*mail.Folder, error) {
	body := graphmodels.NewMailFolder()
	body.SetDisplayName(&name)

	var (
		created graphmodels.MailFolderable
		err     error
	)
	if parentID == "" {
		created, err = a.client.Users().ByUserId(mailbox).MailFolders().Post(ctx, body, nil)
	} else {
		created, err = a.client.Users().ByUserId(mailbox).MailFolders().ByMailFolderId(parentID).ChildFolders().Post(ctx, body, nil)
	}
	if err != nil {
		return nil, apiError(err)
	}
	folder := normalizeFolder(created)
	return &folder, nil
}

// ListFilter builds the $filter expression for a listing query
func ListFilter(q mail.ListQuery) string {
	var parts []string
	if !q.ReceivedAfter.IsZero() {
		parts = append(parts, "receivedDateTime ge "+q.ReceivedAfter.UTC().Format(time.RFC3339))
	}
	if q.UnreadOnly {
		parts = append(parts, "isRead eq false")
	}
	return strings.Join(parts, " and ")
}

// ListMessages returns message metadata of a folder, newest first
func (a *Adapter) ListMessages(ctx context.Context, mailbox, folderID string, q mail.ListQuery) ([]mail.Message, error) {
	top := int32(q.Top)
	params := &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
		Top:     &top,
		Select:  messageFields,
		Orderby: []string{"receivedDateTime desc"},
	}
	if filter := ListFilter(q); filter != "" {
		params.Filter = &filter
	}

	resp, err := a.client.Users().ByUserId(mailbox).MailFolders().ByMailFolderId(folderID).Messages().Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: params,
	})
	if err != nil {
		return nil, apiError(err)
	}

	msgs := make([]mail.Message, 0, len(resp.GetValue()))
	for _, m := range resp.GetValue() {
		msgs = append(msgs, normalizeMessage(m))
	}
	return msgs, nil
}

// GetMessage fetches one message with its body and attachment metadata
func (a *Adapter) GetMessage(ctx context.Context, mailbox, id string) (*mail.Message, error) {
	m, err := a.client.Users().ByUserId(mailbox).Messages().ByMessageId(id).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Expand: []string{"attachments"},
		},
	})
	if err != nil {
		return nil, apiError(err)
	}

	msg := normalizeMessage(m)
	if body := m.GetBody(); body != nil {
		msg.Body = deref(body.GetContent())
		if ct := body.GetContentType(); ct != nil {
			msg.BodyIsHTML = *ct == graphmodels.HTML_BODYTYPE
		}
	}
	for _, att := range m.GetAttachments() {
		item := mail.Attachment{
			ID:          deref(att.GetId()),
			Name:        deref(att.GetName()),
			ContentType: deref(att.GetContentType()),
		}
		if size := att.GetSize(); size != nil {
			item.Size = int64(*size)
		}
		if inline := att.GetIsInline(); inline != nil {
			item.Inline = *inline
		}
		msg.Attachments = append(msg.Attachments, item)
	}
	return &msg, nil
}

// MarkRead sets isRead on the message
func (a *Adapter) MarkRead(ctx context.Context, mailbox, id string) error {
	body := graphmodels.NewMessage()
	read := true
	body.SetIsRead(&read)
	if _, err := a.client.Users().ByUserId(mailbox).Messages().ByMessageId(id).Patch(ctx, body, nil); err != nil {
		return apiError(err)
	}
	return nil
}

// Move moves the message to destFolderID. Graph assigns the moved copy a new
// id, which is returned.
func (a *Adapter) Move(ctx context.Context, mailbox, id, destFolderID string) (string, error) {
	body := users.NewItemMessagesItemMovePostRequestBody()
	body.SetDestinationId(&destFolderID)
	moved, err := a.client.Users().ByUserId(mailbox).Messages().ByMessageId(id).Move().Post(ctx, body, nil)
	if err != nil {
		return "", apiError(err)
	}
	if moved == nil || moved.GetId() == nil {
		return id, nil
	}
	return *moved.GetId(), nil
}

// Send sends an HTML message from mailbox
func (a *Adapter) Send(ctx context.Context, mailbox string, out mail.OutgoingMessage) error {
	msg := graphmodels.NewMessage()
	msg.SetSubject(&out.Subject)

	content := graphmodels.NewItemBody()
	contentType := graphmodels.HTML_BODYTYPE
	content.SetContentType(&contentType)
	content.SetContent(&out.HTMLBody)
	msg.SetBody(content)
	msg.SetToRecipients(recipients(out.To))
	if len(out.Cc) > 0 {
		msg.SetCcRecipients(recipients(out.Cc))
	}

	body := users.NewItemSendMailPostRequestBody()
	body.SetMessage(msg)
	save := out.SaveToSent
	body.SetSaveToSentItems(&save)

	if err := a.client.Users().ByUserId(mailbox).SendMail().Post(ctx, body, nil); err != nil {
		return apiError(err)
	}
	return nil
}

// Me returns the profile of the signed-in user
func (a *Adapter) Me(ctx context.Context) (*mail.UserInfo, error) {
	u, err := a.client.Me().Get(ctx, nil)
	if err != nil {
		return nil, apiError(err)
	}
	email := deref(u.GetMail())
	if email == "" {
		// accounts without an Exchange mailbox attribute
		email = deref(u.GetUserPrincipalName())
	}
	return &mail.UserInfo{
		ID:          deref(u.GetId()),
		Email:       strings.ToLower(email),
		DisplayName: deref(u.GetDisplayName()),
	}, nil
}

func normalizeFolder(f graphmodels.MailFolderable) mail.Folder {
	folder := mail.Folder{
		ID:       deref(f.GetId()),
		Name:     deref(f.GetDisplayName()),
		ParentID: deref(f.GetParentFolderId()),
	}
	if n := f.GetChildFolderCount(); n != nil {
		folder.ChildCount = int(*n)
	}
	if n := f.GetUnreadItemCount(); n != nil {
		folder.UnreadCount = int(*n)
	}
	return folder
}

func normalizeMessage(m graphmodels.Messageable) mail.Message {
	msg := mail.Message{
		ID:                deref(m.GetId()),
		ConversationID:    deref(m.GetConversationId()),
		InternetMessageID: deref(m.GetInternetMessageId()),
		Subject:           deref(m.GetSubject()),
		Preview:           deref(m.GetBodyPreview()),
		To:                addresses(m.GetToRecipients()),
		Cc:                addresses(m.GetCcRecipients()),
	}
	if from := m.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil {
			msg.From = mail.Address{Name: deref(addr.GetName()), Email: strings.ToLower(deref(addr.GetAddress()))}
		}
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.ReceivedAt = *rcvd
	}
	if read := m.GetIsRead(); read != nil {
		msg.IsRead = *read
	}
	if has := m.GetHasAttachments(); has != nil {
		msg.HasAttachments = *has
	}
	return msg
}

func addresses(recipients []graphmodels.Recipientable) []mail.Address {
	var out []mail.Address
	for _, r := range recipients {
		if addr := r.GetEmailAddress(); addr != nil && addr.GetAddress() != nil {
			out = append(out, mail.Address{Name: deref(addr.GetName()), Email: strings.ToLower(*addr.GetAddress())})
		}
	}
	return out
}

func recipients(addrs []mail.Address) []graphmodels.Recipientable {
	out := make([]graphmodels.Recipientable, 0, len(addrs))
	for _, a := range addrs {
		email := graphmodels.NewEmailAddress()
		address, name := a.Email, a.Name
		email.SetAddress(&address)
		if name != "" {
			email.SetName(&name)
		}
		r := graphmodels.NewRecipient()
		r.SetEmailAddress(email)
		out = append(out, r)
	}
	return out
}

// apiError converts a Graph SDK error into *mail.APIError. Errors without
// an HTTP status (network, timeout) pass through unchanged.
func apiError(err error) error {
	var status interface{ GetStatusCode() int }
	if !errors.As(err, &status) || status.GetStatusCode() == 0 {
		return err
	}
	out := &mail.APIError{StatusCode: status.GetStatusCode(), Message: err.Error()}

	var odata *odataerrors.ODataError
	if errors.As(err, &odata) {
		if main := odata.GetErrorEscaped(); main != nil {
			out.Code = deref(main.GetCode())
			out.Message = deref(main.GetMessage())
		}
	}
	var withHeaders interface{ GetResponseHeaders() *abs.ResponseHeaders }
	if errors.As(err, &withHeaders) && withHeaders.GetResponseHeaders() != nil {
		if values := withHeaders.GetResponseHeaders().Get("Retry-After"); len(values) > 0 {
			out.RetryAfter, _ = mail.ParseRetryAfter(values[0], time.Now())
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
