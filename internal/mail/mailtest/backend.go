// Package mailtest provides an in-memory mail.Backend for tests.
package mailtest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/Martian-dev/helpdesk-mailsync/internal/mail"
)

// InboxID is the id of the well-known inbox
const InboxID = "inbox"

// Move records one Move call
type Move struct {
	ID    string
	Dest  string
	NewID string
}

// Backend is a thread-safe fake mailbox. Errors queued with FailNext are
// returned by the next calls of that operation.
type Backend struct {
	mu sync.Mutex

	folders  map[string][]mail.Folder
	messages map[string][]mail.Message
	profile  mail.UserInfo
	sent     []mail.OutgoingMessage
	read     map[string]bool
	moves    []Move
	calls    map[string]int
	errs     map[string][]error
	lastList mail.ListQuery
	nextID   int

	// RenameOnMove gives moved messages a new id, as Graph does
	RenameOnMove bool
	// DenyRootCreate rejects top level folder creation with 403
	DenyRootCreate bool
}

// New returns a backend with an empty inbox
func New(profile mail.UserInfo) *Backend {
	return &Backend{
		folders:  map[string][]mail.Folder{"": {{ID: InboxID, Name: "Inbox"}}},
		messages: make(map[string][]mail.Message),
		profile:  profile,
		read:     make(map[string]bool),
		calls:    make(map[string]int),
		errs:     make(map[string][]error),
	}
}

// Factory returns a factory that always yields b
func (b *Backend) Factory() mail.BackendFactory {
	return func(mail.Account, func(mail.RateInfo)) (mail.Backend, error) {
		return b, nil
	}
}

// AddFolder adds a folder under parentID
func (b *Backend) AddFolder(parentID string, f mail.Folder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f.ParentID = parentID
	b.folders[parentID] = append(b.folders[parentID], f)
}

// AddMessage delivers m into folderID
func (b *Backend) AddMessage(folderID string, m mail.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[folderID] = append(b.messages[folderID], m)
}

// FailNext queues errors for op
func (b *Backend) FailNext(op string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs[op] = append(b.errs[op], errs...)
}

// Calls returns how often op was invoked
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Sent returns the messages sent so far
func (b *Backend) Sent() []mail.OutgoingMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]mail.OutgoingMessage(nil), b.sent...)
}

// Moves returns the moves made so far
func (b *Backend) Moves() []Move {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Move(nil), b.moves...)
}

// IsRead reports whether id was marked read
func (b *Backend) IsRead(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read[id]
}

// LastListQuery returns the query of the latest ListMessages call
func (b *Backend) LastListQuery() mail.ListQuery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastList
}

// FolderMessages returns the ids currently in folderID
func (b *Backend) FolderMessages(folderID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for _, m := range b.messages[folderID] {
		ids = append(ids, m.ID)
	}
	return ids
}

// enter counts the call and pops a queued error. Caller holds mu.
func (b *Backend) enter(op string) error {
	b.calls[op]++
	if q := b.errs[op]; len(q) > 0 {
		b.errs[op] = q[1:]
		return q[0]
	}
	return nil
}

func (b *Backend) ListFolders(_ context.Context, _, parentID string) ([]mail.Folder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("ListFolders"); err != nil {
		return nil, err
	}
	return append([]mail.Folder(nil), b.folders[parentID]...), nil
}

func (b *Backend) GetWellKnownFolder(_ context.Context, _, name string) (*mail.Folder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("GetWellKnownFolder"); err != nil {
		return nil, err
	}
	if !strings.EqualFold(name, InboxID) {
		return nil, &mail.APIError{StatusCode: http.StatusNotFound, Message: name}
	}
	return &mail.Folder{ID: InboxID, Name: "Inbox"}, nil
}

func (b *Backend) CreateFolder(_ context.Context, _, parentID, name string) (*mail.Folder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("CreateFolder"); err != nil {
		return nil, err
	}
	if parentID == "" && b.DenyRootCreate {
		return nil, &mail.APIError{StatusCode: http.StatusForbidden, Code: "ErrorAccessDenied"}
	}
	for _, f := range b.folders[parentID] {
		if strings.EqualFold(f.Name, name) {
			return nil, &mail.APIError{StatusCode: http.StatusConflict, Code: "ErrorFolderExists"}
		}
	}
	b.nextID++
	f := mail.Folder{ID: fmt.Sprintf("folder-%d", b.nextID), Name: name, ParentID: parentID}
	b.folders[parentID] = append(b.folders[parentID], f)
	return &f, nil
}

func (b *Backend) ListMessages(_ context.Context, _, folderID string, q mail.ListQuery) ([]mail.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("ListMessages"); err != nil {
		return nil, err
	}
	b.lastList = q

	var out []mail.Message
	for _, m := range b.messages[folderID] {
		if q.UnreadOnly && (m.IsRead || b.read[m.ID]) {
			continue
		}
		if !q.ReceivedAfter.IsZero() && m.ReceivedAt.Before(q.ReceivedAfter) {
			continue
		}
		m.Body = ""
		m.Attachments = nil
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if q.Top > 0 && len(out) > q.Top {
		out = out[:q.Top]
	}
	return out, nil
}

func (b *Backend) find(id string) (string, int, bool) {
	for folder, msgs := range b.messages {
		for i, m := range msgs {
			if m.ID == id {
				return folder, i, true
			}
		}
	}
	return "", 0, false
}

func (b *Backend) GetMessage(_ context.Context, _, id string) (*mail.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("GetMessage"); err != nil {
		return nil, err
	}
	folder, i, ok := b.find(id)
	if !ok {
		return nil, &mail.APIError{StatusCode: http.StatusNotFound, Code: "ErrorItemNotFound"}
	}
	m := b.messages[folder][i]
	m.IsRead = m.IsRead || b.read[id]
	return &m, nil
}

func (b *Backend) MarkRead(_ context.Context, _, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("MarkRead"); err != nil {
		return err
	}
	if _, _, ok := b.find(id); !ok {
		return &mail.APIError{StatusCode: http.StatusNotFound, Code: "ErrorItemNotFound"}
	}
	b.read[id] = true
	return nil
}

func (b *Backend) Move(_ context.Context, _, id, dest string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("Move"); err != nil {
		return "", err
	}
	folder, i, ok := b.find(id)
	if !ok {
		return "", &mail.APIError{StatusCode: http.StatusNotFound, Code: "ErrorItemNotFound"}
	}
	m := b.messages[folder][i]
	b.messages[folder] = append(b.messages[folder][:i:i], b.messages[folder][i+1:]...)

	newID := id
	if b.RenameOnMove {
		newID = id + "-moved"
		b.read[newID] = b.read[id]
	}
	m.ID = newID
	b.messages[dest] = append(b.messages[dest], m)
	b.moves = append(b.moves, Move{ID: id, Dest: dest, NewID: newID})
	return newID, nil
}

func (b *Backend) Send(_ context.Context, _ string, msg mail.OutgoingMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("Send"); err != nil {
		return err
	}
	b.sent = append(b.sent, msg)
	return nil
}

func (b *Backend) Me(context.Context) (*mail.UserInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("Me"); err != nil {
		return nil, err
	}
	p := b.profile
	return &p, nil
}
