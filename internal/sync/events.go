package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/helpdesk-mailsync/internal/mail"
	"github.com/Martian-dev/helpdesk-mailsync/internal/store"
)

// Event types written to the outbox
const (
	EventTicketCreated = "ticket.created"
	EventTicketReplied = "ticket.replied"
)

// TicketEvent is the payload published when mail produced or touched a
// ticket
type TicketEvent struct {
	EventID        string `json:"event_id"`
	Type           string `json:"type"`
	OccurredAt     int64  `json:"ts"`
	WorkspaceID    int64  `json:"workspace_id"`
	MailboxID      int64  `json:"mailbox_connection_id"`
	TicketID       int64  `json:"ticket_id"`
	EmailID        string `json:"provider_message_id"`
	ConversationID string `json:"provider_thread_id"`
	Subject        string `json:"subject"`
	Sender         string `json:"sender"`
	ReceivedAt     int64  `json:"msg_date"`
}

// EventSubject is the NATS subject of an event type in a workspace
func EventSubject(workspaceID int64, eventType string) string {
	return fmt.Sprintf("mail.%d.%s", workspaceID, eventType)
}

// enqueueEvent writes the event into the outbox inside tx. The provider
// message id makes the msg id stable so a re-published row is deduplicated
// by the stream.
func enqueueEvent(ctx context.Context, st *store.Store, tx sqlx.ExtContext, run *Run, eventType string, ticketID int64, msg *mail.Message) error {
	ev := TicketEvent{
		EventID:        uuid.NewString(),
		Type:           eventType,
		OccurredAt:     time.Now().Unix(),
		WorkspaceID:    run.Target.WorkspaceID,
		MailboxID:      run.Target.MailboxID,
		TicketID:       ticketID,
		EmailID:        msg.ID,
		ConversationID: msg.ConversationID,
		Subject:        msg.Subject,
		Sender:         msg.From.Email,
		ReceivedAt:     msg.ReceivedAt.Unix(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return st.EnqueueOutbox(ctx, tx, store.OutboxMessage{
		Subject:   EventSubject(ev.WorkspaceID, eventType),
		EventType: eventType,
		Payload:   payload,
		MsgID:     fmt.Sprintf("%s|%s|%s", eventType, run.Account.Provider, msg.ID),
	})
}
