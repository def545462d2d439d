package sync

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/helpdesk-mailsync/internal/mail"
	"github.com/Martian-dev/helpdesk-mailsync/internal/models"
	"github.com/Martian-dev/helpdesk-mailsync/internal/store"
	"github.com/Martian-dev/helpdesk-mailsync/internal/tickets"
)

// Outcome is what the pipeline did with one message
type Outcome string

const (
	// OutcomeSkipped means the message was already ingested or vanished
	OutcomeSkipped Outcome = "skipped"
	// OutcomeIgnored means a system notification or self-sent message
	OutcomeIgnored Outcome = "ignored"
	// OutcomeReplied means the message was added to an existing ticket
	OutcomeReplied Outcome = "replied"
	// OutcomeCreated means a new ticket was created
	OutcomeCreated Outcome = "created"
	// OutcomeDuplicate means a concurrent run ingested it first
	OutcomeDuplicate Outcome = "duplicate"
)

// notificationPatterns mark subjects of mail the helpdesk sent itself
var notificationPatterns = []string{
	"new ticket #",
	"ticket #",
	"new response to your ticket #",
	"[id:",
	"has been assigned",
}

var ticketRef = regexp.MustCompile(`(?i)\[ID:(\d+)\]`)

var ingestOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mailsync_ingest_outcomes_total",
	Help: "Messages handled by the ingest pipeline by outcome",
}, []string{"outcome"})

// Mailer is the part of the provider client sync uses
type Mailer interface {
	ResolveFolderID(ctx context.Context, acct mail.Account, name string) (string, error)
	EnsureFolder(ctx context.Context, acct mail.Account, name string) (string, error)
	ListMessages(ctx context.Context, acct mail.Account, folderID string, q mail.ListQuery) ([]mail.Message, error)
	GetMessageContent(ctx context.Context, acct mail.Account, id string) (*mail.Message, error)
	MarkRead(ctx context.Context, acct mail.Account, id string) error
	Move(ctx context.Context, acct mail.Account, id, destFolderID string) (string, error)
}

// TicketCreator persists tickets and replies. Writes join the caller's
// transaction so a lost ingestion race discards them.
type TicketCreator interface {
	FindOrCreateUser(ctx context.Context, q sqlx.ExtContext, workspaceID int64, email, name string) (int64, error)
	CreateTicketFromEmail(ctx context.Context, q sqlx.ExtContext, t tickets.NewTicket) (int64, error)
	AddComment(ctx context.Context, q sqlx.ExtContext, ticketID int64, c tickets.NewComment) (int64, error)
	AddAttachments(ctx context.Context, q sqlx.ExtContext, ticketID int64, commentID *int64, atts []tickets.NewAttachment) error
	Get(ctx context.Context, id int64) (*tickets.Ticket, error)
}

// Run is the context of one sync run shared by every message in it
type Run struct {
	Account           mail.Account
	Target            *models.SyncTarget
	ProcessedFolderID string
}

// Pipeline turns one inbound message into a ticket or a reply, exactly once
type Pipeline struct {
	store         *store.Store
	mail          Mailer
	tickets       TicketCreator
	systemDomains []string
	logger        zerolog.Logger
}

// NewPipeline creates an ingest pipeline. Senders whose address contains one
// of systemDomains are treated as the helpdesk itself.
func NewPipeline(st *store.Store, m Mailer, tc TicketCreator, systemDomains []string, logger zerolog.Logger) *Pipeline {
	domains := make([]string, 0, len(systemDomains))
	for _, d := range systemDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			domains = append(domains, d)
		}
	}
	return &Pipeline{
		store:         st,
		mail:          m,
		tickets:       tc,
		systemDomains: domains,
		logger:        logger.With().Str("component", "ingest").Logger(),
	}
}

// Process ingests msg, a listing entry of the run's folder
func (p *Pipeline) Process(ctx context.Context, run *Run, msg mail.Message) (Outcome, error) {
	outcome, err := p.process(ctx, run, msg)
	if err == nil {
		ingestOutcomes.WithLabelValues(string(outcome)).Inc()
	}
	return outcome, err
}

func (p *Pipeline) process(ctx context.Context, run *Run, msg mail.Message) (Outcome, error) {
	if msg.ID == "" {
		return "", errors.New("message has no id")
	}
	log := p.logger.With().Int64("sync_config_id", run.Target.ID).Str("email_id", msg.ID).Logger()

	_, err := p.store.FindMapping(ctx, msg.ID)
	if err == nil {
		return OutcomeSkipped, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	full, err := p.mail.GetMessageContent(ctx, run.Account, msg.ID)
	if errors.Is(err, mail.ErrNotFound) {
		log.Info().Msg("message disappeared before it could be read")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	if full.ID == "" {
		full.ID = msg.ID
	}
	full.From.Email = strings.ToLower(strings.TrimSpace(full.From.Email))

	if reason := p.ignoreReason(run, full); reason != "" {
		log.Info().Str("sender", full.From.Email).Str("reason", reason).Msg("ignoring message")
		p.finish(ctx, run, full.ID, false)
		return OutcomeIgnored, nil
	}

	ticketID, ok, err := p.threadTicket(ctx, run, full)
	if err != nil {
		return "", err
	}
	if ok {
		outcome, err := p.reply(ctx, run, full, ticketID)
		if err != nil || outcome == OutcomeDuplicate {
			return outcome, err
		}
		log.Info().Int64("ticket_id", ticketID).Msg("reply added to ticket")
		p.finish(ctx, run, full.ID, true)
		return outcome, nil
	}

	outcome, ticketID, err := p.create(ctx, run, full)
	if err != nil || outcome == OutcomeDuplicate {
		return outcome, err
	}
	log.Info().Int64("ticket_id", ticketID).Msg("ticket created from message")
	p.finish(ctx, run, full.ID, true)
	return outcome, nil
}

// ignoreReason reports why msg must not become a ticket, or ""
func (p *Pipeline) ignoreReason(run *Run, msg *mail.Message) string {
	sender := msg.From.Email
	mailbox := strings.ToLower(run.Account.Mailbox)
	switch {
	case sender == "":
		return "no sender"
	case sender == mailbox:
		return "self"
	case strings.Contains(sender, "microsoftexchange"):
		return "exchange"
	}

	subject := strings.ToLower(msg.Subject)
	for _, d := range p.systemDomains {
		if !strings.Contains(sender, d) {
			continue
		}
		for _, pattern := range notificationPatterns {
			if strings.Contains(subject, pattern) {
				return "notification"
			}
		}
	}
	return ""
}

// threadTicket finds the ticket msg replies to: first by conversation, then
// by an [ID:n] token in the subject. Tickets of other workspaces never match.
func (p *Pipeline) threadTicket(ctx context.Context, run *Run, msg *mail.Message) (int64, bool, error) {
	var ticketID int64
	m, err := p.store.MappingByConversation(ctx, msg.ConversationID)
	switch {
	case err == nil:
		ticketID = m.TicketID
	case !errors.Is(err, store.ErrNotFound):
		return 0, false, err
	}

	if ticketID == 0 {
		match := ticketRef.FindStringSubmatch(msg.Subject)
		if match == nil {
			return 0, false, nil
		}
		ref, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return 0, false, nil
		}
		if _, err := p.store.MappingByTicket(ctx, ref); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return 0, false, nil
			}
			return 0, false, err
		}
		ticketID = ref
	}

	t, err := p.tickets.Get(ctx, ticketID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if t.WorkspaceID != run.Target.WorkspaceID {
		p.logger.Warn().Int64("ticket_id", ticketID).Int64("workspace_id", run.Target.WorkspaceID).Msg("thread points at another workspace")
		return 0, false, nil
	}
	return ticketID, true, nil
}

func (p *Pipeline) reply(ctx context.Context, run *Run, msg *mail.Message, ticketID int64) (Outcome, error) {
	err := p.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := p.store.InsertMapping(ctx, tx, mappingFor(msg, ticketID)); err != nil {
			return err
		}
		userID, err := p.tickets.FindOrCreateUser(ctx, tx, run.Target.WorkspaceID, msg.From.Email, msg.From.Name)
		if err != nil {
			return err
		}
		commentID, err := p.tickets.AddComment(ctx, tx, ticketID, tickets.NewComment{UserID: userID, BodyHTML: bodyHTML(msg)})
		if err != nil {
			return err
		}
		if err := p.tickets.AddAttachments(ctx, tx, ticketID, &commentID, attachmentsOf(msg)); err != nil {
			return err
		}
		return enqueueEvent(ctx, p.store, tx, run, EventTicketReplied, ticketID, msg)
	})
	if errors.Is(err, store.ErrDuplicateIngestion) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("add reply to ticket %d: %w", ticketID, err)
	}
	return OutcomeReplied, nil
}

func (p *Pipeline) create(ctx context.Context, run *Run, msg *mail.Message) (Outcome, int64, error) {
	var ticketID int64
	err := p.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		userID, err := p.tickets.FindOrCreateUser(ctx, tx, run.Target.WorkspaceID, msg.From.Email, msg.From.Name)
		if err != nil {
			return err
		}
		ticketID, err = p.tickets.CreateTicketFromEmail(ctx, tx, tickets.NewTicket{
			WorkspaceID:    run.Target.WorkspaceID,
			UserID:         userID,
			MailboxID:      run.Target.MailboxID,
			Subject:        msg.Subject,
			BodyHTML:       bodyHTML(msg),
			Priority:       run.Target.DefaultPriority,
			ConversationID: msg.ConversationID,
		})
		if err != nil {
			return err
		}
		if err := p.tickets.AddAttachments(ctx, tx, ticketID, nil, attachmentsOf(msg)); err != nil {
			return err
		}
		if err := p.store.InsertMapping(ctx, tx, mappingFor(msg, ticketID)); err != nil {
			return err
		}
		return enqueueEvent(ctx, p.store, tx, run, EventTicketCreated, ticketID, msg)
	})
	if errors.Is(err, store.ErrDuplicateIngestion) {
		return OutcomeDuplicate, 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("create ticket: %w", err)
	}
	return OutcomeCreated, ticketID, nil
}

func attachmentsOf(msg *mail.Message) []tickets.NewAttachment {
	out := make([]tickets.NewAttachment, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		out = append(out, tickets.NewAttachment{
			ProviderID:  a.ID,
			FileName:    a.Name,
			ContentType: a.ContentType,
			Size:        a.Size,
			Inline:      a.Inline,
		})
	}
	return out
}

// finish marks the message read and files it away. Failures are logged
// only: the mapping already prevents a second ingestion.
func (p *Pipeline) finish(ctx context.Context, run *Run, id string, mapped bool) {
	log := p.logger.With().Int64("sync_config_id", run.Target.ID).Str("email_id", id).Logger()
	if err := p.mail.MarkRead(ctx, run.Account, id); err != nil {
		log.Warn().Err(err).Msg("failed to mark message read")
	}
	if run.ProcessedFolderID == "" {
		return
	}
	newID, err := p.mail.Move(ctx, run.Account, id, run.ProcessedFolderID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to move message to processed folder")
		return
	}
	if mapped && newID != id {
		if err := p.store.SetCurrentEmailID(ctx, id, newID); err != nil {
			log.Warn().Err(err).Str("new_id", newID).Msg("failed to record moved message id")
		}
	}
}

func mappingFor(msg *mail.Message, ticketID int64) *models.EmailTicketMapping {
	sender := msg.From.Email
	if msg.From.Name != "" {
		sender = fmt.Sprintf("%s <%s>", msg.From.Name, msg.From.Email)
	}
	return &models.EmailTicketMapping{
		EmailID:        msg.ID,
		ConversationID: msg.ConversationID,
		TicketID:       ticketID,
		Subject:        msg.Subject,
		Sender:         sender,
		ReceivedAt:     msg.ReceivedAt.Unix(),
		IsProcessed:    true,
	}
}

func bodyHTML(msg *mail.Message) string {
	switch {
	case msg.BodyIsHTML && strings.TrimSpace(msg.Body) != "":
		return msg.Body
	case strings.TrimSpace(msg.Body) != "":
		return tickets.TextToHTML(msg.Body)
	case msg.Preview != "":
		return "<p>" + html.EscapeString(msg.Preview) + "</p>"
	}
	return ""
}
