package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/helpdesk-mailsync/internal/mail"
	"github.com/Martian-dev/helpdesk-mailsync/internal/mail/mailtest"
)

func TestAttachmentsAreRecorded(t *testing.T) {
	f := newFixture(t, Config{})
	b, configID := f.addMailbox(t, "support@x.com")
	run := f.run(t, configID)
	ctx := context.Background()

	first := f.message("m1", "c1", "ann@customer.com", "Printer broken")
	first.HasAttachments = true
	first.Attachments = []mail.Attachment{
		{ID: "att-1", Name: "photo.jpg", ContentType: "image/jpeg", Size: 40960},
		{ID: "att-2", Name: "logo.png", ContentType: "image/png", Size: 512, Inline: true},
	}
	b.AddMessage(mailtest.InboxID, first)
	outcome, err := f.pipeline.Process(ctx, run, first)
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, outcome)

	reply := f.message("m2", "c1", "ann@customer.com", "RE: Printer broken")
	reply.HasAttachments = true
	reply.Attachments = []mail.Attachment{{ID: "att-3", Name: "error.log", ContentType: "text/plain", Size: 77}}
	b.AddMessage(mailtest.InboxID, reply)
	outcome, err = f.pipeline.Process(ctx, run, reply)
	require.NoError(t, err)
	require.Equal(t, OutcomeReplied, outcome)

	mapping, err := f.st.FindMapping(ctx, "m1")
	require.NoError(t, err)
	comments, err := f.tickets.Comments(ctx, mapping.TicketID)
	require.NoError(t, err)
	require.Len(t, comments, 1)

	atts, err := f.tickets.Attachments(ctx, mapping.TicketID)
	require.NoError(t, err)
	require.Len(t, atts, 3)

	assert.Equal(t, "att-1", atts[0].ProviderID)
	assert.Equal(t, "photo.jpg", atts[0].FileName)
	assert.Equal(t, "image/jpeg", atts[0].ContentType)
	assert.Equal(t, int64(40960), atts[0].FileSize)
	assert.Nil(t, atts[0].CommentID)
	assert.True(t, atts[1].Inline)
	assert.Nil(t, atts[1].CommentID)

	assert.Equal(t, "error.log", atts[2].FileName)
	require.NotNil(t, atts[2].CommentID)
	assert.Equal(t, comments[0].ID, *atts[2].CommentID)
}

func TestDuplicateDeliveryStoresAttachmentsOnce(t *testing.T) {
	f := newFixture(t, Config{})
	b, configID := f.addMailbox(t, "support@x.com")
	run := f.run(t, configID)
	ctx := context.Background()

	msg := f.message("m1", "c1", "ann@customer.com", "Printer broken")
	msg.Attachments = []mail.Attachment{{ID: "att-1", Name: "photo.jpg", ContentType: "image/jpeg", Size: 10}}
	b.AddMessage(mailtest.InboxID, msg)

	for i := 0; i < 2; i++ {
		_, err := f.pipeline.Process(ctx, run, msg)
		require.NoError(t, err)
	}

	mapping, err := f.st.FindMapping(ctx, "m1")
	require.NoError(t, err)
	atts, err := f.tickets.Attachments(ctx, mapping.TicketID)
	require.NoError(t, err)
	assert.Len(t, atts, 1)
}
