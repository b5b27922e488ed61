package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/zulandar/switchyard/internal/event"
	"github.com/zulandar/switchyard/internal/fault"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/queue"
	"github.com/zulandar/switchyard/internal/store"
)

// HandleZendeskEvent relays a ticket comment into its Slack thread, or
// closes the conversation when the ticket is solved or closed.
func (e *Engine) HandleZendeskEvent(ctx context.Context, ev event.Event, conn event.Connection) error {
	switch ev := ev.(type) {
	case event.TicketCommentAdded:
		return e.relayComment(ctx, ev, conn)
	case event.TicketStatusChanged:
		return e.relayStatus(ctx, ev, conn)
	}
	return fault.Errorf(fault.Invalid, "syncer: zendesk event", "unexpected event %T", ev)
}

// ticketConversation finds the conversation of a ticket. Tickets the relay
// did not open come back nil.
func (e *Engine) ticketConversation(ctx context.Context, op, orgID string, ticketID int64) (*models.Conversation, *models.Channel, error) {
	conv, err := e.store.ConversationByTicket(ctx, orgID, ticketID)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(e.out, "%s: ignore, ticket %d has no conversation [org=%s]\n", op, ticketID, orgID)
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fault.New(fault.Downstream, op, err)
	}
	ch, err := e.store.ChannelByID(ctx, conv.ChannelID)
	if err != nil {
		return nil, nil, fault.New(fault.Downstream, op, err)
	}
	return conv, ch, nil
}

func (e *Engine) relayComment(ctx context.Context, ev event.TicketCommentAdded, conn event.Connection) error {
	const op = "syncer: zendesk comment"
	if !ev.Public {
		return nil
	}
	if strings.HasPrefix(ev.AuthorExternalID, e.namespace+"-") {
		// Written by the relay on behalf of a Slack author.
		return nil
	}
	org, err := e.organization(ctx, op, conn.OrganizationID)
	if err != nil {
		return err
	}
	conv, ch, err := e.ticketConversation(ctx, op, org.ID, ev.TicketID)
	if err != nil || conv == nil {
		return err
	}
	seen, err := e.store.HasMessage(ctx, conv.ID, models.PlatformZendesk, ev.CommentID)
	if err != nil {
		return fault.New(fault.Downstream, op, err)
	}
	if seen {
		fmt.Fprintf(e.out, "%s: replay, comment %s already relayed [org=%s ticket=%d]\n", op, ev.CommentID, org.ID, ev.TicketID)
		return nil
	}

	sc, _, err := e.conns.SlackClient(ctx, org.ID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(ev.Body) != "" {
		author := ev.AuthorName
		if author == "" {
			author = "Support"
		}
		// chat.postMessage takes no idempotency key: a failure between this
		// post and the record below re-posts the reply on redelivery.
		if _, err := sc.PostReply(ctx, ch.SlackChannelID, conv.SlackParentMessageID, author, ev.Body); err != nil {
			return err
		}
	}
	for i, a := range ev.Attachments {
		if a.ContentURL == "" {
			continue
		}
		job := FileJob{
			Direction:      DirectionToSlack,
			OrganizationID: org.ID,
			ConversationID: conv.ID,
			TicketID:       ev.TicketID,
			SourceID:       fmt.Sprintf("%s-%d", ev.CommentID, i),
			Name:           a.FileName,
			ContentType:    a.ContentType,
			URL:            a.ContentURL,
			Size:           a.Size,
		}
		if err := e.publish(ctx, queue.TopicFileUploads, job, job.DedupKey()); err != nil {
			return err
		}
	}
	if err := e.record(ctx, conv.ID, models.PlatformZendesk, ev.CommentID, ev.AuthorExternalID); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s: → thread %s [org=%s ticket=%d comment=%s]\n", op, conv.SlackParentMessageID, org.ID, ev.TicketID, ev.CommentID)
	return nil
}

func (e *Engine) relayStatus(ctx context.Context, ev event.TicketStatusChanged, conn event.Connection) error {
	const op = "syncer: zendesk status"
	if !ev.Closed() {
		return nil
	}
	org, err := e.organization(ctx, op, conn.OrganizationID)
	if err != nil {
		return err
	}
	conv, ch, err := e.ticketConversation(ctx, op, org.ID, ev.TicketID)
	if err != nil || conv == nil {
		return err
	}
	if conv.Status == models.ConversationClosed {
		return nil
	}
	if err := e.store.SetConversationStatus(ctx, conv.ID, models.ConversationClosed); err != nil {
		return fault.New(fault.Downstream, op, err)
	}
	fmt.Fprintf(e.out, "%s: conversation %s closed, ticket %d %s [org=%s]\n", op, conv.ID, ev.TicketID, ev.Status, org.ID)

	sc, _, err := e.conns.SlackClient(ctx, org.ID)
	if err != nil {
		log.Printf("%s: closed notice: %v [org=%s ticket=%d]", op, err, org.ID, ev.TicketID)
		return nil
	}
	notice := fmt.Sprintf("Ticket #%d was marked %s.", ev.TicketID, ev.Status)
	if _, err := sc.PostNotice(ctx, ch.SlackChannelID, conv.SlackParentMessageID, notice); err != nil {
		log.Printf("%s: closed notice: %v [org=%s ticket=%d]", op, err, org.ID, ev.TicketID)
	}
	return nil
}
