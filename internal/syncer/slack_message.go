package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/event"
	"github.com/zulandar/switchyard/internal/fault"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/queue"
	"github.com/zulandar/switchyard/internal/relay/slack"
	"github.com/zulandar/switchyard/internal/relay/zendesk"
	"github.com/zulandar/switchyard/internal/store"
)

// subjectLen caps ticket subjects taken from message text.
const subjectLen = 80

// ExternalID is the Zendesk external id of a Slack author in a channel.
func (e *Engine) ExternalID(channelID, userID string) string {
	return e.namespace + "-" + channelID + ":" + userID
}

// IdempotencyKey is the key every Zendesk mutation for a Slack message
// carries, so a redelivered message never creates a second ticket or
// comment.
func IdempotencyKey(channelID, ts string) string {
	return channelID + ts
}

// HandleSlackMessage relays one Slack message to Zendesk:
//  1. Replays of an already relayed message → no-op
//  2. Thread reply → comment on the thread's ticket
//  3. Root within the same-sender window → comment on the open ticket
//  4. Any other root → new ticket and conversation
//
// Files on the message are queued as separate jobs once the ticket is known.
func (e *Engine) HandleSlackMessage(ctx context.Context, msg event.Message, conn event.Connection) error {
	const op = "syncer: slack message"
	if msg.ChannelID == "" || msg.UserID == "" || msg.TS == "" {
		log.Printf("%s: drop malformed message [org=%s ch=%s ts=%s]", op, conn.OrganizationID, msg.ChannelID, msg.TS)
		return nil
	}
	org, err := e.organization(ctx, op, conn.OrganizationID)
	if err != nil {
		return err
	}
	if org.SubscriptionStatus == models.SubscriptionCanceled {
		fmt.Fprintf(e.out, "%s: skip, subscription canceled [org=%s ch=%s ts=%s]\n", op, org.ID, msg.ChannelID, msg.TS)
		return nil
	}

	ch, err := e.store.EnsureChannel(ctx, org.ID, msg.ChannelID, models.ChannelTypeFromSlack(msg.ChannelType))
	if err != nil {
		return fault.New(fault.Downstream, op, err)
	}
	if _, err := e.store.ConversationByMessage(ctx, ch.ID, models.PlatformSlack, msg.TS); err == nil {
		fmt.Fprintf(e.out, "%s: replay, already relayed [org=%s ch=%s ts=%s]\n", op, org.ID, msg.ChannelID, msg.TS)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fault.New(fault.Downstream, op, err)
	}

	zd, _, err := e.conns.ZendeskClient(ctx, org.ID)
	if err != nil {
		return err
	}
	sc, _, err := e.conns.SlackClient(ctx, org.ID)
	if err != nil {
		return err
	}

	author := e.authorName(ctx, sc, msg.UserID)
	requesterID, err := zd.CreateOrUpdateUser(ctx, zendesk.User{
		Name:       author,
		ExternalID: e.ExternalID(msg.ChannelID, msg.UserID),
	})
	if err != nil {
		return err
	}

	r := &relayed{
		msg:         msg,
		org:         org,
		channel:     ch,
		zd:          zd,
		sc:          sc,
		author:      author,
		requesterID: requesterID,
		key:         IdempotencyKey(msg.ChannelID, msg.TS),
	}
	var conv *models.Conversation
	if msg.IsReply() {
		conv, err = e.relayReply(ctx, r)
	} else {
		conv, err = e.relayRoot(ctx, r)
	}
	if err != nil {
		return err
	}

	for _, f := range msg.Files {
		job := FileJob{
			Direction:      DirectionToZendesk,
			OrganizationID: org.ID,
			ConversationID: conv.ID,
			TicketID:       conv.ZendeskTicketID,
			SourceID:       f.ID,
			AuthorID:       requesterID,
			Name:           f.Name,
			ContentType:    f.Mimetype,
			URL:            f.DownloadURL,
			Size:           int64(f.Size),
		}
		if err := e.publish(ctx, queue.TopicFileUploads, job, job.DedupKey()); err != nil {
			return err
		}
	}

	if err := e.record(ctx, conv.ID, models.PlatformSlack, msg.TS, msg.UserID); err != nil {
		return err
	}
	return nil
}

// relayed carries what every step of one Slack message relay needs.
type relayed struct {
	msg         event.Message
	org         *models.Organization
	channel     *models.Channel
	zd          *zendesk.Client
	sc          *slack.Client
	author      string
	requesterID int64
	key         string
}

func (r *relayed) comment() zendesk.Comment {
	body := r.msg.Text
	if strings.TrimSpace(body) == "" && len(r.msg.Files) > 0 {
		body = fmt.Sprintf("%s shared %d file(s) in Slack.", r.author, len(r.msg.Files))
	}
	return zendesk.Comment{Body: body, AuthorID: r.requesterID, Public: true}
}

func (e *Engine) relayReply(ctx context.Context, r *relayed) (*models.Conversation, error) {
	const op = "syncer: slack reply"
	conv, err := e.store.ConversationByParent(ctx, r.channel.ID, r.msg.ThreadTS)
	if errors.Is(err, store.ErrNotFound) {
		// Replies to a root that was merged into an earlier conversation.
		conv, err = e.store.ConversationByMessage(ctx, r.channel.ID, models.PlatformSlack, r.msg.ThreadTS)
	}
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("%s: error: no conversation for thread [org=%s ch=%s thread=%s ts=%s]",
			op, r.org.ID, r.msg.ChannelID, r.msg.ThreadTS, r.msg.TS)
		return nil, fault.New(fault.Mapping, op, err)
	}
	if err != nil {
		return nil, fault.New(fault.Downstream, op, err)
	}
	if err := r.zd.AddComment(ctx, conv.ZendeskTicketID, r.comment(), r.key); err != nil {
		return nil, err
	}
	fmt.Fprintf(e.out, "%s: → ticket %d [org=%s ch=%s ts=%s]\n", op, conv.ZendeskTicketID, r.org.ID, r.msg.ChannelID, r.msg.TS)
	return conv, nil
}

func (e *Engine) relayRoot(ctx context.Context, r *relayed) (*models.Conversation, error) {
	const op = "syncer: slack root"
	at := slack.ParseTimestamp(r.msg.TS)

	// A previous delivery got as far as storing the conversation.
	if conv, err := e.store.ConversationByParent(ctx, r.channel.ID, r.msg.TS); err == nil {
		return conv, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fault.New(fault.Downstream, op, err)
	}

	if e.window > 0 {
		conv, err := e.store.OpenConversationForAuthor(ctx, r.channel.ID, r.msg.UserID, at, e.window)
		if err == nil {
			if err := r.zd.AddComment(ctx, conv.ZendeskTicketID, r.comment(), r.key); err != nil {
				return nil, err
			}
			if err := e.store.TouchConversation(ctx, conv.ID, at); err != nil {
				return nil, fault.New(fault.Downstream, op, err)
			}
			fmt.Fprintf(e.out, "%s: → merged into ticket %d [org=%s ch=%s ts=%s]\n", op, conv.ZendeskTicketID, r.org.ID, r.msg.ChannelID, r.msg.TS)
			return conv, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fault.New(fault.Downstream, op, err)
		}
	}

	convID := store.NewID()
	ticketID, err := r.zd.CreateTicket(ctx, zendesk.NewTicket{
		Subject:     subject(r.msg.Text, r.author),
		Comment:     r.comment(),
		RequesterID: r.requesterID,
		ExternalID:  convID,
		Tags:        []string{e.namespace},
	}, r.key)
	if err != nil {
		return nil, err
	}

	conv := &models.Conversation{
		ID:                   convID,
		ChannelID:            r.channel.ID,
		ZendeskTicketID:      ticketID,
		SlackParentMessageID: r.msg.TS,
		SlackAuthorID:        r.msg.UserID,
		Status:               models.ConversationOpen,
		LastMessageAt:        at,
	}
	if err := e.store.CreateConversation(ctx, conv); err != nil {
		if !db.IsUniqueViolation(err) {
			return nil, fault.New(fault.Downstream, op, err)
		}
		return e.adoptExisting(ctx, r, ticketID)
	}
	fmt.Fprintf(e.out, "%s: → new ticket %d [org=%s ch=%s ts=%s conv=%s]\n", op, ticketID, r.org.ID, r.msg.ChannelID, r.msg.TS, conv.ID)

	if _, err := r.sc.PostTicketOpened(ctx, r.msg.ChannelID, r.msg.TS, ticketID, conv.ID); err != nil {
		log.Printf("%s: post ticket notice: %v [org=%s ch=%s ticket=%d]", op, err, r.org.ID, r.msg.ChannelID, ticketID)
	}
	return conv, nil
}

// adoptExisting resolves a conversation insert that lost a race: the
// conversation already exists, so the message becomes a comment on it
// unless the winner already holds this very ticket.
func (e *Engine) adoptExisting(ctx context.Context, r *relayed, ticketID int64) (*models.Conversation, error) {
	const op = "syncer: slack root"
	conv, err := e.store.ConversationByParent(ctx, r.channel.ID, r.msg.TS)
	if errors.Is(err, store.ErrNotFound) {
		conv, err = e.store.ConversationByTicket(ctx, r.org.ID, ticketID)
	}
	if err != nil {
		return nil, fault.New(fault.Downstream, op+": reload conversation", err)
	}
	if conv.ZendeskTicketID == ticketID {
		return conv, nil
	}
	if err := r.zd.AddComment(ctx, conv.ZendeskTicketID, r.comment(), r.key); err != nil {
		return nil, err
	}
	fmt.Fprintf(e.out, "%s: → existing ticket %d after insert race [org=%s ch=%s ts=%s]\n", op, conv.ZendeskTicketID, r.org.ID, r.msg.ChannelID, r.msg.TS)
	return conv, nil
}

// authorName resolves a display name for ticket requesters. A failed
// lookup falls back to the user id.
func (e *Engine) authorName(ctx context.Context, sc *slack.Client, userID string) string {
	u, err := sc.UserInfo(ctx, userID)
	if err != nil {
		log.Printf("syncer: user info %s: %v", userID, err)
		return userID
	}
	return u.Name
}

// subject derives a ticket subject from the first line of text.
func subject(text, author string) string {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(text), "\n", 2)[0])
	if line == "" {
		return "Slack message from " + author
	}
	if utf8.RuneCountInString(line) > subjectLen {
		runes := []rune(line)
		line = strings.TrimSpace(string(runes[:subjectLen-3])) + "..."
	}
	return line
}
