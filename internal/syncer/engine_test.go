package syncer

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/switchyard/internal/auth"
	"github.com/zulandar/switchyard/internal/connection"
	"github.com/zulandar/switchyard/internal/event"
	"github.com/zulandar/switchyard/internal/fault"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/queue"
	"github.com/zulandar/switchyard/internal/relay/slack"
	"github.com/zulandar/switchyard/internal/store"
	"github.com/zulandar/switchyard/internal/testutil"
)

// baseTS is the Slack timestamp of the first message in most tests.
const baseTS = 1700000000

type harness struct {
	engine  *Engine
	store   *store.Store
	conns   *connection.Service
	queue   *queue.Memory
	slack   *testutil.Slack
	zendesk *testutil.Zendesk
	tenant  *testutil.Tenant
	conn    event.Connection
	out     *bytes.Buffer
	clock   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   testutil.NewStore(t),
		slack:   testutil.NewSlack(t),
		zendesk: testutil.NewZendesk(t),
		out:     &bytes.Buffer{},
		clock:   time.Unix(baseTS, 0).UTC(),
	}
	v := testutil.NewVault(t)
	h.tenant = testutil.SeedTenant(t, h.store, v, "T1")
	h.conn = event.Connection{OrganizationID: h.tenant.Org.ID, SlackTeamID: "T1"}
	h.slack.AddUser("U1", "Dana", "dana@acme.test")
	h.slack.AddUser("U2", "Lee", "lee@acme.test")

	h.conns = connection.New(connection.Opts{
		Store:          h.store,
		Vault:          v,
		States:         auth.NewStateStore(h.store.DB()),
		OAuth:          slack.NewOAuth(slack.OAuthOpts{ClientID: "cid", ClientSecret: "secret", APIURL: h.slack.APIURL()}),
		PublicURL:      "https://relay.test",
		Out:            h.out,
		SlackAPIURL:    h.slack.APIURL(),
		ZendeskBaseURL: h.zendesk.URL(),
	})
	h.queue = queue.NewMemory(queue.MemoryOpts{
		Options: queue.Options{MaxRetry: 2, RetryDelay: -1},
		Now:     func() time.Time { return h.clock },
		Out:     h.out,
	})
	engine, err := New(Opts{
		Store:       h.store,
		Connections: h.conns,
		Publisher:   h.queue,
		Out:         h.out,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	engine.Register(h.queue)
	h.engine = engine
	return h
}

func ts(offset time.Duration) string {
	at := time.Unix(baseTS, 0).Add(offset)
	return fmt.Sprintf("%d.%06d", at.Unix(), at.Nanosecond()/1000)
}

func message(channel, user, msgTS, threadTS, text string) event.Message {
	return event.Message{
		Envelope:  event.Envelope{TeamID: "T1", EventID: "Ev" + msgTS},
		ChannelID: channel,
		UserID:    user,
		Text:      text,
		TS:        msgTS,
		ThreadTS:  threadTS,
	}
}

func (h *harness) send(t *testing.T, msg event.Message) {
	t.Helper()
	if err := h.engine.HandleSlackMessage(context.Background(), msg, h.conn); err != nil {
		t.Fatalf("HandleSlackMessage(%s): %v", msg.TS, err)
	}
}

func (h *harness) conversation(t *testing.T, channel, parentTS string) *models.Conversation {
	t.Helper()
	ctx := context.Background()
	ch, err := h.store.Channel(ctx, h.tenant.Org.ID, channel)
	if err != nil {
		t.Fatalf("channel %s: %v", channel, err)
	}
	conv, err := h.store.ConversationByParent(ctx, ch.ID, parentTS)
	if err != nil {
		t.Fatalf("conversation %s: %v", parentTS, err)
	}
	return conv
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Error("expected error without store")
	}
}

func TestIdempotencyKey(t *testing.T) {
	if got := IdempotencyKey("C1", "100.1"); got != "C1100.1" {
		t.Errorf("IdempotencyKey = %q, want C1100.1", got)
	}
}

func TestExternalID(t *testing.T) {
	e := &Engine{namespace: "switchyard"}
	if got := e.ExternalID("C1", "U1"); got != "switchyard-C1:U1" {
		t.Errorf("ExternalID = %q", got)
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		text, want string
	}{
		{"Printer is on fire\nsecond line", "Printer is on fire"},
		{"   ", "Slack message from Dana"},
		{strings.Repeat("x", 100), strings.Repeat("x", 77) + "..."},
	}
	for _, tt := range tests {
		if got := subject(tt.text, "Dana"); got != tt.want {
			t.Errorf("subject(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestHandleSlackMessage_CreatesTicket(t *testing.T) {
	h := newHarness(t)
	root := ts(0)
	h.send(t, message("C1", "U1", root, "", "Printer is on fire\nIt is the one by the door"))

	tickets := h.zendesk.Tickets()
	if len(tickets) != 1 {
		t.Fatalf("tickets = %d, want 1", len(tickets))
	}
	tk := tickets[0]
	if tk.Subject != "Printer is on fire" {
		t.Errorf("Subject = %q", tk.Subject)
	}
	user := h.zendesk.User("switchyard-C1:U1")
	if user == nil || user.Name != "Dana" || tk.RequesterID != user.ID {
		t.Errorf("requester = %+v, ticket requester %d", user, tk.RequesterID)
	}
	if keys := h.zendesk.IdempotencyKeys(); len(keys) != 1 || keys[0] != "C1"+root {
		t.Errorf("idempotency keys = %v, want [C1%s]", keys, root)
	}

	conv := h.conversation(t, "C1", root)
	if conv.ZendeskTicketID != tk.ID || conv.ID != tk.ExternalID {
		t.Errorf("conversation %+v does not match ticket %+v", conv, tk)
	}
	if conv.Status != models.ConversationOpen || conv.SlackAuthorID != "U1" {
		t.Errorf("conversation = %+v", conv)
	}
	if n, _ := h.store.MessageCount(context.Background(), conv.ID); n != 1 {
		t.Errorf("messages = %d, want 1", n)
	}

	posts := h.slack.Posts()
	if len(posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(posts))
	}
	if posts[0].Channel != "C1" || posts[0].ThreadTS != root {
		t.Errorf("notice posted to %s/%s", posts[0].Channel, posts[0].ThreadTS)
	}
	if !strings.Contains(posts[0].Blocks, event.ActionCloseConversation) || !strings.Contains(posts[0].Blocks, conv.ID) {
		t.Errorf("notice blocks lack close button: %s", posts[0].Blocks)
	}
}

func TestHandleSlackMessage_RecordsChannelType(t *testing.T) {
	h := newHarness(t)
	msg := message("D1", "U1", ts(0), "", "hello from a DM")
	msg.ChannelType = "im"
	h.send(t, msg)

	ch, err := h.store.Channel(context.Background(), h.tenant.Org.ID, "D1")
	if err != nil {
		t.Fatal(err)
	}
	if ch.Type != models.ChannelDM {
		t.Errorf("type = %s, want DM", ch.Type)
	}
}

func TestHandleSlackMessage_ReplayIsNoop(t *testing.T) {
	h := newHarness(t)
	msg := message("C1", "U1", ts(0), "", "hello")
	h.send(t, msg)
	h.send(t, msg)

	if n := h.zendesk.Calls("POST /api/v2/tickets.json"); n != 1 {
		t.Errorf("ticket creates = %d, want 1", n)
	}
	if got := len(h.zendesk.Tickets()[0].Comments); got != 1 {
		t.Errorf("comments = %d, want 1", got)
	}
	if got := len(h.slack.Posts()); got != 1 {
		t.Errorf("posts = %d, want 1", got)
	}
}

func TestHandleSlackMessage_ReplyAppends(t *testing.T) {
	h := newHarness(t)
	root := ts(0)
	reply := ts(100 * time.Millisecond)
	h.send(t, message("C1", "U1", root, "", "hello"))
	h.send(t, message("C1", "U2", reply, root, "me too"))

	tickets := h.zendesk.Tickets()
	if len(tickets) != 1 {
		t.Fatalf("tickets = %d, want 1", len(tickets))
	}
	comments := tickets[0].Comments
	if len(comments) != 2 || comments[1].Body != "me too" || !comments[1].Public {
		t.Fatalf("comments = %+v", comments)
	}
	if replier := h.zendesk.User("switchyard-C1:U2"); replier == nil || comments[1].AuthorID != replier.ID {
		t.Errorf("reply author = %d, want replier %+v", comments[1].AuthorID, replier)
	}
	keys := h.zendesk.IdempotencyKeys()
	if len(keys) != 2 || keys[1] != "C1"+reply {
		t.Errorf("keys = %v", keys)
	}
	conv := h.conversation(t, "C1", root)
	if n, _ := h.store.MessageCount(context.Background(), conv.ID); n != 2 {
		t.Errorf("messages = %d, want 2", n)
	}
}

func TestHandleSlackMessage_ReplyReplayIsNoop(t *testing.T) {
	h := newHarness(t)
	root := ts(0)
	reply := message("C1", "U2", ts(time.Second), root, "me too")
	h.send(t, message("C1", "U1", root, "", "hello"))
	h.send(t, reply)
	h.send(t, reply)

	if got := len(h.zendesk.Tickets()[0].Comments); got != 2 {
		t.Errorf("comments = %d, want 2", got)
	}
	keys := h.zendesk.IdempotencyKeys()
	if len(keys) != 2 || keys[0] != "C1"+root || keys[1] != "C1"+reply.TS {
		t.Errorf("keys = %v", keys)
	}
}

func TestHandleSlackMessage_ReplyRedeliveredAfterLostRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := ts(0)
	reply := message("C1", "U2", ts(time.Second), root, "me too")
	h.send(t, message("C1", "U1", root, "", "hello"))
	h.send(t, reply)

	// The comment reached Zendesk but the Message row was never written.
	if err := h.store.DB().Where("platform = ? AND platform_message_id = ?", models.PlatformSlack, reply.TS).
		Delete(&models.Message{}).Error; err != nil {
		t.Fatal(err)
	}
	h.send(t, reply)

	if got := len(h.zendesk.Tickets()[0].Comments); got != 2 {
		t.Errorf("comments = %d, want 2", got)
	}
	keys := h.zendesk.IdempotencyKeys()
	want := []string{"C1" + root, "C1" + reply.TS, "C1" + reply.TS}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("keys = %v, want %v", keys, want)
	}
	conv := h.conversation(t, "C1", root)
	if n, _ := h.store.MessageCount(ctx, conv.ID); n != 2 {
		t.Errorf("messages = %d, want 2", n)
	}
}

func TestHandleSlackMessage_ReplyToMergedRoot(t *testing.T) {
	h := newHarness(t)
	first := ts(0)
	second := ts(time.Minute)
	h.send(t, message("C1", "U1", first, "", "one"))
	h.send(t, message("C1", "U1", second, "", "two"))
	h.send(t, message("C1", "U2", ts(2*time.Minute), second, "reply to two"))

	tickets := h.zendesk.Tickets()
	if len(tickets) != 1 || len(tickets[0].Comments) != 3 {
		t.Fatalf("tickets = %+v, want one ticket with 3 comments", tickets)
	}
}

func TestHandleSlackMessage_UnknownThread(t *testing.T) {
	h := newHarness(t)
	err := h.engine.HandleSlackMessage(context.Background(), message("C1", "U1", ts(time.Second), ts(0), "orphan"), h.conn)
	if !fault.Is(err, fault.Mapping) {
		t.Fatalf("err = %v, want Mapping", err)
	}
	if !fault.IsRetryable(err) {
		t.Error("mapping fault should be retryable")
	}
	if len(h.zendesk.Tickets()) != 0 {
		t.Error("ticket created for orphan reply")
	}
}

func TestHandleSlackMessage_SameSenderWindow(t *testing.T) {
	tests := []struct {
		name        string
		user        string
		offset      time.Duration
		wantTickets int
	}{
		{"same author inside window", "U1", 10 * time.Minute, 1},
		{"same author just inside window", "U1", 29 * time.Minute, 1},
		{"same author after window", "U1", 31 * time.Minute, 2},
		{"other author inside window", "U2", time.Minute, 2},
		{"older root inside window", "U1", -10 * time.Minute, 1},
		{"older root delivered hours late", "U1", -2 * time.Hour, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.send(t, message("C1", "U1", ts(0), "", "first"))
			h.send(t, message("C1", tt.user, ts(tt.offset), "", "second"))
			if got := len(h.zendesk.Tickets()); got != tt.wantTickets {
				t.Errorf("tickets = %d, want %d", got, tt.wantTickets)
			}
		})
	}
}

func TestHandleSlackMessage_WindowBumpsLastMessage(t *testing.T) {
	h := newHarness(t)
	root := ts(0)
	h.send(t, message("C1", "U1", root, "", "a"))
	h.send(t, message("C1", "U1", ts(25*time.Minute), "", "b"))
	// 50 minutes after the first root but 25 after the merged one.
	h.send(t, message("C1", "U1", ts(50*time.Minute), "", "c"))

	if got := len(h.zendesk.Tickets()); got != 1 {
		t.Fatalf("tickets = %d, want 1", got)
	}
	conv := h.conversation(t, "C1", root)
	want := slack.ParseTimestamp(ts(50 * time.Minute))
	if !conv.LastMessageAt.Equal(want) {
		t.Errorf("LastMessageAt = %v, want %v", conv.LastMessageAt, want)
	}
}

func TestHandleSlackMessage_ClosedConversationNotMerged(t *testing.T) {
	h := newHarness(t)
	root := ts(0)
	h.send(t, message("C1", "U1", root, "", "a"))
	conv := h.conversation(t, "C1", root)
	if err := h.store.SetConversationStatus(context.Background(), conv.ID, models.ConversationClosed); err != nil {
		t.Fatal(err)
	}
	h.send(t, message("C1", "U1", ts(time.Minute), "", "b"))
	if got := len(h.zendesk.Tickets()); got != 2 {
		t.Errorf("tickets = %d, want 2", got)
	}
}

func TestHandleSlackMessage_CanceledOrganization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.UpdateSubscription(ctx, h.tenant.Org.ID, "", models.SubscriptionCanceled); err != nil {
		t.Fatal(err)
	}
	h.send(t, message("C1", "U1", ts(0), "", "hello"))
	if len(h.zendesk.Tickets()) != 0 {
		t.Error("ticket created for canceled organization")
	}
	if !strings.Contains(h.out.String(), "subscription canceled") {
		t.Errorf("skip not logged: %s", h.out.String())
	}
}

func TestHandleSlackMessage_MissingZendesk(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	org, _ := h.store.CreateOrganization(ctx, "Slack only")
	err := h.engine.HandleSlackMessage(ctx, message("C1", "U1", ts(0), "", "hi"), event.Connection{OrganizationID: org.ID})
	if !fault.Is(err, fault.Config) || !fault.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable Config", err)
	}
}

func TestHandleSlackMessage_ZendeskDown(t *testing.T) {
	h := newHarness(t)
	h.zendesk.FailNext("/api/v2/tickets.json", 503)
	msg := message("C1", "U1", ts(0), "", "hello")

	err := h.engine.HandleSlackMessage(context.Background(), msg, h.conn)
	if !fault.Is(err, fault.Downstream) {
		t.Fatalf("err = %v, want Downstream", err)
	}
	// The redelivery succeeds and creates exactly one ticket.
	h.send(t, msg)
	if got := len(h.zendesk.Tickets()); got != 1 {
		t.Errorf("tickets = %d, want 1", got)
	}
}

func TestHandleSlackMessage_InsertRaceSameTicket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ch, err := h.store.EnsureChannel(ctx, h.tenant.Org.ID, "C1", models.ChannelPublic)
	if err != nil {
		t.Fatal(err)
	}
	// The fake numbers the requester 1001 and the ticket 1002. A concurrent
	// delivery already stored a conversation for that ticket.
	winner := &models.Conversation{
		ID:                   store.NewID(),
		ChannelID:            ch.ID,
		ZendeskTicketID:      1002,
		SlackParentMessageID: "1600000000.000001",
		SlackAuthorID:        "U9",
		LastMessageAt:        time.Unix(1600000000, 0),
	}
	if err := h.store.CreateConversation(ctx, winner); err != nil {
		t.Fatal(err)
	}

	h.send(t, message("C1", "U1", ts(0), "", "hello"))

	if got := h.zendesk.Tickets(); len(got) != 1 || got[0].ID != 1002 || len(got[0].Comments) != 1 {
		t.Fatalf("tickets = %+v", got)
	}
	if n, _ := h.store.MessageCount(ctx, winner.ID); n != 1 {
		t.Errorf("winner messages = %d, want 1", n)
	}
}
