package syncer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/switchyard/internal/event"
	"github.com/zulandar/switchyard/internal/fault"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/testutil"
)

func TestChannel_BotJoinLeaveRename(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.slack.AddChannel("C9", "billing-help", true)

	// Someone else joining is not recorded.
	if err := h.dispatch(t, event.MemberJoinedChannel{ChannelID: "C9", UserID: "U1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.Channel(ctx, h.tenant.Org.ID, "C9"); err == nil {
		t.Fatal("human join created a channel row")
	}

	if err := h.dispatch(t, event.MemberJoinedChannel{ChannelID: "C9", UserID: "UBOTT1"}); err != nil {
		t.Fatal(err)
	}
	ch, err := h.store.Channel(ctx, h.tenant.Org.ID, "C9")
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	if ch.Name != "billing-help" || ch.Type != models.ChannelPrivate || !ch.IsMember {
		t.Errorf("channel = %+v", ch)
	}

	if err := h.dispatch(t, event.ChannelRename{ChannelID: "C9", Name: "billing"}); err != nil {
		t.Fatal(err)
	}
	if err := h.dispatch(t, event.ChannelLeft{ChannelID: "C9"}); err != nil {
		t.Fatal(err)
	}
	ch, _ = h.store.Channel(ctx, h.tenant.Org.ID, "C9")
	if ch.Name != "billing" || ch.IsMember {
		t.Errorf("after rename and leave = %+v", ch)
	}
}

func TestChannel_NoOrganization(t *testing.T) {
	h := newHarness(t)
	err := h.engine.Dispatch(context.Background(), event.ChannelLeft{ChannelID: "C1"}, event.Connection{})
	if !fault.Is(err, fault.Config) {
		t.Errorf("err = %v, want Config", err)
	}
}

func TestHome_Publishes(t *testing.T) {
	h := newHarness(t)
	if err := h.dispatch(t, event.AppHomeOpened{UserID: "U1", Tab: "home"}); err != nil {
		t.Fatal(err)
	}
	if err := h.dispatch(t, event.AppHomeOpened{UserID: "U2", Tab: "messages"}); err != nil {
		t.Fatal(err)
	}
	views := h.slack.Views()
	if len(views) != 1 || views[0] != "U1" {
		t.Errorf("views = %v, want [U1]", views)
	}
}

func TestAction_ClosesConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.openTicket(t)

	action := event.CloseConversationAction{TeamID: "T1", UserID: "U2", ChannelID: "C1", ConversationID: conv.ID}
	if err := h.dispatch(t, action); err != nil {
		t.Fatal(err)
	}
	got, _ := h.store.ConversationByID(ctx, conv.ID)
	if got.Status != models.ConversationClosed {
		t.Errorf("status = %s", got.Status)
	}
	posts := h.slack.Posts()
	last := posts[len(posts)-1]
	if !strings.Contains(last.Text, "<@U2>") || last.ThreadTS != conv.SlackParentMessageID {
		t.Errorf("notice = %+v", last)
	}

	// A new root from the same author opens a fresh ticket.
	h.send(t, message("C1", "U1", ts(time.Minute), "", "one more thing"))
	if got := len(h.zendesk.Tickets()); got != 2 {
		t.Errorf("tickets = %d, want 2", got)
	}
}

func TestAction_Rejects(t *testing.T) {
	h := newHarness(t)
	conv := h.openTicket(t)
	other := testutil.SeedTenant(t, h.store, testutil.NewVault(t), "T2")

	err := h.engine.Dispatch(context.Background(), event.CloseConversationAction{ConversationID: conv.ID},
		event.Connection{OrganizationID: other.Org.ID})
	if !fault.Is(err, fault.Invalid) {
		t.Errorf("other org: err = %v, want Invalid", err)
	}
	if err := h.dispatch(t, event.CloseConversationAction{ConversationID: "missing"}); !fault.Is(err, fault.Invalid) {
		t.Errorf("missing: err = %v, want Invalid", err)
	}
}

func TestLifecycle_Uninstall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// User-token revocations leave the bot alone.
	if err := h.dispatch(t, event.TokensRevoked{OAuth: []string{"U1"}}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.conns.SlackClient(ctx, h.tenant.Org.ID); err != nil {
		t.Fatalf("client after user revoke: %v", err)
	}

	if err := h.dispatch(t, event.AppUninstalled{Envelope: event.Envelope{TeamID: "T1"}}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.conns.SlackClient(ctx, h.tenant.Org.ID); !fault.Is(err, fault.Config) {
		t.Errorf("client after uninstall: err = %v, want Config", err)
	}

	// Messages queued afterwards wait for a reinstall.
	err := h.engine.HandleSlackMessage(ctx, message("C1", "U1", ts(0), "", "hello?"), h.conn)
	if !fault.IsRetryable(err) {
		t.Errorf("message after uninstall: err = %v, want retryable", err)
	}
}

func TestLifecycle_BotTokenRevokedUsesConnectionTeam(t *testing.T) {
	h := newHarness(t)
	if err := h.dispatch(t, event.TokensRevoked{Bot: []string{"UBOTT1"}}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.conns.SlackClient(context.Background(), h.tenant.Org.ID); !fault.Is(err, fault.Config) {
		t.Errorf("err = %v, want Config", err)
	}
}
