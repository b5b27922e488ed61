package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/zulandar/switchyard/internal/event"
	"github.com/zulandar/switchyard/internal/fault"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/relay/slack"
	"github.com/zulandar/switchyard/internal/store"
)

// HandleChannel keeps the Channel rows in step with the bot's membership:
// joins record the channel's details, leaves and renames update them.
func (e *Engine) HandleChannel(ctx context.Context, ev event.Event, conn event.Connection) error {
	const op = "syncer: channel"
	if conn.OrganizationID == "" {
		return fault.Errorf(fault.Config, op, "event carries no organization")
	}
	switch ev := ev.(type) {
	case event.MemberJoinedChannel:
		sc, sconn, err := e.conns.SlackClient(ctx, conn.OrganizationID)
		if err != nil {
			return err
		}
		if ev.UserID != sconn.BotUserID {
			return nil
		}
		info, err := sc.ChannelInfo(ctx, ev.ChannelID)
		if err != nil {
			return err
		}
		ch := &models.Channel{
			OrganizationID: conn.OrganizationID,
			SlackChannelID: ev.ChannelID,
			Name:           info.Name,
			IsMember:       true,
			IsShared:       info.IsShared,
			Type:           info.Type,
		}
		if err := e.store.UpsertChannel(ctx, ch); err != nil {
			return fault.New(fault.Downstream, op, err)
		}
		fmt.Fprintf(e.out, "%s: joined #%s (%s) [org=%s ch=%s]\n", op, ch.Name, ch.Type, conn.OrganizationID, ev.ChannelID)
		return nil

	case event.ChannelLeft:
		if err := e.store.SetChannelMembership(ctx, conn.OrganizationID, ev.ChannelID, false); err != nil {
			return fault.New(fault.Downstream, op, err)
		}
		fmt.Fprintf(e.out, "%s: left [org=%s ch=%s]\n", op, conn.OrganizationID, ev.ChannelID)
		return nil

	case event.ChannelRename:
		if err := e.store.RenameChannel(ctx, conn.OrganizationID, ev.ChannelID, ev.Name); err != nil {
			return fault.New(fault.Downstream, op, err)
		}
		return nil
	}
	return fault.Errorf(fault.Invalid, op, "unexpected event %T", ev)
}

// HandleHome publishes the App Home tab with the organization's
// connection status.
func (e *Engine) HandleHome(ctx context.Context, ev event.Event, conn event.Connection) error {
	const op = "syncer: home"
	home, ok := ev.(event.AppHomeOpened)
	if !ok {
		return fault.Errorf(fault.Invalid, op, "unexpected event %T", ev)
	}
	if home.Tab != "" && home.Tab != "home" {
		return nil
	}
	sum, err := e.conns.Connections(ctx, conn.OrganizationID)
	if err != nil {
		return err
	}
	sc, _, err := e.conns.SlackClient(ctx, conn.OrganizationID)
	if err != nil {
		return err
	}
	status := slack.HomeStatus{
		Plan:         sum.Plan,
		Subscription: sum.SubscriptionStatus,
	}
	if sum.Slack != nil {
		status.TeamName = sum.Slack.TeamName
		status.SlackActive = sum.Slack.Status == models.ConnectionActive
	}
	if sum.Zendesk != nil {
		status.ZendeskDomain = sum.Zendesk.Domain
		status.ZendeskActive = sum.Zendesk.Status == models.ConnectionActive
	}
	return sc.PublishHome(ctx, home.UserID, status)
}

// HandleAction closes a conversation from the button in its thread.
func (e *Engine) HandleAction(ctx context.Context, ev event.Event, conn event.Connection) error {
	const op = "syncer: close conversation"
	action, ok := ev.(event.CloseConversationAction)
	if !ok {
		return fault.Errorf(fault.Invalid, op, "unexpected event %T", ev)
	}
	conv, err := e.store.ConversationByID(ctx, action.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return fault.New(fault.Invalid, op, err)
	}
	if err != nil {
		return fault.New(fault.Downstream, op, err)
	}
	ch, err := e.store.ChannelByID(ctx, conv.ChannelID)
	if err != nil {
		return fault.New(fault.Downstream, op, err)
	}
	if ch.OrganizationID != conn.OrganizationID {
		return fault.Errorf(fault.Invalid, op, "conversation %s belongs to another organization", conv.ID)
	}
	if conv.Status == models.ConversationClosed {
		return nil
	}
	if err := e.store.SetConversationStatus(ctx, conv.ID, models.ConversationClosed); err != nil {
		return fault.New(fault.Downstream, op, err)
	}
	fmt.Fprintf(e.out, "%s: %s closed by %s [org=%s ticket=%d]\n", op, conv.ID, action.UserID, conn.OrganizationID, conv.ZendeskTicketID)

	sc, _, err := e.conns.SlackClient(ctx, conn.OrganizationID)
	if err != nil {
		log.Printf("%s: notice: %v [org=%s]", op, err, conn.OrganizationID)
		return nil
	}
	notice := fmt.Sprintf("Conversation closed by <@%s>. Ticket #%d stays open in Zendesk.", action.UserID, conv.ZendeskTicketID)
	if _, err := sc.PostNotice(ctx, ch.SlackChannelID, conv.SlackParentMessageID, notice); err != nil {
		log.Printf("%s: notice: %v [org=%s]", op, err, conn.OrganizationID)
	}
	return nil
}

// HandleLifecycle marks a workspace's connection revoked when the app is
// uninstalled or its bot token is revoked.
func (e *Engine) HandleLifecycle(ctx context.Context, ev event.Event, conn event.Connection) error {
	const op = "syncer: lifecycle"
	var teamID string
	switch ev := ev.(type) {
	case event.AppUninstalled:
		teamID = ev.TeamID
	case event.TokensRevoked:
		if len(ev.Bot) == 0 {
			// Only user tokens went away; the bot keeps working.
			return nil
		}
		teamID = ev.TeamID
	default:
		return fault.Errorf(fault.Invalid, op, "unexpected event %T", ev)
	}
	if teamID == "" {
		teamID = conn.SlackTeamID
	}
	if teamID == "" {
		return fault.Errorf(fault.Invalid, op, "%s without team", ev.Kind())
	}
	if err := e.conns.RevokeSlack(ctx, teamID); err != nil {
		return fault.New(fault.Downstream, op, err)
	}
	fmt.Fprintf(e.out, "%s: %s, team %s revoked [org=%s]\n", op, ev.Kind(), teamID, conn.OrganizationID)
	return nil
}

// BillingEvent is the payload of the billing-events topic.
type BillingEvent struct {
	OrganizationID string `json:"organizationId"`
	Plan           string `json:"plan,omitempty"`
	Status         string `json:"status"`
}

// Validate reports a malformed billing event as invalid input.
func (b BillingEvent) Validate() error {
	if b.OrganizationID == "" {
		return fault.Errorf(fault.Invalid, "syncer: billing", "organizationId is required")
	}
	switch b.Status {
	case models.SubscriptionActive, models.SubscriptionPastDue, models.SubscriptionCanceled:
		return nil
	}
	return fault.Errorf(fault.Invalid, "syncer: billing", "unknown subscription status %q", b.Status)
}

// HandleBilling records a plan or subscription change.
func (e *Engine) HandleBilling(ctx context.Context, ev BillingEvent) error {
	const op = "syncer: billing"
	if err := ev.Validate(); err != nil {
		return err
	}
	err := e.store.UpdateSubscription(ctx, ev.OrganizationID, ev.Plan, ev.Status)
	if errors.Is(err, store.ErrNotFound) {
		return fault.New(fault.Invalid, op, err)
	}
	if err != nil {
		return fault.New(fault.Downstream, op, err)
	}
	fmt.Fprintf(e.out, "%s: subscription %s plan=%q [org=%s]\n", op, ev.Status, ev.Plan, ev.OrganizationID)
	return nil
}
