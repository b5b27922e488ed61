package slack

import (
	"fmt"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/switchyard/internal/event"
)

// ticketBlocks renders the ticket-opened notice with a close button whose
// value is the conversation id.
func ticketBlocks(text, conversationID string) []slackapi.Block {
	button := slackapi.NewButtonBlockElement(
		event.ActionCloseConversation,
		conversationID,
		slackapi.NewTextBlockObject(slackapi.PlainTextType, "Close conversation", false, false),
	)
	return []slackapi.Block{
		slackapi.NewSectionBlock(slackapi.NewTextBlockObject(slackapi.MarkdownType, text, false, false), nil, nil),
		slackapi.NewActionBlock("conversation_actions", button),
	}
}

func homeBlocks(s HomeStatus) []slackapi.Block {
	mrkdwn := func(text string) *slackapi.TextBlockObject {
		return slackapi.NewTextBlockObject(slackapi.MarkdownType, text, false, false)
	}

	slackLine := ":red_circle: Slack is disconnected. Reinstall the app to resume relaying."
	if s.SlackActive {
		slackLine = fmt.Sprintf(":large_green_circle: Slack workspace *%s* is connected.", s.TeamName)
	}
	zendeskLine := ":white_circle: Zendesk is not connected yet."
	switch {
	case s.ZendeskDomain != "" && s.ZendeskActive:
		zendeskLine = fmt.Sprintf(":large_green_circle: Zendesk *%s.zendesk.com* is connected.", s.ZendeskDomain)
	case s.ZendeskDomain != "":
		zendeskLine = fmt.Sprintf(":red_circle: Zendesk *%s.zendesk.com* is disconnected.", s.ZendeskDomain)
	}

	blocks := []slackapi.Block{
		slackapi.NewHeaderBlock(slackapi.NewTextBlockObject(slackapi.PlainTextType, "Switchyard", false, false)),
		slackapi.NewSectionBlock(mrkdwn(slackLine), nil, nil),
		slackapi.NewSectionBlock(mrkdwn(zendeskLine), nil, nil),
		slackapi.NewDividerBlock(),
		slackapi.NewSectionBlock(mrkdwn("Messages posted in channels the app is a member of open Zendesk tickets. "+
			"Replies in the thread are added to the same ticket, and agent replies are posted back to the thread."), nil, nil),
	}
	if s.Plan != "" {
		blocks = append(blocks, slackapi.NewContextBlock("",
			mrkdwn(fmt.Sprintf("Plan: *%s* (%s)", s.Plan, s.Subscription))))
	}
	return blocks
}
