package event

import (
	"encoding/json"
	"fmt"
	"net/url"

	slackapi "github.com/slack-go/slack"
)

// ActionCloseConversation is the action id of the close button posted in
// conversation threads.
const ActionCloseConversation = "close_conversation"

// ParseInteraction parses the form body of a Slack interactivity request.
func ParseInteraction(form url.Values) (Event, error) {
	raw := form.Get("payload")
	if raw == "" {
		return nil, fmt.Errorf("event: parse interaction: missing payload")
	}
	var cb slackapi.InteractionCallback
	if err := json.Unmarshal([]byte(raw), &cb); err != nil {
		return nil, fmt.Errorf("event: parse interaction: %w", err)
	}

	if cb.Type == slackapi.InteractionTypeBlockActions {
		for _, a := range cb.ActionCallback.BlockActions {
			if a == nil || a.ActionID != ActionCloseConversation {
				continue
			}
			channelID := cb.Container.ChannelID
			if channelID == "" {
				channelID = cb.Channel.ID
			}
			return CloseConversationAction{
				TeamID:         cb.Team.ID,
				UserID:         cb.User.ID,
				ChannelID:      channelID,
				MessageTS:      cb.Container.MessageTs,
				ConversationID: a.Value,
			}, nil
		}
	}
	return Unknown{Source: "slack", Type: string(cb.Type), Raw: json.RawMessage(raw)}, nil
}
