package event

import (
	"encoding/json"
	"fmt"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// outer is the minimum needed to classify an Events API body before handing
// it to slackevents, which rejects inner types it does not know.
type outer struct {
	Type  string `json:"type"`
	Event struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
	} `json:"event"`
}

var knownInner = map[string]bool{
	string(slackevents.Message):             true,
	string(slackevents.MemberJoinedChannel): true,
	string(slackevents.ChannelLeft):         true,
	string(slackevents.ChannelRename):       true,
	string(slackevents.AppUninstalled):      true,
	string(slackevents.TokensRevoked):       true,
	string(slackevents.AppHomeOpened):       true,
}

// ParseSlack parses a Slack Events API request body. Malformed JSON is an
// error; well-formed events of types the relay ignores come back as Unknown.
func ParseSlack(body []byte) (Event, error) {
	var o outer
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, fmt.Errorf("event: parse slack: %w", err)
	}

	switch o.Type {
	case slackevents.URLVerification:
		var v slackevents.EventsAPIURLVerificationEvent
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("event: parse slack url_verification: %w", err)
		}
		return URLVerification{Challenge: v.Challenge}, nil
	case slackevents.CallbackEvent:
	default:
		return Unknown{Source: "slack", Type: o.Type, Raw: body}, nil
	}

	if !knownInner[o.Event.Type] {
		return Unknown{Source: "slack", Type: o.Event.Type, Raw: body}, nil
	}

	parsed, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return nil, fmt.Errorf("event: parse slack %s: %w", o.Event.Type, err)
	}
	cb, ok := parsed.Data.(*slackevents.EventsAPICallbackEvent)
	if !ok {
		return nil, fmt.Errorf("event: parse slack: unexpected outer payload %T", parsed.Data)
	}
	env := Envelope{
		TeamID:    cb.TeamID,
		APIAppID:  cb.APIAppID,
		EventID:   cb.EventID,
		EventTime: int64(cb.EventTime),
	}

	switch ev := parsed.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		return messageFrom(env, ev), nil
	case *slackevents.MemberJoinedChannelEvent:
		return MemberJoinedChannel{Envelope: env, ChannelID: ev.Channel, ChannelType: ev.ChannelType, UserID: ev.User}, nil
	case *slackevents.ChannelLeftEvent:
		return ChannelLeft{Envelope: env, ChannelID: ev.Channel}, nil
	case *slackevents.ChannelRenameEvent:
		return ChannelRename{Envelope: env, ChannelID: ev.Channel.ID, Name: ev.Channel.Name}, nil
	case *slackevents.AppUninstalledEvent:
		return AppUninstalled{Envelope: env}, nil
	case *slackevents.TokensRevokedEvent:
		return TokensRevoked{Envelope: env, OAuth: ev.Tokens.Oauth, Bot: ev.Tokens.Bot}, nil
	case *slackevents.AppHomeOpenedEvent:
		return AppHomeOpened{Envelope: env, UserID: ev.User, Tab: ev.Tab}, nil
	}
	return Unknown{Source: "slack", Type: o.Event.Type, Raw: body}, nil
}

// messageFrom classifies a message event. The subtype decides first, then a
// bot id marks messages posted by any app, including this one.
func messageFrom(env Envelope, ev *slackevents.MessageEvent) Message {
	m := Message{
		Envelope:    env,
		Subtype:     ev.SubType,
		ChannelID:   ev.Channel,
		ChannelType: ev.ChannelType,
		UserID:      ev.User,
		BotID:       ev.BotID,
		Text:        ev.Text,
		TS:          ev.TimeStamp,
		ThreadTS:    ev.ThreadTimeStamp,
	}
	if ev.Message != nil {
		if m.BotID == "" {
			m.BotID = ev.Message.BotID
		}
		for _, f := range ev.Message.Files {
			m.Files = append(m.Files, File{
				ID:          f.ID,
				Name:        f.Name,
				Mimetype:    f.Mimetype,
				Size:        f.Size,
				DownloadURL: f.URLPrivateDownload,
			})
		}
	}

	switch ev.SubType {
	case "", slackapi.MsgSubTypeFileShare, slackapi.MsgSubTypeThreadBroadcast:
		m.kind = KindMessage
	case slackapi.MsgSubTypeBotMessage:
		m.kind = KindBotMessage
	case slackapi.MsgSubTypeMessageChanged:
		m.kind = KindMessageChanged
	case slackapi.MsgSubTypeMessageDeleted:
		m.kind = KindMessageDeleted
	default:
		m.kind = KindMessageIgnored
	}
	if m.kind == KindMessage && m.BotID != "" {
		m.kind = KindBotMessage
	}
	return m
}
