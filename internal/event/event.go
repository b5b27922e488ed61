// Package event turns inbound webhook bodies into typed events and routes
// them to handlers by kind.
package event

import "encoding/json"

// Kind is the closed set of event kinds the relay understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindURLVerification
	KindMessage
	KindBotMessage
	KindMessageChanged
	KindMessageDeleted
	KindMessageIgnored
	KindMemberJoinedChannel
	KindChannelLeft
	KindChannelRename
	KindAppUninstalled
	KindTokensRevoked
	KindAppHomeOpened
	KindTicketCommentAdded
	KindTicketStatusChanged
	KindCloseConversation
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindURLVerification:     "url_verification",
	KindMessage:             "message",
	KindBotMessage:          "bot_message",
	KindMessageChanged:      "message_changed",
	KindMessageDeleted:      "message_deleted",
	KindMessageIgnored:      "message_ignored",
	KindMemberJoinedChannel: "member_joined_channel",
	KindChannelLeft:         "channel_left",
	KindChannelRename:       "channel_rename",
	KindAppUninstalled:      "app_uninstalled",
	KindTokensRevoked:       "tokens_revoked",
	KindAppHomeOpened:       "app_home_opened",
	KindTicketCommentAdded:  "ticket_comment_added",
	KindTicketStatusChanged: "ticket_status_changed",
	KindCloseConversation:   "close_conversation",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is a parsed inbound event.
type Event interface {
	Kind() Kind
}

// Connection identifies the tenant an event belongs to. The server fills it
// in after authentication.
type Connection struct {
	OrganizationID string
	SlackTeamID    string
}

// Envelope carries the Slack Events API callback fields shared by every
// Slack event.
type Envelope struct {
	TeamID    string
	APIAppID  string
	EventID   string
	EventTime int64
}

// Team returns the workspace id.
func (e Envelope) Team() string { return e.TeamID }

// Callback returns the envelope itself.
func (e Envelope) Callback() Envelope { return e }

// Enveloped is implemented by events delivered through the Events API.
type Enveloped interface {
	Callback() Envelope
}

// Teamed is implemented by events that name a Slack workspace.
type Teamed interface {
	Team() string
}

// URLVerification is Slack's endpoint handshake.
type URLVerification struct {
	Challenge string
}

func (URLVerification) Kind() Kind { return KindURLVerification }

// File is a Slack file attached to a message.
type File struct {
	ID          string
	Name        string
	Mimetype    string
	Size        int
	DownloadURL string
}

// Message is a Slack channel message. Subtype is kept so callers can tell a
// file share or broadcast reply from a plain message.
type Message struct {
	Envelope
	Subtype     string
	ChannelID   string
	ChannelType string
	UserID      string
	BotID       string
	Text        string
	TS          string
	ThreadTS    string
	Files       []File

	kind Kind
}

func (m Message) Kind() Kind {
	if m.kind == 0 {
		return KindMessage
	}
	return m.kind
}

// IsReply reports whether the message is a thread reply rather than a root.
func (m Message) IsReply() bool {
	return m.ThreadTS != "" && m.ThreadTS != m.TS
}

// MemberJoinedChannel reports a user, possibly the bot, joining a channel.
type MemberJoinedChannel struct {
	Envelope
	ChannelID   string
	ChannelType string
	UserID      string
}

func (MemberJoinedChannel) Kind() Kind { return KindMemberJoinedChannel }

// ChannelLeft reports the bot leaving a channel.
type ChannelLeft struct {
	Envelope
	ChannelID string
}

func (ChannelLeft) Kind() Kind { return KindChannelLeft }

// ChannelRename reports a channel name change.
type ChannelRename struct {
	Envelope
	ChannelID string
	Name      string
}

func (ChannelRename) Kind() Kind { return KindChannelRename }

// AppUninstalled reports the app being removed from a workspace.
type AppUninstalled struct {
	Envelope
}

func (AppUninstalled) Kind() Kind { return KindAppUninstalled }

// TokensRevoked reports revoked OAuth or bot tokens.
type TokensRevoked struct {
	Envelope
	OAuth []string
	Bot   []string
}

func (TokensRevoked) Kind() Kind { return KindTokensRevoked }

// AppHomeOpened reports a user opening the app's Home tab.
type AppHomeOpened struct {
	Envelope
	UserID string
	Tab    string
}

func (AppHomeOpened) Kind() Kind { return KindAppHomeOpened }

// Attachment is a file on a Zendesk comment.
type Attachment struct {
	FileName    string `json:"file_name"`
	ContentURL  string `json:"content_url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// TicketCommentAdded reports a new comment on a Zendesk ticket.
type TicketCommentAdded struct {
	TicketID         int64
	CommentID        string
	AuthorExternalID string
	AuthorName       string
	Body             string
	Public           bool
	Attachments      []Attachment
}

func (TicketCommentAdded) Kind() Kind { return KindTicketCommentAdded }

// TicketStatusChanged reports a ticket status transition.
type TicketStatusChanged struct {
	TicketID int64
	Status   string
}

func (TicketStatusChanged) Kind() Kind { return KindTicketStatusChanged }

// Closed reports whether the new status ends the conversation.
func (e TicketStatusChanged) Closed() bool {
	return e.Status == "solved" || e.Status == "closed"
}

// CloseConversationAction is the Slack block action that closes a
// conversation from its thread.
type CloseConversationAction struct {
	TeamID         string
	UserID         string
	ChannelID      string
	MessageTS      string
	ConversationID string
}

func (CloseConversationAction) Kind() Kind { return KindCloseConversation }

// Team returns the workspace id.
func (a CloseConversationAction) Team() string { return a.TeamID }

// Unknown is any event the relay does not handle.
type Unknown struct {
	Source string
	Type   string
	Raw    json.RawMessage
}

func (Unknown) Kind() Kind { return KindUnknown }
