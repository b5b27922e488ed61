package models

import "time"

// Conversation statuses.
const (
	ConversationOpen   = "OPEN"
	ConversationClosed = "CLOSED"
)

// Message platforms.
const (
	PlatformSlack   = "slack"
	PlatformZendesk = "zendesk"
)

// Conversation correlates a Slack thread root with a Zendesk ticket. Both
// (ChannelID, ZendeskTicketID) and (ChannelID, SlackParentMessageID) are
// unique: one ticket per thread, one thread per ticket.
type Conversation struct {
	ID                   string    `gorm:"primaryKey;size:36"`
	ChannelID            string    `gorm:"size:36;not null;uniqueIndex:ux_conv_ticket,priority:1;uniqueIndex:ux_conv_parent,priority:1;index:idx_conv_author,priority:1"`
	ZendeskTicketID      int64     `gorm:"not null;uniqueIndex:ux_conv_ticket,priority:2"`
	SlackParentMessageID string    `gorm:"size:32;not null;uniqueIndex:ux_conv_parent,priority:2"`
	SlackAuthorID        string    `gorm:"size:32;index:idx_conv_author,priority:2"`
	Status               string    `gorm:"size:16;default:OPEN"`
	LastMessageAt        time.Time `gorm:"index"`
	CreatedAt            time.Time
	UpdatedAt            time.Time

	Messages []Message `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

// Message records one relayed message. The (ConversationID, Platform,
// PlatformMessageID) triple is unique so a replayed event cannot relay twice.
type Message struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID    string `gorm:"size:36;not null;uniqueIndex:ux_msg_platform,priority:1"`
	Platform          string `gorm:"size:16;not null;uniqueIndex:ux_msg_platform,priority:2"`
	PlatformMessageID string `gorm:"size:64;not null;uniqueIndex:ux_msg_platform,priority:3"`
	AuthorID          string `gorm:"size:64"`
	CreatedAt         time.Time
}
