package models

import "time"

// Channel types.
const (
	ChannelPublic  = "PUBLIC"
	ChannelPrivate = "PRIVATE"
	ChannelDM      = "DM"
	ChannelGroupDM = "GROUP_DM"
)

// ChannelTypeFromSlack maps an Events API channel_type to a Channel type.
func ChannelTypeFromSlack(channelType string) string {
	switch channelType {
	case "im":
		return ChannelDM
	case "mpim":
		return ChannelGroupDM
	case "group", "private_channel":
		return ChannelPrivate
	default:
		return ChannelPublic
	}
}

// Channel is a Slack channel the bot has seen, keyed by
// (OrganizationID, SlackChannelID).
type Channel struct {
	ID             string `gorm:"primaryKey;size:36"`
	OrganizationID string `gorm:"size:36;not null;uniqueIndex:ux_channel_org_slack,priority:1"`
	SlackChannelID string `gorm:"size:32;not null;uniqueIndex:ux_channel_org_slack,priority:2"`
	Name           string `gorm:"size:128"`
	IsMember       bool   `gorm:"default:false"`
	IsShared       bool   `gorm:"default:false"`
	Type           string `gorm:"size:16;default:PUBLIC"`
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Conversations []Conversation `gorm:"foreignKey:ChannelID;constraint:OnDelete:CASCADE"`
}
