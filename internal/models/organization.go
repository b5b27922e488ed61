package models

import "time"

// Subscription statuses carried on Organization.
const (
	SubscriptionActive   = "active"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

// Organization is the tenant root. Every connection, channel and
// conversation hangs off one organization and is deleted with it.
type Organization struct {
	ID                 string `gorm:"primaryKey;size:36"`
	Name               string `gorm:"size:128;not null"`
	Plan               string `gorm:"size:32;default:free"`
	SubscriptionStatus string `gorm:"size:16;default:active"`
	CreatedAt          time.Time
	UpdatedAt          time.Time

	SlackConnection   *SlackConnection   `gorm:"foreignKey:OrganizationID;constraint:OnDelete:CASCADE"`
	ZendeskConnection *ZendeskConnection `gorm:"foreignKey:OrganizationID;constraint:OnDelete:CASCADE"`
	Channels          []Channel          `gorm:"foreignKey:OrganizationID;constraint:OnDelete:CASCADE"`
	OAuthStates       []OAuthState       `gorm:"foreignKey:OrganizationID;constraint:OnDelete:CASCADE"`
}
