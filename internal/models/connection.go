package models

import "time"

// Connection statuses. Connections are never hard-deleted; revocation flips
// the status so the audit trail survives.
const (
	ConnectionActive  = "ACTIVE"
	ConnectionRevoked = "REVOKED"
)

// SlackConnection is an organization's Slack workspace installation.
// AccessToken holds vault ciphertext, never the raw token.
type SlackConnection struct {
	ID             string `gorm:"primaryKey;size:36"`
	OrganizationID string `gorm:"size:36;not null;uniqueIndex"`
	TeamID         string `gorm:"size:32;not null;uniqueIndex"`
	TeamName       string `gorm:"size:128"`
	AccessToken    string `gorm:"type:text;not null" json:"-"`
	BotUserID      string `gorm:"size:32"`
	AppID          string `gorm:"size:32"`
	InstalledBy    string `gorm:"size:64"`
	Status         string `gorm:"size:16;default:ACTIVE;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ZendeskConnection is an organization's Zendesk account. APIKey holds vault
// ciphertext. WebhookToken is the bearer token Zendesk presents on inbound
// webhooks and identifies the organization.
type ZendeskConnection struct {
	ID             string `gorm:"primaryKey;size:36"`
	OrganizationID string `gorm:"size:36;not null;uniqueIndex"`
	Domain         string `gorm:"size:128;not null"`
	Email          string `gorm:"size:255;not null"`
	APIKey         string `gorm:"type:text;not null" json:"-"`
	WebhookToken   string `gorm:"size:64;not null;uniqueIndex" json:"-"`
	WebhookID      string `gorm:"size:64"`
	TriggerID      string `gorm:"size:64"`
	Status         string `gorm:"size:16;default:ACTIVE;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
