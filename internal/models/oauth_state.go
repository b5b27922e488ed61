package models

import "time"

// OAuthState is a single-use token binding an OAuth redirect to the
// organization that started it.
type OAuthState struct {
	Token          string    `gorm:"primaryKey;size:64"`
	OrganizationID string    `gorm:"size:36;not null;index"`
	CreatedBy      string    `gorm:"size:64"`
	CreatedAt      time.Time `gorm:"index"`
}
