package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

// StateTTL is how long an issued OAuth state stays valid.
const StateTTL = 10 * time.Minute

var (
	// ErrStateNotFound is returned for an unknown or already used state.
	ErrStateNotFound = errors.New("auth: oauth state not found")
	// ErrStateExpired is returned for a state older than StateTTL.
	ErrStateExpired = errors.New("auth: oauth state expired")
)

// StateStore issues and consumes OAuth state tokens.
type StateStore struct {
	db *gorm.DB
}

// NewStateStore returns a StateStore over db.
func NewStateStore(db *gorm.DB) *StateStore {
	return &StateStore{db: db}
}

// Issue creates a state for orgID and returns its token.
func (s *StateStore) Issue(ctx context.Context, orgID, createdBy string) (string, error) {
	return s.IssueAt(ctx, orgID, createdBy, time.Now())
}

// IssueAt is Issue with an explicit creation time.
func (s *StateStore) IssueAt(ctx context.Context, orgID, createdBy string, now time.Time) (string, error) {
	if orgID == "" {
		return "", errors.New("auth: issue state: organization id is required")
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: issue state: %w", err)
	}
	st := models.OAuthState{
		Token:          base64.RawURLEncoding.EncodeToString(buf),
		OrganizationID: orgID,
		CreatedBy:      createdBy,
		CreatedAt:      now.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&st).Error; err != nil {
		return "", fmt.Errorf("auth: issue state: %w", err)
	}
	return st.Token, nil
}

// Validate consumes a state. The row is deleted whether or not it has
// expired, so a token can be presented at most once.
func (s *StateStore) Validate(ctx context.Context, token string, now time.Time) (*models.OAuthState, error) {
	if token == "" {
		return nil, ErrStateNotFound
	}
	var st models.OAuthState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&st, "token = ?", token).Error; err != nil {
			return err
		}
		result := tx.Delete(&models.OAuthState{}, "token = ?", token)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Consumed concurrently.
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auth: validate state: %w", err)
	}
	if now.Sub(st.CreatedAt) > StateTTL {
		return nil, ErrStateExpired
	}
	return &st, nil
}

// Purge deletes states older than StateTTL and returns how many it removed.
func (s *StateStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("created_at < ?", now.Add(-StateTTL).UTC()).Delete(&models.OAuthState{})
	if result.Error != nil {
		return 0, fmt.Errorf("auth: purge states: %w", result.Error)
	}
	return result.RowsAffected, nil
}
