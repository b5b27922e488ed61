// Package store holds the queries behind connections, channels and
// conversations. Writes that can race are expressed as upserts or as
// inserts guarded by unique indexes; callers never lock.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps a GORM handle.
type Store struct {
	db *gorm.DB
}

// New returns a Store over db.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// NewID returns a fresh random row id.
func NewID() string {
	return uuid.NewString()
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
	}
	return fmt.Errorf("store: "+format+": %w", append(args, err)...)
}

// --- organizations ---

// CreateOrganization inserts a new organization.
func (s *Store) CreateOrganization(ctx context.Context, name string) (*models.Organization, error) {
	org := models.Organization{
		ID:                 NewID(),
		Name:               name,
		Plan:               "free",
		SubscriptionStatus: models.SubscriptionActive,
	}
	if err := s.db.WithContext(ctx).Create(&org).Error; err != nil {
		return nil, fmt.Errorf("store: create organization: %w", err)
	}
	return &org, nil
}

// Organization loads an organization by id.
func (s *Store) Organization(ctx context.Context, id string) (*models.Organization, error) {
	var org models.Organization
	if err := s.db.WithContext(ctx).First(&org, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "organization %s", id)
	}
	return &org, nil
}

// UpdateSubscription records a billing change.
func (s *Store) UpdateSubscription(ctx context.Context, orgID, plan, status string) error {
	updates := map[string]interface{}{"subscription_status": status}
	if plan != "" {
		updates["plan"] = plan
	}
	result := s.db.WithContext(ctx).Model(&models.Organization{}).Where("id = ?", orgID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("store: update subscription %s: %w", orgID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: organization %s", ErrNotFound, orgID)
	}
	return nil
}

// --- connections ---

// UpsertSlackConnection creates or re-authorizes an organization's Slack
// installation. The connection id of an existing row is preserved.
func (s *Store) UpsertSlackConnection(ctx context.Context, conn *models.SlackConnection) error {
	if conn.ID == "" {
		conn.ID = NewID()
	}
	if conn.Status == "" {
		conn.Status = models.ConnectionActive
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "organization_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"team_id", "team_name", "access_token", "bot_user_id", "app_id", "installed_by", "status", "updated_at",
		}),
	}).Create(conn)
	if result.Error != nil {
		return fmt.Errorf("store: upsert slack connection for %s: %w", conn.OrganizationID, result.Error)
	}
	stored, err := s.SlackConnectionByOrg(ctx, conn.OrganizationID)
	if err != nil {
		return err
	}
	*conn = *stored
	return nil
}

// SlackConnectionByOrg loads an organization's Slack connection.
func (s *Store) SlackConnectionByOrg(ctx context.Context, orgID string) (*models.SlackConnection, error) {
	var conn models.SlackConnection
	if err := s.db.WithContext(ctx).First(&conn, "organization_id = ?", orgID).Error; err != nil {
		return nil, notFound(err, "slack connection for organization %s", orgID)
	}
	return &conn, nil
}

// SlackConnectionByTeam loads the Slack connection for a workspace.
func (s *Store) SlackConnectionByTeam(ctx context.Context, teamID string) (*models.SlackConnection, error) {
	var conn models.SlackConnection
	if err := s.db.WithContext(ctx).First(&conn, "team_id = ?", teamID).Error; err != nil {
		return nil, notFound(err, "slack connection for team %s", teamID)
	}
	return &conn, nil
}

// SetSlackConnectionStatus flips a workspace connection's status.
func (s *Store) SetSlackConnectionStatus(ctx context.Context, teamID, status string) error {
	result := s.db.WithContext(ctx).Model(&models.SlackConnection{}).
		Where("team_id = ?", teamID).Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("store: set slack connection status %s: %w", teamID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: slack connection for team %s", ErrNotFound, teamID)
	}
	return nil
}

// UpsertZendeskConnection creates or replaces an organization's Zendesk
// credentials.
func (s *Store) UpsertZendeskConnection(ctx context.Context, conn *models.ZendeskConnection) error {
	if conn.ID == "" {
		conn.ID = NewID()
	}
	if conn.Status == "" {
		conn.Status = models.ConnectionActive
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "organization_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"domain", "email", "api_key", "webhook_token", "webhook_id", "trigger_id", "status", "updated_at",
		}),
	}).Create(conn)
	if result.Error != nil {
		return fmt.Errorf("store: upsert zendesk connection for %s: %w", conn.OrganizationID, result.Error)
	}
	stored, err := s.ZendeskConnectionByOrg(ctx, conn.OrganizationID)
	if err != nil {
		return err
	}
	*conn = *stored
	return nil
}

// ZendeskConnectionByOrg loads an organization's Zendesk connection.
func (s *Store) ZendeskConnectionByOrg(ctx context.Context, orgID string) (*models.ZendeskConnection, error) {
	var conn models.ZendeskConnection
	if err := s.db.WithContext(ctx).First(&conn, "organization_id = ?", orgID).Error; err != nil {
		return nil, notFound(err, "zendesk connection for organization %s", orgID)
	}
	return &conn, nil
}

// ZendeskConnectionByWebhookToken resolves an inbound webhook bearer token.
func (s *Store) ZendeskConnectionByWebhookToken(ctx context.Context, token string) (*models.ZendeskConnection, error) {
	var conn models.ZendeskConnection
	if err := s.db.WithContext(ctx).First(&conn, "webhook_token = ?", token).Error; err != nil {
		return nil, notFound(err, "zendesk webhook token")
	}
	return &conn, nil
}

// --- channels ---

// UpsertChannel creates or updates a channel by its natural key and loads
// the stored row into ch.
func (s *Store) UpsertChannel(ctx context.Context, ch *models.Channel) error {
	if ch.ID == "" {
		ch.ID = NewID()
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "organization_id"}, {Name: "slack_channel_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "is_member", "is_shared", "type", "updated_at"}),
	}).Create(ch)
	if result.Error != nil {
		return fmt.Errorf("store: upsert channel %s: %w", ch.SlackChannelID, result.Error)
	}
	stored, err := s.Channel(ctx, ch.OrganizationID, ch.SlackChannelID)
	if err != nil {
		return err
	}
	*ch = *stored
	return nil
}

// EnsureChannel returns the channel row for a Slack channel, inserting a
// minimal one of channelType when the channel has never been seen. An
// existing row keeps its stored type.
func (s *Store) EnsureChannel(ctx context.Context, orgID, slackChannelID, channelType string) (*models.Channel, error) {
	if channelType == "" {
		channelType = models.ChannelPublic
	}
	ch := models.Channel{
		ID:             NewID(),
		OrganizationID: orgID,
		SlackChannelID: slackChannelID,
		IsMember:       true,
		Type:           channelType,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&ch)
	if result.Error != nil {
		return nil, fmt.Errorf("store: ensure channel %s: %w", slackChannelID, result.Error)
	}
	return s.Channel(ctx, orgID, slackChannelID)
}

// Channel loads a channel by its natural key.
func (s *Store) Channel(ctx context.Context, orgID, slackChannelID string) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.WithContext(ctx).
		First(&ch, "organization_id = ? AND slack_channel_id = ?", orgID, slackChannelID).Error
	if err != nil {
		return nil, notFound(err, "channel %s", slackChannelID)
	}
	return &ch, nil
}

// ChannelByID loads a channel by row id.
func (s *Store) ChannelByID(ctx context.Context, id string) (*models.Channel, error) {
	var ch models.Channel
	if err := s.db.WithContext(ctx).First(&ch, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "channel row %s", id)
	}
	return &ch, nil
}

// SetChannelMembership records whether the bot is in a channel.
func (s *Store) SetChannelMembership(ctx context.Context, orgID, slackChannelID string, member bool) error {
	err := s.db.WithContext(ctx).Model(&models.Channel{}).
		Where("organization_id = ? AND slack_channel_id = ?", orgID, slackChannelID).
		Update("is_member", member).Error
	if err != nil {
		return fmt.Errorf("store: set membership %s: %w", slackChannelID, err)
	}
	return nil
}

// RenameChannel updates a channel's display name.
func (s *Store) RenameChannel(ctx context.Context, orgID, slackChannelID, name string) error {
	err := s.db.WithContext(ctx).Model(&models.Channel{}).
		Where("organization_id = ? AND slack_channel_id = ?", orgID, slackChannelID).
		Update("name", name).Error
	if err != nil {
		return fmt.Errorf("store: rename channel %s: %w", slackChannelID, err)
	}
	return nil
}

// --- conversations ---

// CreateConversation inserts a conversation. The raw error is returned so
// callers can detect a unique collision with db.IsUniqueViolation.
func (s *Store) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.Status == "" {
		conv.Status = models.ConversationOpen
	}
	conv.LastMessageAt = conv.LastMessageAt.UTC()
	return s.db.WithContext(ctx).Create(conv).Error
}

// ConversationByParent finds the conversation rooted at a Slack message.
func (s *Store) ConversationByParent(ctx context.Context, channelID, parentTs string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).
		First(&conv, "channel_id = ? AND slack_parent_message_id = ?", channelID, parentTs).Error
	if err != nil {
		return nil, notFound(err, "conversation for parent %s", parentTs)
	}
	return &conv, nil
}

// ConversationByMessage finds the conversation a relayed message belongs to,
// restricted to one channel.
func (s *Store) ConversationByMessage(ctx context.Context, channelID, platform, platformMessageID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).
		Joins("JOIN messages ON messages.conversation_id = conversations.id").
		Where("conversations.channel_id = ? AND messages.platform = ? AND messages.platform_message_id = ?",
			channelID, platform, platformMessageID).
		First(&conv).Error
	if err != nil {
		return nil, notFound(err, "conversation for %s message %s", platform, platformMessageID)
	}
	return &conv, nil
}

// ConversationByTicket finds the conversation for a Zendesk ticket within an
// organization.
func (s *Store) ConversationByTicket(ctx context.Context, orgID string, ticketID int64) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).
		Joins("JOIN channels ON channels.id = conversations.channel_id").
		Where("channels.organization_id = ? AND conversations.zendesk_ticket_id = ?", orgID, ticketID).
		First(&conv).Error
	if err != nil {
		return nil, notFound(err, "conversation for ticket %d", ticketID)
	}
	return &conv, nil
}

// ConversationByID loads a conversation by id.
func (s *Store) ConversationByID(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "conversation %s", id)
	}
	return &conv, nil
}

// OpenConversationForAuthor returns the most recently active open
// conversation started by author in a channel whose last root message is
// within window of at, on either side. Late deliveries of older roots
// must not merge into conversations that started after them.
func (s *Store) OpenConversationForAuthor(ctx context.Context, channelID, authorID string, at time.Time, window time.Duration) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND slack_author_id = ? AND status = ? AND last_message_at BETWEEN ? AND ?",
			channelID, authorID, models.ConversationOpen, at.Add(-window).UTC(), at.Add(window).UTC()).
		Order("last_message_at DESC").
		First(&conv).Error
	if err != nil {
		return nil, notFound(err, "open conversation for author %s", authorID)
	}
	return &conv, nil
}

// TouchConversation moves LastMessageAt forward; it never moves it back.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND last_message_at < ?", id, at.UTC()).
		Update("last_message_at", at.UTC()).Error
	if err != nil {
		return fmt.Errorf("store: touch conversation %s: %w", id, err)
	}
	return nil
}

// SetConversationStatus opens or closes a conversation.
func (s *Store) SetConversationStatus(ctx context.Context, id, status string) error {
	err := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", id).Update("status", status).Error
	if err != nil {
		return fmt.Errorf("store: set conversation status %s: %w", id, err)
	}
	return nil
}

// --- messages ---

// HasMessage reports whether a platform message was already relayed in a
// conversation.
func (s *Store) HasMessage(ctx context.Context, conversationID, platform, platformMessageID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ? AND platform = ? AND platform_message_id = ?", conversationID, platform, platformMessageID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("store: has message %s: %w", platformMessageID, err)
	}
	return n > 0, nil
}

// RecordMessage marks a platform message as relayed. A replayed insert is a
// no-op; created reports whether this call inserted the row.
func (s *Store) RecordMessage(ctx context.Context, msg *models.Message) (created bool, err error) {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(msg)
	if result.Error != nil {
		if db.IsUniqueViolation(result.Error) {
			return false, nil
		}
		return false, fmt.Errorf("store: record message %s: %w", msg.PlatformMessageID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MessageCount returns the number of relayed messages in a conversation.
func (s *Store) MessageCount(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ?", conversationID).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("store: count messages %s: %w", conversationID, err)
	}
	return n, nil
}
