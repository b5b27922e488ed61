package db

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Connect("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func TestDialector(t *testing.T) {
	tests := []struct {
		driver  string
		wantErr bool
	}{
		{"mysql", false},
		{"postgres", false},
		{"sqlite", false},
		{"oracle", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			d, err := Dialector(tt.driver, "dsn")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Dialector(%q) error = %v, wantErr %v", tt.driver, err, tt.wantErr)
			}
			if !tt.wantErr && d == nil {
				t.Error("expected dialector")
			}
		})
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 7 {
		t.Errorf("AllModels() returned %d models, want 7", got)
	}
}

func TestAutoMigrate_CreatesTables(t *testing.T) {
	db := openTestDB(t)
	for _, m := range AllModels() {
		if !db.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
}

func TestDropAll(t *testing.T) {
	db := openTestDB(t)
	if err := DropAll(db); err != nil {
		t.Fatalf("DropAll: %v", err)
	}
	for _, m := range AllModels() {
		if db.Migrator().HasTable(m) {
			t.Errorf("table for %T still exists", m)
		}
	}
}

func TestUniqueConversationParent(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)

	first := models.Conversation{ID: "conv-1", ChannelID: "ch-1", ZendeskTicketID: 1, SlackParentMessageID: "100.1", LastMessageAt: time.Now()}
	if err := db.Create(&first).Error; err != nil {
		t.Fatalf("create first: %v", err)
	}

	dup := models.Conversation{ID: "conv-2", ChannelID: "ch-1", ZendeskTicketID: 2, SlackParentMessageID: "100.1", LastMessageAt: time.Now()}
	err := db.Create(&dup).Error
	if !IsUniqueViolation(err) {
		t.Fatalf("duplicate parent: err = %v, want unique violation", err)
	}

	dupTicket := models.Conversation{ID: "conv-3", ChannelID: "ch-1", ZendeskTicketID: 1, SlackParentMessageID: "100.9", LastMessageAt: time.Now()}
	if err := db.Create(&dupTicket).Error; !IsUniqueViolation(err) {
		t.Fatalf("duplicate ticket: err = %v, want unique violation", err)
	}
}

func TestUniqueMessageTriple(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)
	conv := models.Conversation{ID: "conv-1", ChannelID: "ch-1", ZendeskTicketID: 1, SlackParentMessageID: "100.1"}
	if err := db.Create(&conv).Error; err != nil {
		t.Fatal(err)
	}

	msg := models.Message{ConversationID: "conv-1", Platform: models.PlatformSlack, PlatformMessageID: "100.1"}
	if err := db.Create(&msg).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	again := models.Message{ConversationID: "conv-1", Platform: models.PlatformSlack, PlatformMessageID: "100.1"}
	if err := db.Create(&again).Error; !IsUniqueViolation(err) {
		t.Fatalf("err = %v, want unique violation", err)
	}
	other := models.Message{ConversationID: "conv-1", Platform: models.PlatformZendesk, PlatformMessageID: "100.1"}
	if err := db.Create(&other).Error; err != nil {
		t.Fatalf("same id on other platform should be allowed: %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"translated", fmt.Errorf("wrap: %w", gorm.ErrDuplicatedKey), true},
		{"sqlite text", errors.New("UNIQUE constraint failed: conversations.channel_id"), true},
		{"mysql text", errors.New("Error 1062: Duplicate entry 'x' for key 'y'"), true},
		{"postgres text", errors.New(`ERROR: duplicate key value violates unique constraint "ux"`), true},
		{"other", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err); got != tt.want {
				t.Errorf("IsUniqueViolation(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func seed(t *testing.T, db *gorm.DB) {
	t.Helper()
	if err := db.Create(&models.Organization{ID: "org-1", Name: "Acme"}).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&models.Channel{ID: "ch-1", OrganizationID: "org-1", SlackChannelID: "C1"}).Error; err != nil {
		t.Fatal(err)
	}
}
