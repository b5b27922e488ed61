// Package testutil provides shared test fixtures: an in-memory store, a
// vault with a fixed key, and httptest fakes of the Slack Web API and the
// Zendesk REST API that record what the relay sent.
//
// All helpers call t.Fatalf on failure rather than returning errors, since
// test setup failures are not recoverable.
package testutil

import (
	"bytes"
	"context"
	"testing"

	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/store"
	"github.com/zulandar/switchyard/internal/vault"
)

// NewStore returns a store over a fresh migrated in-memory SQLite database.
func NewStore(t testing.TB) *store.Store {
	t.Helper()
	gdb, err := db.Connect("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("testutil: connect: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("testutil: migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return store.New(gdb)
}

// NewVault returns a vault with a fixed test key.
func NewVault(t testing.TB) *vault.Vault {
	t.Helper()
	v, err := vault.New(bytes.Repeat([]byte{0x42}, vault.KeySize))
	if err != nil {
		t.Fatalf("testutil: vault: %v", err)
	}
	return v
}

// Tenant is an organization with both platforms connected.
type Tenant struct {
	Org          *models.Organization
	Slack        *models.SlackConnection
	Zendesk      *models.ZendeskConnection
	WebhookToken string
}

// SeedTenant creates an organization connected to Slack team teamID and to
// Zendesk, storing tokens encrypted with v the way the connection flows do.
func SeedTenant(t testing.TB, s *store.Store, v *vault.Vault, teamID string) *Tenant {
	t.Helper()
	ctx := context.Background()
	org, err := s.CreateOrganization(ctx, "Org "+teamID)
	if err != nil {
		t.Fatalf("testutil: create organization: %v", err)
	}
	botToken, err := v.Encrypt("xoxb-" + teamID)
	if err != nil {
		t.Fatalf("testutil: encrypt: %v", err)
	}
	sc := &models.SlackConnection{
		OrganizationID: org.ID,
		TeamID:         teamID,
		TeamName:       "Team " + teamID,
		AccessToken:    botToken,
		BotUserID:      "UBOT" + teamID,
		AppID:          "A1",
	}
	if err := s.UpsertSlackConnection(ctx, sc); err != nil {
		t.Fatalf("testutil: slack connection: %v", err)
	}
	apiKey, err := v.Encrypt(ZendeskAPIKey)
	if err != nil {
		t.Fatalf("testutil: encrypt: %v", err)
	}
	webhookToken := "whtok-" + teamID
	zc := &models.ZendeskConnection{
		OrganizationID: org.ID,
		Domain:         "acme",
		Email:          ZendeskEmail,
		APIKey:         apiKey,
		WebhookToken:   webhookToken,
		WebhookID:      "01WH",
	}
	if err := s.UpsertZendeskConnection(ctx, zc); err != nil {
		t.Fatalf("testutil: zendesk connection: %v", err)
	}
	return &Tenant{Org: org, Slack: sc, Zendesk: zc, WebhookToken: webhookToken}
}
