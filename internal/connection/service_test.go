package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/switchyard/internal/auth"
	"github.com/zulandar/switchyard/internal/fault"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/relay/slack"
	"github.com/zulandar/switchyard/internal/store"
	"github.com/zulandar/switchyard/internal/testutil"
)

type harness struct {
	svc     *Service
	store   *store.Store
	slack   *testutil.Slack
	zendesk *testutil.Zendesk
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   testutil.NewStore(t),
		slack:   testutil.NewSlack(t),
		zendesk: testutil.NewZendesk(t),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	var discard strings.Builder
	h.svc = New(Opts{
		Store:  h.store,
		Vault:  testutil.NewVault(t),
		States: auth.NewStateStore(h.store.DB()),
		OAuth: slack.NewOAuth(slack.OAuthOpts{
			ClientID:     "cid",
			ClientSecret: "csecret",
			RedirectURL:  "https://relay.test/slack/oauth/callback",
			Scopes:       []string{"chat:write", "channels:history"},
			APIURL:       h.slack.APIURL(),
		}),
		PublicURL:      "https://relay.test/",
		Now:            func() time.Time { return h.now },
		Out:            &discard,
		SlackAPIURL:    h.slack.APIURL(),
		ZendeskBaseURL: h.zendesk.URL(),
	})
	return h
}

func stateFrom(t *testing.T, installURL string) string {
	t.Helper()
	u, err := url.Parse(installURL)
	if err != nil {
		t.Fatalf("parse install url: %v", err)
	}
	state := u.Query().Get("state")
	if state == "" {
		t.Fatalf("install url %q has no state", installURL)
	}
	return state
}

func TestInstallURL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	org, _ := h.store.CreateOrganization(ctx, "Acme")

	got, err := h.svc.InstallURL(ctx, org.ID, "admin@acme.test")
	if err != nil {
		t.Fatalf("InstallURL: %v", err)
	}
	if !strings.HasPrefix(got, slack.Endpoint.AuthURL) {
		t.Errorf("url = %q, want slack authorize endpoint", got)
	}
	stateFrom(t, got)

	if _, err := h.svc.InstallURL(ctx, "nope", ""); !fault.Is(err, fault.Invalid) {
		t.Errorf("unknown org err = %v, want Invalid", err)
	}
	if _, err := h.svc.InstallURL(ctx, "", ""); !fault.Is(err, fault.Invalid) {
		t.Errorf("empty org err = %v, want Invalid", err)
	}
}

func TestCompleteInstall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	org, _ := h.store.CreateOrganization(ctx, "Acme")
	installURL, err := h.svc.InstallURL(ctx, org.ID, "admin@acme.test")
	if err != nil {
		t.Fatal(err)
	}
	state := stateFrom(t, installURL)

	conn, err := h.svc.CompleteInstall(ctx, "good-code", state)
	if err != nil {
		t.Fatalf("CompleteInstall: %v", err)
	}
	if conn.OrganizationID != org.ID || conn.TeamID != "T1" || conn.TeamName != "Acme" {
		t.Errorf("conn = %+v", conn)
	}
	if conn.InstalledBy != "admin@acme.test" {
		t.Errorf("InstalledBy = %q", conn.InstalledBy)
	}
	if conn.AccessToken == "xoxb-installed" || conn.AccessToken == "" {
		t.Errorf("token stored in clear or missing: %q", conn.AccessToken)
	}

	// The state is single use.
	if _, err := h.svc.CompleteInstall(ctx, "good-code", state); !fault.Is(err, fault.Unauthenticated) {
		t.Errorf("replayed state err = %v, want Unauthenticated", err)
	}

	// The stored token decrypts into a working client.
	client, _, err := h.svc.SlackClient(ctx, org.ID)
	if err != nil {
		t.Fatalf("SlackClient: %v", err)
	}
	if _, _, err := client.AuthTest(ctx); err != nil {
		t.Fatalf("AuthTest: %v", err)
	}
	tokens := h.slack.Tokens()
	if len(tokens) == 0 || tokens[len(tokens)-1] != "xoxb-installed" {
		t.Errorf("tokens = %v, want last xoxb-installed", tokens)
	}
}

func TestCompleteInstall_ExpiredState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	org, _ := h.store.CreateOrganization(ctx, "Acme")
	installURL, _ := h.svc.InstallURL(ctx, org.ID, "")

	h.now = h.now.Add(auth.StateTTL + time.Minute)
	_, err := h.svc.CompleteInstall(ctx, "good-code", stateFrom(t, installURL))
	if !fault.Is(err, fault.Unauthenticated) {
		t.Fatalf("err = %v, want Unauthenticated", err)
	}
	if _, err := h.store.SlackConnectionByOrg(ctx, org.ID); err == nil {
		t.Error("connection stored for expired state")
	}
}

func TestCompleteInstall_BadCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	org, _ := h.store.CreateOrganization(ctx, "Acme")
	installURL, _ := h.svc.InstallURL(ctx, org.ID, "")

	_, err := h.svc.CompleteInstall(ctx, "stale-code", stateFrom(t, installURL))
	if !fault.Is(err, fault.Unauthenticated) {
		t.Fatalf("err = %v, want Unauthenticated", err)
	}
}

func TestCompleteInstall_TeamOwnedElsewhere(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, _ := h.store.CreateOrganization(ctx, "First")
	second, _ := h.store.CreateOrganization(ctx, "Second")

	u1, _ := h.svc.InstallURL(ctx, first.ID, "")
	if _, err := h.svc.CompleteInstall(ctx, "good-code", stateFrom(t, u1)); err != nil {
		t.Fatal(err)
	}
	u2, _ := h.svc.InstallURL(ctx, second.ID, "")
	_, err := h.svc.CompleteInstall(ctx, "good-code", stateFrom(t, u2))
	if !fault.Is(err, fault.Invalid) {
		t.Fatalf("err = %v, want Invalid", err)
	}
}

func TestRevokeSlack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenant := testutil.SeedTenant(t, h.store, testutil.NewVault(t), "T9")

	if err := h.svc.RevokeSlack(ctx, "T9"); err != nil {
		t.Fatalf("RevokeSlack: %v", err)
	}
	_, conn, err := h.svc.SlackClient(ctx, tenant.Org.ID)
	if !fault.Is(err, fault.Config) {
		t.Errorf("revoked client err = %v, want Config", err)
	}
	if conn == nil || conn.Status != models.ConnectionRevoked {
		t.Errorf("conn = %+v, want revoked", conn)
	}
	if err := h.svc.RevokeSlack(ctx, "T-unknown"); err != nil {
		t.Errorf("unknown team err = %v, want nil", err)
	}
}

func TestForTeam(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenant := testutil.SeedTenant(t, h.store, testutil.NewVault(t), "T2")

	conn, err := h.svc.ForTeam(ctx, "T2")
	if err != nil || conn.OrganizationID != tenant.Org.ID {
		t.Fatalf("ForTeam = %+v, %v", conn, err)
	}
	if _, err := h.svc.ForTeam(ctx, "T-missing"); !fault.Is(err, fault.Config) {
		t.Errorf("missing team err = %v, want Config", err)
	}
}

func TestConnectZendesk(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	org, _ := h.store.CreateOrganization(ctx, "Acme")

	conn, err := h.svc.ConnectZendesk(ctx, ZendeskInput{
		OrganizationID: org.ID,
		Domain:         "https://Acme.zendesk.com/",
		Email:          testutil.ZendeskEmail,
		APIKey:         testutil.ZendeskAPIKey,
	})
	if err != nil {
		t.Fatalf("ConnectZendesk: %v", err)
	}
	if conn.Domain != "acme" {
		t.Errorf("Domain = %q, want acme", conn.Domain)
	}
	if conn.APIKey == testutil.ZendeskAPIKey {
		t.Error("api key stored in clear")
	}
	if len(conn.WebhookToken) != 64 || conn.WebhookID == "" {
		t.Errorf("webhook token %q id %q", conn.WebhookToken, conn.WebhookID)
	}
	if got := strings.Count(conn.TriggerID, ",") + 1; got != 2 {
		t.Errorf("TriggerID = %q, want two triggers", conn.TriggerID)
	}
	if hooks := h.zendesk.Webhooks(); len(hooks) != 1 || hooks[0] != "https://relay.test/zendesk/webhook" {
		t.Errorf("webhooks = %v", hooks)
	}

	got, err := h.svc.ForWebhookToken(ctx, conn.WebhookToken)
	if err != nil || got.OrganizationID != org.ID {
		t.Fatalf("ForWebhookToken = %+v, %v", got, err)
	}

	client, _, err := h.svc.ZendeskClient(ctx, org.ID)
	if err != nil {
		t.Fatalf("ZendeskClient: %v", err)
	}
	if _, err := client.Me(ctx); err != nil {
		t.Errorf("Me with stored key: %v", err)
	}
}

func TestConnectZendesk_ReconnectReplacesWebhook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	org, _ := h.store.CreateOrganization(ctx, "Acme")
	in := ZendeskInput{OrganizationID: org.ID, Domain: "acme", Email: testutil.ZendeskEmail, APIKey: testutil.ZendeskAPIKey}

	first, err := h.svc.ConnectZendesk(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	firstToken := first.WebhookToken
	second, err := h.svc.ConnectZendesk(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if second.WebhookToken == firstToken {
		t.Error("webhook token not rotated")
	}
	if n := h.zendesk.Calls(http.MethodDelete + " /api/v2/webhooks/" + first.WebhookID); n != 1 {
		t.Errorf("old webhook deletes = %d, want 1", n)
	}
	if _, err := h.svc.ForWebhookToken(ctx, firstToken); !fault.Is(err, fault.Unauthenticated) {
		t.Errorf("old token err = %v, want Unauthenticated", err)
	}
}

func TestConnectZendesk_Invalid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	org, _ := h.store.CreateOrganization(ctx, "Acme")

	tests := []struct {
		name string
		in   ZendeskInput
	}{
		{"missing fields", ZendeskInput{OrganizationID: org.ID, Domain: "acme"}},
		{"unknown org", ZendeskInput{OrganizationID: "nope", Domain: "acme", Email: testutil.ZendeskEmail, APIKey: testutil.ZendeskAPIKey}},
		{"bad credentials", ZendeskInput{OrganizationID: org.ID, Domain: "acme", Email: testutil.ZendeskEmail, APIKey: "wrong"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.svc.ConnectZendesk(ctx, tt.in); !fault.Is(err, fault.Invalid) {
				t.Errorf("err = %v, want Invalid", err)
			}
		})
	}
	if len(h.zendesk.Webhooks()) != 0 {
		t.Error("webhook registered despite failed connect")
	}
	if _, err := h.store.ZendeskConnectionByOrg(ctx, org.ID); err == nil {
		t.Error("connection stored despite failed connect")
	}
}

func TestForWebhookToken_Rejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, token := range []string{"", "whtok-unknown"} {
		if _, err := h.svc.ForWebhookToken(ctx, token); !fault.Is(err, fault.Unauthenticated) {
			t.Errorf("token %q err = %v, want Unauthenticated", token, err)
		}
	}
}

func TestTenantClients_Missing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	org, _ := h.store.CreateOrganization(ctx, "Bare")

	if _, _, err := h.svc.SlackClient(ctx, org.ID); !fault.Is(err, fault.Config) {
		t.Errorf("SlackClient err = %v, want Config", err)
	}
	if _, _, err := h.svc.ZendeskClient(ctx, org.ID); !fault.Is(err, fault.Config) {
		t.Errorf("ZendeskClient err = %v, want Config", err)
	}
}

func TestConnections_NoSecrets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenant := testutil.SeedTenant(t, h.store, testutil.NewVault(t), "T3")

	sum, err := h.svc.Connections(ctx, tenant.Org.ID)
	if err != nil {
		t.Fatalf("Connections: %v", err)
	}
	if sum.Slack == nil || sum.Slack.TeamID != "T3" {
		t.Errorf("slack = %+v", sum.Slack)
	}
	if sum.Zendesk == nil || sum.Zendesk.Domain != "acme" {
		t.Errorf("zendesk = %+v", sum.Zendesk)
	}
	raw, _ := json.Marshal(sum)
	for _, secret := range []string{tenant.Slack.AccessToken, tenant.Zendesk.APIKey, tenant.WebhookToken, testutil.ZendeskAPIKey} {
		if strings.Contains(string(raw), secret) {
			t.Errorf("summary leaks %q: %s", secret, raw)
		}
	}

	if _, err := h.svc.Connections(ctx, "nope"); !fault.Is(err, fault.Invalid) {
		t.Errorf("unknown org err = %v, want Invalid", err)
	}
}
