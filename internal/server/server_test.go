package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/switchyard/internal/auth"
	"github.com/zulandar/switchyard/internal/connection"
	"github.com/zulandar/switchyard/internal/event"
	"github.com/zulandar/switchyard/internal/fault"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/queue"
	"github.com/zulandar/switchyard/internal/relay/slack"
	"github.com/zulandar/switchyard/internal/store"
	"github.com/zulandar/switchyard/internal/syncer"
	"github.com/zulandar/switchyard/internal/testutil"
)

const (
	signingSecret = "8f742231b10e8888abcd99yyyzzz85a5"
	adminToken    = "admin-secret"
)

type harness struct {
	handler http.Handler
	store   *store.Store
	queue   *queue.Memory
	slack   *testutil.Slack
	zendesk *testutil.Zendesk
	engine  *syncer.Engine
	tenant  *testutil.Tenant
	now     time.Time
	out     *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   testutil.NewStore(t),
		slack:   testutil.NewSlack(t),
		zendesk: testutil.NewZendesk(t),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		out:     &bytes.Buffer{},
	}
	v := testutil.NewVault(t)
	h.tenant = testutil.SeedTenant(t, h.store, v, "T1")
	h.slack.AddUser("U1", "Dana", "dana@acme.test")

	conns := connection.New(connection.Opts{
		Store:  h.store,
		Vault:  v,
		States: auth.NewStateStore(h.store.DB()),
		OAuth: slack.NewOAuth(slack.OAuthOpts{
			ClientID:     "cid",
			ClientSecret: "csecret",
			RedirectURL:  "https://relay.test/oauth/slack/callback",
			Scopes:       []string{"chat:write"},
			APIURL:       h.slack.APIURL(),
		}),
		PublicURL:      "https://relay.test",
		Now:            func() time.Time { return h.now },
		Out:            h.out,
		SlackAPIURL:    h.slack.APIURL(),
		ZendeskBaseURL: h.zendesk.URL(),
	})
	h.queue = queue.NewMemory(queue.MemoryOpts{Out: h.out, Now: func() time.Time { return h.now }})
	engine, err := syncer.New(syncer.Opts{Store: h.store, Connections: conns, Publisher: h.queue, Out: h.out})
	if err != nil {
		t.Fatal(err)
	}
	engine.Register(h.queue)
	h.engine = engine

	srv, err := New(Opts{
		Store:       h.store,
		Connections: conns,
		Engine:      engine,
		Publisher:   h.queue,
		Verifier:    &auth.SlackVerifier{Secret: signingSecret, Now: func() time.Time { return h.now }},
		AdminToken:  adminToken,
		Out:         h.out,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.handler = srv.Handler()
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

// signed builds a Slack request signed at the harness clock.
func (h *harness) signed(path, contentType string, body []byte) *http.Request {
	ts := strconv.FormatInt(h.now.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(auth.HeaderSlackTimestamp, ts)
	req.Header.Set(auth.HeaderSlackSignature, auth.SlackSignature(signingSecret, ts, body))
	return req
}

func callback(teamID, eventID string, inner map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":       "event_callback",
		"team_id":    teamID,
		"api_app_id": "A1",
		"event_id":   eventID,
		"event_time": 1700000000,
		"event":      inner,
	})
	return b
}

func messageEvent(channel, user, ts, text string) map[string]any {
	return map[string]any{
		"type":         "message",
		"channel":      channel,
		"channel_type": "channel",
		"user":         user,
		"text":         text,
		"ts":           ts,
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil || !strings.Contains(err.Error(), "store is required") {
		t.Errorf("err = %v", err)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("healthz = %d %s", rec.Code, rec.Body)
	}
}

func TestSlackEvents_URLVerification(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"type":"url_verification","token":"x","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P"}`)
	rec := h.do(h.signed("/slack/events", "application/json", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got map[string]string
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got["challenge"] != "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P" {
		t.Errorf("challenge = %q", got["challenge"])
	}
}

func TestSlackEvents_Signature(t *testing.T) {
	h := newHarness(t)
	body := callback("T1", "Ev1", messageEvent("C1", "U1", "100.1", "hi"))

	tests := []struct {
		name   string
		mutate func(r *http.Request)
	}{
		{"missing headers", func(r *http.Request) {
			r.Header.Del(auth.HeaderSlackSignature)
			r.Header.Del(auth.HeaderSlackTimestamp)
		}},
		{"wrong signature", func(r *http.Request) {
			r.Header.Set(auth.HeaderSlackSignature, "v0=deadbeef")
		}},
		{"stale timestamp", func(r *http.Request) {
			old := strconv.FormatInt(h.now.Add(-10*time.Minute).Unix(), 10)
			r.Header.Set(auth.HeaderSlackTimestamp, old)
			r.Header.Set(auth.HeaderSlackSignature, auth.SlackSignature(signingSecret, old, body))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := h.signed("/slack/events", "application/json", body)
			tt.mutate(req)
			if rec := h.do(req); rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
	if got := h.queue.Pending(); got != 0 {
		t.Errorf("pending = %d, want nothing enqueued", got)
	}
}

func TestSlackEvents_MessageEnqueued(t *testing.T) {
	h := newHarness(t)
	body := callback("T1", "Ev1", messageEvent("C1", "U1", "100.1", "Printer is on fire"))

	for i := 0; i < 2; i++ {
		// Slack retries with the same event_id.
		if rec := h.do(h.signed("/slack/events", "application/json", body)); rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: status = %d %s", i, rec.Code, rec.Body)
		}
	}
	if got := h.queue.Pending(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
	h.queue.Drain(context.Background())

	tickets := h.zendesk.Tickets()
	if len(tickets) != 1 {
		t.Fatalf("tickets = %d, want 1", len(tickets))
	}
	if keys := h.zendesk.IdempotencyKeys(); len(keys) != 1 || keys[0] != "C1100.1" {
		t.Errorf("keys = %v", keys)
	}
}

func TestSlackEvents_UnknownTeamEnqueuedForLaterResolution(t *testing.T) {
	h := newHarness(t)
	body := callback("T-new", "Ev9", messageEvent("C1", "U1", "100.1", "hi"))
	if rec := h.do(h.signed("/slack/events", "application/json", body)); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := h.queue.Pending(); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}
}

func TestSlackEvents_BotMessageIgnored(t *testing.T) {
	h := newHarness(t)
	inner := messageEvent("C1", "", "100.1", "echo")
	inner["bot_id"] = "B1"
	if rec := h.do(h.signed("/slack/events", "application/json", callback("T1", "Ev1", inner))); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := h.queue.Pending(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

func TestSlackEvents_Lifecycle(t *testing.T) {
	h := newHarness(t)
	body := callback("T1", "Ev5", map[string]any{"type": "app_uninstalled"})
	if rec := h.do(h.signed("/slack/events", "application/json", body)); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	h.queue.Drain(context.Background())
	conn, err := h.store.SlackConnectionByTeam(context.Background(), "T1")
	if err != nil {
		t.Fatal(err)
	}
	if conn.Status != models.ConnectionRevoked {
		t.Errorf("status = %s, want REVOKED", conn.Status)
	}
}

func TestSlackEvents_HomeHandledInline(t *testing.T) {
	h := newHarness(t)
	body := callback("T1", "Ev6", map[string]any{"type": "app_home_opened", "user": "U1", "tab": "home", "channel": "D1"})
	if rec := h.do(h.signed("/slack/events", "application/json", body)); rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
	if views := h.slack.Views(); len(views) != 1 || views[0] != "U1" {
		t.Errorf("views = %v", views)
	}
	if got := h.queue.Pending(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

func TestSlackInteractive_Close(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msg := event.Message{ChannelID: "C1", UserID: "U1", TS: "100.1", Text: "help"}
	if err := h.engine.HandleSlackMessage(ctx, msg, event.Connection{OrganizationID: h.tenant.Org.ID, SlackTeamID: "T1"}); err != nil {
		t.Fatal(err)
	}
	ch, _ := h.store.Channel(ctx, h.tenant.Org.ID, "C1")
	conv, err := h.store.ConversationByParent(ctx, ch.ID, "100.1")
	if err != nil {
		t.Fatal(err)
	}

	payload := `{"type":"block_actions","team":{"id":"T1"},"user":{"id":"U1"},"channel":{"id":"C1"},` +
		`"container":{"type":"message","message_ts":"100.1","channel_id":"C1"},` +
		`"actions":[{"action_id":"close_conversation","block_id":"b","value":"` + conv.ID + `","type":"button"}]}`
	body := []byte(url.Values{"payload": {payload}}.Encode())
	rec := h.do(h.signed("/slack/interactive", "application/x-www-form-urlencoded", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
	got, _ := h.store.ConversationByID(ctx, conv.ID)
	if got.Status != models.ConversationClosed {
		t.Errorf("status = %s, want CLOSED", got.Status)
	}
}

func TestSlackInteractive_UnsignedRejected(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/slack/interactive", strings.NewReader("payload=%7B%7D"))
	if rec := h.do(req); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func zendeskRequest(token, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/zendesk/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestZendeskWebhook(t *testing.T) {
	h := newHarness(t)
	comment := `{"type":"ticket_comment_added","ticket_id":"1002","comment_id":"9001","author_name":"Agent","body":"On it","public":"true"}`

	tests := []struct {
		name  string
		token string
		body  string
		want  int
	}{
		{"no token", "", comment, http.StatusUnauthorized},
		{"unknown token", "nope", comment, http.StatusUnauthorized},
		{"malformed", h.tenant.WebhookToken, `{"type":"ticket_comment_added"}`, http.StatusBadRequest},
		{"not json", h.tenant.WebhookToken, `<xml/>`, http.StatusBadRequest},
		{"comment", h.tenant.WebhookToken, comment, http.StatusOK},
		{"comment retried", h.tenant.WebhookToken, comment, http.StatusOK},
		{"status", h.tenant.WebhookToken, `{"type":"ticket_status_changed","ticket_id":1002,"status":"Solved"}`, http.StatusOK},
		{"unknown type", h.tenant.WebhookToken, `{"type":"ticket_priority_changed","ticket_id":1002}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := h.do(zendeskRequest(tt.token, tt.body)); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
	if got := h.queue.Pending(); got != 2 {
		t.Errorf("pending = %d, want comment + status", got)
	}
}

func TestOAuthInstallAndCallback(t *testing.T) {
	h := newHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/oauth/slack/install?organization_id="+h.tenant.Org.ID+"&user=admin", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("install = %d %s", rec.Code, rec.Body)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	state := loc.Query().Get("state")
	if state == "" || !strings.HasPrefix(loc.String(), slack.Endpoint.AuthURL) {
		t.Fatalf("location = %s", loc)
	}

	rec = h.do(httptest.NewRequest(http.MethodGet, "/oauth/slack/callback?code=good-code&state="+url.QueryEscape(state), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("callback = %d %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"teamId":"T1"`) {
		t.Errorf("body = %s", rec.Body)
	}

	// The state is single use.
	rec = h.do(httptest.NewRequest(http.MethodGet, "/oauth/slack/callback?code=good-code&state="+url.QueryEscape(state), nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("replayed state = %d, want 401", rec.Code)
	}
}

func TestOAuth_Errors(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name, path string
		want       int
	}{
		{"install without org", "/oauth/slack/install", http.StatusBadRequest},
		{"install unknown org", "/oauth/slack/install?organization_id=nope", http.StatusBadRequest},
		{"denied", "/oauth/slack/callback?error=access_denied", http.StatusBadRequest},
		{"no code", "/oauth/slack/callback?state=x", http.StatusBadRequest},
		{"unknown state", "/oauth/slack/callback?code=good-code&state=forged", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := h.do(httptest.NewRequest(http.MethodGet, tt.path, nil)); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func adminRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+adminToken)
	return req
}

func TestAdmin_RequiresToken(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/zendesk/connect", "/billing/events"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
		req.Header.Set("Authorization", "Bearer wrong")
		if rec := h.do(req); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s = %d, want 401", path, rec.Code)
		}
	}
	req := httptest.NewRequest(http.MethodGet, "/organizations/"+h.tenant.Org.ID+"/connections", nil)
	if rec := h.do(req); rec.Code != http.StatusUnauthorized {
		t.Errorf("connections = %d, want 401", rec.Code)
	}
}

func TestZendeskConnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	org, _ := h.store.CreateOrganization(ctx, "Globex")

	in, _ := json.Marshal(connection.ZendeskInput{
		OrganizationID: org.ID,
		Domain:         "globex",
		Email:          testutil.ZendeskEmail,
		APIKey:         testutil.ZendeskAPIKey,
	})
	rec := h.do(adminRequest(http.MethodPost, "/zendesk/connect", string(in)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("connect = %d %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), testutil.ZendeskAPIKey) {
		t.Errorf("response leaks the api key: %s", rec.Body)
	}

	bad, _ := json.Marshal(connection.ZendeskInput{OrganizationID: org.ID, Domain: "globex", Email: testutil.ZendeskEmail, APIKey: "wrong"})
	if rec := h.do(adminRequest(http.MethodPost, "/zendesk/connect", string(bad))); rec.Code != http.StatusBadRequest {
		t.Errorf("bad credentials = %d, want 400", rec.Code)
	}
	if rec := h.do(adminRequest(http.MethodPost, "/zendesk/connect", `{`)); rec.Code != http.StatusBadRequest {
		t.Errorf("bad json = %d, want 400", rec.Code)
	}
}

func TestConnections(t *testing.T) {
	h := newHarness(t)
	rec := h.do(adminRequest(http.MethodGet, "/organizations/"+h.tenant.Org.ID+"/connections", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
	var sum connection.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.Slack == nil || sum.Slack.TeamID != "T1" || sum.Zendesk == nil {
		t.Errorf("summary = %+v", sum)
	}
	for _, secret := range []string{"xoxb-", h.tenant.WebhookToken, h.tenant.Slack.AccessToken} {
		if strings.Contains(rec.Body.String(), secret) {
			t.Errorf("response leaks %q", secret)
		}
	}

	if rec := h.do(adminRequest(http.MethodGet, "/organizations/nope/connections", "")); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown org = %d, want 400", rec.Code)
	}
}

func TestBilling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	body := `{"organizationId":"` + h.tenant.Org.ID + `","plan":"pro","status":"canceled"}`
	if rec := h.do(adminRequest(http.MethodPost, "/billing/events", body)); rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
	h.queue.Drain(ctx)
	org, _ := h.store.Organization(ctx, h.tenant.Org.ID)
	if org.SubscriptionStatus != models.SubscriptionCanceled || org.Plan != "pro" {
		t.Errorf("org = %+v", org)
	}

	bad := `{"organizationId":"` + h.tenant.Org.ID + `","status":"gold"}`
	if rec := h.do(adminRequest(http.MethodPost, "/billing/events", bad)); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status = %d, want 400", rec.Code)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fault.Errorf(fault.Invalid, "op", "bad"), http.StatusBadRequest},
		{fault.Errorf(fault.Unauthenticated, "op", "who"), http.StatusUnauthorized},
		{fault.Errorf(fault.Config, "op", "missing"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := status(tt.err); got != tt.want {
			t.Errorf("status(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
