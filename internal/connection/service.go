// Package connection manages an organization's platform connections: the
// Slack OAuth install, the Zendesk credential test and webhook
// registration, and the decrypted per-tenant clients the workers use.
package connection

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/zulandar/switchyard/internal/auth"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/fault"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/relay/slack"
	"github.com/zulandar/switchyard/internal/relay/zendesk"
	"github.com/zulandar/switchyard/internal/store"
	"github.com/zulandar/switchyard/internal/vault"
)

// WebhookName names the Zendesk webhook and triggers created on connect.
const WebhookName = "Switchyard"

// Service owns connection state for every organization.
type Service struct {
	store     *store.Store
	vault     *vault.Vault
	states    *auth.StateStore
	oauth     *slack.OAuth
	publicURL string
	now       func() time.Time
	out       io.Writer

	slackAPIURL    string
	zendeskBaseURL string
	httpClient     *http.Client
}

// Opts holds parameters for creating a Service.
type Opts struct {
	Store     *store.Store
	Vault     *vault.Vault
	States    *auth.StateStore
	OAuth     *slack.OAuth
	PublicURL string // externally reachable base URL, no trailing slash
	Now       func() time.Time
	Out       io.Writer

	// For testing: point the per-tenant clients at fakes.
	SlackAPIURL    string
	ZendeskBaseURL string
	HTTPClient     *http.Client
}

// New creates a Service.
func New(opts Opts) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Service{
		store:          opts.Store,
		vault:          opts.Vault,
		states:         opts.States,
		oauth:          opts.OAuth,
		publicURL:      strings.TrimRight(opts.PublicURL, "/"),
		now:            now,
		out:            out,
		slackAPIURL:    opts.SlackAPIURL,
		zendeskBaseURL: opts.ZendeskBaseURL,
		httpClient:     opts.HTTPClient,
	}
}

// --- Slack install ---

// InstallURL issues an OAuth state for orgID and returns the Slack consent
// URL carrying it.
func (s *Service) InstallURL(ctx context.Context, orgID, createdBy string) (string, error) {
	if orgID == "" {
		return "", fault.Errorf(fault.Invalid, "connection: install url", "organization_id is required")
	}
	if _, err := s.store.Organization(ctx, orgID); err != nil {
		return "", lookupFault("connection: install url", err, fault.Invalid)
	}
	state, err := s.states.IssueAt(ctx, orgID, createdBy, s.now())
	if err != nil {
		return "", err
	}
	return s.oauth.AuthorizeURL(state), nil
}

// CompleteInstall validates the OAuth state, exchanges the code and stores
// the encrypted bot token. Re-installing updates the existing connection.
func (s *Service) CompleteInstall(ctx context.Context, code, state string) (*models.SlackConnection, error) {
	st, err := s.states.Validate(ctx, state, s.now())
	if errors.Is(err, auth.ErrStateNotFound) || errors.Is(err, auth.ErrStateExpired) {
		return nil, fault.New(fault.Unauthenticated, "connection: oauth callback", err)
	}
	if err != nil {
		return nil, err
	}

	inst, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	token, err := s.vault.Encrypt(inst.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("connection: encrypt slack token: %w", err)
	}
	installedBy := st.CreatedBy
	if installedBy == "" {
		installedBy = inst.AuthedUserID
	}
	conn := &models.SlackConnection{
		OrganizationID: st.OrganizationID,
		TeamID:         inst.TeamID,
		TeamName:       inst.TeamName,
		AccessToken:    token,
		BotUserID:      inst.BotUserID,
		AppID:          inst.AppID,
		InstalledBy:    installedBy,
		Status:         models.ConnectionActive,
	}
	if err := s.store.UpsertSlackConnection(ctx, conn); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, fault.Errorf(fault.Invalid, "connection: oauth callback",
				"workspace %s is already connected to another organization", inst.TeamID)
		}
		return nil, err
	}
	log.Printf("connection: slack workspace %s (%s) installed [org=%s]", conn.TeamID, conn.TeamName, conn.OrganizationID)
	return conn, nil
}

// RevokeSlack marks a workspace's connection revoked after an uninstall or
// token revocation. Unknown workspaces are ignored.
func (s *Service) RevokeSlack(ctx context.Context, teamID string) error {
	err := s.store.SetSlackConnectionStatus(ctx, teamID, models.ConnectionRevoked)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(s.out, "connection: revoke: no connection for team %s\n", teamID)
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("connection: slack workspace %s revoked", teamID)
	return nil
}

// ForTeam resolves the organization a Slack workspace belongs to.
func (s *Service) ForTeam(ctx context.Context, teamID string) (*models.SlackConnection, error) {
	conn, err := s.store.SlackConnectionByTeam(ctx, teamID)
	if err != nil {
		return nil, lookupFault("connection: resolve team", err, fault.Config)
	}
	return conn, nil
}

// --- Zendesk ---

// ZendeskInput is the body of a Zendesk connect request.
type ZendeskInput struct {
	OrganizationID string `json:"organizationId"`
	Domain         string `json:"domain"`
	Email          string `json:"email"`
	APIKey         string `json:"apiKey"`
}

func (in ZendeskInput) validate() error {
	var missing []string
	if in.OrganizationID == "" {
		missing = append(missing, "organizationId")
	}
	if in.Domain == "" {
		missing = append(missing, "domain")
	}
	if in.Email == "" {
		missing = append(missing, "email")
	}
	if in.APIKey == "" {
		missing = append(missing, "apiKey")
	}
	if len(missing) > 0 {
		return fault.Errorf(fault.Invalid, "connection: zendesk connect", "missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// ConnectZendesk tests the credentials, registers the webhook and triggers
// that feed /zendesk/webhook, then stores the encrypted API key. A previous
// webhook of the organization is removed once the new one is in place.
func (s *Service) ConnectZendesk(ctx context.Context, in ZendeskInput) (*models.ZendeskConnection, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if _, err := s.store.Organization(ctx, in.OrganizationID); err != nil {
		return nil, lookupFault("connection: zendesk connect", err, fault.Invalid)
	}
	domain := zendesk.NormalizeDomain(in.Domain)
	creds := zendesk.Credentials{Domain: domain, Email: in.Email, APIKey: in.APIKey}
	client, err := s.zendeskClient(creds)
	if err != nil {
		return nil, err
	}
	if _, err := client.Me(ctx); err != nil {
		if fault.Is(err, fault.Config) {
			return nil, fault.New(fault.Invalid, "connection: zendesk credential test", err)
		}
		return nil, err
	}

	webhookToken, err := randomToken()
	if err != nil {
		return nil, err
	}
	reg, err := client.RegisterRelay(ctx, WebhookName, s.publicURL+"/zendesk/webhook", webhookToken)
	if err != nil {
		if reg != nil && reg.WebhookID != "" {
			if delErr := client.DeleteWebhook(ctx, reg.WebhookID); delErr != nil {
				log.Printf("connection: zendesk connect: cleanup webhook %s: %v [org=%s]", reg.WebhookID, delErr, in.OrganizationID)
			}
		}
		return nil, err
	}

	apiKey, err := s.vault.Encrypt(in.APIKey)
	if err != nil {
		return nil, fmt.Errorf("connection: encrypt zendesk key: %w", err)
	}
	previous, err := s.store.ZendeskConnectionByOrg(ctx, in.OrganizationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	conn := &models.ZendeskConnection{
		OrganizationID: in.OrganizationID,
		Domain:         domain,
		Email:          in.Email,
		APIKey:         apiKey,
		WebhookToken:   webhookToken,
		WebhookID:      reg.WebhookID,
		TriggerID:      reg.TriggerIDList(),
		Status:         models.ConnectionActive,
	}
	if err := s.store.UpsertZendeskConnection(ctx, conn); err != nil {
		return nil, err
	}
	if previous != nil && previous.WebhookID != "" && previous.WebhookID != reg.WebhookID {
		if err := s.deleteOldWebhook(ctx, previous); err != nil {
			log.Printf("connection: zendesk connect: remove old webhook %s: %v [org=%s]", previous.WebhookID, err, in.OrganizationID)
		}
	}
	log.Printf("connection: zendesk %s connected [org=%s webhook=%s]", domain, conn.OrganizationID, conn.WebhookID)
	return conn, nil
}

func (s *Service) deleteOldWebhook(ctx context.Context, old *models.ZendeskConnection) error {
	key, err := s.vault.Decrypt(old.APIKey)
	if err != nil {
		return err
	}
	client, err := s.zendeskClient(zendesk.Credentials{Domain: old.Domain, Email: old.Email, APIKey: key})
	if err != nil {
		return err
	}
	return client.DeleteWebhook(ctx, old.WebhookID)
}

// ForWebhookToken authenticates an inbound Zendesk webhook by its bearer
// token.
func (s *Service) ForWebhookToken(ctx context.Context, token string) (*models.ZendeskConnection, error) {
	if token == "" {
		return nil, fault.New(fault.Unauthenticated, "connection: zendesk webhook", auth.ErrMissingToken)
	}
	conn, err := s.store.ZendeskConnectionByWebhookToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.Errorf(fault.Unauthenticated, "connection: zendesk webhook", "unknown webhook token")
	}
	if err != nil {
		return nil, err
	}
	if conn.Status != models.ConnectionActive {
		return nil, fault.Errorf(fault.Unauthenticated, "connection: zendesk webhook", "connection is %s", strings.ToLower(conn.Status))
	}
	return conn, nil
}

// OrganizationForWebhookToken returns the organization id owning token.
func (s *Service) OrganizationForWebhookToken(ctx context.Context, token string) (string, error) {
	conn, err := s.ForWebhookToken(ctx, token)
	if err != nil {
		return "", err
	}
	return conn.OrganizationID, nil
}

// --- per-tenant clients ---

// SlackClient returns a client holding the organization's decrypted bot
// token. A missing, revoked or undecryptable connection is a configuration
// fault.
func (s *Service) SlackClient(ctx context.Context, orgID string) (*slack.Client, *models.SlackConnection, error) {
	conn, err := s.store.SlackConnectionByOrg(ctx, orgID)
	if err != nil {
		return nil, nil, lookupFault("connection: slack credentials", err, fault.Config)
	}
	if conn.Status != models.ConnectionActive {
		return nil, conn, fault.Errorf(fault.Config, "connection: slack credentials", "slack connection for %s is %s", orgID, strings.ToLower(conn.Status))
	}
	token, err := s.vault.Decrypt(conn.AccessToken)
	if err != nil {
		return nil, conn, fault.New(fault.Config, "connection: slack credentials", err)
	}
	client, err := slack.New(slack.ClientOpts{Token: token, APIURL: s.slackAPIURL})
	if err != nil {
		return nil, conn, err
	}
	return client, conn, nil
}

// ZendeskClient returns a client holding the organization's decrypted API
// key, with the same fault rules as SlackClient.
func (s *Service) ZendeskClient(ctx context.Context, orgID string) (*zendesk.Client, *models.ZendeskConnection, error) {
	conn, err := s.store.ZendeskConnectionByOrg(ctx, orgID)
	if err != nil {
		return nil, nil, lookupFault("connection: zendesk credentials", err, fault.Config)
	}
	if conn.Status != models.ConnectionActive {
		return nil, conn, fault.Errorf(fault.Config, "connection: zendesk credentials", "zendesk connection for %s is %s", orgID, strings.ToLower(conn.Status))
	}
	key, err := s.vault.Decrypt(conn.APIKey)
	if err != nil {
		return nil, conn, fault.New(fault.Config, "connection: zendesk credentials", err)
	}
	client, err := s.zendeskClient(zendesk.Credentials{Domain: conn.Domain, Email: conn.Email, APIKey: key})
	if err != nil {
		return nil, conn, fault.New(fault.Config, "connection: zendesk credentials", err)
	}
	return client, conn, nil
}

func (s *Service) zendeskClient(creds zendesk.Credentials) (*zendesk.Client, error) {
	return zendesk.New(zendesk.ClientOpts{Credentials: creds, BaseURL: s.zendeskBaseURL, HTTPClient: s.httpClient})
}

// --- listing ---

// SlackSummary is a Slack connection without secrets.
type SlackSummary struct {
	TeamID      string    `json:"teamId"`
	TeamName    string    `json:"teamName"`
	BotUserID   string    `json:"botUserId"`
	InstalledBy string    `json:"installedBy,omitempty"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ZendeskSummary is a Zendesk connection without secrets.
type ZendeskSummary struct {
	Domain    string    `json:"domain"`
	Email     string    `json:"email"`
	WebhookID string    `json:"webhookId,omitempty"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summary lists an organization's connections.
type Summary struct {
	OrganizationID     string          `json:"organizationId"`
	Name               string          `json:"name"`
	Plan               string          `json:"plan"`
	SubscriptionStatus string          `json:"subscriptionStatus"`
	Slack              *SlackSummary   `json:"slack"`
	Zendesk            *ZendeskSummary `json:"zendesk"`
}

// Connections summarizes an organization's connections. Tokens and keys
// are never included.
func (s *Service) Connections(ctx context.Context, orgID string) (*Summary, error) {
	org, err := s.store.Organization(ctx, orgID)
	if err != nil {
		return nil, lookupFault("connection: list", err, fault.Invalid)
	}
	sum := &Summary{
		OrganizationID:     org.ID,
		Name:               org.Name,
		Plan:               org.Plan,
		SubscriptionStatus: org.SubscriptionStatus,
	}
	if sc, err := s.store.SlackConnectionByOrg(ctx, orgID); err == nil {
		sum.Slack = &SlackSummary{
			TeamID:      sc.TeamID,
			TeamName:    sc.TeamName,
			BotUserID:   sc.BotUserID,
			InstalledBy: sc.InstalledBy,
			Status:      sc.Status,
			UpdatedAt:   sc.UpdatedAt,
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if zc, err := s.store.ZendeskConnectionByOrg(ctx, orgID); err == nil {
		sum.Zendesk = &ZendeskSummary{
			Domain:    zc.Domain,
			Email:     zc.Email,
			WebhookID: zc.WebhookID,
			Status:    zc.Status,
			UpdatedAt: zc.UpdatedAt,
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return sum, nil
}

// lookupFault classifies a store lookup: not found becomes kind, anything
// else stays a retryable downstream failure.
func lookupFault(op string, err error, kind fault.Kind) error {
	if errors.Is(err, store.ErrNotFound) {
		return fault.New(kind, op, err)
	}
	return fault.New(fault.Downstream, op, err)
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("connection: generate webhook token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
