// Package zendesk is the Zendesk side of the relay: a small REST client for
// users, tickets, comments, attachments and the webhook registration the
// relay needs on connect.
package zendesk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/switchyard/internal/fault"
)

const (
	// callTimeout bounds a JSON API call.
	callTimeout = 15 * time.Second
	// fileTimeout bounds an attachment upload or download.
	fileTimeout = 2 * time.Minute
	// snippetLen caps the response body quoted in errors.
	snippetLen = 512
)

// Credentials identify a Zendesk account and API token.
type Credentials struct {
	Domain string // subdomain, e.g. "acme" for acme.zendesk.com
	Email  string
	APIKey string
}

// Client is a Zendesk REST client for one account.
type Client struct {
	base   *url.URL
	email  string
	apiKey string
	http   *http.Client
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	Credentials
	// BaseURL overrides https://{domain}.zendesk.com.
	BaseURL    string
	HTTPClient *http.Client
}

// NormalizeDomain reduces "https://acme.zendesk.com/" or "acme.zendesk.com"
// to "acme".
func NormalizeDomain(domain string) string {
	d := strings.TrimSpace(strings.ToLower(domain))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimRight(d, "/")
	return strings.TrimSuffix(d, ".zendesk.com")
}

// New creates a Client.
func New(opts ClientOpts) (*Client, error) {
	domain := NormalizeDomain(opts.Domain)
	if opts.Email == "" || opts.APIKey == "" {
		return nil, fault.Errorf(fault.Config, "zendesk: new client", "email and api key are required")
	}
	raw := opts.BaseURL
	if raw == "" {
		if domain == "" || strings.ContainsAny(domain, "/.:@ ") {
			return nil, fault.Errorf(fault.Invalid, "zendesk: new client", "invalid domain %q", opts.Domain)
		}
		raw = "https://" + domain + ".zendesk.com"
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fault.New(fault.Invalid, "zendesk: new client", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{base: base, email: opts.Email, apiKey: opts.APIKey, http: hc}, nil
}

// User is a Zendesk user.
type User struct {
	ID         int64  `json:"id,omitempty"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Role       string `json:"role,omitempty"`
	Verified   bool   `json:"verified,omitempty"`
}

type userEnvelope struct {
	User User `json:"user"`
}

// Me returns the authenticated user. Zendesk answers bad credentials on
// this endpoint with an anonymous user, which is reported as a
// configuration fault.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var out userEnvelope
	if err := c.do(ctx, "zendesk: me", http.MethodGet, "/api/v2/users/me.json", "", nil, &out); err != nil {
		return nil, err
	}
	if out.User.ID == 0 {
		return nil, fault.Errorf(fault.Config, "zendesk: me", "credentials rejected for %s", c.base.Host)
	}
	return &out.User, nil
}

// CreateOrUpdateUser upserts a user keyed by external id and returns its id.
func (c *Client) CreateOrUpdateUser(ctx context.Context, u User) (int64, error) {
	if u.ExternalID == "" {
		return 0, fault.Errorf(fault.Invalid, "zendesk: create or update user", "external id is required")
	}
	if u.Name == "" {
		u.Name = u.ExternalID
	}
	var out userEnvelope
	if err := c.do(ctx, "zendesk: create or update user", http.MethodPost, "/api/v2/users/create_or_update.json", "", userEnvelope{User: u}, &out); err != nil {
		return 0, err
	}
	return out.User.ID, nil
}

// Comment is a ticket comment to add.
type Comment struct {
	Body     string   `json:"body"`
	AuthorID int64    `json:"author_id,omitempty"`
	Public   bool     `json:"public"`
	Uploads  []string `json:"uploads,omitempty"`
}

// NewTicket describes a ticket to create.
type NewTicket struct {
	Subject     string
	Comment     Comment
	RequesterID int64
	ExternalID  string
	Tags        []string
}

type ticketBody struct {
	Subject     string   `json:"subject,omitempty"`
	Comment     *Comment `json:"comment,omitempty"`
	RequesterID int64    `json:"requester_id,omitempty"`
	SubmitterID int64    `json:"submitter_id,omitempty"`
	ExternalID  string   `json:"external_id,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type ticketEnvelope struct {
	Ticket struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	} `json:"ticket"`
}

// CreateTicket opens a ticket and returns its id. idempotencyKey makes a
// repeated create return the original ticket.
func (c *Client) CreateTicket(ctx context.Context, t NewTicket, idempotencyKey string) (int64, error) {
	in := map[string]ticketBody{"ticket": {
		Subject:     t.Subject,
		Comment:     &t.Comment,
		RequesterID: t.RequesterID,
		SubmitterID: t.RequesterID,
		ExternalID:  t.ExternalID,
		Tags:        t.Tags,
	}}
	var out ticketEnvelope
	if err := c.do(ctx, "zendesk: create ticket", http.MethodPost, "/api/v2/tickets.json", idempotencyKey, in, &out); err != nil {
		return 0, err
	}
	if out.Ticket.ID == 0 {
		return 0, fault.Errorf(fault.Downstream, "zendesk: create ticket", "response carried no ticket id")
	}
	return out.Ticket.ID, nil
}

// AddComment appends a comment to a ticket under idempotencyKey.
func (c *Client) AddComment(ctx context.Context, ticketID int64, cm Comment, idempotencyKey string) error {
	in := map[string]ticketBody{"ticket": {Comment: &cm}}
	path := "/api/v2/tickets/" + strconv.FormatInt(ticketID, 10) + ".json"
	return c.do(ctx, fmt.Sprintf("zendesk: add comment to ticket %d", ticketID), http.MethodPut, path, idempotencyKey, in, nil)
}

// Upload streams r to the uploads endpoint and returns the upload token to
// attach to a comment.
func (c *Client) Upload(ctx context.Context, filename, contentType string, r io.Reader) (string, error) {
	if filename == "" {
		return "", fault.Errorf(fault.Invalid, "zendesk: upload", "filename is required")
	}
	if contentType == "" {
		contentType = "application/binary"
	}
	ctx, cancel := context.WithTimeout(ctx, fileTimeout)
	defer cancel()

	u := c.endpoint("/api/v2/uploads.json")
	u.RawQuery = url.Values{"filename": {filename}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), r)
	if err != nil {
		return "", fault.New(fault.Invalid, "zendesk: upload", err)
	}
	req.Header.Set("Content-Type", contentType)
	c.authorize(req)

	var out struct {
		Upload struct {
			Token string `json:"token"`
		} `json:"upload"`
	}
	if err := c.send(req, "zendesk: upload "+filename, &out); err != nil {
		return "", err
	}
	if out.Upload.Token == "" {
		return "", fault.Errorf(fault.Downstream, "zendesk: upload "+filename, "response carried no token")
	}
	return out.Upload.Token, nil
}

// Download streams an attachment into w and returns the byte count.
// Credentials are only sent to the account's own host.
func (c *Client) Download(ctx context.Context, contentURL string, w io.Writer) (int64, error) {
	u, err := url.Parse(contentURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return 0, fault.Errorf(fault.Invalid, "zendesk: download", "bad attachment url %q", contentURL)
	}
	ctx, cancel := context.WithTimeout(ctx, fileTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fault.New(fault.Invalid, "zendesk: download", err)
	}
	if u.Host == c.base.Host {
		c.authorize(req)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fault.New(fault.Downstream, "zendesk: download", err)
	}
	defer resp.Body.Close()
	if err := checkResponse("zendesk: download", resp); err != nil {
		return 0, err
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fault.New(fault.Downstream, "zendesk: download", err)
	}
	return n, nil
}

func (c *Client) endpoint(path string) *url.URL {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return &u
}

func (c *Client) authorize(req *http.Request) {
	req.SetBasicAuth(c.email+"/token", c.apiKey)
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
func (c *Client) do(ctx context.Context, op, method, path, idempotencyKey string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fault.New(fault.Invalid, op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path).String(), body)
	if err != nil {
		return fault.New(fault.Invalid, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	c.authorize(req)
	return c.send(req, op, out)
}

func (c *Client) send(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fault.New(fault.Downstream, op, err)
	}
	defer resp.Body.Close()
	if err := checkResponse(op, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fault.New(fault.Downstream, op+": decode response", err)
	}
	return nil
}

// StatusError is a non-2xx Zendesk response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// checkResponse maps a non-2xx response to a fault. Rejected credentials
// are a configuration fault; everything else is downstream.
func checkResponse(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, snippetLen))
	se := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fault.New(fault.Config, op, se)
	default:
		return fault.New(fault.Downstream, op, se)
	}
}
