package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Credentials SeedTenant stores and the Zendesk fake accepts.
const (
	ZendeskEmail  = "agent@acme.test"
	ZendeskAPIKey = "zd-key"
)

// ZendeskComment is a comment stored on a fake ticket.
type ZendeskComment struct {
	Body     string   `json:"body"`
	AuthorID int64    `json:"author_id"`
	Public   bool     `json:"public"`
	Uploads  []string `json:"uploads"`
}

// ZendeskTicket is a ticket stored by the fake.
type ZendeskTicket struct {
	ID          int64
	Subject     string
	ExternalID  string
	RequesterID int64
	Comments    []ZendeskComment
}

// ZendeskUser is a user upserted into the fake.
type ZendeskUser struct {
	ID         int64
	Name       string
	Email      string
	ExternalID string
}

// Zendesk is a fake Zendesk REST API. Idempotency-Key is honoured on ticket
// creation and comment updates the way the relay relies on.
type Zendesk struct {
	Server *httptest.Server

	mu          sync.Mutex
	nextID      int64
	users       map[string]*ZendeskUser // external id -> user
	tickets     map[int64]*ZendeskTicket
	ticketOrder []int64
	idem        map[string]int64 // idempotency key -> ticket id
	uploads     map[string]string
	attachments map[string]string
	webhooks    []string
	triggers    int
	failNext    map[string]int // path -> status
	calls       map[string]int // "METHOD path" -> count
	keys        []string
}

// NewZendesk starts a fake Zendesk account.
func NewZendesk(t testing.TB) *Zendesk {
	t.Helper()
	f := &Zendesk{
		nextID:      1000,
		users:       make(map[string]*ZendeskUser),
		tickets:     make(map[int64]*ZendeskTicket),
		idem:        make(map[string]int64),
		uploads:     make(map[string]string),
		attachments: make(map[string]string),
		failNext:    make(map[string]int),
		calls:       make(map[string]int),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// URL is the account base URL.
func (f *Zendesk) URL() string { return f.Server.URL }

// FailNext makes the next request to path answer with status.
func (f *Zendesk) FailNext(path string, status int) {
	f.mu.Lock()
	f.failNext[path] = status
	f.mu.Unlock()
}

// AddAttachment serves body at URL()+"/attachments/"+name.
func (f *Zendesk) AddAttachment(name, body string) string {
	f.mu.Lock()
	f.attachments[name] = body
	f.mu.Unlock()
	return f.Server.URL + "/attachments/" + name
}

// Tickets returns every ticket in creation order.
func (f *Zendesk) Tickets() []ZendeskTicket {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ZendeskTicket, 0, len(f.ticketOrder))
	for _, id := range f.ticketOrder {
		t := *f.tickets[id]
		t.Comments = append([]ZendeskComment(nil), t.Comments...)
		out = append(out, t)
	}
	return out
}

// User returns the user with externalID, or nil.
func (f *Zendesk) User(externalID string) *ZendeskUser {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[externalID]; ok {
		cp := *u
		return &cp
	}
	return nil
}

// Upload returns the body stored under an upload token.
func (f *Zendesk) Upload(token string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.uploads[token]
	return b, ok
}

// Calls counts requests by "METHOD /path".
func (f *Zendesk) Calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

// IdempotencyKeys returns the Idempotency-Key headers received, in order.
func (f *Zendesk) IdempotencyKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

// Webhooks returns the endpoints registered as webhooks.
func (f *Zendesk) Webhooks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.webhooks...)
}

func (f *Zendesk) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *Zendesk) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[r.Method+" "+r.URL.Path]++
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		f.keys = append(f.keys, key)
	}

	if status, ok := f.failNext[r.URL.Path]; ok {
		delete(f.failNext, r.URL.Path)
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error":"injected %d"}`, status)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/attachments/") {
		body, ok := f.attachments[strings.TrimPrefix(r.URL.Path, "/attachments/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.WriteString(w, body)
		return
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != ZendeskEmail+"/token" || pass != ZendeskAPIKey {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"Couldn't authenticate you"}`)
		return
	}

	path := r.URL.Path
	switch {
	case path == "/api/v2/users/me.json":
		writeJSON(w, map[string]any{"user": map[string]any{"id": 1, "email": ZendeskEmail, "role": "admin"}})

	case path == "/api/v2/users/create_or_update.json":
		var in struct {
			User struct {
				Name       string `json:"name"`
				Email      string `json:"email"`
				ExternalID string `json:"external_id"`
			} `json:"user"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		u, ok := f.users[in.User.ExternalID]
		if !ok {
			u = &ZendeskUser{ID: f.id(), ExternalID: in.User.ExternalID}
			f.users[in.User.ExternalID] = u
		}
		u.Name, u.Email = in.User.Name, in.User.Email
		writeJSON(w, map[string]any{"user": map[string]any{"id": u.ID, "external_id": u.ExternalID}})

	case path == "/api/v2/tickets.json" && r.Method == http.MethodPost:
		var in struct {
			Ticket struct {
				Subject     string         `json:"subject"`
				Comment     ZendeskComment `json:"comment"`
				RequesterID int64          `json:"requester_id"`
				ExternalID  string         `json:"external_id"`
			} `json:"ticket"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		key := r.Header.Get("Idempotency-Key")
		if id, ok := f.idem["create:"+key]; ok && key != "" {
			writeJSON(w, map[string]any{"ticket": map[string]any{"id": id}})
			return
		}
		t := &ZendeskTicket{
			ID:          f.id(),
			Subject:     in.Ticket.Subject,
			ExternalID:  in.Ticket.ExternalID,
			RequesterID: in.Ticket.RequesterID,
			Comments:    []ZendeskComment{in.Ticket.Comment},
		}
		f.tickets[t.ID] = t
		f.ticketOrder = append(f.ticketOrder, t.ID)
		if key != "" {
			f.idem["create:"+key] = t.ID
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"ticket": map[string]any{"id": t.ID, "status": "new"}})

	case strings.HasPrefix(path, "/api/v2/tickets/") && r.Method == http.MethodPut:
		id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(path, "/api/v2/tickets/"), ".json"), 10, 64)
		t, ok := f.tickets[id]
		if err != nil || !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"RecordNotFound"}`)
			return
		}
		var in struct {
			Ticket struct {
				Comment ZendeskComment `json:"comment"`
			} `json:"ticket"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		key := r.Header.Get("Idempotency-Key")
		if _, dup := f.idem["update:"+key]; !dup || key == "" {
			t.Comments = append(t.Comments, in.Ticket.Comment)
			if key != "" {
				f.idem["update:"+key] = id
			}
		}
		writeJSON(w, map[string]any{"ticket": map[string]any{"id": id}})

	case path == "/api/v2/uploads.json":
		body, _ := io.ReadAll(r.Body)
		token := fmt.Sprintf("up-%d", f.id())
		f.uploads[token] = string(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"upload": map[string]any{"token": token}})

	case path == "/api/v2/webhooks" && r.Method == http.MethodPost:
		var in struct {
			Webhook struct {
				Endpoint string `json:"endpoint"`
			} `json:"webhook"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		f.webhooks = append(f.webhooks, in.Webhook.Endpoint)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"webhook": map[string]any{"id": fmt.Sprintf("01WH%d", len(f.webhooks))}})

	case strings.HasPrefix(path, "/api/v2/webhooks/") && r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)

	case path == "/api/v2/triggers.json":
		f.triggers++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"trigger": map[string]any{"id": 500 + f.triggers}})

	default:
		http.NotFound(w, r)
	}
}
