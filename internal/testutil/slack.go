package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	slackapi "github.com/slack-go/slack"
)

// SlackPost is a recorded chat.postMessage call.
type SlackPost struct {
	Channel  string
	ThreadTS string
	Text     string
	Blocks   string
	TS       string
}

// SlackUpload is a file shared through files.uploadV2.
type SlackUpload struct {
	FileID   string
	Filename string
	Channel  string
	ThreadTS string
	Body     string
}

// SlackFile is a file the fake serves from files.info and its download URL.
type SlackFile struct {
	Name     string
	Mimetype string
	Body     string
}

// Slack is a fake Slack Web API. Point a client at APIURL().
type Slack struct {
	Server *httptest.Server

	mu       sync.Mutex
	seq      int
	posts    []SlackPost
	uploads  []SlackUpload
	pending  map[string]SlackUpload // upload id -> staged upload
	views    []string
	channels map[string]slackapi.Channel
	users    map[string]slackapi.User
	files    map[string]SlackFile
	failures map[string]string // method -> slack error code
	tokens   []string
}

// NewSlack starts a fake Slack Web API. Point both the Web API client and
// the OAuth exchange at APIURL().
func NewSlack(t testing.TB) *Slack {
	t.Helper()
	f := &Slack{
		pending:  make(map[string]SlackUpload),
		channels: make(map[string]slackapi.Channel),
		users:    make(map[string]slackapi.User),
		files:    make(map[string]SlackFile),
		failures: make(map[string]string),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// APIURL is the Web API base URL, with trailing slash.
func (f *Slack) APIURL() string { return f.Server.URL + "/api/" }

// AddChannel registers a channel for conversations.info.
func (f *Slack) AddChannel(id, name string, private bool) {
	var ch slackapi.Channel
	ch.ID = id
	ch.Name = name
	ch.IsPrivate = private
	ch.IsMember = true
	f.mu.Lock()
	f.channels[id] = ch
	f.mu.Unlock()
}

// AddUser registers a user for users.info.
func (f *Slack) AddUser(id, displayName, email string) {
	u := slackapi.User{ID: id, RealName: displayName}
	u.Profile.DisplayName = displayName
	u.Profile.Email = email
	f.mu.Lock()
	f.users[id] = u
	f.mu.Unlock()
}

// AddFile registers a file for files.info and download.
func (f *Slack) AddFile(id string, file SlackFile) {
	f.mu.Lock()
	f.files[id] = file
	f.mu.Unlock()
}

// Fail makes every call to method answer with the Slack error code.
func (f *Slack) Fail(method, code string) {
	f.mu.Lock()
	f.failures[method] = code
	f.mu.Unlock()
}

// Posts returns recorded chat.postMessage calls.
func (f *Slack) Posts() []SlackPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SlackPost(nil), f.posts...)
}

// Uploads returns completed file uploads.
func (f *Slack) Uploads() []SlackUpload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SlackUpload(nil), f.uploads...)
}

// Views returns the user ids a Home tab was published for.
func (f *Slack) Views() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.views...)
}

// Tokens returns the bot tokens presented, in order.
func (f *Slack) Tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *Slack) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/download/"):
		f.serveDownload(w, r)
		return
	case strings.HasPrefix(r.URL.Path, "/upload/"):
		f.serveUpload(w, r)
		return
	}

	method := strings.TrimPrefix(r.URL.Path, "/api/")
	var jsonBody map[string]any
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(r.Body).Decode(&jsonBody)
	} else {
		_ = r.ParseForm()
	}
	token := r.Form.Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if token != "" {
		f.tokens = append(f.tokens, token)
	}
	if code, ok := f.failures[method]; ok {
		writeJSON(w, map[string]any{"ok": false, "error": code})
		return
	}

	switch method {
	case "auth.test":
		writeJSON(w, map[string]any{"ok": true, "team_id": "T1", "user_id": "UBOT"})
	case "chat.postMessage":
		f.seq++
		ts := fmt.Sprintf("1800000000.%06d", f.seq)
		f.posts = append(f.posts, SlackPost{
			Channel:  r.Form.Get("channel"),
			ThreadTS: r.Form.Get("thread_ts"),
			Text:     r.Form.Get("text"),
			Blocks:   r.Form.Get("blocks"),
			TS:       ts,
		})
		writeJSON(w, map[string]any{"ok": true, "channel": r.Form.Get("channel"), "ts": ts})
	case "conversations.info":
		ch, ok := f.channels[r.Form.Get("channel")]
		if !ok {
			writeJSON(w, map[string]any{"ok": false, "error": "channel_not_found"})
			return
		}
		writeJSON(w, map[string]any{"ok": true, "channel": ch})
	case "users.info":
		u, ok := f.users[r.Form.Get("user")]
		if !ok {
			writeJSON(w, map[string]any{"ok": false, "error": "user_not_found"})
			return
		}
		writeJSON(w, map[string]any{"ok": true, "user": u})
	case "files.info":
		id := r.Form.Get("file")
		file, ok := f.files[id]
		if !ok {
			writeJSON(w, map[string]any{"ok": false, "error": "file_not_found"})
			return
		}
		writeJSON(w, map[string]any{"ok": true, "file": map[string]any{
			"id":                   id,
			"name":                 file.Name,
			"mimetype":             file.Mimetype,
			"size":                 len(file.Body),
			"url_private_download": f.Server.URL + "/download/" + id,
		}})
	case "files.getUploadURLExternal":
		f.seq++
		id := fmt.Sprintf("FUP%d", f.seq)
		f.pending[id] = SlackUpload{FileID: id, Filename: r.Form.Get("filename")}
		writeJSON(w, map[string]any{"ok": true, "file_id": id, "upload_url": f.Server.URL + "/upload/" + id})
	case "files.completeUploadExternal":
		var files []slackapi.FileSummary
		_ = json.Unmarshal([]byte(r.Form.Get("files")), &files)
		for _, fs := range files {
			up := f.pending[fs.ID]
			delete(f.pending, fs.ID)
			up.Channel = r.Form.Get("channel_id")
			up.ThreadTS = r.Form.Get("thread_ts")
			f.uploads = append(f.uploads, up)
		}
		writeJSON(w, map[string]any{"ok": true, "files": files})
	case "views.publish":
		userID, _ := jsonBody["user_id"].(string)
		f.views = append(f.views, userID)
		writeJSON(w, map[string]any{"ok": true, "view": map[string]any{"id": "V1"}})
	case "oauth.v2.access":
		if r.Form.Get("code") != "good-code" {
			writeJSON(w, map[string]any{"ok": false, "error": "invalid_code"})
			return
		}
		writeJSON(w, map[string]any{
			"ok":           true,
			"access_token": "xoxb-installed",
			"bot_user_id":  "UBOT",
			"app_id":       "A1",
			"team":         map[string]string{"id": "T1", "name": "Acme"},
			"authed_user":  map[string]string{"id": "UADMIN"},
		})
	default:
		writeJSON(w, map[string]any{"ok": false, "error": "unknown_method"})
	}
}

func (f *Slack) serveDownload(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/download/")
	f.mu.Lock()
	file, ok := f.files[id]
	f.mu.Unlock()
	if !ok || !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer xoxb-") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", file.Mimetype)
	_, _ = io.WriteString(w, file.Body)
}

func (f *Slack) serveUpload(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/upload/")
	mr, err := r.MultipartReader()
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var body string
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		if part.FormName() == "file" {
			b, _ := io.ReadAll(part)
			body = string(b)
		}
		part.Close()
	}
	f.mu.Lock()
	up := f.pending[id]
	up.Body = body
	f.pending[id] = up
	f.mu.Unlock()
	_, _ = io.WriteString(w, "OK - "+fmt.Sprint(len(body)))
}
