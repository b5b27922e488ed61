package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Zendesk webhook event names, as written by the trigger the relay
// registers on connect.
const (
	ZendeskCommentAdded  = "ticket_comment_added"
	ZendeskStatusChanged = "ticket_status_changed"
)

// flexInt accepts a JSON number or a numeric string. Zendesk placeholders
// always render as strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %s", b)
	}
	*f = flexInt(n)
	return nil
}

// flexBool accepts a JSON bool or "true"/"false".
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	*f = flexBool(strings.EqualFold(s, "true"))
	return nil
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

type zendeskPayload struct {
	Type             string       `json:"type"`
	TicketID         flexInt      `json:"ticket_id"`
	CommentID        flexString   `json:"comment_id"`
	AuthorExternalID string       `json:"author_external_id"`
	AuthorName       string       `json:"author_name"`
	Body             string       `json:"body"`
	Public           *flexBool    `json:"public"`
	Status           string       `json:"status"`
	Attachments      []Attachment `json:"attachments"`
}

// ParseZendesk parses a Zendesk webhook body.
func ParseZendesk(body []byte) (Event, error) {
	var p zendeskPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("event: parse zendesk: %w", err)
	}

	switch p.Type {
	case ZendeskCommentAdded:
		if p.TicketID == 0 || p.CommentID == "" {
			return nil, fmt.Errorf("event: parse zendesk: %s without ticket_id or comment_id", p.Type)
		}
		public := true
		if p.Public != nil {
			public = bool(*p.Public)
		}
		return TicketCommentAdded{
			TicketID:         int64(p.TicketID),
			CommentID:        string(p.CommentID),
			AuthorExternalID: p.AuthorExternalID,
			AuthorName:       p.AuthorName,
			Body:             p.Body,
			Public:           public,
			Attachments:      p.Attachments,
		}, nil
	case ZendeskStatusChanged:
		if p.TicketID == 0 {
			return nil, fmt.Errorf("event: parse zendesk: %s without ticket_id", p.Type)
		}
		return TicketStatusChanged{TicketID: int64(p.TicketID), Status: strings.ToLower(p.Status)}, nil
	}
	return Unknown{Source: "zendesk", Type: p.Type, Raw: body}, nil
}
