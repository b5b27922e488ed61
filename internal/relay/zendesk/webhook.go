package zendesk

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/zulandar/switchyard/internal/event"
)

// Webhook bodies rendered by the triggers. Field names match what
// event.ParseZendesk reads; Zendesk renders every placeholder as a string.
const (
	commentBody = `{
  "type": "` + event.ZendeskCommentAdded + `",
  "ticket_id": "{{ticket.id}}",
  "comment_id": "{{ticket.latest_comment.id}}",
  "author_external_id": "{{ticket.latest_comment.author.external_id}}",
  "author_name": "{{ticket.latest_comment.author.name}}",
  "body": "{{ticket.latest_comment.value}}",
  "public": "{{ticket.latest_comment.is_public}}",
  "attachments": [{% for attachment in ticket.latest_comment.attachments %}{"file_name": "{{attachment.filename}}", "content_url": "{{attachment.url}}"}{% unless forloop.last %},{% endunless %}{% endfor %}]
}`
	statusBody = `{
  "type": "` + event.ZendeskStatusChanged + `",
  "ticket_id": "{{ticket.id}}",
  "status": "{{ticket.status}}"
}`
)

// Condition is one trigger condition.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value,omitempty"`
}

// Conditions groups trigger conditions.
type Conditions struct {
	All []Condition `json:"all"`
	Any []Condition `json:"any"`
}

// CreateWebhook registers a JSON POST webhook authenticated with a bearer
// token and returns its id.
func (c *Client) CreateWebhook(ctx context.Context, name, endpoint, bearerToken string) (string, error) {
	in := map[string]any{"webhook": map[string]any{
		"name":           name,
		"endpoint":       endpoint,
		"http_method":    http.MethodPost,
		"request_format": "json",
		"status":         "active",
		"subscriptions":  []string{"conditional_ticket_events"},
		"authentication": map[string]any{
			"type":         "bearer_token",
			"add_position": "header",
			"data":         map[string]string{"token": bearerToken},
		},
	}}
	var out struct {
		Webhook struct {
			ID string `json:"id"`
		} `json:"webhook"`
	}
	if err := c.do(ctx, "zendesk: create webhook", http.MethodPost, "/api/v2/webhooks", "", in, &out); err != nil {
		return "", err
	}
	return out.Webhook.ID, nil
}

// DeleteWebhook removes a webhook. A webhook that is already gone is not
// an error.
func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	err := c.do(ctx, "zendesk: delete webhook", http.MethodDelete, "/api/v2/webhooks/"+id, "", nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// CreateTrigger creates a trigger that notifies webhookID with body when
// conditions match, and returns the trigger id.
func (c *Client) CreateTrigger(ctx context.Context, title string, conds Conditions, webhookID, body string) (string, error) {
	if conds.All == nil {
		conds.All = []Condition{}
	}
	if conds.Any == nil {
		conds.Any = []Condition{}
	}
	in := map[string]any{"trigger": map[string]any{
		"title":      title,
		"conditions": conds,
		"actions": []map[string]any{{
			"field": "notification_webhook",
			"value": []string{webhookID, body},
		}},
	}}
	var out struct {
		Trigger struct {
			ID int64 `json:"id"`
		} `json:"trigger"`
	}
	if err := c.do(ctx, "zendesk: create trigger", http.MethodPost, "/api/v2/triggers.json", "", in, &out); err != nil {
		return "", err
	}
	return strconv.FormatInt(out.Trigger.ID, 10), nil
}

// Registration records what RegisterRelay created.
type Registration struct {
	WebhookID  string
	TriggerIDs []string
}

// TriggerIDList joins the trigger ids for storage.
func (r Registration) TriggerIDList() string {
	return strings.Join(r.TriggerIDs, ",")
}

// RegisterRelay creates the webhook pointing at endpoint plus the public
// comment and solved/closed status triggers that feed it.
func (c *Client) RegisterRelay(ctx context.Context, name, endpoint, bearerToken string) (*Registration, error) {
	webhookID, err := c.CreateWebhook(ctx, name, endpoint, bearerToken)
	if err != nil {
		return nil, err
	}
	reg := &Registration{WebhookID: webhookID}

	commentID, err := c.CreateTrigger(ctx, name+": public comment", Conditions{
		All: []Condition{
			{Field: "update_type", Operator: "is", Value: "Change"},
			{Field: "comment_is_public", Operator: "is", Value: "true"},
		},
	}, webhookID, commentBody)
	if err != nil {
		return reg, err
	}
	reg.TriggerIDs = append(reg.TriggerIDs, commentID)

	statusID, err := c.CreateTrigger(ctx, name+": ticket solved", Conditions{
		All: []Condition{
			{Field: "status", Operator: "changed"},
		},
		Any: []Condition{
			{Field: "status", Operator: "is", Value: "solved"},
			{Field: "status", Operator: "is", Value: "closed"},
		},
	}, webhookID, statusBody)
	if err != nil {
		return reg, err
	}
	reg.TriggerIDs = append(reg.TriggerIDs, statusID)
	return reg, nil
}
