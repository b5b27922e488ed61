package queue

import (
	"bytes"
	"encoding/json"

	"github.com/zulandar/switchyard/internal/fault"
)

// ConnectionDetails identifies the tenant a queued event belongs to. The
// listener resolves it at ingestion so workers never re-authenticate.
type ConnectionDetails struct {
	OrganizationID string `json:"organizationId"`
	SlackTeamID    string `json:"slackTeamId,omitempty"`
}

// Envelope is the payload on TopicChatMessages and TopicLifecycle: the raw
// webhook body plus the resolved tenant.
type Envelope struct {
	Source     string             `json:"source"` // "slack" or "zendesk"
	EventBody  json.RawMessage    `json:"eventBody"`
	Connection *ConnectionDetails `json:"connection,omitempty"`
}

// Validate reports a missing body as invalid input and missing connection
// details as a retryable configuration fault.
func (e Envelope) Validate() error {
	if body := bytes.TrimSpace(e.EventBody); len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return fault.Errorf(fault.Invalid, "queue: envelope", "empty event body")
	}
	if e.Connection == nil || e.Connection.OrganizationID == "" {
		return fault.Errorf(fault.Config, "queue: envelope", "missing connection details")
	}
	return nil
}

// EncodeEnvelope marshals an envelope for publishing.
func EncodeEnvelope(source string, body []byte, conn ConnectionDetails) ([]byte, error) {
	return json.Marshal(Envelope{Source: source, EventBody: body, Connection: &conn})
}

// DecodeEnvelope unmarshals and validates a queued envelope.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return Envelope{}, fault.New(fault.Invalid, "queue: decode envelope", err)
	}
	if err := e.Validate(); err != nil {
		return e, err
	}
	return e, nil
}
