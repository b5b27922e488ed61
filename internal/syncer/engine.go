// Package syncer is the conversation mapping engine: it turns queued Slack
// and Zendesk events into tickets, comments, thread replies and file
// transfers, recording every relayed message so replays are no-ops.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/zulandar/switchyard/internal/connection"
	"github.com/zulandar/switchyard/internal/event"
	"github.com/zulandar/switchyard/internal/fault"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/queue"
	"github.com/zulandar/switchyard/internal/store"
)

// Defaults applied when Opts leaves a field zero.
const (
	DefaultNamespace        = "switchyard"
	DefaultSameSenderWindow = 30 * time.Minute
)

// Engine relays events between one organization's Slack workspace and its
// Zendesk account. It holds no per-tenant state; credentials are resolved
// on every event.
type Engine struct {
	store     *store.Store
	conns     *connection.Service
	publisher queue.Publisher
	namespace string
	window    time.Duration
	now       func() time.Time
	out       io.Writer
	router    *event.Router
}

// Opts holds parameters for creating an Engine.
type Opts struct {
	Store       *store.Store
	Connections *connection.Service
	Publisher   queue.Publisher // receives file jobs
	// Namespace prefixes the external ids of Zendesk users created for
	// Slack authors. Comments by such users are never relayed back.
	Namespace string
	// SameSenderWindow merges root messages by one author into their open
	// conversation. Negative disables merging.
	SameSenderWindow time.Duration
	Now              func() time.Time
	Out              io.Writer // defaults to os.Stdout
}

// New creates an Engine.
func New(opts Opts) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("syncer: store is required")
	}
	if opts.Connections == nil {
		return nil, fmt.Errorf("syncer: connection service is required")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("syncer: publisher is required")
	}
	ns := opts.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	window := opts.SameSenderWindow
	if window == 0 {
		window = DefaultSameSenderWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	e := &Engine{
		store:     opts.Store,
		conns:     opts.Connections,
		publisher: opts.Publisher,
		namespace: ns,
		window:    window,
		now:       now,
		out:       out,
	}
	e.router = event.NewRouter(event.RouterOpts{Routes: e.Routes(), Out: out})
	return e, nil
}

// Routes returns the engine's handler for every event group.
func (e *Engine) Routes() event.Routes {
	return event.Routes{
		Message:   event.HandlerFunc(e.handleMessage),
		Channel:   event.HandlerFunc(e.HandleChannel),
		Lifecycle: event.HandlerFunc(e.HandleLifecycle),
		Home:      event.HandlerFunc(e.HandleHome),
		Ticket:    event.HandlerFunc(e.HandleZendeskEvent),
		Action:    event.HandlerFunc(e.HandleAction),
	}
}

// Dispatch routes one parsed event through the engine.
func (e *Engine) Dispatch(ctx context.Context, ev event.Event, conn event.Connection) error {
	return e.router.Dispatch(ctx, ev, conn)
}

// Register installs the engine's consumers on every topic.
func (e *Engine) Register(c queue.Consumer) {
	c.Register(queue.TopicChatMessages, e.consumeEnvelope)
	c.Register(queue.TopicLifecycle, e.consumeEnvelope)
	c.Register(queue.TopicFileUploads, e.consumeFileJob)
	c.Register(queue.TopicBilling, e.consumeBilling)
}

func (e *Engine) handleMessage(ctx context.Context, ev event.Event, conn event.Connection) error {
	msg, ok := ev.(event.Message)
	if !ok {
		return fault.Errorf(fault.Invalid, "syncer: message", "unexpected event %T", ev)
	}
	return e.HandleSlackMessage(ctx, msg, conn)
}

// consumeEnvelope handles a queued webhook body. Bodies that no longer
// parse are logged and dropped since redelivery cannot fix them.
func (e *Engine) consumeEnvelope(ctx context.Context, d queue.Delivery) error {
	env, err := queue.DecodeEnvelope(d.Payload)
	if err != nil {
		if !fault.Is(err, fault.Config) || env.Connection == nil || env.Connection.SlackTeamID == "" {
			return err
		}
		// Queued before the workspace finished installing.
		sc, rerr := e.conns.ForTeam(ctx, env.Connection.SlackTeamID)
		if rerr != nil {
			return rerr
		}
		env.Connection.OrganizationID = sc.OrganizationID
	}

	var ev event.Event
	switch env.Source {
	case models.PlatformSlack:
		ev, err = event.ParseSlack(env.EventBody)
	case models.PlatformZendesk:
		ev, err = event.ParseZendesk(env.EventBody)
	default:
		err = fmt.Errorf("unknown source %q", env.Source)
	}
	if err != nil {
		log.Printf("syncer: drop %s %s: %v [org=%s]", d.Topic, d.ID, err, env.Connection.OrganizationID)
		return nil
	}
	conn := event.Connection{
		OrganizationID: env.Connection.OrganizationID,
		SlackTeamID:    env.Connection.SlackTeamID,
	}
	return e.router.Dispatch(ctx, ev, conn)
}

func (e *Engine) consumeFileJob(ctx context.Context, d queue.Delivery) error {
	var job FileJob
	if err := json.Unmarshal(d.Payload, &job); err != nil {
		return fault.New(fault.Invalid, "syncer: decode file job", err)
	}
	return e.HandleFileJob(ctx, job)
}

func (e *Engine) consumeBilling(ctx context.Context, d queue.Delivery) error {
	var ev BillingEvent
	if err := json.Unmarshal(d.Payload, &ev); err != nil {
		return fault.New(fault.Invalid, "syncer: decode billing event", err)
	}
	return e.HandleBilling(ctx, ev)
}

// organization loads the tenant of an event. A tenant that no longer
// exists is a configuration fault.
func (e *Engine) organization(ctx context.Context, op, orgID string) (*models.Organization, error) {
	if orgID == "" {
		return nil, fault.Errorf(fault.Config, op, "event carries no organization")
	}
	org, err := e.store.Organization(ctx, orgID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.New(fault.Config, op, err)
	}
	if err != nil {
		return nil, fault.New(fault.Downstream, op, err)
	}
	return org, nil
}

func (e *Engine) publish(ctx context.Context, topic string, v any, dedupKey string) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("syncer: encode %s: %w", topic, err)
	}
	if err := e.publisher.Publish(ctx, topic, payload, dedupKey); err != nil {
		return fault.New(fault.Downstream, "syncer: publish "+topic, err)
	}
	return nil
}

func (e *Engine) record(ctx context.Context, convID, platform, platformMessageID, authorID string) error {
	_, err := e.store.RecordMessage(ctx, &models.Message{
		ConversationID:    convID,
		Platform:          platform,
		PlatformMessageID: platformMessageID,
		AuthorID:          authorID,
	})
	if err != nil {
		return fault.New(fault.Downstream, "syncer: record message", err)
	}
	return nil
}
