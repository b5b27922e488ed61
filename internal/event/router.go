package event

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Handler handles one event for an authenticated tenant.
type Handler interface {
	Handle(ctx context.Context, ev Event, conn Connection) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event, conn Connection) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ev Event, conn Connection) error {
	return f(ctx, ev, conn)
}

// Routes names the handler for each group of kinds. A nil route means the
// kinds in that group are acknowledged and dropped.
type Routes struct {
	// Message receives relayable Slack messages.
	Message Handler
	// Channel receives membership and rename events.
	Channel Handler
	// Lifecycle receives uninstall and token revocation.
	Lifecycle Handler
	// Home receives app_home_opened.
	Home Handler
	// Ticket receives Zendesk comment and status events.
	Ticket Handler
	// Action receives Slack block actions.
	Action Handler
}

// Router dispatches events by kind.
type Router struct {
	routes Routes
	out    io.Writer
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Routes Routes
	Out    io.Writer // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) *Router {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{routes: opts.Routes, out: out}
}

// Dispatch routes ev to its handler. Kinds without a handler are logged and
// acknowledged; handler errors are returned unchanged.
func (r *Router) Dispatch(ctx context.Context, ev Event, conn Connection) error {
	if ev == nil {
		return fmt.Errorf("event: dispatch: nil event")
	}

	var h Handler
	switch k := ev.Kind(); k {
	case KindMessage:
		h = r.routes.Message
	case KindMemberJoinedChannel, KindChannelLeft, KindChannelRename:
		h = r.routes.Channel
	case KindAppUninstalled, KindTokensRevoked:
		h = r.routes.Lifecycle
	case KindAppHomeOpened:
		h = r.routes.Home
	case KindTicketCommentAdded, KindTicketStatusChanged:
		h = r.routes.Ticket
	case KindCloseConversation:
		h = r.routes.Action
	case KindURLVerification:
		// Answered by the HTTP layer before dispatch.
		return nil
	case KindBotMessage, KindMessageChanged, KindMessageDeleted, KindMessageIgnored:
		fmt.Fprintf(r.out, "event: router: ignore %s [org=%s]\n", k, conn.OrganizationID)
		return nil
	case KindUnknown:
		fmt.Fprintf(r.out, "event: router: unhandled %s [org=%s]\n", describe(ev), conn.OrganizationID)
		return nil
	default:
		return fmt.Errorf("event: dispatch: kind %d has no route", int(k))
	}

	if h == nil {
		fmt.Fprintf(r.out, "event: router: no handler for %s [org=%s]\n", ev.Kind(), conn.OrganizationID)
		return nil
	}
	return h.Handle(ctx, ev, conn)
}

func describe(ev Event) string {
	if u, ok := ev.(Unknown); ok && u.Type != "" {
		return u.Source + " " + u.Type
	}
	return ev.Kind().String()
}
