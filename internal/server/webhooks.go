package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/switchyard/internal/auth"
	"github.com/zulandar/switchyard/internal/event"
	"github.com/zulandar/switchyard/internal/fault"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/queue"
)

// handleSlackEvents verifies and routes an Events API callback:
//  1. Verify the signature over the raw body.
//  2. Answer url_verification with its challenge.
//  3. Resolve the workspace to its organization.
//  4. Enqueue messages and lifecycle events, keyed by event_id so Slack's
//     retries collapse; handle channel and Home events inline.
func (s *Server) handleSlackEvents(c *gin.Context) {
	const op = "slack events"
	body, err := readBody(c)
	if err != nil {
		fail(c, op, err)
		return
	}
	if err := s.verifier.VerifyRequest(c.Request.Header, body); err != nil {
		fail(c, op, fault.New(fault.Unauthenticated, op, err))
		return
	}
	ev, err := event.ParseSlack(body)
	if err != nil {
		fail(c, op, fault.New(fault.Invalid, op, err))
		return
	}
	if v, ok := ev.(event.URLVerification); ok {
		c.JSON(http.StatusOK, gin.H{"challenge": v.Challenge})
		return
	}

	var topic string
	switch ev.Kind() {
	case event.KindMessage:
		topic = queue.TopicChatMessages
	case event.KindAppUninstalled, event.KindTokensRevoked:
		topic = queue.TopicLifecycle
	case event.KindMemberJoinedChannel, event.KindChannelLeft, event.KindChannelRename, event.KindAppHomeOpened:
	default:
		fmt.Fprintf(s.out, "server: %s: ignore %s\n", op, ev.Kind())
		c.Status(http.StatusOK)
		return
	}

	var teamID, eventID string
	if t, ok := ev.(event.Teamed); ok {
		teamID = t.Team()
	}
	if e, ok := ev.(event.Enveloped); ok {
		eventID = e.Callback().EventID
	}
	ctx := c.Request.Context()
	conn, known, err := s.resolveTeam(ctx, teamID)
	if err != nil {
		fail(c, op, err)
		return
	}

	if topic == "" {
		if !known {
			fmt.Fprintf(s.out, "server: %s: ignore %s from unknown team %s\n", op, ev.Kind(), teamID)
			c.Status(http.StatusOK)
			return
		}
		if err := s.engine.Dispatch(ctx, ev, conn); err != nil {
			fail(c, op, err)
			return
		}
		c.Status(http.StatusOK)
		return
	}

	if !known && topic == queue.TopicLifecycle {
		fmt.Fprintf(s.out, "server: %s: ignore %s from unknown team %s\n", op, ev.Kind(), teamID)
		c.Status(http.StatusOK)
		return
	}
	// Messages from a workspace still finishing its install carry only the
	// team; the worker resolves it later.
	details := queue.ConnectionDetails{OrganizationID: conn.OrganizationID, SlackTeamID: teamID}
	if err := s.enqueue(ctx, topic, models.PlatformSlack, body, details, eventID); err != nil {
		fail(c, op, err)
		return
	}
	fmt.Fprintf(s.out, "server: %s: → %s %s [org=%s team=%s event=%s]\n", op, topic, ev.Kind(), conn.OrganizationID, teamID, eventID)
	c.Status(http.StatusOK)
}

// resolveTeam maps a workspace to its organization. known is false when no
// connection exists for the team.
func (s *Server) resolveTeam(ctx context.Context, teamID string) (event.Connection, bool, error) {
	if teamID == "" {
		return event.Connection{}, false, fault.Errorf(fault.Invalid, "resolve team", "event names no team")
	}
	sc, err := s.conns.ForTeam(ctx, teamID)
	if fault.Is(err, fault.Config) {
		return event.Connection{SlackTeamID: teamID}, false, nil
	}
	if err != nil {
		return event.Connection{}, false, err
	}
	return event.Connection{OrganizationID: sc.OrganizationID, SlackTeamID: teamID}, true, nil
}

func (s *Server) enqueue(ctx context.Context, topic, source string, body []byte, details queue.ConnectionDetails, key string) error {
	payload, err := queue.EncodeEnvelope(source, body, details)
	if err != nil {
		return fmt.Errorf("server: encode envelope: %w", err)
	}
	if err := s.publisher.Publish(ctx, topic, payload, key); err != nil {
		return fault.New(fault.Downstream, "enqueue "+topic, err)
	}
	return nil
}

// handleSlackInteractive handles block actions. Only the close button is
// acted on.
func (s *Server) handleSlackInteractive(c *gin.Context) {
	const op = "slack interactive"
	body, err := readBody(c)
	if err != nil {
		fail(c, op, err)
		return
	}
	if err := s.verifier.VerifyRequest(c.Request.Header, body); err != nil {
		fail(c, op, fault.New(fault.Unauthenticated, op, err))
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		fail(c, op, fault.New(fault.Invalid, op, err))
		return
	}
	ev, err := event.ParseInteraction(form)
	if err != nil {
		fail(c, op, fault.New(fault.Invalid, op, err))
		return
	}
	action, ok := ev.(event.CloseConversationAction)
	if !ok {
		c.Status(http.StatusOK)
		return
	}

	ctx := c.Request.Context()
	conn, known, err := s.resolveTeam(ctx, action.TeamID)
	if err != nil {
		fail(c, op, err)
		return
	}
	if !known {
		fail(c, op, fault.Errorf(fault.Unauthenticated, op, "team %q is not connected", action.TeamID))
		return
	}
	if err := s.engine.Dispatch(ctx, action, conn); err != nil {
		fail(c, op, err)
		return
	}
	c.Status(http.StatusOK)
}

// handleZendeskWebhook authenticates a trigger callback by its bearer
// token and enqueues it for the owning organization.
func (s *Server) handleZendeskWebhook(c *gin.Context) {
	const op = "zendesk webhook"
	token, err := auth.BearerToken(c.GetHeader("Authorization"))
	if err != nil {
		fail(c, op, fault.New(fault.Unauthenticated, op, err))
		return
	}
	ctx := c.Request.Context()
	zc, err := s.conns.ForWebhookToken(ctx, token)
	if err != nil {
		fail(c, op, err)
		return
	}
	body, err := readBody(c)
	if err != nil {
		fail(c, op, err)
		return
	}
	ev, err := event.ParseZendesk(body)
	if err != nil {
		fail(c, op, fault.New(fault.Invalid, op, err))
		return
	}

	var key string
	switch ev := ev.(type) {
	case event.TicketCommentAdded:
		key = fmt.Sprintf("zd:%d:%s", ev.TicketID, ev.CommentID)
	case event.TicketStatusChanged:
		// Status flips are idempotent downstream and may repeat legitimately.
	default:
		log.Printf("server: %s: ignore %s [org=%s]", op, ev.Kind(), zc.OrganizationID)
		c.Status(http.StatusOK)
		return
	}
	details := queue.ConnectionDetails{OrganizationID: zc.OrganizationID}
	if err := s.enqueue(ctx, queue.TopicChatMessages, models.PlatformZendesk, body, details, key); err != nil {
		fail(c, op, err)
		return
	}
	fmt.Fprintf(s.out, "server: %s: → %s %s [org=%s]\n", op, queue.TopicChatMessages, ev.Kind(), zc.OrganizationID)
	c.Status(http.StatusOK)
}
