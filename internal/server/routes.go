package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/switchyard/internal/auth"
	"github.com/zulandar/switchyard/internal/connection"
	"github.com/zulandar/switchyard/internal/fault"
	"github.com/zulandar/switchyard/internal/queue"
	"github.com/zulandar/switchyard/internal/syncer"
)

// registerRoutes sets up all routes on the gin router.
func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", s.handleHealth)

	// Webhooks.
	router.POST("/slack/events", s.handleSlackEvents)
	router.POST("/slack/interactive", s.handleSlackInteractive)
	router.POST("/zendesk/webhook", s.handleZendeskWebhook)

	// Slack install. Browser redirects, authenticated by the OAuth state.
	router.GET("/oauth/slack/install", s.handleInstall)
	router.GET("/oauth/slack/callback", s.handleCallback)

	admin := router.Group("/", s.requireAdmin)
	admin.POST("/zendesk/connect", s.handleZendeskConnect)
	admin.GET("/organizations/:id/connections", s.handleConnections)
	admin.POST("/billing/events", s.handleBilling)
}

func (s *Server) requireAdmin(c *gin.Context) {
	if err := auth.CheckBearer(c.GetHeader("Authorization"), s.adminToken); err != nil {
		fail(c, "admin", fault.New(fault.Unauthenticated, "admin", err))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	sqlDB, err := s.store.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		fail(c, "healthz", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleInstall(c *gin.Context) {
	url, err := s.conns.InstallURL(c.Request.Context(), c.Query("organization_id"), c.Query("user"))
	if err != nil {
		fail(c, "install", err)
		return
	}
	c.Redirect(http.StatusFound, url)
}

func (s *Server) handleCallback(c *gin.Context) {
	if reason := c.Query("error"); reason != "" {
		fail(c, "oauth callback", fault.Errorf(fault.Invalid, "oauth callback", "install not approved: %s", reason))
		return
	}
	code, state := c.Query("code"), c.Query("state")
	if code == "" || state == "" {
		fail(c, "oauth callback", fault.Errorf(fault.Invalid, "oauth callback", "code and state are required"))
		return
	}
	conn, err := s.conns.CompleteInstall(c.Request.Context(), code, state)
	if err != nil {
		fail(c, "oauth callback", err)
		return
	}
	fmt.Fprintf(s.out, "server: slack workspace %s installed [org=%s]\n", conn.TeamID, conn.OrganizationID)
	c.JSON(http.StatusOK, gin.H{
		"organizationId": conn.OrganizationID,
		"teamId":         conn.TeamID,
		"teamName":       conn.TeamName,
	})
}

func (s *Server) handleZendeskConnect(c *gin.Context) {
	var in connection.ZendeskInput
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, "zendesk connect", fault.New(fault.Invalid, "zendesk connect", err))
		return
	}
	ctx := c.Request.Context()
	if _, err := s.conns.ConnectZendesk(ctx, in); err != nil {
		fail(c, "zendesk connect", err)
		return
	}
	sum, err := s.conns.Connections(ctx, in.OrganizationID)
	if err != nil {
		fail(c, "zendesk connect", err)
		return
	}
	c.JSON(http.StatusCreated, sum.Zendesk)
}

func (s *Server) handleConnections(c *gin.Context) {
	sum, err := s.conns.Connections(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "connections", err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) handleBilling(c *gin.Context) {
	var ev syncer.BillingEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		fail(c, "billing", fault.New(fault.Invalid, "billing", err))
		return
	}
	if err := ev.Validate(); err != nil {
		fail(c, "billing", err)
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		fail(c, "billing", err)
		return
	}
	if err := s.publisher.Publish(c.Request.Context(), queue.TopicBilling, payload, ""); err != nil {
		fail(c, "billing", fault.New(fault.Downstream, "billing", err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}
