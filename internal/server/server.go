// Package server is the relay's HTTP surface: Slack and Zendesk webhooks,
// the Slack OAuth install flow and the connection endpoints the dashboard
// calls.
package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/switchyard/internal/auth"
	"github.com/zulandar/switchyard/internal/connection"
	"github.com/zulandar/switchyard/internal/fault"
	"github.com/zulandar/switchyard/internal/queue"
	"github.com/zulandar/switchyard/internal/store"
	"github.com/zulandar/switchyard/internal/syncer"
)

// maxBody caps inbound webhook bodies.
const maxBody = 1 << 20

// Server handles inbound requests.
type Server struct {
	store      *store.Store
	conns      *connection.Service
	engine     *syncer.Engine
	publisher  queue.Publisher
	verifier   *auth.SlackVerifier
	adminToken string
	out        io.Writer
}

// Opts holds parameters for creating a Server.
type Opts struct {
	Store       *store.Store
	Connections *connection.Service
	Engine      *syncer.Engine
	Publisher   queue.Publisher
	Verifier    *auth.SlackVerifier
	// AdminToken guards the dashboard-facing endpoints. Empty rejects them.
	AdminToken string
	Out        io.Writer
}

// New creates a Server.
func New(opts Opts) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("server: store is required")
	}
	if opts.Connections == nil {
		return nil, fmt.Errorf("server: connections are required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("server: engine is required")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("server: publisher is required")
	}
	if opts.Verifier == nil {
		return nil, fmt.Errorf("server: slack verifier is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Server{
		store:      opts.Store,
		conns:      opts.Connections,
		engine:     opts.Engine,
		publisher:  opts.Publisher,
		verifier:   opts.Verifier,
		adminToken: opts.AdminToken,
		out:        out,
	}, nil
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)
	return router
}

// Start serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	if port <= 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	fmt.Fprintf(s.out, "Switchyard listening on :%d\n", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// status maps a fault kind to an HTTP status.
func status(err error) int {
	switch fault.KindOf(err) {
	case fault.Invalid:
		return http.StatusBadRequest
	case fault.Unauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// fail logs err and answers with its mapped status. Internal details stay
// out of 5xx bodies.
func fail(c *gin.Context, op string, err error) {
	code := status(err)
	log.Printf("server: %s: %v", op, err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		msg = "internal error"
	}
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}

// readBody reads a capped request body.
func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBody))
	if err != nil {
		return nil, fault.New(fault.Invalid, "read body", err)
	}
	return body, nil
}
