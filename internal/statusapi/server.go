// Package statusapi serves the read-side of the engine over HTTP: session
// progress, task group detail, the event trail, and the notice inbox. It
// never mutates orchestration state beyond acknowledging notices.
package statusapi

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/signalbox/internal/session"
	"github.com/zulandar/signalbox/internal/store"
)

// StartOpts holds configuration for the status server.
type StartOpts struct {
	Store    *store.Store
	Sessions *session.Manager
	Port     int
	Out      io.Writer
}

// Start launches the status HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Store == nil || opts.Sessions == nil {
		return fmt.Errorf("statusapi: store and sessions are required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(opts.Store, opts.Sessions)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Status API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("statusapi: %w", err)
	}
	return nil
}

// newRouter builds the Gin router with all routes registered. Split out so
// tests can drive it through httptest without binding a port.
func newRouter(st *store.Store, sessions *session.Manager) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, st, sessions)
	return router
}
