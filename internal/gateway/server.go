// Package gateway exposes the bot's HTTP surface: the webhook endpoint
// that feeds the strategy runner and a health probe for the supervisor.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"signalbot/internal/config"
	"signalbot/pkg/types"
)

// maxBodyBytes caps webhook payloads. Alert messages are plaintext and
// a few hundred bytes at most; anything bigger is not a signal.
const maxBodyBytes = 4 << 10

// SignalSink receives accepted webhook bodies and returns the verdict
// for each one. Implemented by the strategy runner.
type SignalSink interface {
	Submit(ctx context.Context, body string) types.SignalResult
}

// Server is the webhook listener.
type Server struct {
	sink    SignalSink
	allowed map[string]struct{}
	server  *http.Server
	logger  *slog.Logger
}

// New builds the gin router and wraps it in an http.Server with the
// usual timeouts.
func New(cfg config.ServerConfig, sink SignalSink, logger *slog.Logger) *Server {
	s := &Server{
		sink:    sink,
		allowed: make(map[string]struct{}, len(cfg.AllowedIPs)),
		logger:  logger.With("component", "gateway"),
	}
	for _, ip := range cfg.AllowedIPs {
		s.allowed[ip] = struct{}{}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.POST("/webhook", s.handleWebhook)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start serves until Stop shuts the listener down. A clean shutdown
// returns nil.
func (s *Server) Start() error {
	s.logger.Info("webhook server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server, letting in-flight webhook replies
// finish.
func (s *Server) Stop() error {
	s.logger.Info("stopping webhook server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
