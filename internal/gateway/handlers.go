package gateway

import (
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"signalbot/pkg/types"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleWebhook checks the caller against the allowlist, reads the
// plaintext body and hands it to the strategy runner. The runner's
// verdict is the response, so the alert sender sees exactly what the
// bot did with its signal.
func (s *Server) handleWebhook(c *gin.Context) {
	ip := clientIP(c.Request)
	if _, ok := s.allowed[ip]; !ok {
		s.logger.Warn("webhook from unlisted address", "ip", ip)
		c.JSON(http.StatusForbidden, types.SignalResult{
			Status:  types.SignalError,
			Message: "forbidden",
		})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		s.logger.Error("failed to read webhook body", "error", err)
		c.JSON(http.StatusOK, types.SignalResult{
			Status:  types.SignalError,
			Message: "unreadable body",
		})
		return
	}

	message := strings.TrimSpace(string(raw))
	s.logger.Info("webhook received", "ip", ip, "message", message)

	if message == "" {
		s.logger.Warn("webhook carried no message")
		c.JSON(http.StatusOK, types.SignalResult{
			Status:  types.SignalError,
			Message: "empty message",
		})
		return
	}

	c.JSON(http.StatusOK, s.sink.Submit(c.Request.Context(), message))
}

// clientIP resolves the caller behind proxies: the first hop of
// X-Forwarded-For, then X-Real-IP, then the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
