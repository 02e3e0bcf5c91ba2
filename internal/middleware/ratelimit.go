package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/aman-churiwal/cathedral-tour/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// largest body we are willing to buffer while looking for a sessionId
const maxSessionBodyBytes = 64 << 10

// RateLimiter is the part of ratelimit.SlidingWindowLimiter the handler needs
type RateLimiter interface {
	IsRateLimited(ctx context.Context, identifier string) bool
	RetryAfterSeconds() int
}

// ClientIdentifier picks the rate limit key for r: the first X-Forwarded-For
// entry, then X-Real-IP, then the connection address, then sessionID, and
// "unknown" when all of them are empty.
func ClientIdentifier(r *http.Request, sessionID string) string {
	if id := addressIdentifier(r); id != "" {
		return id
	}
	if id := strings.TrimSpace(sessionID); id != "" {
		return id
	}
	return ratelimit.UnknownIdentifier
}

func addressIdentifier(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}

// sessionID reads sessionId from the query string, or from a JSON body.
// The body is restored so the next handler can bind it.
func sessionID(c *gin.Context) string {
	if id := c.Query("sessionId"); id != "" {
		return id
	}

	req := c.Request
	if req.Body == nil || !strings.HasPrefix(req.Header.Get("Content-Type"), "application/json") {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxSessionBodyBytes))
	if err != nil {
		return ""
	}
	req.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), req.Body))

	var payload struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.SessionID
}

// RateLimit rejects requests from clients over their quota with 429 and a
// Retry-After header. Store failures inside the limiter let requests through.
func RateLimit(limiter RateLimiter, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		identifier := addressIdentifier(c.Request)
		if identifier == "" {
			identifier = ClientIdentifier(c.Request, sessionID(c))
		}

		if !limiter.IsRateLimited(c.Request.Context(), identifier) {
			c.Next()
			return
		}

		retryAfter := limiter.RetryAfterSeconds()

		log.Info("request_rate_limited",
			zap.String("identifier", identifier),
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString(RequestIDKey)),
			zap.Int("retry_after", retryAfter),
		)

		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":      "Too many requests",
			"message":    "Please try again later",
			"retryAfter": retryAfter,
		})
	}
}
