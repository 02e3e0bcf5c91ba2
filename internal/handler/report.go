package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aman-churiwal/cathedral-tour/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ReportGenerator is implemented by service.ReportService
type ReportGenerator interface {
	Generate(ctx context.Context, from, to time.Time) (*service.Report, error)
}

type ReportHandler struct {
	service     ReportGenerator
	defaultDays int
	log         *zap.Logger
	now         func() time.Time
}

func NewReportHandler(svc ReportGenerator, defaultDays int, log *zap.Logger) *ReportHandler {
	if defaultDays <= 0 {
		defaultDays = 30
	}
	return &ReportHandler{
		service:     svc,
		defaultDays: defaultDays,
		log:         log,
		now:         time.Now,
	}
}

type generateReportRequest struct {
	SessionID string `json:"sessionId"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// Handles POST /api/v1/reports/generate
func (h *ReportHandler) Generate(c *gin.Context) {
	var req generateReportRequest
	if c.Request.ContentLength != 0 && strings.HasPrefix(c.ContentType(), "application/json") {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	fromStr := firstNonEmpty(req.From, c.Query("from"))
	toStr := firstNonEmpty(req.To, c.Query("to"))

	from, to, err := h.parseTimeRange(fromStr, toStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.service.Generate(c.Request.Context(), from, to)
	if errors.Is(err, service.ErrInvalidRange) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.log.Error("report_generation_failed",
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate report"})
		return
	}

	h.log.Info("report_generated",
		zap.String("user_id", c.GetString("user_id")),
		zap.Time("from", from),
		zap.Time("to", to),
		zap.Int64("total_requests", report.TotalRequests),
	)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Report generated successfully.",
		"report":  report,
	})
}

// Parses from/to as RFC3339 or unix seconds. Defaults to the last
// defaultDays days ending now.
func (h *ReportHandler) parseTimeRange(fromStr, toStr string) (time.Time, time.Time, error) {
	to := h.now()
	from := to.AddDate(0, 0, -h.defaultDays)

	if toStr != "" {
		parsed, err := parseTime(toStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid 'to': %w", err)
		}
		to = parsed
		from = to.AddDate(0, 0, -h.defaultDays)
	}

	if fromStr != "" {
		parsed, err := parseTime(fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid 'from': %w", err)
		}
		from = parsed
	}

	return from, to, nil
}

func parseTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	// Try Unix timestamp
	timestamp, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor unix seconds", value)
	}
	return time.Unix(timestamp, 0), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
