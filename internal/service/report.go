package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aman-churiwal/cathedral-tour/internal/repository"
)

var ErrInvalidRange = errors.New("invalid time range: from must not be after to")

const DefaultTopEndpoints = 5

// RequestLogStore is implemented by repository.RequestLogRepository
type RequestLogStore interface {
	CountByTimeRange(ctx context.Context, from, to time.Time) (int64, error)
	CountByStatusCodeRange(ctx context.Context, minStatusCode, maxStatusCode int, from, to time.Time) (int64, error)
	GetAverageResponseTime(ctx context.Context, from, to time.Time) (float64, error)
	GetPercentile(ctx context.Context, from, to time.Time, percentile float64) (float64, error)
	GetTopEndpoints(ctx context.Context, from, to time.Time, limit int) ([]repository.EndpointCount, error)
	GetHourlyStats(ctx context.Context, from, to time.Time) ([]repository.HourlyStat, error)
	DeleteOldLogs(ctx context.Context, before time.Time) (int64, error)
}

type ReportService struct {
	repo         RequestLogStore
	topEndpoints int
	now          func() time.Time
}

func NewReportService(repo RequestLogStore, topEndpoints int) *ReportService {
	if topEndpoints <= 0 {
		topEndpoints = DefaultTopEndpoints
	}
	return &ReportService{
		repo:         repo,
		topEndpoints: topEndpoints,
		now:          time.Now,
	}
}

// Traffic report for a time range. Rates are percentages of TotalRequests.
type Report struct {
	From                time.Time                  `json:"from"`
	To                  time.Time                  `json:"to"`
	GeneratedAt         time.Time                  `json:"generated_at"`
	TotalRequests       int64                      `json:"total_requests"`
	RateLimitedRequests int64                      `json:"rate_limited_requests"`
	AvgResponseTime     float64                    `json:"avg_response_time_ms"`
	P95ResponseTime     float64                    `json:"p95_response_time_ms"`
	ErrorRate           float64                    `json:"error_rate"`
	SuccessRate         float64                    `json:"success_rate"`
	ClientErrorRate     float64                    `json:"client_error_rate"`
	ServerErrorRate     float64                    `json:"server_error_rate"`
	TopEndpoints        []repository.EndpointCount `json:"top_endpoints"`
	Hourly              []repository.HourlyStat    `json:"hourly"`
}

// Generates the traffic report for [from, to]
func (s *ReportService) Generate(ctx context.Context, from, to time.Time) (*Report, error) {
	if from.After(to) {
		return nil, ErrInvalidRange
	}

	report := &Report{
		From:         from,
		To:           to,
		GeneratedAt:  s.now(),
		TopEndpoints: []repository.EndpointCount{},
		Hourly:       []repository.HourlyStat{},
	}

	totalRequests, err := s.repo.CountByTimeRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("count requests: %w", err)
	}
	report.TotalRequests = totalRequests

	if totalRequests == 0 {
		return report, nil
	}

	if report.RateLimitedRequests, err = s.repo.CountByStatusCodeRange(ctx, http.StatusTooManyRequests, http.StatusTooManyRequests, from, to); err != nil {
		return nil, fmt.Errorf("count rate limited requests: %w", err)
	}

	if report.AvgResponseTime, err = s.repo.GetAverageResponseTime(ctx, from, to); err != nil {
		return nil, fmt.Errorf("average response time: %w", err)
	}

	if report.P95ResponseTime, err = s.repo.GetPercentile(ctx, from, to, 0.95); err != nil {
		return nil, fmt.Errorf("p95 response time: %w", err)
	}

	clientErrors, err := s.repo.CountByStatusCodeRange(ctx, 400, 499, from, to)
	if err != nil {
		return nil, fmt.Errorf("count client errors: %w", err)
	}

	serverErrors, err := s.repo.CountByStatusCodeRange(ctx, 500, 599, from, to)
	if err != nil {
		return nil, fmt.Errorf("count server errors: %w", err)
	}

	total := float64(totalRequests)
	report.ErrorRate = float64(clientErrors+serverErrors) / total * 100
	report.SuccessRate = 100 - report.ErrorRate
	report.ClientErrorRate = float64(clientErrors) / total * 100
	report.ServerErrorRate = float64(serverErrors) / total * 100

	topEndpoints, err := s.repo.GetTopEndpoints(ctx, from, to, s.topEndpoints)
	if err != nil {
		return nil, fmt.Errorf("top endpoints: %w", err)
	}
	if topEndpoints != nil {
		report.TopEndpoints = topEndpoints
	}

	hourly, err := s.repo.GetHourlyStats(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("hourly stats: %w", err)
	}
	if hourly != nil {
		report.Hourly = hourly
	}

	return report, nil
}

// Deletes logs older than the retention period
func (s *ReportService) CleanupOldLogs(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}
	cutOffDate := s.now().AddDate(0, 0, -retentionDays)
	return s.repo.DeleteOldLogs(ctx, cutOffDate)
}
