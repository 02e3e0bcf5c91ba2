package repository

import (
	"context"
	"time"

	"github.com/aman-churiwal/cathedral-tour/internal/models"
	"github.com/aman-churiwal/cathedral-tour/internal/storage"
)

type RequestLogRepository struct {
	db *storage.Postgres
}

// Request count for one path
type EndpointCount struct {
	Path  string `json:"path"`
	Count int64  `json:"count"`
}

// Requests bucketed by hour
type HourlyStat struct {
	Hour            time.Time `json:"hour"`
	Count           int64     `json:"count"`
	RateLimited     int64     `json:"rate_limited"`
	AvgResponseTime float64   `json:"avg_response_time_ms"`
}

func NewRequestLogRepository(db *storage.Postgres) *RequestLogRepository {
	return &RequestLogRepository{db: db}
}

// Inserts multiple request logs (for batch insertion)
func (r *RequestLogRepository) CreateBatch(ctx context.Context, logs []models.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}

	return r.db.DB.WithContext(ctx).CreateInBatches(logs, 100).Error
}

// Counts logs in a time range
func (r *RequestLogRepository) CountByTimeRange(ctx context.Context, from, to time.Time) (int64, error) {
	var count int64

	err := r.db.DB.WithContext(ctx).
		Model(&models.RequestLog{}).
		Where("timestamp BETWEEN ? AND ?", from, to).
		Count(&count).Error

	return count, err
}

// Count logs by status code range (e.g., 4xx, 5xx)
func (r *RequestLogRepository) CountByStatusCodeRange(ctx context.Context, minStatusCode, maxStatusCode int, from, to time.Time) (int64, error) {
	var count int64

	err := r.db.DB.WithContext(ctx).
		Model(&models.RequestLog{}).
		Where("status_code BETWEEN ? AND ? AND timestamp BETWEEN ? AND ?", minStatusCode, maxStatusCode, from, to).
		Count(&count).Error

	return count, err
}

// Calculates average response time
func (r *RequestLogRepository) GetAverageResponseTime(ctx context.Context, from, to time.Time) (float64, error) {
	var avg float64

	err := r.db.DB.WithContext(ctx).
		Model(&models.RequestLog{}).
		Where("timestamp BETWEEN ? AND ?", from, to).
		Select("COALESCE(AVG(response_time_ms), 0)").
		Scan(&avg).Error

	return avg, err
}

// Calculates a response time percentile (0.95 for p95)
func (r *RequestLogRepository) GetPercentile(ctx context.Context, from, to time.Time, percentile float64) (float64, error) {
	var result float64
	query := `
		SELECT COALESCE(PERCENTILE_CONT(?) WITHIN GROUP (ORDER BY response_time_ms), 0)
		FROM request_logs
		WHERE timestamp BETWEEN ? AND ?
	`

	err := r.db.DB.WithContext(ctx).Raw(query, percentile, from, to).Scan(&result).Error
	return result, err
}

// Returns most frequently accessed endpoints
func (r *RequestLogRepository) GetTopEndpoints(ctx context.Context, from, to time.Time, limit int) ([]EndpointCount, error) {
	var results []EndpointCount

	err := r.db.DB.WithContext(ctx).
		Model(&models.RequestLog{}).
		Select("path, COUNT(*) as count").
		Where("timestamp BETWEEN ? AND ?", from, to).
		Group("path").
		Order("count DESC").
		Limit(limit).
		Scan(&results).Error

	return results, err
}

// Returns the request count grouped by hour
func (r *RequestLogRepository) GetHourlyStats(ctx context.Context, from, to time.Time) ([]HourlyStat, error) {
	var results []HourlyStat

	err := r.db.DB.WithContext(ctx).
		Model(&models.RequestLog{}).
		Select(`DATE_TRUNC('hour', timestamp) as hour,
			COUNT(*) as count,
			COUNT(*) FILTER (WHERE status_code = 429) as rate_limited,
			AVG(response_time_ms) as avg_response_time`).
		Where("timestamp BETWEEN ? AND ?", from, to).
		Group("hour").
		Order("hour ASC").
		Scan(&results).Error

	return results, err
}

// Deletes logs older than the specified time
func (r *RequestLogRepository) DeleteOldLogs(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.DB.WithContext(ctx).
		Where("timestamp < ?", before).
		Delete(&models.RequestLog{})

	return result.RowsAffected, result.Error
}
