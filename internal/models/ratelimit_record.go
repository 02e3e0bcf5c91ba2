package models

import "time"

// Persisted sliding-window state for one client identifier.
// Requests holds a JSON array of epoch-millisecond timestamps.
type RateLimitRecord struct {
	Identifier   string    `gorm:"primaryKey;size:255" json:"identifier"`
	Requests     string    `gorm:"type:text;not null;default:'[]'" json:"requests"`
	Blocked      bool      `gorm:"not null;default:false" json:"blocked"`
	BlockedUntil int64     `gorm:"not null;default:0" json:"blocked_until"`
	UpdatedAt    time.Time `gorm:"index" json:"updated_at"`
}

func (RateLimitRecord) TableName() string {
	return "rate_limit_records"
}
