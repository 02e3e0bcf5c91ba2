package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aman-churiwal/cathedral-tour/internal/models"
	"github.com/aman-churiwal/cathedral-tour/internal/storage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgresStore serializes updates with a row lock (SELECT ... FOR UPDATE)
// inside a transaction.
type PostgresStore struct {
	db *storage.Postgres
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *storage.Postgres) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Update(ctx context.Context, identifier string, fn UpdateFunc) error {
	return s.db.Transaction(ctx, func(tx *gorm.DB) error {
		// Make sure a row exists to lock. A concurrent first request for the
		// same identifier loses the insert and waits on the lock below.
		seed := models.RateLimitRecord{Identifier: identifier, Requests: "[]", UpdatedAt: time.Now()}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed)
		if res.Error != nil {
			return fmt.Errorf("seed rate limit record: %w", res.Error)
		}
		inserted := res.RowsAffected == 1

		var row models.RateLimitRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("identifier = ?", identifier).
			First(&row).Error; err != nil {
			return fmt.Errorf("lock rate limit record: %w", err)
		}

		rec, err := recordFromRow(row)
		if err != nil {
			return err
		}
		if inserted {
			rec = Record{}
		}

		next, write, err := fn(rec, !inserted)
		if err != nil {
			return err
		}
		if !write {
			return nil
		}

		updated, err := rowFromRecord(identifier, next)
		if err != nil {
			return err
		}
		updated.UpdatedAt = time.Now()

		return tx.Model(&models.RateLimitRecord{}).
			Where("identifier = ?", identifier).
			Updates(map[string]interface{}{
				"requests":      updated.Requests,
				"blocked":       updated.Blocked,
				"blocked_until": updated.BlockedUntil,
				"updated_at":    updated.UpdatedAt,
			}).Error
	})
}

func (s *PostgresStore) Get(ctx context.Context, identifier string) (Record, bool, error) {
	var row models.RateLimitRecord
	err := s.db.DB.WithContext(ctx).
		Where("identifier = ?", identifier).
		First(&row).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	rec, err := recordFromRow(row)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func recordFromRow(row models.RateLimitRecord) (Record, error) {
	rec := Record{
		Identifier:   row.Identifier,
		Blocked:      row.Blocked,
		BlockedUntil: row.BlockedUntil,
	}
	if row.Requests != "" {
		if err := json.Unmarshal([]byte(row.Requests), &rec.Requests); err != nil {
			return Record{}, fmt.Errorf("decode requests for %s: %w", row.Identifier, err)
		}
	}
	return rec, nil
}

func rowFromRecord(identifier string, rec Record) (models.RateLimitRecord, error) {
	requests := rec.Requests
	if requests == nil {
		requests = []int64{}
	}
	encoded, err := json.Marshal(requests)
	if err != nil {
		return models.RateLimitRecord{}, fmt.Errorf("encode requests for %s: %w", identifier, err)
	}

	return models.RateLimitRecord{
		Identifier:   identifier,
		Requests:     string(encoded),
		Blocked:      rec.Blocked,
		BlockedUntil: rec.BlockedUntil,
	}, nil
}
