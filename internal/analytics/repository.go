package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("analytics: record not found")

// Repository persists analytics records. Insert-if-absent is the only write.
type Repository interface {
	// InsertIfAbsent stores rec unless a record for the same call exists. It reports whether it wrote.
	InsertIfAbsent(ctx context.Context, rec Record) (bool, error)
	Get(ctx context.Context, callID string) (Record, error)
	// SentimentCounts groups records processed in [from, to) by sentiment label.
	SentimentCounts(ctx context.Context, from, to time.Time) (map[string]int, error)
}

type GormRepository struct {
	db *gorm.DB
}

// Open connects to Postgres through gorm.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("analytics: connect: %w", err)
	}
	return db, nil
}

func NewGormRepository(db *gorm.DB) *GormRepository { return &GormRepository{db: db} }

// Migrate creates or updates the analytics tables.
func (r *GormRepository) Migrate() error {
	if err := r.db.AutoMigrate(&Record{}); err != nil {
		return fmt.Errorf("analytics: auto migrate: %w", err)
	}
	return nil
}

func (r *GormRepository) InsertIfAbsent(ctx context.Context, rec Record) (bool, error) {
	if rec.CallID == "" {
		return false, errors.New("analytics: call_id required")
	}
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now().UTC()
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "call_id"}}, DoNothing: true}).
		Create(&rec)
	if res.Error != nil {
		return false, fmt.Errorf("analytics: insert %s: %w", rec.CallID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *GormRepository) Get(ctx context.Context, callID string) (Record, error) {
	var rec Record
	err := r.db.WithContext(ctx).Where("call_id = ?", callID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (r *GormRepository) SentimentCounts(ctx context.Context, from, to time.Time) (map[string]int, error) {
	var rows []struct {
		Sentiment string
		N         int
	}
	err := r.db.WithContext(ctx).Model(&Record{}).
		Select("sentiment, COUNT(*) AS n").
		Where("processed_at >= ? AND processed_at < ?", from, to).
		Group("sentiment").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.Sentiment] = row.N
	}
	return out, nil
}
