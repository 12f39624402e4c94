package analytics

import "time"

// Record is the derived analysis for one completed call. At most one exists per call and it
// is never updated after insert.
type Record struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	CallID      string    `gorm:"size:36;not null;uniqueIndex" json:"call_id"`
	Embedding   []float32 `gorm:"serializer:json;type:text" json:"embedding"`
	Sentiment   string    `gorm:"size:16;index" json:"sentiment"`
	Topics      []string  `gorm:"serializer:json;type:text" json:"topics"`
	ProcessedAt time.Time `gorm:"not null;index" json:"processed_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Record) TableName() string { return "analytics_records" }
