// Package storage persists terminal job outcomes to a local SQLite file so
// history survives restarts.
package storage

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ghoststream/ghoststream/internal/jobs"
	"github.com/ghoststream/ghoststream/internal/observability"
)

// JobRecord is one terminal job outcome.
type JobRecord struct {
	ID          string    `gorm:"primaryKey"`
	Source      string    `gorm:"not null"`
	Mode        string    `gorm:"not null;index"`
	State       string    `gorm:"not null;index"`
	HWFamily    string
	Error       string
	DurationSec float64
	CreatedAt   time.Time
	CompletedAt time.Time `gorm:"index"`
}

// TableName keeps the table name stable across gorm naming changes.
func (JobRecord) TableName() string { return "job_history" }

// History is the terminal-job record store. It satisfies jobs.Recorder.
type History struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (or creates) the history database and migrates its schema.
func Open(path string, log *slog.Logger) (*History, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if err := db.AutoMigrate(&JobRecord{}); err != nil {
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}
	return &History{
		db:     db,
		logger: observability.WithComponent(log, "history"),
	}, nil
}

// Close releases the underlying connection.
func (h *History) Close() error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record upserts a terminal job view.
func (h *History) Record(view jobs.View, req jobs.Request) error {
	record := JobRecord{
		ID:          view.ID,
		Source:      req.Source,
		Mode:        string(req.Mode),
		State:       string(view.State),
		HWFamily:    string(view.HWFamily),
		Error:       view.Error,
		DurationSec: view.Duration,
		CreatedAt:   view.CreatedAt,
	}
	if view.CompletedAt != nil {
		record.CompletedAt = *view.CompletedAt
	}
	return h.db.Save(&record).Error
}

// Recent returns the most recently completed records, newest first.
func (h *History) Recent(limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []JobRecord
	err := h.db.Order("completed_at DESC").Limit(limit).Find(&records).Error
	return records, err
}

// CountByState returns terminal-state counts across all history.
func (h *History) CountByState() (map[string]int64, error) {
	type row struct {
		State string
		N     int64
	}
	var out []row
	err := h.db.Model(&JobRecord{}).
		Select("state, count(*) as n").
		Group("state").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(out))
	for _, r := range out {
		counts[r.State] = r.N
	}
	return counts, nil
}

// Prune removes records completed before the cutoff.
func (h *History) Prune(before time.Time) (int64, error) {
	res := h.db.Where("completed_at < ?", before).Delete(&JobRecord{})
	return res.RowsAffected, res.Error
}
