// Package gormstore journals marker transitions to SQLite or Postgres through GORM.
// Rows are buffered and written in batches on an interval, when a batch
// fills up, and on Close.
package gormstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/friendmap/markerd/internal/queue"
	"github.com/friendmap/markerd/pkg/core"
	"gorm.io/gorm"
)

const defaultBatchSize = 500

// Config holds the batching settings shared by both drivers.
type Config struct {
	FlushInterval time.Duration
	BatchSize     int
	// DumpPath, when set, receives a VACUUM INTO snapshot on Close (SQLite only).
	DumpPath string
}

// Backend writes transitions with GORM.
type Backend struct {
	db     *gorm.DB
	cfg    Config
	logger *slog.Logger

	pending *queue.Queue[TransitionRecord]
	flushMu sync.Mutex

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// New wraps an open database.
func New(db *gorm.DB, cfg Config, logger *slog.Logger) *Backend {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		db:       db,
		cfg:      cfg,
		logger:   logger,
		pending:  queue.New[TransitionRecord](),
		stopChan: make(chan struct{}),
	}
}

// Init migrates the schema and starts the flush goroutine.
func (b *Backend) Init() error {
	if err := b.db.AutoMigrate(&TransitionRecord{}); err != nil {
		return fmt.Errorf("migrating transition table: %w", err)
	}

	if b.cfg.FlushInterval > 0 {
		b.wg.Add(1)
		go b.flushLoop()
	}
	return nil
}

// Record buffers t, flushing when a batch is full.
func (b *Backend) Record(t core.Transition) error {
	b.pending.Push(NewRecord(t))
	if b.pending.Len() >= b.cfg.BatchSize {
		return b.Flush()
	}
	return nil
}

// Flush writes every buffered row.
func (b *Backend) Flush() error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	rows := b.pending.GetAndEmpty()
	if len(rows) == 0 {
		return nil
	}
	if err := b.db.CreateInBatches(rows, b.cfg.BatchSize).Error; err != nil {
		// Keep the rows for the next flush.
		b.pending.PushFront(rows...)
		return fmt.Errorf("writing %d transitions: %w", len(rows), err)
	}
	b.logger.Debug("Flushed transitions", "count", len(rows))
	return nil
}

// Pending returns the number of buffered rows.
func (b *Backend) Pending() int {
	return b.pending.Len()
}

// Close stops the flush goroutine, writes what is left and closes the database.
func (b *Backend) Close() error {
	var err error
	b.once.Do(func() {
		close(b.stopChan)
		b.wg.Wait()

		if ferr := b.Flush(); ferr != nil {
			err = ferr
		}
		if b.cfg.DumpPath != "" {
			if derr := DumpToDisk(b.db, b.cfg.DumpPath); derr != nil {
				b.logger.Error("Error dumping journal to disk", "path", b.cfg.DumpPath, "error", derr)
			}
		}

		sqlDB, dberr := b.db.DB()
		if dberr != nil {
			if err == nil {
				err = fmt.Errorf("failed to access sql interface: %w", dberr)
			}
			return
		}
		if cerr := sqlDB.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// History returns up to limit rows for a friend, oldest first. A non-positive
// limit returns every row.
func (b *Backend) History(ctx context.Context, friendID string, limit int) ([]TransitionRecord, error) {
	var rows []TransitionRecord
	q := b.db.WithContext(ctx).Where("friend_id = ?", friendID).Order("at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying history for %s: %w", friendID, err)
	}
	return rows, nil
}

// CountByCause returns the number of stored rows per cause.
func (b *Backend) CountByCause(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Cause string
		N     int64
	}
	err := b.db.WithContext(ctx).
		Model(&TransitionRecord{}).
		Select("cause, COUNT(*) AS n").
		Group("cause").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting transitions: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Cause] = r.N
	}
	return out, nil
}

func (b *Backend) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			if err := b.Flush(); err != nil {
				b.logger.Error("Error flushing transitions", "error", err)
			}
		}
	}
}
