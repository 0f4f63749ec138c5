// Package influx journals marker transitions as InfluxDB points, falling back
// to a gzipped line-protocol file when the server is unreachable.
package influx

import (
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/friendmap/markerd/internal/config"
	"github.com/friendmap/markerd/internal/geo"
	"github.com/friendmap/markerd/pkg/core"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"
)

// Measurement is the InfluxDB measurement transitions are written to.
const Measurement = "marker_transition"

const (
	pingTimeout     = 5 * time.Second
	retentionPeriod = 60 * 60 * 24 * 90 // 90 days
)

// Backend writes transitions to InfluxDB.
type Backend struct {
	cfg    config.InfluxConfig
	logger zerolog.Logger

	mu           sync.Mutex
	client       influxdb2.Client
	writer       influxdb2_api.WriteAPI
	backupFile   *os.File
	backupWriter *gzip.Writer
	valid        bool
	errWg        sync.WaitGroup
}

// New creates a new InfluxDB backend.
func New(cfg config.InfluxConfig, logger zerolog.Logger) *Backend {
	return &Backend{
		cfg:    cfg,
		logger: logger,
	}
}

// Init connects to InfluxDB. If the server does not answer a ping, points go
// to the backup file instead.
func (b *Backend) Init() error {
	b.client = influxdb2.NewClientWithOptions(
		b.cfg.URL,
		b.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	running, err := b.client.Ping(ctx)
	if err != nil || !running {
		b.logger.Warn().Err(err).Str("backupPath", b.cfg.BackupPath).
			Msg("InfluxDB unreachable, writing to backup file")
		return b.openBackup()
	}

	if err := b.ensureBucket(ctx); err != nil {
		return err
	}

	b.writer = b.client.WriteAPI(b.cfg.Org, b.cfg.Bucket)
	errorsCh := b.writer.Errors()
	b.errWg.Add(1)
	go func() {
		defer b.errWg.Done()
		for writeErr := range errorsCh {
			b.logger.Error().Err(writeErr).Str("bucket", b.cfg.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}()

	b.valid = true
	b.logger.Info().Str("bucket", b.cfg.Bucket).Msg("InfluxDB client initialized")
	return nil
}

func (b *Backend) openBackup() error {
	if b.cfg.BackupPath == "" {
		return fmt.Errorf("influxDB unreachable and no backup path configured")
	}
	file, err := os.OpenFile(b.cfg.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %w", err)
	}
	b.backupFile = file
	b.backupWriter = gzip.NewWriter(file)
	return nil
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	if _, err := b.client.BucketsAPI().FindBucketByName(ctx, b.cfg.Bucket); err == nil {
		return nil
	}

	b.logger.Info().Str("bucket", b.cfg.Bucket).Msg("Bucket not found, creating")
	org, err := b.client.OrganizationsAPI().FindOrganizationByName(ctx, b.cfg.Org)
	if err != nil {
		return fmt.Errorf("finding organization %q: %w", b.cfg.Org, err)
	}

	rule := domain.RetentionRuleTypeExpire
	_, err = b.client.BucketsAPI().CreateBucketWithName(ctx, org, b.cfg.Bucket, domain.RetentionRule{
		Type:         &rule,
		EverySeconds: retentionPeriod,
	})
	if err != nil {
		return fmt.Errorf("creating bucket %q: %w", b.cfg.Bucket, err)
	}
	return nil
}

// Record writes t as a point.
func (b *Backend) Record(t core.Transition) error {
	point := Point(t)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.valid {
		b.writer.WritePoint(point)
		return nil
	}
	if b.backupWriter == nil {
		return fmt.Errorf("influxDB client not initialized and backup writer not available")
	}

	line := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := b.backupWriter.Write([]byte(line)); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
	}
	return nil
}

// Close flushes pending points and releases the client and backup file.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.writer != nil {
		b.writer.Flush()
	}
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
	b.errWg.Wait()
	b.valid = false

	if b.backupWriter != nil {
		if err := b.backupWriter.Close(); err != nil {
			return fmt.Errorf("closing backup writer: %w", err)
		}
		b.backupWriter = nil
	}
	if b.backupFile != nil {
		if err := b.backupFile.Close(); err != nil {
			return fmt.Errorf("closing backup file: %w", err)
		}
		b.backupFile = nil
	}
	return nil
}

// Point builds the InfluxDB point for a transition.
func Point(t core.Transition) *influxdb2_write.Point {
	p := influxdb2_write.NewPointWithMeasurement(Measurement).
		AddTag("friend_id", t.FriendID).
		AddTag("cause", t.Cause).
		AddTag("from", t.From.String()).
		AddTag("to", t.To.String()).
		AddField("lat", t.Position.Lat).
		AddField("lng", t.Position.Lng).
		AddField("visible", t.To.Visible()).
		SetTime(t.At)

	if t.SessionID != "" {
		p.AddTag("session_id", t.SessionID)
	}
	if t.Previous != nil {
		p.AddField("prev_lat", t.Previous.Lat)
		p.AddField("prev_lng", t.Previous.Lng)
		if t.Cause == core.CauseMove {
			p.AddField("distance_m", geo.Distance(*t.Previous, t.Position))
		}
	}
	return p
}
