// Package backfill resolves derived spot fields that are still unresolved in the cache.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pablormago/SpotsAndroid-public-sub002/internal/metrics"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/remote"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/spots"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize      = 25
	MaxBatchSize          = 100
	DefaultWorkers        = 4
	DefaultResolveTimeout = 8 * time.Second
	DefaultInterval       = 5 * time.Minute

	chatsCollection = "chats"
)

var (
	errMissingCache     = errors.New("backfill: spot cache is required")
	errMissingResolvers = errors.New("backfill: at least one resolver is required")
	errNegativeCount    = errors.New("backfill: negative comment count")
)

// CommentCountSource counts the comments attached to a spot.
type CommentCountSource interface {
	CountFor(ctx context.Context, spotID spots.SpotID) (int64, error)
}

// LocalityResolver names the locality at a coordinate. A successful lookup that
// finds no locality returns an empty string.
type LocalityResolver interface {
	ReverseLocality(ctx context.Context, lat, lng float64, lang string) (string, bool, error)
}

// DocumentCommentCounter counts the chat documents stored under a spot.
type DocumentCommentCounter struct {
	Remote remote.Store
}

// CountFor counts spots/{id}/chats.
func (c DocumentCommentCounter) CountFor(ctx context.Context, spotID spots.SpotID) (int64, error) {
	return c.Remote.Count(ctx, remote.JoinPath(spots.Collection, spotID.String(), chatsCollection))
}

// Config describes a backfill coordinator. A nil resolver disables its field.
type Config struct {
	Cache          *spots.Cache
	Comments       CommentCountSource
	Localities     LocalityResolver
	Language       string
	BatchSize      int
	Workers        int
	ResolveTimeout time.Duration
	Interval       time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// FieldResult counts what one pass did for one field. Skipped records were either
// claimed by a concurrent pass or vanished before their resolution was written.
type FieldResult struct {
	Selected int
	Resolved int
	Failed   int
	Skipped  int
}

// PassResult is the outcome of RunPass per field.
type PassResult map[spots.Field]FieldResult

type claimKey struct {
	field spots.Field
	id    spots.SpotID
}

// Coordinator schedules bounded, deduplicated backfill passes.
type Coordinator struct {
	cache          *spots.Cache
	comments       CommentCountSource
	localities     LocalityResolver
	language       string
	batchSize      int
	workers        int
	resolveTimeout time.Duration
	interval       time.Duration
	clock          func() time.Time
	logger         *zap.Logger

	claimsMu sync.Mutex
	claims   map[claimKey]struct{}
	cursors  map[spots.Field]spots.SpotID
	trigger  chan struct{}
}

// NewCoordinator validates cfg and applies defaults.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.Comments == nil && cfg.Localities == nil {
		return nil, errMissingResolvers
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	batchSize = min(batchSize, MaxBatchSize)
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	resolveTimeout := cfg.ResolveTimeout
	if resolveTimeout <= 0 {
		resolveTimeout = DefaultResolveTimeout
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cache:          cfg.Cache,
		comments:       cfg.Comments,
		localities:     cfg.Localities,
		language:       cfg.Language,
		batchSize:      batchSize,
		workers:        workers,
		resolveTimeout: resolveTimeout,
		interval:       interval,
		clock:          clock,
		logger:         logger,
		claims:         map[claimKey]struct{}{},
		cursors:        map[spots.Field]spots.SpotID{},
		trigger:        make(chan struct{}, 1),
	}, nil
}

// Trigger requests a pass from Run without waiting for it. Requests made while one
// is already pending collapse into it.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run performs a pass immediately, then on every interval tick or Trigger, until ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if _, err := c.RunPass(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("backfill pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.trigger:
		}
	}
}

// RunPass selects one stale batch per field and resolves it. Resolver failures leave
// records unresolved; storage faults abort the pass.
func (c *Coordinator) RunPass(ctx context.Context) (PassResult, error) {
	result := PassResult{}
	for _, field := range c.enabledFields() {
		fieldResult, err := c.runField(ctx, field)
		result[field] = fieldResult
		if err != nil {
			c.logger.Error("backfill pass aborted",
				zap.String("operation", "backfill.run_pass"),
				zap.String("field", string(field)),
				zap.Error(err))
			return result, err
		}
	}
	metrics.BackfillPassesTotal.Inc()
	return result, nil
}

func (c *Coordinator) enabledFields() []spots.Field {
	fields := make([]spots.Field, 0, 2)
	for _, field := range spots.Fields() {
		switch field {
		case spots.FieldCommentCount:
			if c.comments != nil {
				fields = append(fields, field)
			}
		case spots.FieldLocality:
			if c.localities != nil {
				fields = append(fields, field)
			}
		}
	}
	return fields
}

func (c *Coordinator) runField(ctx context.Context, field spots.Field) (FieldResult, error) {
	records, err := c.selectBatch(ctx, field)
	if err != nil {
		return FieldResult{}, err
	}
	claimed := c.claim(field, records)

	var resolved, failed, skipped atomic.Int64
	skipped.Add(int64(len(records) - len(claimed)))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.workers)
	for _, record := range claimed {
		record := record
		group.Go(func() error {
			defer c.release(field, record.ID)

			resolution, err := c.resolve(groupCtx, field, record)
			if err != nil {
				failed.Add(1)
				metrics.BackfillFailedTotal.WithLabelValues(string(field)).Inc()
				c.logger.Debug("backfill resolution failed",
					zap.String("field", string(field)),
					zap.String("spot_id", record.ID.String()),
					zap.Error(err))
				return nil
			}
			applied, err := c.cache.ApplyFieldResolution(groupCtx, record.ID, resolution, c.clock().UnixMilli())
			if err != nil {
				return err
			}
			if !applied {
				skipped.Add(1)
				return nil
			}
			resolved.Add(1)
			metrics.BackfillResolvedTotal.WithLabelValues(string(field)).Inc()
			return nil
		})
	}
	err = group.Wait()
	return FieldResult{
		Selected: len(records),
		Resolved: int(resolved.Load()),
		Failed:   int(failed.Load()),
		Skipped:  int(skipped.Load()),
	}, err
}

func (c *Coordinator) resolve(ctx context.Context, field spots.Field, record spots.SpotRecord) (spots.FieldResolution, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.resolveTimeout)
	defer cancel()

	switch field {
	case spots.FieldCommentCount:
		count, err := c.comments.CountFor(callCtx, record.ID)
		if err != nil {
			return spots.FieldResolution{}, err
		}
		if count < 0 {
			return spots.FieldResolution{}, fmt.Errorf("%w: %d", errNegativeCount, count)
		}
		return spots.CommentCountResolution(count), nil
	case spots.FieldLocality:
		locality, _, err := c.localities.ReverseLocality(callCtx, record.Latitude, record.Longitude, c.language)
		if err != nil {
			return spots.FieldResolution{}, err
		}
		return spots.LocalityResolution(locality), nil
	default:
		return spots.FieldResolution{}, fmt.Errorf("%w: %q", spots.ErrInvalidField, string(field))
	}
}

// selectBatch walks the stale records of field in id order, resuming after the last
// id handed out and wrapping to the start, so rows that keep failing cannot pin the
// head of the queue.
func (c *Coordinator) selectBatch(ctx context.Context, field spots.Field) ([]spots.SpotRecord, error) {
	c.claimsMu.Lock()
	after := c.cursors[field]
	c.claimsMu.Unlock()

	records, err := c.cache.QueryStaleFieldAfter(ctx, field, after, c.batchSize)
	if err != nil {
		return nil, err
	}
	if len(records) < c.batchSize && after != "" {
		head, err := c.cache.QueryStaleFieldAfter(ctx, field, "", c.batchSize-len(records))
		if err != nil {
			return nil, err
		}
		for _, record := range head {
			if record.ID > after {
				break
			}
			records = append(records, record)
		}
	}

	next := spots.SpotID("")
	if len(records) > 0 {
		next = records[len(records)-1].ID
	}
	c.claimsMu.Lock()
	c.cursors[field] = next
	c.claimsMu.Unlock()
	return records, nil
}

// claim returns the records not already in flight and marks them as in flight.
func (c *Coordinator) claim(field spots.Field, records []spots.SpotRecord) []spots.SpotRecord {
	c.claimsMu.Lock()
	defer c.claimsMu.Unlock()
	claimed := make([]spots.SpotRecord, 0, len(records))
	for _, record := range records {
		key := claimKey{field: field, id: record.ID}
		if _, busy := c.claims[key]; busy {
			continue
		}
		c.claims[key] = struct{}{}
		claimed = append(claimed, record)
	}
	return claimed
}

func (c *Coordinator) release(field spots.Field, id spots.SpotID) {
	c.claimsMu.Lock()
	defer c.claimsMu.Unlock()
	delete(c.claims, claimKey{field: field, id: id})
}
