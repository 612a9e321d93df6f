package spots

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/pablormago/SpotsAndroid-public-sub002/internal/metrics"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/remote"
	"go.uber.org/zap"
)

const (
	// Collection is the remote collection holding spot documents.
	Collection = "spots"

	opReplicatorNew = "spots.replicator.new"
	opSyncOnce      = "spots.sync_once"
	opPruneGone     = "spots.prune_gone"

	reasonMissingCache  = "missing_cache"
	reasonMissingRemote = "missing_remote"
	reasonListFailed    = "list_failed"
	reasonApplyFailed   = "apply_failed"
	reasonLookupFailed  = "lookup_failed"

	defaultPageSize = 200
	defaultLookback = 10 * time.Minute
	maxPageSize     = 1000

	kindUpsert    = "upsert"
	kindTombstone = "tombstone"
	kindSkipped   = "skipped"
)

// ReplicatorConfig describes the dependencies of the incremental sync loop.
type ReplicatorConfig struct {
	Cache    *Cache
	Remote   remote.Store
	Logger   *zap.Logger
	PageSize int
	// Lookback widens every pull below the cache watermark. Local derived-field
	// writes advance the watermark with the local clock, so remote changes stamped
	// slightly earlier would otherwise be skipped.
	Lookback time.Duration
}

// Replicator pulls spot documents changed since the cache watermark.
type Replicator struct {
	cache    *Cache
	remote   remote.Store
	logger   *zap.Logger
	pageSize int
	lookback time.Duration
}

// SyncResult summarises one replication pass.
type SyncResult struct {
	Upserted   int
	Tombstoned int
	Skipped    int
	Pages      int
}

// NewReplicator constructs a replicator.
func NewReplicator(cfg ReplicatorConfig) (*Replicator, error) {
	if cfg.Cache == nil {
		return nil, newServiceError(opReplicatorNew, reasonMissingCache, errMissingCache)
	}
	if cfg.Remote == nil {
		return nil, newServiceError(opReplicatorNew, reasonMissingRemote, errMissingRemote)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	pageSize = min(pageSize, maxPageSize)
	lookback := cfg.Lookback
	if lookback < 0 {
		lookback = 0
	}
	if cfg.Lookback == 0 {
		lookback = defaultLookback
	}
	return &Replicator{
		cache:    cfg.Cache,
		remote:   cfg.Remote,
		logger:   logger,
		pageSize: pageSize,
		lookback: lookback,
	}, nil
}

// SyncOnce applies every remote change newer than the watermark minus the lookback window.
func (r *Replicator) SyncOnce(ctx context.Context) (SyncResult, error) {
	watermark, err := r.cache.MaxUpdatedAt(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	cursor := remote.ChangeCursor{UpdatedAtMs: max(watermark-r.lookback.Milliseconds(), 0)}

	var result SyncResult
	for {
		page, err := r.remote.ListChangedSince(ctx, Collection, cursor, r.pageSize)
		if err != nil {
			r.logError(opSyncOnce, reasonListFailed, err,
				zap.Int64("since", cursor.UpdatedAtMs),
				zap.String("after_path", cursor.Path))
			return result, newServiceError(opSyncOnce, reasonListFailed, err)
		}
		result.Pages++
		if err := r.apply(ctx, page, &result); err != nil {
			return result, err
		}
		if len(page) < r.pageSize {
			break
		}
		cursor = remote.CursorAfter(page[len(page)-1])
	}

	r.logger.Debug("spot replication pass complete",
		zap.Int("upserted", result.Upserted),
		zap.Int("tombstoned", result.Tombstoned),
		zap.Int("skipped", result.Skipped),
		zap.Int("pages", result.Pages))
	return result, nil
}

// Run replicates on every interval tick until ctx ends.
func (r *Replicator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("spot replication failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PruneConfirmedGone hard-deletes local tombstones whose remote document no longer exists.
// Tombstones whose document is still present upstream are kept.
func (r *Replicator) PruneConfirmedGone(ctx context.Context, olderThanMs int64, limit int) (int64, error) {
	tombstones, err := r.cache.ListTombstones(ctx, olderThanMs, limit)
	if err != nil {
		return 0, err
	}
	gone := make([]SpotID, 0, len(tombstones))
	for _, tombstone := range tombstones {
		_, err := r.remote.Get(ctx, remote.JoinPath(Collection, tombstone.ID.String()))
		if errors.Is(err, remote.ErrNotFound) {
			gone = append(gone, tombstone.ID)
			continue
		}
		if err != nil {
			r.logError(opPruneGone, reasonLookupFailed, err, zap.String("spot_id", tombstone.ID.String()))
			return 0, newServiceError(opPruneGone, reasonLookupFailed, err)
		}
	}
	return r.cache.PruneByIDs(ctx, gone)
}

func (r *Replicator) apply(ctx context.Context, page []remote.Document, result *SyncResult) error {
	if len(page) == 0 {
		return nil
	}
	ids := make([]SpotID, 0, len(page))
	for _, document := range page {
		if id, err := NewSpotID(document.ID()); err == nil {
			ids = append(ids, id)
		}
	}
	existing, err := r.cache.GetMany(ctx, ids)
	if err != nil {
		return err
	}

	upserts := make([]SpotRecord, 0, len(page))
	for _, document := range page {
		id, err := NewSpotID(document.ID())
		if err != nil {
			r.skip(document, err, result)
			continue
		}
		local, known := existing[id]
		record, err := recordFromDocument(id, document, local, known)
		if err != nil {
			r.skip(document, err, result)
			continue
		}

		if record.Visibility == VisibilityDeleted && known && local.Visibility != VisibilityDeleted {
			if _, err := r.cache.MarkVisibility(ctx, id, VisibilityDeleted, record.DeletedAtMs, record.UpdatedAtMs); err != nil {
				r.logError(opSyncOnce, reasonApplyFailed, err, zap.String("spot_id", id.String()))
				return err
			}
			result.Tombstoned++
			metrics.ReplicatedDocumentsTotal.WithLabelValues(kindTombstone).Inc()
			continue
		}
		if record.Visibility == VisibilityDeleted {
			result.Tombstoned++
			metrics.ReplicatedDocumentsTotal.WithLabelValues(kindTombstone).Inc()
		} else {
			result.Upserted++
			metrics.ReplicatedDocumentsTotal.WithLabelValues(kindUpsert).Inc()
		}
		upserts = append(upserts, record)
	}

	if err := r.cache.UpsertAll(ctx, upserts); err != nil {
		r.logError(opSyncOnce, reasonApplyFailed, err, zap.Int("records", len(upserts)))
		return err
	}
	return nil
}

func (r *Replicator) skip(document remote.Document, err error, result *SyncResult) {
	result.Skipped++
	metrics.ReplicatedDocumentsTotal.WithLabelValues(kindSkipped).Inc()
	r.logger.Warn("skipping malformed spot document",
		zap.String("path", document.Path),
		zap.Error(err))
}

func (r *Replicator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("spot replicator error", attrs...)
}

// recordFromDocument converts a remote spot document. Derived fields the document
// does not carry keep the locally resolved value when one exists.
func recordFromDocument(id SpotID, document remote.Document, local SpotRecord, known bool) (SpotRecord, error) {
	fields := document.Fields
	visibility, err := ParseVisibility(stringField(fields, "visibility"))
	if err != nil {
		return SpotRecord{}, err
	}
	if deleted, _ := fields["deleted"].(bool); deleted {
		visibility = VisibilityDeleted
	}

	latitude, _ := numberField(fields, "latitude")
	longitude, _ := numberField(fields, "longitude")
	createdAt, _ := numberField(fields, "createdAt")
	ratingAverage, _ := numberField(fields, "ratingAverage")
	ratingCount, _ := numberField(fields, "ratingCount")

	record := SpotRecord{
		ID:            id,
		Latitude:      latitude,
		Longitude:     longitude,
		Visibility:    visibility,
		CommentCount:  Unresolved[int64](),
		Locality:      Unresolved[string](),
		UpdatedAtMs:   document.UpdatedAtMs,
		Name:          stringField(fields, "name"),
		Description:   stringField(fields, "description"),
		Category:      stringField(fields, "category"),
		CreatedBy:     stringField(fields, "createdBy"),
		CreatedAtMs:   int64(createdAt),
		RatingAverage: ratingAverage,
		RatingCount:   int64(ratingCount),
	}

	if count, ok := numberField(fields, "commentCount"); ok && count >= 0 {
		record.CommentCount = Resolved(int64(count))
	} else if known {
		record.CommentCount = local.CommentCount
	}
	if locality, ok := fields["locality"].(string); ok {
		record.Locality = Resolved(locality)
	} else if known {
		record.Locality = local.Locality
	}
	if known && local.UpdatedAtMs > record.UpdatedAtMs {
		record.UpdatedAtMs = local.UpdatedAtMs
	}

	if visibility == VisibilityDeleted {
		deletedAt := document.UpdatedAtMs
		if value, ok := numberField(fields, "deletedAt"); ok {
			deletedAt = int64(value)
		}
		record.DeletedAtMs = &deletedAt
	}

	if err := record.validate(); err != nil {
		return SpotRecord{}, err
	}
	return record, nil
}

func stringField(fields map[string]any, key string) string {
	value, _ := fields[key].(string)
	return strings.TrimSpace(value)
}

func numberField(fields map[string]any, key string) (float64, bool) {
	switch value := fields[key].(type) {
	case float64:
		return value, isFinite(value)
	case float32:
		return float64(value), isFinite(float64(value))
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case int32:
		return float64(value), true
	case json.Number:
		parsed, err := value.Float64()
		return parsed, err == nil && isFinite(parsed)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		return parsed, err == nil && isFinite(parsed)
	default:
		return 0, false
	}
}
