package spots

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCacheNew             = "spots.cache.new"
	opUpsertAll            = "spots.upsert_all"
	opQueryByViewport      = "spots.query_by_viewport"
	opQueryStaleField      = "spots.query_stale_field"
	opApplyFieldResolution = "spots.apply_field_resolution"
	opMarkVisibility       = "spots.mark_visibility"
	opMaxUpdatedAt         = "spots.max_updated_at"
	opPruneByIDs           = "spots.prune_by_ids"
	opGet                  = "spots.get"
	opGetMany              = "spots.get_many"
	opListTombstones       = "spots.list_tombstones"

	reasonMissingDatabase = "missing_database"
	reasonInvalidRecord   = "invalid_record"
	reasonInvalidInput    = "invalid_input"
	reasonUpsertFailed    = "upsert_failed"
	reasonQueryFailed     = "query_failed"
	reasonUpdateFailed    = "update_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonNotFound        = "not_found"

	columnID          = "id"
	queryID           = columnID + " = ?"
	queryIDIn         = columnID + " IN ?"
	queryIDAfter      = columnID + " > ?"
	queryVisibility   = "visibility = ?"
	queryNotDeleted   = "visibility <> ?"
	queryLatitudeIn   = "latitude BETWEEN ? AND ?"
	queryLongitudeIn  = "longitude BETWEEN ? AND ?"
	queryLongitudeOut = "(longitude >= ? OR longitude <= ?)"
	orderNewestFirst  = "updated_at_ms DESC, id ASC"
	orderIDAsc        = "id ASC"

	upsertBatchSize = 100
	pruneChunkSize  = 500
)

// monotonicUpdatedAt keeps updated_at_ms from moving backwards on local writes.
const monotonicUpdatedAt = "CASE WHEN updated_at_ms < ? THEN ? ELSE updated_at_ms END"

// CacheConfig describes the dependencies of the local spot cache.
type CacheConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Cache is the durable local store of spot records.
type Cache struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewCache constructs a cache bound to an already migrated database.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opCacheNew, reasonMissingDatabase, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{db: cfg.Database, logger: logger}, nil
}

// UpsertAll replaces records by id. Within one call the last occurrence of an id wins.
func (c *Cache) UpsertAll(ctx context.Context, records []SpotRecord) error {
	if len(records) == 0 {
		return nil
	}

	order := make([]string, 0, len(records))
	latest := make(map[string]Spot, len(records))
	for _, record := range records {
		if err := record.validate(); err != nil {
			return newServiceError(opUpsertAll, reasonInvalidRecord, err)
		}
		id := record.ID.String()
		if _, seen := latest[id]; !seen {
			order = append(order, id)
		}
		latest[id] = spotFromRecord(record)
	}

	rows := make([]Spot, 0, len(order))
	for _, id := range order {
		rows = append(rows, latest[id])
	}

	err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: columnID}}, UpdateAll: true}).
		CreateInBatches(&rows, upsertBatchSize).Error
	if err != nil {
		c.logError(opUpsertAll, reasonUpsertFailed, err, zap.Int("records", len(rows)))
		return newServiceError(opUpsertAll, reasonUpsertFailed, err)
	}
	return nil
}

// QueryByViewport returns public records inside the box, newest first, truncated to limit.
func (c *Cache) QueryByViewport(ctx context.Context, viewport Viewport, limit int) ([]SpotRecord, error) {
	if err := viewport.validate(); err != nil {
		return nil, newServiceError(opQueryByViewport, reasonInvalidInput, err)
	}
	if limit <= 0 {
		return nil, newServiceError(opQueryByViewport, reasonInvalidInput, fmt.Errorf("%w: %d", ErrInvalidLimit, limit))
	}

	query := c.db.WithContext(ctx).
		Where(queryVisibility, VisibilityPublic.String()).
		Where(queryLatitudeIn, viewport.MinLat, viewport.MaxLat)
	if viewport.CrossesAntimeridian() {
		query = query.Where(queryLongitudeOut, viewport.MinLng, viewport.MaxLng)
	} else {
		query = query.Where(queryLongitudeIn, viewport.MinLng, viewport.MaxLng)
	}

	var rows []Spot
	if err := query.Order(orderNewestFirst).Limit(limit).Find(&rows).Error; err != nil {
		c.logError(opQueryByViewport, reasonQueryFailed, err)
		return nil, newServiceError(opQueryByViewport, reasonQueryFailed, err)
	}
	return toRecords(rows), nil
}

// QueryStaleField returns up to limit non-deleted records whose field is unresolved, ordered by id.
func (c *Cache) QueryStaleField(ctx context.Context, field Field, limit int) ([]SpotRecord, error) {
	return c.QueryStaleFieldAfter(ctx, field, "", limit)
}

// QueryStaleFieldAfter is QueryStaleField restricted to ids greater than after. An empty
// after starts at the lowest id.
func (c *Cache) QueryStaleFieldAfter(ctx context.Context, field Field, after SpotID, limit int) ([]SpotRecord, error) {
	column, err := field.resolvedColumn()
	if err != nil {
		return nil, newServiceError(opQueryStaleField, reasonInvalidInput, err)
	}
	if limit <= 0 {
		return nil, newServiceError(opQueryStaleField, reasonInvalidInput, fmt.Errorf("%w: %d", ErrInvalidLimit, limit))
	}

	query := c.db.WithContext(ctx).
		Where(column+" = ?", false).
		Where(queryNotDeleted, VisibilityDeleted.String())
	if after != "" {
		query = query.Where(queryIDAfter, after.String())
	}
	var rows []Spot
	err = query.
		Order(orderIDAsc).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		c.logError(opQueryStaleField, reasonQueryFailed, err, zap.String("field", string(field)))
		return nil, newServiceError(opQueryStaleField, reasonQueryFailed, err)
	}
	return toRecords(rows), nil
}

// ApplyFieldResolution stores a resolved value and advances updated_at_ms to at least atMs.
// It reports false when the record no longer exists.
func (c *Cache) ApplyFieldResolution(ctx context.Context, id SpotID, resolution FieldResolution, atMs int64) (bool, error) {
	updates, err := resolution.columns()
	if err != nil {
		return false, newServiceError(opApplyFieldResolution, reasonInvalidInput, err)
	}
	updates["updated_at_ms"] = gorm.Expr(monotonicUpdatedAt, atMs, atMs)

	result := c.db.WithContext(ctx).Model(&Spot{}).Where(queryID, id.String()).Updates(updates)
	if result.Error != nil {
		c.logError(opApplyFieldResolution, reasonUpdateFailed, result.Error,
			zap.String("spot_id", id.String()),
			zap.String("field", string(resolution.Field())))
		return false, newServiceError(opApplyFieldResolution, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MarkVisibility transitions a record's visibility. Deleting requires deletedAtMs;
// any other visibility clears it. It reports false when the record does not exist.
func (c *Cache) MarkVisibility(ctx context.Context, id SpotID, visibility Visibility, deletedAtMs *int64, atMs int64) (bool, error) {
	parsed, err := ParseVisibility(visibility.String())
	if err != nil {
		return false, newServiceError(opMarkVisibility, reasonInvalidInput, err)
	}

	updates := map[string]any{
		"visibility":    parsed.String(),
		"deleted_at_ms": nil,
		"updated_at_ms": gorm.Expr(monotonicUpdatedAt, atMs, atMs),
	}
	if parsed == VisibilityDeleted {
		if deletedAtMs == nil {
			return false, newServiceError(opMarkVisibility, reasonInvalidInput, fmt.Errorf("%w: %s", ErrMissingDeletedAt, id))
		}
		updates["deleted_at_ms"] = *deletedAtMs
	}

	result := c.db.WithContext(ctx).Model(&Spot{}).Where(queryID, id.String()).Updates(updates)
	if result.Error != nil {
		c.logError(opMarkVisibility, reasonUpdateFailed, result.Error,
			zap.String("spot_id", id.String()),
			zap.String("visibility", parsed.String()))
		return false, newServiceError(opMarkVisibility, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MaxUpdatedAt returns the sync watermark, or zero for an empty cache.
func (c *Cache) MaxUpdatedAt(ctx context.Context) (int64, error) {
	var watermark int64
	err := c.db.WithContext(ctx).Model(&Spot{}).
		Select("COALESCE(MAX(updated_at_ms), 0)").
		Row().
		Scan(&watermark)
	if err != nil {
		c.logError(opMaxUpdatedAt, reasonQueryFailed, err)
		return 0, newServiceError(opMaxUpdatedAt, reasonQueryFailed, err)
	}
	return watermark, nil
}

// PruneByIDs hard-deletes the given records and returns the number removed.
func (c *Cache) PruneByIDs(ctx context.Context, ids []SpotID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	raw := make([]string, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, id.String())
	}

	var removed int64
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(raw); start += pruneChunkSize {
			end := min(start+pruneChunkSize, len(raw))
			result := tx.Where(queryIDIn, raw[start:end]).Delete(&Spot{})
			if result.Error != nil {
				return result.Error
			}
			removed += result.RowsAffected
		}
		return nil
	})
	if err != nil {
		c.logError(opPruneByIDs, reasonDeleteFailed, err, zap.Int("ids", len(raw)))
		return 0, newServiceError(opPruneByIDs, reasonDeleteFailed, err)
	}
	return removed, nil
}

// Get returns a record by id regardless of visibility.
func (c *Cache) Get(ctx context.Context, id SpotID) (SpotRecord, error) {
	var row Spot
	err := c.db.WithContext(ctx).Where(queryID, id.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SpotRecord{}, newServiceError(opGet, reasonNotFound, ErrSpotNotFound)
	}
	if err != nil {
		c.logError(opGet, reasonQueryFailed, err, zap.String("spot_id", id.String()))
		return SpotRecord{}, newServiceError(opGet, reasonQueryFailed, err)
	}
	return row.record(), nil
}

// GetMany returns the records that exist among ids, keyed by id.
func (c *Cache) GetMany(ctx context.Context, ids []SpotID) (map[SpotID]SpotRecord, error) {
	found := make(map[SpotID]SpotRecord, len(ids))
	if len(ids) == 0 {
		return found, nil
	}
	raw := make([]string, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, id.String())
	}

	for start := 0; start < len(raw); start += pruneChunkSize {
		end := min(start+pruneChunkSize, len(raw))
		var rows []Spot
		if err := c.db.WithContext(ctx).Where(queryIDIn, raw[start:end]).Find(&rows).Error; err != nil {
			c.logError(opGetMany, reasonQueryFailed, err, zap.Int("ids", len(raw)))
			return nil, newServiceError(opGetMany, reasonQueryFailed, err)
		}
		for _, row := range rows {
			found[SpotID(row.ID)] = row.record()
		}
	}
	return found, nil
}

// ListTombstones returns deleted records whose deletion happened at or before olderThanMs.
func (c *Cache) ListTombstones(ctx context.Context, olderThanMs int64, limit int) ([]SpotRecord, error) {
	if limit <= 0 {
		return nil, newServiceError(opListTombstones, reasonInvalidInput, fmt.Errorf("%w: %d", ErrInvalidLimit, limit))
	}
	var rows []Spot
	err := c.db.WithContext(ctx).
		Where(queryVisibility, VisibilityDeleted.String()).
		Where("deleted_at_ms <= ?", olderThanMs).
		Order("deleted_at_ms ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		c.logError(opListTombstones, reasonQueryFailed, err)
		return nil, newServiceError(opListTombstones, reasonQueryFailed, err)
	}
	return toRecords(rows), nil
}

func toRecords(rows []Spot) []SpotRecord {
	records := make([]SpotRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records
}

func (c *Cache) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("spot cache error", attrs...)
}
