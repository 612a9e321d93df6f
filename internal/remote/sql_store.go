package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pablormago/SpotsAndroid-public-sub002/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMaxAttempts = 5
	defaultBackoff     = 10 * time.Millisecond

	columnPath          = "path"
	queryPath           = columnPath + " = ?"
	queryPathRevision   = columnPath + " = ? AND revision = ?"
	queryCollection     = "collection = ?"
	queryChangedSince   = "collection = ? AND updated_at_ms > ?"
	queryChangedAfter   = "collection = ? AND (updated_at_ms > ? OR (updated_at_ms = ? AND " + columnPath + " > ?))"
	orderPathAsc        = columnPath + " ASC"
	orderUpdatedPathAsc = "updated_at_ms ASC, " + columnPath + " ASC"

	resultCommitted = "committed"
	resultConflict  = "conflict"
	resultAborted   = "aborted"
)

var errMissingDatabase = errors.New("remote: database handle is required")

// DocumentRow persists one remote document in a SQL database.
type DocumentRow struct {
	Path        string `gorm:"column:path;primaryKey;size:512;not null"`
	Collection  string `gorm:"column:collection;size:512;not null;index:idx_documents_collection_updated,priority:1"`
	FieldsJSON  string `gorm:"column:fields_json;type:text;not null"`
	Revision    string `gorm:"column:revision;size:64;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null;index:idx_documents_collection_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRow) TableName() string {
	return "remote_documents"
}

// SQLStoreConfig describes the dependencies of a SQL backed document store.
type SQLStoreConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	Revisions   RevisionProvider
	Logger      *zap.Logger
	MaxAttempts int
	Backoff     time.Duration
}

// SQLStore implements Store over a gorm database. Transactions use optimistic
// compare-and-swap on the document revision, so several processes may share one database.
// Change notifications are delivered to subscribers of the same process.
type SQLStore struct {
	db          *gorm.DB
	stamps      *stampClock
	revisions   RevisionProvider
	logger      *zap.Logger
	maxAttempts int
	backoff     time.Duration
	dispatcher  *dispatcher
	publishMu   sync.Mutex
	sequence    atomic.Int64
}

// NewSQLStore constructs a store over an already migrated database.
func NewSQLStore(cfg SQLStoreConfig) (*SQLStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	revisions := cfg.Revisions
	if revisions == nil {
		revisions = NewUUIDRevisions()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	return &SQLStore{
		db:          cfg.Database,
		stamps:      newStampClock(cfg.Clock),
		revisions:   revisions,
		logger:      logger,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		dispatcher:  newDispatcher(),
	}, nil
}

func (s *SQLStore) Get(ctx context.Context, path string) (Document, error) {
	if err := ValidateDocumentPath(path); err != nil {
		return Document{}, err
	}
	document, exists, err := s.load(ctx, path)
	if err != nil {
		return Document{}, err
	}
	if !exists {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return document, nil
}

func (s *SQLStore) Set(ctx context.Context, path string, fields map[string]any) error {
	if err := ValidateDocumentPath(path); err != nil {
		return err
	}
	row, err := s.newRow(path, fields)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: columnPath}}, UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		s.logError("set", err, zap.String("path", path))
		return fmt.Errorf("remote: set %s: %w", path, err)
	}
	s.notify(ctx, row.Collection)
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, path string) error {
	if err := ValidateDocumentPath(path); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where(queryPath, path).Delete(&DocumentRow{}).Error; err != nil {
		s.logError("delete", err, zap.String("path", path))
		return fmt.Errorf("remote: delete %s: %w", path, err)
	}
	s.notify(ctx, CollectionOf(path))
	return nil
}

func (s *SQLStore) Subscribe(ctx context.Context, collection string) (<-chan Snapshot, func(), error) {
	if err := ValidateCollectionPath(collection); err != nil {
		return nil, nil, err
	}
	sub, cleanup := s.dispatcher.subscribe(ctx, collection)

	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	snapshot, err := s.snapshot(ctx, collection)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	sub.deliver(snapshot)
	return sub.stream, cleanup, nil
}

func (s *SQLStore) RunTransaction(ctx context.Context, path string, fn TransactionFunc) (Document, error) {
	if err := ValidateDocumentPath(path); err != nil {
		return Document{}, err
	}
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		current, exists, err := s.load(ctx, path)
		if err != nil {
			return Document{}, err
		}
		fields, err := fn(current, exists)
		if err != nil {
			metrics.TransactionAttemptsTotal.WithLabelValues(resultAborted).Inc()
			return Document{}, err
		}
		row, err := s.newRow(path, fields)
		if err != nil {
			return Document{}, err
		}

		committed, err := s.compareAndSwap(ctx, row, current.Revision, exists)
		if err != nil {
			s.logError("transaction", err, zap.String("path", path), zap.Int("attempt", attempt))
			return Document{}, fmt.Errorf("remote: transaction %s: %w", path, err)
		}
		if committed {
			metrics.TransactionAttemptsTotal.WithLabelValues(resultCommitted).Inc()
			s.notify(ctx, row.Collection)
			return row.decode()
		}

		metrics.TransactionAttemptsTotal.WithLabelValues(resultConflict).Inc()
		if attempt < s.maxAttempts {
			if err := sleepContext(ctx, time.Duration(attempt)*s.backoff); err != nil {
				return Document{}, err
			}
		}
	}
	s.logger.Warn("remote transaction retries exhausted",
		zap.String("path", path),
		zap.Int("attempts", s.maxAttempts))
	return Document{}, fmt.Errorf("%w: %s after %d attempts", ErrTransactionConflict, path, s.maxAttempts)
}

func (s *SQLStore) ListChangedSince(ctx context.Context, collection string, after ChangeCursor, limit int) ([]Document, error) {
	if err := ValidateCollectionPath(collection); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("remote: invalid limit %d", limit)
	}
	query := s.db.WithContext(ctx)
	if after.Path == "" {
		query = query.Where(queryChangedSince, collection, after.UpdatedAtMs)
	} else {
		query = query.Where(queryChangedAfter, collection, after.UpdatedAtMs, after.UpdatedAtMs, after.Path)
	}
	var rows []DocumentRow
	err := query.
		Order(orderUpdatedPathAsc).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		s.logError("list_changed_since", err, zap.String("collection", collection))
		return nil, fmt.Errorf("remote: list %s: %w", collection, err)
	}
	return decodeRows(rows)
}

func (s *SQLStore) Count(ctx context.Context, collection string) (int64, error) {
	if err := ValidateCollectionPath(collection); err != nil {
		return 0, err
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&DocumentRow{}).Where(queryCollection, collection).Count(&count).Error; err != nil {
		s.logError("count", err, zap.String("collection", collection))
		return 0, fmt.Errorf("remote: count %s: %w", collection, err)
	}
	return count, nil
}

func (s *SQLStore) compareAndSwap(ctx context.Context, row DocumentRow, expectedRevision string, exists bool) (bool, error) {
	if exists {
		result := s.db.WithContext(ctx).Model(&DocumentRow{}).
			Where(queryPathRevision, row.Path, expectedRevision).
			Updates(map[string]any{
				"fields_json":   row.FieldsJSON,
				"revision":      row.Revision,
				"updated_at_ms": row.UpdatedAtMs,
			})
		return result.RowsAffected == 1, result.Error
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	return result.RowsAffected == 1, result.Error
}

func (s *SQLStore) newRow(path string, fields map[string]any) (DocumentRow, error) {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return DocumentRow{}, fmt.Errorf("remote: encode %s: %w", path, err)
	}
	if fields == nil {
		encoded = []byte("{}")
	}
	revision, err := s.revisions.NewRevision()
	if err != nil {
		return DocumentRow{}, fmt.Errorf("remote: revision for %s: %w", path, err)
	}
	return DocumentRow{
		Path:        path,
		Collection:  CollectionOf(path),
		FieldsJSON:  string(encoded),
		Revision:    revision,
		UpdatedAtMs: s.stamps.next(),
	}, nil
}

func (s *SQLStore) load(ctx context.Context, path string) (Document, bool, error) {
	var row DocumentRow
	err := s.db.WithContext(ctx).Where(queryPath, path).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{Path: path}, false, nil
	}
	if err != nil {
		s.logError("load", err, zap.String("path", path))
		return Document{}, false, fmt.Errorf("remote: load %s: %w", path, err)
	}
	document, err := row.decode()
	if err != nil {
		return Document{}, false, err
	}
	return document, true, nil
}

func (s *SQLStore) snapshot(ctx context.Context, collection string) (Snapshot, error) {
	var rows []DocumentRow
	if err := s.db.WithContext(ctx).Where(queryCollection, collection).Order(orderPathAsc).Find(&rows).Error; err != nil {
		s.logError("snapshot", err, zap.String("collection", collection))
		return Snapshot{}, fmt.Errorf("remote: snapshot %s: %w", collection, err)
	}
	documents, err := decodeRows(rows)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Collection: collection, Documents: documents, Sequence: s.sequence.Add(1)}, nil
}

// notify publishes a fresh snapshot to subscribers of collection. Snapshots are
// loaded and delivered under one lock so that subscribers never observe them out of order.
func (s *SQLStore) notify(ctx context.Context, collection string) {
	if !s.dispatcher.hasSubscribers(collection) {
		return
	}
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	snapshot, err := s.snapshot(context.WithoutCancel(ctx), collection)
	if err != nil {
		return
	}
	s.dispatcher.publish(snapshot)
}

func (s *SQLStore) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{zap.String("operation", "remote.sql."+operation), zap.Error(err)}
	attrs = append(attrs, fields...)
	s.logger.Error("remote store error", attrs...)
}

func (row DocumentRow) decode() (Document, error) {
	fields := map[string]any{}
	if row.FieldsJSON != "" {
		if err := json.Unmarshal([]byte(row.FieldsJSON), &fields); err != nil {
			return Document{}, fmt.Errorf("remote: decode %s: %w", row.Path, err)
		}
	}
	return row.document(fields), nil
}

func (row DocumentRow) document(fields map[string]any) Document {
	if fields == nil {
		fields = map[string]any{}
	}
	return Document{
		Path:        row.Path,
		Fields:      copyFields(fields),
		Revision:    row.Revision,
		UpdatedAtMs: row.UpdatedAtMs,
	}
}

func decodeRows(rows []DocumentRow) ([]Document, error) {
	documents := make([]Document, 0, len(rows))
	for _, row := range rows {
		document, err := row.decode()
		if err != nil {
			return nil, err
		}
		documents = append(documents, document)
	}
	return documents, nil
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
