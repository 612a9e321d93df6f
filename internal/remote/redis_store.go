package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/pablormago/SpotsAndroid-public-sub002/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultNamespace = "spots"

var errMissingRedisClient = errors.New("remote: redis client is required")

// RedisStoreConfig describes the dependencies of a Redis backed document store.
type RedisStoreConfig struct {
	Client      *redis.Client
	Namespace   string
	Clock       func() time.Time
	Revisions   RevisionProvider
	Logger      *zap.Logger
	MaxAttempts int
	Backoff     time.Duration
}

// RedisStore implements Store over Redis. Each document is a JSON value, each
// collection a sorted set of paths scored by updatedAt, and every write is
// announced on a per-collection pub/sub channel.
type RedisStore struct {
	client      *redis.Client
	namespace   string
	stamps      *stampClock
	revisions   RevisionProvider
	logger      *zap.Logger
	maxAttempts int
	backoff     time.Duration
}

type redisEnvelope struct {
	Fields      map[string]any `json:"fields"`
	Revision    string         `json:"revision"`
	UpdatedAtMs int64          `json:"updatedAtMs"`
}

// NewRedisStore constructs a store over an established client.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = defaultNamespace
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
	return &RedisStore{
		client:      cfg.Client,
		namespace:   namespace,
		stamps:      newStampClock(cfg.Clock),
		revisions:   revisions,
		logger:      logger,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}, nil
}

func (s *RedisStore) documentKey(path string) string {
	return s.namespace + ":doc:" + path
}

func (s *RedisStore) collectionKey(collection string) string {
	return s.namespace + ":col:" + collection
}

func (s *RedisStore) sequenceKey(collection string) string {
	return s.namespace + ":seq:" + collection
}

func (s *RedisStore) channelKey(collection string) string {
	return s.namespace + ":chan:" + collection
}

func (s *RedisStore) Get(ctx context.Context, path string) (Document, error) {
	if err := ValidateDocumentPath(path); err != nil {
		return Document{}, err
	}
	raw, err := s.client.Get(ctx, s.documentKey(path)).Result()
	if errors.Is(err, redis.Nil) {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		s.logError("get", err, zap.String("path", path))
		return Document{}, fmt.Errorf("remote: get %s: %w", path, err)
	}
	return decodeEnvelope(path, raw)
}

func (s *RedisStore) Set(ctx context.Context, path string, fields map[string]any) error {
	if err := ValidateDocumentPath(path); err != nil {
		return err
	}
	payload, stamp, err := s.encode(path, fields)
	if err != nil {
		return err
	}
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.queueWrite(ctx, pipe, path, payload, stamp)
		return nil
	}); err != nil {
		s.logError("set", err, zap.String("path", path))
		return fmt.Errorf("remote: set %s: %w", path, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	if err := ValidateDocumentPath(path); err != nil {
		return err
	}
	collection := CollectionOf(path)
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.documentKey(path))
		pipe.ZRem(ctx, s.collectionKey(collection), path)
		pipe.Incr(ctx, s.sequenceKey(collection))
		pipe.Publish(ctx, s.channelKey(collection), path)
		return nil
	}); err != nil {
		s.logError("delete", err, zap.String("path", path))
		return fmt.Errorf("remote: delete %s: %w", path, err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, collection string) (<-chan Snapshot, func(), error) {
	if err := ValidateCollectionPath(collection); err != nil {
		return nil, nil, err
	}
	pubsub := s.client.Subscribe(ctx, s.channelKey(collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("remote: subscribe %s: %w", collection, err)
	}

	initial, err := s.snapshot(ctx, collection)
	if err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	subscriptionCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{stream: make(chan Snapshot, 1)}
	sub.deliver(initial)

	go func() {
		defer sub.close()
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-subscriptionCtx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				snapshot, err := s.snapshot(subscriptionCtx, collection)
				if err != nil {
					if subscriptionCtx.Err() == nil {
						s.logError("subscribe", err, zap.String("collection", collection))
					}
					continue
				}
				sub.deliver(snapshot)
			}
		}
	}()
	return sub.stream, cancel, nil
}

func (s *RedisStore) RunTransaction(ctx context.Context, path string, fn TransactionFunc) (Document, error) {
	if err := ValidateDocumentPath(path); err != nil {
		return Document{}, err
	}
	key := s.documentKey(path)
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		var (
			abortErr  error
			committed string
		)
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current := Document{Path: path}
			exists := false
			raw, err := tx.Get(ctx, key).Result()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				current, err = decodeEnvelope(path, raw)
				if err != nil {
					return err
				}
				exists = true
			}

			fields, err := fn(current, exists)
			if err != nil {
				abortErr = err
				return nil
			}
			payload, stamp, err := s.encode(path, fields)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				s.queueWrite(ctx, pipe, path, payload, stamp)
				return nil
			})
			if err == nil {
				committed = payload
			}
			return err
		}, key)

		if abortErr != nil {
			metrics.TransactionAttemptsTotal.WithLabelValues(resultAborted).Inc()
			return Document{}, abortErr
		}
		if err == nil {
			metrics.TransactionAttemptsTotal.WithLabelValues(resultCommitted).Inc()
			return decodeEnvelope(path, committed)
		}
		if !errors.Is(err, redis.TxFailedErr) {
			s.logError("transaction", err, zap.String("path", path), zap.Int("attempt", attempt))
			return Document{}, fmt.Errorf("remote: transaction %s: %w", path, err)
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

// ListChangedSince relies on sorted sets ordering equal scores by member, which matches
// the (updatedAt, path) order. Members sharing the cursor score are skipped up to the cursor path.
func (s *RedisStore) ListChangedSince(ctx context.Context, collection string, after ChangeCursor, limit int) ([]Document, error) {
	if err := ValidateCollectionPath(collection); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("remote: invalid limit %d", limit)
	}
	minScore := "(" + strconv.FormatInt(after.UpdatedAtMs, 10)
	if after.Path != "" {
		minScore = strconv.FormatInt(after.UpdatedAtMs, 10)
	}

	paths := make([]string, 0, limit)
	for offset := int64(0); len(paths) < limit; {
		members, err := s.client.ZRangeByScoreWithScores(ctx, s.collectionKey(collection), &redis.ZRangeBy{
			Min:    minScore,
			Max:    "+inf",
			Offset: offset,
			Count:  int64(limit),
		}).Result()
		if err != nil {
			s.logError("list_changed_since", err, zap.String("collection", collection))
			return nil, fmt.Errorf("remote: list %s: %w", collection, err)
		}
		for _, member := range members {
			path, _ := member.Member.(string)
			if after.Path != "" && int64(member.Score) == after.UpdatedAtMs && path <= after.Path {
				continue
			}
			paths = append(paths, path)
			if len(paths) == limit {
				break
			}
		}
		if len(members) < limit {
			break
		}
		offset += int64(len(members))
	}
	return s.loadMany(ctx, paths)
}

func (s *RedisStore) Count(ctx context.Context, collection string) (int64, error) {
	if err := ValidateCollectionPath(collection); err != nil {
		return 0, err
	}
	count, err := s.client.ZCard(ctx, s.collectionKey(collection)).Result()
	if err != nil {
		s.logError("count", err, zap.String("collection", collection))
		return 0, fmt.Errorf("remote: count %s: %w", collection, err)
	}
	return count, nil
}

func (s *RedisStore) queueWrite(ctx context.Context, pipe redis.Pipeliner, path, payload string, stamp int64) {
	collection := CollectionOf(path)
	pipe.Set(ctx, s.documentKey(path), payload, 0)
	pipe.ZAdd(ctx, s.collectionKey(collection), redis.Z{Score: float64(stamp), Member: path})
	pipe.Incr(ctx, s.sequenceKey(collection))
	pipe.Publish(ctx, s.channelKey(collection), path)
}

func (s *RedisStore) encode(path string, fields map[string]any) (string, int64, error) {
	revision, err := s.revisions.NewRevision()
	if err != nil {
		return "", 0, fmt.Errorf("remote: revision for %s: %w", path, err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	stamp := s.stamps.next()
	payload, err := json.Marshal(redisEnvelope{Fields: fields, Revision: revision, UpdatedAtMs: stamp})
	if err != nil {
		return "", 0, fmt.Errorf("remote: encode %s: %w", path, err)
	}
	return string(payload), stamp, nil
}

func (s *RedisStore) snapshot(ctx context.Context, collection string) (Snapshot, error) {
	paths, err := s.client.ZRange(ctx, s.collectionKey(collection), 0, -1).Result()
	if err != nil {
		s.logError("snapshot", err, zap.String("collection", collection))
		return Snapshot{}, fmt.Errorf("remote: snapshot %s: %w", collection, err)
	}
	slices.Sort(paths)
	documents, err := s.loadMany(ctx, paths)
	if err != nil {
		return Snapshot{}, err
	}
	sequence, err := s.client.Get(ctx, s.sequenceKey(collection)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("remote: sequence %s: %w", collection, err)
	}
	return Snapshot{Collection: collection, Documents: documents, Sequence: sequence}, nil
}

// loadMany fetches documents in the order of paths, skipping ones deleted since the index was read.
func (s *RedisStore) loadMany(ctx context.Context, paths []string) ([]Document, error) {
	documents := make([]Document, 0, len(paths))
	if len(paths) == 0 {
		return documents, nil
	}
	keys := make([]string, 0, len(paths))
	for _, path := range paths {
		keys = append(keys, s.documentKey(path))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		s.logError("load_many", err, zap.Int("paths", len(paths)))
		return nil, fmt.Errorf("remote: load documents: %w", err)
	}
	for index, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		document, err := decodeEnvelope(paths[index], raw)
		if err != nil {
			return nil, err
		}
		documents = append(documents, document)
	}
	return documents, nil
}

func (s *RedisStore) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{zap.String("operation", "remote.redis."+operation), zap.Error(err)}
	attrs = append(attrs, fields...)
	s.logger.Error("remote store error", attrs...)
}

func decodeEnvelope(path, raw string) (Document, error) {
	var envelope redisEnvelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return Document{}, fmt.Errorf("remote: decode %s: %w", path, err)
	}
	if envelope.Fields == nil {
		envelope.Fields = map[string]any{}
	}
	return Document{
		Path:        path,
		Fields:      envelope.Fields,
		Revision:    envelope.Revision,
		UpdatedAtMs: envelope.UpdatedAtMs,
	}, nil
}
