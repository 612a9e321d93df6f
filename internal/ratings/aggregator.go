// Package ratings aggregates per-user star votes on spot documents through remote
// transactions.
package ratings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pablormago/SpotsAndroid-public-sub002/internal/remote"
	"go.uber.org/zap"
)

const (
	// MinStars and MaxStars bound a single vote, inclusive.
	MinStars = 1
	MaxStars = 5

	spotsCollection = "spots"

	fieldRatings   = "ratings"
	fieldCount     = "ratingCount"
	fieldAverage   = "ratingAverage"
	fieldUpdatedAt = "ratingUpdatedAt"
)

var (
	// ErrInvalidStars indicates a vote outside MinStars..MaxStars.
	ErrInvalidStars = errors.New("ratings: stars must be between 1 and 5")
	// ErrInvalidSpotID indicates an empty or malformed spot identifier.
	ErrInvalidSpotID = errors.New("ratings: invalid spot id")
	// ErrInvalidUserID indicates an empty voter identifier.
	ErrInvalidUserID = errors.New("ratings: invalid user id")
	// ErrSpotNotFound indicates the rated spot document does not exist remotely.
	ErrSpotNotFound = errors.New("ratings: spot not found")
)

// Aggregate is the vote map of one spot and the values derived from it.
type Aggregate struct {
	Votes       map[string]int `json:"votes"`
	Count       int            `json:"count"`
	Average     float64        `json:"average"`
	UpdatedAtMs int64          `json:"updatedAtMs"`
}

// Config describes the dependencies of an Aggregator.
type Config struct {
	Remote remote.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Aggregator writes votes into spot documents.
type Aggregator struct {
	remote remote.Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewAggregator validates the config and constructs an Aggregator.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if cfg.Remote == nil {
		return nil, errors.New("ratings: remote store is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{remote: cfg.Remote, clock: clock, logger: logger}, nil
}

// SetUserRating records stars as userID's vote on spotID and recomputes the aggregate
// from the full vote map in the same transaction.
func (a *Aggregator) SetUserRating(ctx context.Context, spotID, userID string, stars int) (Aggregate, error) {
	if stars < MinStars || stars > MaxStars {
		return Aggregate{}, fmt.Errorf("%w: %d", ErrInvalidStars, stars)
	}
	path, err := spotPath(spotID)
	if err != nil {
		return Aggregate{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Aggregate{}, ErrInvalidUserID
	}

	nowMs := a.clock().UnixMilli()
	document, err := a.remote.RunTransaction(ctx, path, func(current remote.Document, exists bool) (map[string]any, error) {
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrSpotNotFound, spotID)
		}
		return applyVote(current.Fields, userID, stars, nowMs), nil
	})
	if err != nil {
		if !errors.Is(err, ErrSpotNotFound) {
			a.logger.Error("rating transaction failed",
				zap.String("operation", "ratings.set_user_rating"),
				zap.String("spot_id", spotID),
				zap.String("user_id", userID),
				zap.Error(err))
		}
		return Aggregate{}, err
	}
	return aggregateOf(document.Fields), nil
}

// Summary reads the current aggregate of spotID.
func (a *Aggregator) Summary(ctx context.Context, spotID string) (Aggregate, error) {
	path, err := spotPath(spotID)
	if err != nil {
		return Aggregate{}, err
	}
	document, err := a.remote.Get(ctx, path)
	if errors.Is(err, remote.ErrNotFound) {
		return Aggregate{}, fmt.Errorf("%w: %s", ErrSpotNotFound, spotID)
	}
	if err != nil {
		return Aggregate{}, err
	}
	return aggregateOf(document.Fields), nil
}

// applyVote returns the next document fields. It never mutates fields, so the
// transaction may run it any number of times.
func applyVote(fields map[string]any, userID string, stars int, nowMs int64) map[string]any {
	next := make(map[string]any, len(fields)+4)
	for key, value := range fields {
		next[key] = value
	}
	votes := coerceVotes(fields[fieldRatings])
	votes[userID] = stars

	count, average := summarize(votes)
	stored := make(map[string]any, len(votes))
	for voter, value := range votes {
		stored[voter] = value
	}
	next[fieldRatings] = stored
	next[fieldCount] = count
	next[fieldAverage] = average
	next[fieldUpdatedAt] = nowMs
	return next
}

func aggregateOf(fields map[string]any) Aggregate {
	votes := coerceVotes(fields[fieldRatings])
	count, average := summarize(votes)
	updatedAt, _ := coerceInt(fields[fieldUpdatedAt])
	return Aggregate{Votes: votes, Count: count, Average: average, UpdatedAtMs: updatedAt}
}

func summarize(votes map[string]int) (int, float64) {
	if len(votes) == 0 {
		return 0, 0
	}
	sum := 0
	for _, stars := range votes {
		sum += stars
	}
	return len(votes), float64(sum) / float64(len(votes))
}

// coerceVotes reads a stored vote map, dropping entries that are not integral stars.
func coerceVotes(raw any) map[string]int {
	votes := map[string]int{}
	stored, ok := raw.(map[string]any)
	if !ok {
		return votes
	}
	for voter, value := range stored {
		stars, ok := coerceInt(value)
		if !ok || stars < MinStars || stars > MaxStars {
			continue
		}
		votes[voter] = int(stars)
	}
	return votes
}

func coerceInt(value any) (int64, bool) {
	switch typed := value.(type) {
	case int:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case int64:
		return typed, true
	case float64:
		return integralFloat(typed)
	case json.Number:
		if parsed, err := typed.Int64(); err == nil {
			return parsed, true
		}
		parsed, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		return integralFloat(parsed)
	case string:
		trimmed := strings.TrimSpace(typed)
		if parsed, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return parsed, true
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		return integralFloat(parsed)
	default:
		return 0, false
	}
}

func integralFloat(value float64) (int64, bool) {
	if math.IsNaN(value) || math.IsInf(value, 0) || value != math.Trunc(value) {
		return 0, false
	}
	return int64(value), true
}

func spotPath(spotID string) (string, error) {
	spotID = strings.TrimSpace(spotID)
	if spotID == "" || strings.Contains(spotID, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSpotID, spotID)
	}
	return remote.JoinPath(spotsCollection, spotID), nil
}
