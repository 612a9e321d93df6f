package spots

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidSpotID indicates that a spot identifier is empty or exceeds storage bounds.
	ErrInvalidSpotID = errors.New("spots: invalid spot id")
	// ErrInvalidVisibility indicates an unknown visibility value.
	ErrInvalidVisibility = errors.New("spots: invalid visibility")
	// ErrMissingDeletedAt indicates a deleted record without a deletion timestamp.
	ErrMissingDeletedAt = errors.New("spots: deleted record requires deleted_at")
	// ErrInvalidCoordinate indicates a record located outside the valid latitude/longitude range.
	ErrInvalidCoordinate = errors.New("spots: invalid coordinate")
	// ErrInvalidViewport indicates a viewport that cannot be queried.
	ErrInvalidViewport = errors.New("spots: invalid viewport")
	// ErrInvalidLimit indicates a non-positive result limit.
	ErrInvalidLimit = errors.New("spots: invalid limit")
	// ErrInvalidField indicates a derived field name that is not tracked.
	ErrInvalidField = errors.New("spots: invalid field")
	// ErrSpotNotFound indicates the cache holds no row for the identifier.
	ErrSpotNotFound = errors.New("spots: spot not found")
)

// SpotID represents a validated spot identifier.
type SpotID string

// NewSpotID validates raw input and returns a SpotID.
func NewSpotID(rawInput string) (SpotID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSpotID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSpotID, maxIdentifierLength)
	}
	if strings.Contains(trimmed, "/") {
		return "", fmt.Errorf("%w: contains path separator", ErrInvalidSpotID)
	}
	return SpotID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SpotID) String() string {
	return string(id)
}

// Visibility enumerates the publication states of a spot.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
	VisibilityDeleted Visibility = "deleted"
)

// ParseVisibility validates a raw visibility value. An empty value maps to public.
func ParseVisibility(rawInput string) (Visibility, error) {
	switch Visibility(strings.ToLower(strings.TrimSpace(rawInput))) {
	case VisibilityPublic, "":
		return VisibilityPublic, nil
	case VisibilityPrivate:
		return VisibilityPrivate, nil
	case VisibilityDeleted:
		return VisibilityDeleted, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVisibility, rawInput)
	}
}

// String returns the stored representation.
func (v Visibility) String() string {
	return string(v)
}

// FieldState holds a derived value that is either unresolved or resolved to a concrete value.
// A resolved zero value is distinct from the unresolved state.
type FieldState[T comparable] struct {
	value    T
	resolved bool
}

// Unresolved returns a state that still awaits resolution.
func Unresolved[T comparable]() FieldState[T] {
	return FieldState[T]{}
}

// Resolved returns a state carrying value.
func Resolved[T comparable](value T) FieldState[T] {
	return FieldState[T]{value: value, resolved: true}
}

// Value returns the resolved value and whether it is present.
func (s FieldState[T]) Value() (T, bool) {
	return s.value, s.resolved
}

// IsResolved reports whether a value is present.
func (s FieldState[T]) IsResolved() bool {
	return s.resolved
}

// MarshalJSON encodes unresolved states as null.
func (s FieldState[T]) MarshalJSON() ([]byte, error) {
	if !s.resolved {
		return []byte("null"), nil
	}
	return json.Marshal(s.value)
}

// Field names a derived column tracked for backfill.
type Field string

const (
	FieldCommentCount Field = "comment_count"
	FieldLocality     Field = "locality"
)

// Fields lists every derived field in backfill order.
func Fields() []Field {
	return []Field{FieldCommentCount, FieldLocality}
}

func (f Field) resolvedColumn() (string, error) {
	switch f {
	case FieldCommentCount:
		return "comment_count_resolved", nil
	case FieldLocality:
		return "locality_resolved", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidField, string(f))
	}
}

// FieldResolution is a resolved value for exactly one derived field.
type FieldResolution struct {
	field        Field
	commentCount int64
	locality     string
}

// CommentCountResolution resolves the comment count.
func CommentCountResolution(count int64) FieldResolution {
	return FieldResolution{field: FieldCommentCount, commentCount: count}
}

// LocalityResolution resolves the locality. An empty string is a valid resolution.
func LocalityResolution(locality string) FieldResolution {
	return FieldResolution{field: FieldLocality, locality: locality}
}

// Field returns the field being resolved.
func (r FieldResolution) Field() Field {
	return r.field
}

func (r FieldResolution) columns() (map[string]any, error) {
	switch r.field {
	case FieldCommentCount:
		return map[string]any{"comment_count": r.commentCount, "comment_count_resolved": true}, nil
	case FieldLocality:
		return map[string]any{"locality": r.locality, "locality_resolved": true}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidField, string(r.field))
	}
}

// SpotRecord is the domain view of a cached spot.
type SpotRecord struct {
	ID            SpotID             `json:"id"`
	Latitude      float64            `json:"latitude"`
	Longitude     float64            `json:"longitude"`
	Visibility    Visibility         `json:"visibility"`
	CommentCount  FieldState[int64]  `json:"commentCount"`
	Locality      FieldState[string] `json:"locality"`
	UpdatedAtMs   int64              `json:"updatedAt"`
	DeletedAtMs   *int64             `json:"deletedAt,omitempty"`
	Name          string             `json:"name"`
	Description   string             `json:"description,omitempty"`
	Category      string             `json:"category,omitempty"`
	CreatedBy     string             `json:"createdBy,omitempty"`
	CreatedAtMs   int64              `json:"createdAt,omitempty"`
	RatingAverage float64            `json:"ratingAverage"`
	RatingCount   int64              `json:"ratingCount"`
}

func (record SpotRecord) validate() error {
	if _, err := NewSpotID(record.ID.String()); err != nil {
		return err
	}
	if _, err := ParseVisibility(record.Visibility.String()); err != nil {
		return err
	}
	if record.Visibility == VisibilityDeleted && record.DeletedAtMs == nil {
		return fmt.Errorf("%w: %s", ErrMissingDeletedAt, record.ID)
	}
	if !validCoordinate(record.Latitude, record.Longitude) {
		return fmt.Errorf("%w: %s at (%v, %v)", ErrInvalidCoordinate, record.ID, record.Latitude, record.Longitude)
	}
	return nil
}

// Spot is the persisted row backing a SpotRecord.
type Spot struct {
	ID                   string  `gorm:"column:id;primaryKey;size:190;not null;index:idx_spots_comment_stale,priority:2;index:idx_spots_locality_stale,priority:2"`
	Latitude             float64 `gorm:"column:latitude;not null;index:idx_spots_viewport,priority:2"`
	Longitude            float64 `gorm:"column:longitude;not null;index:idx_spots_viewport,priority:3"`
	Visibility           string  `gorm:"column:visibility;size:16;not null;index:idx_spots_viewport,priority:1"`
	CommentCount         int64   `gorm:"column:comment_count;not null;default:0"`
	CommentCountResolved bool    `gorm:"column:comment_count_resolved;not null;default:false;index:idx_spots_comment_stale,priority:1"`
	Locality             string  `gorm:"column:locality;size:255;not null;default:''"`
	LocalityResolved     bool    `gorm:"column:locality_resolved;not null;default:false;index:idx_spots_locality_stale,priority:1"`
	UpdatedAtMs          int64   `gorm:"column:updated_at_ms;not null;index:idx_spots_updated"`
	DeletedAtMs          *int64  `gorm:"column:deleted_at_ms"`
	Name                 string  `gorm:"column:name;size:255;not null"`
	Description          string  `gorm:"column:description;type:text;not null"`
	Category             string  `gorm:"column:category;size:64;not null"`
	CreatedBy            string  `gorm:"column:created_by;size:190;not null"`
	CreatedAtMs          int64   `gorm:"column:created_at_ms;not null"`
	RatingAverage        float64 `gorm:"column:rating_average;not null"`
	RatingCount          int64   `gorm:"column:rating_count;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Spot) TableName() string {
	return "spots"
}

func spotFromRecord(record SpotRecord) Spot {
	commentCount, commentResolved := record.CommentCount.Value()
	locality, localityResolved := record.Locality.Value()
	var deletedAt *int64
	if record.Visibility == VisibilityDeleted && record.DeletedAtMs != nil {
		value := *record.DeletedAtMs
		deletedAt = &value
	}
	return Spot{
		ID:                   record.ID.String(),
		Latitude:             record.Latitude,
		Longitude:            record.Longitude,
		Visibility:           record.Visibility.String(),
		CommentCount:         commentCount,
		CommentCountResolved: commentResolved,
		Locality:             locality,
		LocalityResolved:     localityResolved,
		UpdatedAtMs:          record.UpdatedAtMs,
		DeletedAtMs:          deletedAt,
		Name:                 record.Name,
		Description:          record.Description,
		Category:             record.Category,
		CreatedBy:            record.CreatedBy,
		CreatedAtMs:          record.CreatedAtMs,
		RatingAverage:        record.RatingAverage,
		RatingCount:          record.RatingCount,
	}
}

func (spot Spot) record() SpotRecord {
	commentCount := Unresolved[int64]()
	if spot.CommentCountResolved {
		commentCount = Resolved(spot.CommentCount)
	}
	locality := Unresolved[string]()
	if spot.LocalityResolved {
		locality = Resolved(spot.Locality)
	}
	return SpotRecord{
		ID:            SpotID(spot.ID),
		Latitude:      spot.Latitude,
		Longitude:     spot.Longitude,
		Visibility:    Visibility(spot.Visibility),
		CommentCount:  commentCount,
		Locality:      locality,
		UpdatedAtMs:   spot.UpdatedAtMs,
		DeletedAtMs:   spot.DeletedAtMs,
		Name:          spot.Name,
		Description:   spot.Description,
		Category:      spot.Category,
		CreatedBy:     spot.CreatedBy,
		CreatedAtMs:   spot.CreatedAtMs,
		RatingAverage: spot.RatingAverage,
		RatingCount:   spot.RatingCount,
	}
}

// Viewport is a latitude/longitude bounding box. MinLng greater than MaxLng
// describes a box crossing the antimeridian.
type Viewport struct {
	MinLat float64
	MaxLat float64
	MinLng float64
	MaxLng float64
}

// CrossesAntimeridian reports whether the box wraps around longitude 180.
func (v Viewport) CrossesAntimeridian() bool {
	return v.MinLng > v.MaxLng
}

func (v Viewport) validate() error {
	for _, value := range []float64{v.MinLat, v.MaxLat, v.MinLng, v.MaxLng} {
		if !isFinite(value) {
			return fmt.Errorf("%w: non-finite bound", ErrInvalidViewport)
		}
	}
	if v.MinLat > v.MaxLat {
		return fmt.Errorf("%w: min latitude %v exceeds max latitude %v", ErrInvalidViewport, v.MinLat, v.MaxLat)
	}
	return nil
}

func isFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}

func validCoordinate(lat, lng float64) bool {
	return isFinite(lat) && isFinite(lng) && lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
