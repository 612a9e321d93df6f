// Package remote provides the authoritative document store that spot, favorite
// and rating data is replicated from.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates that no document exists at the requested path.
	ErrNotFound = errors.New("remote: document not found")
	// ErrTransactionConflict indicates that a transaction exhausted its retry budget.
	ErrTransactionConflict = errors.New("remote: transaction conflict")
	// ErrInvalidPath indicates a malformed document or collection path.
	ErrInvalidPath = errors.New("remote: invalid path")
)

// Document is a single remote document.
type Document struct {
	Path        string
	Fields      map[string]any
	Revision    string
	UpdatedAtMs int64
}

// ID returns the last path segment.
func (d Document) ID() string {
	return DocumentID(d.Path)
}

// Snapshot is the full state of a collection at the time a change was observed.
type Snapshot struct {
	Collection string
	Documents  []Document
	Sequence   int64
}

// IDs returns the ids of every document in the snapshot, in snapshot order.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.Documents))
	for _, document := range s.Documents {
		ids = append(ids, document.ID())
	}
	return ids
}

// ChangeCursor is a keyset position in the (updatedAt, path) order of a collection.
// An empty Path selects every document stamped after UpdatedAtMs.
type ChangeCursor struct {
	UpdatedAtMs int64
	Path        string
}

// CursorAfter returns the cursor that resumes listing right after document.
func CursorAfter(document Document) ChangeCursor {
	return ChangeCursor{UpdatedAtMs: document.UpdatedAtMs, Path: document.Path}
}

// TransactionFunc computes the next fields of a document from its current state.
// It must not have side effects; it may be invoked several times under contention.
type TransactionFunc func(current Document, exists bool) (map[string]any, error)

// Store is the remote multi-tenant document store.
type Store interface {
	Get(ctx context.Context, path string) (Document, error)
	Set(ctx context.Context, path string, fields map[string]any) error
	Delete(ctx context.Context, path string) error
	// Subscribe delivers the current snapshot of collection and then a new
	// snapshot after every change. The channel is closed by cancel.
	Subscribe(ctx context.Context, collection string) (<-chan Snapshot, func(), error)
	RunTransaction(ctx context.Context, path string, fn TransactionFunc) (Document, error)
	// ListChangedSince pages through documents of collection positioned after the cursor,
	// ordered by updatedAt then path.
	ListChangedSince(ctx context.Context, collection string, after ChangeCursor, limit int) ([]Document, error)
	Count(ctx context.Context, collection string) (int64, error)
}

// JoinPath builds a slash separated path from segments.
func JoinPath(segments ...string) string {
	return strings.Join(segments, "/")
}

// CollectionOf returns the collection part of a document path.
func CollectionOf(path string) string {
	index := strings.LastIndex(path, "/")
	if index < 0 {
		return ""
	}
	return path[:index]
}

// DocumentID returns the id part of a document path.
func DocumentID(path string) string {
	index := strings.LastIndex(path, "/")
	if index < 0 {
		return path
	}
	return path[index+1:]
}

// ValidateDocumentPath requires an even number of non-empty segments.
func ValidateDocumentPath(path string) error {
	segments := strings.Split(path, "/")
	if len(segments) < 2 || len(segments)%2 != 0 {
		return fmt.Errorf("%w: %q is not a document path", ErrInvalidPath, path)
	}
	for _, segment := range segments {
		if strings.TrimSpace(segment) == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	return nil
}

// ValidateCollectionPath requires an odd number of non-empty segments.
func ValidateCollectionPath(path string) error {
	segments := strings.Split(path, "/")
	if len(segments)%2 != 1 {
		return fmt.Errorf("%w: %q is not a collection path", ErrInvalidPath, path)
	}
	for _, segment := range segments {
		if strings.TrimSpace(segment) == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	return nil
}

func copyFields(fields map[string]any) map[string]any {
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}
