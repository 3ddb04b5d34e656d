// Package store provides the remote atomic document store every stateful
// component builds on. Documents are UTF-8 text addressed by path and
// guarded by an opaque version tag; all mutation goes through AtomicUpdate,
// which is the only cross-process serialization point in the system.
package store

import (
	"context"
	"errors"
)

// ErrConflict is returned by Put when the supplied version tag is stale,
// meaning another writer updated the document since it was read.
var ErrConflict = errors.New("store: version conflict")

// Client is the read/modify/write primitive over the remote store.
type Client interface {
	// Get returns the document content and its current version tag.
	// A missing path is a valid state, not a failure: it yields empty
	// content with an empty tag and a nil error.
	Get(ctx context.Context, path string) (content string, tag string, err error)

	// Put writes content under path. tag must be the version tag returned
	// by the Get the content was derived from; an empty tag means the path
	// is being created. A stale tag fails with ErrConflict.
	Put(ctx context.Context, path, content, tag string) error
}
