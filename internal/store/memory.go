package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryClient is an in-memory Client with the same versioning semantics
// as the remote store. Use it for development and tests; it is safe for
// concurrent use.
type MemoryClient struct {
	mu   sync.Mutex
	docs map[string]memoryDoc
	rev  int
}

type memoryDoc struct {
	content string
	tag     string
}

// NewMemoryClient creates an empty in-memory store.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{docs: make(map[string]memoryDoc)}
}

// Get returns the current content and tag, or empties for a missing path.
func (m *MemoryClient) Get(ctx context.Context, path string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[path]
	if !ok {
		return "", "", nil
	}
	return doc.content, doc.tag, nil
}

// Put stores content if tag matches the current version.
func (m *MemoryClient) Put(ctx context.Context, path, content, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.docs[path]
	if exists && current.tag != tag {
		return ErrConflict
	}
	if !exists && tag != "" {
		return ErrConflict
	}

	m.rev++
	m.docs[path] = memoryDoc{content: content, tag: fmt.Sprintf("v%d", m.rev)}
	return nil
}

// Snapshot returns the current content of path without a version tag.
func (m *MemoryClient) Snapshot(path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[path].content
}

var _ Client = (*MemoryClient)(nil)
