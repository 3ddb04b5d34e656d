package pending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAndGet(t *testing.T) {
	tr := NewTracker(time.Hour)

	entry := tr.Start(42, "7d", "alice")
	require.NotNil(t, entry)
	assert.Equal(t, int64(42), entry.AccountID)
	assert.Equal(t, "alice", entry.Username)
	assert.False(t, entry.Guest)

	got, expired := tr.Get(42, "7d", "alice")
	require.NotNil(t, got)
	assert.False(t, expired)
	assert.Equal(t, entry.StartedAt, got.StartedAt)
}

func TestStartIsIdempotent(t *testing.T) {
	tr := NewTracker(time.Hour)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	first := tr.Start(42, "7d", "alice")

	// A later start while the window is live keeps the original anchor.
	tr.now = func() time.Time { return base.Add(10 * time.Minute) }
	second := tr.Start(42, "7d", "alice")
	assert.Equal(t, first.StartedAt, second.StartedAt)

	// Casing differences do not reset the anchor either.
	third := tr.Start(42, "7d", "Alice")
	assert.Equal(t, first.StartedAt, third.StartedAt)
}

func TestWindowsAreScopedPerUsername(t *testing.T) {
	tr := NewTracker(time.Hour)
	tr.Start(42, "7d", "alice")

	// A username that never declared intent has no window, even on the
	// same account and product.
	entry, expired := tr.Get(42, "7d", "bob")
	assert.Nil(t, entry)
	assert.False(t, expired)

	// Each username anchors its own window.
	tr.Start(42, "7d", "bob")
	aliceEntry, _ := tr.Get(42, "7d", "alice")
	bobEntry, _ := tr.Get(42, "7d", "bob")
	require.NotNil(t, aliceEntry)
	require.NotNil(t, bobEntry)
	assert.Equal(t, "alice", aliceEntry.Username)
	assert.Equal(t, "bob", bobEntry.Username)

	// Popping one leaves the other.
	tr.Pop(42, "7d", "bob")
	aliceEntry, _ = tr.Get(42, "7d", "alice")
	assert.NotNil(t, aliceEntry)
	bobEntry, _ = tr.Get(42, "7d", "bob")
	assert.Nil(t, bobEntry)
}

func TestGetMissing(t *testing.T) {
	tr := NewTracker(time.Hour)
	entry, expired := tr.Get(42, "7d", "alice")
	assert.Nil(t, entry)
	assert.False(t, expired)
}

func TestExpiry(t *testing.T) {
	tr := NewTracker(time.Hour)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }
	tr.Start(42, "7d", "alice")

	tr.now = func() time.Time { return base.Add(time.Hour + time.Second) }
	entry, expired := tr.Get(42, "7d", "alice")
	assert.Nil(t, entry)
	assert.True(t, expired)

	// Expired entries are evicted, so a second read reports plain absence.
	entry, expired = tr.Get(42, "7d", "alice")
	assert.Nil(t, entry)
	assert.False(t, expired)
}

func TestExpiredWindowReplacedByStart(t *testing.T) {
	tr := NewTracker(time.Hour)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }
	tr.Start(42, "7d", "alice")

	later := base.Add(2 * time.Hour)
	tr.now = func() time.Time { return later }
	entry := tr.Start(42, "7d", "alice")
	assert.Equal(t, later, entry.StartedAt)
}

func TestPop(t *testing.T) {
	tr := NewTracker(time.Hour)
	tr.Start(42, "7d", "alice")
	tr.Pop(42, "7d", "alice")

	entry, expired := tr.Get(42, "7d", "alice")
	assert.Nil(t, entry)
	assert.False(t, expired)
}

func TestWindowsAreScopedPerProduct(t *testing.T) {
	tr := NewTracker(time.Hour)
	tr.Start(42, "7d", "alice")

	entry, _ := tr.Get(42, "30d", "alice")
	assert.Nil(t, entry)

	entry, _ = tr.Get(7, "7d", "alice")
	assert.Nil(t, entry)
}

func TestGuestRecord(t *testing.T) {
	tr := NewTracker(time.Hour)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	entry := tr.GuestRecord("7d", "bob")
	require.NotNil(t, entry)
	assert.True(t, entry.Guest)
	assert.Equal(t, base, entry.StartedAt)
	assert.Equal(t, int64(0), entry.AccountID)

	// Guest records are synthetic and never stored.
	stored, _ := tr.Get(0, "7d", "bob")
	assert.Nil(t, stored)
}
