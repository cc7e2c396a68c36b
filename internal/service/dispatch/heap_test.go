package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapOrdersByAvailability(t *testing.T) {
	h := NewHeap()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	h.Push("q-b", base.Add(2*time.Second))
	h.Push("q-a", base.Add(time.Second))
	h.Push("q-c", base.Add(3*time.Second))

	id, at, ok := h.Pop()
	require.True(t, ok)
	assert.Equal(t, "q-a", id)
	assert.Equal(t, base.Add(time.Second), at)

	id, _, _ = h.Pop()
	assert.Equal(t, "q-b", id)
	id, _, _ = h.Pop()
	assert.Equal(t, "q-c", id)
	_, _, ok = h.Pop()
	assert.False(t, ok)
}

func TestHeapLazyInvalidation(t *testing.T) {
	h := NewHeap()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	h.Push("q-a", base.Add(time.Second))
	// Reschedule: the old entry becomes stale and must be skipped even
	// though it sorts first.
	h.Push("q-a", base.Add(5*time.Second))
	h.Push("q-b", base.Add(2*time.Second))
	assert.Equal(t, 2, h.Len())

	id, at, ok := h.Peek()
	require.True(t, ok)
	assert.Equal(t, "q-b", id)
	assert.Equal(t, base.Add(2*time.Second), at)

	id, _, _ = h.Pop()
	assert.Equal(t, "q-b", id)
	id, at, ok = h.Pop()
	require.True(t, ok)
	assert.Equal(t, "q-a", id)
	assert.Equal(t, base.Add(5*time.Second), at)
	assert.Equal(t, 0, h.Len())
}

func TestHeapPopConsumesCurrentEntry(t *testing.T) {
	h := NewHeap()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	h.Push("q-a", base)
	_, _, ok := h.Pop()
	require.True(t, ok)
	// A popped queue has no live entry until pushed again.
	_, _, ok = h.Peek()
	assert.False(t, ok)
}
