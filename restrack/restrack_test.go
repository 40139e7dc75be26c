package restrack

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupAllRunsInReverseOrder(t *testing.T) {
	tr := New(nil)
	var order []int
	tr.Add(KindMemory, "first", func() error { order = append(order, 1); return nil })
	tr.Add(KindMemory, "second", func() error { order = append(order, 2); return nil })
	tr.Add(KindMemory, "third", func() error { order = append(order, 3); return nil })

	tr.CleanupAll()
	require.Equal(t, []int{3, 2, 1}, order)
	assert.Equal(t, 0, tr.Len())
}

func TestRemoveSkipsReleaser(t *testing.T) {
	tr := New(nil)
	called := false
	tr.Add(KindPort, "conn", func() error { called = true; return nil })
	require.True(t, tr.Remove("conn"))

	tr.CleanupAll()
	assert.False(t, called)
}

func TestRemoveUnknownReturnsFalse(t *testing.T) {
	tr := New(nil)
	assert.False(t, tr.Remove("nope"))
}

func TestCleanupAllToleratesReleaserError(t *testing.T) {
	tr := New(nil)
	secondRan := false
	tr.Add(KindPool, "bad", func() error { return errors.New("already destructed") })
	tr.Add(KindPool, "good", func() error { secondRan = true; return nil })

	tr.CleanupAll()
	assert.True(t, secondRan)
}

func TestCleanupAllIsIdempotent(t *testing.T) {
	tr := New(nil)
	calls := 0
	tr.Add(KindMutex, "m", func() error { calls++; return nil })
	tr.CleanupAll()
	tr.CleanupAll()
	assert.Equal(t, 1, calls)
}
