package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, maxQueueSize uint32) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, maxQueueSize, false)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(false) })
	return s
}

func TestQueueByNameIsStable(t *testing.T) {
	s := openTestStore(t, 4)

	q1, err := s.QueueByName("q1")
	require.NoError(t, err)
	q2, err := s.QueueByName("q1")
	require.NoError(t, err)
	assert.Equal(t, q1.index, q2.index)

	count, err := s.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestPushThenPopEmptyQueueRoundTrips(t *testing.T) {
	s := openTestStore(t, 4)
	q, err := s.QueueByName("q1")
	require.NoError(t, err)

	_, err = q.PushFront([]byte("hello"), -1)
	require.NoError(t, err)

	got, err := q.PopBack()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	_, err = q.PopBack()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestQueueCapacityReservesOneSlot(t *testing.T) {
	s := openTestStore(t, 4) // capacity is max_queue_size - 1 = 3
	q, err := s.QueueByName("q1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := q.PushFront([]byte{byte(i)}, -1)
		require.NoError(t, err, "push %d", i)
	}

	_, err = q.PushFront([]byte("overflow"), -1)
	assert.ErrorIs(t, err, ErrQueueFull)

	// Pop then push succeeds again without data loss.
	v, err := q.PopBack()
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, v)

	_, err = q.PushFront([]byte("new"), -1)
	require.NoError(t, err)

	size, err := q.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 3, size)
}

func TestPushFrontHonorsMaxNum(t *testing.T) {
	s := openTestStore(t, 100)
	q, err := s.QueueByName("bounded")
	require.NoError(t, err)

	_, err = q.PushFront([]byte("a"), 1)
	require.NoError(t, err)

	_, err = q.PushFront([]byte("b"), 1)
	assert.ErrorIs(t, err, ErrQueueBounded)
}

func TestFIFOOrdering(t *testing.T) {
	s := openTestStore(t, 16)
	q, err := s.QueueByName("q1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := q.PushFront([]byte{byte('a' + i)}, -1)
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		v, err := q.PopBack()
		require.NoError(t, err)
		assert.Equal(t, []byte{byte('a' + i)}, v)
	}
}

func TestQueueByIndexDoesNotAppearInList(t *testing.T) {
	s := openTestStore(t, 16)
	_, err := s.QueueByIndex(42)
	require.NoError(t, err)

	var names []string
	err = s.List(func(name string) error {
		names = append(names, name)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestListReturnsNamesInOrder(t *testing.T) {
	s := openTestStore(t, 16)
	for _, n := range []string{"zeta", "alpha", "mid"} {
		_, err := s.QueueByName(n)
		require.NoError(t, err)
	}

	var names []string
	err := s.List(func(name string) error {
		names = append(names, name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestClearResetsQueue(t *testing.T) {
	s := openTestStore(t, 16)
	q, err := s.QueueByName("q1")
	require.NoError(t, err)

	_, err = q.PushFront([]byte("x"), -1)
	require.NoError(t, err)

	require.NoError(t, q.Clear())

	size, err := q.Size()
	require.NoError(t, err)
	assert.Zero(t, size)

	_, err = q.PopBack()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, 16, true)
	require.NoError(t, err)

	q, err := s.QueueByName("q1")
	require.NoError(t, err)
	_, err = q.PushFront([]byte("persisted"), -1)
	require.NoError(t, err)

	require.NoError(t, s.Close(false))

	s2, err := Open(path, 16, true)
	require.NoError(t, err)
	defer s2.Close(false)

	q2, err := s2.QueueByName("q1")
	require.NoError(t, err)
	v, err := q2.PopBack()
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(v))
}

func TestQueueSizeReturnsNotFoundBeforeCreation(t *testing.T) {
	s := openTestStore(t, 16)
	q := &Queue{store: s, index: 999}
	_, err := q.Size()
	assert.True(t, errors.Is(err, ErrNotFound))
}
