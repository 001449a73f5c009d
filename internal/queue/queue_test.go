package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFODropsWhenFull(t *testing.T) {
	q := NewFIFO[int](2)
	assert.True(t, q.Push(1))
	assert.True(t, q.Push(2))
	assert.False(t, q.Push(3))
	assert.Equal(t, 1, q.Dropped())

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestLIFOEvictsOldestOnOverflow(t *testing.T) {
	q := NewLIFO[string](2)
	q.Push("a")
	q.Push("b")
	q.Push("c") // evicts "a"

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "c", v, "LIFO pop returns the newest push")

	v, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok = q.Pop()
	assert.False(t, ok)
}
