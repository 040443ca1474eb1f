package expiry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := New[string]()
	base := time.Unix(100, 0)

	_, ok := q.Front()
	assert.False(t, ok)
	_, ok = q.PopFront()
	assert.False(t, ok)

	q.PushBack(base, "a")
	q.PushBack(base.Add(time.Second), "b")
	q.PushBack(base.Add(2*time.Second), "c")
	require.Equal(t, 3, q.Len())

	front, ok := q.Front()
	require.True(t, ok)
	assert.Equal(t, "a", front.Key)

	var popped []string
	q.PopExpired(base.Add(time.Second), func(e Entry[string]) { popped = append(popped, e.Key) })
	assert.Equal(t, []string{"a", "b"}, popped)
	assert.Equal(t, 1, q.Len())

	q.PopExpired(base.Add(time.Second), func(e Entry[string]) { t.Fatalf("unexpected pop of %s", e.Key) })

	e, ok := q.PopFront()
	require.True(t, ok)
	assert.Equal(t, "c", e.Key)
	assert.Equal(t, 0, q.Len())
}

func TestQueueRemoveFunc(t *testing.T) {
	q := New[int]()
	base := time.Unix(100, 0)
	for i, k := range []int{1, 2, 1, 3} {
		q.PushBack(base.Add(time.Duration(i)*time.Second), k)
	}

	n := q.RemoveFunc(func(e Entry[int]) bool { return e.Key == 1 })
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, q.Len())

	front, _ := q.Front()
	assert.Equal(t, 2, front.Key)

	assert.Zero(t, q.RemoveFunc(func(e Entry[int]) bool { return e.Key == 7 }))
}
