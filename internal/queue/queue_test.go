package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushPopFIFO(t *testing.T) {
	var q Queue[int]
	q.PushBack(1)
	q.PushBack(2)
	q.PushBack(3)
	assert.Equal(t, 3, q.Len())

	assert.Equal(t, 1, q.PopFront().Value)
	assert.Equal(t, 2, q.PopFront().Value)
	assert.Equal(t, 3, q.PopFront().Value)
	assert.Nil(t, q.PopFront())
	assert.Equal(t, 0, q.Len())
}

func TestRemoveMiddle(t *testing.T) {
	var q Queue[string]
	q.PushBack("a")
	mid := q.PushBack("b")
	q.PushBack("c")

	q.Remove(mid)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, "a", q.PopFront().Value)
	assert.Equal(t, "c", q.PopFront().Value)
}

func TestEmpty(t *testing.T) {
	var q Queue[int]
	q.PushBack(1)
	q.PushBack(2)
	q.Empty()
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.PopFront())
}
