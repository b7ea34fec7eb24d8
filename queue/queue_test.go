package queue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/adtechlabs/libtasks/loop"
	"github.com/adtechlabs/libtasks/queue"
	"github.com/adtechlabs/libtasks/task"
)

func TestIOQueueFIFOOrder(t *testing.T) {
	var q queue.IOQueue
	a := task.NewIOTask(1, loop.EventRead, nil, false)
	b := task.NewIOTask(2, loop.EventRead, nil, false)

	q.Push(queue.IOEntry{Task: a, Revents: loop.EventRead})
	q.Push(queue.IOEntry{Task: b, Revents: loop.EventWrite})
	assert.Equal(t, 2, q.Len())

	first, ok := q.PopFront()
	assert.True(t, ok)
	assert.Equal(t, a, first.Task)
	assert.Equal(t, loop.EventRead, first.Revents)

	second, ok := q.PopFront()
	assert.True(t, ok)
	assert.Equal(t, b, second.Task)

	_, ok = q.PopFront()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestTimerQueueFIFOOrder(t *testing.T) {
	var q queue.TimerQueue
	a := task.NewTimerTask(0, 0, nil, false)
	b := task.NewTimerTask(0, 0, nil, false)

	q.Push(a)
	q.Push(b)

	first, ok := q.PopFront()
	assert.True(t, ok)
	assert.Equal(t, a, first)

	second, ok := q.PopFront()
	assert.True(t, ok)
	assert.Equal(t, b, second)

	_, ok = q.PopFront()
	assert.False(t, ok)
}
