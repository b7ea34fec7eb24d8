package events_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/adtechlabs/libtasks/events"
)

func TestHandlerDeliversToAllListeners(t *testing.T) {
	h := events.NewHandler()
	var got1, got2 interface{}
	h.AddListener(func(e interface{}) { got1 = e })
	h.AddListener(func(e interface{}) { got2 = e })

	assert.Equal(t, 2, h.NumListeners())

	ev := events.WorkerEvent{Kind: events.WorkerPromoted, WorkerID: 3}
	h.Push(ev)

	assert.Equal(t, ev, got1)
	assert.Equal(t, ev, got2)
}

func TestHandlerIgnoresNilListener(t *testing.T) {
	h := events.NewHandler()
	h.AddListener(nil)
	assert.Equal(t, 0, h.NumListeners())
}

func TestHandlerWithNoListenersDoesNotPanic(t *testing.T) {
	h := events.NewHandler()
	assert.NotPanics(t, func() {
		h.Push(events.TaskEvent{Kind: events.TaskDestroyed, TaskID: "x"})
	})
}
