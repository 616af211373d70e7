// SPDX-License-Identifier: MIT
package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishesToSpecificThenGlobal(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "all:"+string(e.Type)) })
	bus.Subscribe(Status, func(e Event) { order = append(order, "status:"+e.Payload.(string)) })
	bus.Subscribe(PeerError, func(Event) { order = append(order, "unexpected") })

	bus.Publish(Status, "ready")

	assert.Equal(t, []string{"status:ready", "all:status"}, order)
}

func TestBusKeepsPublishOrder(t *testing.T) {
	bus := NewBus()

	var got []int
	bus.Subscribe(MediaResult, func(e Event) { got = append(got, e.Payload.(int)) })
	for i := range 5 {
		bus.Publish(MediaResult, i)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestBusRecoversFromPanic(t *testing.T) {
	bus := NewBus()

	called := false
	bus.Subscribe(PeerError, func(Event) { panic("listener panic") })
	bus.Subscribe(PeerError, func(Event) { called = true })

	require.NotPanics(t, func() { bus.Publish(PeerError, "boom") })
	assert.True(t, called)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()

	count := 0
	cancel := bus.Subscribe(Status, func(Event) { count++ })
	cancelAll := bus.SubscribeAll(func(Event) { count++ })

	bus.Publish(Status, nil)
	cancel()
	cancelAll()
	bus.Publish(Status, nil)

	assert.Equal(t, 2, count)
}

func TestBusClear(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.Subscribe(Status, func(Event) { count++ })
	bus.SubscribeAll(func(Event) { count++ })
	bus.Clear()
	bus.Publish(Status, nil)

	assert.Zero(t, count)
}

func TestBusStampsTime(t *testing.T) {
	bus := NewBus()

	var ev Event
	bus.Subscribe(CatalogUpdated, func(e Event) { ev = e })
	bus.Publish(CatalogUpdated, []string{"a"})

	assert.Equal(t, CatalogUpdated, ev.Type)
	assert.False(t, ev.Time.IsZero())
}
