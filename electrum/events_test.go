package electrum

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	bus := newEventBus()

	var statusSeen, updatedSeen int
	handle := bus.register(
		[]string{EventStatus, EventUpdated},
		func(event string, value interface{}) {
			switch event {
			case EventStatus:
				statusSeen++
			case EventUpdated:
				updatedSeen++
			}
		},
	)

	bus.trigger(EventStatus, "connected")
	bus.trigger(EventUpdated, nil)
	bus.trigger(EventBanner, "ignored")
	require.Equal(t, 1, statusSeen)
	require.Equal(t, 1, updatedSeen)

	bus.unregister(handle)
	bus.trigger(EventStatus, "disconnected")
	require.Equal(t, 1, statusSeen)
}

func TestEventBusValueDelivery(t *testing.T) {
	bus := newEventBus()

	var got interface{}
	bus.register([]string{EventBanner},
		func(_ string, value interface{}) { got = value })

	bus.trigger(EventBanner, "hello")
	require.Equal(t, "hello", got)
}

func TestEventBusMultipleCallbacks(t *testing.T) {
	bus := newEventBus()

	var first, second int
	h1 := bus.register([]string{EventServers},
		func(string, interface{}) { first++ })
	bus.register([]string{EventServers},
		func(string, interface{}) { second++ })

	bus.trigger(EventServers, nil)
	require.Equal(t, 1, first)
	require.Equal(t, 1, second)

	bus.unregister(h1)
	bus.trigger(EventServers, nil)
	require.Equal(t, 1, first)
	require.Equal(t, 2, second)
}
