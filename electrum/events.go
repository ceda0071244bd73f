package electrum

import "sync"

// Event names fired by the engine.
const (
	EventStatus     = "status"
	EventUpdated    = "updated"
	EventBanner     = "banner"
	EventFee        = "fee"
	EventServers    = "servers"
	EventInterfaces = "interfaces"
)

// EventCallback receives engine events. The value is nil for pure
// "something changed" events (status, updated).
type EventCallback func(event string, value interface{})

// CallbackHandle identifies a registered callback so it can be removed.
type CallbackHandle struct {
	cb     EventCallback
	events []string
}

// eventBus holds the named callback lists fired on status changes. It is
// the one piece of engine state foreign threads touch directly, so it
// carries its own mutex; callbacks are invoked outside the lock with a
// snapshot copy.
type eventBus struct {
	mtx       sync.Mutex
	callbacks map[string][]*CallbackHandle
}

func newEventBus() *eventBus {
	return &eventBus{
		callbacks: make(map[string][]*CallbackHandle),
	}
}

// register adds cb to each named event list and returns a handle for
// unregistering.
func (b *eventBus) register(events []string, cb EventCallback) *CallbackHandle {
	handle := &CallbackHandle{cb: cb, events: events}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for _, event := range events {
		b.callbacks[event] = append(b.callbacks[event], handle)
	}
	return handle
}

// unregister removes a previously registered handle from every list.
func (b *eventBus) unregister(handle *CallbackHandle) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for _, event := range handle.events {
		list := b.callbacks[event]
		for i, h := range list {
			if h == handle {
				b.callbacks[event] = append(
					list[:i], list[i+1:]...,
				)
				break
			}
		}
	}
}

// trigger invokes every callback registered for the event with a snapshot
// copy taken under the lock.
func (b *eventBus) trigger(event string, value interface{}) {
	b.mtx.Lock()
	list := b.callbacks[event]
	snapshot := make([]*CallbackHandle, len(list))
	copy(snapshot, list)
	b.mtx.Unlock()

	for _, h := range snapshot {
		h.cb(event, value)
	}
}
