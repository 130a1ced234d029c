// Package hub implements the named, ordered, synchronous event bus
// that is the only coupling between the daemon's components (§4.E).
// It generalizes go-mcast's Invoker/poll-loop idiom (go-mcast's
// core.Peer.poll): instead of spawning a goroutine per listener, each
// listener for a given event runs to completion, in registration
// order, before the next one is invoked and before Emit returns.
package hub

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/logging"
)

// Event names the canonical event set from spec §4.E.
type Event string

const (
	DatabaseConnect      Event = "database-connect"
	DatabaseDisconnect   Event = "database-disconnect"
	DatabaseError        Event = "database-error"
	LocalChange          Event = "local-change"
	LocalSaveChange      Event = "local-save-change"
	LocalSaveSuccessful  Event = "local-save-successful"
	LocalSaveFailed      Event = "local-save-failed"
	RemoteChange         Event = "remote-change"
	RemoteSendChange     Event = "remote-send-change"
	RemoteStatusChange   Event = "remote-status-change"
)

// Listener handles a single emission. An error returned here
// propagates back to the Emit call; it is never swallowed.
type Listener func(ctx context.Context, payload interface{}) error

// Hub is a named synchronous event bus. It is safe for concurrent use:
// registering a listener and copying the listener list for an event
// are serialized by mutex, and within one Emit the listeners run one
// after another on the caller's goroutine. Emit calls made from
// different goroutines are not serialized against each other, even
// for the same event.
type Hub struct {
	mutex     sync.Mutex
	listeners map[Event][]Listener
	log       logging.Logger
}

// New creates an empty Hub.
func New(log logging.Logger) *Hub {
	return &Hub{
		listeners: make(map[Event][]Listener),
		log:       log,
	}
}

// On registers a listener for an event. Listeners accumulate in
// registration order and are never removed.
func (h *Hub) On(event Event, listener Listener) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.listeners[event] = append(h.listeners[event], listener)
}

// Emit fires an event, running every registered listener in
// registration order. It returns as soon as a listener errors,
// wrapping the failure with the event name and listener index so
// emitters and logs can tell which stage of the pipeline broke.
func (h *Hub) Emit(ctx context.Context, event Event, payload interface{}) error {
	h.mutex.Lock()
	listeners := make([]Listener, len(h.listeners[event]))
	copy(listeners, h.listeners[event])
	h.mutex.Unlock()

	h.log.Tracef("emitting %s to %d listener(s)", event, len(listeners))
	for i, listener := range listeners {
		if err := listener(ctx, payload); err != nil {
			return errors.Wrapf(err, "hub: event %s listener #%d", event, i)
		}
	}
	return nil
}
