package msghub

import (
	"container/ring"
	"context"
	"time"
)

// Length of msghub operation queue
const opChanLen = 100

// Message summarizes one relayed mail for history playback and monitoring.
type Message struct {
	From         string    `json:"from"`
	To           []string  `json:"to"`
	Subject      string    `json:"subject"`
	Date         time.Time `json:"date"`
	Size         int64     `json:"size"`
	Destinations []string  `json:"destinations"`
	Delivered    bool      `json:"delivered"`
}

// Listener receives the contents of the history buffer, followed by new messages
type Listener interface {
	Receive(msg Message) error
}

// Hub relays messages on to its listeners
type Hub struct {
	// history buffer, points next Message to write.  Proceeding non-nil entry is oldest Message
	history   *ring.Ring
	listeners map[Listener]struct{} // listeners interested in new messages
	opChan    chan func(h *Hub)     // operations queued for this actor
	done      chan struct{}         // closed once the processing loop exits
}

// New constructs a new Hub which will cache historyLen messages in memory for playback to future
// listeners.  Start must be called to begin processing; the hub will run until the provided
// context is canceled.
func New(historyLen int) *Hub {
	return &Hub{
		history:   ring.New(historyLen),
		listeners: make(map[Listener]struct{}),
		opChan:    make(chan func(h *Hub), opChanLen),
		done:      make(chan struct{}),
	}
}

// Start Hub processing loop.  After the context is canceled further operations
// are silently discarded; sessions draining during shutdown must not block or
// panic on the hub.
func (hub *Hub) Start(ctx context.Context) {
	defer close(hub.done)
	for {
		select {
		case <-ctx.Done():
			// Shutdown
			return
		case op := <-hub.opChan:
			op(hub)
		}
	}
}

// enqueue hands an operation to the processing loop, dropping it if the hub
// has shut down.
func (hub *Hub) enqueue(op func(h *Hub)) {
	select {
	case hub.opChan <- op:
	case <-hub.done:
	}
}

// Dispatch queues a message for broadcast by the hub.  The message will be placed into the
// history buffer and then relayed to all registered listeners.
func (hub *Hub) Dispatch(msg Message) {
	hub.enqueue(func(h *Hub) {
		if h.history != nil {
			// Add to history buffer
			h.history.Value = msg
			h.history = h.history.Next()

			// Deliver message to all listeners, removing listeners if they return an error
			for l := range h.listeners {
				if err := l.Receive(msg); err != nil {
					delete(h.listeners, l)
				}
			}
		}
	})
}

// AddListener registers a listener to receive broadcasted messages.
func (hub *Hub) AddListener(l Listener) {
	hub.enqueue(func(h *Hub) {
		// Playback log
		h.history.Do(func(v interface{}) {
			if v != nil {
				_ = l.Receive(v.(Message))
			}
		})

		// Add to listeners
		h.listeners[l] = struct{}{}
	})
}

// RemoveListener deletes a listener registration, it will cease to receive messages.
func (hub *Hub) RemoveListener(l Listener) {
	hub.enqueue(func(h *Hub) {
		delete(h.listeners, l)
	})
}

// History returns a snapshot of the buffered messages, oldest first.  Returns
// nil after shutdown.
func (hub *Hub) History() []Message {
	result := make(chan []Message, 1)
	hub.enqueue(func(h *Hub) {
		msgs := make([]Message, 0, h.history.Len())
		h.history.Do(func(v interface{}) {
			if v != nil {
				msgs = append(msgs, v.(Message))
			}
		})
		result <- msgs
	})
	select {
	case msgs := <-result:
		return msgs
	case <-hub.done:
		return nil
	}
}

// Sync blocks until the msghub has processed its queue up to this point, useful
// for unit tests.
func (hub *Hub) Sync() {
	processed := make(chan struct{})
	hub.enqueue(func(h *Hub) {
		close(processed)
	})
	select {
	case <-processed:
	case <-hub.done:
	}
}
