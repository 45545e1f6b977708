// Package alerts - Best-effort fan-out of alert events to listeners.
//
// Publish never blocks. An event is delivered to each listener whose channel
// has room at the moment of publishing and dropped for every other listener.
// Nothing is queued for listeners that subscribe later and nothing is
// retried.
package alerts

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-behavior/logger"
	"github.com/nvr-ai/go-behavior/verdict"
)

var (
	// ErrListenerExists is returned when Subscribe is called with a duplicate id.
	ErrListenerExists = errors.New("listener id already exists")
	// ErrHubClosed is returned when subscribing to a closed hub.
	ErrHubClosed = errors.New("alert hub is closed")
)

// Event is one transition into an alert label.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Detector   string    `json:"detector"`
	Message    string    `json:"message"`
	Label      string    `json:"label"`
	Confidence float32   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEvent builds an event for a verdict raised by detector.
func NewEvent(detector, message string, v verdict.Verdict) Event {
	ts := v.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Event{
		ID:         uuid.New(),
		Detector:   detector,
		Message:    message,
		Label:      v.Label,
		Confidence: v.Confidence,
		Timestamp:  ts,
	}
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(e Event)
}

// Sink delivers events somewhere outside the process.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Stats counts hub deliveries.
type Stats struct {
	Published uint64            `json:"published"`
	Sent      uint64            `json:"sent"`
	Dropped   uint64            `json:"dropped"`
	Listeners map[string]uint64 `json:"listeners"`
}

type listener struct {
	ch      chan Event
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Hub distributes events to listeners.
type Hub struct {
	mu        sync.RWMutex
	listeners map[string]*listener
	closed    bool
	buffer    int
	log       *logger.Logger

	published atomic.Uint64
	wg        sync.WaitGroup
}

// NewHub creates a hub whose listener channels hold buffer events.
//
// Arguments:
//   - buffer: Per-listener channel capacity; values below 1 become 1.
//   - log: The logger; nil disables logging.
//
// Returns:
//   - *Hub: The hub.
func NewHub(buffer int, log *logger.Logger) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		listeners: make(map[string]*listener),
		buffer:    buffer,
		log:       log,
	}
}

// Subscribe registers a listener.
//
// Arguments:
//   - id: Unique listener id.
//
// Returns:
//   - <-chan Event: Receives events until cancel is called or the hub closes.
//   - func(): Unsubscribes and closes the channel; safe to call twice.
//   - error: ErrListenerExists or ErrHubClosed.
func (h *Hub) Subscribe(id string) (<-chan Event, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, nil, ErrHubClosed
	}
	if _, ok := h.listeners[id]; ok {
		return nil, nil, errors.Wrap(ErrListenerExists, id)
	}

	l := &listener{ch: make(chan Event, h.buffer)}
	h.listeners[id] = l

	var once sync.Once
	cancel := func() {
		once.Do(func() { h.remove(id, l) })
	}
	return l.ch, cancel, nil
}

func (h *Hub) remove(id string, l *listener) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.listeners[id]; ok && cur == l {
		delete(h.listeners, id)
		close(l.ch)
	}
}

// Publish hands e to every listener with room and drops it for the rest.
func (h *Hub) Publish(e Event) {
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}

	for id, l := range h.listeners {
		select {
		case l.ch <- e:
			l.sent.Add(1)
		default:
			l.dropped.Add(1)
			h.log.Warn().Str("listener", id).Str("event", e.ID.String()).Msg("alert dropped, listener is full")
		}
	}
}

// Attach forwards events to sink on a goroutine until ctx ends or the hub
// closes. Send errors are logged and the event is discarded.
//
// Arguments:
//   - ctx: Bounds the forwarding goroutine and every Send.
//   - name: The listener id for the sink.
//   - sink: The destination.
//
// Returns:
//   - error: An error if the listener cannot be registered.
func (h *Hub) Attach(ctx context.Context, name string, sink Sink) error {
	ch, cancel, err := h.Subscribe(name)
	if err != nil {
		return err
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				if err := sink.Send(ctx, e); err != nil {
					h.log.Warn().Err(err).Str("sink", name).Str("event", e.ID.String()).Msg("alert sink failed")
				}
			}
		}
	}()
	return nil
}

// Stats returns a snapshot of delivery counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Stats{
		Published: h.published.Load(),
		Listeners: make(map[string]uint64, len(h.listeners)),
	}
	for id, l := range h.listeners {
		sent := l.sent.Load()
		s.Sent += sent
		s.Dropped += l.dropped.Load()
		s.Listeners[id] = sent
	}
	return s
}

// Close unsubscribes every listener, closes their channels and waits for
// attached sinks to return. Close is idempotent.
func (h *Hub) Close() error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		for id, l := range h.listeners {
			delete(h.listeners, id)
			close(l.ch)
		}
	}
	h.mu.Unlock()

	h.wg.Wait()
	return nil
}
