// Package events fans confirmed vault audit events out to in-process
// subscribers and external sinks. The ledger of record already holds every
// event; this package is the notification path.
package events

import (
	"context"
	"sync"

	"github.com/R3E-Network/collateral_vault/internal/logging"
	"github.com/R3E-Network/collateral_vault/internal/metrics"
	"github.com/R3E-Network/collateral_vault/internal/vault"
)

// Handler processes events as they are emitted.
type Handler func(vault.Event)

// Filter decides whether an event should reach a handler.
type Filter func(vault.Event) bool

// ForVault matches events that touch the vault at address.
func ForVault(address string) Filter {
	return func(e vault.Event) bool { return e.Touches(address) }
}

// ForKinds matches events of the given kinds.
func ForKinds(kinds ...vault.EventKind) Filter {
	set := make(map[vault.EventKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return func(e vault.Event) bool { return set[e.Kind] }
}

// Sink is an external destination for events. Publish failures are logged
// and never propagate to the mutation that produced the event.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e vault.Event) error
	Close() error
}

// Publisher is what the orchestrator needs from an emitter.
type Publisher interface {
	Emit(ctx context.Context, evs ...vault.Event) int
}

// Emitter keeps a ring of recent events and notifies subscribers and sinks.
// Re-emitting an event still in the ring is a no-op.
type Emitter struct {
	mu       sync.RWMutex
	events   []vault.Event
	size     int
	head     int
	count    int
	seen     map[string]struct{}
	handlers []handlerEntry
	nextID   int64

	sinks []Sink
	log   *logging.Logger
}

var _ Publisher = (*Emitter)(nil)

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

// DefaultRingSize is the number of recent events an emitter remembers when
// no size is given.
const DefaultRingSize = 1000

// NewEmitter creates an emitter remembering up to size events.
func NewEmitter(size int, log *logging.Logger, sinks ...Sink) *Emitter {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Emitter{
		events: make([]vault.Event, size),
		size:   size,
		seen:   make(map[string]struct{}, size),
		sinks:  sinks,
		log:    logging.OrDefault(log),
	}
}

// Emit records and publishes evs in order, skipping ones already seen. It
// returns the number of events published.
func (em *Emitter) Emit(ctx context.Context, evs ...vault.Event) int {
	published := 0
	for _, ev := range evs {
		if !em.record(ev) {
			continue
		}
		published++
		metrics.RecordEvent(string(ev.Kind))

		em.mu.RLock()
		handlers := make([]handlerEntry, len(em.handlers))
		copy(handlers, em.handlers)
		em.mu.RUnlock()

		for _, h := range handlers {
			if h.filter == nil || h.filter(ev) {
				h.handler(ev)
			}
		}
		for _, s := range em.sinks {
			if err := s.Publish(ctx, ev); err != nil {
				metrics.RecordSinkFailure(s.Name())
				em.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
					"sink":  s.Name(),
					"event": ev.ID,
					"kind":  ev.Kind,
				}).Warn("event sink publish failed")
			}
		}
	}
	return published
}

func (em *Emitter) record(ev vault.Event) bool {
	em.mu.Lock()
	defer em.mu.Unlock()
	if _, dup := em.seen[ev.ID]; dup {
		return false
	}
	if em.count == em.size {
		delete(em.seen, em.events[em.head].ID)
	}
	em.events[em.head] = ev
	em.seen[ev.ID] = struct{}{}
	em.head = (em.head + 1) % em.size
	if em.count < em.size {
		em.count++
	}
	return true
}

// Subscribe registers a handler for all events. Handlers run on the emitting
// goroutine and must not block. The returned function unsubscribes.
func (em *Emitter) Subscribe(handler Handler) func() {
	return em.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter.
func (em *Emitter) SubscribeFiltered(filter Filter, handler Handler) func() {
	em.mu.Lock()
	id := em.nextID
	em.nextID++
	em.handlers = append(em.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	em.mu.Unlock()

	return func() {
		em.mu.Lock()
		defer em.mu.Unlock()
		for i, h := range em.handlers {
			if h.id == id {
				em.handlers = append(em.handlers[:i], em.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns up to n events, newest first.
func (em *Emitter) Recent(n int) []vault.Event {
	return em.recent(nil, n)
}

// RecentByVault returns up to n events touching address, newest first.
func (em *Emitter) RecentByVault(address string, n int) []vault.Event {
	return em.recent(ForVault(address), n)
}

func (em *Emitter) recent(filter Filter, n int) []vault.Event {
	em.mu.RLock()
	defer em.mu.RUnlock()

	if n <= 0 || em.count == 0 {
		return nil
	}
	var result []vault.Event
	for i := 0; i < em.count && len(result) < n; i++ {
		idx := (em.head - 1 - i + em.size) % em.size
		if filter == nil || filter(em.events[idx]) {
			result = append(result, em.events[idx])
		}
	}
	return result
}

// Count returns the number of events held.
func (em *Emitter) Count() int {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.count
}

// Close closes every sink.
func (em *Emitter) Close() error {
	var first error
	for _, s := range em.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
