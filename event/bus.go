package event

import (
	"fmt"
	"log/slog"
	"sync"

	"italk-core/errors"
)

// Binding identifies one subscription. Removal is keyed by the binding,
// never by comparing callbacks, so a stale callback from a reloaded
// extension can never be confused with a fresh one.
type Binding struct {
	Kind Kind
	ID   uint64
}

type subscriber struct {
	id uint64
	fn Callback
}

// Bus dispatches payloads to subscribers in registration order.
//
// Publish runs synchronously on the calling goroutine and snapshots the
// subscriber list first: a Subscribe or Unsubscribe racing with an
// in-flight dispatch never skips or duplicates an invocation for that
// dispatch.
type Bus struct {
	mu     sync.RWMutex
	log    *slog.Logger
	nextID uint64
	subs   map[Kind][]subscriber
}

func NewBus(log *slog.Logger) *Bus {
	return &Bus{
		log:  log,
		subs: make(map[Kind][]subscriber),
	}
}

func (b *Bus) Subscribe(kind Kind, fn Callback) (Binding, error) {
	if !kind.Valid() {
		b.log.Warn("Rejecting subscription for unknown event kind", "kind", string(kind))
		return Binding{}, fmt.Errorf("%w: %s", errors.ErrUnknownEventKind, kind)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[kind] = append(b.subs[kind], subscriber{id: b.nextID, fn: fn})
	return Binding{Kind: kind, ID: b.nextID}, nil
}

// Unsubscribe removes exactly the given binding. Unknown bindings are
// ignored.
func (b *Bus) Unsubscribe(binding Binding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.subs[binding.Kind]
	for i, sub := range current {
		if sub.id != binding.ID {
			continue
		}
		next := make([]subscriber, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		b.subs[binding.Kind] = next
		return
	}
}

// Publish invokes every callback currently registered for kind, in
// registration order. Each invocation is isolated: an error or panic is
// reported and the remaining callbacks still run. Failures are not
// re-published as on_error, which would recurse.
func (b *Bus) Publish(kind Kind, p Payload) {
	if !kind.Valid() {
		b.log.Warn("Dropping publication for unknown event kind", "kind", string(kind))
		return
	}
	b.mu.RLock()
	snapshot := make([]subscriber, len(b.subs[kind]))
	copy(snapshot, b.subs[kind])
	b.mu.RUnlock()

	for _, sub := range snapshot {
		if err := b.invoke(sub, p); err != nil {
			b.log.Error("Event callback failed",
				"kind", string(kind), "binding", sub.id, "error", err)
		}
	}
}

func (b *Bus) invoke(sub subscriber, p Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return sub.fn(p)
}

// Count reports how many callbacks are bound to kind.
func (b *Bus) Count(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
