// Package registry keeps the intended notify/indicate subscription set of
// every peripheral. It never talks to the native layer: callers record a
// subscription before issuing the native subscribe (rolling it back if that
// fails) and forget it whenever they unsubscribe, whatever the native outcome.
// Teardown unsubscribes exactly what the registry lists.
package registry

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Mode is the delivery mode of a subscription.
type Mode int

const (
	Notify Mode = iota
	Indicate
)

func (m Mode) String() string {
	switch m {
	case Notify:
		return "notify"
	case Indicate:
		return "indicate"
	default:
		return "unknown"
	}
}

// Key identifies a subscription within one peripheral.
type Key struct {
	Service        string
	Characteristic string
}

// Entry is one active subscription.
type Entry struct {
	Key
	Mode Mode
}

// Previous describes what Record replaced, for rollback.
type Previous struct {
	Mode     Mode
	Replaced bool
}

// Registry maps peripheral identities to their subscriptions, kept in the
// order they were first recorded.
type Registry struct {
	mu   sync.Mutex
	subs map[uint64]*orderedmap.OrderedMap[Key, Mode]
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{subs: make(map[uint64]*orderedmap.OrderedMap[Key, Mode])}
}

// Record sets the subscription for (peripheral, service, characteristic).
// An existing entry for the same key is replaced in place, never duplicated.
func (r *Registry) Record(peripheral uint64, service, characteristic string, mode Mode) Previous {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[peripheral]
	if !ok {
		set = orderedmap.New[Key, Mode]()
		r.subs[peripheral] = set
	}

	prev, replaced := set.Set(Key{Service: service, Characteristic: characteristic}, mode)
	return Previous{Mode: prev, Replaced: replaced}
}

// Rollback undoes a Record whose native subscribe failed: the replaced entry
// is restored, or the new one removed.
func (r *Registry) Rollback(peripheral uint64, service, characteristic string, prev Previous) {
	if prev.Replaced {
		r.Record(peripheral, service, characteristic, prev.Mode)
		return
	}
	r.Forget(peripheral, service, characteristic)
}

// Forget removes the subscription and reports whether it was present.
func (r *Registry) Forget(peripheral uint64, service, characteristic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[peripheral]
	if !ok {
		return false
	}
	_, present := set.Delete(Key{Service: service, Characteristic: characteristic})
	if set.Len() == 0 {
		delete(r.subs, peripheral)
	}
	return present
}

// Lookup returns the mode of an active subscription.
func (r *Registry) Lookup(peripheral uint64, service, characteristic string) (Mode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[peripheral]
	if !ok {
		return 0, false
	}
	return set.Get(Key{Service: service, Characteristic: characteristic})
}

// ListActive returns a snapshot of the peripheral's subscriptions.
func (r *Registry) ListActive(peripheral uint64) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(peripheral)
}

// Drop removes every subscription of the peripheral and returns what was there.
func (r *Registry) Drop(peripheral uint64) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.snapshot(peripheral)
	delete(r.subs, peripheral)
	return entries
}

// Peripherals returns the number of peripherals with at least one subscription.
func (r *Registry) Peripherals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Registry) snapshot(peripheral uint64) []Entry {
	set, ok := r.subs[peripheral]
	if !ok {
		return nil
	}
	entries := make([]Entry, 0, set.Len())
	for pair := set.Oldest(); pair != nil; pair = pair.Next() {
		entries = append(entries, Entry{Key: pair.Key, Mode: pair.Value})
	}
	return entries
}
