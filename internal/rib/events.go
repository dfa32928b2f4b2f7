package rib

import "sync"

type EventKind int

const (
	EventAdd EventKind = iota
	EventWithdraw
)

func (k EventKind) String() string {
	switch k {
	case EventAdd:
		return "add"
	case EventWithdraw:
		return "withdraw"
	default:
		return "unknown"
	}
}

// Event describes a batch of route changes. For withdrawals only
// Entry.Prefix and Entry.Nexthop of the removed entry are meaningful.
type Event struct {
	Kind    EventKind
	Entries []Entry
}

type bus struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]func(Event)
}

func (b *bus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[uint64]func(Event))
	}
	b.next++
	id := b.next
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *bus) publish(ev Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	// Subscribers may cancel themselves from inside the callback.
	for _, fn := range fns {
		fn(ev)
	}
}
