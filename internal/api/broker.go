package api

import (
	"sync"
)

type SSEEvent struct {
	Type string
	Data map[string]any
}

// Broker fans events out to subscribers of an org's live feed. Slow
// subscribers drop events rather than block the publisher.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan SSEEvent]struct{} // orgId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(orgID string) chan SSEEvent {
	ch := make(chan SSEEvent, 8)
	b.mu.Lock()
	if b.subs[orgID] == nil {
		b.subs[orgID] = map[chan SSEEvent]struct{}{}
	}
	b.subs[orgID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(orgID string, ch chan SSEEvent) {
	b.mu.Lock()
	if m := b.subs[orgID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, orgID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

func (b *Broker) Publish(orgID string, evt SSEEvent) {
	b.mu.Lock()
	m := b.subs[orgID]
	for ch := range m {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}
