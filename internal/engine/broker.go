package engine

import (
	"sync"

	"github.com/meridianfin/meridian/pkg/events"
)

const subscriberBuffer = 256

// broker fans execution events out to stream subscribers. It keeps the
// full per-execution event history so a subscriber can resume from any
// version cursor and replay an identical tail. Slow subscribers have
// events dropped rather than blocking the engine.
type broker struct {
	mu      sync.Mutex
	history map[string][]events.StreamEvent
	subs    map[string]map[int]chan events.StreamEvent
	nextID  int
}

func newBroker() *broker {
	return &broker{
		history: make(map[string][]events.StreamEvent),
		subs:    make(map[string]map[int]chan events.StreamEvent),
	}
}

func (b *broker) publish(event events.StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history[event.ExecutionID] = append(b.history[event.ExecutionID], event)
	for _, ch := range b.subs[event.ExecutionID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// subscribe replays history with Version > fromVersion, then delivers
// live events. The returned cancel func detaches the subscriber and
// closes its channel.
func (b *broker) subscribe(executionID string, fromVersion int64) (<-chan events.StreamEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan events.StreamEvent, subscriberBuffer)
	for _, event := range b.history[executionID] {
		if event.Version > fromVersion {
			select {
			case ch <- event:
			default:
			}
		}
	}

	b.nextID++
	id := b.nextID
	if b.subs[executionID] == nil {
		b.subs[executionID] = make(map[int]chan events.StreamEvent)
	}
	b.subs[executionID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[executionID][id]; ok {
			delete(b.subs[executionID], id)
			close(sub)
		}
	}
	return ch, cancel
}

// forget drops history and detaches subscribers for a purged execution.
func (b *broker) forget(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.history, executionID)
	for id, ch := range b.subs[executionID] {
		delete(b.subs[executionID], id)
		close(ch)
	}
	delete(b.subs, executionID)
}
