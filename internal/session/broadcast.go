package session

import "sync"

type subscriber struct {
	ch chan State
}

// broadcaster fans published snapshots out to subscribers. Slow
// subscribers miss snapshots rather than stall the supervisor.
type broadcaster struct {
	mu         sync.RWMutex
	subs       map[*subscriber]struct{}
	bufferSize int
}

func newBroadcaster(bufferSize int) *broadcaster {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &broadcaster{
		subs:       make(map[*subscriber]struct{}),
		bufferSize: bufferSize,
	}
}

func (b *broadcaster) subscribe() (*subscriber, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan State, b.bufferSize)}
	b.subs[sub] = struct{}{}

	var once sync.Once
	return sub, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, sub)
			close(sub.ch)
		})
	}
}

func (b *broadcaster) broadcast(st State) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.ch <- st:
		default:
		}
	}
}
