package signals

import (
	"math/rand"
	"sync"
)

type Signal string

// SendsEnqueued wakes the dispatcher when activation or a manual trigger has
// put new sends in the table, so dispatch latency is not bound to the tick
// interval.
const SendsEnqueued Signal = "sends-enqueued"

// Bus is an in-process wake-up channel registry. It is constructed once by
// the runner and handed to the components that need it, there is no global
// instance.
type Bus struct {
	mu   sync.RWMutex
	sigs map[Signal][]chan struct{}
}

func NewBus() *Bus {
	return &Bus{
		sigs: map[Signal][]chan struct{}{},
	}
}

// Notify pokes one random listener on the channel, Broadcast pokes them all.
// Both are non-blocking, a listener that is already signalled is left as is.
func (b *Bus) Notify(channel Signal) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	chans := b.sigs[channel]
	l := len(chans)
	if l > 0 {
		select {
		case chans[rand.Intn(l)] <- struct{}{}:
		default:
		}
	}
}

func (b *Bus) Broadcast(channel Signal) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.sigs[channel] {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

func (b *Bus) Listen(channel Signal) (signal <-chan struct{}, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := make(chan struct{}, 1)

	b.sigs[channel] = append(b.sigs[channel], c)

	return c, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		var chans []chan struct{}
		for _, cc := range b.sigs[channel] {
			if cc == c {
				continue
			}
			chans = append(chans, cc)
		}
		b.sigs[channel] = chans
	}
}
