package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Yuni-sa/ngv-viewer-go/bus"
	"github.com/Yuni-sa/ngv-viewer-go/chunk"
	"github.com/Yuni-sa/ngv-viewer-go/client"
)

// DefaultStaleWindow is how long leftovers of an abandoned stream are expected
const DefaultStaleWindow = 2 * time.Second

// streamKey names one chunk stream: a dimension, and the property for
// values and index
type streamKey struct {
	dim  chunk.Dimension
	prop string
}

type owed struct {
	items int
	until time.Time
}

// streams counts the chunks the backend still sends for transfers that were
// abandoned by a cancelled load. Chunks carry no request identity, so those
// leftovers are counted off before a later transfer of the same stream
// accepts anything. Debts expire after window and are dropped with the
// socket, since a stream never resumes on a new one.
type streams struct {
	window time.Duration

	mu     sync.Mutex
	owed   map[streamKey]owed
	active map[chunk.Dimension]int
}

func newStreams(b *bus.Bus, window time.Duration) *streams {
	s := &streams{
		window: window,
		owed:   make(map[streamKey]owed),
		active: make(map[chunk.Dimension]int),
	}
	bus.On(b, func(e client.CircuitCellPositions) {
		s.drain(streamKey{dim: chunk.DimensionPosition}, len(e.Positions))
	})
	bus.On(b, func(e client.CircuitPropValues) {
		s.drain(streamKey{dim: chunk.DimensionValues, prop: e.Prop}, len(e.Values))
	})
	bus.On(b, func(e client.CircuitPropIndex) {
		s.drain(streamKey{dim: chunk.DimensionIndex, prop: e.Prop}, len(e.Values))
	})
	bus.On(b, func(e client.ConnectionStateChanged) {
		if e.State == client.StateClosed {
			s.reset()
		}
	})
	return s
}

// begin marks a transfer of key as running. While it runs, its chunk handler
// decides through stale which chunks of its dimension are leftovers.
func (s *streams) begin(key streamKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[key.dim]++
}

// end retires a transfer of key. A transfer abandoned by its context leaves
// the rest of its stream owed.
func (s *streams) end(key streamKey, t *chunk.Transfer, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[key.dim]--; s.active[key.dim] <= 0 {
		delete(s.active, key.dim)
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return
	}
	left := t.Remaining()
	if left == 0 {
		return
	}
	debt := s.owed[key]
	if debt.until.Before(time.Now()) {
		debt.items = 0
	}
	s.owed[key] = owed{items: debt.items + left, until: time.Now().Add(s.window)}
}

// stale reports whether a chunk of n items on key is a leftover, counting it
// off if so
func (s *streams) stale(key streamKey, n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.take(key, n)
}

// drain counts off leftovers that arrive while no transfer of their
// dimension runs
func (s *streams) drain(key streamKey, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[key.dim] == 0 {
		s.take(key, n)
	}
}

func (s *streams) take(key streamKey, n int) bool {
	debt, ok := s.owed[key]
	if !ok {
		return false
	}
	if debt.until.Before(time.Now()) {
		delete(s.owed, key)
		return false
	}
	if n >= debt.items {
		delete(s.owed, key)
	} else {
		debt.items -= n
		s.owed[key] = debt
	}
	return true
}

func (s *streams) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.owed)
}

// pending returns the items still owed on key
func (s *streams) pending(key streamKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if debt, ok := s.owed[key]; ok && !debt.until.Before(time.Now()) {
		return debt.items
	}
	return 0
}
