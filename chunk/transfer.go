// Package chunk reassembles datasets that the backend streams as a series of
// events on one topic.
//
// A Transfer subscribes before the request is sent, hands every chunk to a
// caller-supplied copy function, reports progress on the bus and completes
// exactly once, when the number of items received reaches the expected total.
//
// The backend is trusted to deliver the chunks of one transfer in order and
// without overlap. No gap detection or reordering happens here.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Yuni-sa/ngv-viewer-go/bus"
)

// Dimension tells progress consumers which part of a dataset is advancing
type Dimension string

const (
	DimensionValues   Dimension = "values"
	DimensionIndex    Dimension = "index"
	DimensionPosition Dimension = "position"
)

// ErrOverflow is returned when chunks carry more items than announced
var ErrOverflow = errors.New("chunk transfer received more items than expected")

// Progress is emitted after every chunk
type Progress struct {
	Dataset   string
	Dimension Dimension
	Percent   int
	Received  int
	Total     int
}

func (Progress) Topic() bus.Topic { return "circuit:loading_progress" }

// Spec describes one transfer
type Spec struct {
	// Dataset names the column or buffer being filled, e.g. a property name.
	Dataset   string
	Dimension Dimension
	// Total is the number of items the transfer completes at.
	Total int
}

// Transfer tracks one in-flight chunked load
type Transfer struct {
	bus  *bus.Bus
	spec Spec
	sub  bus.SubscriptionID

	mu       sync.Mutex
	received int

	once sync.Once
	done chan struct{}
	err  error
}

// Start subscribes to chunks of type E and returns the running transfer.
// onChunk copies one chunk into the destination buffer and returns the number
// of items it consumed. Returning an error aborts the transfer.
func Start[E bus.Event](b *bus.Bus, spec Spec, onChunk func(E) (int, error)) *Transfer {
	t := &Transfer{
		bus:  b,
		spec: spec,
		done: make(chan struct{}),
	}
	if spec.Total <= 0 {
		t.finish(nil)
		return t
	}

	t.mu.Lock()
	t.sub = bus.On(b, func(e E) {
		t.handle(func() (int, error) { return onChunk(e) })
	})
	t.mu.Unlock()
	return t
}

func (t *Transfer) handle(apply func() (int, error)) {
	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		return
	default:
	}

	n, err := apply()
	if err != nil {
		t.mu.Unlock()
		recordTransfer(t.spec.Dimension, false)
		t.finish(err)
		return
	}

	t.received += n
	received := t.received
	t.mu.Unlock()

	recordItems(t.spec.Dimension, n)

	if received > t.spec.Total {
		recordTransfer(t.spec.Dimension, false)
		t.finish(fmt.Errorf("%w: %s got %d of %d", ErrOverflow, t.name(), received, t.spec.Total))
		return
	}

	t.bus.Emit(Progress{
		Dataset:   t.spec.Dataset,
		Dimension: t.spec.Dimension,
		Percent:   received * 100 / t.spec.Total,
		Received:  received,
		Total:     t.spec.Total,
	})

	if received == t.spec.Total {
		recordTransfer(t.spec.Dimension, true)
		t.finish(nil)
	}
}

func (t *Transfer) finish(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		sub := t.sub
		t.mu.Unlock()
		if sub != "" {
			t.bus.Off(sub)
		}
		t.err = err
		close(t.done)
	})
}

// Wait blocks until the transfer completes, fails, or ctx ends.
// A cancelled context aborts the transfer.
func (t *Transfer) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		t.Cancel(ctx.Err())
		<-t.done
		return t.err
	}
}

// Cancel aborts the transfer with err unless it already finished
func (t *Transfer) Cancel(err error) {
	t.finish(fmt.Errorf("%s transfer cancelled: %w", t.name(), err))
}

// name labels the transfer in errors, e.g. "layer values" or "position"
func (t *Transfer) name() string {
	dim := string(t.spec.Dimension)
	switch {
	case dim == "", t.spec.Dataset == dim:
		return t.spec.Dataset
	case t.spec.Dataset == "":
		return dim
	}
	return t.spec.Dataset + " " + dim
}

// Done is closed when the transfer has finished
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Remaining returns the number of items still expected
func (t *Transfer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return max(t.spec.Total-t.received, 0)
}

// Received returns the number of items consumed so far
func (t *Transfer) Received() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.received
}
