package chunk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yuni-sa/ngv-viewer-go/bus"
)

type piece struct {
	Prop  string
	Items []uint32
}

func (piece) Topic() bus.Topic { return "test:piece" }

func collect(dst *[]uint32, prop string) func(piece) (int, error) {
	return func(p piece) (int, error) {
		if p.Prop != prop {
			return 0, errors.New("chunk for another property")
		}
		*dst = append(*dst, p.Items...)
		return len(p.Items), nil
	}
}

func isDone(tr *Transfer) bool {
	select {
	case <-tr.Done():
		return true
	default:
		return false
	}
}

func TestTransferCompletesOnFinalChunk(t *testing.T) {
	b := bus.New()
	var got []uint32
	var progress []int
	bus.On(b, func(p Progress) { progress = append(progress, p.Percent) })

	tr := Start(b, Spec{Dataset: "layer", Dimension: DimensionIndex, Total: 5}, collect(&got, "layer"))

	b.Emit(piece{Prop: "layer", Items: []uint32{1, 2}})
	assert.False(t, isDone(tr))
	b.Emit(piece{Prop: "layer", Items: []uint32{3, 4}})
	assert.False(t, isDone(tr))
	b.Emit(piece{Prop: "layer", Items: []uint32{5}})
	require.True(t, isDone(tr))

	require.NoError(t, tr.Wait(context.Background()))
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, got)
	assert.Equal(t, []int{40, 80, 100}, progress)
	assert.Equal(t, 5, tr.Received())
	assert.Zero(t, b.Subscribers(bus.TopicOf[piece]()))
}

func TestTransferIgnoresChunksAfterCompletion(t *testing.T) {
	b := bus.New()
	var got []uint32
	tr := Start(b, Spec{Dataset: "x", Total: 1}, collect(&got, "x"))

	b.Emit(piece{Prop: "x", Items: []uint32{9}})
	b.Emit(piece{Prop: "x", Items: []uint32{10}})

	require.NoError(t, tr.Wait(context.Background()))
	assert.Equal(t, []uint32{9}, got)
}

func TestTransferZeroTotal(t *testing.T) {
	b := bus.New()
	tr := Start(b, Spec{Dataset: "empty"}, func(piece) (int, error) {
		t.Fatal("no chunk expected")
		return 0, nil
	})
	assert.True(t, isDone(tr))
	assert.NoError(t, tr.Wait(context.Background()))
	assert.Zero(t, b.Subscribers(bus.TopicOf[piece]()))
}

func TestTransferOverflow(t *testing.T) {
	b := bus.New()
	var got []uint32
	tr := Start(b, Spec{Dataset: "x", Total: 3}, collect(&got, "x"))

	b.Emit(piece{Prop: "x", Items: []uint32{1, 2}})
	b.Emit(piece{Prop: "x", Items: []uint32{3, 4}})

	err := tr.Wait(context.Background())
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestTransferCopyError(t *testing.T) {
	b := bus.New()
	var got []uint32
	tr := Start(b, Spec{Dataset: "x", Total: 3}, collect(&got, "x"))

	b.Emit(piece{Prop: "y", Items: []uint32{1}})
	assert.EqualError(t, tr.Wait(context.Background()), "chunk for another property")
}

func TestTransferContextCancel(t *testing.T) {
	b := bus.New()
	var got []uint32
	tr := Start(b, Spec{Dataset: "x", Total: 3}, collect(&got, "x"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := tr.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, b.Subscribers(bus.TopicOf[piece]()))

	b.Emit(piece{Prop: "x", Items: []uint32{1}})
	assert.Empty(t, got)
}

func TestTransferCancelNamesTransfer(t *testing.T) {
	cause := errors.New("socket gone")
	cases := []struct {
		spec Spec
		want string
	}{
		{Spec{Dataset: "layer", Dimension: DimensionValues, Total: 1}, "layer values transfer cancelled: socket gone"},
		{Spec{Dataset: "position", Dimension: DimensionPosition, Total: 1}, "position transfer cancelled: socket gone"},
		{Spec{Dimension: DimensionIndex, Total: 1}, "index transfer cancelled: socket gone"},
	}
	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			tr := Start(bus.New(), tc.spec, collect(new([]uint32), tc.spec.Dataset))
			tr.Cancel(cause)
			err := tr.Wait(context.Background())
			assert.EqualError(t, err, tc.want)
			assert.ErrorIs(t, err, cause)
		})
	}
}

func TestTransferFromAnotherGoroutine(t *testing.T) {
	b := bus.New()
	var got []uint32
	tr := Start(b, Spec{Dataset: "x", Total: 300}, collect(&got, "x"))

	go func() {
		for i := 0; i < 3; i++ {
			items := make([]uint32, 100)
			b.Emit(piece{Prop: "x", Items: items})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.Wait(ctx))
	assert.Len(t, got, 300)
}
