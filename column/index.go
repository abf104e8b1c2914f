// Package column holds dictionary-encoded circuit columns: a list of distinct
// values plus a per-row index stored in the narrowest unsigned integer width
// that can address the dictionary.
package column

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Width is the bit width of an index element
type Width uint8

const (
	Width8  Width = 8
	Width16 Width = 16
	Width32 Width = 32
)

// ErrValueRange is returned when an index value does not fit the column width
var ErrValueRange = errors.New("index value out of range")

// WidthFor returns the smallest width able to hold a dictionary of card values.
// The comparison is against card itself, so a 256 value dictionary gets 16 bits.
func WidthFor(card uint64) Width {
	switch {
	case card <= math.MaxUint8:
		return Width8
	case card <= math.MaxUint16:
		return Width16
	default:
		return Width32
	}
}

// Max returns the largest value an element of this width can hold
func (w Width) Max() uint32 {
	switch w {
	case Width8:
		return math.MaxUint8
	case Width16:
		return math.MaxUint16
	default:
		return math.MaxUint32
	}
}

// Bytes returns the element size in bytes
func (w Width) Bytes() int {
	return int(w) / 8
}

func (w Width) valid() bool {
	return w == Width8 || w == Width16 || w == Width32
}

// Index is a zero-initialised fixed-width unsigned integer array.
// Exactly one of the backing slices is non-nil.
type Index struct {
	width Width
	u8    []uint8
	u16   []uint16
	u32   []uint32
}

// NewIndex allocates n zeroed elements wide enough for card distinct values
func NewIndex(n int, card uint64) *Index {
	ix, _ := NewIndexWidth(n, WidthFor(card))
	return ix
}

// NewIndexWidth allocates n zeroed elements of an explicit width
func NewIndexWidth(n int, w Width) (*Index, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative index length %d", n)
	}
	ix := &Index{width: w}
	switch w {
	case Width8:
		ix.u8 = make([]uint8, n)
	case Width16:
		ix.u16 = make([]uint16, n)
	case Width32:
		ix.u32 = make([]uint32, n)
	default:
		return nil, fmt.Errorf("unsupported index width %d", w)
	}
	return ix, nil
}

// Width returns the element width
func (ix *Index) Width() Width {
	return ix.width
}

// Len returns the number of rows
func (ix *Index) Len() int {
	switch ix.width {
	case Width8:
		return len(ix.u8)
	case Width16:
		return len(ix.u16)
	default:
		return len(ix.u32)
	}
}

// Get returns row i. It panics when i is out of range, like a slice.
func (ix *Index) Get(i int) uint32 {
	switch ix.width {
	case Width8:
		return uint32(ix.u8[i])
	case Width16:
		return uint32(ix.u16[i])
	default:
		return ix.u32[i]
	}
}

// Set stores v at row i
func (ix *Index) Set(i int, v uint32) error {
	if i < 0 || i >= ix.Len() {
		return fmt.Errorf("row %d outside index of length %d", i, ix.Len())
	}
	if v > ix.width.Max() {
		return fmt.Errorf("%w: %d does not fit %d bits", ErrValueRange, v, ix.width)
	}
	switch ix.width {
	case Width8:
		ix.u8[i] = uint8(v)
	case Width16:
		ix.u16[i] = uint16(v)
	default:
		ix.u32[i] = v
	}
	return nil
}

// CopyAt writes values into consecutive rows starting at offset
func (ix *Index) CopyAt(offset int, values []uint32) error {
	if offset < 0 || offset+len(values) > ix.Len() {
		return fmt.Errorf("rows %d:%d outside index of length %d", offset, offset+len(values), ix.Len())
	}
	for i, v := range values {
		if err := ix.Set(offset+i, v); err != nil {
			return err
		}
	}
	return nil
}

// SizeBytes returns the memory held by the backing array
func (ix *Index) SizeBytes() int {
	return ix.Len() * ix.width.Bytes()
}

// MarshalBinary encodes the index as a width byte followed by little-endian elements
func (ix *Index) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 1, 1+ix.SizeBytes())
	buf[0] = byte(ix.width)
	switch ix.width {
	case Width8:
		buf = append(buf, ix.u8...)
	case Width16:
		for _, v := range ix.u16 {
			buf = binary.LittleEndian.AppendUint16(buf, v)
		}
	default:
		for _, v := range ix.u32 {
			buf = binary.LittleEndian.AppendUint32(buf, v)
		}
	}
	return buf, nil
}

// UnmarshalBinary decodes the output of MarshalBinary
func (ix *Index) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty index encoding")
	}
	w := Width(data[0])
	if !w.valid() {
		return fmt.Errorf("unsupported index width %d", w)
	}
	body := data[1:]
	if len(body)%w.Bytes() != 0 {
		return fmt.Errorf("index body of %d bytes is not a multiple of %d", len(body), w.Bytes())
	}
	n := len(body) / w.Bytes()
	decoded, err := NewIndexWidth(n, w)
	if err != nil {
		return err
	}
	switch w {
	case Width8:
		copy(decoded.u8, body)
	case Width16:
		for i := range decoded.u16 {
			decoded.u16[i] = binary.LittleEndian.Uint16(body[i*2:])
		}
	default:
		for i := range decoded.u32 {
			decoded.u32[i] = binary.LittleEndian.Uint32(body[i*4:])
		}
	}
	*ix = *decoded
	return nil
}
