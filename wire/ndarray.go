package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// DType identifies the element type of an NDArray. The codes match the
// fixed dtype table used on the wire and must not be reordered.
type DType uint8

const (
	Bool DType = iota
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float16
	Float32
	Float64
	Complex64
	Complex128
)

var dtypeSizes = [...]int{1, 1, 2, 4, 8, 1, 2, 4, 8, 2, 4, 8, 8, 16}

// ItemSize returns the element width in bytes.
func (d DType) ItemSize() int {
	if int(d) >= len(dtypeSizes) {
		return 0
	}
	return dtypeSizes[d]
}

// NDArray is an n-dimensional numeric array carried across the wire as
// extension code 2. Data holds the raw little-endian element bytes in
// row-major order, or column-major when Fortran is set; decoding aliases the
// payload without per-element copying.
type NDArray struct {
	DType   DType
	Shape   []int
	Fortran bool
	Data    []byte
}

// NewNDArray builds an array over raw element bytes.
func NewNDArray(dtype DType, shape []int, data []byte) (*NDArray, error) {
	a := &NDArray{DType: dtype, Shape: shape, Data: data}
	if err := a.check(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewFloat64Array builds a row-major float64 array from values.
func NewFloat64Array(shape []int, values []float64) (*NDArray, error) {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(v))
	}
	return NewNDArray(Float64, shape, data)
}

// NewInt64Array builds a row-major int64 array from values.
func NewInt64Array(shape []int, values []int64) (*NDArray, error) {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[8*i:], uint64(v))
	}
	return NewNDArray(Int64, shape, data)
}

// Len returns the number of elements.
func (a *NDArray) Len() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// Float64Values decodes the elements of a Float64 array.
func (a *NDArray) Float64Values() ([]float64, error) {
	if a.DType != Float64 {
		return nil, fmt.Errorf("wire: array dtype is %d, not float64", a.DType)
	}
	out := make([]float64, a.Len())
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(a.Data[8*i:]))
	}
	return out, nil
}

// Int64Values decodes the elements of an Int64 array.
func (a *NDArray) Int64Values() ([]int64, error) {
	if a.DType != Int64 {
		return nil, fmt.Errorf("wire: array dtype is %d, not int64", a.DType)
	}
	out := make([]int64, a.Len())
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(a.Data[8*i:]))
	}
	return out, nil
}

func (a *NDArray) check() error {
	size := a.DType.ItemSize()
	if size == 0 {
		return fmt.Errorf("wire: unknown dtype code %d", a.DType)
	}
	for _, d := range a.Shape {
		if d < 0 {
			return fmt.Errorf("wire: negative dimension %d", d)
		}
	}
	if want := size * a.Len(); len(a.Data) != want {
		return fmt.Errorf("wire: array data is %d bytes, want %d", len(a.Data), want)
	}
	return nil
}

func reversed(shape []int) []int {
	out := make([]int, len(shape))
	for i, d := range shape {
		out[len(shape)-1-i] = d
	}
	return out
}

// MarshalMsgpack encodes the array as (dtypeCode, shape, isTransposed,
// rawBytes). A Fortran-ordered array is emitted with the reversed shape and
// the transposed flag set — its column-major bytes already are the row-major
// layout of the transpose, so the data travels untouched.
func (a *NDArray) MarshalMsgpack() ([]byte, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	shape := a.Shape
	if a.Fortran {
		shape = reversed(shape)
	}
	return msgpack.Marshal([]any{int(a.DType), shape, a.Fortran, a.Data})
}

// UnmarshalMsgpack decodes the (dtypeCode, shape, isTransposed, rawBytes)
// tuple, undoing the transposed-shape encoding.
func (a *NDArray) UnmarshalMsgpack(data []byte) error {
	var code int
	var shape []int
	var transposed bool
	var raw []byte
	fields := []any{&code, &shape, &transposed, &raw}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return fmt.Errorf("wire: decode array: %w", err)
	}
	if n != len(fields) {
		return fmt.Errorf("wire: array value has %d fields, want %d", n, len(fields))
	}
	for _, f := range fields {
		if err := dec.Decode(f); err != nil {
			return fmt.Errorf("wire: decode array: %w", err)
		}
	}
	a.DType = DType(code)
	a.Fortran = transposed
	if transposed {
		shape = reversed(shape)
	}
	a.Shape = shape
	a.Data = raw
	return a.check()
}
