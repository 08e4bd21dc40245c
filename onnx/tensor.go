// MODUL: onnx/tensor
// ZWECK: Zugriff auf Initializer-Daten und Konstruktion neuer Tensoren
// INPUT: TensorProto (raw_data oder typisierte Felder)
// OUTPUT: []float32, []int8, []uint8 bzw. neue *Tensor Werte
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: github.com/x448/float16, github.com/d4l3k/go-bfloat16
// HINWEISE: raw_data ist immer little-endian

package onnx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// ErrExternalData wird fuer Tensoren mit data_location=EXTERNAL zurueckgegeben
var ErrExternalData = errors.New("onnx: tensor data stored externally")

// NumElements berechnet die Elementanzahl aus einer Shape
func NumElements(dims []int64) int64 {
	n := int64(1)
	for _, d := range dims {
		n *= d
	}
	return n
}

// IsExternal meldet ob die Daten in einer separaten Datei liegen
func (t *Tensor) IsExternal() bool {
	return t.DataLocation == 1
}

// ByteSize gibt die Groesse der gespeicherten Daten zurueck
func (t *Tensor) ByteSize() int64 {
	switch {
	case t.RawData != nil:
		return int64(len(t.RawData))
	case len(t.FloatData) > 0:
		return 4 * int64(len(t.FloatData))
	case len(t.Int64Data) > 0:
		return 8 * int64(len(t.Int64Data))
	case len(t.Int32Data) > 0:
		return int64(t.DataType.Size()) * int64(len(t.Int32Data))
	default:
		return 0
	}
}

// Float32s liefert die Tensor-Daten als float32, FLOAT16 und BFLOAT16 werden erweitert
func (t *Tensor) Float32s() ([]float32, error) {
	if t.IsExternal() {
		return nil, fmt.Errorf("%w: %s", ErrExternalData, t.Name)
	}

	n := NumElements(t.Dims)
	var out []float32

	switch t.DataType {
	case Float:
		if t.RawData != nil {
			if int64(len(t.RawData)) != 4*n {
				return nil, fmt.Errorf("tensor %s: raw_data has %d bytes, expected %d", t.Name, len(t.RawData), 4*n)
			}
			out = make([]float32, n)
			for i := range out {
				out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.RawData[4*i:]))
			}
		} else {
			out = append([]float32(nil), t.FloatData...)
		}
	case Float16:
		if t.RawData != nil {
			if int64(len(t.RawData)) != 2*n {
				return nil, fmt.Errorf("tensor %s: raw_data has %d bytes, expected %d", t.Name, len(t.RawData), 2*n)
			}
			out = make([]float32, n)
			for i := range out {
				out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.RawData[2*i:])).Float32()
			}
		} else {
			out = make([]float32, len(t.Int32Data))
			for i, v := range t.Int32Data {
				out[i] = float16.Frombits(uint16(v)).Float32()
			}
		}
	case BFloat16:
		raw := t.RawData
		if raw == nil {
			raw = make([]byte, 2*len(t.Int32Data))
			for i, v := range t.Int32Data {
				binary.LittleEndian.PutUint16(raw[2*i:], uint16(v))
			}
		}
		if int64(len(raw)) != 2*n {
			return nil, fmt.Errorf("tensor %s: data has %d bytes, expected %d", t.Name, len(raw), 2*n)
		}
		out = bfloat16.DecodeFloat32(raw)
	default:
		return nil, fmt.Errorf("tensor %s: cannot read %s as float32", t.Name, t.DataType)
	}

	if int64(len(out)) != n {
		return nil, fmt.Errorf("tensor %s: %d values for shape %v", t.Name, len(out), t.Dims)
	}
	return out, nil
}

// Int8s liefert INT8 Daten
func (t *Tensor) Int8s() ([]int8, error) {
	if t.DataType != Int8 {
		return nil, fmt.Errorf("tensor %s: %s is not INT8", t.Name, t.DataType)
	}
	if t.RawData != nil {
		out := make([]int8, len(t.RawData))
		for i, v := range t.RawData {
			out[i] = int8(v)
		}
		return out, nil
	}
	out := make([]int8, len(t.Int32Data))
	for i, v := range t.Int32Data {
		out[i] = int8(v)
	}
	return out, nil
}

// Uint8s liefert UINT8 Daten
func (t *Tensor) Uint8s() ([]uint8, error) {
	if t.DataType != Uint8 {
		return nil, fmt.Errorf("tensor %s: %s is not UINT8", t.Name, t.DataType)
	}
	if t.RawData != nil {
		return append([]uint8(nil), t.RawData...), nil
	}
	out := make([]uint8, len(t.Int32Data))
	for i, v := range t.Int32Data {
		out[i] = uint8(v)
	}
	return out, nil
}

// Int64s liefert INT64 Daten
func (t *Tensor) Int64s() ([]int64, error) {
	if t.DataType != Int64 {
		return nil, fmt.Errorf("tensor %s: %s is not INT64", t.Name, t.DataType)
	}
	if t.RawData != nil {
		out := make([]int64, len(t.RawData)/8)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(t.RawData[8*i:]))
		}
		return out, nil
	}
	return append([]int64(nil), t.Int64Data...), nil
}

// ============================================================================
// Konstruktoren
// ============================================================================

// NewFloatTensor erstellt einen FLOAT Tensor mit raw_data
func NewFloatTensor(name string, dims []int64, data []float32) *Tensor {
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return &Tensor{Name: name, DataType: Float, Dims: dims, RawData: raw}
}

// NewFloat16Tensor erstellt einen FLOAT16 Tensor mit raw_data
func NewFloat16Tensor(name string, dims []int64, data []float32) *Tensor {
	raw := make([]byte, 2*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
	}
	return &Tensor{Name: name, DataType: Float16, Dims: dims, RawData: raw}
}

// NewInt8Tensor erstellt einen INT8 Tensor mit raw_data
func NewInt8Tensor(name string, dims []int64, data []int8) *Tensor {
	raw := make([]byte, len(data))
	for i, v := range data {
		raw[i] = byte(v)
	}
	return &Tensor{Name: name, DataType: Int8, Dims: dims, RawData: raw}
}

// NewUint8Tensor erstellt einen UINT8 Tensor mit raw_data
func NewUint8Tensor(name string, dims []int64, data []uint8) *Tensor {
	return &Tensor{Name: name, DataType: Uint8, Dims: dims, RawData: append([]byte{}, data...)}
}

// NewInt64Tensor erstellt einen INT64 Tensor mit raw_data
func NewInt64Tensor(name string, dims []int64, data []int64) *Tensor {
	raw := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
	}
	return &Tensor{Name: name, DataType: Int64, Dims: dims, RawData: raw}
}
