// MODUL: onnx/decode
// ZWECK: Dekodiert ONNX ModelProto aus dem Protobuf-Wire-Format
// INPUT: Rohe Bytes einer .onnx Datei
// OUTPUT: *Model
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: google.golang.org/protobuf/encoding/protowire
// HINWEISE: Unbekannte Felder werden roh gesichert, packed und unpacked
//           repeated Felder werden beide akzeptiert

package onnx

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed wird bei ungueltigem Wire-Format zurueckgegeben
var ErrMalformed = errors.New("onnx: malformed protobuf")

// field ist ein einzelnes dekodiertes Protobuf-Feld
type field struct {
	num protowire.Number
	typ protowire.Type
	u64 uint64 // Varint, Fixed32, Fixed64
	buf []byte // BytesType
}

func (f field) int64() int64     { return int64(f.u64) }
func (f field) int32() int32     { return int32(f.u64) }
func (f field) str() string      { return string(f.buf) }
func (f field) float32() float32 { return math.Float32frombits(uint32(f.u64)) }

// walk iteriert ueber alle Felder einer Nachricht. Liefert visit false,
// wird das Feld roh in unknown uebernommen.
func walk(b []byte, visit func(f field) (bool, error)) (unknown []byte, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}

		f := field{num: num, typ: typ}
		var m int
		switch typ {
		case protowire.VarintType:
			f.u64, m = protowire.ConsumeVarint(b[n:])
		case protowire.Fixed32Type:
			var v uint32
			v, m = protowire.ConsumeFixed32(b[n:])
			f.u64 = uint64(v)
		case protowire.Fixed64Type:
			f.u64, m = protowire.ConsumeFixed64(b[n:])
		case protowire.BytesType:
			f.buf, m = protowire.ConsumeBytes(b[n:])
		default:
			m = protowire.ConsumeFieldValue(num, typ, b[n:])
		}
		if m < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}

		known, err := visit(f)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", num, err)
		}
		if !known {
			unknown = append(unknown, b[:n+m]...)
		}
		b = b[n+m:]
	}
	return unknown, nil
}

// varints dekodiert ein repeated Varint-Feld (packed oder einzeln)
func varints(f field) ([]uint64, error) {
	switch f.typ {
	case protowire.VarintType:
		return []uint64{f.u64}, nil
	case protowire.BytesType:
		var out []uint64
		b := f.buf
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: packed varint", ErrMalformed)
			}
			out = append(out, v)
			b = b[n:]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: wire type %d for varint field", ErrMalformed, f.typ)
	}
}

// fixed32s dekodiert ein repeated float-Feld (packed oder einzeln)
func fixed32s(f field) ([]float32, error) {
	switch f.typ {
	case protowire.Fixed32Type:
		return []float32{f.float32()}, nil
	case protowire.BytesType:
		if len(f.buf)%4 != 0 {
			return nil, fmt.Errorf("%w: packed float length %d", ErrMalformed, len(f.buf))
		}
		out := make([]float32, 0, len(f.buf)/4)
		b := f.buf
		for len(b) > 0 {
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: packed float", ErrMalformed)
			}
			out = append(out, math.Float32frombits(v))
			b = b[n:]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: wire type %d for float field", ErrMalformed, f.typ)
	}
}

func int64s(f field) ([]int64, error) {
	vs, err := varints(f)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(vs))
	for i, v := range vs {
		out[i] = int64(v)
	}
	return out, nil
}

func int32s(f field) ([]int32, error) {
	vs, err := varints(f)
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(vs))
	for i, v := range vs {
		out[i] = int32(v)
	}
	return out, nil
}

// Decode dekodiert ein ModelProto
func Decode(b []byte) (*Model, error) {
	m := &Model{}
	var err error
	m.unknown, err = walk(b, func(f field) (bool, error) {
		switch f.num {
		case 1:
			m.IRVersion = f.int64()
		case 2:
			m.ProducerName = f.str()
		case 3:
			m.ProducerVersion = f.str()
		case 4:
			m.Domain = f.str()
		case 5:
			m.ModelVersion = f.int64()
		case 6:
			m.DocString = f.str()
		case 7:
			g, err := decodeGraph(f.buf)
			if err != nil {
				return false, fmt.Errorf("graph: %w", err)
			}
			m.Graph = g
		case 8:
			op, err := decodeOpset(f.buf)
			if err != nil {
				return false, err
			}
			m.OpsetImport = append(m.OpsetImport, op)
		case 14:
			kv, err := decodeStringString(f.buf)
			if err != nil {
				return false, err
			}
			m.MetadataProps = append(m.MetadataProps, kv)
		default:
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeGraph(b []byte) (*Graph, error) {
	g := &Graph{}
	var err error
	g.unknown, err = walk(b, func(f field) (bool, error) {
		switch f.num {
		case 1:
			n, err := decodeNode(f.buf)
			if err != nil {
				return false, err
			}
			g.Nodes = append(g.Nodes, n)
		case 2:
			g.Name = f.str()
		case 5:
			t, err := decodeTensor(f.buf)
			if err != nil {
				return false, err
			}
			g.Initializer = append(g.Initializer, t)
		case 10:
			g.DocString = f.str()
		case 11, 12, 13:
			vi, err := decodeValueInfo(f.buf)
			if err != nil {
				return false, err
			}
			switch f.num {
			case 11:
				g.Inputs = append(g.Inputs, vi)
			case 12:
				g.Outputs = append(g.Outputs, vi)
			default:
				g.ValueInfo = append(g.ValueInfo, vi)
			}
		default:
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func decodeNode(b []byte) (*Node, error) {
	n := &Node{}
	var err error
	n.unknown, err = walk(b, func(f field) (bool, error) {
		switch f.num {
		case 1:
			n.Inputs = append(n.Inputs, f.str())
		case 2:
			n.Outputs = append(n.Outputs, f.str())
		case 3:
			n.Name = f.str()
		case 4:
			n.OpType = f.str()
		case 5:
			a, err := decodeAttribute(f.buf)
			if err != nil {
				return false, err
			}
			n.Attributes = append(n.Attributes, a)
		case 6:
			n.DocString = f.str()
		case 7:
			n.Domain = f.str()
		default:
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func decodeTensor(b []byte) (*Tensor, error) {
	t := &Tensor{}
	var err error
	t.unknown, err = walk(b, func(f field) (bool, error) {
		switch f.num {
		case 1:
			dims, err := int64s(f)
			if err != nil {
				return false, err
			}
			t.Dims = append(t.Dims, dims...)
		case 2:
			t.DataType = DataType(f.int32())
		case 4:
			vs, err := fixed32s(f)
			if err != nil {
				return false, err
			}
			t.FloatData = append(t.FloatData, vs...)
		case 5:
			vs, err := int32s(f)
			if err != nil {
				return false, err
			}
			t.Int32Data = append(t.Int32Data, vs...)
		case 7:
			vs, err := int64s(f)
			if err != nil {
				return false, err
			}
			t.Int64Data = append(t.Int64Data, vs...)
		case 8:
			t.Name = f.str()
		case 9:
			t.RawData = append([]byte{}, f.buf...)
		case 12:
			t.DocString = f.str()
		case 14:
			t.DataLocation = f.int32()
		default:
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func decodeValueInfo(b []byte) (*ValueInfo, error) {
	vi := &ValueInfo{}
	var err error
	vi.unknown, err = walk(b, func(f field) (bool, error) {
		switch f.num {
		case 1:
			vi.Name = f.str()
		case 2:
			t, err := decodeType(f.buf)
			if err != nil {
				return false, err
			}
			vi.Type = t
		case 3:
			vi.DocString = f.str()
		default:
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return vi, nil
}

func decodeType(b []byte) (*Type, error) {
	t := &Type{}
	var err error
	t.unknown, err = walk(b, func(f field) (bool, error) {
		switch f.num {
		case 1:
			tt, err := decodeTensorType(f.buf)
			if err != nil {
				return false, err
			}
			t.Tensor = tt
		case 6:
			t.Denotation = f.str()
		default:
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func decodeTensorType(b []byte) (*TensorType, error) {
	tt := &TensorType{}
	var err error
	tt.unknown, err = walk(b, func(f field) (bool, error) {
		switch f.num {
		case 1:
			tt.ElemType = DataType(f.int32())
		case 2:
			s, err := decodeShape(f.buf)
			if err != nil {
				return false, err
			}
			tt.Shape = s
		default:
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return tt, nil
}

func decodeShape(b []byte) (*Shape, error) {
	s := &Shape{}
	var err error
	s.unknown, err = walk(b, func(f field) (bool, error) {
		if f.num != 1 {
			return false, nil
		}
		var d Dimension
		_, err := walk(f.buf, func(f field) (bool, error) {
			switch f.num {
			case 1:
				d.DimValue = f.int64()
			case 2:
				d.DimParam = f.str()
			case 3:
				d.Denotation = f.str()
			default:
				return false, nil
			}
			return true, nil
		})
		if err != nil {
			return false, err
		}
		s.Dims = append(s.Dims, d)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func decodeAttribute(b []byte) (*Attribute, error) {
	a := &Attribute{}
	var err error
	a.unknown, err = walk(b, func(f field) (bool, error) {
		switch f.num {
		case 1:
			a.Name = f.str()
		case 2:
			a.F = f.float32()
		case 3:
			a.I = f.int64()
		case 4:
			a.S = append([]byte(nil), f.buf...)
		case 5:
			t, err := decodeTensor(f.buf)
			if err != nil {
				return false, err
			}
			a.T = t
		case 7:
			vs, err := fixed32s(f)
			if err != nil {
				return false, err
			}
			a.Floats = append(a.Floats, vs...)
		case 8:
			vs, err := int64s(f)
			if err != nil {
				return false, err
			}
			a.Ints = append(a.Ints, vs...)
		case 9:
			a.Strings = append(a.Strings, append([]byte(nil), f.buf...))
		case 13:
			a.DocString = f.str()
		case 20:
			a.Type = AttributeType(f.int32())
		default:
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func decodeOpset(b []byte) (OperatorSetID, error) {
	var op OperatorSetID
	_, err := walk(b, func(f field) (bool, error) {
		switch f.num {
		case 1:
			op.Domain = f.str()
		case 2:
			op.Version = f.int64()
		default:
			return false, nil
		}
		return true, nil
	})
	return op, err
}

func decodeStringString(b []byte) (StringStringEntry, error) {
	var kv StringStringEntry
	_, err := walk(b, func(f field) (bool, error) {
		switch f.num {
		case 1:
			kv.Key = f.str()
		case 2:
			kv.Value = f.str()
		default:
			return false, nil
		}
		return true, nil
	})
	return kv, err
}
