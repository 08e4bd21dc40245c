// MODUL: onnx/encode
// ZWECK: Serialisiert *Model in das Protobuf-Wire-Format
// INPUT: *Model
// OUTPUT: Bytes einer .onnx Datei
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: google.golang.org/protobuf/encoding/protowire
// HINWEISE: Repeated Skalare werden packed geschrieben, unbekannte Felder
//           am Ende jeder Nachricht angehaengt

package onnx

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encode serialisiert ein ModelProto
func Encode(m *Model) []byte {
	var b []byte
	b = appendInt(b, 1, m.IRVersion)
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendString(b, 4, m.Domain)
	if m.ModelVersion != 0 {
		b = appendInt(b, 5, m.ModelVersion)
	}
	b = appendString(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessage(b, 7, encodeGraph(m.Graph))
	}
	for _, op := range m.OpsetImport {
		var ob []byte
		ob = appendString(ob, 1, op.Domain)
		ob = appendInt(ob, 2, op.Version)
		b = appendMessage(b, 8, ob)
	}
	for _, kv := range m.MetadataProps {
		var kb []byte
		kb = appendString(kb, 1, kv.Key)
		kb = appendString(kb, 2, kv.Value)
		b = appendMessage(b, 14, kb)
	}
	return append(b, m.unknown...)
}

func encodeGraph(g *Graph) []byte {
	var b []byte
	for _, n := range g.Nodes {
		b = appendMessage(b, 1, encodeNode(n))
	}
	b = appendString(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendMessage(b, 5, encodeTensor(t))
	}
	b = appendString(b, 10, g.DocString)
	for _, vi := range g.Inputs {
		b = appendMessage(b, 11, encodeValueInfo(vi))
	}
	for _, vi := range g.Outputs {
		b = appendMessage(b, 12, encodeValueInfo(vi))
	}
	for _, vi := range g.ValueInfo {
		b = appendMessage(b, 13, encodeValueInfo(vi))
	}
	return append(b, g.unknown...)
}

func encodeNode(n *Node) []byte {
	var b []byte
	for _, in := range n.Inputs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Outputs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for _, a := range n.Attributes {
		b = appendMessage(b, 5, encodeAttribute(a))
	}
	b = appendString(b, 6, n.DocString)
	b = appendString(b, 7, n.Domain)
	return append(b, n.unknown...)
}

func encodeTensor(t *Tensor) []byte {
	var b []byte
	if len(t.Dims) > 0 {
		b = appendPackedInt64s(b, 1, t.Dims)
	}
	b = appendInt(b, 2, int64(t.DataType))
	if len(t.FloatData) > 0 {
		b = appendPackedFloats(b, 4, t.FloatData)
	}
	if len(t.Int32Data) > 0 {
		vs := make([]int64, len(t.Int32Data))
		for i, v := range t.Int32Data {
			vs[i] = int64(v)
		}
		b = appendPackedInt64s(b, 5, vs)
	}
	if len(t.Int64Data) > 0 {
		b = appendPackedInt64s(b, 7, t.Int64Data)
	}
	b = appendString(b, 8, t.Name)
	if t.RawData != nil {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	b = appendString(b, 12, t.DocString)
	if t.DataLocation != 0 {
		b = appendInt(b, 14, int64(t.DataLocation))
	}
	return append(b, t.unknown...)
}

func encodeValueInfo(vi *ValueInfo) []byte {
	var b []byte
	b = appendString(b, 1, vi.Name)
	if vi.Type != nil {
		b = appendMessage(b, 2, encodeType(vi.Type))
	}
	b = appendString(b, 3, vi.DocString)
	return append(b, vi.unknown...)
}

func encodeType(t *Type) []byte {
	var b []byte
	if t.Tensor != nil {
		var tb []byte
		tb = appendInt(tb, 1, int64(t.Tensor.ElemType))
		if t.Tensor.Shape != nil {
			var sb []byte
			for _, d := range t.Tensor.Shape.Dims {
				var db []byte
				switch {
				case d.DimParam != "":
					db = appendString(db, 2, d.DimParam)
				case d.DimValue != 0:
					db = appendInt(db, 1, d.DimValue)
				}
				db = appendString(db, 3, d.Denotation)
				sb = appendMessage(sb, 1, db)
			}
			sb = append(sb, t.Tensor.Shape.unknown...)
			tb = appendMessage(tb, 2, sb)
		}
		tb = append(tb, t.Tensor.unknown...)
		b = appendMessage(b, 1, tb)
	}
	b = appendString(b, 6, t.Denotation)
	return append(b, t.unknown...)
}

func encodeAttribute(a *Attribute) []byte {
	var b []byte
	b = appendString(b, 1, a.Name)
	switch a.Type {
	case AttributeFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeInt:
		b = appendInt(b, 3, a.I)
	case AttributeString:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	case AttributeTensor:
		if a.T != nil {
			b = appendMessage(b, 5, encodeTensor(a.T))
		}
	case AttributeFloats:
		b = appendPackedFloats(b, 7, a.Floats)
	case AttributeInts:
		b = appendPackedInt64s(b, 8, a.Ints)
	case AttributeStrings:
		for _, s := range a.Strings {
			b = protowire.AppendTag(b, 9, protowire.BytesType)
			b = protowire.AppendBytes(b, s)
		}
	}
	b = appendString(b, 13, a.DocString)
	b = appendInt(b, 20, int64(a.Type))
	return append(b, a.unknown...)
}

// ============================================================================
// Wire-Helfer
// ============================================================================

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// appendString laesst leere Strings weg
func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendPackedInt64s(b []byte, num protowire.Number, vs []int64) []byte {
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessage(b, num, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, vs []float32) []byte {
	packed := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessage(b, num, packed)
}
