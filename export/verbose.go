// verbose.go - Textdarstellung eines ONNX-Graphen (fuer --verbose und inspect --graph)
package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/ultrasharp/ultrasharp/onnx"
)

// WriteGraph schreibt Eingaben, Knoten und Ausgaben eines Graphen zeilenweise
func WriteGraph(w io.Writer, g *onnx.Graph) {
	var inputs []string
	for _, in := range g.Inputs {
		inputs = append(inputs, "%"+in.Name+" : "+typeString(in))
	}
	fmt.Fprintf(w, "graph(%s):\n", strings.Join(inputs, ",\n      "))

	for _, n := range g.Nodes {
		var attrs []string
		for _, a := range n.Attributes {
			attrs = append(attrs, a.Name+"="+attrString(a))
		}

		op := n.OpType
		if len(attrs) > 0 {
			op += "[" + strings.Join(attrs, ", ") + "]"
		}
		fmt.Fprintf(w, "  %s = onnx::%s(%s)\n", refs(n.Outputs), op, refs(n.Inputs))
	}

	var outputs []string
	for _, out := range g.Outputs {
		outputs = append(outputs, out.Name)
	}
	fmt.Fprintf(w, "  return (%s)\n", refs(outputs))
}

func refs(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = "%" + n
	}
	return strings.Join(out, ", ")
}

func typeString(vi *onnx.ValueInfo) string {
	elem := onnx.Undefined
	if vi.Type != nil && vi.Type.Tensor != nil {
		elem = vi.Type.Tensor.ElemType
	}

	dims := make([]string, 0)
	for _, d := range vi.Dims() {
		dims = append(dims, d.String())
	}
	return fmt.Sprintf("%s(%s)", elem, strings.Join(dims, ", "))
}

func attrString(a *onnx.Attribute) string {
	switch a.Type {
	case onnx.AttributeFloat:
		return fmt.Sprint(a.F)
	case onnx.AttributeInt:
		return fmt.Sprint(a.I)
	case onnx.AttributeString:
		return fmt.Sprintf("%q", a.S)
	case onnx.AttributeInts:
		return fmt.Sprint(a.Ints)
	case onnx.AttributeFloats:
		return fmt.Sprint(a.Floats)
	case onnx.AttributeTensor:
		if a.T == nil {
			return "<tensor>"
		}
		if a.T.DataType == onnx.Float && onnx.NumElements(a.T.Dims) <= 4 {
			if vs, err := a.T.Float32s(); err == nil {
				return fmt.Sprintf("%s%v", a.T.DataType, vs)
			}
		}
		return fmt.Sprintf("<%s tensor %v>", a.T.DataType, a.T.Dims)
	default:
		return "<" + fmt.Sprint(a.Type) + ">"
	}
}
