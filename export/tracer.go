// MODUL: export/tracer
// ZWECK: Nimmt die Operationen eines arch.Model auf und baut daraus einen ONNX-Graphen
// INPUT: State-Dict, Opset-Version, Trace-Aufrufe des Modells
// OUTPUT: onnx.Graph Knoten, Gewichtsreihenfolge, Shape-Inferenz je Operation
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: arch, checkpoint, onnx
// HINWEISE: Knotennamen folgen dem Schema "/scope/OpType", Ausgaben "<knoten>_output_0".
//           Konstanten (Skalare, Resize-Scales) werden als Constant-Knoten emittiert und
//           landen damit nie unter den Gewichten.

package export

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ultrasharp/ultrasharp/arch"
	"github.com/ultrasharp/ultrasharp/checkpoint"
	"github.com/ultrasharp/ultrasharp/onnx"
)

// weightRef ist ein im Graph referenziertes State-Dict Gewicht
type weightRef struct {
	tensor *checkpoint.Tensor
	dims   []int64
}

// graphBuilder implementiert arch.Tracer
type graphBuilder struct {
	sd    *checkpoint.StateDict
	opset int64

	nodes   []*onnx.Node
	weights []weightRef
	used    map[string]bool
	names   map[string]int
}

func newGraphBuilder(sd *checkpoint.StateDict, opset int64) *graphBuilder {
	return &graphBuilder{
		sd:    sd,
		opset: opset,
		used:  make(map[string]bool),
		names: make(map[string]int),
	}
}

// nodeName macht aus Scope und OpType einen eindeutigen Knotennamen
func (b *graphBuilder) nodeName(scope, op string) string {
	name := scope
	if last := scope[strings.LastIndex(scope, "/")+1:]; !strings.HasPrefix(last, op) {
		name = scope + "/" + op
	}

	n := b.names[name]
	b.names[name] = n + 1
	if n > 0 {
		name = fmt.Sprintf("%s_%d", name, n)
	}
	return name
}

// emit haengt einen Knoten an und gibt den Namen seiner Ausgabe zurueck
func (b *graphBuilder) emit(scope, op string, inputs []string, attrs ...*onnx.Attribute) string {
	name := b.nodeName(scope, op)
	out := name + "_output_0"
	b.nodes = append(b.nodes, &onnx.Node{
		Name:       name,
		OpType:     op,
		Inputs:     inputs,
		Outputs:    []string{out},
		Attributes: attrs,
	})
	return out
}

// constant emittiert einen Constant-Knoten mit einem float32 Tensor
func (b *graphBuilder) constant(scope string, dims []int64, data []float32) string {
	value := onnx.NewFloatTensor("", dims, data)
	return b.emit(scope, "Constant", nil, &onnx.Attribute{Name: "value", Type: onnx.AttributeTensor, T: value})
}

// weight referenziert ein Gewicht; dims != nil ueberschreibt die gespeicherte Shape
func (b *graphBuilder) weight(name string, dims []int64) (*checkpoint.Tensor, error) {
	t, ok := b.sd.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: missing weight %q", ErrShapeMismatch, name)
	}

	if !b.used[name] {
		b.used[name] = true
		if dims == nil {
			dims = make([]int64, len(t.Shape))
			for i, d := range t.Shape {
				dims[i] = int64(d)
			}
		}
		b.weights = append(b.weights, weightRef{tensor: t, dims: dims})
	}
	return t, nil
}

// ============================================================================
// arch.Tracer
// ============================================================================

func (b *graphBuilder) Conv(scope string, x arch.Value, weight, bias string, stride, pad int) (arch.Value, error) {
	if len(x.Shape) != 4 {
		return arch.Value{}, fmt.Errorf("%w: %s expects NCHW input, got %v", ErrShapeMismatch, scope, x.Shape)
	}

	w, err := b.weight(weight, nil)
	if err != nil {
		return arch.Value{}, err
	}
	if len(w.Shape) != 4 {
		return arch.Value{}, fmt.Errorf("%w: %s weight %v is not 4D", ErrShapeMismatch, weight, w.Shape)
	}

	cout, cin, kh, kw := int64(w.Shape[0]), int64(w.Shape[1]), int64(w.Shape[2]), int64(w.Shape[3])
	if cin != x.Shape[1] {
		return arch.Value{}, fmt.Errorf("%w: %s expects %d input channels, got %d", ErrShapeMismatch, scope, cin, x.Shape[1])
	}

	inputs := []string{x.Name, weight}
	if bias != "" {
		bt, err := b.weight(bias, nil)
		if err != nil {
			return arch.Value{}, err
		}
		if len(bt.Shape) != 1 || int64(bt.Shape[0]) != cout {
			return arch.Value{}, fmt.Errorf("%w: %s bias %v does not match %d output channels", ErrShapeMismatch, bias, bt.Shape, cout)
		}
		inputs = append(inputs, bias)
	}

	s, p := int64(stride), int64(pad)
	h := (x.Shape[2]+2*p-kh)/s + 1
	wd := (x.Shape[3]+2*p-kw)/s + 1
	if h <= 0 || wd <= 0 {
		return arch.Value{}, fmt.Errorf("%w: %s kernel %dx%d larger than input %v", ErrShapeMismatch, scope, kh, kw, x.Shape)
	}

	out := b.emit(scope, "Conv", inputs,
		onnx.AttrInts("dilations", 1, 1),
		onnx.AttrInt("group", 1),
		onnx.AttrInts("kernel_shape", kh, kw),
		onnx.AttrInts("pads", p, p, p, p),
		onnx.AttrInts("strides", s, s),
	)
	return arch.Value{Name: out, Shape: []int64{x.Shape[0], cout, h, wd}}, nil
}

func (b *graphBuilder) LeakyRelu(scope string, x arch.Value, alpha float32) (arch.Value, error) {
	out := b.emit(scope, "LeakyRelu", []string{x.Name}, onnx.AttrFloat("alpha", alpha))
	return arch.Value{Name: out, Shape: x.Shape}, nil
}

func (b *graphBuilder) PRelu(scope string, x arch.Value, slope string) (arch.Value, error) {
	if len(x.Shape) != 4 {
		return arch.Value{}, fmt.Errorf("%w: %s expects NCHW input, got %v", ErrShapeMismatch, scope, x.Shape)
	}

	t, ok := b.sd.Get(slope)
	if !ok {
		return arch.Value{}, fmt.Errorf("%w: missing weight %q", ErrShapeMismatch, slope)
	}
	if len(t.Shape) != 1 || int64(t.Shape[0]) != x.Shape[1] {
		return arch.Value{}, fmt.Errorf("%w: %s slope %v does not match %d channels", ErrShapeMismatch, slope, t.Shape, x.Shape[1])
	}

	// [C] -> [C,1,1] fuer Broadcast gegen NCHW
	if _, err := b.weight(slope, []int64{x.Shape[1], 1, 1}); err != nil {
		return arch.Value{}, err
	}

	out := b.emit(scope, "PRelu", []string{x.Name, slope})
	return arch.Value{Name: out, Shape: x.Shape}, nil
}

func (b *graphBuilder) Add(scope string, x, y arch.Value) (arch.Value, error) {
	if !slices.Equal(x.Shape, y.Shape) {
		return arch.Value{}, fmt.Errorf("%w: %s operands %v and %v", ErrShapeMismatch, scope, x.Shape, y.Shape)
	}
	out := b.emit(scope, "Add", []string{x.Name, y.Name})
	return arch.Value{Name: out, Shape: x.Shape}, nil
}

func (b *graphBuilder) MulScalar(scope string, x arch.Value, factor float32) (arch.Value, error) {
	c := b.constant(strings.TrimSuffix(scope, "/Mul")+"/Constant", nil, []float32{factor})
	out := b.emit(scope, "Mul", []string{x.Name, c})
	return arch.Value{Name: out, Shape: x.Shape}, nil
}

func (b *graphBuilder) Concat(scope string, axis int, xs ...arch.Value) (arch.Value, error) {
	if len(xs) == 0 {
		return arch.Value{}, fmt.Errorf("%w: %s has no operands", ErrShapeMismatch, scope)
	}

	shape := append([]int64{}, xs[0].Shape...)
	if axis < 0 || axis >= len(shape) {
		return arch.Value{}, fmt.Errorf("%w: %s axis %d out of range", ErrShapeMismatch, scope, axis)
	}

	inputs := []string{xs[0].Name}
	for _, x := range xs[1:] {
		if len(x.Shape) != len(shape) {
			return arch.Value{}, fmt.Errorf("%w: %s rank %d vs %d", ErrShapeMismatch, scope, len(x.Shape), len(shape))
		}
		for i := range shape {
			if i != axis && x.Shape[i] != shape[i] {
				return arch.Value{}, fmt.Errorf("%w: %s operands %v and %v", ErrShapeMismatch, scope, xs[0].Shape, x.Shape)
			}
		}
		shape[axis] += x.Shape[axis]
		inputs = append(inputs, x.Name)
	}

	out := b.emit(scope, "Concat", inputs, onnx.AttrInt("axis", int64(axis)))
	return arch.Value{Name: out, Shape: shape}, nil
}

func (b *graphBuilder) UpsampleNearest(scope string, x arch.Value, factor int) (arch.Value, error) {
	if len(x.Shape) != 4 || factor < 1 {
		return arch.Value{}, fmt.Errorf("%w: %s cannot upsample %v by %d", ErrShapeMismatch, scope, x.Shape, factor)
	}

	base := strings.TrimSuffix(scope, "/Resize")
	f := float32(factor)
	scales := b.constant(base+"/Constant", []int64{4}, []float32{1, 1, f, f})

	// ab Opset 13 ist roi optional, davor muss ein (leerer) Tensor anliegen
	roi := ""
	if b.opset < 13 {
		roi = b.constant(base+"/Constant", []int64{0}, []float32{})
	}

	out := b.emit(scope, "Resize", []string{x.Name, roi, scales},
		onnx.AttrString("coordinate_transformation_mode", "asymmetric"),
		onnx.AttrFloat("cubic_coeff_a", -0.75),
		onnx.AttrString("mode", "nearest"),
		onnx.AttrString("nearest_mode", "floor"),
	)

	n := int64(factor)
	return arch.Value{Name: out, Shape: []int64{x.Shape[0], x.Shape[1], x.Shape[2] * n, x.Shape[3] * n}}, nil
}

func (b *graphBuilder) PixelShuffle(scope string, x arch.Value, factor int) (arch.Value, error) {
	r := int64(factor)
	if len(x.Shape) != 4 || r < 1 || x.Shape[1]%(r*r) != 0 {
		return arch.Value{}, fmt.Errorf("%w: %s cannot pixel-shuffle %v by %d", ErrShapeMismatch, scope, x.Shape, factor)
	}

	out := b.emit(scope, "DepthToSpace", []string{x.Name},
		onnx.AttrInt("blocksize", r),
		onnx.AttrString("mode", "CRD"),
	)
	return arch.Value{Name: out, Shape: []int64{x.Shape[0], x.Shape[1] / (r * r), x.Shape[2] * r, x.Shape[3] * r}}, nil
}

// ============================================================================
// Hilfsfunktionen
// ============================================================================

// rename ersetzt einen Tensor-Namen in allen Knoten
func (b *graphBuilder) rename(from, to string) {
	for _, n := range b.nodes {
		for i, in := range n.Inputs {
			if in == from {
				n.Inputs[i] = to
			}
		}
		for i, out := range n.Outputs {
			if out == from {
				n.Outputs[i] = to
			}
		}
	}
}

// unused gibt die State-Dict Namen zurueck, die der Trace nie referenziert hat
func (b *graphBuilder) unused() []string {
	var names []string
	for _, k := range b.sd.Keys() {
		if !b.used[k] {
			names = append(names, k)
		}
	}
	return names
}
