// rewrite.go - Graph-Umbau fuer QDQ und QOperator
// Neue Knoten werden direkt vor dem ersetzten Knoten eingefuegt, damit
// die topologische Reihenfolge erhalten bleibt
package quantize

import (
	"github.com/ultrasharp/ultrasharp/onnx"
)

// dynQuant sind die Ausgaben eines DynamicQuantizeLinear Knotens
type dynQuant struct {
	value, scale, zero string
}

type rewriter struct {
	opts    Options
	nodes   []*onnx.Node
	inits   []*onnx.Tensor
	emitted map[*job]bool
	dequant map[*job]string
	dynamic map[string]dynQuant

	biasShape string
}

func newRewriter(opts Options) *rewriter {
	return &rewriter{
		opts:    opts,
		emitted: make(map[*job]bool),
		dequant: make(map[*job]string),
		dynamic: make(map[string]dynQuant),
	}
}

// weights legt die quantisierten Initializer eines Jobs einmalig an
func (r *rewriter) weights(j *job) (value, scale, zero string) {
	value, scale, zero = j.name+"_quantized", j.name+"_scale", j.name+"_zero_point"
	if r.emitted[j] {
		return value, scale, zero
	}
	r.emitted[j] = true

	var scaleDims, zeroDims []int64
	if j.axis >= 0 {
		c := j.tensor.Dims[j.axis]
		scaleDims, zeroDims = []int64{c}, []int64{c}
		// Mul nach ConvInteger broadcastet gegen NCHW
		if r.opts.Format == QOperator && j.op == "Conv" {
			scaleDims = []int64{c, 1, 1}
		}
	}

	res := j.result
	if r.opts.WeightType == QUInt8 {
		r.inits = append(r.inits,
			onnx.NewUint8Tensor(value, j.tensor.Dims, uint8s(res.values)),
			onnx.NewUint8Tensor(zero, zeroDims, uint8s(res.zeros)),
		)
	} else {
		r.inits = append(r.inits,
			onnx.NewInt8Tensor(value, j.tensor.Dims, int8s(res.values)),
			onnx.NewInt8Tensor(zero, zeroDims, int8s(res.zeros)),
		)
	}
	r.inits = append(r.inits, onnx.NewFloatTensor(scale, scaleDims, res.scales))

	return value, scale, zero
}

// ============================================================================
// QDQ
// ============================================================================

// qdq laesst den Knoten bestehen und speist ihn aus DequantizeLinear
func (r *rewriter) qdq(n *onnx.Node, j *job) {
	out, ok := r.dequant[j]
	if !ok {
		value, scale, zero := r.weights(j)
		out = j.name + "_dequantized"

		dq := &onnx.Node{
			Name:    j.name + "_DequantizeLinear",
			OpType:  "DequantizeLinear",
			Inputs:  []string{value, scale, zero},
			Outputs: []string{out},
		}
		if j.axis >= 0 {
			dq.Attributes = []*onnx.Attribute{onnx.AttrInt("axis", int64(j.axis))}
		}
		r.nodes = append(r.nodes, dq)
		r.dequant[j] = out
	}

	idx, _, _ := weightSlot(n.OpType)
	n.Inputs[idx] = out
	r.nodes = append(r.nodes, n)
}

// ============================================================================
// QOperator
// ============================================================================

// dynamicQuant quantisiert eine Aktivierung zur Laufzeit, einmal pro Tensor
func (r *rewriter) dynamicQuant(x string) dynQuant {
	if d, ok := r.dynamic[x]; ok {
		return d
	}

	d := dynQuant{value: x + "_quantized", scale: x + "_scale", zero: x + "_zero_point"}
	r.nodes = append(r.nodes, &onnx.Node{
		Name:    x + "_DynamicQuantizeLinear",
		OpType:  "DynamicQuantizeLinear",
		Inputs:  []string{x},
		Outputs: []string{d.value, d.scale, d.zero},
	})
	r.dynamic[x] = d
	return d
}

func baseName(n *onnx.Node) string {
	if n.Name != "" {
		return n.Name
	}
	return n.Outputs[0]
}

func (r *rewriter) convInteger(n *onnx.Node, j *job) {
	x := r.dynamicQuant(n.Inputs[0])
	value, scale, zero := r.weights(j)
	base := baseName(n)

	quant := base + "_output_quantized"
	r.nodes = append(r.nodes, &onnx.Node{
		Name:       base + "_quant",
		OpType:     "ConvInteger",
		Inputs:     []string{x.value, value, x.zero, zero},
		Outputs:    []string{quant},
		Attributes: n.Attributes,
	})

	bias := ""
	if len(n.Inputs) > 2 && n.Inputs[2] != "" {
		bias = r.reshapeBias(base, n.Inputs[2])
	}
	r.rescale(base, quant, x.scale, scale, bias, n.Outputs[0])
}

func (r *rewriter) matMulInteger(n *onnx.Node, j *job) {
	a := r.dynamicQuant(n.Inputs[0])
	value, scale, zero := r.weights(j)
	base := baseName(n)

	quant := base + "_output_quantized"
	r.nodes = append(r.nodes, &onnx.Node{
		Name:    base + "_quant",
		OpType:  "MatMulInteger",
		Inputs:  []string{a.value, value, a.zero, zero},
		Outputs: []string{quant},
	})
	r.rescale(base, quant, a.scale, scale, "", n.Outputs[0])
}

func (r *rewriter) gather(n *onnx.Node, j *job) {
	value, scale, zero := r.weights(j)
	base := baseName(n)

	quant := base + "_output_quantized"
	r.nodes = append(r.nodes,
		&onnx.Node{
			Name:       base + "_quant",
			OpType:     "Gather",
			Inputs:     []string{value, n.Inputs[1]},
			Outputs:    []string{quant},
			Attributes: n.Attributes,
		},
		&onnx.Node{
			Name:    base + "_DequantizeLinear",
			OpType:  "DequantizeLinear",
			Inputs:  []string{quant, scale, zero},
			Outputs: []string{n.Outputs[0]},
		},
	)
}

// rescale: Cast(int32 -> float) * (x_scale * w_scale) [+ bias] -> out
func (r *rewriter) rescale(base, quant, xScale, wScale, bias, out string) {
	cast := base + "_output_cast"
	scales := base + "_scales_mul"

	mulOut := out
	if bias != "" {
		mulOut = base + "_output_scaled"
	}

	r.nodes = append(r.nodes,
		&onnx.Node{
			Name:       base + "_cast",
			OpType:     "Cast",
			Inputs:     []string{quant},
			Outputs:    []string{cast},
			Attributes: []*onnx.Attribute{onnx.AttrInt("to", int64(onnx.Float))},
		},
		&onnx.Node{
			Name:    base + "_scales_mul",
			OpType:  "Mul",
			Inputs:  []string{xScale, wScale},
			Outputs: []string{scales},
		},
		&onnx.Node{
			Name:    base + "_output_scale_mul",
			OpType:  "Mul",
			Inputs:  []string{cast, scales},
			Outputs: []string{mulOut},
		},
	)

	if bias != "" {
		r.nodes = append(r.nodes, &onnx.Node{
			Name:    base + "_bias_add",
			OpType:  "Add",
			Inputs:  []string{mulOut, bias},
			Outputs: []string{out},
		})
	}
}

// reshapeBias formt einen Conv-Bias [C] zu [1,C,1,1] fuer das Add nach ConvInteger
func (r *rewriter) reshapeBias(base, bias string) string {
	if r.biasShape == "" {
		r.biasShape = "conv_bias_reshape_shape"
		r.inits = append(r.inits, onnx.NewInt64Tensor(r.biasShape, []int64{4}, []int64{1, -1, 1, 1}))
	}

	out := base + "_bias_reshaped"
	r.nodes = append(r.nodes, &onnx.Node{
		Name:    base + "_bias_reshape",
		OpType:  "Reshape",
		Inputs:  []string{bias, r.biasShape},
		Outputs: []string{out},
	})
	return out
}
