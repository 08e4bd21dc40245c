// MODUL: quantize
// ZWECK: Dynamische Gewichts-Quantisierung eines ONNX-Modells (ohne Kalibrierdaten)
// INPUT: onnx.Model, Options (Format, Gewichtstyp, per Kanal, Op-Typen, Ausschluesse)
// OUTPUT: umgeschriebener Graph, Report pro Gewicht
// NEBENEFFEKTE: Quantize veraendert das uebergebene Modell, QuantizeFile schreibt eine Datei
// ABHAENGIGKEITEN: onnx, golang.org/x/sync/errgroup
// HINWEISE: Gewichte werden parallel quantisiert, der Graph danach sequentiell umgebaut.
//           Ein float Initializer verschwindet erst wenn ihn kein Knoten mehr liest.

package quantize

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/ultrasharp/ultrasharp/format"
	"github.com/ultrasharp/ultrasharp/logutil"
	"github.com/ultrasharp/ultrasharp/onnx"
)

// WeightReport beschreibt ein quantisiertes Gewicht
type WeightReport struct {
	Name         string
	OpType       string
	Elements     int64
	PerChannel   bool
	BytesBefore  int64
	BytesAfter   int64
	MeanAbsError float64
}

// Report fasst einen Quantisierungslauf zusammen
type Report struct {
	Format      QuantFormat
	WeightType  QuantType
	Weights     []WeightReport
	Removed     int
	InputBytes  int64
	OutputBytes int64
}

// job ist ein zu quantisierendes Gewicht, jeder Worker schreibt nur sein result
type job struct {
	name   string
	op     string
	tensor *onnx.Tensor
	axis   int
	result quantized
}

// weightSlot gibt Gewichts-Input, erwarteten Rang (0 = beliebig) und Kanal-Achse zurueck
func weightSlot(op string) (input, rank, axis int) {
	switch op {
	case "Conv":
		return 1, 4, 0
	case "MatMul":
		return 1, 2, 1
	case "Gather":
		return 0, 0, -1
	default:
		return -1, 0, -1
	}
}

// QuantizeFile liest input, quantisiert und schreibt output
func QuantizeFile(ctx context.Context, input, output string, opts Options) (*Report, error) {
	m, err := onnx.ReadFile(input)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", input, err)
	}

	report, err := Quantize(ctx, m, opts)
	if err != nil {
		return nil, err
	}

	if err := onnx.WriteFile(output, m); err != nil {
		return nil, fmt.Errorf("writing %s: %w", output, err)
	}

	if fi, err := os.Stat(input); err == nil {
		report.InputBytes = fi.Size()
	}
	if fi, err := os.Stat(output); err == nil {
		report.OutputBytes = fi.Size()
	}

	slog.Info("model quantized", "input", input, "output", output, "weights", len(report.Weights),
		"before", format.HumanBytes(report.InputBytes), "after", format.HumanBytes(report.OutputBytes))

	return report, nil
}

// Quantize schreibt die Gewichte der gewaehlten Knoten in m auf int8/uint8 um
func Quantize(ctx context.Context, m *onnx.Model, opts Options) (*Report, error) {
	if m.Graph == nil {
		return nil, fmt.Errorf("quantize: model has no graph")
	}

	opset := m.OpsetVersion(onnx.DefaultDomain)
	if opset < MinOpset {
		return nil, fmt.Errorf("%w: %d (need at least %d)", ErrOpsetTooOld, opset, MinOpset)
	}

	if opts.Format == QOperator && opset < 11 {
		slog.Warn("DynamicQuantizeLinear needs opset 11, raising opset", "from", opset)
		setOpset(m, 11)
	}

	perChannel := opts.PerChannel
	if perChannel && opts.Format == QDQ && opset < 13 {
		slog.Warn("per-channel DequantizeLinear needs opset 13, falling back to per-tensor", "opset", opset)
		perChannel = false
	}

	for _, op := range opts.OpTypes {
		if idx, _, _ := weightSlot(op); idx < 0 {
			slog.Warn("op type not supported for weight quantization, ignoring", "op", op)
		}
	}

	jobs, targets := collect(m.Graph, opts, perChannel)
	if len(jobs) == 0 {
		slog.Warn("no weights eligible for quantization", "op_types", opts.OpTypes)
	}

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for _, j := range jobs {
		eg.Go(func() error {
			if err := egctx.Err(); err != nil {
				return err
			}
			data, err := j.tensor.Float32s()
			if err != nil {
				return fmt.Errorf("%s: %w", j.name, err)
			}
			j.result = quantizeTensor(data, j.tensor.Dims, j.axis, opts.WeightType)
			logutil.Trace("weight quantized", "name", j.name, "axis", j.axis, "scales", len(j.result.scales), "mae", j.result.mae)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r := newRewriter(opts)
	for _, n := range m.Graph.Nodes {
		j, ok := targets[n]
		if !ok {
			r.nodes = append(r.nodes, n)
			continue
		}

		switch {
		case opts.Format == QDQ:
			r.qdq(n, j)
		case n.OpType == "Conv":
			r.convInteger(n, j)
		case n.OpType == "MatMul":
			r.matMulInteger(n, j)
		case n.OpType == "Gather":
			r.gather(n, j)
		}
	}

	m.Graph.Nodes = r.nodes
	m.Graph.Initializer = append(m.Graph.Initializer, r.inits...)

	report := &Report{Format: opts.Format, WeightType: opts.WeightType}
	report.Removed = removeUnused(m.Graph, jobs)

	for _, j := range jobs {
		n := int64(len(j.result.values))
		report.Weights = append(report.Weights, WeightReport{
			Name:         j.name,
			OpType:       j.op,
			Elements:     n,
			PerChannel:   j.axis >= 0,
			BytesBefore:  j.tensor.ByteSize(),
			BytesAfter:   n + 5*int64(len(j.result.scales)),
			MeanAbsError: j.result.mae,
		})
	}

	slog.Debug("quantization finished", "format", opts.Format, "type", opts.WeightType,
		"weights", len(jobs), "removed", report.Removed, "nodes", len(m.Graph.Nodes))

	return report, nil
}

// collect sucht die quantisierbaren Gewichte. Gemeinsam genutzte Gewichte ergeben einen Job.
func collect(g *onnx.Graph, opts Options, perChannel bool) ([]*job, map[*onnx.Node]*job) {
	inits := make(map[string]*onnx.Tensor, len(g.Initializer))
	for _, t := range g.Initializer {
		inits[t.Name] = t
	}

	var jobs []*job
	byName := make(map[string]*job)
	targets := make(map[*onnx.Node]*job)

	for _, n := range g.Nodes {
		if !opts.wants(n) {
			continue
		}

		idx, rank, axis := weightSlot(n.OpType)
		if idx < 0 || len(n.Inputs) <= idx {
			continue
		}

		name := n.Inputs[idx]
		t := inits[name]
		switch {
		case t == nil, g.IsGraphInput(name):
			slog.Debug("weight is not a constant initializer, skipping", "node", n.Name, "input", name)
			continue
		case t.DataType != onnx.Float, t.IsExternal():
			slog.Debug("weight is not an inline float tensor, skipping", "node", n.Name, "input", name, "type", t.DataType)
			continue
		case rank > 0 && len(t.Dims) != rank:
			slog.Debug("unexpected weight rank, skipping", "node", n.Name, "input", name, "dims", t.Dims)
			continue
		}

		if !perChannel {
			axis = -1
		}

		j, ok := byName[name]
		if !ok {
			j = &job{name: name, op: n.OpType, tensor: t, axis: axis}
			byName[name] = j
			jobs = append(jobs, j)
		} else if j.op != n.OpType {
			slog.Debug("weight shared across op types, keeping float for this node", "node", n.Name, "input", name)
			continue
		}
		targets[n] = j
	}

	return jobs, targets
}

// removeUnused entfernt float Initializer quantisierter Gewichte ohne verbleibende Leser
func removeUnused(g *onnx.Graph, jobs []*job) int {
	quantizedNames := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		quantizedNames[j.name] = true
	}

	outputs := make(map[string]bool, len(g.Outputs))
	for _, o := range g.Outputs {
		outputs[o.Name] = true
	}

	consumers := g.Consumers()
	removed := 0
	kept := g.Initializer[:0]
	for _, t := range g.Initializer {
		if quantizedNames[t.Name] && len(consumers[t.Name]) == 0 && !outputs[t.Name] {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	g.Initializer = kept
	return removed
}

func setOpset(m *onnx.Model, version int64) {
	for i, op := range m.OpsetImport {
		if op.Domain == "" || op.Domain == onnx.DefaultDomain {
			m.OpsetImport[i].Version = version
		}
	}
}
