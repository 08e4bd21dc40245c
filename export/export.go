// MODUL: export/export
// ZWECK: Checkpoint laden, Architektur bauen, Graph tracen und als .onnx schreiben
// INPUT: Config, Writer fuer Strukturausgabe
// OUTPUT: Result mit Modell, Ausgabe-Shape und ungenutzten Gewichten
// NEBENEFFEKTE: Liest den Checkpoint, schreibt die ONNX-Datei atomar, druckt nach stdout
// ABHAENGIGKEITEN: arch, checkpoint, onnx, pdevine/tensor (Beispiel-Eingabe)
// HINWEISE: Die Strukturausgabe erscheint vor dem Export, auch wenn dieser danach scheitert

package export

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pdevine/tensor"

	"github.com/ultrasharp/ultrasharp/arch"
	"github.com/ultrasharp/ultrasharp/checkpoint"
	"github.com/ultrasharp/ultrasharp/format"
	"github.com/ultrasharp/ultrasharp/onnx"
	"github.com/ultrasharp/ultrasharp/version"
)

// Result fasst einen Export-Lauf zusammen
type Result struct {
	Model       arch.Model
	Graph       *onnx.Model
	OutputShape []int64
	Unused      []string
	Bytes       int64
}

// Export fuehrt einen kompletten Export-Lauf aus
func Export(ctx context.Context, cfg Config, stdout io.Writer) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sd, err := checkpoint.Load(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", cfg.Model, err)
	}
	slog.Debug("checkpoint loaded", "path", cfg.Model, "format", sd.Format, "tensors", sd.Len(), "params", sd.NumParams())

	var model arch.Model
	if cfg.Arch != "" {
		model, err = arch.Build(cfg.Arch, sd)
	} else {
		model, err = arch.Detect(sd)
	}
	if err != nil {
		return nil, err
	}

	arch.WriteSummary(stdout, model)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m, unused, outShape, err := Build(model, cfg, SampleInput(cfg.InputShape, cfg.Seed))
	if err != nil {
		return nil, err
	}

	if len(unused) > 0 {
		slog.Warn("checkpoint tensors not used by the graph", "count", len(unused), "first", unused[0])
	}

	if cfg.Verbose {
		WriteGraph(stdout, m.Graph)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := onnx.WriteFile(cfg.Output, m); err != nil {
		return nil, fmt.Errorf("writing %s: %w", cfg.Output, err)
	}

	var size int64
	if fi, err := os.Stat(cfg.Output); err == nil {
		size = fi.Size()
	}

	slog.Info("model exported", "path", cfg.Output, "arch", model.Name(), "scale", model.Scale(),
		"opset", cfg.OpsetVersion, "nodes", len(m.Graph.Nodes), "size", format.HumanBytes(size))

	return &Result{Model: model, Graph: m, OutputShape: outShape, Unused: unused, Bytes: size}, nil
}

// Build traced ein Modell mit der Beispiel-Eingabe und setzt das ONNX-Modell zusammen.
// Gibt zusaetzlich die ungenutzten State-Dict Namen und die Ausgabe-Shape zurueck.
func Build(model arch.Model, cfg Config, sample *tensor.Dense) (*onnx.Model, []string, []int64, error) {
	inShape, err := sampleShape(sample)
	if err != nil {
		return nil, nil, nil, err
	}
	if inShape[1] != int64(model.InChannels()) {
		return nil, nil, nil, fmt.Errorf("%w: %s expects %d input channels, sample has %d",
			ErrShapeMismatch, model.Name(), model.InChannels(), inShape[1])
	}

	inName, outName := cfg.InputNames[0], cfg.OutputNames[0]

	b := newGraphBuilder(model.StateDict(), cfg.OpsetVersion)
	out, err := model.Trace(b, arch.Value{Name: inName, Shape: inShape})
	if err != nil {
		return nil, nil, nil, err
	}
	if out.Name == inName {
		return nil, nil, nil, fmt.Errorf("%w: model output is its input", ErrShapeMismatch)
	}
	b.rename(out.Name, outName)

	g := &onnx.Graph{
		Name:  "main_graph",
		Nodes: b.nodes,
		Inputs: []*onnx.ValueInfo{
			onnx.NewTensorValueInfo(inName, onnx.Float, dimensions(inShape, cfg.DynamicAxes, inName)),
		},
		Outputs: []*onnx.ValueInfo{
			onnx.NewTensorValueInfo(outName, onnx.Float, dimensions(out.Shape, cfg.DynamicAxes, outName)),
		},
	}

	for _, w := range b.weights {
		if cfg.ExportParams {
			g.Initializer = append(g.Initializer, onnx.NewFloatTensor(w.tensor.Name, w.dims, w.tensor.Data))
			continue
		}
		dims := make([]onnx.Dimension, len(w.dims))
		for i, d := range w.dims {
			dims[i] = onnx.Dimension{DimValue: d}
		}
		g.Inputs = append(g.Inputs, onnx.NewTensorValueInfo(w.tensor.Name, onnx.Float, dims))
	}

	m := &onnx.Model{
		IRVersion:       irVersion(cfg.OpsetVersion),
		ProducerName:    "ultrasharp",
		ProducerVersion: version.Version,
		OpsetImport:     []onnx.OperatorSetID{{Domain: "", Version: cfg.OpsetVersion}},
		Graph:           g,
		MetadataProps: []onnx.StringStringEntry{
			{Key: "architecture", Value: model.Name()},
			{Key: "scale", Value: fmt.Sprint(model.Scale())},
		},
	}

	return m, b.unused(), out.Shape, nil
}

// dimensions ersetzt statische Groessen durch symbolische Namen wo konfiguriert
func dimensions(shape []int64, axes DynamicAxes, name string) []onnx.Dimension {
	dyn, _ := axes.Get(name)
	dims := make([]onnx.Dimension, len(shape))
	for i, d := range shape {
		if sym, ok := dyn[i]; ok {
			dims[i] = onnx.Dimension{DimParam: sym}
		} else {
			dims[i] = onnx.Dimension{DimValue: d}
		}
	}
	return dims
}

// irVersion gibt die zur Opset-Version passende IR-Version zurueck
func irVersion(opset int64) int64 {
	switch {
	case opset <= 11:
		return 6
	case opset <= 14:
		return 7
	case opset <= 18:
		return 8
	case opset <= 20:
		return 9
	default:
		return 10
	}
}
