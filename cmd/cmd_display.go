// cmd_display.go - Tabellen-Ausgabe fuer quantize und inspect
// Hauptfunktionen: renderQuantReport, showModelInfo
package cmd

import (
	"cmp"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/ultrasharp/ultrasharp/format"
	"github.com/ultrasharp/ultrasharp/onnx"
	"github.com/ultrasharp/ultrasharp/quantize"
)

func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

// renderQuantReport - Listet alle quantisierten Gewichte und die Dateigroessen
func renderQuantReport(w io.Writer, r *quantize.Report) {
	table := newTable(w)
	table.SetHeader([]string{"WEIGHT", "OP", "ELEMENTS", "SCALES", "SIZE", "MEAN ABS ERROR"})

	for _, wr := range r.Weights {
		scales := "tensor"
		if wr.PerChannel {
			scales = "channel"
		}
		table.Append([]string{
			wr.Name,
			wr.OpType,
			strconv.FormatInt(wr.Elements, 10),
			scales,
			format.HumanBytes(wr.BytesBefore) + " -> " + format.HumanBytes(wr.BytesAfter),
			strconv.FormatFloat(wr.MeanAbsError, 'g', 4, 64),
		})
	}
	table.Render()

	fmt.Fprintf(w, "%s %s: %d weights, %s -> %s (%s)\n",
		r.Format, r.WeightType, len(r.Weights),
		format.HumanBytes(r.InputBytes), format.HumanBytes(r.OutputBytes),
		format.Percent(r.OutputBytes, r.InputBytes))
}

// showModelInfo - Gibt Metadaten, Ein-/Ausgaben, Initializer und Op-Typen eines Modells aus
func showModelInfo(m *onnx.Model, w io.Writer) {
	tableRender := func(header string, rows [][]string) {
		if len(rows) == 0 {
			return
		}
		fmt.Fprintln(w, " ", header)
		table := newTable(w)
		table.AppendBulk(rows)
		table.Render()
		fmt.Fprintln(w)
	}

	var rows [][]string
	rows = append(rows, []string{"", "ir version", strconv.FormatInt(m.IRVersion, 10)})
	if m.ProducerName != "" {
		rows = append(rows, []string{"", "producer", strings.TrimSpace(m.ProducerName + " " + m.ProducerVersion)})
	}
	for _, op := range m.OpsetImport {
		domain := op.Domain
		if domain == "" {
			domain = "ai.onnx"
		}
		rows = append(rows, []string{"", "opset " + domain, strconv.FormatInt(op.Version, 10)})
	}
	for _, p := range m.MetadataProps {
		rows = append(rows, []string{"", p.Key, p.Value})
	}
	tableRender("Model", rows)

	g := m.Graph
	if g == nil {
		return
	}

	tableRender("Inputs", valueInfoRows(g, g.Inputs))
	tableRender("Outputs", valueInfoRows(g, g.Outputs))

	type initStats struct {
		count int
		bytes int64
	}
	inits := make(map[onnx.DataType]*initStats)
	for _, t := range g.Initializer {
		s, ok := inits[t.DataType]
		if !ok {
			s = &initStats{}
			inits[t.DataType] = s
		}
		s.count++
		s.bytes += t.ByteSize()
	}
	rows = nil
	for _, dt := range slices.Sorted(maps.Keys(inits)) {
		s := inits[dt]
		rows = append(rows, []string{"", dt.String(), strconv.Itoa(s.count), format.HumanBytes(s.bytes)})
	}
	tableRender("Initializers", rows)

	ops := make(map[string]int)
	for _, n := range g.Nodes {
		ops[n.OpType]++
	}
	names := slices.Collect(maps.Keys(ops))
	slices.SortFunc(names, func(a, b string) int {
		if c := cmp.Compare(ops[b], ops[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	rows = nil
	for _, op := range names {
		rows = append(rows, []string{"", op, strconv.Itoa(ops[op])})
	}
	tableRender("Nodes", rows)
}

// valueInfoRows listet Name, Typ und Dimensionen, Initializer-Eingaben werden uebersprungen
func valueInfoRows(g *onnx.Graph, vis []*onnx.ValueInfo) [][]string {
	var rows [][]string
	for _, vi := range vis {
		if g.InitializerByName(vi.Name) != nil {
			continue
		}
		elem := onnx.Undefined
		if vi.Type != nil && vi.Type.Tensor != nil {
			elem = vi.Type.Tensor.ElemType
		}
		dims := make([]string, 0)
		for _, d := range vi.Dims() {
			dims = append(dims, d.String())
		}
		rows = append(rows, []string{"", vi.Name, elem.String(), "[" + strings.Join(dims, ", ") + "]"})
	}
	return rows
}
