// MODUL: arch
// ZWECK: Erkennt Upscaler-Architekturen aus State-Dict Schluesseln und
//        beschreibt ihre Schichten
// INPUT: *checkpoint.StateDict
// OUTPUT: Model (tracebar ueber das Tracer Interface)
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: checkpoint, github.com/olekukonko/tablewriter
// HINWEISE: Neue Architekturen werden in "architectures" registriert

package arch

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/ultrasharp/ultrasharp/checkpoint"
)

// ErrUnknownArchitecture wird zurueckgegeben wenn kein Detektor passt
var ErrUnknownArchitecture = errors.New("arch: unknown architecture")

// Value ist ein getracter Tensor mit bekannter Shape (NCHW)
type Value struct {
	Name  string
	Shape []int64
}

// Tracer nimmt die Operationen eines Modells auf. Gewichte werden ueber
// ihren State-Dict Namen referenziert.
type Tracer interface {
	Conv(scope string, x Value, weight, bias string, stride, pad int) (Value, error)
	LeakyRelu(scope string, x Value, alpha float32) (Value, error)
	PRelu(scope string, x Value, slope string) (Value, error)
	Add(scope string, a, b Value) (Value, error)
	MulScalar(scope string, x Value, factor float32) (Value, error)
	Concat(scope string, axis int, xs ...Value) (Value, error)
	UpsampleNearest(scope string, x Value, factor int) (Value, error)
	PixelShuffle(scope string, x Value, factor int) (Value, error)
}

// Layer beschreibt eine Schicht fuer die Strukturausgabe
type Layer struct {
	Name   string
	Kind   string
	Shape  []int
	Params int
}

// Model ist ein geladenes, tracebares Upscaler-Modell
type Model interface {
	Name() string
	Scale() int
	InChannels() int
	OutChannels() int
	Hyperparameters() []string
	Layers() []Layer
	StateDict() *checkpoint.StateDict
	Trace(t Tracer, input Value) (Value, error)
}

// ============================================================================
// Registry
// ============================================================================

type architecture struct {
	name   string
	detect func(*checkpoint.StateDict) bool
	build  func(*checkpoint.StateDict) (Model, error)
}

var architectures = []architecture{
	{"esrgan", detectESRGAN, newESRGAN},
	{"compact", detectCompact, newCompact},
}

// Names gibt die registrierten Architekturnamen zurueck
func Names() []string {
	names := make([]string, len(architectures))
	for i, a := range architectures {
		names[i] = a.name
	}
	return names
}

// Detect erkennt die Architektur und baut das Modell
func Detect(sd *checkpoint.StateDict) (Model, error) {
	for _, a := range architectures {
		if a.detect(sd) {
			return a.build(sd)
		}
	}
	return nil, ErrUnknownArchitecture
}

// Build baut das Modell einer explizit gewaehlten Architektur
func Build(name string, sd *checkpoint.StateDict) (Model, error) {
	for _, a := range architectures {
		if strings.EqualFold(a.name, name) {
			return a.build(sd)
		}
	}
	return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownArchitecture, name, strings.Join(Names(), ", "))
}

// ============================================================================
// Hilfsfunktionen
// ============================================================================

// requireShape prueft Existenz und Rang eines Gewichts
func requireShape(sd *checkpoint.StateDict, name string, rank int) ([]int, error) {
	t, ok := sd.Get(name)
	if !ok {
		return nil, fmt.Errorf("missing tensor %q", name)
	}
	if len(t.Shape) != rank {
		return nil, fmt.Errorf("tensor %q has rank %d, expected %d", name, len(t.Shape), rank)
	}
	return t.Shape, nil
}

func layerOf(sd *checkpoint.StateDict, name, kind, param string) Layer {
	l := Layer{Name: name, Kind: kind}
	if t, ok := sd.Get(name + "." + param); ok {
		l.Shape = t.Shape
		l.Params = t.NumElements()
	}
	if b, ok := sd.Get(name + ".bias"); ok {
		l.Params += b.NumElements()
	}
	return l
}

// WriteSummary schreibt die Modellstruktur als Tabelle
func WriteSummary(w io.Writer, m Model) {
	fmt.Fprintf(w, "%s(%s)\n", m.Name(), strings.Join(m.Hyperparameters(), ", "))

	var data [][]string
	total := 0
	for _, l := range m.Layers() {
		shape := "-"
		if l.Shape != nil {
			dims := make([]string, len(l.Shape))
			for i, d := range l.Shape {
				dims[i] = strconv.Itoa(d)
			}
			shape = "(" + strings.Join(dims, ", ") + ")"
		}
		total += l.Params
		data = append(data, []string{l.Name, l.Kind, shape, strconv.Itoa(l.Params)})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"LAYER", "TYPE", "WEIGHT", "PARAMS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(w, "total params: %d\n", total)
}
