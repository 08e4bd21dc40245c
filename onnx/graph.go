// graph.go - Datei-I/O und Graph-Hilfsfunktionen
// Hauptfunktionen: ReadFile, WriteFile, OpsetVersion, Consumers, Attr*
package onnx

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultDomain ist der Name der Standard-Operator-Domain
const DefaultDomain = "ai.onnx"

// ReadFile laedt und dekodiert eine .onnx Datei
func ReadFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// WriteFile schreibt das Modell atomar (temp-Datei + rename)
func WriteFile(path string, m *Model) error {
	data := Encode(m)

	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := f.Chmod(0o644); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(f.Name(), path)
}

// OpsetVersion gibt die importierte Version einer Domain zurueck (0 = nicht importiert)
func (m *Model) OpsetVersion(domain string) int64 {
	if domain == DefaultDomain {
		domain = ""
	}
	for _, op := range m.OpsetImport {
		d := op.Domain
		if d == DefaultDomain {
			d = ""
		}
		if d == domain {
			return op.Version
		}
	}
	return 0
}

// InitializerByName sucht einen Initializer nach Namen
func (g *Graph) InitializerByName(name string) *Tensor {
	for _, t := range g.Initializer {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// IsGraphInput meldet ob name als Graph-Input deklariert ist
func (g *Graph) IsGraphInput(name string) bool {
	for _, vi := range g.Inputs {
		if vi.Name == name {
			return true
		}
	}
	return false
}

// Consumers bildet Tensor-Namen auf die konsumierenden Nodes ab
func (g *Graph) Consumers() map[string][]*Node {
	out := make(map[string][]*Node)
	for _, n := range g.Nodes {
		for _, in := range n.Inputs {
			if in != "" {
				out[in] = append(out[in], n)
			}
		}
	}
	return out
}

// Attribute sucht ein Attribut nach Namen
func (n *Node) Attribute(name string) *Attribute {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// ============================================================================
// Attribut- und ValueInfo-Konstruktoren
// ============================================================================

func AttrInt(name string, v int64) *Attribute {
	return &Attribute{Name: name, Type: AttributeInt, I: v}
}

func AttrInts(name string, vs ...int64) *Attribute {
	return &Attribute{Name: name, Type: AttributeInts, Ints: vs}
}

func AttrFloat(name string, v float32) *Attribute {
	return &Attribute{Name: name, Type: AttributeFloat, F: v}
}

func AttrString(name, v string) *Attribute {
	return &Attribute{Name: name, Type: AttributeString, S: []byte(v)}
}

// NewTensorValueInfo erstellt eine ValueInfo fuer einen Tensor
func NewTensorValueInfo(name string, elem DataType, dims []Dimension) *ValueInfo {
	return &ValueInfo{
		Name: name,
		Type: &Type{Tensor: &TensorType{ElemType: elem, Shape: &Shape{Dims: dims}}},
	}
}

// Dims gibt die Dimensionen einer Tensor-ValueInfo zurueck (nil wenn unbekannt)
func (vi *ValueInfo) Dims() []Dimension {
	if vi.Type == nil || vi.Type.Tensor == nil || vi.Type.Tensor.Shape == nil {
		return nil
	}
	return vi.Type.Tensor.Shape.Dims
}

// String formatiert eine Dimension ("batch_size", "3" oder "?")
func (d Dimension) String() string {
	switch {
	case d.DimParam != "":
		return d.DimParam
	case d.DimValue > 0:
		return fmt.Sprint(d.DimValue)
	default:
		return "?"
	}
}
