// MODUL: export/config
// ZWECK: Explizite Export-Konfiguration statt fest verdrahteter Literale
// INPUT: Defaults, optionale YAML-Datei, CLI-Overrides
// OUTPUT: Config
// NEBENEFFEKTE: Dateisystem-Lesezugriff bei LoadConfig
// ABHAENGIGKEITEN: gopkg.in/yaml.v3, github.com/wk8/go-ordered-map/v2
// HINWEISE: Defaults entsprechen dem urspruenglichen Export-Skript
//           (4x-UltraSharp, 1x3x512x512, Opset 17, input/output)

package export

import (
	"errors"
	"fmt"
	"os"
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// Fehler-Definitionen
// ============================================================================

var (
	ErrShapeMismatch      = errors.New("export: shape mismatch")
	ErrUnsupportedOpset   = errors.New("export: unsupported opset version")
	ErrInvalidDynamicAxes = errors.New("export: invalid dynamic axes")
	ErrInvalidConfig      = errors.New("export: invalid config")
)

const (
	MinOpset     = 11
	MaxOpset     = 21
	DefaultOpset = 17
)

// ============================================================================
// DynamicAxes
// ============================================================================

// DynamicAxes bildet Tensor-Namen geordnet auf {Achse: symbolischer Name} ab.
// Der Zero-Wert ist leer und nur lesbar.
type DynamicAxes struct {
	m *orderedmap.OrderedMap[string, map[int]string]
}

// NewDynamicAxes erstellt eine leere Zuordnung
func NewDynamicAxes() DynamicAxes {
	return DynamicAxes{m: orderedmap.New[string, map[int]string]()}
}

// DefaultDynamicAxes: batch/width/height am Eingang, *_out am Ausgang
func DefaultDynamicAxes() DynamicAxes {
	d := NewDynamicAxes()
	d.Set("input", map[int]string{0: "batch_size", 2: "width", 3: "height"})
	d.Set("output", map[int]string{0: "batch_size", 2: "width_out", 3: "height_out"})
	return d
}

// Set setzt die dynamischen Achsen eines Tensors
func (d DynamicAxes) Set(name string, axes map[int]string) {
	d.m.Set(name, axes)
}

// Get gibt die dynamischen Achsen eines Tensors zurueck
func (d DynamicAxes) Get(name string) (map[int]string, bool) {
	if d.m == nil {
		return nil, false
	}
	return d.m.Get(name)
}

// Delete entfernt die Achsen eines Tensors
func (d DynamicAxes) Delete(name string) {
	if d.m != nil {
		d.m.Delete(name)
	}
}

// Names gibt die Tensor-Namen in Einfuege-Reihenfolge zurueck
func (d DynamicAxes) Names() []string {
	if d.m == nil {
		return nil
	}
	var names []string
	for pair := d.m.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Len gibt die Anzahl Eintraege zurueck
func (d DynamicAxes) Len() int {
	if d.m == nil {
		return 0
	}
	return d.m.Len()
}

// UnmarshalYAML erhaelt die Reihenfolge der YAML-Schluessel
func (d *DynamicAxes) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: dynamic_axes must be a mapping", ErrInvalidDynamicAxes)
	}

	*d = NewDynamicAxes()
	for i := 0; i+1 < len(value.Content); i += 2 {
		var axes map[int]string
		if err := value.Content[i+1].Decode(&axes); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidDynamicAxes, value.Content[i].Value, err)
		}
		d.Set(value.Content[i].Value, axes)
	}
	return nil
}

// ============================================================================
// Config
// ============================================================================

// Config beschreibt einen Export-Lauf
type Config struct {
	Model        string      `yaml:"model"`
	Output       string      `yaml:"output"`
	Arch         string      `yaml:"arch"`
	InputShape   []int       `yaml:"input_shape"`
	OpsetVersion int64       `yaml:"opset_version"`
	InputNames   []string    `yaml:"input_names"`
	OutputNames  []string    `yaml:"output_names"`
	DynamicAxes  DynamicAxes `yaml:"dynamic_axes"`
	ExportParams bool        `yaml:"export_params"`
	Verbose      bool        `yaml:"verbose"`
	Seed         uint64      `yaml:"seed"`
}

// DefaultConfig gibt die Standard-Konfiguration zurueck
func DefaultConfig() Config {
	return Config{
		Model:        "./4x-UltraSharp.pth",
		Output:       "./ultrasharp.onnx",
		InputShape:   []int{1, 3, 512, 512},
		OpsetVersion: DefaultOpset,
		InputNames:   []string{"input"},
		OutputNames:  []string{"output"},
		DynamicAxes:  DefaultDynamicAxes(),
		ExportParams: true,
		Verbose:      true,
	}
}

// LoadConfig liest eine YAML-Datei ueber die Defaults
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate prueft die Konfiguration vor dem Export
func (c Config) Validate() error {
	if c.Model == "" || c.Output == "" {
		return fmt.Errorf("%w: model and output paths are required", ErrInvalidConfig)
	}

	if len(c.InputShape) != 4 {
		return fmt.Errorf("%w: input shape must be NCHW, got %v", ErrInvalidConfig, c.InputShape)
	}
	for _, d := range c.InputShape {
		if d <= 0 {
			return fmt.Errorf("%w: input shape %v has non-positive dimension", ErrInvalidConfig, c.InputShape)
		}
	}

	if c.OpsetVersion < MinOpset || c.OpsetVersion > MaxOpset {
		return fmt.Errorf("%w: %d (supported: %d-%d)", ErrUnsupportedOpset, c.OpsetVersion, MinOpset, MaxOpset)
	}

	if len(c.InputNames) != 1 || len(c.OutputNames) != 1 {
		return fmt.Errorf("%w: exactly one input and one output name required", ErrInvalidConfig)
	}
	if c.InputNames[0] == "" || c.OutputNames[0] == "" || c.InputNames[0] == c.OutputNames[0] {
		return fmt.Errorf("%w: input and output names must be distinct and non-empty", ErrInvalidConfig)
	}

	declared := append(slices.Clone(c.InputNames), c.OutputNames...)
	for _, name := range c.DynamicAxes.Names() {
		if !slices.Contains(declared, name) {
			return fmt.Errorf("%w: %q is neither an input nor an output", ErrInvalidDynamicAxes, name)
		}
		axes, _ := c.DynamicAxes.Get(name)
		for axis, sym := range axes {
			if axis < 0 || axis >= len(c.InputShape) {
				return fmt.Errorf("%w: %s axis %d out of range", ErrInvalidDynamicAxes, name, axis)
			}
			if sym == "" {
				return fmt.Errorf("%w: %s axis %d has empty name", ErrInvalidDynamicAxes, name, axis)
			}
		}
	}

	return nil
}
