// MODUL: checkpoint
// ZWECK: Laedt Checkpoints (.pth, .safetensors) in ein geordnetes State-Dict
// INPUT: Dateipfad
// OUTPUT: *StateDict mit float32 Tensoren in Datei-Reihenfolge
// NEBENEFFEKTE: Dateisystem-Lesezugriff
// ABHAENGIGKEITEN: github.com/wk8/go-ordered-map/v2
// HINWEISE: Format wird ueber Magic-Bytes erkannt, nicht ueber die Endung

package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrUnknownFormat wird zurueckgegeben wenn das Dateiformat nicht erkannt wurde
var ErrUnknownFormat = errors.New("checkpoint: unknown file format")

// Format beschreibt das erkannte Checkpoint-Format
type Format string

const (
	FormatTorchZip    Format = "torch-zip"
	FormatTorchLegacy Format = "torch-legacy"
	FormatSafetensors Format = "safetensors"
	FormatUnknown     Format = "unknown"
)

// safetensorsMaxHead begrenzt die JSON-Header-Groesse
const safetensorsMaxHead = 100 << 20

// Tensor ist ein dichter float32 Tensor in Row-Major-Reihenfolge
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// NumElements gibt die Elementanzahl laut Shape zurueck
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// StateDict bildet Parameternamen geordnet auf Tensoren ab
type StateDict struct {
	Format  Format
	tensors *orderedmap.OrderedMap[string, *Tensor]
}

// NewStateDict erstellt ein leeres State-Dict
func NewStateDict() *StateDict {
	return &StateDict{tensors: orderedmap.New[string, *Tensor]()}
}

// Set fuegt einen Tensor hinzu oder ersetzt ihn
func (sd *StateDict) Set(t *Tensor) {
	sd.tensors.Set(t.Name, t)
}

// Get sucht einen Tensor nach Namen
func (sd *StateDict) Get(name string) (*Tensor, bool) {
	return sd.tensors.Get(name)
}

// Len gibt die Anzahl Tensoren zurueck
func (sd *StateDict) Len() int {
	return sd.tensors.Len()
}

// Keys gibt alle Namen in Einfuege-Reihenfolge zurueck
func (sd *StateDict) Keys() []string {
	keys := make([]string, 0, sd.tensors.Len())
	for pair := sd.tensors.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// NumParams summiert die Elemente aller Tensoren
func (sd *StateDict) NumParams() int64 {
	var n int64
	for pair := sd.tensors.Oldest(); pair != nil; pair = pair.Next() {
		n += int64(pair.Value.NumElements())
	}
	return n
}

// Rename erzeugt ein neues State-Dict mit umbenannten Schluesseln.
// Liefert fn "" zurueck, wird der Tensor verworfen.
func (sd *StateDict) Rename(fn func(string) string) *StateDict {
	out := NewStateDict()
	out.Format = sd.Format
	for pair := sd.tensors.Oldest(); pair != nil; pair = pair.Next() {
		name := fn(pair.Key)
		if name == "" {
			continue
		}
		t := *pair.Value
		t.Name = name
		out.Set(&t)
	}
	return out
}

// ============================================================================
// Laden
// ============================================================================

// DetectFormat erkennt das Format anhand der ersten Bytes
func DetectFormat(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, []byte("PK\x03\x04")):
		return FormatTorchZip
	case len(head) >= 2 && head[0] == 0x80 && head[1] >= 2 && head[1] <= 5:
		// Pickle-Protokoll 2..5
		return FormatTorchLegacy
	case len(head) >= 9:
		n := binary.LittleEndian.Uint64(head[:8])
		if n > 1 && n < safetensorsMaxHead && head[8] == '{' {
			return FormatSafetensors
		}
	}
	return FormatUnknown
}

// Load laedt einen Checkpoint und gibt das State-Dict zurueck
func Load(path string) (*StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	head := make([]byte, 16)
	n, err := io.ReadFull(f, head)
	f.Close()
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	format := DetectFormat(head[:n])
	slog.Debug("loading checkpoint", "path", path, "format", format)

	var sd *StateDict
	switch format {
	case FormatSafetensors:
		sd, err = LoadSafetensors(path)
	case FormatTorchZip, FormatTorchLegacy:
		sd, err = LoadTorch(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	if err != nil {
		return nil, err
	}

	sd.Format = format
	return sd.Rename(stripModulePrefix), nil
}

// stripModulePrefix entfernt das "module." Praefix von DataParallel-Checkpoints
func stripModulePrefix(name string) string {
	return strings.TrimPrefix(name, "module.")
}
