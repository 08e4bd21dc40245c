// MODUL: checkpoint/safetensors
// ZWECK: Liest .safetensors Dateien (8 Byte Header-Laenge + JSON + Daten)
// INPUT: Dateipfad
// OUTPUT: *StateDict
// NEBENEFFEKTE: Liest die komplette Datei in den Speicher
// ABHAENGIGKEITEN: github.com/goccy/go-json, github.com/x448/float16,
//                  github.com/d4l3k/go-bfloat16
// HINWEISE: Unterstuetzt F32, F16, BF16 und F64 (wird zu float32 gekuerzt)

package checkpoint

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"slices"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"
)

// safetensorInfo ist ein Eintrag im safetensors JSON-Header
type safetensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// LoadSafetensors liest eine safetensors Datei
func LoadSafetensors(path string) (*StateDict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSafetensors(data)
}

// ParseSafetensors dekodiert safetensors Bytes
func ParseSafetensors(data []byte) (*StateDict, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("safetensors: file too short")
	}

	n := binary.LittleEndian.Uint64(data[:8])
	if n > safetensorsMaxHead || 8+n > uint64(len(data)) {
		return nil, fmt.Errorf("safetensors: invalid header length %d", n)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+n], &header); err != nil {
		return nil, fmt.Errorf("safetensors: header: %w", err)
	}

	type entry struct {
		name string
		info safetensorInfo
	}

	var entries []entry
	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}
		var info safetensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("safetensors: %s: %w", name, err)
		}
		entries = append(entries, entry{name, info})
	}

	// Datei-Reihenfolge wiederherstellen
	slices.SortFunc(entries, func(a, b entry) int {
		return cmp.Compare(a.info.DataOffsets[0], b.info.DataOffsets[0])
	})

	body := data[8+n:]
	sd := NewStateDict()
	for _, e := range entries {
		begin, end := e.info.DataOffsets[0], e.info.DataOffsets[1]
		if begin < 0 || end < begin || end > int64(len(body)) {
			return nil, fmt.Errorf("safetensors: %s: offsets %v out of range", e.name, e.info.DataOffsets)
		}

		if !isFloatDType(e.info.DType) {
			slog.Debug("skipping non-float tensor", "name", e.name, "dtype", e.info.DType)
			continue
		}

		t := &Tensor{Name: e.name, Shape: e.info.Shape}
		values, err := decodeSafetensor(e.info.DType, body[begin:end])
		if err != nil {
			return nil, fmt.Errorf("safetensors: %s: %w", e.name, err)
		}
		if len(values) != t.NumElements() {
			return nil, fmt.Errorf("safetensors: %s: %d values for shape %v", e.name, len(values), t.Shape)
		}
		t.Data = values
		sd.Set(t)
	}

	return sd, nil
}

func isFloatDType(dtype string) bool {
	switch dtype {
	case "F32", "F16", "BF16", "F64":
		return true
	default:
		return false
	}
}

func decodeSafetensor(dtype string, raw []byte) ([]float32, error) {
	switch dtype {
	case "F32":
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("F32 data length %d", len(raw))
		}
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return out, nil
	case "F16":
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("F16 data length %d", len(raw))
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
		return out, nil
	case "BF16":
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("BF16 data length %d", len(raw))
		}
		return bfloat16.DecodeFloat32(raw), nil
	case "F64":
		if len(raw)%8 != 0 {
			return nil, fmt.Errorf("F64 data length %d", len(raw))
		}
		out := make([]float32, len(raw)/8)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:])))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
}
