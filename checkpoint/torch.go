// MODUL: checkpoint/torch
// ZWECK: Liest PyTorch Checkpoints (.pth, zip und legacy pickle)
// INPUT: Dateipfad
// OUTPUT: *StateDict
// NEBENEFFEKTE: Dateisystem-Lesezugriff
// ABHAENGIGKEITEN: github.com/nlpodyssey/gopickle (pytorch, types)
// HINWEISE: Wrapper wie {"params_ema": {...}} werden entpackt,
//           nicht-float Tensoren (num_batches_tracked) uebersprungen

package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// wrapperKeys in Prioritaetsreihenfolge (EMA-Gewichte zuerst)
var wrapperKeys = []string{"params_ema", "params", "state_dict", "model"}

var errNotFloat = errors.New("not a float tensor")

// LoadTorch laedt einen PyTorch Checkpoint
func LoadTorch(path string) (*StateDict, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("torch load %s: %w", path, err)
	}
	return fromPickle(obj)
}

type dictEntry struct {
	key   string
	value any
}

// dictEntries liest Dict oder OrderedDict in Reihenfolge aus
func dictEntries(obj any) ([]dictEntry, bool) {
	var out []dictEntry
	switch d := obj.(type) {
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			entry, ok := e.Value.(*types.OrderedDictEntry)
			if !ok {
				continue
			}
			if key, ok := entry.Key.(string); ok {
				out = append(out, dictEntry{key, entry.Value})
			}
		}
	case *types.Dict:
		for _, k := range d.Keys() {
			if key, ok := k.(string); ok {
				out = append(out, dictEntry{key, d.MustGet(k)})
			}
		}
	default:
		return nil, false
	}
	return out, true
}

// fromPickle wandelt das entpickelte Objekt in ein State-Dict
func fromPickle(obj any) (*StateDict, error) {
	entries, ok := dictEntries(obj)
	if !ok {
		return nil, fmt.Errorf("torch: unexpected top-level object %T", obj)
	}

	for _, w := range wrapperKeys {
		for _, e := range entries {
			if e.key != w {
				continue
			}
			if _, ok := dictEntries(e.value); ok {
				slog.Debug("unwrapping checkpoint", "key", w)
				return fromPickle(e.value)
			}
		}
	}

	sd := NewStateDict()
	for _, e := range entries {
		pt, ok := e.value.(*pytorch.Tensor)
		if !ok {
			slog.Debug("skipping non-tensor entry", "name", e.key, "type", fmt.Sprintf("%T", e.value))
			continue
		}

		data, err := tensorData(pt)
		if errors.Is(err, errNotFloat) {
			slog.Debug("skipping non-float tensor", "name", e.key, "storage", fmt.Sprintf("%T", pt.Source))
			continue
		} else if err != nil {
			return nil, fmt.Errorf("torch: %s: %w", e.key, err)
		}

		sd.Set(&Tensor{Name: e.key, Shape: append([]int(nil), pt.Size...), Data: data})
	}

	if sd.Len() == 0 {
		return nil, errors.New("torch: checkpoint contains no float tensors")
	}
	return sd, nil
}

// tensorData liefert die Daten eines zusammenhaengenden Tensors
func tensorData(t *pytorch.Tensor) ([]float32, error) {
	var storage []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		storage = s.Data
	case *pytorch.HalfStorage:
		storage = s.Data
	case *pytorch.BFloat16Storage:
		storage = s.Data
	case *pytorch.DoubleStorage:
		storage = make([]float32, len(s.Data))
		for i, v := range s.Data {
			storage[i] = float32(v)
		}
	default:
		return nil, errNotFloat
	}

	if !isContiguous(t.Size, t.Stride) {
		return nil, fmt.Errorf("non-contiguous tensor (size %v, stride %v)", t.Size, t.Stride)
	}

	n := 1
	for _, d := range t.Size {
		n *= d
	}
	if t.StorageOffset < 0 || t.StorageOffset+n > len(storage) {
		return nil, fmt.Errorf("storage too small: offset %d + %d > %d", t.StorageOffset, n, len(storage))
	}
	return storage[t.StorageOffset : t.StorageOffset+n : t.StorageOffset+n], nil
}

// isContiguous prueft auf Row-Major Strides (Achsen der Laenge 1 sind egal)
func isContiguous(size, stride []int) bool {
	if stride == nil {
		return true
	}
	if len(size) != len(stride) {
		return false
	}
	expected := 1
	for i := len(size) - 1; i >= 0; i-- {
		if size[i] != 1 && stride[i] != expected {
			return false
		}
		expected *= size[i]
	}
	return true
}
