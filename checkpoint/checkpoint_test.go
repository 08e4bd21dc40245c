package checkpoint

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

type stTensor struct {
	name  string
	dtype string
	shape []int
	data  []float32
}

// buildSafetensors kodiert Tensoren im safetensors Format
func buildSafetensors(t *testing.T, tensors []stTensor, extraHeader map[string]any) []byte {
	t.Helper()

	header := map[string]any{"__metadata__": map[string]string{"format": "pt"}}
	for k, v := range extraHeader {
		header[k] = v
	}

	var body []byte
	for _, st := range tensors {
		var raw []byte
		switch st.dtype {
		case "F32":
			raw = make([]byte, 4*len(st.data))
			for i, v := range st.data {
				binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
			}
		case "F16":
			raw = make([]byte, 2*len(st.data))
			for i, v := range st.data {
				binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
			}
		case "BF16":
			raw = bfloat16.EncodeFloat32(st.data)
		default:
			t.Fatalf("dtype %s nicht unterstuetzt", st.dtype)
		}
		header[st.name] = map[string]any{
			"dtype":        st.dtype,
			"shape":        st.shape,
			"data_offsets": []int{len(body), len(body) + len(raw)},
		}
		body = append(body, raw...)
	}

	head, err := json.Marshal(header)
	require.NoError(t, err)

	out := binary.LittleEndian.AppendUint64(nil, uint64(len(head)))
	out = append(out, head...)
	return append(out, body...)
}

func TestParseSafetensors(t *testing.T) {
	data := buildSafetensors(t, []stTensor{
		{"conv_first.weight", "F32", []int{2, 1}, []float32{1.5, -2}},
		{"conv_first.bias", "F16", []int{2}, []float32{0.5, 0.25}},
		{"conv_last.weight", "BF16", []int{1}, []float32{3}},
	}, nil)

	sd, err := ParseSafetensors(data)
	require.NoError(t, err)

	assert.Equal(t, []string{"conv_first.weight", "conv_first.bias", "conv_last.weight"}, sd.Keys())
	assert.EqualValues(t, 5, sd.NumParams())

	w, ok := sd.Get("conv_first.weight")
	require.True(t, ok)
	assert.Equal(t, []int{2, 1}, w.Shape)
	assert.Equal(t, []float32{1.5, -2}, w.Data)

	b, _ := sd.Get("conv_first.bias")
	assert.Equal(t, []float32{0.5, 0.25}, b.Data)

	last, _ := sd.Get("conv_last.weight")
	assert.Equal(t, []float32{3}, last.Data)
}

func TestParseSafetensorsSkipsIntegers(t *testing.T) {
	data := buildSafetensors(t, []stTensor{
		{"w", "F32", []int{1}, []float32{1}},
	}, map[string]any{
		"bn.num_batches_tracked": map[string]any{"dtype": "I64", "shape": []int{}, "data_offsets": []int{4, 4}},
	})

	sd, err := ParseSafetensors(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"w"}, sd.Keys())
}

func TestParseSafetensorsInvalid(t *testing.T) {
	_, err := ParseSafetensors([]byte{1, 2, 3})
	assert.Error(t, err)

	bad := binary.LittleEndian.AppendUint64(nil, 1000)
	bad = append(bad, '{', '}')
	_, err = ParseSafetensors(bad)
	assert.Error(t, err)

	outOfRange := buildSafetensors(t, nil, map[string]any{
		"w": map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int{0, 16}},
	})
	_, err = ParseSafetensors(outOfRange)
	assert.Error(t, err)
}

func TestDetectFormat(t *testing.T) {
	st := binary.LittleEndian.AppendUint64(nil, 20)
	st = append(st, '{', '"')

	cases := map[string]struct {
		head []byte
		want Format
	}{
		"zip":         {[]byte("PK\x03\x04rest"), FormatTorchZip},
		"pickle":      {[]byte{0x80, 0x02, 0x8a, 0x0a}, FormatTorchLegacy},
		"safetensors": {st, FormatSafetensors},
		"unknown":     {[]byte("GGUF\x03\x00\x00\x00\x00"), FormatUnknown},
		"empty":       {nil, FormatUnknown},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFormat(tt.head))
		})
	}
}

func TestLoadStripsModulePrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	data := buildSafetensors(t, []stTensor{
		{"module.conv_first.weight", "F32", []int{1}, []float32{1}},
	}, nil)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	sd, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, FormatSafetensors, sd.Format)
	assert.Equal(t, []string{"conv_first.weight"}, sd.Keys())
}

// testdata/ema.pth ist ein torch.save Zip-Archiv: params_ema Wrapper,
// DataParallel-Praefix, Storage-Offset, Half- und Long-Storage
func TestLoadTorchZip(t *testing.T) {
	sd, err := Load(filepath.Join("testdata", "ema.pth"))
	require.NoError(t, err)

	assert.Equal(t, FormatTorchZip, sd.Format)
	assert.Equal(t, []string{"body.0.weight", "body.0.bias", "body.1.weight"}, sd.Keys())

	w, ok := sd.Get("body.0.weight")
	require.True(t, ok)
	assert.Equal(t, []int{2, 3, 1, 1}, w.Shape)
	assert.Equal(t, []float32{0, 0.5, 1, 1.5, 2, 2.5}, w.Data)

	b, ok := sd.Get("body.0.bias")
	require.True(t, ok)
	assert.Equal(t, []int{2}, b.Shape)
	assert.Equal(t, []float32{1.5, -2.5}, b.Data, "Offset 1 im Storage erwartet")

	a, ok := sd.Get("body.1.weight")
	require.True(t, ok)
	assert.Equal(t, []float32{0.25, -0.5}, a.Data)

	assert.Equal(t, int64(6+2+2), sd.NumParams())
}

func TestLoadUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(path, []byte("kein checkpoint"), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestFromPickleUnwrapsParamsEMA(t *testing.T) {
	inner := types.NewDict()
	inner.Set("conv_first.weight", &pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: []float32{0, 1, 2, 3, 4, 5}},
		Size:   []int{2, 2},
		Stride: []int{2, 1},
		// Offset 2: Tensor beginnt mitten im Storage
		StorageOffset: 2,
	})
	inner.Set("bn.num_batches_tracked", &pytorch.Tensor{
		Source: &pytorch.LongStorage{Data: []int64{7}},
		Size:   []int{},
	})

	params := types.NewDict()
	params.Set("conv_first.weight", &pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: []float32{9}},
		Size:   []int{1},
	})

	top := types.NewDict()
	top.Set("params", params)
	top.Set("params_ema", inner)

	sd, err := fromPickle(top)
	require.NoError(t, err)

	assert.Equal(t, []string{"conv_first.weight"}, sd.Keys())
	w, _ := sd.Get("conv_first.weight")
	assert.Equal(t, []float32{2, 3, 4, 5}, w.Data)
	assert.Equal(t, []int{2, 2}, w.Shape)
}

func TestFromPickleRejectsNonDict(t *testing.T) {
	_, err := fromPickle([]any{1, 2})
	assert.Error(t, err)
}

func TestFromPickleNonContiguous(t *testing.T) {
	d := types.NewDict()
	d.Set("w", &pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: []float32{0, 1, 2, 3}},
		Size:   []int{2, 2},
		Stride: []int{1, 2},
	})

	_, err := fromPickle(d)
	assert.Error(t, err)
}

func TestIsContiguous(t *testing.T) {
	assert.True(t, isContiguous([]int{2, 3}, nil))
	assert.True(t, isContiguous([]int{2, 3}, []int{3, 1}))
	assert.True(t, isContiguous([]int{1, 3}, []int{99, 1}))
	assert.False(t, isContiguous([]int{2, 3}, []int{1, 2}))
	assert.False(t, isContiguous([]int{2, 3}, []int{3}))
}

func TestRenameDrops(t *testing.T) {
	sd := NewStateDict()
	sd.Set(&Tensor{Name: "a", Shape: []int{1}, Data: []float32{1}})
	sd.Set(&Tensor{Name: "b", Shape: []int{1}, Data: []float32{2}})

	out := sd.Rename(func(s string) string {
		if s == "a" {
			return ""
		}
		return "x." + s
	})

	assert.Equal(t, []string{"x.b"}, out.Keys())
	_, ok := sd.Get("b")
	assert.True(t, ok, "Original darf nicht veraendert werden")
}
