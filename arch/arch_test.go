package arch

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ultrasharp/ultrasharp/checkpoint"
)

// ============================================================================
// Test-Helfer
// ============================================================================

func addTensor(sd *checkpoint.StateDict, name string, shape ...int) {
	t := &checkpoint.Tensor{Name: name, Shape: shape}
	t.Data = make([]float32, t.NumElements())
	sd.Set(t)
}

func addConv(sd *checkpoint.StateDict, prefix string, out, in int) {
	addTensor(sd, prefix+".weight", out, in, 3, 3)
	addTensor(sd, prefix+".bias", out)
}

// newLayoutESRGAN erzeugt ein RRDBNet State-Dict im basicsr-Layout
func newLayoutESRGAN(nb, nf, gc, ups int) *checkpoint.StateDict {
	sd := checkpoint.NewStateDict()
	addConv(sd, "conv_first", nf, 3)
	for i := range nb {
		for k := 1; k <= 3; k++ {
			for j := 1; j <= 5; j++ {
				out := gc
				if j == 5 {
					out = nf
				}
				addConv(sd, fmt.Sprintf("body.%d.rdb%d.conv%d", i, k, j), out, nf+(j-1)*gc)
			}
		}
	}
	addConv(sd, "conv_body", nf, nf)
	for u := 1; u <= ups; u++ {
		addConv(sd, fmt.Sprintf("conv_up%d", u), nf, nf)
	}
	addConv(sd, "conv_hr", nf, nf)
	addConv(sd, "conv_last", 3, nf)
	return sd
}

// oldLayoutESRGAN erzeugt ein 4x State-Dict im alten ESRGAN-Layout
func oldLayoutESRGAN(nb, nf, gc int) *checkpoint.StateDict {
	sd := checkpoint.NewStateDict()
	addConv(sd, "model.0", nf, 3)
	for i := range nb {
		for k := 1; k <= 3; k++ {
			for j := 1; j <= 5; j++ {
				out := gc
				if j == 5 {
					out = nf
				}
				addConv(sd, fmt.Sprintf("model.1.sub.%d.RDB%d.conv%d.0", i, k, j), out, nf+(j-1)*gc)
			}
		}
	}
	addConv(sd, fmt.Sprintf("model.1.sub.%d", nb), nf, nf)
	addConv(sd, "model.3", nf, nf)
	addConv(sd, "model.6", nf, nf)
	addConv(sd, "model.8", nf, nf)
	addConv(sd, "model.10", 3, nf)
	return sd
}

func compactDict(nf, nconv, scale int, prelu bool) *checkpoint.StateDict {
	sd := checkpoint.NewStateDict()
	idx := 0
	addConv(sd, "body.0", nf, 3)
	for c := 0; c <= nconv; c++ {
		idx++
		if prelu {
			addTensor(sd, fmt.Sprintf("body.%d.weight", idx), nf)
		}
		idx++
		out := nf
		if c == nconv {
			out = 3 * scale * scale
		}
		addConv(sd, fmt.Sprintf("body.%d", idx), out, nf)
	}
	return sd
}

// shapeTracer zeichnet Operationen auf und rechnet Shapes mit
type shapeTracer struct {
	sd  *checkpoint.StateDict
	ops map[string]int
}

func newShapeTracer(sd *checkpoint.StateDict) *shapeTracer {
	return &shapeTracer{sd: sd, ops: make(map[string]int)}
}

func (s *shapeTracer) Conv(scope string, x Value, weight, bias string, stride, pad int) (Value, error) {
	s.ops["Conv"]++
	w, ok := s.sd.Get(weight)
	if !ok {
		return Value{}, fmt.Errorf("%s: missing %s", scope, weight)
	}
	if int64(w.Shape[1]) != x.Shape[1] {
		return Value{}, fmt.Errorf("%s: weight in %d != %d", scope, w.Shape[1], x.Shape[1])
	}
	return Value{Name: scope, Shape: []int64{x.Shape[0], int64(w.Shape[0]), x.Shape[2], x.Shape[3]}}, nil
}

func (s *shapeTracer) LeakyRelu(scope string, x Value, _ float32) (Value, error) {
	s.ops["LeakyRelu"]++
	return Value{Name: scope, Shape: x.Shape}, nil
}

func (s *shapeTracer) PRelu(scope string, x Value, _ string) (Value, error) {
	s.ops["PRelu"]++
	return Value{Name: scope, Shape: x.Shape}, nil
}

func (s *shapeTracer) Add(scope string, a, b Value) (Value, error) {
	s.ops["Add"]++
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return Value{}, fmt.Errorf("%s: %v + %v", scope, a.Shape, b.Shape)
		}
	}
	return Value{Name: scope, Shape: a.Shape}, nil
}

func (s *shapeTracer) MulScalar(scope string, x Value, _ float32) (Value, error) {
	s.ops["Mul"]++
	return Value{Name: scope, Shape: x.Shape}, nil
}

func (s *shapeTracer) Concat(scope string, axis int, xs ...Value) (Value, error) {
	s.ops["Concat"]++
	shape := append([]int64(nil), xs[0].Shape...)
	for _, x := range xs[1:] {
		shape[axis] += x.Shape[axis]
	}
	return Value{Name: scope, Shape: shape}, nil
}

func (s *shapeTracer) UpsampleNearest(scope string, x Value, f int) (Value, error) {
	s.ops["Resize"]++
	return Value{Name: scope, Shape: []int64{x.Shape[0], x.Shape[1], x.Shape[2] * int64(f), x.Shape[3] * int64(f)}}, nil
}

func (s *shapeTracer) PixelShuffle(scope string, x Value, f int) (Value, error) {
	s.ops["DepthToSpace"]++
	r := int64(f)
	return Value{Name: scope, Shape: []int64{x.Shape[0], x.Shape[1] / (r * r), x.Shape[2] * r, x.Shape[3] * r}}, nil
}

var sampleInput = Value{Name: "input", Shape: []int64{1, 3, 16, 16}}

// ============================================================================
// Tests
// ============================================================================

func TestDetectESRGANNewLayout(t *testing.T) {
	m, err := Detect(newLayoutESRGAN(2, 8, 4, 2))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	if m.Name() != "ESRGAN" {
		t.Errorf("Name() = %s, erwartet ESRGAN", m.Name())
	}
	if m.Scale() != 4 || m.InChannels() != 3 || m.OutChannels() != 3 {
		t.Errorf("scale/in/out = %d/%d/%d, erwartet 4/3/3", m.Scale(), m.InChannels(), m.OutChannels())
	}

	want := "scale=4, in_nc=3, out_nc=3, num_feat=8, num_block=2, num_grow_ch=4"
	if got := strings.Join(m.Hyperparameters(), ", "); got != want {
		t.Errorf("Hyperparameters() = %q, erwartet %q", got, want)
	}
}

func TestDetectESRGANOldLayout(t *testing.T) {
	m, err := Detect(oldLayoutESRGAN(1, 8, 4))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	sd := m.StateDict()
	for _, name := range []string{
		"conv_first.weight", "body.0.rdb3.conv5.bias", "conv_body.weight",
		"conv_up1.weight", "conv_up2.weight", "conv_hr.weight", "conv_last.bias",
	} {
		if _, ok := sd.Get(name); !ok {
			t.Errorf("umbenannter Schluessel %s fehlt", name)
		}
	}
	if m.Scale() != 4 {
		t.Errorf("Scale() = %d, erwartet 4", m.Scale())
	}
}

func TestDetectESRGANTrunkLayout(t *testing.T) {
	sd := newLayoutESRGAN(1, 8, 4, 2).Rename(func(k string) string {
		switch {
		case strings.HasPrefix(k, "conv_body."):
			return "trunk_conv." + strings.TrimPrefix(k, "conv_body.")
		case strings.HasPrefix(k, "body."):
			return strings.Replace("RRDB_trunk."+strings.TrimPrefix(k, "body."), ".rdb", ".RDB", 1)
		case strings.HasPrefix(k, "conv_up"):
			return "upconv" + strings.TrimPrefix(k, "conv_up")
		case strings.HasPrefix(k, "conv_hr."):
			return "HRconv." + strings.TrimPrefix(k, "conv_hr.")
		}
		return k
	})

	m, err := Detect(sd)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if m.Name() != "ESRGAN" || m.Scale() != 4 {
		t.Errorf("Detect() = %s x%d", m.Name(), m.Scale())
	}
}

func TestESRGANTrace(t *testing.T) {
	m, err := Detect(newLayoutESRGAN(2, 8, 4, 2))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	tracer := newShapeTracer(m.StateDict())
	out, err := m.Trace(tracer, sampleInput)
	if err != nil {
		t.Fatalf("Trace() error = %v", err)
	}

	want := []int64{1, 3, 64, 64}
	for i := range want {
		if out.Shape[i] != want[i] {
			t.Fatalf("Output-Shape = %v, erwartet %v", out.Shape, want)
		}
	}

	// 1 + 2*3*5 + conv_body + 2 up + hr + last
	if tracer.ops["Conv"] != 1+30+1+2+2 {
		t.Errorf("Conv = %d, erwartet 36", tracer.ops["Conv"])
	}
	if tracer.ops["Concat"] != 2*3*4 {
		t.Errorf("Concat = %d, erwartet 24", tracer.ops["Concat"])
	}
	if tracer.ops["Resize"] != 2 {
		t.Errorf("Resize = %d, erwartet 2", tracer.ops["Resize"])
	}
	// RDB-Residuals + RRDB-Residuals + Haupt-Skip
	if tracer.ops["Add"] != 2*3+2+1 {
		t.Errorf("Add = %d, erwartet 9", tracer.ops["Add"])
	}
}

func TestESRGANMissingTensor(t *testing.T) {
	sd := newLayoutESRGAN(1, 8, 4, 2).Rename(func(k string) string {
		if k == "body.0.rdb2.conv3.weight" {
			return ""
		}
		return k
	})

	if _, err := Build("esrgan", sd); err == nil {
		t.Error("Erwartet Fehler bei fehlendem Tensor")
	}
}

func TestESRGANPixelUnshuffleRejected(t *testing.T) {
	sd := newLayoutESRGAN(1, 8, 4, 2)
	addConv(sd, "conv_first", 8, 12)

	if _, err := Build("esrgan", sd); err == nil {
		t.Error("Erwartet Fehler fuer Pixel-Unshuffle Variante")
	}
}

func TestDetectCompact(t *testing.T) {
	m, err := Detect(compactDict(8, 3, 4, true))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	if m.Name() != "SRVGGNetCompact" || m.Scale() != 4 {
		t.Errorf("Detect() = %s x%d, erwartet SRVGGNetCompact x4", m.Name(), m.Scale())
	}

	want := "scale=4, num_in_ch=3, num_out_ch=3, num_feat=8, num_conv=3, act_type=prelu"
	if got := strings.Join(m.Hyperparameters(), ", "); got != want {
		t.Errorf("Hyperparameters() = %q, erwartet %q", got, want)
	}
}

func TestCompactTrace(t *testing.T) {
	for _, prelu := range []bool{true, false} {
		t.Run(fmt.Sprintf("prelu=%v", prelu), func(t *testing.T) {
			m, err := Detect(compactDict(8, 2, 2, prelu))
			if err != nil {
				t.Fatalf("Detect() error = %v", err)
			}

			tracer := newShapeTracer(m.StateDict())
			out, err := m.Trace(tracer, sampleInput)
			if err != nil {
				t.Fatalf("Trace() error = %v", err)
			}

			if out.Shape[1] != 3 || out.Shape[2] != 32 || out.Shape[3] != 32 {
				t.Errorf("Output-Shape = %v, erwartet [1 3 32 32]", out.Shape)
			}
			if tracer.ops["Conv"] != 4 {
				t.Errorf("Conv = %d, erwartet 4", tracer.ops["Conv"])
			}

			acts := tracer.ops["PRelu"] + tracer.ops["LeakyRelu"]
			if acts != 3 {
				t.Errorf("Aktivierungen = %d, erwartet 3", acts)
			}
			if prelu && tracer.ops["PRelu"] != 3 {
				t.Errorf("PRelu = %d, erwartet 3", tracer.ops["PRelu"])
			}
		})
	}
}

func TestCompactBadScale(t *testing.T) {
	sd := checkpoint.NewStateDict()
	addConv(sd, "body.0", 8, 3)
	addConv(sd, "body.2", 10, 8)

	if _, err := Build("compact", sd); err == nil {
		t.Error("Erwartet Fehler bei nicht ableitbarer Skalierung")
	}
}

func TestDetectUnknown(t *testing.T) {
	sd := checkpoint.NewStateDict()
	addTensor(sd, "encoder.layers.0.weight", 4, 4)

	_, err := Detect(sd)
	if !errors.Is(err, ErrUnknownArchitecture) {
		t.Errorf("Detect() error = %v, erwartet ErrUnknownArchitecture", err)
	}

	_, err = Build("swinir", sd)
	if !errors.Is(err, ErrUnknownArchitecture) {
		t.Errorf("Build() error = %v, erwartet ErrUnknownArchitecture", err)
	}
}

func TestWriteSummary(t *testing.T) {
	m, err := Detect(compactDict(4, 1, 2, true))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	var buf bytes.Buffer
	WriteSummary(&buf, m)
	out := buf.String()

	for _, want := range []string{"SRVGGNetCompact(scale=2", "body.0", "Conv2d", "PReLU", "(4, 3, 3, 3)", "total params:"} {
		if !strings.Contains(out, want) {
			t.Errorf("Summary enthaelt %q nicht:\n%s", want, out)
		}
	}
}
