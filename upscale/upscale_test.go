package upscale

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// ============================================================================
// Test-Helfer
// ============================================================================

func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(40 * x), G: uint8(60 * y), B: 200, A: 255})
		}
	}
	return img
}

// nearestRunner skaliert NCHW Tensoren per Nearest-Neighbor
type nearestRunner struct {
	scaleX, scaleY int
	provider       string
	destroyed      bool
	err            error
}

func (r *nearestRunner) Run(input []float32, shape []int64) ([]float32, []int64, error) {
	if r.err != nil {
		return nil, nil, r.err
	}
	c, h, w := int(shape[1]), int(shape[2]), int(shape[3])
	oh, ow := h*r.scaleY, w*r.scaleX

	out := make([]float32, c*oh*ow)
	for ch := range c {
		for y := range oh {
			for x := range ow {
				out[ch*oh*ow+y*ow+x] = input[ch*h*w+(y/r.scaleY)*w+x/r.scaleX]
			}
		}
	}
	return out, []int64{1, int64(c), int64(oh), int64(ow)}, nil
}

func (r *nearestRunner) Provider() string {
	if r.provider == "" {
		return "test"
	}
	return r.provider
}

func (r *nearestRunner) Destroy()         { r.destroyed = true }

// ============================================================================
// Formate
// ============================================================================

func TestDetectFormat(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want ImageFormat
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, FormatJPEG},
		{"png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A}, FormatPNG},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), FormatWebP},
		{"riff ohne webp", []byte("RIFF\x00\x00\x00\x00WAVEfmt "), FormatUnknown},
		{"tiff le", []byte{'I', 'I', 0x2A, 0x00, 0x08}, FormatTIFF},
		{"tiff be", []byte{'M', 'M', 0x00, 0x2A, 0x00}, FormatTIFF},
		{"bmp", append([]byte("BM"), make([]byte, 30)...), FormatBMP},
		{"zu kurz", []byte{0xFF}, FormatUnknown},
		{"text", []byte("hello world"), FormatUnknown},
	}

	for _, tc := range cases {
		if got := DetectFormat(tc.data); got != tc.want {
			t.Errorf("%s: erwartet %s, bekommen %s", tc.name, tc.want, got)
		}
	}
}

func TestDecodeImage(t *testing.T) {
	src := testImage(4, 3)

	encoders := map[ImageFormat]func(*bytes.Buffer) error{
		FormatPNG:  func(b *bytes.Buffer) error { return png.Encode(b, src) },
		FormatJPEG: func(b *bytes.Buffer) error { return jpeg.Encode(b, src, nil) },
		FormatBMP:  func(b *bytes.Buffer) error { return bmp.Encode(b, src) },
		FormatTIFF: func(b *bytes.Buffer) error { return tiff.Encode(b, src, nil) },
	}

	for format, encode := range encoders {
		var buf bytes.Buffer
		if err := encode(&buf); err != nil {
			t.Fatalf("%s: kodieren fehlgeschlagen: %v", format, err)
		}

		img, got, err := DecodeImage(buf.Bytes())
		if err != nil {
			t.Fatalf("%s: dekodieren fehlgeschlagen: %v", format, err)
		}
		if got != format {
			t.Errorf("Format: erwartet %s, bekommen %s", format, got)
		}
		if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 3 {
			t.Errorf("%s: erwartet 4x3, bekommen %v", format, img.Bounds())
		}
	}
}

func TestDecodeImageUnknown(t *testing.T) {
	_, _, err := DecodeImage([]byte("not an image at all"))
	if !errors.Is(err, ErrUnknownImageFormat) {
		t.Errorf("erwartet ErrUnknownImageFormat, bekommen %v", err)
	}
}

func TestToNRGBAMovesOrigin(t *testing.T) {
	src := image.NewRGBA(image.Rect(5, 5, 7, 8))
	src.Set(5, 5, color.RGBA{R: 255, A: 255})

	img := toNRGBA(src)
	if img.Bounds().Min != (image.Point{}) {
		t.Errorf("Ursprung: erwartet 0,0, bekommen %v", img.Bounds().Min)
	}
	if got := img.NRGBAAt(0, 0); got.R != 255 {
		t.Errorf("Pixel 0,0: erwartet rot, bekommen %v", got)
	}
}

// ============================================================================
// Tensoren
// ============================================================================

func TestPreprocess(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, G: 0, B: 51, A: 10})
	img.SetNRGBA(1, 0, color.NRGBA{R: 0, G: 102, B: 255, A: 255})

	data, shape := Preprocess(img)

	if !slices.Equal(shape, []int64{1, 3, 1, 2}) {
		t.Fatalf("Shape: erwartet [1 3 1 2], bekommen %v", shape)
	}
	want := []float32{1, 0, 0, 0.4, 0.2, 1}
	if !slices.Equal(data, want) {
		t.Errorf("Daten: erwartet %v, bekommen %v", want, data)
	}
}

func TestPostprocessClamps(t *testing.T) {
	data := []float32{
		-0.5, 1.5, // R
		0.5, 0, // G
		1, 0.2, // B
	}

	img, err := Postprocess(data, []int64{1, 3, 1, 2})
	if err != nil {
		t.Fatalf("Postprocess fehlgeschlagen: %v", err)
	}

	if got, want := img.NRGBAAt(0, 0), (color.NRGBA{R: 0, G: 128, B: 255, A: 255}); got != want {
		t.Errorf("Pixel 0: erwartet %v, bekommen %v", want, got)
	}
	if got, want := img.NRGBAAt(1, 0), (color.NRGBA{R: 255, G: 0, B: 51, A: 255}); got != want {
		t.Errorf("Pixel 1: erwartet %v, bekommen %v", want, got)
	}
}

func TestPostprocessRejectsBadShape(t *testing.T) {
	for _, shape := range [][]int64{{3, 2, 2}, {1, 1, 2, 2}, {2, 3, 2, 2}, {1, 3, 4, 4}} {
		if _, err := Postprocess(make([]float32, 12), shape); err == nil {
			t.Errorf("Shape %v: Fehler erwartet", shape)
		}
	}
}

func TestPreprocessPostprocessRoundTrip(t *testing.T) {
	src := testImage(5, 4)
	data, shape := Preprocess(src)

	out, err := Postprocess(data, shape)
	if err != nil {
		t.Fatalf("Postprocess fehlgeschlagen: %v", err)
	}
	if !bytes.Equal(src.Pix, out.Pix) {
		t.Error("Round Trip veraendert Pixel")
	}
}

// ============================================================================
// Upscale
// ============================================================================

func TestUpscaleImage(t *testing.T) {
	src := testImage(3, 2)
	out, err := UpscaleImage(&nearestRunner{scaleX: 2, scaleY: 2}, src)
	if err != nil {
		t.Fatalf("UpscaleImage fehlgeschlagen: %v", err)
	}

	if out.Bounds().Dx() != 6 || out.Bounds().Dy() != 4 {
		t.Fatalf("erwartet 6x4, bekommen %v", out.Bounds())
	}
	for y := range 4 {
		for x := range 6 {
			if got, want := out.NRGBAAt(x, y), src.NRGBAAt(x/2, y/2); got != want {
				t.Fatalf("Pixel %d,%d: erwartet %v, bekommen %v", x, y, want, got)
			}
		}
	}
}

func TestUpscaleImageRunnerError(t *testing.T) {
	boom := errors.New("boom")
	if _, err := UpscaleImage(&nearestRunner{err: boom}, testImage(2, 2)); !errors.Is(err, boom) {
		t.Errorf("erwartet Runner-Fehler, bekommen %v", err)
	}
}

func TestUpscale(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.png")
	out := filepath.Join(dir, "out.png")

	var buf bytes.Buffer
	if err := png.Encode(&buf, testImage(4, 4)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(in, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	runner := &nearestRunner{scaleX: 4, scaleY: 4}
	orig := openRunner
	t.Cleanup(func() { openRunner = orig })
	var gotOpts SessionOptions
	openRunner = func(model string, opts SessionOptions) (Runner, error) {
		gotOpts = opts
		return runner, nil
	}

	res, err := Upscale(context.Background(), Options{
		Model:          "model.onnx",
		Input:          in,
		Output:         out,
		SessionOptions: SessionOptions{Provider: "cpu", NumThreads: 2},
	})
	if err != nil {
		t.Fatalf("Upscale fehlgeschlagen: %v", err)
	}

	if gotOpts.Provider != "cpu" || gotOpts.NumThreads != 2 {
		t.Errorf("SessionOptions nicht durchgereicht: %+v", gotOpts)
	}
	if !runner.destroyed {
		t.Error("Runner wurde nicht freigegeben")
	}
	if res.OutputSize != (image.Point{X: 16, Y: 16}) || res.ScaleX != 4 || res.ScaleY != 4 {
		t.Errorf("unerwartetes Ergebnis: %+v", res)
	}
	if res.InputFormat != FormatPNG || res.Provider != "test" {
		t.Errorf("unerwartetes Ergebnis: %+v", res)
	}

	img, format, err := LoadImage(out)
	if err != nil {
		t.Fatalf("Ausgabe laden fehlgeschlagen: %v", err)
	}
	if format != FormatPNG || img.Bounds().Dx() != 16 {
		t.Errorf("Ausgabe: erwartet 16px PNG, bekommen %s %v", format, img.Bounds())
	}
}

// writeTestPNG legt ein 4x4 PNG an und gibt Ein- und Ausgabepfad zurueck
func writeTestPNG(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := png.Encode(&buf, testImage(4, 4)); err != nil {
		t.Fatal(err)
	}
	in := filepath.Join(dir, "in.png")
	if err := os.WriteFile(in, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return in, filepath.Join(dir, "out.png")
}

func TestUpscaleRunFallsBackToCPU(t *testing.T) {
	in, out := writeTestPNG(t)
	oom := errors.New("CUDA out of memory")

	runners := map[string]*nearestRunner{
		"cuda": {scaleX: 2, scaleY: 2, provider: "cuda", err: oom},
		"cpu":  {scaleX: 2, scaleY: 2, provider: "cpu"},
	}
	orig := openRunner
	t.Cleanup(func() { openRunner = orig })
	var opened []string
	openRunner = func(model string, opts SessionOptions) (Runner, error) {
		opened = append(opened, opts.Provider)
		return runners[opts.Provider], nil
	}

	res, err := Upscale(context.Background(), Options{
		Model:          "model.onnx",
		Input:          in,
		Output:         out,
		SessionOptions: SessionOptions{Provider: "cuda"},
	})
	if err != nil {
		t.Fatalf("Fallback auf cpu erwartet, bekommen %v", err)
	}
	if !slices.Equal(opened, []string{"cuda", "cpu"}) {
		t.Errorf("erwartet cuda dann cpu, bekommen %v", opened)
	}
	if !runners["cuda"].destroyed || !runners["cpu"].destroyed {
		t.Error("beide Runner muessen freigegeben werden")
	}
	if res.Provider != "cpu" || res.OutputSize != (image.Point{X: 8, Y: 8}) {
		t.Errorf("unerwartetes Ergebnis: %+v", res)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("Ausgabe fehlt: %v", err)
	}
}

func TestUpscaleAllProvidersFail(t *testing.T) {
	in, out := writeTestPNG(t)
	boom := errors.New("kernel failed")

	orig := openRunner
	t.Cleanup(func() { openRunner = orig })
	openRunner = func(model string, opts SessionOptions) (Runner, error) {
		p := opts.Provider
		if p == "" {
			p = "cuda"
		}
		return &nearestRunner{provider: p, err: boom}, nil
	}

	_, err := Upscale(context.Background(), Options{Model: "model.onnx", Input: in, Output: out})
	if !errors.Is(err, ErrNoProvider) || !errors.Is(err, boom) {
		t.Errorf("erwartet ErrNoProvider mit Ursache, bekommen %v", err)
	}
	if _, statErr := os.Stat(out); statErr == nil {
		t.Error("bei Fehler darf keine Ausgabe entstehen")
	}
}

func TestUpscaleCPUFailureIsFinal(t *testing.T) {
	in, out := writeTestPNG(t)
	boom := errors.New("kernel failed")

	orig := openRunner
	t.Cleanup(func() { openRunner = orig })
	calls := 0
	openRunner = func(model string, opts SessionOptions) (Runner, error) {
		calls++
		return &nearestRunner{provider: "cpu", err: boom}, nil
	}

	_, err := Upscale(context.Background(), Options{Model: "model.onnx", Input: in, Output: out})
	if !errors.Is(err, boom) || errors.Is(err, ErrNoProvider) {
		t.Errorf("erwartet den Laufzeitfehler selbst, bekommen %v", err)
	}
	if calls != 1 {
		t.Errorf("nach cpu gibt es keinen Fallback, erwartet 1 Versuch, bekommen %d", calls)
	}
}

func TestNextProvider(t *testing.T) {
	for in, want := range map[string]string{"cuda": "cpu", "cpu": "", "test": ""} {
		if got := nextProvider(in); got != want {
			t.Errorf("%q: erwartet %q, bekommen %q", in, want, got)
		}
	}
}

func TestUpscaleMissingInput(t *testing.T) {
	_, err := Upscale(context.Background(), Options{Input: filepath.Join(t.TempDir(), "missing.png")})
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("erwartet os.ErrNotExist, bekommen %v", err)
	}
}

func TestProviderOrder(t *testing.T) {
	cases := map[string][]string{
		"":      {"cuda", "cpu"},
		"cuda":  {"cuda", "cpu"},
		"CUDA":  {"cuda", "cpu"},
		" cpu ": {"cpu"},
	}
	for in, want := range cases {
		got, err := providerOrder(in)
		if err != nil {
			t.Fatalf("%q: unerwarteter Fehler %v", in, err)
		}
		if !slices.Equal(got, want) {
			t.Errorf("%q: erwartet %v, bekommen %v", in, want, got)
		}
	}

	if _, err := providerOrder("tensorrt"); err == nil {
		t.Error("unbekannter Provider sollte fehlschlagen")
	}
}
