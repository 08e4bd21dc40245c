// MODUL: upscale
// ZWECK: Ein Bild mit einem exportierten Upscaler-Modell hochskalieren
// INPUT: Options (Modell, Ein-/Ausgabe-Pfad, Provider, Threads, ORT-Library)
// OUTPUT: PNG-Datei, Result mit Groessen und Provider
// NEBENEFFEKTE: Liest Modell und Bild, schreibt die Ausgabe, nutzt ggf. die GPU
// ABHAENGIGKEITEN: Session (onnxruntime_go, nur mit cgo)
// HINWEISE: Ohne cgo scheitert jeder Lauf mit ErrCGORequired. Scheitert der
//           Lauf selbst, wird der naechste Provider probiert (cuda -> cpu)

package upscale

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"time"
)

// Runner fuehrt ein Modell auf einem NCHW Tensor aus
type Runner interface {
	Run(input []float32, shape []int64) ([]float32, []int64, error)
	Provider() string
	Destroy()
}

// openRunner ist in Tests austauschbar
var openRunner = func(model string, opts SessionOptions) (Runner, error) {
	s, err := NewSession(model, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Options beschreibt einen Upscale-Lauf
type Options struct {
	Model  string
	Input  string
	Output string
	SessionOptions
}

// Result fasst einen Upscale-Lauf zusammen
type Result struct {
	InputFormat ImageFormat
	InputSize   image.Point
	OutputSize  image.Point
	Provider    string
	ScaleX      float64
	ScaleY      float64
	Elapsed     time.Duration
}

// Upscale laedt das Bild, fuehrt das Modell aus und schreibt ein PNG
func Upscale(ctx context.Context, opts Options) (*Result, error) {
	img, format, err := LoadImage(opts.Input)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", opts.Input, err)
	}

	var (
		out      *image.NRGBA
		provider string
		errs     []error
		start    time.Time
	)
	sopts := opts.SessionOptions
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r, err := openRunner(opts.Model, sopts)
		if err != nil && len(errs) == 0 {
			return nil, err
		} else if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoProvider, errors.Join(append(errs, err)...))
		}

		start = time.Now()
		out, err = UpscaleImage(r, img)
		provider = r.Provider()
		r.Destroy()
		if err == nil {
			break
		}

		// Laufzeitfehler (z.B. CUDA out of memory) mit dem naechsten Provider wiederholen
		errs = append(errs, fmt.Errorf("%s: %w", provider, err))
		next := nextProvider(provider)
		if next == "" {
			if len(errs) == 1 {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrNoProvider, errors.Join(errs...))
		}
		slog.Warn("model run failed, trying next provider", "provider", provider, "next", next, "error", err)
		sopts.Provider = next
	}

	if err := SavePNG(opts.Output, out); err != nil {
		return nil, fmt.Errorf("writing %s: %w", opts.Output, err)
	}

	res := &Result{
		InputFormat: format,
		InputSize:   img.Bounds().Size(),
		OutputSize:  out.Bounds().Size(),
		Provider:    provider,
		Elapsed:     time.Since(start),
	}
	res.ScaleX, res.ScaleY = scaleFactors(res.InputSize, res.OutputSize)

	slog.Info("image upscaled", "input", opts.Input, "output", opts.Output,
		"from", fmt.Sprintf("%dx%d", res.InputSize.X, res.InputSize.Y),
		"to", fmt.Sprintf("%dx%d", res.OutputSize.X, res.OutputSize.Y),
		"provider", res.Provider, "elapsed", res.Elapsed)

	return res, nil
}

// UpscaleImage fuehrt Preprocess, Modell und Postprocess fuer ein Bild aus
func UpscaleImage(r Runner, img *image.NRGBA) (*image.NRGBA, error) {
	input, shape := Preprocess(img)
	slog.Debug("running model", "shape", shape)

	data, outShape, err := r.Run(input, shape)
	if err != nil {
		return nil, err
	}

	out, err := Postprocess(data, outShape)
	if err != nil {
		return nil, err
	}

	sx, sy := scaleFactors(img.Bounds().Size(), out.Bounds().Size())
	if math.Abs(sx-sy) > 0.01 {
		slog.Warn("model scaled width and height differently", "scale_x", sx, "scale_y", sy)
	}

	return out, nil
}

func scaleFactors(in, out image.Point) (float64, float64) {
	if in.X == 0 || in.Y == 0 {
		return 0, 0
	}
	return float64(out.X) / float64(in.X), float64(out.Y) / float64(in.Y)
}
