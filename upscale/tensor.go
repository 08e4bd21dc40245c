// tensor.go - Umwandlung zwischen Bildern und NCHW float32 Tensoren
// Eingabe: RGB / 255, Alpha wird verworfen. Ausgabe: clamp(round(v*255)), Alpha 255.
package upscale

import (
	"fmt"
	"image"
	"math"
)

// Preprocess wandelt ein Bild in einen [1,3,H,W] Tensor mit Werten in [0,1]
func Preprocess(img *image.NRGBA) ([]float32, []int64) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h

	out := make([]float32, 3*plane)
	for y := range h {
		for x := range w {
			i := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			p := y*w + x
			out[p] = float32(img.Pix[i]) / 255
			out[plane+p] = float32(img.Pix[i+1]) / 255
			out[2*plane+p] = float32(img.Pix[i+2]) / 255
		}
	}

	return out, []int64{1, 3, int64(h), int64(w)}
}

// Postprocess wandelt einen [1,C,H,W] Tensor (C >= 3) zurueck in ein deckendes Bild
func Postprocess(data []float32, shape []int64) (*image.NRGBA, error) {
	if len(shape) != 4 || shape[0] != 1 || shape[1] < 3 {
		return nil, fmt.Errorf("upscale: expected output shape [1,3,H,W], got %v", shape)
	}

	h, w := int(shape[2]), int(shape[3])
	plane := w * h
	if h <= 0 || w <= 0 || len(data) < 3*plane {
		return nil, fmt.Errorf("upscale: output has %d values, shape %v needs %d", len(data), shape, 3*plane)
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for p := range plane {
		i := 4 * p
		img.Pix[i] = toByte(data[p])
		img.Pix[i+1] = toByte(data[plane+p])
		img.Pix[i+2] = toByte(data[2*plane+p])
		img.Pix[i+3] = 255
	}
	return img, nil
}

func toByte(v float32) uint8 {
	f := math.Round(float64(v) * 255)
	if math.IsNaN(f) {
		return 0
	}
	return uint8(math.Min(math.Max(f, 0), 255))
}
