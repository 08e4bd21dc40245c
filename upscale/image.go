// MODUL: upscale/image
// ZWECK: Bilder laden und als PNG speichern
// INPUT: Dateipfad oder Bytes
// OUTPUT: *image.NRGBA (nicht vormultipliziertes Alpha)
// NEBENEFFEKTE: Dateisystem-Zugriff bei LoadImage und SavePNG
// ABHAENGIGKEITEN: golang.org/x/image (draw, webp, bmp, tiff)
// HINWEISE: Alle Bilder werden nach NRGBA konvertiert, damit RGB bei
//           transparenten Pixeln nicht mit Alpha verrechnet ist

package upscale

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	// Standard-Decoder registrieren
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// LoadImage laedt ein Bild von einem Dateipfad
func LoadImage(path string) (*image.NRGBA, ImageFormat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, FormatUnknown, err
	}
	return DecodeImage(data)
}

// DecodeImage dekodiert ein Bild aus Byte-Daten
func DecodeImage(data []byte) (*image.NRGBA, ImageFormat, error) {
	format := DetectFormat(data)
	if format == FormatUnknown {
		return nil, format, ErrUnknownImageFormat
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, format, fmt.Errorf("decoding %s image: %w", format, err)
	}
	return toNRGBA(img), format, nil
}

// toNRGBA konvertiert ein beliebiges image.Image nach *image.NRGBA mit Ursprung 0,0
func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Bounds().Min == (image.Point{}) {
		return n
	}

	bounds := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	return dst
}

// SavePNG schreibt ein Bild atomar als PNG
func SavePNG(path string, img image.Image) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := f.Chmod(0o644); err != nil {
		f.Close()
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}
