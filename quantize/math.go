// MODUL: quantize/math
// ZWECK: Skalen, Nullpunkte und int-Werte fuer ein Gewicht berechnen
// INPUT: float32 Daten, Dims, Kanal-Achse, QuantType
// OUTPUT: quantized (Werte, Skalen, Nullpunkte, mittlerer absoluter Fehler)
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: gonum.org/v1/gonum/stat
// HINWEISE: q = clamp(roundHalfEven(x/scale) + zp), QInt8 symmetrisch [-127,127],
//           QUInt8 asymmetrisch [0,255] mit 0 im Wertebereich

package quantize

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// quantized ist das Ergebnis fuer ein Gewicht
type quantized struct {
	values []int32
	scales []float32
	zeros  []int32
	axis   int // -1 = per Tensor
	mae    float64
}

// computeParams berechnet Skala und Nullpunkt fuer einen Wertebereich
func computeParams(rmin, rmax float64, qt QuantType) (float32, int32) {
	qmin, qmax := qt.Range()

	if qt == QInt8 {
		absmax := max(math.Abs(rmin), math.Abs(rmax))
		if absmax == 0 {
			return 1, 0
		}
		return float32(absmax / qmax), 0
	}

	rmin, rmax = min(rmin, 0), max(rmax, 0)
	if rmax == rmin {
		return 1, 0
	}
	scale := (rmax - rmin) / (qmax - qmin)
	zp := math.Round(qmin - rmin/scale)
	return float32(scale), int32(clamp(zp, qmin, qmax))
}

// quantizeValue bildet einen float auf den int-Bereich ab
func quantizeValue(x, scale float32, zp int32, qt QuantType) int32 {
	qmin, qmax := qt.Range()
	q := math.RoundToEven(float64(x)/float64(scale)) + float64(zp)
	return int32(clamp(q, qmin, qmax))
}

func dequantizeValue(q int32, scale float32, zp int32) float32 {
	return float32(q-zp) * scale
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// channelOf gibt fuer einen flachen Index den Kanal entlang axis zurueck
func channelOf(i int, dims []int64, axis int) int {
	inner := int64(1)
	for _, d := range dims[axis+1:] {
		inner *= d
	}
	return int((int64(i) / inner) % dims[axis])
}

// quantizeTensor quantisiert ein Gewicht per Tensor (axis < 0) oder per Kanal
func quantizeTensor(data []float32, dims []int64, axis int, qt QuantType) quantized {
	channels := 1
	if axis >= 0 {
		channels = int(dims[axis])
	}

	lo := make([]float64, channels)
	hi := make([]float64, channels)
	for c := range channels {
		lo[c], hi[c] = math.Inf(1), math.Inf(-1)
	}

	ch := func(i int) int {
		if axis < 0 {
			return 0
		}
		return channelOf(i, dims, axis)
	}

	for i, v := range data {
		c := ch(i)
		lo[c] = math.Min(lo[c], float64(v))
		hi[c] = math.Max(hi[c], float64(v))
	}

	q := quantized{
		values: make([]int32, len(data)),
		scales: make([]float32, channels),
		zeros:  make([]int32, channels),
		axis:   axis,
	}
	for c := range channels {
		if math.IsInf(lo[c], 1) {
			lo[c], hi[c] = 0, 0
		}
		q.scales[c], q.zeros[c] = computeParams(lo[c], hi[c], qt)
	}

	errs := make([]float64, len(data))
	for i, v := range data {
		c := ch(i)
		q.values[i] = quantizeValue(v, q.scales[c], q.zeros[c], qt)
		errs[i] = math.Abs(float64(v - dequantizeValue(q.values[i], q.scales[c], q.zeros[c])))
	}
	if len(errs) > 0 {
		q.mae = stat.Mean(errs, nil)
	}

	return q
}

// int8s und uint8s wandeln die Werte fuer den Ziel-Tensor
func int8s(vs []int32) []int8 {
	out := make([]int8, len(vs))
	for i, v := range vs {
		out[i] = int8(v)
	}
	return out
}

func uint8s(vs []int32) []uint8 {
	out := make([]uint8, len(vs))
	for i, v := range vs {
		out[i] = uint8(v)
	}
	return out
}
