// sample.go - Zufaelliger Beispiel-Tensor fuer das Tracing
// Nur Shape und Dtype sind relevant, der Inhalt nicht
package export

import (
	"fmt"
	"math/rand/v2"

	"github.com/pdevine/tensor"
)

// SampleInput erzeugt einen float32 Tensor mit Werten in [0,1)
func SampleInput(shape []int, seed uint64) *tensor.Dense {
	n := 1
	for _, d := range shape {
		n *= d
	}

	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	data := make([]float32, n)
	for i := range data {
		data[i] = r.Float32()
	}

	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// sampleShape prueft Dtype und Rang des Beispiel-Tensors
func sampleShape(sample *tensor.Dense) ([]int64, error) {
	if sample.Dtype() != tensor.Float32 {
		return nil, fmt.Errorf("%w: sample input must be float32, got %v", ErrShapeMismatch, sample.Dtype())
	}

	shape := sample.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("%w: sample input must be NCHW, got %v", ErrShapeMismatch, shape)
	}

	out := make([]int64, len(shape))
	for i, d := range shape {
		out[i] = int64(d)
	}
	return out, nil
}
