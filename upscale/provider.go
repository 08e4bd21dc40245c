// provider.go - Reihenfolge der Execution Provider mit Fallback
package upscale

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrCGORequired = errors.New("upscale: onnxruntime requires a cgo build")
	ErrNoProvider  = errors.New("upscale: all execution providers failed")
)

// Providers sind die unterstuetzten Execution Provider in Fallback-Reihenfolge
var Providers = []string{"cuda", "cpu"}

// providerOrder gibt die zu probierenden Provider ab first zurueck
func providerOrder(first string) ([]string, error) {
	first = strings.ToLower(strings.TrimSpace(first))
	if first == "" {
		return slices.Clone(Providers), nil
	}

	i := slices.Index(Providers, first)
	if i < 0 {
		return nil, fmt.Errorf("unknown execution provider %q (available: %s)", first, strings.Join(Providers, ", "))
	}
	return slices.Clone(Providers[i:]), nil
}

// nextProvider gibt den Fallback nach p zurueck, "" wenn keiner folgt
func nextProvider(p string) string {
	i := slices.Index(Providers, p)
	if i < 0 || i+1 >= len(Providers) {
		return ""
	}
	return Providers[i+1]
}

// SessionOptions konfiguriert die ONNX Runtime Session
type SessionOptions struct {
	// Provider ist der erste zu probierende Execution Provider
	Provider string

	// NumThreads fuer Intra-Op Parallelisierung (0 = auto)
	NumThreads int

	// Library ist der Pfad zur onnxruntime Shared Library (leer = Standard)
	Library string
}
