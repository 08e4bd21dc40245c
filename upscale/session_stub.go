//go:build !cgo

// MODUL: upscale/session_stub
// ZWECK: Stub-Implementierung wenn CGO nicht verfuegbar ist
// HINWEISE: NewSession gibt immer ErrCGORequired zurueck

package upscale

// Session Stub
type Session struct{}

// NewSession Stub, prueft nur den Provider-Namen
func NewSession(modelPath string, opts SessionOptions) (*Session, error) {
	if _, err := providerOrder(opts.Provider); err != nil {
		return nil, err
	}
	return nil, ErrCGORequired
}

// Provider Stub
func (s *Session) Provider() string {
	return ""
}

// Run Stub
func (s *Session) Run(input []float32, shape []int64) ([]float32, []int64, error) {
	return nil, nil, ErrCGORequired
}

// Destroy Stub
func (s *Session) Destroy() {}
