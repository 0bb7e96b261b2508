// Package settings holds the process-wide voice parameters. Turns read a
// snapshot at start; configuration updates swap the snapshot atomically.
// Last writer wins, readers never see a partial update.
package settings

import "sync/atomic"

// VoiceParams are the synthesis hints passed to the agent provider.
type VoiceParams struct {
	VoiceID    string
	SpeedRatio float64
}

// Params is an atomically swappable VoiceParams holder.
type Params struct {
	p atomic.Pointer[VoiceParams]
}

// NewParams creates a holder with an initial value.
func NewParams(initial VoiceParams) *Params {
	s := &Params{}
	s.p.Store(&initial)
	return s
}

// Snapshot returns the current parameters by value.
func (s *Params) Snapshot() VoiceParams {
	return *s.p.Load()
}

// Update replaces the parameters wholesale.
func (s *Params) Update(v VoiceParams) {
	s.p.Store(&v)
}
