package core

import (
	"errors"
	"fmt"
)

// ErrNoDutyCycleBand indicates no registered band covers a frequency.
var ErrNoDutyCycleBand = errors.New("no duty cycle band for frequency")

// DutyCycleBand is a half-open frequency interval [FStartHz, FEndHz) with
// the transmit-duty fraction allowed inside it.
type DutyCycleBand struct {
	FStartHz     float64
	FEndHz       float64
	DutyFraction float64
}

// DutyCycleRegistry holds one run's regulatory band plan. Each scenario run
// owns its own registry; bands are registered at setup and never mutated
// mid-run. Lookup scans in registration order and returns the first band
// containing the frequency, so callers must register non-overlapping bands.
type DutyCycleRegistry struct {
	bands []DutyCycleBand
}

// NewDutyCycleRegistry returns an empty registry.
func NewDutyCycleRegistry() *DutyCycleRegistry {
	return &DutyCycleRegistry{}
}

// Register appends a band. A frequency matches when
// FStartHz <= f < FEndHz. No overlap validation is performed.
func (r *DutyCycleRegistry) Register(fStartHz, fEndHz, dutyFraction float64) {
	r.bands = append(r.bands, DutyCycleBand{
		FStartHz:     fStartHz,
		FEndHz:       fEndHz,
		DutyFraction: dutyFraction,
	})
}

// RegisterEU868Defaults installs the EU868 sub-bands the scenarios use:
// 868.0-868.6 MHz and 868.7-869.2 MHz, both at 1% duty.
func (r *DutyCycleRegistry) RegisterEU868Defaults() {
	r.Register(868.0e6, 868.6e6, 0.01)
	r.Register(868.7e6, 869.2e6, 0.01)
}

// HasBand reports whether any registered band contains the frequency.
func (r *DutyCycleRegistry) HasBand(freqHz float64) bool {
	_, err := r.GetDutyFraction(freqHz)
	return err == nil
}

// GetDutyFraction returns the duty fraction of the first registered band
// containing freqHz. A miss returns ErrNoDutyCycleBand; the zero fraction
// accompanying it is not a valid duty value.
func (r *DutyCycleRegistry) GetDutyFraction(freqHz float64) (float64, error) {
	for _, b := range r.bands {
		if freqHz >= b.FStartHz && freqHz < b.FEndHz {
			return b.DutyFraction, nil
		}
	}
	return 0, fmt.Errorf("%w: %.3f MHz", ErrNoDutyCycleBand, freqHz/1e6)
}

// Bands returns a copy of the registered bands in registration order.
func (r *DutyCycleRegistry) Bands() []DutyCycleBand {
	out := make([]DutyCycleBand, len(r.bands))
	copy(out, r.bands)
	return out
}
