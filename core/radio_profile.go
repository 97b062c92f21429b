package core

import (
	"errors"
	"fmt"
	"math"

	"github.com/signalsfoundry/lora-analytics/model"
)

// Profile defaults applied by Normalize.
const (
	DefaultTxPowerDbm    = 14.0
	DefaultFrequencyHz   = 868.1e6
	DefaultBandwidthHz   = 125_000.0
	DefaultPayloadBytes  = 51
	DefaultSpreadingFact = 10
)

// ErrInvalidProfile indicates a radio profile that cannot be repaired by
// normalization.
var ErrInvalidProfile = errors.New("invalid radio profile")

// RadioProfile describes the transmit-side configuration shared by a
// family of end devices.
type RadioProfile struct {
	ID   string `json:"ID"`
	Name string `json:"Name"`

	SpreadingFactor int     `json:"SpreadingFactor"`
	TxPowerDbm      float64 `json:"TxPowerDbm,omitempty"`
	FrequencyHz     float64 `json:"FrequencyHz,omitempty"`
	BandwidthHz     float64 `json:"BandwidthHz,omitempty"`
	PayloadBytes    int     `json:"PayloadBytes,omitempty"`
	ExplicitHeader  bool    `json:"ExplicitHeader"`
	CrcOn           bool    `json:"CrcOn"`

	// PacketIntervalS overrides the per-SF pacing table when positive.
	PacketIntervalS int `json:"PacketIntervalS,omitempty"`
}

// Validate reports profile fields that normalization will not repair.
func (p *RadioProfile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty ID", ErrInvalidProfile)
	}
	if p.FrequencyHz < 0 {
		return fmt.Errorf("%w: %q: negative frequency %.0f Hz", ErrInvalidProfile, p.ID, p.FrequencyHz)
	}
	if p.PayloadBytes < 0 {
		return fmt.Errorf("%w: %q: negative payload %d bytes", ErrInvalidProfile, p.ID, p.PayloadBytes)
	}
	return nil
}

// Normalize clamps the spreading factor into [7,12] and fills unset
// numeric fields with the standard EU868 defaults. Called once when the
// profile is registered.
func (p *RadioProfile) Normalize() {
	if p.SpreadingFactor == 0 {
		p.SpreadingFactor = DefaultSpreadingFact
	}
	p.SpreadingFactor = ClampSpreadingFactor(p.SpreadingFactor)
	if p.TxPowerDbm == 0 {
		p.TxPowerDbm = DefaultTxPowerDbm
	}
	if p.FrequencyHz == 0 {
		p.FrequencyHz = DefaultFrequencyHz
	}
	if p.BandwidthHz == 0 {
		p.BandwidthHz = DefaultBandwidthHz
	}
	if p.PayloadBytes == 0 {
		p.PayloadBytes = DefaultPayloadBytes
	}
}

// OverlapsChannel reports whether two profiles occupy spectrum that can
// collide: their centre frequencies are closer than the sum of their
// half-bandwidths.
func (p *RadioProfile) OverlapsChannel(other *RadioProfile) bool {
	separation := math.Abs(p.FrequencyHz - other.FrequencyHz)
	return separation < (p.BandwidthHz+other.BandwidthHz)/2
}

// AirtimeMs returns the time-on-air of one uplink under this profile,
// taking coding rate and preamble length from the run parameters.
func (p *RadioProfile) AirtimeMs(params model.ScenarioParams) float64 {
	return TimeOnAirMs(p.SpreadingFactor, p.BandwidthHz, params.CodingRate,
		p.PayloadBytes, p.ExplicitHeader, p.CrcOn,
		params.PreambleSymbols, params.ExtraPreambleSymbols)
}

// ---------- Per-SF pacing ----------

// Pacing is a transmit schedule tuned so every spreading factor produces
// a comparable packet count per device while staying inside the duty
// cycle.
type Pacing struct {
	PacketIntervalS int
	SimDurationMin  int
}

// ExpectedPackets returns the per-device packet count the schedule
// produces.
func (p Pacing) ExpectedPackets() int {
	if p.PacketIntervalS <= 0 {
		return 0
	}
	return p.SimDurationMin * 60 / p.PacketIntervalS
}

// PacingForSpreadingFactor returns the tuned schedule for sf. Higher
// spreading factors get longer intervals to compensate for their longer
// time-on-air; every row targets 120 packets per device. Unknown factors
// fall back to the SF10 row.
func PacingForSpreadingFactor(sf int) Pacing {
	switch sf {
	case 7:
		return Pacing{PacketIntervalS: 90, SimDurationMin: 180}
	case 8:
		return Pacing{PacketIntervalS: 95, SimDurationMin: 190}
	case 9:
		return Pacing{PacketIntervalS: 100, SimDurationMin: 200}
	case 10:
		return Pacing{PacketIntervalS: 150, SimDurationMin: 300}
	case 11:
		return Pacing{PacketIntervalS: 200, SimDurationMin: 400}
	case 12:
		return Pacing{PacketIntervalS: 260, SimDurationMin: 520}
	default:
		return Pacing{PacketIntervalS: 150, SimDurationMin: 300}
	}
}

// Pacing returns the profile's schedule: the explicit interval override
// when set, otherwise the per-SF table row.
func (p *RadioProfile) Pacing() Pacing {
	if p.PacketIntervalS > 0 {
		base := PacingForSpreadingFactor(p.SpreadingFactor)
		return Pacing{PacketIntervalS: p.PacketIntervalS, SimDurationMin: base.SimDurationMin}
	}
	return PacingForSpreadingFactor(p.SpreadingFactor)
}
