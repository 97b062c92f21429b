package model

// ScenarioParams carries the per-run channel and margin configuration.
// Each run constructs its own value; nothing here is shared between runs.
type ScenarioParams struct {
	// Log-distance path loss inputs.
	PathLossExponent float64 `json:"path_loss_exponent"`
	RefDistanceM     float64 `json:"ref_distance_m"`
	RefLossDb        float64 `json:"ref_loss_db"`

	// ShadowingSigmaDb enables the stochastic shadowing stage when > 0.
	ShadowingSigmaDb float64 `json:"shadowing_sigma_db"`

	// Margin adjustments applied by the reception classifier.
	FadeMarginDb   float64 `json:"fade_margin_db"`
	FoliageLossDb  float64 `json:"foliage_loss_db"`
	BuildingLossDb float64 `json:"building_loss_db"`

	// Receiver noise characteristics.
	NoiseFigureDb float64 `json:"noise_figure_db"`

	// PHY defaults shared by every device unless its profile overrides them.
	BandwidthHz          float64 `json:"bandwidth_hz"`
	PreambleSymbols      float64 `json:"preamble_symbols"`
	ExtraPreambleSymbols float64 `json:"extra_preamble_symbols"`
	CodingRate           int     `json:"coding_rate"`

	// ConservativeSnr selects the stricter SNR requirement table.
	ConservativeSnr bool `json:"conservative_snr"`

	// Seed drives every stochastic stage; identical seeds reproduce runs.
	Seed int64 `json:"seed"`

	// Traffic accounting inputs for offered-load computation.
	SimDurationS float64 `json:"sim_duration_s"`
	Channels     int     `json:"channels"`
}

// DefaultScenarioParams returns the standard urban channel configuration.
func DefaultScenarioParams() ScenarioParams {
	return ScenarioParams{
		PathLossExponent:     3.76,
		RefDistanceM:         1.0,
		RefLossDb:            7.7,
		ShadowingSigmaDb:     0,
		FadeMarginDb:         10.0,
		FoliageLossDb:        0,
		BuildingLossDb:       0,
		NoiseFigureDb:        6.0,
		BandwidthHz:          125_000,
		PreambleSymbols:      8,
		ExtraPreambleSymbols: 4.25,
		CodingRate:           1,
		ConservativeSnr:      false,
		Seed:                 1,
		SimDurationS:         3600,
		Channels:             1,
	}
}
