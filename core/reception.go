package core

import "github.com/signalsfoundry/lora-analytics/model"

// Per-SF demodulation SNR requirements in dB, indexed SF12 first
// (index = 12 - sf).
var (
	snrRequirementsDb             = [6]float64{-20.0, -17.5, -15.0, -12.5, -10.0, -7.5}
	snrRequirementsConservativeDb = [6]float64{-18.0, -15.5, -13.0, -10.5, -8.0, -5.5}
)

// RequiredSnrDb returns the demodulation SNR requirement for sf from the
// standard or conservative table. Out-of-range spreading factors fall back
// to the SF7 entry.
func RequiredSnrDb(sf int, conservative bool) float64 {
	table := &snrRequirementsDb
	if conservative {
		table = &snrRequirementsConservativeDb
	}
	if sf < MinSpreadingFactor || sf > MaxSpreadingFactor {
		return table[len(table)-1]
	}
	return table[MaxSpreadingFactor-sf]
}

// ReceptionVerdict carries the margin decomposition for one gateway-level
// observation.
type ReceptionVerdict struct {
	RequiredSnrDb    float64
	MarginDb         float64
	MarginWithFadeDb float64
}

// ReceptionClassifier scores gateway observations against the per-SF SNR
// requirement table. It produces margins for logging and analysis only;
// deciding packet success is the host radio stack's job because that
// depends on interference and collisions the classifier cannot see.
type ReceptionClassifier struct {
	conservative   bool
	fadeMarginDb   float64
	foliageLossDb  float64
	buildingLossDb float64
}

// NewReceptionClassifier builds a classifier from the run's parameters.
func NewReceptionClassifier(params model.ScenarioParams) *ReceptionClassifier {
	return &ReceptionClassifier{
		conservative:   params.ConservativeSnr,
		fadeMarginDb:   params.FadeMarginDb,
		foliageLossDb:  params.FoliageLossDb,
		buildingLossDb: params.BuildingLossDb,
	}
}

// EnvironmentalLossDb returns the combined foliage and building
// penetration losses applied before the requirement comparison.
func (c *ReceptionClassifier) EnvironmentalLossDb() float64 {
	return c.foliageLossDb + c.buildingLossDb
}

// Classify returns the SNR margin of an observation at the given spreading
// factor: (snr - environmental losses) - requiredSnr, plus the same margin
// with the fixed fade margin subtracted.
func (c *ReceptionClassifier) Classify(snrDb float64, sf int) ReceptionVerdict {
	req := RequiredSnrDb(sf, c.conservative)
	margin := (snrDb - c.EnvironmentalLossDb()) - req
	return ReceptionVerdict{
		RequiredSnrDb:    req,
		MarginDb:         margin,
		MarginWithFadeDb: margin - c.fadeMarginDb,
	}
}
