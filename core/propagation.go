package core

import (
	"math"
	"math/rand"

	"github.com/signalsfoundry/lora-analytics/model"
)

// PropagationDetails decomposes one pipeline evaluation for an ordered
// transmitter/receiver pair.
type PropagationDetails struct {
	DistanceM   float64
	PathLossDb  float64
	ShadowingDb float64
	TotalLossDb float64
}

type pairKey struct {
	txID uint32
	rxID uint32
}

// LossStage transforms a power level given the link distance. Stages are
// evaluated by the pipeline in chain order.
type LossStage interface {
	Apply(powerDbm, distanceM float64) float64
}

// LogDistanceStage applies log-distance path loss referenced at
// RefDistanceM. Distances at or below the reference see exactly RefLossDb.
type LogDistanceStage struct {
	RefLossDb    float64
	Exponent     float64
	RefDistanceM float64
}

func (s LogDistanceStage) Apply(powerDbm, distanceM float64) float64 {
	ref := s.RefDistanceM
	if ref < 1 {
		ref = 1
	}
	if distanceM < ref {
		distanceM = ref
	}
	return powerDbm - (s.RefLossDb + 10*s.Exponent*math.Log10(distanceM/ref))
}

// FreeSpaceStage applies Friis free-space loss at a fixed carrier frequency.
type FreeSpaceStage struct {
	FreqHz float64
}

func (s FreeSpaceStage) Apply(powerDbm, distanceM float64) float64 {
	return powerDbm - FreeSpacePathLossDb(s.FreqHz, distanceM)
}

// ShadowingStage draws a zero-mean Gaussian attenuation on every
// evaluation (log-normal in the linear domain). The stage owns its RNG so
// a fixed seed and call order reproduce a run exactly.
type ShadowingStage struct {
	sigmaDb float64
	rng     *rand.Rand
}

// NewShadowingStage builds a shadowing stage. A sigma of zero or below
// makes the stage a no-op.
func NewShadowingStage(sigmaDb float64, seed int64) *ShadowingStage {
	return &ShadowingStage{
		sigmaDb: sigmaDb,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

func (s *ShadowingStage) Apply(powerDbm, distanceM float64) float64 {
	if s.sigmaDb <= 0 {
		return powerDbm
	}
	return powerDbm - s.rng.NormFloat64()*s.sigmaDb
}

// PropagationPipeline chains a deterministic path-loss stage with an
// optional shadowing stage and keeps the decomposition of the most recent
// evaluation per ordered node pair.
type PropagationPipeline struct {
	pathLoss   LossStage
	shadowing  LossStage
	lastByPair map[pairKey]PropagationDetails
}

// NewPropagationPipeline builds a pipeline around a path-loss stage.
// shadowing may be nil to disable the stochastic stage entirely.
func NewPropagationPipeline(pathLoss LossStage, shadowing LossStage) *PropagationPipeline {
	return &PropagationPipeline{
		pathLoss:   pathLoss,
		shadowing:  shadowing,
		lastByPair: make(map[pairKey]PropagationDetails),
	}
}

// NewPropagationPipelineForParams builds the standard log-distance
// pipeline from run parameters, with a seeded shadowing stage when
// ShadowingSigmaDb is positive.
func NewPropagationPipelineForParams(params model.ScenarioParams) *PropagationPipeline {
	pathLoss := LogDistanceStage{
		RefLossDb:    params.RefLossDb,
		Exponent:     params.PathLossExponent,
		RefDistanceM: params.RefDistanceM,
	}
	var shadowing LossStage
	if params.ShadowingSigmaDb > 0 {
		shadowing = NewShadowingStage(params.ShadowingSigmaDb, params.Seed)
	}
	return NewPropagationPipeline(pathLoss, shadowing)
}

// ReceivedPowerDbm evaluates the chain for one transmission and returns
// the power arriving at the receiver. The decomposition is stored for
// LastDetails.
func (p *PropagationPipeline) ReceivedPowerDbm(txID, rxID uint32, txPowerDbm float64, txPos, rxPos Vec3) float64 {
	d := txPos.DistanceTo(rxPos)

	rxAfterPathLoss := txPowerDbm
	if p.pathLoss != nil {
		rxAfterPathLoss = p.pathLoss.Apply(txPowerDbm, d)
	}

	rxAfterShadowing := rxAfterPathLoss
	if p.shadowing != nil {
		rxAfterShadowing = p.shadowing.Apply(rxAfterPathLoss, d)
	}

	p.lastByPair[pairKey{txID: txID, rxID: rxID}] = PropagationDetails{
		DistanceM:   d,
		PathLossDb:  txPowerDbm - rxAfterPathLoss,
		ShadowingDb: rxAfterPathLoss - rxAfterShadowing,
		TotalLossDb: txPowerDbm - rxAfterShadowing,
	}
	return rxAfterShadowing
}

// LastDetails returns the decomposition of the most recent evaluation for
// the ordered (txID, rxID) pair, or false when the pair has never been
// evaluated.
//
// The cache is a diagnostic read path only: one entry per pair,
// overwritten on every evaluation. It is not a memo of received power and
// must not be used to skip re-evaluation at a different transmit power.
func (p *PropagationPipeline) LastDetails(txID, rxID uint32) (PropagationDetails, bool) {
	d, ok := p.lastByPair[pairKey{txID: txID, rxID: rxID}]
	return d, ok
}

// Reset drops every cached decomposition.
func (p *PropagationPipeline) Reset() {
	p.lastByPair = make(map[pairKey]PropagationDetails)
}
