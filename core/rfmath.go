package core

import "math"

// Physical constants used by the PHY math helpers.
const (
	// speedOfLightMps is the propagation speed used by free-space loss.
	speedOfLightMps = 299792458.0

	// thermalNoiseDbmPerHz is kTB at 290 K referenced to a 1 Hz bandwidth.
	thermalNoiseDbmPerHz = -174.0

	// MinSpreadingFactor and MaxSpreadingFactor bound the LoRa SF range.
	MinSpreadingFactor = 7
	MaxSpreadingFactor = 12
)

// ClampSpreadingFactor forces sf into the valid LoRa range [7, 12].
// Sweep hosts feed edge values freely; out-of-range factors are folded
// back into range instead of rejected.
func ClampSpreadingFactor(sf int) int {
	if sf < MinSpreadingFactor {
		return MinSpreadingFactor
	}
	if sf > MaxSpreadingFactor {
		return MaxSpreadingFactor
	}
	return sf
}

// SymbolTimeMs returns the duration of one LoRa symbol in milliseconds:
// 2^sf / bw. A non-positive bandwidth yields zero.
func SymbolTimeMs(sf int, bwHz float64) float64 {
	if bwHz <= 0 {
		return 0
	}
	sf = ClampSpreadingFactor(sf)
	return math.Pow(2, float64(sf)) / bwHz * 1000.0
}

// TimeOnAirMs computes LoRa time-on-air per the Semtech AN1200.22 worked
// formula. codingRateDenomOffset is the CR parameter (1..4 for 4/5..4/8);
// preambleSymbols plus extraPreambleSymbols form the programmed preamble
// (8 + 4.25 for standard LoRaWAN uplinks). Low data rate optimisation is
// forced on for SF11 and SF12.
func TimeOnAirMs(sf int, bwHz float64, codingRateDenomOffset, payloadBytes int, explicitHeader, crcOn bool, preambleSymbols, extraPreambleSymbols float64) float64 {
	sf = ClampSpreadingFactor(sf)
	tSym := SymbolTimeMs(sf, bwHz)
	tPreamble := (preambleSymbols + extraPreambleSymbols) * tSym

	de := 0
	if sf >= 11 {
		de = 1
	}
	ih := 1
	if explicitHeader {
		ih = 0
	}
	crc := 0
	if crcOn {
		crc = 1
	}

	num := float64(8*payloadBytes - 4*sf + 28 + 16*crc - 20*ih)
	den := float64(4 * (sf - 2*de))
	payloadSymbols := 8.0
	if extra := math.Ceil(num/den) * float64(codingRateDenomOffset+4); extra > 0 {
		payloadSymbols += extra
	}
	return tPreamble + payloadSymbols*tSym
}

// PathLossLogDistanceDb returns log-distance path loss in dB with the
// reference at one metre. Distances below one metre are clamped so log10
// stays finite.
func PathLossLogDistanceDb(distanceM, refLossDb, exponent float64) float64 {
	if distanceM < 1 {
		distanceM = 1
	}
	return refLossDb + 10*exponent*math.Log10(distanceM)
}

// RssiFromDistanceDbm returns the received power implied by the
// log-distance model for the given transmit power.
func RssiFromDistanceDbm(txPowerDbm, distanceM, refLossDb, exponent float64) float64 {
	return txPowerDbm - PathLossLogDistanceDb(distanceM, refLossDb, exponent)
}

// FreeSpacePathLossDb returns Friis free-space loss in dB. Distances below
// one metre are clamped.
func FreeSpacePathLossDb(freqHz, distanceM float64) float64 {
	if distanceM < 1 {
		distanceM = 1
	}
	return 20 * math.Log10(4*math.Pi*distanceM*freqHz/speedOfLightMps)
}

// NoiseFloorDbm returns the thermal noise floor for a receiver of the given
// bandwidth and noise figure.
func NoiseFloorDbm(bwHz, noiseFigureDb float64) float64 {
	return thermalNoiseDbmPerHz + 10*math.Log10(bwHz) + noiseFigureDb
}

// SnrDb returns the signal-to-noise ratio implied by an RSSI and a noise
// floor.
func SnrDb(rssiDbm, noiseFloorDbm float64) float64 {
	return rssiDbm - noiseFloorDbm
}

// OfferedLoadErlangs converts accumulated air-time into offered load across
// the given channel count. Zero when the observation window or channel
// count is not positive.
func OfferedLoadErlangs(totalAirtimeMs, simSeconds float64, channels int) float64 {
	if simSeconds <= 0 || channels <= 0 {
		return 0
	}
	return (totalAirtimeMs / 1000.0) / (simSeconds * float64(channels))
}

// ChannelUtilizationPercent expresses offered load as a percentage.
func ChannelUtilizationPercent(erlangs float64) float64 {
	return erlangs * 100
}

// RatePercent returns 100*numerator/denominator, or zero when the
// denominator is not positive. All derived percentages (PDR, drop rate,
// duplication rate) go through here so nothing divides by zero.
func RatePercent(numerator, denominator float64) float64 {
	if denominator <= 0 {
		return 0
	}
	return 100 * numerator / denominator
}

// RequiredOffTimeSeconds returns how long a transmitter must stay silent
// after occupying the channel for txSeconds under the given duty fraction.
func RequiredOffTimeSeconds(txSeconds, dutyFraction float64) float64 {
	if dutyFraction <= 0 || dutyFraction >= 1 {
		return 0
	}
	return txSeconds * (1/dutyFraction - 1)
}
