package audio

import (
	"encoding/binary"
	"math"
)

const (
	pcmBytesPerSample = 2
	pcmMaxAmplitude   = 32768.0

	// DefaultThreshold is the normalized RMS energy a frame needs to count as speech.
	DefaultThreshold = 0.01
)

// Energy returns the RMS of 16-bit little-endian PCM normalized to [0,1].
func Energy(pcm []byte) float64 {
	samples := len(pcm) / pcmBytesPerSample
	if samples == 0 {
		return 0
	}

	var sumSquares float64
	for i := 0; i < samples; i++ {
		// #nosec G115 -- reinterpreting the unsigned word as a signed sample
		sample := int16(binary.LittleEndian.Uint16(pcm[i*pcmBytesPerSample:]))
		normalized := float64(sample) / pcmMaxAmplitude
		sumSquares += normalized * normalized
	}

	rms := math.Sqrt(sumSquares / float64(samples))
	if rms > 1 {
		return 1
	}
	return rms
}

// EnergyGate decides per frame whether audio is likely speech.
//
// With Hangover zero the decision is stateless: a frame passes iff its
// energy is at or above Threshold. A positive Hangover is an enhancement:
// after a passing frame, that many following frames pass regardless of
// energy so trailing consonants are not clipped. It trades a little extra
// uplink audio for fewer false negatives at word ends.
type EnergyGate struct {
	Threshold float64
	Hangover  int

	remaining int
}

// NewEnergyGate returns a gate; a non-positive threshold selects DefaultThreshold.
func NewEnergyGate(threshold float64, hangover int) *EnergyGate {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if hangover < 0 {
		hangover = 0
	}
	return &EnergyGate{Threshold: threshold, Hangover: hangover}
}

// Admit reports whether a frame with the given energy should be forwarded.
func (g *EnergyGate) Admit(energy float64) bool {
	if energy >= g.Threshold {
		g.remaining = g.Hangover
		return true
	}
	if g.remaining > 0 {
		g.remaining--
		return true
	}
	return false
}

// Reset clears hangover state.
func (g *EnergyGate) Reset() {
	g.remaining = 0
}
