// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package waveform provides the built-in signal shapes that can be streamed
// to a device interface.
package waveform

import "math"

type (
	// Kind selects the function used to turn a phase into a sample value.
	Kind uint8

	// Source provides uniformly distributed values in [0, 1). Both
	// math/rand.Rand and math/rand/v2.Rand satisfy it.
	Source interface {
		Float64() float64
	}
)

// The defined waveform kinds. FourierApprox is the fallback for any name that
// is not recognized.
const (
	FourierApprox Kind = iota
	Sine
	NoisySine
	RandomSpikesSine
	Identity
	Sawtooth
	Rectangle
	Sinc
	UniformRandom
)

const (
	noiseAmplitude = 0.2
	spikeNoise     = 0.1
	spikeThreshold = 0.999
	spikeHeight    = 100
	sincHalfWidth  = 10 * math.Pi
)

var names = [...]string{
	FourierApprox:    "fourier",
	Sine:             "sin",
	NoisySine:        "noisesin",
	RandomSpikesSine: "randomspikessin",
	Identity:         "x",
	Sawtooth:         "saw",
	Rectangle:        "rect",
	Sinc:             "sinc",
	UniformRandom:    "random",
}

// ParseKind resolves a function name. Names are matched exactly; anything
// unknown selects FourierApprox.
func ParseKind(name string) Kind {
	for k, n := range names {
		if Kind(k) != FourierApprox && n == name {
			return Kind(k)
		}
	}
	return FourierApprox
}

// Kinds lists every named kind, in declaration order, followed by the
// fallback.
func Kinds() []Kind {
	return []Kind{
		Sine,
		NoisySine,
		RandomSpikesSine,
		Identity,
		Sawtooth,
		Rectangle,
		Sinc,
		UniformRandom,
		FourierApprox,
	}
}

func (k Kind) String() string {
	if int(k) < len(names) {
		return names[k]
	}
	return names[FourierApprox]
}

// Eval computes the sample for the given phase. The source is only consulted
// by the noisy kinds and may be nil for the others.
func (k Kind) Eval(phase float64, src Source) float64 {
	switch k {
	case Sine:
		return math.Sin(phase)

	case NoisySine:
		return math.Sin(phase) + src.Float64()*noiseAmplitude

	case RandomSpikesSine:
		v := math.Sin(phase) + src.Float64()*spikeNoise
		if src.Float64() > spikeThreshold {
			v += spikeHeight
		}
		return v

	case Identity:
		return phase

	case Sawtooth:
		return (math.Mod(phase, 2*math.Pi) - math.Pi) / math.Pi

	case Rectangle:
		if math.Mod(phase, 2*math.Pi)-math.Pi > 0 {
			return 1
		}
		return 0

	case Sinc:
		t := math.Mod(phase, 2*sincHalfWidth) - sincHalfWidth
		if t == 0 {
			return 1
		}
		return math.Sin(t) / t

	case UniformRandom:
		return src.Float64()

	default:
		return fourier(phase)
	}
}

// Harmonic weights are 4/3, 4/5 and 4/7 in integer arithmetic, so only the
// third harmonic survives, scaled by pi.
const (
	thirdWeight   = 1
	fifthWeight   = 0
	seventhWeight = 0
)

func fourier(x float64) float64 {
	return (4/math.Pi)*math.Sin(x) +
		thirdWeight*math.Pi*math.Sin(3*x) +
		fifthWeight*math.Pi*math.Sin(5*x) +
		seventhWeight*math.Pi*math.Sin(7*x)
}
