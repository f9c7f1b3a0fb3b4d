package session

import (
	"math"
	"math/rand"
)

// Rand is the random source used for sampling decisions. Float64 returns a
// value in [0, 1).
type Rand interface {
	Float64() float64
}

type defaultRand struct{}

func (defaultRand) Float64() float64 { return rand.Float64() }

// DefaultRand draws from the process-wide math/rand source.
var DefaultRand Rand = defaultRand{}

// Sample decides how a new session is recorded. A single draw is compared
// against sessionSampleRate; a miss falls back to buffering when
// errorSampleRate is positive.
func Sample(sessionSampleRate, errorSampleRate float64, rnd Rand) Sampled {
	sessionSampleRate = ClampRate(sessionSampleRate)
	errorSampleRate = ClampRate(errorSampleRate)

	if sessionSampleRate <= 0 && errorSampleRate <= 0 {
		return NotSampled
	}
	if rnd == nil {
		rnd = DefaultRand
	}
	if rnd.Float64() < sessionSampleRate {
		return FullSession
	}
	if errorSampleRate > 0 {
		return BufferedOnError
	}
	return NotSampled
}

// ClampRate maps a configured rate into [0, 1]. NaN becomes 0.
func ClampRate(rate float64) float64 {
	switch {
	case math.IsNaN(rate), rate < 0:
		return 0
	case rate > 1:
		return 1
	}
	return rate
}
