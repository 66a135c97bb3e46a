package afl

import "math/rand/v2"

const seedEntropy uint64 = 0x9E3779B97F4A7C15

// MixSeed runs a user supplied seed through one xorshift64 step so that small or
// patterned seeds do not map onto correlated generator states.
func MixSeed(seed uint64) uint64 {
	state := seedEntropy ^ seed
	state ^= state << 13
	state ^= state >> 17
	state ^= state << 43
	return state
}

// newRNG returns the single generator threaded through one generation run.
func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^seedEntropy))
}
