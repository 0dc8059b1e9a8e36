package decision

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
)

// NewSeededRand returns a deterministic PCG source. Tests pin a seed to
// replay the exact sampling sequence of a scenario.
func NewSeededRand(seed uint64) Rand {
	return rand.New(rand.NewPCG(seed, seed))
}

// NewSystemRand returns a PCG source seeded from system entropy.
func NewSystemRand() Rand {
	var buf [16]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(
		binary.LittleEndian.Uint64(buf[:8]),
		binary.LittleEndian.Uint64(buf[8:]),
	))
}
