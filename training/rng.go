package training

import (
	"encoding/binary"
	"math/rand/v2"

	"github.com/zeebo/blake3"
)

// Named random streams. Each consumer draws from its own stream so that,
// for example, adding a dropout layer does not change the shuffle order.
const (
	StreamShuffle = "shuffle"
	StreamNoise   = "noise"
	StreamInit    = "init"
	StreamDropout = "dropout"
	StreamSplit   = "split"
)

// RNG derives independent, reproducible random streams from one run seed.
type RNG struct {
	seed uint64
}

// NewRNG creates a random context for seed.
func NewRNG(seed uint64) *RNG {
	return &RNG{seed: seed}
}

// Seed returns the run seed.
func (r *RNG) Seed() uint64 {
	return r.seed
}

// Stream returns a fresh generator for the named stream. Calling Stream
// twice with the same name yields two generators producing the same
// sequence.
func (r *RNG) Stream(name string) *rand.Rand {
	s1, s2 := r.derive(name)
	return rand.New(rand.NewPCG(s1, s2))
}

// SubSeed derives a 64-bit seed for a named sub-stream, used when a stream
// must be split further (per batch, per worker).
func (r *RNG) SubSeed(name string) uint64 {
	s1, _ := r.derive(name)
	return s1
}

func (r *RNG) derive(name string) (uint64, uint64) {
	buf := make([]byte, 8, 8+len(name))
	binary.LittleEndian.PutUint64(buf, r.seed)
	buf = append(buf, name...)
	sum := blake3.Sum256(buf)
	return binary.LittleEndian.Uint64(sum[0:8]), binary.LittleEndian.Uint64(sum[8:16])
}
