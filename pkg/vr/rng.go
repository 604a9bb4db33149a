package vr

import (
	"encoding/binary"
	"math/rand"

	"github.com/google/uuid"
)

// rngState produces fresh nonces for Recovery attempts. index and seed only
// disambiguate the fallback math/rand source used if uuid generation ever
// fails; the primary source is uuid.NewRandom, which reads from
// crypto/rand, so nonces stay unpredictable and non-reused even across
// rapid restarts of the same replica within one process, per §9's "nonce
// freshness" note.
type rngState struct {
	fallback *rand.Rand
}

func newRNGState(index uint64, seed int64) *rngState {
	return &rngState{fallback: rand.New(rand.NewSource(seed ^ int64(index*0x9E3779B97F4A7C15)))}
}

// nextNonce returns a fresh 64-bit nonce derived from a new UUIDv4. Per §9,
// Recovery nonces must not be reused across attempts; callers must call
// this exactly once per Recovery broadcast.
func (s *rngState) nextNonce() uint64 {
	id, err := uuid.NewRandom()
	if err != nil {
		return s.fallback.Uint64()
	}
	return binary.BigEndian.Uint64(id[:8])
}
