package directory

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nullspace-msg/sealmsg/sealerr"
	"github.com/nullspace-msg/sealmsg/wire"
	"github.com/nullspace-msg/sealmsg/xcrypto"
)

// GeneratePoWSeed mints a fresh challenge good until ttl from now, at the
// declared effort (required leading zero bits in the solution digest).
// Shared by directory/server (issues seeds) and tests/tools that need one
// without a running server.
func GeneratePoWSeed(effort uint32, ttl time.Duration) (wire.PoWSeed, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return wire.PoWSeed{}, fmt.Errorf("directory: read seed: %w", err)
	}
	return wire.PoWSeed{
		Seed:      seed,
		UseBefore: time.Now().Add(ttl).Unix(),
		Effort:    effort,
	}, nil
}

// powDigest is the value a solution's leading zero bits are measured
// against. Documented in SPEC_FULL.md as a deliberate simplification of the
// EquiX construction the spec names: a hashcash-style verifier over
// blake3(seed || effort || solution) rather than a memory-hard proof.
func powDigest(seed [32]byte, effort uint32, solution []byte) wire.Hash {
	buf := make([]byte, 0, 32+4+len(solution))
	buf = append(buf, seed[:]...)
	var effortBytes [4]byte
	binary.BigEndian.PutUint32(effortBytes[:], effort)
	buf = append(buf, effortBytes[:]...)
	buf = append(buf, solution...)
	return xcrypto.Hash(buf)
}

// leadingZeroBits counts the number of leading zero bits in h.
func leadingZeroBits(h wire.Hash) int {
	count := 0
	for _, b := range h {
		if b == 0 {
			count += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				return count
			}
			count++
		}
	}
	return count
}

// VerifySolution checks sol against seed as of now: the seed must not be
// expired and sol.Solution's digest must clear seed.Effort leading zero
// bits. Callers are responsible for one-time consumption of the seed
// (directory/server.Store.ConsumePoWSeed).
func VerifySolution(seed wire.PoWSeed, sol wire.PoWSolution, now time.Time) error {
	if sol.Seed != seed.Seed {
		return sealerr.Rejected("pow solution does not reference the given seed")
	}
	if now.Unix() > seed.UseBefore {
		return sealerr.Rejected("pow seed expired")
	}
	digest := powDigest(seed.Seed, seed.Effort, sol.Solution)
	if leadingZeroBits(digest) < int(seed.Effort) {
		return sealerr.Rejected("pow solution does not meet declared effort")
	}
	return nil
}

// Solve is the client-side brute-force search for a solution to seed. Given
// the non-memory-hard verifier above, a linear counter search is sufficient;
// a real EquiX solver would replace only this function.
func Solve(seed wire.PoWSeed) wire.PoWSolution {
	var counter uint64
	solution := make([]byte, 8)
	for {
		binary.BigEndian.PutUint64(solution, counter)
		digest := powDigest(seed.Seed, seed.Effort, solution)
		if leadingZeroBits(digest) >= int(seed.Effort) {
			out := make([]byte, 8)
			copy(out, solution)
			return wire.PoWSolution{Seed: seed.Seed, Solution: out}
		}
		counter++
	}
}
