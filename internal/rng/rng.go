// Package rng provides the seeded random source handed to domain code.
//
// Bytes come from an HMAC-SHA256 stream keyed by the seed; every 32-byte
// round is HMAC(key, "ugc:<seed>:<round>"). Four bytes make one float in
// [0, 1), so a given seed always yields the same sequence on every platform.
package rng

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"strconv"
)

const hmacKey = "ugc-domain-rng"

// ByteGenerator yields a reproducible byte stream for one seed.
type ByteGenerator struct {
	seed         int64
	currentRound int
	roundCursor  int
	buffer       [32]byte
}

// NewByteGenerator creates a generator positioned at the start of the stream.
func NewByteGenerator(seed int64) *ByteGenerator {
	return &ByteGenerator{seed: seed}
}

// Next returns the next byte from the generator
func (bg *ByteGenerator) Next() byte {
	if bg.roundCursor >= 32 {
		bg.currentRound++
		bg.roundCursor = 0
	}
	if bg.roundCursor == 0 {
		bg.generateRound()
	}
	b := bg.buffer[bg.roundCursor]
	bg.roundCursor++
	return b
}

func (bg *ByteGenerator) generateRound() {
	h := hmac.New(sha256.New, []byte(hmacKey))
	h.Write([]byte("ugc:" + strconv.FormatInt(bg.seed, 10) + ":" + strconv.Itoa(bg.currentRound)))
	copy(bg.buffer[:], h.Sum(nil))
}

// RNG is a call-scoped random source. It is not safe for concurrent use;
// each sandboxed call builds its own.
type RNG struct {
	bg    *ByteGenerator
	draws int
}

// New returns a fresh RNG for seed.
func New(seed int64) *RNG {
	return &RNG{bg: NewByteGenerator(seed)}
}

// Random returns a float in [0, 1).
func (r *RNG) Random() float64 {
	r.draws++
	b0 := r.bg.Next()
	b1 := r.bg.Next()
	b2 := r.bg.Next()
	b3 := r.bg.Next()
	return float64(b0)/256.0 +
		float64(b1)/(256.0*256.0) +
		float64(b2)/(256.0*256.0*256.0) +
		float64(b3)/(256.0*256.0*256.0*256.0)
}

// D rolls an n-sided die, returning a value in [1, n].
func (r *RNG) D(n int) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("rng: d(%d): sides must be >= 1", n)
	}
	return 1 + int(r.Random()*float64(n)), nil
}

// Range returns an integer in [min, max], both inclusive.
func (r *RNG) Range(min, max int) (int, error) {
	if max < min {
		return 0, fmt.Errorf("rng: range(%d, %d): max < min", min, max)
	}
	span := max - min + 1
	return min + int(r.Random()*float64(span)), nil
}

// Shuffle returns a Fisher-Yates shuffled copy of in; in is left untouched.
func Shuffle[T any](r *RNG, in []T) []T {
	out := make([]T, len(in))
	copy(out, in)
	for i := len(out) - 1; i > 0; i-- {
		j := int(r.Random() * float64(i+1))
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Draws reports how many floats have been consumed.
func (r *RNG) Draws() int { return r.draws }

// Floats generates count floats for seed.
func Floats(seed int64, count int) []float64 {
	r := New(seed)
	floats := make([]float64, count)
	for i := range floats {
		floats[i] = r.Random()
	}
	return floats
}
