// Package simhash fingerprints page layouts so that a structural redesign
// of the target site shows up as a large Hamming distance.
package simhash

import (
	"hash/fnv"
	"io"
	"math/bits"
)

// Feature is one token and the strength of its vote.
type Feature struct {
	Token  string
	Weight int
}

// Tokens gives every token weight 1.
func Tokens(tokens []string) []Feature {
	out := make([]Feature, len(tokens))
	for i, t := range tokens {
		out[i] = Feature{Token: t, Weight: 1}
	}
	return out
}

// Fingerprint computes a 64-bit SimHash. Each feature adds its weight to the
// bits set in its FNV-64a hash and subtracts it from the rest. Features with
// a non-positive weight are ignored; no features yields 0.
func Fingerprint(features []Feature) uint64 {
	var acc [64]int
	voted := false
	h := fnv.New64a()
	for _, f := range features {
		if f.Weight <= 0 {
			continue
		}
		h.Reset()
		io.WriteString(h, f.Token)
		sum := h.Sum64()
		for i := range acc {
			if sum>>uint(i)&1 == 1 {
				acc[i] += f.Weight
			} else {
				acc[i] -= f.Weight
			}
		}
		voted = true
	}
	if !voted {
		return 0
	}

	var fp uint64
	for i, v := range acc {
		if v > 0 {
			fp |= 1 << uint(i)
		}
	}
	return fp
}

// Distance returns the Hamming distance between two fingerprints.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
