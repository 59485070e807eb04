// Package ehash values accepted shares by their proof of work.
//
// The valuation is exponential: every additional leading zero bit above the
// configured floor doubles the amount, up to 2^63.
package ehash

import "math/bits"

// MaxExponent caps the amount at 2^63
const MaxExponent = 63

// CalculateDifficulty returns the number of leading zero bits of hash, reading
// from the most significant byte. An all-zero hash yields 256.
func CalculateDifficulty(hash [32]byte) uint32 {
	var count uint32
	for _, b := range hash {
		if b == 0 {
			count += 8
			continue
		}
		return count + uint32(bits.LeadingZeros8(b))
	}
	return count
}

// CalculateEhashAmount returns 0 when hash has fewer than minLeadingZeros
// leading zero bits, otherwise 2^(leadingZeros-minLeadingZeros) saturating at 2^63.
func CalculateEhashAmount(hash [32]byte, minLeadingZeros uint32) uint64 {
	return AmountForDifficulty(CalculateDifficulty(hash), minLeadingZeros)
}

// AmountForDifficulty applies the valuation curve to an already computed
// leading zero count.
func AmountForDifficulty(leadingZeros, minLeadingZeros uint32) uint64 {
	if leadingZeros < minLeadingZeros {
		return 0
	}
	exp := leadingZeros - minLeadingZeros
	if exp >= MaxExponent {
		return 1 << MaxExponent
	}
	return 1 << exp
}
