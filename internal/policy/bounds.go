// Package policy holds the safety bounds applied to every collateralization
// ratio before it is used to size an issuance, on both the automatic and the
// manual paths.
package policy

import "math/big"

// All ratios are in basis points (10000 = 100%).
const (
	BasisPoints = 10000

	// AbsoluteFloor is never undercut: issuance can not exceed collateral value.
	AbsoluteFloor = 10000
	// MaxRatio caps how conservative a recommendation may be.
	MaxRatio = 17000

	MinRatioHighConfidence   = 13000
	MinRatioMediumConfidence = 13500
	MinRatioLowConfidence    = 14000

	HighConfidence   = 80
	MediumConfidence = 60
)

// MinRatio returns the confidence-tiered lower bound.
func MinRatio(confidence int) int {
	confidence = clampConfidence(confidence)
	switch {
	case confidence >= HighConfidence:
		return MinRatioHighConfidence
	case confidence >= MediumConfidence:
		return MinRatioMediumConfidence
	default:
		return MinRatioLowConfidence
	}
}

// Bound clamps a proposed ratio into [MinRatio(confidence), MaxRatio].
// The absolute floor is applied first.
func Bound(ratio, confidence int) int {
	if ratio < AbsoluteFloor {
		ratio = AbsoluteFloor
	}
	lo := MinRatio(confidence)
	if ratio < lo {
		return lo
	}
	if ratio > MaxRatio {
		return MaxRatio
	}
	return ratio
}

// MintAmount returns floor(value * 10000 / ratio). A nil or non-positive
// value, or a non-positive ratio, yields zero.
func MintAmount(value *big.Int, ratio int) *big.Int {
	if value == nil || value.Sign() <= 0 || ratio <= 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(value, big.NewInt(BasisPoints))
	return out.Quo(out, big.NewInt(int64(ratio)))
}

func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
