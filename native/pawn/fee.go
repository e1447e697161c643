package pawn

import (
	"fmt"

	"github.com/holiman/uint256"
)

// MaxFeeBps is 100% expressed in basis points.
const MaxFeeBps = 10_000

var basisPoints = uint256.NewInt(MaxFeeBps)

// ComputeFee returns floor(principal * feeBps / 10000) and principal plus that
// fee. Intermediates are 256-bit so only the final total can overflow.
func ComputeFee(principal uint64, feeBps uint32) (fee uint64, total uint64, err error) {
	if feeBps > MaxFeeBps {
		return 0, 0, fmt.Errorf("%w: fee %d bps exceeds %d", ErrInvalidInput, feeBps, MaxFeeBps)
	}
	p := uint256.NewInt(principal)
	f := new(uint256.Int).Mul(p, uint256.NewInt(uint64(feeBps)))
	f.Div(f, basisPoints)
	sum := new(uint256.Int).Add(p, f)
	if !f.IsUint64() || !sum.IsUint64() {
		return 0, 0, ErrMathOverflow
	}
	return f.Uint64(), sum.Uint64(), nil
}
