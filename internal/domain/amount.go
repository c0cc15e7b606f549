package domain

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	sdkmath "cosmossdk.io/math"
)

// Amount is a signed 128-bit quantity of the payment asset.
type Amount = sdkmath.Int

// ContractID is an unsigned 128-bit contract identifier.
type ContractID = sdkmath.Uint

var (
	// MaxAmount and MinAmount bound the signed 128-bit range.
	MaxAmount = sdkmath.NewIntFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1)))
	MinAmount = sdkmath.NewIntFromBigInt(new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127)))

	// MaxContractID bounds the unsigned 128-bit identifier space.
	MaxContractID = sdkmath.NewUintFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1)))
)

func ZeroAmount() Amount { return sdkmath.ZeroInt() }

func NewAmount(v int64) Amount { return sdkmath.NewInt(v) }

// AmountInRange reports whether a fits in a signed 128-bit integer.
func AmountInRange(a Amount) bool {
	if a.IsNil() {
		return false
	}
	return !a.GT(MaxAmount) && !a.LT(MinAmount)
}

// ParseAmount parses a base-10 signed 128-bit integer.
func ParseAmount(v string) (Amount, error) {
	a, ok := sdkmath.NewIntFromString(strings.TrimSpace(v))
	if !ok {
		return Amount{}, fmt.Errorf("%w: amount %q is not an integer", ErrInvalidArgument, v)
	}
	if !AmountInRange(a) {
		return Amount{}, fmt.Errorf("%w: amount %s overflows 128 bits", ErrInvalidArgument, v)
	}
	return a, nil
}

// SaturatingAdd adds b to a, clamping at the signed 128-bit bounds.
func SaturatingAdd(a, b Amount) Amount {
	sum := a.Add(b)
	if sum.GT(MaxAmount) {
		return MaxAmount
	}
	if sum.LT(MinAmount) {
		return MinAmount
	}
	return sum
}

func SaturatingAddU64(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func SaturatingAddU32(a, b uint32) uint32 {
	if a > math.MaxUint32-b {
		return math.MaxUint32
	}
	return a + b
}

// HalfTruncated returns a/2 rounded toward zero.
func HalfTruncated(a Amount) Amount {
	return a.QuoRaw(2)
}

func NewContractID(v uint64) ContractID { return sdkmath.NewUint(v) }

func ZeroContractID() ContractID { return sdkmath.ZeroUint() }

// ParseContractID parses a base-10 unsigned 128-bit identifier.
func ParseContractID(v string) (ContractID, error) {
	id, err := sdkmath.ParseUint(strings.TrimSpace(v))
	if err != nil {
		return ContractID{}, fmt.Errorf("%w: contract id %q: %v", ErrInvalidArgument, v, err)
	}
	if id.GT(MaxContractID) {
		return ContractID{}, fmt.Errorf("%w: contract id %s overflows 128 bits", ErrInvalidArgument, v)
	}
	return id, nil
}
