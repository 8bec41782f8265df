// Package fees implements the EIP-1559 fee market arithmetic used when
// producing blocks. All math is integer-only and truncates after every step,
// exactly as consensus clients do.
package fees

import (
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

const (
	// ElasticityMultiplier bounds the maximum gas limit an EIP-1559 block may
	// have relative to its gas target.
	ElasticityMultiplier = 2

	// BaseFeeChangeDenominator bounds the amount the base fee can change
	// between blocks (1/8 = 12.5%).
	BaseFeeChangeDenominator = 8
)

// InitialBaseFee is the base fee of the first fee-market block.
var InitialBaseFee = big.NewInt(params.InitialBaseFee)

var bigOne = big.NewInt(1)

// NextBaseFee returns the base fee of the block following parent. It returns
// nil when parent has no base fee, meaning the chain is in legacy gas-price
// mode.
//
// The decrease branch does not floor its delta to 1 while the increase branch
// does; this asymmetry is part of EIP-1559 and must be kept.
func NextBaseFee(parent *types.Header) *big.Int {
	if parent == nil || parent.BaseFee == nil {
		return nil
	}
	target := parent.GasLimit / ElasticityMultiplier
	if target == 0 || parent.GasUsed == target {
		return new(big.Int).Set(parent.BaseFee)
	}

	var (
		num   = new(big.Int)
		denom = new(big.Int).SetUint64(target)
	)
	if parent.GasUsed > target {
		num.SetUint64(parent.GasUsed - target)
		num.Mul(num, parent.BaseFee)
		num.Div(num, denom)
		num.Div(num, big.NewInt(BaseFeeChangeDenominator))
		if num.Cmp(bigOne) < 0 {
			num.Set(bigOne)
		}
		return num.Add(num, parent.BaseFee)
	}

	num.SetUint64(target - parent.GasUsed)
	num.Mul(num, parent.BaseFee)
	num.Div(num, denom)
	num.Div(num, big.NewInt(BaseFeeChangeDenominator))
	return num.Sub(parent.BaseFee, num)
}

// MaxBaseFeeOverNBlocks returns the highest base fee the chain could reach n
// blocks after parent, assuming every block is completely full. The result is
// truncated after every single-block step; a closed-form compounding formula
// would drift below what the chain actually produces.
func MaxBaseFeeOverNBlocks(n uint64, parent *types.Header) *big.Int {
	if parent == nil || parent.BaseFee == nil {
		return nil
	}
	fee := new(big.Int).Set(parent.BaseFee)
	target := parent.GasLimit / ElasticityMultiplier
	if target == 0 {
		return fee
	}

	var (
		usedDelta = new(big.Int).SetUint64(parent.GasLimit - target)
		denom     = new(big.Int).SetUint64(target)
		step      = new(big.Int)
	)
	for i := uint64(0); i < n; i++ {
		step.Mul(fee, usedDelta)
		step.Div(step, denom)
		step.Div(step, big.NewInt(BaseFeeChangeDenominator))
		if step.Cmp(bigOne) < 0 {
			step.Set(bigOne)
		}
		fee.Add(fee, step)
	}
	return fee
}

// EffectiveGasPrice returns the price per gas tx pays in a block with the
// given base fee. Legacy transactions and legacy-mode blocks pay the flat gas
// price.
func EffectiveGasPrice(tx *types.Transaction, baseFee *big.Int) *big.Int {
	if baseFee == nil {
		return new(big.Int).Set(tx.GasPrice())
	}
	switch tx.Type() {
	case types.LegacyTxType, types.AccessListTxType:
		return new(big.Int).Set(tx.GasPrice())
	}
	price := new(big.Int).Add(baseFee, tx.GasTipCap())
	if feeCap := tx.GasFeeCap(); price.Cmp(feeCap) > 0 {
		price.Set(feeCap)
	}
	return price
}

// Affordable reports whether tx can pay the base fee of a block.
func Affordable(tx *types.Transaction, baseFee *big.Int) bool {
	if baseFee == nil {
		return true
	}
	return tx.GasFeeCap().Cmp(baseFee) >= 0
}
