package fees

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func header(gasLimit, gasUsed uint64, baseFee int64) *types.Header {
	h := &types.Header{
		Number:   big.NewInt(1),
		GasLimit: gasLimit,
		GasUsed:  gasUsed,
	}
	if baseFee >= 0 {
		h.BaseFee = big.NewInt(baseFee)
	}
	return h
}

func TestNextBaseFee(t *testing.T) {
	tests := []struct {
		name    string
		limit   uint64
		used    uint64
		baseFee int64
		want    int64
	}{
		{"at target unchanged", 30_000_000, 15_000_000, 1_000_000_000, 1_000_000_000},
		{"full block +12.5%", 30_000_000, 30_000_000, 1_000_000_000, 1_125_000_000},
		{"empty block -12.5%", 30_000_000, 0, 1_000_000_000, 875_000_000},
		{"slightly above target floors delta to 1", 30_000_000, 15_000_001, 8, 9},
		{"slightly below target has no floor", 30_000_000, 14_999_999, 8, 8},
		{"zero target unchanged", 1, 1, 100, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextBaseFee(header(tt.limit, tt.used, tt.baseFee))
			require.NotNil(t, got)
			assert.Equal(t, big.NewInt(tt.want), got)
		})
	}
}

func TestNextBaseFee_Legacy(t *testing.T) {
	assert.Nil(t, NextBaseFee(header(30_000_000, 15_000_000, -1)))
	assert.Nil(t, NextBaseFee(nil))
}

func TestNextBaseFee_DoesNotMutateParent(t *testing.T) {
	parent := header(30_000_000, 30_000_000, 1_000_000_000)
	NextBaseFee(parent)
	assert.Equal(t, big.NewInt(1_000_000_000), parent.BaseFee)
}

func TestMaxBaseFeeOverNBlocks_OneBlock(t *testing.T) {
	parent := header(30_000_000, 30_000_000, 1_000_000_000)
	assert.Equal(t, NextBaseFee(parent), MaxBaseFeeOverNBlocks(1, parent))
}

func TestMaxBaseFeeOverNBlocks_FloorsEachStep(t *testing.T) {
	for _, base := range []int64{7, 100, 1_000_000_000, 123_456_789} {
		parent := header(30_000_000, 30_000_000, base)

		// walk the chain one full block at a time
		want := new(big.Int).Set(parent.BaseFee)
		cur := parent
		for i := 0; i < 5; i++ {
			want = NextBaseFee(cur)
			cur = header(30_000_000, 30_000_000, want.Int64())
		}
		assert.Equal(t, want, MaxBaseFeeOverNBlocks(5, parent), "base fee %d", base)
	}
}

func TestMaxBaseFeeOverNBlocks_Edges(t *testing.T) {
	parent := header(30_000_000, 0, 1_000_000_000)
	assert.Equal(t, big.NewInt(1_000_000_000), MaxBaseFeeOverNBlocks(0, parent))
	assert.Equal(t, big.NewInt(1_125_000_000), MaxBaseFeeOverNBlocks(1, parent), "gas used is ignored")
	assert.Nil(t, MaxBaseFeeOverNBlocks(3, header(30_000_000, 0, -1)))
}

func TestEffectiveGasPrice(t *testing.T) {
	to := common.HexToAddress("0xdead")
	legacy := types.NewTx(&types.LegacyTx{Nonce: 0, To: &to, Gas: 21000, GasPrice: big.NewInt(5)})
	dynamic := types.NewTx(&types.DynamicFeeTx{
		Nonce:     0,
		To:        &to,
		Gas:       21000,
		GasFeeCap: big.NewInt(100),
		GasTipCap: big.NewInt(10),
	})

	assert.Equal(t, big.NewInt(5), EffectiveGasPrice(legacy, nil))
	assert.Equal(t, big.NewInt(5), EffectiveGasPrice(legacy, big.NewInt(3)))
	assert.Equal(t, big.NewInt(60), EffectiveGasPrice(dynamic, big.NewInt(50)))
	assert.Equal(t, big.NewInt(100), EffectiveGasPrice(dynamic, big.NewInt(95)), "capped by fee cap")
	assert.Equal(t, big.NewInt(100), EffectiveGasPrice(dynamic, nil))

	assert.True(t, Affordable(dynamic, big.NewInt(100)))
	assert.False(t, Affordable(dynamic, big.NewInt(101)))
	assert.False(t, Affordable(legacy, big.NewInt(6)))
	assert.True(t, Affordable(legacy, nil))
}
