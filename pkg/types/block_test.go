package types

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlock_SerializeRoundTrip(t *testing.T) {
	to := common.HexToAddress("0xbeef")
	tx := types.NewTx(&types.LegacyTx{Nonce: 3, To: &to, Gas: 21000, GasPrice: big.NewInt(1)})
	header := &types.Header{
		Number:     big.NewInt(7),
		GasLimit:   30_000_000,
		Difficulty: common.Big0,
		BaseFee:    big.NewInt(875_000_000),
	}
	block := &Block{Header: header, Transactions: []*types.Transaction{tx}}

	data, err := block.Serialize()
	require.NoError(t, err)
	decoded, err := DecodeBlock(data)
	require.NoError(t, err)

	assert.Equal(t, block.Hash(), decoded.Hash())
	assert.Equal(t, uint64(7), decoded.Number())
	require.Len(t, decoded.Transactions, 1)
	assert.Equal(t, tx.Hash(), decoded.Transactions[0].Hash())
	assert.Nil(t, decoded.Receipts)
}

func TestBlock_SerializeWithWithdrawals(t *testing.T) {
	empty := types.EmptyWithdrawalsHash
	header := &types.Header{
		Number:          big.NewInt(1),
		Difficulty:      common.Big0,
		BaseFee:         big.NewInt(1),
		WithdrawalsHash: &empty,
	}
	block := &Block{Header: header}

	data, err := block.Serialize()
	require.NoError(t, err)
	decoded, err := DecodeBlock(data)
	require.NoError(t, err)
	assert.Equal(t, block.Hash(), decoded.Hash())
	assert.Empty(t, decoded.Transactions)
}

func TestDecodeBlock_Garbage(t *testing.T) {
	_, err := DecodeBlock([]byte{0x01, 0x02})
	assert.Error(t, err)
}
