package mempool

import "errors"

var (
	// ErrAlreadyKnown is returned when adding a transaction that already exists in the pool.
	ErrAlreadyKnown = errors.New("transaction already known")

	// ErrInvalidSender is returned when the transaction sender cannot be derived.
	ErrInvalidSender = errors.New("invalid sender")

	// ErrNonceTooLow is returned when the transaction nonce is below the sender's
	// next expected nonce and there is nothing at that nonce to replace.
	ErrNonceTooLow = errors.New("nonce too low")

	// ErrReplaceUnderpriced is returned when a transaction with the same origin and
	// nonce does not pay enough more than the one it tries to replace.
	ErrReplaceUnderpriced = errors.New("replacement transaction underpriced")

	// ErrReplaceLocked is returned when the transaction at that nonce is already
	// being mined.
	ErrReplaceLocked = errors.New("transaction is already being mined")

	// ErrReplaced finalizes a transaction that was superseded by a better priced one.
	ErrReplaced = errors.New("transaction replaced")

	// ErrGasLimit is returned when the transaction gas exceeds the block gas limit.
	ErrGasLimit = errors.New("exceeds block gas limit")

	// ErrIntrinsicGas is returned when the transaction gas is below its intrinsic cost.
	ErrIntrinsicGas = errors.New("intrinsic gas too low")

	// ErrTipAboveFeeCap is returned when the priority fee exceeds the fee cap.
	ErrTipAboveFeeCap = errors.New("max priority fee per gas higher than max fee per gas")

	// ErrTxTypeNotSupported is returned for transaction types the active fork rules reject.
	ErrTxTypeNotSupported = errors.New("transaction type not supported")

	// ErrPoolCleared finalizes transactions discarded by Clear.
	ErrPoolCleared = errors.New("transaction pool cleared")
)
