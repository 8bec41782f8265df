package miner

import "errors"

var (
	// ErrClosed is returned by Mine after Close.
	ErrClosed = errors.New("miner closed")

	// ErrParentMismatch is returned when the header to mine does not extend
	// the current head.
	ErrParentMismatch = errors.New("header does not extend the current head")

	// ErrSealFailed finalizes transactions whose block could not be persisted.
	ErrSealFailed = errors.New("block sealing failed")
)
