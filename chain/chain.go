// Package chain abstracts the settlement network: broadcasting signed
// transactions, polling their confirmation state, and reading the current
// block height.
package chain

import "context"

// TxState is the observed confirmation state of a broadcast transaction.
type TxState struct {
	Found         bool
	Confirmed     bool
	Confirmations int64
}

// Client is the settlement-network surface the signing pipeline depends on.
// Implementations must be safe for concurrent use.
type Client interface {
	// Broadcast submits a fully signed transaction and returns its txid.
	Broadcast(ctx context.Context, txHex string) (string, error)
	// TxStatus reports the confirmation state for a txid.
	TxStatus(ctx context.Context, txid string) (TxState, error)
	// Height returns the current best block height.
	Height(ctx context.Context) (int64, error)
}
