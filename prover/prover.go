package prover

import (
	"context"
	"time"
)

// Intent is a declarative description of a desired state change that requires
// one or more signed transactions to realize.
type Intent struct {
	Action    string            `json:"action"`
	Reference string            `json:"reference"`
	Details   map[string]string `json:"details,omitempty"`
}

// Request is the payload submitted to the prover: the intent plus the prior
// transaction context, a funding reference, a change address, and a fee rate.
type Request struct {
	Intent           Intent   `json:"intent"`
	PrevTxs          []string `json:"prev_txs"`
	FundingUTXO      string   `json:"funding_utxo"`
	FundingUTXOValue uint64   `json:"funding_utxo_value"`
	ChangeAddress    string   `json:"change_address"`
	FeeRate          float64  `json:"fee_rate"`
	Chain            string   `json:"chain"`
}

// InputSigning names one transaction input the caller must sign.
type InputSigning struct {
	Index   int    `json:"index"`
	Address string `json:"address"`
	SigHash string `json:"sighash,omitempty"`
}

// UnsignedTransaction is one transaction returned by the prover awaiting
// caller signatures.
type UnsignedTransaction struct {
	Hex          string         `json:"hex"`
	TxID         string         `json:"txid"`
	InputsToSign []InputSigning `json:"inputs_to_sign"`
}

// Instructions carries the human-readable signing guidance surfaced alongside
// build responses.
type Instructions struct {
	Message           string   `json:"message"`
	Steps             []string `json:"steps"`
	BroadcastEndpoint string   `json:"broadcast_endpoint"`
}

// Result is a successful prover response.
type Result struct {
	Transactions []UnsignedTransaction `json:"transactions"`
	Instructions Instructions          `json:"instructions"`
}

// Prover converts an intent into unsigned transactions. Implementations must
// be safe for concurrent use. Ping reports reachability and round-trip
// latency for health checks.
type Prover interface {
	Prove(ctx context.Context, req Request) (*Result, error)
	Ping(ctx context.Context) (time.Duration, error)
}
