package prover

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Stub is a deterministic in-process prover used in mock mode and in tests.
// The same request always yields the same transaction so pipeline behavior is
// reproducible without network access.
type Stub struct{}

// NewStub returns the deterministic prover.
func NewStub() *Stub {
	return &Stub{}
}

// Prove derives a transaction from a digest of the request. It never fails
// for well-formed intents.
func (s *Stub) Prove(_ context.Context, req Request) (*Result, error) {
	if req.Intent.Action == "" {
		return nil, fmt.Errorf("intent action is required")
	}
	canonical, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(canonical)
	txid := hex.EncodeToString(digest[:])

	return &Result{
		Transactions: []UnsignedTransaction{
			{
				Hex:  stubTxHex(txid),
				TxID: txid,
				InputsToSign: []InputSigning{
					{Index: 0, Address: req.ChangeAddress},
				},
			},
		},
		Instructions: Instructions{
			Message: fmt.Sprintf("Sign the %s transaction with your wallet, then submit the signed hex.", req.Intent.Action),
			Steps: []string{
				"Review the unsigned transaction",
				"Sign each listed input with the wallet holding the address",
				"Submit the signed hex to the broadcast endpoint",
			},
			BroadcastEndpoint: fmt.Sprintf("/orders/%s/broadcast", req.Intent.Reference),
		},
	}, nil
}

// Ping always succeeds with zero latency.
func (s *Stub) Ping(context.Context) (time.Duration, error) {
	return 0, nil
}

// stubTxHex builds a minimal placeholder transaction envelope around the
// derived txid so downstream hex validation passes.
func stubTxHex(txid string) string {
	return "0200000001" + txid + "0000000000ffffffff0100000000000000000000000000"
}
