package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// Stub is an in-memory settlement network for mock mode and tests. Broadcast
// transactions confirm instantly so intents flow through the same pipeline
// states without network access.
type Stub struct {
	mu     sync.Mutex
	height int64
	txs    map[string]int64
}

// NewStub returns a stub network at height 1.
func NewStub() *Stub {
	return &Stub{height: 1, txs: make(map[string]int64)}
}

// Broadcast derives a deterministic txid from the hex and records it as
// confirmed at the current height.
func (s *Stub) Broadcast(_ context.Context, txHex string) (string, error) {
	trimmed := strings.TrimSpace(txHex)
	if trimmed == "" {
		return "", fmt.Errorf("empty transaction hex")
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return "", fmt.Errorf("malformed transaction hex: %w", err)
	}
	digest := sha256.Sum256([]byte(trimmed))
	txid := hex.EncodeToString(digest[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.txs[txid]; !exists {
		s.txs[txid] = s.height
	}
	return txid, nil
}

// TxStatus reports broadcast transactions as confirmed immediately.
func (s *Stub) TxStatus(_ context.Context, txid string) (TxState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	confirmedAt, ok := s.txs[txid]
	if !ok {
		return TxState{Found: false}, nil
	}
	return TxState{
		Found:         true,
		Confirmed:     true,
		Confirmations: s.height - confirmedAt + 1,
	}, nil
}

// Height returns the stub height.
func (s *Stub) Height(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height, nil
}

// SetHeight advances (or rewinds) the stub height; used by tests exercising
// expiry and refund timing.
func (s *Stub) SetHeight(height int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height = height
}

// Seen reports whether a txid was ever broadcast; used by tests asserting
// idempotent broadcast produced exactly one network submission.
func (s *Stub) Seen(txid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.txs[txid]
	return ok
}
