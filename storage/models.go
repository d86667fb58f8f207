package storage

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Order is a standing offer to exchange offer_amount of offer_token on the
// source chain for want_amount of want_token on the destination chain.
// Amounts are persisted as decimal strings; arithmetic happens in math/big.
type Order struct {
	ID                uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	MakerAddress      string      `gorm:"size:128;index" json:"maker_address"`
	OfferToken        string      `gorm:"size:64;index" json:"offer_token"`
	OfferAmount       string      `gorm:"size:78" json:"offer_amount"`
	WantToken         string      `gorm:"size:64;index" json:"want_token"`
	WantAmount        string      `gorm:"size:78" json:"want_amount"`
	SourceChain       string      `gorm:"size:32;index" json:"source_chain"`
	DestChain         string      `gorm:"size:32;index" json:"dest_chain"`
	Status            OrderStatus `gorm:"size:32;index" json:"status"`
	AllowPartial      bool        `json:"allow_partial"`
	FilledAmount      string      `gorm:"size:78" json:"filled_amount"`
	PendingFillAmount string      `gorm:"size:78" json:"pending_fill_amount"`
	ExpiryHeight      int64       `gorm:"index" json:"expiry_height"`
	UTXOID            string      `gorm:"size:128" json:"utxo_id"`
	TxID              string      `gorm:"size:64" json:"tx_id"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Transaction is one signed-or-unsigned transaction produced by the signing
// pipeline for an order or escrow action. Its status only advances forward.
type Transaction struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID      *uuid.UUID `gorm:"type:uuid;index;constraint:OnDelete:CASCADE" json:"order_id,omitempty"`
	EscrowID     *uuid.UUID `gorm:"type:uuid;index" json:"escrow_id,omitempty"`
	TxType       TxType     `gorm:"size:32;index" json:"tx_type"`
	TxHex        string     `gorm:"type:text" json:"tx_hex"`
	TxID         string     `gorm:"size:64;index" json:"txid"`
	Status       TxStatus   `gorm:"size:16;index" json:"status"`
	FillAmount   string     `gorm:"size:78" json:"fill_amount,omitempty"`
	TakerAddress string     `gorm:"size:128" json:"taker_address,omitempty"`
	SignedAt     *time.Time `json:"signed_at,omitempty"`
	BroadcastAt  *time.Time `json:"broadcast_at,omitempty"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Escrow is a hold of amount token owned jointly by depositor and recipient,
// optionally supervised by an arbiter. Party addresses are compressed
// secp256k1 public keys in hex; release/refund/resolve signatures are
// verified against them.
type Escrow struct {
	ID               uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID          *uuid.UUID   `gorm:"type:uuid;index;constraint:OnDelete:SET NULL" json:"order_id,omitempty"`
	DepositorAddress string       `gorm:"size:128;index" json:"depositor_address"`
	RecipientAddress string       `gorm:"size:128;index" json:"recipient_address"`
	ArbiterAddress   string       `gorm:"size:128" json:"arbiter_address,omitempty"`
	EscrowType       EscrowType   `gorm:"size:16" json:"escrow_type"`
	Amount           string       `gorm:"size:78" json:"amount"`
	Token            string       `gorm:"size:64" json:"token"`
	Status           EscrowStatus `gorm:"size:16;index" json:"status"`
	LockTime         int64        `json:"lock_time"`
	Hashlock         string       `gorm:"size:64" json:"hashlock,omitempty"`
	Preimage         string       `gorm:"size:128" json:"preimage,omitempty"`
	Winner           string       `gorm:"size:128" json:"winner,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Order{},
		&Transaction{},
		&Escrow{},
		&IdempotencyKey{},
	)
}

// ParseAmount parses a non-negative decimal amount string.
func ParseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

// Remaining computes offer_amount - filled_amount - pending_fill_amount.
func (o *Order) Remaining() (*big.Int, error) {
	offer, err := ParseAmount(o.OfferAmount)
	if err != nil {
		return nil, err
	}
	filled, err := ParseAmount(o.FilledAmount)
	if err != nil {
		return nil, err
	}
	pending, err := ParseAmount(o.PendingFillAmount)
	if err != nil {
		return nil, err
	}
	remaining := new(big.Int).Sub(offer, filled)
	remaining.Sub(remaining, pending)
	return remaining, nil
}
