package storage

import "fmt"

// OrderStatus represents a state in the order lifecycle.
type OrderStatus string

// All order lifecycle states.
const (
	OrderPendingSignature OrderStatus = "pending_signature"
	OrderActive           OrderStatus = "active"
	OrderPartiallyFilled  OrderStatus = "partially_filled"
	OrderFilled           OrderStatus = "filled"
	OrderCancelled        OrderStatus = "cancelled"
	OrderExpired          OrderStatus = "expired"
)

// TxStatus represents a state in the transaction pipeline. Transactions only
// move forward; they never revert to an earlier state.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxSigned    TxStatus = "signed"
	TxBroadcast TxStatus = "broadcast"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// EscrowStatus represents a state in the escrow lifecycle.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowLocked   EscrowStatus = "locked"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowDisputed EscrowStatus = "disputed"
	EscrowResolved EscrowStatus = "resolved"
)

// EscrowType selects the trust arrangement governing release.
type EscrowType string

const (
	EscrowTwoParty   EscrowType = "two_party"
	EscrowTwoOfTwo   EscrowType = "two_of_two"
	EscrowTwoOfThree EscrowType = "two_of_three"
)

// TxType tags a transaction with the lifecycle action that produced it.
type TxType string

const (
	TxOrderOpen     TxType = "order_open"
	TxOrderFill     TxType = "order_fill"
	TxOrderCancel   TxType = "order_cancel"
	TxEscrowLock    TxType = "escrow_lock"
	TxEscrowRelease TxType = "escrow_release"
	TxEscrowRefund  TxType = "escrow_refund"
	TxEscrowPayout  TxType = "escrow_payout"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPendingSignature: {OrderActive, OrderCancelled, OrderExpired},
	OrderActive:           {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderExpired},
	OrderPartiallyFilled:  {OrderPartiallyFilled, OrderActive, OrderFilled, OrderCancelled, OrderExpired},
	OrderFilled:           {},
	OrderCancelled:        {},
	OrderExpired:          {},
}

var txTransitions = map[TxStatus][]TxStatus{
	TxPending:   {TxSigned, TxFailed},
	TxSigned:    {TxBroadcast, TxFailed},
	TxBroadcast: {TxConfirmed, TxFailed},
	TxConfirmed: {},
	TxFailed:    {},
}

var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowPending:  {EscrowLocked, EscrowRefunded},
	EscrowLocked:   {EscrowReleased, EscrowRefunded, EscrowDisputed},
	EscrowDisputed: {EscrowResolved},
	EscrowReleased: {},
	EscrowRefunded: {},
	EscrowResolved: {},
}

// ValidateOrderTransition reports whether an order may move between states.
func ValidateOrderTransition(from, to OrderStatus) error {
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid order transition %s -> %s", from, to)
}

// ValidateTxTransition reports whether a transaction may move between states.
func ValidateTxTransition(from, to TxStatus) error {
	for _, allowed := range txTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transaction transition %s -> %s", from, to)
}

// ValidateEscrowTransition reports whether an escrow may move between states.
func ValidateEscrowTransition(from, to EscrowStatus) error {
	for _, allowed := range escrowTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid escrow transition %s -> %s", from, to)
}

// Terminal reports whether the order status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

// Terminal reports whether the transaction status admits no further transitions.
func (s TxStatus) Terminal() bool {
	return len(txTransitions[s]) == 0
}

// Terminal reports whether the escrow status admits no further transitions.
func (s EscrowStatus) Terminal() bool {
	return len(escrowTransitions[s]) == 0
}

// Valid reports whether the escrow type is one of the supported arrangements.
func (t EscrowType) Valid() bool {
	switch t {
	case EscrowTwoParty, EscrowTwoOfTwo, EscrowTwoOfThree:
		return true
	default:
		return false
	}
}
