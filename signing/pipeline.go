package signing

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"liquidswap/chain"
	"liquidswap/lifecycle"
	"liquidswap/observability"
	"liquidswap/prover"
	"liquidswap/storage"
)

// BuildSpec describes one intent entering the pipeline.
type BuildSpec struct {
	OrderID       *uuid.UUID
	EscrowID      *uuid.UUID
	TxType        storage.TxType
	Intent        prover.Intent
	PrevTxs       []string
	FundingUTXO   string
	FundingValue  uint64
	ChangeAddress string
	FillAmount    string
	TakerAddress  string
}

// BuildResult carries the unsigned transactions, their ledger rows, and the
// signing instructions for the caller.
type BuildResult struct {
	Transactions []storage.Transaction        `json:"transactions"`
	Unsigned     []prover.UnsignedTransaction `json:"unsigned"`
	Instructions prover.Instructions          `json:"instructions"`
}

// Pipeline turns intents into unsigned transactions, accepts caller
// signatures, broadcasts, and applies entity effects once confirmation is
// observed. All cross-step state lives in the ledger so a restart between
// build, sign, and broadcast resumes safely.
type Pipeline struct {
	store     *storage.Store
	prover    prover.Prover
	chain     chain.Client
	log       *slog.Logger
	metrics   *observability.EngineMetrics
	feeRate   float64
	chainName string
	now       func() time.Time
}

// NewPipeline wires the pipeline dependencies.
func NewPipeline(store *storage.Store, pv prover.Prover, cl chain.Client, feeRate float64, chainName string, log *slog.Logger, metrics *observability.EngineMetrics) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		store:     store,
		prover:    pv,
		chain:     cl,
		log:       log,
		metrics:   metrics,
		feeRate:   feeRate,
		chainName: chainName,
		now:       time.Now,
	}
}

// Build submits the intent to the prover and records one pending Transaction
// row per unsigned transaction returned.
func (p *Pipeline) Build(ctx context.Context, spec BuildSpec) (*BuildResult, error) {
	req := prover.Request{
		Intent:           spec.Intent,
		PrevTxs:          spec.PrevTxs,
		FundingUTXO:      spec.FundingUTXO,
		FundingUTXOValue: spec.FundingValue,
		ChangeAddress:    spec.ChangeAddress,
		FeeRate:          p.feeRate,
		Chain:            p.chainName,
	}

	start := p.now()
	result, err := p.prover.Prove(ctx, req)
	elapsed := p.now().Sub(start)
	if err != nil {
		outcome := "retryable"
		if lifecycle.Is(err, lifecycle.CodeIntentRejected) {
			outcome = "rejected"
		}
		p.metrics.ObserveProverCall(outcome, elapsed)
		return nil, err
	}
	p.metrics.ObserveProverCall("success", elapsed)

	rows := make([]storage.Transaction, 0, len(result.Transactions))
	for _, unsigned := range result.Transactions {
		row := storage.Transaction{
			OrderID:      spec.OrderID,
			EscrowID:     spec.EscrowID,
			TxType:       spec.TxType,
			TxHex:        unsigned.Hex,
			Status:       storage.TxPending,
			FillAmount:   spec.FillAmount,
			TakerAddress: spec.TakerAddress,
		}
		if err := p.store.CreateTransaction(ctx, &row); err != nil {
			return nil, fmt.Errorf("record pending transaction: %w", err)
		}
		rows = append(rows, row)
	}

	p.log.Info("built signing intent",
		"action", spec.Intent.Action,
		"reference", spec.Intent.Reference,
		"transactions", len(rows),
	)
	return &BuildResult{
		Transactions: rows,
		Unsigned:     result.Transactions,
		Instructions: result.Instructions,
	}, nil
}

// SubmitSigned accepts the caller-supplied signed hex for a pending
// transaction, broadcasts it, and begins confirmation tracking. Submitting
// the same transaction again after broadcast is a no-op that resumes polling
// rather than resubmitting to the network.
func (p *Pipeline) SubmitSigned(ctx context.Context, txnID uuid.UUID, signedHex string) (*storage.Transaction, error) {
	signedHex = strings.TrimSpace(signedHex)
	if signedHex == "" {
		return nil, lifecycle.New(lifecycle.KindSignature, lifecycle.CodeIncompleteSignature, "signed transaction hex is required")
	}
	if _, err := hex.DecodeString(signedHex); err != nil {
		return nil, lifecycle.Wrap(lifecycle.KindSignature, lifecycle.CodeIncompleteSignature, err, "signed transaction hex is malformed")
	}

	var current storage.Transaction
	alreadyBroadcast := false
	err := p.store.WithTransactionForUpdate(ctx, txnID, func(tx *gorm.DB, txn *storage.Transaction) error {
		if txn.TxID != "" {
			// Idempotent broadcast: a txid already exists, so the network has
			// already seen this intent. Resume polling instead.
			alreadyBroadcast = true
			current = *txn
			return nil
		}
		if txn.Status.Terminal() {
			return lifecycle.New(lifecycle.KindStateConflict, lifecycle.CodeAlreadyTerminal,
				"transaction %s is %s", txn.ID, txn.Status).WithEntity(*txn)
		}
		if txn.Status == storage.TxPending {
			if err := storage.ValidateTxTransition(txn.Status, storage.TxSigned); err != nil {
				return lifecycle.Wrap(lifecycle.KindStateConflict, lifecycle.CodeAlreadyTerminal, err, "cannot sign transaction")
			}
			now := p.now()
			txn.Status = storage.TxSigned
			txn.SignedAt = &now
		}
		txn.TxHex = signedHex
		if err := tx.Save(txn).Error; err != nil {
			return err
		}
		current = *txn
		return nil
	})
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, lifecycle.New(lifecycle.KindNotFound, lifecycle.CodeNotFound, "transaction %s not found", txnID)
		}
		return nil, err
	}
	if alreadyBroadcast {
		p.metrics.RecordBroadcast("skipped")
		p.log.Info("broadcast skipped, txid already recorded", "txn", current.ID, "txid", current.TxID)
		p.pollOne(ctx, current.ID)
		updated, err := p.store.GetTransaction(ctx, current.ID)
		if err != nil {
			return &current, nil
		}
		return updated, nil
	}

	txid, err := p.chain.Broadcast(ctx, signedHex)
	if err != nil {
		p.metrics.RecordBroadcast("failed")
		return nil, lifecycle.Wrap(lifecycle.KindExternalService, lifecycle.CodeProverUnavailable, err, "broadcast failed")
	}
	p.metrics.RecordBroadcast("submitted")

	err = p.store.WithTransactionForUpdate(ctx, txnID, func(tx *gorm.DB, txn *storage.Transaction) error {
		if txn.TxID != "" {
			current = *txn
			return nil
		}
		if err := storage.ValidateTxTransition(txn.Status, storage.TxBroadcast); err != nil {
			return lifecycle.Wrap(lifecycle.KindStateConflict, lifecycle.CodeAlreadyTerminal, err, "cannot mark broadcast")
		}
		now := p.now()
		txn.TxID = txid
		txn.Status = storage.TxBroadcast
		txn.BroadcastAt = &now
		if err := tx.Save(txn).Error; err != nil {
			return err
		}
		current = *txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.log.Info("broadcast transaction", "txn", current.ID, "txid", txid, "type", current.TxType)

	// Poll immediately so stub-backed deployments confirm without waiting a
	// full watcher tick.
	p.pollOne(ctx, current.ID)
	updated, err := p.store.GetTransaction(ctx, current.ID)
	if err != nil {
		return &current, nil
	}
	return updated, nil
}

// PollOnce checks every broadcast transaction against the network and applies
// entity effects for those that reached a terminal network state. It returns
// the number of transactions that advanced.
func (p *Pipeline) PollOnce(ctx context.Context) int {
	txns, err := p.store.TransactionsByStatus(ctx, storage.TxBroadcast)
	if err != nil {
		p.log.Error("list broadcast transactions", "error", err)
		return 0
	}
	advanced := 0
	for i := range txns {
		if p.pollOne(ctx, txns[i].ID) {
			advanced++
		}
	}
	return advanced
}

func (p *Pipeline) pollOne(ctx context.Context, txnID uuid.UUID) bool {
	txn, err := p.store.GetTransaction(ctx, txnID)
	if err != nil || txn.Status != storage.TxBroadcast || txn.TxID == "" {
		return false
	}
	p.metrics.RecordPoll()
	state, err := p.chain.TxStatus(ctx, txn.TxID)
	if err != nil {
		p.log.Warn("confirmation poll failed", "txid", txn.TxID, "error", err)
		return false
	}
	if !state.Found || !state.Confirmed {
		return false
	}
	if err := p.confirm(ctx, txnID); err != nil {
		p.log.Error("apply confirmation", "txn", txnID, "error", err)
		return false
	}
	return true
}

// confirm marks the transaction confirmed and applies its entity effect in
// one atomic database transaction.
func (p *Pipeline) confirm(ctx context.Context, txnID uuid.UUID) error {
	return p.store.WithTransactionForUpdate(ctx, txnID, func(tx *gorm.DB, txn *storage.Transaction) error {
		if txn.Status != storage.TxBroadcast {
			return nil
		}
		if err := storage.ValidateTxTransition(txn.Status, storage.TxConfirmed); err != nil {
			return err
		}
		now := p.now()
		txn.Status = storage.TxConfirmed
		txn.ConfirmedAt = &now
		if err := tx.Save(txn).Error; err != nil {
			return err
		}
		if err := p.applyEffect(tx, txn); err != nil {
			return err
		}
		p.metrics.RecordTransition("transaction", string(storage.TxConfirmed))
		p.log.Info("transaction confirmed", "txn", txn.ID, "txid", txn.TxID, "type", txn.TxType)
		return nil
	})
}

// Fail marks a transaction failed and releases any fill reservation it held.
func (p *Pipeline) Fail(ctx context.Context, txnID uuid.UUID, reason string) error {
	err := p.store.WithTransactionForUpdate(ctx, txnID, func(tx *gorm.DB, txn *storage.Transaction) error {
		if txn.Status.Terminal() {
			return nil
		}
		if err := storage.ValidateTxTransition(txn.Status, storage.TxFailed); err != nil {
			return err
		}
		txn.Status = storage.TxFailed
		if err := tx.Save(txn).Error; err != nil {
			return err
		}
		if txn.TxType == storage.TxOrderFill && txn.OrderID != nil {
			if err := releaseReservation(tx, *txn.OrderID, txn.FillAmount); err != nil {
				return err
			}
		}
		p.metrics.RecordTransition("transaction", string(storage.TxFailed))
		p.log.Warn("transaction failed", "txn", txn.ID, "type", txn.TxType, "reason", reason)
		return nil
	})
	if err == storage.ErrNotFound {
		return lifecycle.New(lifecycle.KindNotFound, lifecycle.CodeNotFound, "transaction %s not found", txnID)
	}
	return err
}

// applyEffect mutates the owning order or escrow for a confirmed transaction.
// It runs inside the confirming database transaction with the row locked.
func (p *Pipeline) applyEffect(tx *gorm.DB, txn *storage.Transaction) error {
	switch txn.TxType {
	case storage.TxOrderOpen:
		return p.applyOrderEffect(tx, txn, func(order *storage.Order) error {
			if err := storage.ValidateOrderTransition(order.Status, storage.OrderActive); err != nil {
				return err
			}
			order.Status = storage.OrderActive
			order.TxID = txn.TxID
			return nil
		})
	case storage.TxOrderFill:
		return p.applyOrderEffect(tx, txn, func(order *storage.Order) error {
			return settleFill(order, txn.FillAmount)
		})
	case storage.TxOrderCancel:
		return p.applyOrderEffect(tx, txn, func(order *storage.Order) error {
			if order.Status == storage.OrderCancelled {
				return nil
			}
			if err := storage.ValidateOrderTransition(order.Status, storage.OrderCancelled); err != nil {
				return err
			}
			order.Status = storage.OrderCancelled
			return nil
		})
	case storage.TxEscrowLock:
		return p.applyEscrowEffect(tx, txn, storage.EscrowLocked)
	case storage.TxEscrowRelease:
		return p.applyEscrowEffect(tx, txn, storage.EscrowReleased)
	case storage.TxEscrowRefund:
		return p.applyEscrowEffect(tx, txn, storage.EscrowRefunded)
	case storage.TxEscrowPayout:
		return p.applyEscrowEffect(tx, txn, storage.EscrowResolved)
	default:
		return fmt.Errorf("unknown transaction type %q", txn.TxType)
	}
}

func (p *Pipeline) applyOrderEffect(tx *gorm.DB, txn *storage.Transaction, mutate func(*storage.Order) error) error {
	if txn.OrderID == nil {
		return fmt.Errorf("transaction %s has no order", txn.ID)
	}
	var order storage.Order
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", *txn.OrderID).Error; err != nil {
		return err
	}
	before := order.Status
	if err := mutate(&order); err != nil {
		return err
	}
	if err := tx.Save(&order).Error; err != nil {
		return err
	}
	if order.Status != before {
		p.metrics.RecordTransition("order", string(order.Status))
	}
	return nil
}

func (p *Pipeline) applyEscrowEffect(tx *gorm.DB, txn *storage.Transaction, target storage.EscrowStatus) error {
	if txn.EscrowID == nil {
		return fmt.Errorf("transaction %s has no escrow", txn.ID)
	}
	var escrow storage.Escrow
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&escrow, "id = ?", *txn.EscrowID).Error; err != nil {
		return err
	}
	if escrow.Status == target {
		return nil
	}
	if err := storage.ValidateEscrowTransition(escrow.Status, target); err != nil {
		return err
	}
	escrow.Status = target
	if err := tx.Save(&escrow).Error; err != nil {
		return err
	}
	p.metrics.RecordTransition("escrow", string(target))
	return nil
}

// settleFill moves the confirmed amount from the pending reservation into
// filled_amount and recomputes the order status.
func settleFill(order *storage.Order, fillAmount string) error {
	amount, err := storage.ParseAmount(fillAmount)
	if err != nil {
		return err
	}
	filled, err := storage.ParseAmount(order.FilledAmount)
	if err != nil {
		return err
	}
	pending, err := storage.ParseAmount(order.PendingFillAmount)
	if err != nil {
		return err
	}
	offer, err := storage.ParseAmount(order.OfferAmount)
	if err != nil {
		return err
	}

	filled.Add(filled, amount)
	if filled.Cmp(offer) > 0 {
		return fmt.Errorf("confirmed fill would exceed offer amount on order %s", order.ID)
	}
	pending.Sub(pending, amount)
	if pending.Sign() < 0 {
		pending = big.NewInt(0)
	}

	target := storage.OrderPartiallyFilled
	if filled.Cmp(offer) == 0 {
		target = storage.OrderFilled
	}
	if err := storage.ValidateOrderTransition(order.Status, target); err != nil {
		return err
	}
	order.FilledAmount = filled.String()
	order.PendingFillAmount = pending.String()
	order.Status = target
	return nil
}

// releaseReservation returns a failed fill's amount to the fillable pool.
func releaseReservation(tx *gorm.DB, orderID uuid.UUID, fillAmount string) error {
	amount, err := storage.ParseAmount(fillAmount)
	if err != nil || amount.Sign() == 0 {
		return err
	}
	var order storage.Order
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", orderID).Error; err != nil {
		return err
	}
	pending, err := storage.ParseAmount(order.PendingFillAmount)
	if err != nil {
		return err
	}
	pending.Sub(pending, amount)
	if pending.Sign() < 0 {
		pending = big.NewInt(0)
	}
	order.PendingFillAmount = pending.String()
	return tx.Save(&order).Error
}
