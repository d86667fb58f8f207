package orders

import (
	"context"
	"log/slog"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"liquidswap/chain"
	"liquidswap/lifecycle"
	"liquidswap/observability"
	"liquidswap/prover"
	"liquidswap/signing"
	"liquidswap/storage"
)

// CreateSpec describes a new order.
type CreateSpec struct {
	MakerAddress  string `json:"maker_address"`
	OfferToken    string `json:"offer_token"`
	OfferAmount   string `json:"offer_amount"`
	WantToken     string `json:"want_token"`
	WantAmount    string `json:"want_amount"`
	SourceChain   string `json:"source_chain"`
	DestChain     string `json:"dest_chain"`
	AllowPartial  bool   `json:"allow_partial"`
	FundingUTXO   string `json:"funding_utxo"`
	FundingValue  uint64 `json:"funding_utxo_value"`
	ChangeAddress string `json:"change_address"`
}

// FillSpec describes a fill attempt. An empty Amount means the full remaining
// amount.
type FillSpec struct {
	TakerAddress  string `json:"taker_address"`
	Amount        string `json:"amount,omitempty"`
	FundingUTXO   string `json:"funding_utxo"`
	FundingValue  uint64 `json:"funding_utxo_value"`
	ChangeAddress string `json:"change_address"`
}

// Manager owns the order state machine: creation, fill accounting,
// cancellation, and expiry. Fill amounts are reserved under a row lock before
// the signing pipeline is engaged, so concurrent attempts against the same
// order serialize at the ledger.
type Manager struct {
	store        *storage.Store
	pipeline     *signing.Pipeline
	chain        chain.Client
	log          *slog.Logger
	metrics      *observability.EngineMetrics
	expiryBlocks int64
}

// NewManager wires the order manager.
func NewManager(store *storage.Store, pipeline *signing.Pipeline, cl chain.Client, expiryBlocks int64, log *slog.Logger, metrics *observability.EngineMetrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if expiryBlocks <= 0 {
		expiryBlocks = 144
	}
	return &Manager{
		store:        store,
		pipeline:     pipeline,
		chain:        cl,
		log:          log,
		metrics:      metrics,
		expiryBlocks: expiryBlocks,
	}
}

// Create validates the spec, persists the order awaiting its opening
// signature, and builds the opening intent.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (*storage.Order, *signing.BuildResult, error) {
	if err := validateCreate(&spec); err != nil {
		return nil, nil, err
	}

	height, err := m.chain.Height(ctx)
	if err != nil {
		return nil, nil, lifecycle.Wrap(lifecycle.KindExternalService, lifecycle.CodeProverUnavailable, err, "read chain height")
	}

	order := &storage.Order{
		MakerAddress:      spec.MakerAddress,
		OfferToken:        spec.OfferToken,
		OfferAmount:       spec.OfferAmount,
		WantToken:         spec.WantToken,
		WantAmount:        spec.WantAmount,
		SourceChain:       normalizeChain(spec.SourceChain),
		DestChain:         normalizeChain(spec.DestChain),
		Status:            storage.OrderPendingSignature,
		AllowPartial:      spec.AllowPartial,
		FilledAmount:      "0",
		PendingFillAmount: "0",
		ExpiryHeight:      height + m.expiryBlocks,
		UTXOID:            spec.FundingUTXO,
	}
	if err := m.store.CreateOrder(ctx, order); err != nil {
		return nil, nil, err
	}
	m.metrics.RecordTransition("order", string(storage.OrderPendingSignature))
	m.log.Info("order created",
		"order", order.ID,
		"maker", order.MakerAddress,
		"offer", order.OfferAmount+" "+order.OfferToken,
		"want", order.WantAmount+" "+order.WantToken,
	)

	built, err := m.pipeline.Build(ctx, signing.BuildSpec{
		OrderID: &order.ID,
		TxType:  storage.TxOrderOpen,
		Intent: prover.Intent{
			Action:    "order_open",
			Reference: order.ID.String(),
			Details: map[string]string{
				"maker":        order.MakerAddress,
				"offer_token":  order.OfferToken,
				"offer_amount": order.OfferAmount,
				"want_token":   order.WantToken,
				"want_amount":  order.WantAmount,
			},
		},
		FundingUTXO:   spec.FundingUTXO,
		FundingValue:  spec.FundingValue,
		ChangeAddress: spec.ChangeAddress,
	})
	if err != nil {
		return order, nil, err
	}
	return order, built, nil
}

// Fill validates and reserves a fill amount against the remaining-fillable
// pool, then builds the fill intent. The order's filled_amount and status
// move only once the fill transaction confirms, never optimistically.
func (m *Manager) Fill(ctx context.Context, orderID uuid.UUID, spec FillSpec) (*storage.Order, *signing.BuildResult, error) {
	if strings.TrimSpace(spec.TakerAddress) == "" {
		return nil, nil, lifecycle.New(lifecycle.KindValidation, lifecycle.CodeInvalidOrderSpec, "taker_address is required")
	}

	var reserved *big.Int
	var snapshot storage.Order
	err := m.store.WithOrderForUpdate(ctx, orderID, func(tx *gorm.DB, order *storage.Order) error {
		if order.Status != storage.OrderActive && order.Status != storage.OrderPartiallyFilled {
			return lifecycle.New(lifecycle.KindStateConflict, lifecycle.CodeOrderNotFillable,
				"order %s is %s", order.ID, order.Status).WithEntity(*order)
		}
		remaining, err := order.Remaining()
		if err != nil {
			return err
		}
		amount := remaining
		if strings.TrimSpace(spec.Amount) != "" {
			amount, err = storage.ParseAmount(spec.Amount)
			if err != nil || amount.Sign() <= 0 {
				return lifecycle.New(lifecycle.KindValidation, lifecycle.CodeInvalidOrderSpec,
					"fill amount %q is not a positive integer", spec.Amount)
			}
		}
		if amount.Sign() <= 0 || amount.Cmp(remaining) > 0 {
			return lifecycle.New(lifecycle.KindStateConflict, lifecycle.CodeAmountExceedsRemaining,
				"fill of %s exceeds remaining %s", amount, remaining).WithEntity(*order)
		}
		if !order.AllowPartial && amount.Cmp(remaining) != 0 {
			return lifecycle.New(lifecycle.KindValidation, lifecycle.CodePartialFillNotAllowed,
				"order %s requires a full fill of %s", order.ID, remaining).WithEntity(*order)
		}

		pending, err := storage.ParseAmount(order.PendingFillAmount)
		if err != nil {
			return err
		}
		order.PendingFillAmount = pending.Add(pending, amount).String()
		if err := tx.Save(order).Error; err != nil {
			return err
		}
		reserved = amount
		snapshot = *order
		return nil
	})
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, nil, lifecycle.New(lifecycle.KindNotFound, lifecycle.CodeNotFound, "order %s not found", orderID)
		}
		return nil, nil, err
	}

	built, err := m.pipeline.Build(ctx, signing.BuildSpec{
		OrderID: &snapshot.ID,
		TxType:  storage.TxOrderFill,
		Intent: prover.Intent{
			Action:    "order_fill",
			Reference: snapshot.ID.String(),
			Details: map[string]string{
				"taker":  spec.TakerAddress,
				"amount": reserved.String(),
			},
		},
		FundingUTXO:   spec.FundingUTXO,
		FundingValue:  spec.FundingValue,
		ChangeAddress: spec.ChangeAddress,
		FillAmount:    reserved.String(),
		TakerAddress:  spec.TakerAddress,
	})
	if err != nil {
		// The intent never reached the network; hand the reservation back.
		if releaseErr := m.releaseReservation(ctx, orderID, reserved); releaseErr != nil {
			m.log.Error("release fill reservation", "order", orderID, "error", releaseErr)
		}
		return &snapshot, nil, err
	}
	return &snapshot, built, nil
}

// Cancel authorizes a maker-initiated cancellation and builds the
// cancellation intent. The order transitions to cancelled once that
// transaction confirms.
func (m *Manager) Cancel(ctx context.Context, orderID uuid.UUID, requester string, funding FillSpec) (*storage.Order, *signing.BuildResult, error) {
	var snapshot storage.Order
	err := m.store.WithOrderForUpdate(ctx, orderID, func(tx *gorm.DB, order *storage.Order) error {
		if order.MakerAddress != requester {
			return lifecycle.New(lifecycle.KindAuthorization, lifecycle.CodeUnauthorized,
				"only the maker may cancel order %s", order.ID).WithEntity(*order)
		}
		if order.Status.Terminal() {
			return lifecycle.New(lifecycle.KindStateConflict, lifecycle.CodeAlreadyTerminal,
				"order %s is already %s", order.ID, order.Status).WithEntity(*order)
		}
		snapshot = *order
		return nil
	})
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, nil, lifecycle.New(lifecycle.KindNotFound, lifecycle.CodeNotFound, "order %s not found", orderID)
		}
		return nil, nil, err
	}

	built, err := m.pipeline.Build(ctx, signing.BuildSpec{
		OrderID: &snapshot.ID,
		TxType:  storage.TxOrderCancel,
		Intent: prover.Intent{
			Action:    "order_cancel",
			Reference: snapshot.ID.String(),
			Details:   map[string]string{"maker": requester},
		},
		FundingUTXO:   funding.FundingUTXO,
		FundingValue:  funding.FundingValue,
		ChangeAddress: funding.ChangeAddress,
	})
	if err != nil {
		return &snapshot, nil, err
	}
	return &snapshot, built, nil
}

// Get loads one order.
func (m *Manager) Get(ctx context.Context, orderID uuid.UUID) (*storage.Order, error) {
	order, err := m.store.GetOrder(ctx, orderID)
	if err == storage.ErrNotFound {
		return nil, lifecycle.New(lifecycle.KindNotFound, lifecycle.CodeNotFound, "order %s not found", orderID)
	}
	return order, err
}

// List returns orders matching the filter.
func (m *Manager) List(ctx context.Context, filter storage.OrderFilter) ([]storage.Order, error) {
	return m.store.ListOrders(ctx, filter)
}

// Transactions returns the order's transaction history, oldest first.
func (m *Manager) Transactions(ctx context.Context, orderID uuid.UUID) ([]storage.Transaction, error) {
	return m.store.TransactionsForOrder(ctx, orderID)
}

// SweepExpired transitions every open order whose expiry height has passed to
// expired. Running it twice has no additional effect.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	height, err := m.chain.Height(ctx)
	if err != nil {
		return 0, err
	}
	ids, err := m.store.ExpiredOrderIDs(ctx, height)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, id := range ids {
		err := m.store.WithOrderForUpdate(ctx, id, func(tx *gorm.DB, order *storage.Order) error {
			// Re-check under the lock; a concurrent fill confirmation or
			// earlier sweep may have moved the order.
			if order.Status.Terminal() || order.ExpiryHeight <= 0 || order.ExpiryHeight > height {
				return nil
			}
			if err := storage.ValidateOrderTransition(order.Status, storage.OrderExpired); err != nil {
				return nil
			}
			order.Status = storage.OrderExpired
			if err := tx.Save(order).Error; err != nil {
				return err
			}
			swept++
			return nil
		})
		if err != nil {
			m.log.Error("expire order", "order", id, "error", err)
			continue
		}
	}
	if swept > 0 {
		m.metrics.RecordTransition("order", string(storage.OrderExpired))
		m.log.Info("expired orders swept", "count", swept, "height", height)
	}
	return swept, nil
}

func (m *Manager) releaseReservation(ctx context.Context, orderID uuid.UUID, amount *big.Int) error {
	return m.store.WithOrderForUpdate(ctx, orderID, func(tx *gorm.DB, order *storage.Order) error {
		pending, err := storage.ParseAmount(order.PendingFillAmount)
		if err != nil {
			return err
		}
		pending.Sub(pending, amount)
		if pending.Sign() < 0 {
			pending = big.NewInt(0)
		}
		order.PendingFillAmount = pending.String()
		return tx.Save(order).Error
	})
}

func validateCreate(spec *CreateSpec) error {
	spec.MakerAddress = strings.TrimSpace(spec.MakerAddress)
	spec.OfferToken = strings.TrimSpace(spec.OfferToken)
	spec.WantToken = strings.TrimSpace(spec.WantToken)
	if spec.MakerAddress == "" {
		return lifecycle.New(lifecycle.KindValidation, lifecycle.CodeInvalidOrderSpec, "maker_address is required")
	}
	if spec.OfferToken == "" || spec.WantToken == "" {
		return lifecycle.New(lifecycle.KindValidation, lifecycle.CodeInvalidOrderSpec, "offer_token and want_token are required")
	}
	if spec.OfferToken == spec.WantToken {
		return lifecycle.New(lifecycle.KindValidation, lifecycle.CodeInvalidOrderSpec, "offer and want tokens must differ")
	}
	offer, err := storage.ParseAmount(spec.OfferAmount)
	if err != nil || offer.Sign() <= 0 {
		return lifecycle.New(lifecycle.KindValidation, lifecycle.CodeInvalidOrderSpec, "offer_amount must be a positive integer")
	}
	want, err := storage.ParseAmount(spec.WantAmount)
	if err != nil || want.Sign() <= 0 {
		return lifecycle.New(lifecycle.KindValidation, lifecycle.CodeInvalidOrderSpec, "want_amount must be a positive integer")
	}
	return nil
}

func normalizeChain(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
