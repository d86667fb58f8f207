package orders

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"liquidswap/chain"
	"liquidswap/lifecycle"
	"liquidswap/prover"
	"liquidswap/signing"
	"liquidswap/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.Store, *chain.Stub, *signing.Pipeline) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := storage.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := storage.NewStore(db)
	network := chain.NewStub()
	network.SetHeight(100)
	pipeline := signing.NewPipeline(store, prover.NewStub(), network, 10.0, "testnet4", nil, nil)
	manager := NewManager(store, pipeline, network, 144, nil, nil)
	return manager, store, network, pipeline
}

func validSpec() CreateSpec {
	return CreateSpec{
		MakerAddress:  "maker",
		OfferToken:    "BTC",
		OfferAmount:   "100",
		WantToken:     "CHARM",
		WantAmount:    "5000",
		SourceChain:   "Testnet4",
		DestChain:     "testnet4",
		AllowPartial:  true,
		FundingUTXO:   "deadbeef:0",
		FundingValue:  100000,
		ChangeAddress: "tb1qchange",
	}
}

// openOrder creates an order and confirms its opening transaction so it is
// active and fillable.
func openOrder(t *testing.T, manager *Manager, pipeline *signing.Pipeline, spec CreateSpec) *storage.Order {
	t.Helper()
	ctx := context.Background()
	order, built, err := manager.Create(ctx, spec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if order.Status != storage.OrderPendingSignature {
		t.Fatalf("status = %s, want pending_signature", order.Status)
	}
	if _, err := pipeline.SubmitSigned(ctx, built.Transactions[0].ID, built.Unsigned[0].Hex); err != nil {
		t.Fatalf("submit: %v", err)
	}
	activated, err := manager.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if activated.Status != storage.OrderActive {
		t.Fatalf("status = %s, want active", activated.Status)
	}
	return activated
}

func confirmFill(t *testing.T, pipeline *signing.Pipeline, built *signing.BuildResult) {
	t.Helper()
	if _, err := pipeline.SubmitSigned(context.Background(), built.Transactions[0].ID, built.Unsigned[0].Hex); err != nil {
		t.Fatalf("submit fill: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	manager, _, _, _ := newTestManager(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateSpec)
	}{
		{"missing maker", func(s *CreateSpec) { s.MakerAddress = " " }},
		{"zero offer", func(s *CreateSpec) { s.OfferAmount = "0" }},
		{"negative want", func(s *CreateSpec) { s.WantAmount = "-5" }},
		{"same tokens", func(s *CreateSpec) { s.WantToken = s.OfferToken }},
	}
	for _, tc := range cases {
		spec := validSpec()
		tc.mutate(&spec)
		if _, _, err := manager.Create(ctx, spec); !lifecycle.Is(err, lifecycle.CodeInvalidOrderSpec) {
			t.Fatalf("%s: err = %v, want InvalidOrderSpec", tc.name, err)
		}
	}
}

func TestCreateSetsExpiryFromHeight(t *testing.T) {
	manager, _, _, _ := newTestManager(t)
	order, _, err := manager.Create(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if order.ExpiryHeight != 100+144 {
		t.Fatalf("expiry = %d, want 244", order.ExpiryHeight)
	}
	if order.SourceChain != "testnet4" {
		t.Fatalf("source chain not normalized: %q", order.SourceChain)
	}
}

func TestPartialThenFullFillScenario(t *testing.T) {
	manager, _, _, pipeline := newTestManager(t)
	ctx := context.Background()
	order := openOrder(t, manager, pipeline, validSpec())

	_, built, err := manager.Fill(ctx, order.ID, FillSpec{TakerAddress: "taker-a", Amount: "40"})
	if err != nil {
		t.Fatalf("fill 40: %v", err)
	}
	confirmFill(t, pipeline, built)

	mid, _ := manager.Get(ctx, order.ID)
	if mid.Status != storage.OrderPartiallyFilled || mid.FilledAmount != "40" {
		t.Fatalf("after 40: status=%s filled=%s", mid.Status, mid.FilledAmount)
	}

	_, built, err = manager.Fill(ctx, order.ID, FillSpec{TakerAddress: "taker-b", Amount: "60"})
	if err != nil {
		t.Fatalf("fill 60: %v", err)
	}
	confirmFill(t, pipeline, built)

	done, _ := manager.Get(ctx, order.ID)
	if done.Status != storage.OrderFilled || done.FilledAmount != "100" {
		t.Fatalf("after 60: status=%s filled=%s", done.Status, done.FilledAmount)
	}

	if _, _, err := manager.Fill(ctx, order.ID, FillSpec{TakerAddress: "taker-c", Amount: "1"}); !lifecycle.Is(err, lifecycle.CodeOrderNotFillable) {
		t.Fatalf("fill on filled order: err = %v, want OrderNotFillable", err)
	}
}

func TestConcurrentReservationsCannotOverfill(t *testing.T) {
	manager, _, _, pipeline := newTestManager(t)
	ctx := context.Background()
	order := openOrder(t, manager, pipeline, validSpec())

	// First fill reserves 70 but has not yet confirmed.
	_, first, err := manager.Fill(ctx, order.ID, FillSpec{TakerAddress: "taker-a", Amount: "70"})
	if err != nil {
		t.Fatalf("fill 70: %v", err)
	}

	// A second contender sees only 30 remaining.
	if _, _, err := manager.Fill(ctx, order.ID, FillSpec{TakerAddress: "taker-b", Amount: "50"}); !lifecycle.Is(err, lifecycle.CodeAmountExceedsRemaining) {
		t.Fatalf("overlapping fill: err = %v, want AmountExceedsRemaining", err)
	}
	_, second, err := manager.Fill(ctx, order.ID, FillSpec{TakerAddress: "taker-b", Amount: "30"})
	if err != nil {
		t.Fatalf("fill 30: %v", err)
	}

	confirmFill(t, pipeline, first)
	confirmFill(t, pipeline, second)

	done, _ := manager.Get(ctx, order.ID)
	if done.FilledAmount != "100" || done.Status != storage.OrderFilled {
		t.Fatalf("final: status=%s filled=%s", done.Status, done.FilledAmount)
	}
}

func TestFillEmptyAmountTakesRemaining(t *testing.T) {
	manager, _, _, pipeline := newTestManager(t)
	ctx := context.Background()
	order := openOrder(t, manager, pipeline, validSpec())

	_, built, err := manager.Fill(ctx, order.ID, FillSpec{TakerAddress: "taker"})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	confirmFill(t, pipeline, built)

	done, _ := manager.Get(ctx, order.ID)
	if done.Status != storage.OrderFilled || done.FilledAmount != "100" {
		t.Fatalf("status=%s filled=%s", done.Status, done.FilledAmount)
	}
}

func TestAllOrNothingOrderRejectsPartialFill(t *testing.T) {
	manager, _, _, pipeline := newTestManager(t)
	ctx := context.Background()
	spec := validSpec()
	spec.AllowPartial = false
	spec.OfferAmount = "10"
	order := openOrder(t, manager, pipeline, spec)

	if _, _, err := manager.Fill(ctx, order.ID, FillSpec{TakerAddress: "taker", Amount: "5"}); !lifecycle.Is(err, lifecycle.CodePartialFillNotAllowed) {
		t.Fatalf("partial fill: err = %v, want PartialFillNotAllowed", err)
	}

	_, built, err := manager.Fill(ctx, order.ID, FillSpec{TakerAddress: "taker", Amount: "10"})
	if err != nil {
		t.Fatalf("full fill: %v", err)
	}
	confirmFill(t, pipeline, built)

	done, _ := manager.Get(ctx, order.ID)
	if done.Status != storage.OrderFilled {
		t.Fatalf("status = %s, want filled", done.Status)
	}
}

func TestCancelAuthorization(t *testing.T) {
	manager, _, _, pipeline := newTestManager(t)
	ctx := context.Background()
	order := openOrder(t, manager, pipeline, validSpec())

	if _, _, err := manager.Cancel(ctx, order.ID, "not-the-maker", FillSpec{}); !lifecycle.Is(err, lifecycle.CodeUnauthorized) {
		t.Fatalf("cancel by stranger: err = %v, want Unauthorized", err)
	}

	_, built, err := manager.Cancel(ctx, order.ID, "maker", FillSpec{ChangeAddress: "tb1qchange"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	confirmFill(t, pipeline, built)

	done, _ := manager.Get(ctx, order.ID)
	if done.Status != storage.OrderCancelled {
		t.Fatalf("status = %s, want cancelled", done.Status)
	}

	if _, _, err := manager.Cancel(ctx, order.ID, "maker", FillSpec{}); !lifecycle.Is(err, lifecycle.CodeAlreadyTerminal) {
		t.Fatalf("cancel twice: err = %v, want AlreadyTerminal", err)
	}
}

func TestSweepExpiredIsIdempotent(t *testing.T) {
	manager, _, network, pipeline := newTestManager(t)
	ctx := context.Background()
	order := openOrder(t, manager, pipeline, validSpec())

	network.SetHeight(order.ExpiryHeight + 1)
	swept, err := manager.SweepExpired(ctx)
	if err != nil || swept != 1 {
		t.Fatalf("first sweep = %d, %v", swept, err)
	}
	swept, err = manager.SweepExpired(ctx)
	if err != nil || swept != 0 {
		t.Fatalf("second sweep = %d, %v", swept, err)
	}

	done, _ := manager.Get(ctx, order.ID)
	if done.Status != storage.OrderExpired {
		t.Fatalf("status = %s, want expired", done.Status)
	}

	if _, _, err := manager.Fill(ctx, order.ID, FillSpec{TakerAddress: "taker", Amount: "1"}); !lifecycle.Is(err, lifecycle.CodeOrderNotFillable) {
		t.Fatalf("fill on expired: err = %v, want OrderNotFillable", err)
	}
}

func TestFillUnknownOrder(t *testing.T) {
	manager, _, _, _ := newTestManager(t)
	if _, _, err := manager.Fill(context.Background(), uuid.New(), FillSpec{TakerAddress: "t", Amount: "1"}); !lifecycle.Is(err, lifecycle.CodeNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}
