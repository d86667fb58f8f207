package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
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

// CreateSpec describes a new escrow.
type CreateSpec struct {
	OrderID          *uuid.UUID         `json:"order_id,omitempty"`
	DepositorAddress string             `json:"depositor_address"`
	RecipientAddress string             `json:"recipient_address"`
	ArbiterAddress   string             `json:"arbiter_address,omitempty"`
	EscrowType       storage.EscrowType `json:"escrow_type"`
	Amount           string             `json:"amount"`
	Token            string             `json:"token"`
	LockTime         int64              `json:"lock_time"`
	Hashlock         string             `json:"hashlock,omitempty"`
	FundingUTXO      string             `json:"funding_utxo"`
	FundingValue     uint64             `json:"funding_utxo_value"`
	ChangeAddress    string             `json:"change_address"`
}

// ReleaseSpec authorizes a conditional release.
type ReleaseSpec struct {
	Preimage       string `json:"preimage,omitempty"`
	Signature      string `json:"signature"`
	SignerPubKey   string `json:"signer_pubkey"`
	CoSignature    string `json:"co_signature,omitempty"`
	CoSignerPubKey string `json:"co_signer_pubkey,omitempty"`
	FundingUTXO    string `json:"funding_utxo"`
	FundingValue   uint64 `json:"funding_utxo_value"`
	ChangeAddress  string `json:"change_address"`
}

// RefundSpec authorizes a refund to the depositor.
type RefundSpec struct {
	Reason        string `json:"reason,omitempty"`
	Signature     string `json:"signature"`
	CoSignature   string `json:"co_signature,omitempty"`
	FundingUTXO   string `json:"funding_utxo"`
	FundingValue  uint64 `json:"funding_utxo_value"`
	ChangeAddress string `json:"change_address"`
}

// DisputeSpec opens an arbitrated dispute.
type DisputeSpec struct {
	Reason          string `json:"reason"`
	EvidenceHash    string `json:"evidence_hash,omitempty"`
	InitiatorPubKey string `json:"initiator_pubkey"`
}

// ResolveSpec settles a dispute in favor of one party.
type ResolveSpec struct {
	Winner           string `json:"winner"`
	ArbiterSignature string `json:"arbiter_signature"`
	FundingUTXO      string `json:"funding_utxo"`
	FundingValue     uint64 `json:"funding_utxo_value"`
	ChangeAddress    string `json:"change_address"`
}

// Manager owns the escrow state machine: locking depositor funds, conditional
// release via preimage and signatures, refund, and arbitrated dispute
// resolution.
type Manager struct {
	store    *storage.Store
	pipeline *signing.Pipeline
	chain    chain.Client
	log      *slog.Logger
	metrics  *observability.EngineMetrics
}

// NewManager wires the escrow manager.
func NewManager(store *storage.Store, pipeline *signing.Pipeline, cl chain.Client, log *slog.Logger, metrics *observability.EngineMetrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, pipeline: pipeline, chain: cl, log: log, metrics: metrics}
}

// Create validates the spec, persists the escrow awaiting its locking
// transaction, and builds the lock intent.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (*storage.Escrow, *signing.BuildResult, error) {
	if err := validateCreate(&spec); err != nil {
		return nil, nil, err
	}

	escrow := &storage.Escrow{
		OrderID:          spec.OrderID,
		DepositorAddress: spec.DepositorAddress,
		RecipientAddress: spec.RecipientAddress,
		ArbiterAddress:   spec.ArbiterAddress,
		EscrowType:       spec.EscrowType,
		Amount:           spec.Amount,
		Token:            spec.Token,
		Status:           storage.EscrowPending,
		LockTime:         spec.LockTime,
		Hashlock:         strings.ToLower(spec.Hashlock),
	}
	if err := m.store.CreateEscrow(ctx, escrow); err != nil {
		return nil, nil, err
	}
	m.metrics.RecordTransition("escrow", string(storage.EscrowPending))
	m.log.Info("escrow created",
		"escrow", escrow.ID,
		"type", escrow.EscrowType,
		"amount", escrow.Amount+" "+escrow.Token,
		"hashlock", escrow.Hashlock != "",
	)

	built, err := m.pipeline.Build(ctx, signing.BuildSpec{
		EscrowID: &escrow.ID,
		TxType:   storage.TxEscrowLock,
		Intent: prover.Intent{
			Action:    "escrow_lock",
			Reference: escrow.ID.String(),
			Details: map[string]string{
				"depositor": escrow.DepositorAddress,
				"recipient": escrow.RecipientAddress,
				"amount":    escrow.Amount,
				"token":     escrow.Token,
			},
		},
		FundingUTXO:   spec.FundingUTXO,
		FundingValue:  spec.FundingValue,
		ChangeAddress: spec.ChangeAddress,
	})
	if err != nil {
		return escrow, nil, err
	}
	return escrow, built, nil
}

// Release verifies the hashlock preimage and the required signatures, records
// the preimage, and builds the release intent. The escrow moves to released
// once that transaction confirms.
func (m *Manager) Release(ctx context.Context, escrowID uuid.UUID, spec ReleaseSpec) (*storage.Escrow, *signing.BuildResult, error) {
	var snapshot storage.Escrow
	err := m.store.WithEscrowForUpdate(ctx, escrowID, func(tx *gorm.DB, escrow *storage.Escrow) error {
		if err := requireLocked(escrow); err != nil {
			return err
		}
		if err := m.checkPreimage(escrow, spec.Preimage); err != nil {
			return err
		}
		if err := m.checkReleaseAuthorization(escrow, &spec); err != nil {
			return err
		}
		if escrow.Hashlock != "" && escrow.Preimage == "" {
			escrow.Preimage = strings.ToLower(strings.TrimSpace(spec.Preimage))
			if err := tx.Save(escrow).Error; err != nil {
				return err
			}
		}
		snapshot = *escrow
		return nil
	})
	if err != nil {
		return nil, nil, m.translate(err, escrowID)
	}

	built, err := m.pipeline.Build(ctx, signing.BuildSpec{
		EscrowID: &snapshot.ID,
		TxType:   storage.TxEscrowRelease,
		Intent: prover.Intent{
			Action:    "escrow_release",
			Reference: snapshot.ID.String(),
			Details:   map[string]string{"recipient": snapshot.RecipientAddress},
		},
		FundingUTXO:   spec.FundingUTXO,
		FundingValue:  spec.FundingValue,
		ChangeAddress: spec.ChangeAddress,
	})
	if err != nil {
		return &snapshot, nil, err
	}
	return &snapshot, built, nil
}

// Refund authorizes returning the held amount to the depositor. After the
// timelock passes the depositor signs alone; an early refund additionally
// requires the recipient's co-signature.
func (m *Manager) Refund(ctx context.Context, escrowID uuid.UUID, spec RefundSpec) (*storage.Escrow, *signing.BuildResult, error) {
	height, err := m.chain.Height(ctx)
	if err != nil {
		return nil, nil, lifecycle.Wrap(lifecycle.KindExternalService, lifecycle.CodeProverUnavailable, err, "read chain height")
	}

	var snapshot storage.Escrow
	err = m.store.WithEscrowForUpdate(ctx, escrowID, func(tx *gorm.DB, escrow *storage.Escrow) error {
		if err := requireLocked(escrow); err != nil {
			return err
		}
		digest := RefundDigest(escrow.ID)
		if err := verifySigner(digest, spec.Signature, escrow.DepositorAddress); err != nil {
			return err
		}
		if height < escrow.LockTime {
			if strings.TrimSpace(spec.CoSignature) == "" {
				return lifecycle.New(lifecycle.KindStateConflict, lifecycle.CodeLockNotExpired,
					"timelock expires at height %d, current height %d", escrow.LockTime, height).WithEntity(*escrow)
			}
			if err := verifySigner(digest, spec.CoSignature, escrow.RecipientAddress); err != nil {
				return err
			}
		}
		snapshot = *escrow
		return nil
	})
	if err != nil {
		return nil, nil, m.translate(err, escrowID)
	}

	built, err := m.pipeline.Build(ctx, signing.BuildSpec{
		EscrowID: &snapshot.ID,
		TxType:   storage.TxEscrowRefund,
		Intent: prover.Intent{
			Action:    "escrow_refund",
			Reference: snapshot.ID.String(),
			Details: map[string]string{
				"depositor": snapshot.DepositorAddress,
				"reason":    spec.Reason,
			},
		},
		FundingUTXO:   spec.FundingUTXO,
		FundingValue:  spec.FundingValue,
		ChangeAddress: spec.ChangeAddress,
	})
	if err != nil {
		return &snapshot, nil, err
	}
	return &snapshot, built, nil
}

// Dispute opens an arbitrated dispute. It is a pure status transition; no
// transaction moves value until the arbiter resolves.
func (m *Manager) Dispute(ctx context.Context, escrowID uuid.UUID, spec DisputeSpec) (*storage.Escrow, error) {
	var snapshot storage.Escrow
	err := m.store.WithEscrowForUpdate(ctx, escrowID, func(tx *gorm.DB, escrow *storage.Escrow) error {
		if escrow.EscrowType != storage.EscrowTwoOfThree || escrow.ArbiterAddress == "" {
			return lifecycle.New(lifecycle.KindValidation, lifecycle.CodeNoArbiterConfigured,
				"escrow %s has no arbiter", escrow.ID).WithEntity(*escrow)
		}
		if err := requireLocked(escrow); err != nil {
			return err
		}
		initiator := strings.TrimSpace(spec.InitiatorPubKey)
		if !strings.EqualFold(initiator, escrow.DepositorAddress) && !strings.EqualFold(initiator, escrow.RecipientAddress) {
			return lifecycle.New(lifecycle.KindAuthorization, lifecycle.CodeUnauthorized,
				"only the depositor or recipient may dispute").WithEntity(*escrow)
		}
		if err := storage.ValidateEscrowTransition(escrow.Status, storage.EscrowDisputed); err != nil {
			return err
		}
		escrow.Status = storage.EscrowDisputed
		if err := tx.Save(escrow).Error; err != nil {
			return err
		}
		snapshot = *escrow
		return nil
	})
	if err != nil {
		return nil, m.translate(err, escrowID)
	}
	m.metrics.RecordTransition("escrow", string(storage.EscrowDisputed))
	m.log.Info("escrow disputed",
		"escrow", snapshot.ID,
		"initiator", spec.InitiatorPubKey,
		"reason", spec.Reason,
		"evidence", spec.EvidenceHash,
	)
	return &snapshot, nil
}

// Resolve settles a dispute. The arbiter's signature commits to the winner;
// the escrow moves to resolved once the payout transaction confirms.
func (m *Manager) Resolve(ctx context.Context, escrowID uuid.UUID, spec ResolveSpec) (*storage.Escrow, *signing.BuildResult, error) {
	var snapshot storage.Escrow
	err := m.store.WithEscrowForUpdate(ctx, escrowID, func(tx *gorm.DB, escrow *storage.Escrow) error {
		if escrow.Status != storage.EscrowDisputed {
			return lifecycle.New(lifecycle.KindStateConflict, lifecycle.CodeNotDisputed,
				"escrow %s is %s, not disputed", escrow.ID, escrow.Status).WithEntity(*escrow)
		}
		winner := strings.TrimSpace(spec.Winner)
		if !strings.EqualFold(winner, escrow.DepositorAddress) && !strings.EqualFold(winner, escrow.RecipientAddress) {
			return lifecycle.New(lifecycle.KindValidation, lifecycle.CodeInvalidEscrowSpec,
				"winner must be the depositor or the recipient").WithEntity(*escrow)
		}
		if err := verifySigner(ResolveDigest(escrow.ID, winner), spec.ArbiterSignature, escrow.ArbiterAddress); err != nil {
			return err
		}
		escrow.Winner = winner
		if err := tx.Save(escrow).Error; err != nil {
			return err
		}
		snapshot = *escrow
		return nil
	})
	if err != nil {
		return nil, nil, m.translate(err, escrowID)
	}

	built, err := m.pipeline.Build(ctx, signing.BuildSpec{
		EscrowID: &snapshot.ID,
		TxType:   storage.TxEscrowPayout,
		Intent: prover.Intent{
			Action:    "escrow_payout",
			Reference: snapshot.ID.String(),
			Details:   map[string]string{"winner": snapshot.Winner},
		},
		FundingUTXO:   spec.FundingUTXO,
		FundingValue:  spec.FundingValue,
		ChangeAddress: spec.ChangeAddress,
	})
	if err != nil {
		return &snapshot, nil, err
	}
	m.log.Info("dispute resolved", "escrow", snapshot.ID, "winner", snapshot.Winner)
	return &snapshot, built, nil
}

// Get loads one escrow.
func (m *Manager) Get(ctx context.Context, escrowID uuid.UUID) (*storage.Escrow, error) {
	escrow, err := m.store.GetEscrow(ctx, escrowID)
	if err == storage.ErrNotFound {
		return nil, lifecycle.New(lifecycle.KindNotFound, lifecycle.CodeNotFound, "escrow %s not found", escrowID)
	}
	return escrow, err
}

// List returns escrows matching the filter.
func (m *Manager) List(ctx context.Context, filter storage.EscrowFilter) ([]storage.Escrow, error) {
	return m.store.ListEscrows(ctx, filter)
}

// Transactions returns the escrow's transaction history, oldest first.
func (m *Manager) Transactions(ctx context.Context, escrowID uuid.UUID) ([]storage.Transaction, error) {
	return m.store.TransactionsForEscrow(ctx, escrowID)
}

// checkPreimage enforces the hashlock: the preimage must hash to it exactly,
// and once recorded no different preimage is ever accepted.
func (m *Manager) checkPreimage(escrow *storage.Escrow, preimage string) error {
	if escrow.Hashlock == "" {
		return nil
	}
	preimage = strings.ToLower(strings.TrimSpace(preimage))
	if preimage == "" {
		return lifecycle.New(lifecycle.KindValidation, lifecycle.CodePreimageMismatch,
			"escrow %s requires a preimage", escrow.ID).WithEntity(*escrow)
	}
	if escrow.Preimage != "" && escrow.Preimage != preimage {
		return lifecycle.New(lifecycle.KindValidation, lifecycle.CodePreimageMismatch,
			"a different preimage was already recorded for escrow %s", escrow.ID).WithEntity(*escrow)
	}
	raw, err := hex.DecodeString(preimage)
	if err != nil {
		return lifecycle.Wrap(lifecycle.KindValidation, lifecycle.CodePreimageMismatch, err,
			"preimage must be hex").WithEntity(*escrow)
	}
	digest := sha256.Sum256(raw)
	if hex.EncodeToString(digest[:]) != escrow.Hashlock {
		return lifecycle.New(lifecycle.KindValidation, lifecycle.CodePreimageMismatch,
			"preimage does not hash to the escrow hashlock").WithEntity(*escrow)
	}
	return nil
}

// checkReleaseAuthorization enforces the per-type signature threshold.
func (m *Manager) checkReleaseAuthorization(escrow *storage.Escrow, spec *ReleaseSpec) error {
	digest := ReleaseDigest(escrow.ID)
	switch escrow.EscrowType {
	case storage.EscrowTwoParty:
		return verifySigner(digest, spec.Signature, escrow.RecipientAddress)
	case storage.EscrowTwoOfTwo:
		if err := verifySigner(digest, spec.Signature, escrow.DepositorAddress); err != nil {
			return err
		}
		if strings.TrimSpace(spec.CoSignature) == "" {
			return lifecycle.New(lifecycle.KindAuthorization, lifecycle.CodeUnauthorized,
				"two-of-two release requires both signatures").WithEntity(*escrow)
		}
		return verifySigner(digest, spec.CoSignature, escrow.RecipientAddress)
	case storage.EscrowTwoOfThree:
		// A satisfied hashlock plus the recipient's signature releases, as
		// does any two distinct party signatures.
		if escrow.Hashlock != "" {
			if err := verifySigner(digest, spec.Signature, escrow.RecipientAddress); err == nil {
				return nil
			}
		}
		first, err := recoverSigner(digest, spec.Signature)
		if err != nil {
			return err
		}
		if !isParty(escrow, first) {
			return lifecycle.New(lifecycle.KindAuthorization, lifecycle.CodeUnauthorized,
				"signature does not match any escrow party").WithEntity(*escrow)
		}
		if strings.TrimSpace(spec.CoSignature) == "" {
			return lifecycle.New(lifecycle.KindAuthorization, lifecycle.CodeUnauthorized,
				"two-of-three release requires a second signature").WithEntity(*escrow)
		}
		second, err := recoverSigner(digest, spec.CoSignature)
		if err != nil {
			return err
		}
		if !isParty(escrow, second) || strings.EqualFold(first, second) {
			return lifecycle.New(lifecycle.KindAuthorization, lifecycle.CodeUnauthorized,
				"second signature must come from a different escrow party").WithEntity(*escrow)
		}
		return nil
	default:
		return lifecycle.New(lifecycle.KindValidation, lifecycle.CodeInvalidEscrowSpec,
			"unknown escrow type %q", escrow.EscrowType)
	}
}

func isParty(escrow *storage.Escrow, pubkey string) bool {
	return strings.EqualFold(pubkey, escrow.DepositorAddress) ||
		strings.EqualFold(pubkey, escrow.RecipientAddress) ||
		(escrow.ArbiterAddress != "" && strings.EqualFold(pubkey, escrow.ArbiterAddress))
}

func requireLocked(escrow *storage.Escrow) error {
	if escrow.Status == storage.EscrowLocked {
		return nil
	}
	return lifecycle.New(lifecycle.KindStateConflict, lifecycle.CodeAlreadyTerminal,
		"escrow %s is %s, not locked", escrow.ID, escrow.Status).WithEntity(*escrow)
}

func (m *Manager) translate(err error, escrowID uuid.UUID) error {
	if err == storage.ErrNotFound {
		return lifecycle.New(lifecycle.KindNotFound, lifecycle.CodeNotFound, "escrow %s not found", escrowID)
	}
	return err
}

func validateCreate(spec *CreateSpec) error {
	spec.DepositorAddress = strings.TrimSpace(spec.DepositorAddress)
	spec.RecipientAddress = strings.TrimSpace(spec.RecipientAddress)
	spec.ArbiterAddress = strings.TrimSpace(spec.ArbiterAddress)
	if spec.DepositorAddress == "" || spec.RecipientAddress == "" {
		return lifecycle.New(lifecycle.KindValidation, lifecycle.CodeInvalidEscrowSpec, "depositor and recipient keys are required")
	}
	if strings.EqualFold(spec.DepositorAddress, spec.RecipientAddress) {
		return lifecycle.New(lifecycle.KindValidation, lifecycle.CodeInvalidEscrowSpec, "depositor and recipient keys must differ")
	}
	if spec.EscrowType == "" {
		spec.EscrowType = storage.EscrowTwoParty
	}
	if !spec.EscrowType.Valid() {
		return lifecycle.New(lifecycle.KindValidation, lifecycle.CodeInvalidEscrowSpec, "unknown escrow type %q", spec.EscrowType)
	}
	if spec.EscrowType == storage.EscrowTwoOfThree && spec.ArbiterAddress == "" {
		return lifecycle.New(lifecycle.KindValidation, lifecycle.CodeInvalidEscrowSpec, "two-of-three escrow requires an arbiter key")
	}
	amount, err := storage.ParseAmount(spec.Amount)
	if err != nil || amount.Sign() <= 0 {
		return lifecycle.New(lifecycle.KindValidation, lifecycle.CodeInvalidEscrowSpec, "amount must be a positive integer")
	}
	if spec.Hashlock != "" {
		raw, err := hex.DecodeString(strings.ToLower(spec.Hashlock))
		if err != nil || len(raw) != sha256.Size {
			return lifecycle.New(lifecycle.KindValidation, lifecycle.CodeInvalidEscrowSpec, "hashlock must be a 32-byte hex digest")
		}
	}
	return nil
}
