package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store is the service of record for orders, transactions, and escrows. All
// entity transitions run inside a database transaction holding a row lock so
// concurrent attempts serialize here rather than at the caller.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for middleware that persists its own rows.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// OrderFilter narrows ListOrders. Zero values mean "no constraint".
type OrderFilter struct {
	Status       OrderStatus
	OfferToken   string
	WantToken    string
	MakerAddress string
	SourceChain  string
	DestChain    string
	Limit        int
	Offset       int
}

// EscrowFilter narrows ListEscrows.
type EscrowFilter struct {
	Status    EscrowStatus
	Depositor string
	Recipient string
	Limit     int
	Offset    int
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// CreateOrder persists a new order row.
func (s *Store) CreateOrder(ctx context.Context, order *Order) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(order).Error
}

// GetOrder loads one order by id.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	var order Order
	if err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

// ListOrders returns orders matching the filter, newest first.
func (s *Store) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	query := s.db.WithContext(ctx).Model(&Order{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.OfferToken != "" {
		query = query.Where("offer_token = ?", filter.OfferToken)
	}
	if filter.WantToken != "" {
		query = query.Where("want_token = ?", filter.WantToken)
	}
	if filter.MakerAddress != "" {
		query = query.Where("maker_address = ?", filter.MakerAddress)
	}
	if filter.SourceChain != "" {
		query = query.Where("source_chain = ?", filter.SourceChain)
	}
	if filter.DestChain != "" {
		query = query.Where("dest_chain = ?", filter.DestChain)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	var orders []Order
	err := query.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&orders).Error
	return orders, err
}

// WithOrderForUpdate runs fn with the order row locked FOR UPDATE inside a
// transaction. Writes made through tx commit atomically with the lock held.
func (s *Store) WithOrderForUpdate(ctx context.Context, id uuid.UUID, fn func(tx *gorm.DB, order *Order) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", id).Error; err != nil {
			return translate(err)
		}
		return fn(tx, &order)
	})
}

// ExpiredOrderIDs returns orders still open whose expiry height has passed.
func (s *Store) ExpiredOrderIDs(ctx context.Context, height int64) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&Order{}).
		Where("expiry_height > 0 AND expiry_height <= ?", height).
		Where("status IN ?", []OrderStatus{OrderActive, OrderPartiallyFilled, OrderPendingSignature}).
		Pluck("id", &ids).Error
	return ids, err
}

// CreateEscrow persists a new escrow row.
func (s *Store) CreateEscrow(ctx context.Context, escrow *Escrow) error {
	if escrow.ID == uuid.Nil {
		escrow.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(escrow).Error
}

// GetEscrow loads one escrow by id.
func (s *Store) GetEscrow(ctx context.Context, id uuid.UUID) (*Escrow, error) {
	var escrow Escrow
	if err := s.db.WithContext(ctx).First(&escrow, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &escrow, nil
}

// ListEscrows returns escrows matching the filter, newest first.
func (s *Store) ListEscrows(ctx context.Context, filter EscrowFilter) ([]Escrow, error) {
	query := s.db.WithContext(ctx).Model(&Escrow{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Depositor != "" {
		query = query.Where("depositor_address = ?", filter.Depositor)
	}
	if filter.Recipient != "" {
		query = query.Where("recipient_address = ?", filter.Recipient)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	var escrows []Escrow
	err := query.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&escrows).Error
	return escrows, err
}

// WithEscrowForUpdate runs fn with the escrow row locked FOR UPDATE.
func (s *Store) WithEscrowForUpdate(ctx context.Context, id uuid.UUID, fn func(tx *gorm.DB, escrow *Escrow) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var escrow Escrow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&escrow, "id = ?", id).Error; err != nil {
			return translate(err)
		}
		return fn(tx, &escrow)
	})
}

// CreateTransaction persists a new transaction row.
func (s *Store) CreateTransaction(ctx context.Context, txn *Transaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(txn).Error
}

// GetTransaction loads one transaction by id.
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	var txn Transaction
	if err := s.db.WithContext(ctx).First(&txn, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &txn, nil
}

// TransactionsByStatus lists transactions currently in the given state,
// oldest first so the watcher drains in submission order.
func (s *Store) TransactionsByStatus(ctx context.Context, status TxStatus) ([]Transaction, error) {
	var txns []Transaction
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&txns).Error
	return txns, err
}

// TransactionsForOrder lists all transactions recorded against an order.
func (s *Store) TransactionsForOrder(ctx context.Context, orderID uuid.UUID) ([]Transaction, error) {
	var txns []Transaction
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&txns).Error
	return txns, err
}

// TransactionsForEscrow lists all transactions recorded against an escrow.
func (s *Store) TransactionsForEscrow(ctx context.Context, escrowID uuid.UUID) ([]Transaction, error) {
	var txns []Transaction
	err := s.db.WithContext(ctx).
		Where("escrow_id = ?", escrowID).
		Order("created_at ASC").
		Find(&txns).Error
	return txns, err
}

// WithTransactionForUpdate runs fn with the transaction row locked FOR UPDATE.
func (s *Store) WithTransactionForUpdate(ctx context.Context, id uuid.UUID, fn func(tx *gorm.DB, txn *Transaction) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txn Transaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&txn, "id = ?", id).Error; err != nil {
			return translate(err)
		}
		return fn(tx, &txn)
	})
}
