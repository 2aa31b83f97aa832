package store

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Order actions and statuses per spec 3.
const (
	OrderActionOpen     = "open"
	OrderActionClose    = "close"
	OrderActionHedge    = "hedge"
	OrderActionRollback = "rollback"

	OrderStatusOK      = "ok"
	OrderStatusFailed  = "failed"
	OrderStatusPending = "pending"

	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)

// Order is one leg of a Position — either half of a pair, or a single
// emergency/rollback order not necessarily tied to a surviving position.
type Order struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	PositionID      string    `gorm:"column:position_id;index" json:"position_id,omitempty"`
	Action          string    `gorm:"column:action;not null" json:"action"`
	Status          string    `gorm:"column:status;not null;index" json:"status"`
	Exchange        string    `gorm:"column:exchange;not null" json:"exchange"`
	Symbol          string    `gorm:"column:symbol;not null" json:"symbol"`
	Side            string    `gorm:"column:side;not null" json:"side"`
	Quantity        float64   `gorm:"column:quantity;not null" json:"quantity"`
	FilledQty       *float64  `gorm:"column:filled_qty" json:"filled_qty,omitempty"`
	AvgPrice        *float64  `gorm:"column:avg_price" json:"avg_price,omitempty"`
	ExchangeOrderID string    `gorm:"column:exchange_order_id;default:''" json:"exchange_order_id,omitempty"`
	Note            string    `gorm:"column:note;type:text;default:''" json:"note,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

type OrderStore struct {
	db *gorm.DB
}

func NewOrderStore(db *gorm.DB) *OrderStore {
	return &OrderStore{db: db}
}

func (s *OrderStore) InitTables() error {
	return s.db.AutoMigrate(&Order{})
}

func (s *OrderStore) Create(o *Order) error {
	return s.db.Create(o).Error
}

// CreateWithPosition inserts an order transactionally alongside its owning
// position — the only non-obvious invariant 4.H/4.I names for this store.
func (s *OrderStore) CreateWithPosition(p *Position, orders ...*Order) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		for _, o := range orders {
			o.PositionID = p.ID
			if err := tx.Create(o).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *OrderStore) UpdateStatus(id, status string, filledQty, avgPrice *float64, note string) error {
	updates := map[string]interface{}{"status": status}
	if filledQty != nil {
		updates["filled_qty"] = *filledQty
	}
	if avgPrice != nil {
		updates["avg_price"] = *avgPrice
	}
	if note != "" {
		updates["note"] = note
	}
	return s.db.Model(&Order{}).Where("id = ?", id).Updates(updates).Error
}

func (s *OrderStore) Get(id string) (*Order, error) {
	var o Order
	err := s.db.First(&o, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *OrderStore) ListByPosition(positionID string) ([]*Order, error) {
	var orders []*Order
	err := s.db.Where("position_id = ?", positionID).Order("created_at ASC").Find(&orders).Error
	return orders, err
}

func (s *OrderStore) List(limit int) ([]*Order, error) {
	var orders []*Order
	q := s.db.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&orders).Error
	return orders, err
}
