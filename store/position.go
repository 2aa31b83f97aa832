package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Position statuses per 3/4.F's state machine: new → open, or
// open_failed/close_failed on a failed leg, or risk_exposed when a
// rollback itself fails.
const (
	PositionOpen        = "open"
	PositionClosed       = "closed"
	PositionRiskExposed = "risk_exposed"
	PositionOpenFailed  = "open_failed"
	PositionCloseFailed = "close_failed"
)

// Position is one paired long/short funding-arb position.
type Position struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	Symbol          string    `gorm:"column:symbol;not null;index" json:"symbol"`
	LongExchange    string    `gorm:"column:long_exchange;not null" json:"long_exchange"`
	ShortExchange   string    `gorm:"column:short_exchange;not null" json:"short_exchange"`
	LongQty         float64   `gorm:"column:long_qty;not null" json:"long_qty"`
	ShortQty        float64   `gorm:"column:short_qty;not null" json:"short_qty"`
	Status          string    `gorm:"column:status;not null;default:new;index" json:"status"`
	EntrySpreadRate float64   `gorm:"column:entry_spread_rate;default:0" json:"entry_spread_rate"`
	Extra           string    `gorm:"column:extra;type:text;default:''" json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Position) TableName() string { return "positions" }

// SetExtra JSON-encodes arbitrary post-trade reconciliation data into Extra.
func (p *Position) SetExtra(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.Extra = string(b)
	return nil
}

func (p *Position) GetExtra(v interface{}) error {
	if p.Extra == "" {
		return nil
	}
	return json.Unmarshal([]byte(p.Extra), v)
}

// LongQtyDecimal and ShortQtyDecimal give execution.Coordinator exact
// decimal arithmetic for order quantities; the stored float64 is a
// persistence-layer convenience, not the unit callers should compute with.
func (p *Position) LongQtyDecimal() decimal.Decimal  { return decimal.NewFromFloat(p.LongQty) }
func (p *Position) ShortQtyDecimal() decimal.Decimal { return decimal.NewFromFloat(p.ShortQty) }

type PositionStore struct {
	db *gorm.DB
}

func NewPositionStore(db *gorm.DB) *PositionStore {
	return &PositionStore{db: db}
}

func (s *PositionStore) InitTables() error {
	return s.db.AutoMigrate(&Position{})
}

func (s *PositionStore) Create(p *Position) error {
	return s.db.Create(p).Error
}

func (s *PositionStore) Get(id string) (*Position, error) {
	var p Position
	err := s.db.First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PositionStore) UpdateStatus(id, status string) error {
	return s.db.Model(&Position{}).Where("id = ?", id).Update("status", status).Error
}

// ListOpen returns every position not yet in a terminal state.
func (s *PositionStore) ListOpen() ([]*Position, error) {
	var positions []*Position
	err := s.db.Where("status IN ?", []string{PositionOpen, PositionRiskExposed}).
		Order("created_at DESC").Find(&positions).Error
	return positions, err
}

func (s *PositionStore) List(limit int) ([]*Position, error) {
	var positions []*Position
	q := s.db.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&positions).Error
	return positions, err
}

func (s *PositionStore) ListByIDs(ids []string) ([]*Position, error) {
	var positions []*Position
	err := s.db.Where("id IN ?", ids).Find(&positions).Error
	return positions, err
}
