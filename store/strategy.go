package store

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// StrategyTemplate is a saved preset of pairing parameters an operator can
// reuse when opening a position (4.H) — this operator runs single-tenant,
// so Name is unique across the whole table rather than per user.
type StrategyTemplate struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	Name          string    `gorm:"not null;uniqueIndex" json:"name"`
	Symbol        string    `gorm:"column:symbol;not null" json:"symbol"`
	LongExchange  string    `gorm:"column:long_exchange;not null" json:"long_exchange"`
	ShortExchange string    `gorm:"column:short_exchange;not null" json:"short_exchange"`
	Quantity      *float64  `gorm:"column:quantity" json:"quantity,omitempty"`
	NotionalUSD   *float64  `gorm:"column:notional_usd" json:"notional_usd,omitempty"`
	Leverage      *int      `gorm:"column:leverage" json:"leverage,omitempty"`
	HoldHours     *float64  `gorm:"column:hold_hours" json:"hold_hours,omitempty"`
	Note          string    `gorm:"column:note;type:text;default:''" json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (StrategyTemplate) TableName() string { return "strategy_templates" }

type StrategyStore struct {
	db *gorm.DB
}

func NewStrategyStore(db *gorm.DB) *StrategyStore {
	return &StrategyStore{db: db}
}

func (s *StrategyStore) initTables() error {
	return s.db.AutoMigrate(&StrategyTemplate{})
}

func (s *StrategyStore) Create(t *StrategyTemplate) error {
	return s.db.Create(t).Error
}

func (s *StrategyStore) Update(t *StrategyTemplate) error {
	return s.db.Model(&StrategyTemplate{}).Where("id = ?", t.ID).Save(t).Error
}

func (s *StrategyStore) Delete(id string) error {
	return s.db.Delete(&StrategyTemplate{}, "id = ?", id).Error
}

func (s *StrategyStore) Get(id string) (*StrategyTemplate, error) {
	var t StrategyTemplate
	err := s.db.First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *StrategyStore) List() ([]*StrategyTemplate, error) {
	var templates []*StrategyTemplate
	err := s.db.Order("created_at DESC").Find(&templates).Error
	return templates, err
}
