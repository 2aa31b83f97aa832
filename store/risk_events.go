package store

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Risk event severities per 4.G/7.
const (
	RiskSeverityWarning  = "warning"
	RiskSeverityHigh     = "high"
	RiskSeverityCritical = "critical"
)

// RiskEvent is one append-only entry in the risk ledger. Critical events
// trigger no automatic remediation — the operator is the escalation path,
// notified out-of-band (see risk.Notifier).
type RiskEvent struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	Severity   string     `gorm:"column:severity;not null;index" json:"severity"`
	EventType  string     `gorm:"column:event_type;not null" json:"event_type"`
	PositionID string     `gorm:"column:position_id;index" json:"position_id,omitempty"`
	Message    string     `gorm:"column:message;type:text;default:''" json:"message"`
	Context    string     `gorm:"column:context;type:text;default:''" json:"context,omitempty"`
	Resolved   bool       `gorm:"column:resolved;default:false;index" json:"resolved"`
	ResolvedAt *time.Time `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (RiskEvent) TableName() string { return "risk_events" }

type RiskEventStore struct {
	db *gorm.DB
}

func NewRiskEventStore(db *gorm.DB) *RiskEventStore {
	return &RiskEventStore{db: db}
}

func (s *RiskEventStore) InitTables() error {
	return s.db.AutoMigrate(&RiskEvent{})
}

// Append is the ledger's only write path besides Resolve — there is no
// Update/Delete, matching the append-only contract in 4.G.
func (s *RiskEventStore) Append(e *RiskEvent) error {
	return s.db.Create(e).Error
}

// List applies the optional severity/resolved filter, newest first,
// bounded by limit (0 means unbounded).
func (s *RiskEventStore) List(severity string, resolved *bool, limit int) ([]*RiskEvent, error) {
	q := s.db.Model(&RiskEvent{})
	if severity != "" {
		q = q.Where("severity = ?", severity)
	}
	if resolved != nil {
		q = q.Where("resolved = ?", *resolved)
	}
	q = q.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var events []*RiskEvent
	err := q.Find(&events).Error
	return events, err
}

func (s *RiskEventStore) Resolve(id string) (*RiskEvent, error) {
	now := time.Now().UTC()
	if err := s.db.Model(&RiskEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"resolved": true, "resolved_at": now}).Error; err != nil {
		return nil, err
	}
	var e RiskEvent
	if err := s.db.First(&e, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}
