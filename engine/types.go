package engine

import (
	"time"

	"fundingarb/market"
	"fundingarb/venue"

	"github.com/shopspring/decimal"
)

// Side names one leg of a pair: the venue whose rate is lower opens long,
// the venue whose rate is higher opens short, collecting the spread.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// EventKind distinguishes a settlement instant where both legs pay (and
// the spread is realized) from one where only a single leg pays (and the
// position is briefly naked to that leg's raw funding rate).
type EventKind string

const (
	EventHedged     EventKind = "hedged"
	EventSingleSide EventKind = "single_side"
)

// Leg is one side of an OpportunityRow: the market.Snapshot the pairing
// was built from, narrowed to the fields the row and its settlement
// preview actually consume.
type Leg struct {
	Venue           venue.Name
	Symbol          string
	FundingRateRaw  decimal.Decimal
	FundingInterval time.Duration
	NextFundingTime time.Time
	MarkPrice       decimal.Decimal
	MaxLeverage     *int
	SourceTag       venue.SourceTag
}

func legFromSnapshot(s market.Snapshot) Leg {
	return Leg{
		Venue:           s.Venue,
		Symbol:          s.Symbol,
		FundingRateRaw:  s.FundingRateRaw,
		FundingInterval: s.FundingInterval,
		NextFundingTime: s.NextFundingTime,
		MarkPrice:       s.MarkPrice,
		MaxLeverage:     s.MaxLeverage,
		SourceTag:       s.SourceTag,
	}
}

// SettlementEvent is one instant in a row's forward settlement preview.
// For a hedged event both legs pay at (approximately) the same instant and
// AmountRate is the net spread captured; for a single_side event only Side
// pays and AmountRate is that leg's signed contribution alone.
type SettlementEvent struct {
	EventTime  time.Time
	Kind       EventKind
	Side       Side
	AmountRate decimal.Decimal
}

// OpportunityRow is one (symbol, long venue, short venue) pairing with its
// spread economics and a bounded forward settlement preview.
type OpportunityRow struct {
	Symbol        string
	LongLeg       Leg
	ShortLeg      Leg
	LongExchange  venue.Name
	ShortExchange venue.Name

	IntervalMismatch    bool
	ShorterIntervalSide *Side

	SpreadRate1yNominal          decimal.Decimal
	MaxUsableLeverage            *int
	LeveragedSpreadRate1yNominal *decimal.Decimal
	NextCycleScore               *decimal.Decimal

	SettlementEventsPreview []SettlementEvent
	SingleSideEventCount    int
	PreviewTruncated        bool
}

// Filter narrows the rows BuildRows returns; a nil or zero-value field
// means that criterion doesn't constrain the result.
type Filter struct {
	MinNextCycleScore      *decimal.Decimal
	MinSpreadRate1yNominal *decimal.Decimal
	SymbolPattern          SymbolMatcher
	Exchanges              map[venue.Name]bool
}

// SymbolMatcher lets callers plug in a compiled regexp (or any other
// matcher) without this package importing regexp directly into the
// exported filter shape.
type SymbolMatcher interface {
	MatchString(s string) bool
}
