package market

import (
	"time"

	"fundingarb/venue"

	"github.com/shopspring/decimal"
)

// Snapshot is the market-level enrichment of a venue.FundingSnapshot: the
// adapter's raw funding/mark data plus the venue's max leverage and the
// provenance MarketProvider actually observed (which may differ from what
// the adapter reported, e.g. "stale" once the cache downgrades it).
//
// OpenInterestUSD and Volume24hUSD are carried as nullable per the data
// model but no venue.Adapter method currently surfaces them; they stay nil
// until a future adapter call populates them. OpportunityEngine's scoring
// never reads them.
type Snapshot struct {
	Venue           venue.Name
	Symbol          string
	FundingRateRaw  decimal.Decimal
	FundingInterval time.Duration
	NextFundingTime time.Time
	MarkPrice       decimal.Decimal
	OpenInterestUSD *decimal.Decimal
	Volume24hUSD    *decimal.Decimal
	MaxLeverage     *int
	SourceTag       venue.SourceTag
	FetchedAt       time.Time
}

func fromFundingSnapshot(s venue.FundingSnapshot, maxLeverage *int) Snapshot {
	return Snapshot{
		Venue:           s.Venue,
		Symbol:          s.Symbol,
		FundingRateRaw:  s.FundingRate,
		FundingInterval: s.FundingInterval,
		NextFundingTime: s.NextFundingTime,
		MarkPrice:       s.MarkPrice,
		MaxLeverage:     maxLeverage,
		SourceTag:       s.SourceTag,
		FetchedAt:       s.FetchedAt,
	}
}

// Rate1h normalizes FundingRateRaw to an hourly rate.
func (s Snapshot) Rate1h() decimal.Decimal {
	hours := decimal.NewFromFloat(s.FundingInterval.Hours())
	if hours.IsZero() {
		return decimal.Zero
	}
	return s.FundingRateRaw.Div(hours)
}

// Rate1yNominal annualizes Rate1h over 8760 hours with no compounding.
func (s Snapshot) Rate1yNominal() decimal.Decimal {
	return s.Rate1h().Mul(decimal.NewFromInt(8760))
}

// VenueStatus records one venue's outcome in a single fetch_all call.
type VenueStatus struct {
	OK        bool
	SourceTag venue.SourceTag
	Err       string
}

// FetchMeta is the provenance envelope BoardResult carries alongside
// snapshots: wall time, whether every venue was served from cache, and a
// per-venue success/failure/source breakdown.
type FetchMeta struct {
	WallTime    time.Duration
	CacheHit    bool
	VenueStatus map[venue.Name]VenueStatus
}

// BoardResult is MarketProvider.FetchAll's return value: per-venue
// snapshot lists keyed deterministically, plus the fetch's provenance.
type BoardResult struct {
	SnapshotsByVenue map[venue.Name][]Snapshot
	Meta             FetchMeta
}
