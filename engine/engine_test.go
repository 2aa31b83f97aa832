package engine

import (
	"testing"
	"time"

	"fundingarb/market"
	"fundingarb/venue"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snap(v venue.Name, symbol string, rate float64, interval time.Duration, next time.Time, maxLev *int) market.Snapshot {
	return market.Snapshot{
		Venue:           v,
		Symbol:          symbol,
		FundingRateRaw:  decimal.NewFromFloat(rate),
		FundingInterval: interval,
		NextFundingTime: next,
		MarkPrice:       decimal.NewFromInt(100),
		MaxLeverage:     maxLev,
		SourceTag:       venue.SourceREST,
		FetchedAt:       time.Now(),
	}
}

func intPtr(i int) *int { return &i }

func TestBuildRows_PairsHigherRateAsShort(t *testing.T) {
	now := time.Now()
	board := &market.BoardResult{
		SnapshotsByVenue: map[venue.Name][]market.Snapshot{
			venue.Binance: {snap(venue.Binance, "BTCUSDT", 0.0001, 8*time.Hour, now.Add(time.Hour), intPtr(20))},
			venue.OKX:     {snap(venue.OKX, "BTCUSDT", 0.0005, 8*time.Hour, now.Add(time.Hour), intPtr(10))},
		},
	}

	rows := New().BuildRows(board, Filter{})
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, venue.Binance, row.LongExchange)
	assert.Equal(t, venue.OKX, row.ShortExchange)
	assert.True(t, row.SpreadRate1yNominal.GreaterThan(decimal.Zero))
	require.NotNil(t, row.MaxUsableLeverage)
	assert.Equal(t, 10, *row.MaxUsableLeverage)
	require.NotNil(t, row.NextCycleScore)
}

func TestBuildRows_EqualRatesProduceNoRow(t *testing.T) {
	now := time.Now()
	board := &market.BoardResult{
		SnapshotsByVenue: map[venue.Name][]market.Snapshot{
			venue.Binance: {snap(venue.Binance, "ETHUSDT", 0.0002, 8*time.Hour, now.Add(time.Hour), nil)},
			venue.Bybit:   {snap(venue.Bybit, "ETHUSDT", 0.0002, 8*time.Hour, now.Add(time.Hour), nil)},
		},
	}

	rows := New().BuildRows(board, Filter{})
	assert.Empty(t, rows)
}

func TestBuildRows_SingleVenueSymbolSkipped(t *testing.T) {
	board := &market.BoardResult{
		SnapshotsByVenue: map[venue.Name][]market.Snapshot{
			venue.Binance: {snap(venue.Binance, "SOLUSDT", 0.0001, 8*time.Hour, time.Now().Add(time.Hour), nil)},
		},
	}

	rows := New().BuildRows(board, Filter{})
	assert.Empty(t, rows)
}

func TestBuildRows_ExchangeFilterRequiresBothLegs(t *testing.T) {
	now := time.Now()
	board := &market.BoardResult{
		SnapshotsByVenue: map[venue.Name][]market.Snapshot{
			venue.Binance: {snap(venue.Binance, "BTCUSDT", 0.0001, 8*time.Hour, now.Add(time.Hour), nil)},
			venue.OKX:     {snap(venue.OKX, "BTCUSDT", 0.0005, 8*time.Hour, now.Add(time.Hour), nil)},
			venue.Bybit:   {snap(venue.Bybit, "BTCUSDT", 0.0009, 8*time.Hour, now.Add(time.Hour), nil)},
		},
	}

	rows := New().BuildRows(board, Filter{Exchanges: map[venue.Name]bool{venue.Binance: true, venue.OKX: true}})
	require.Len(t, rows, 1)
	assert.Equal(t, venue.Binance, rows[0].LongExchange)
	assert.Equal(t, venue.OKX, rows[0].ShortExchange)
}

func TestSettlementPreview_AlignedLegsProduceOneHedgedEvent(t *testing.T) {
	now := time.Now()
	next := now.Add(8 * time.Hour)
	longLeg := Leg{Venue: venue.Binance, FundingRateRaw: decimal.NewFromFloat(0.0001), FundingInterval: 8 * time.Hour, NextFundingTime: next}
	shortLeg := Leg{Venue: venue.OKX, FundingRateRaw: decimal.NewFromFloat(0.0005), FundingInterval: 8 * time.Hour, NextFundingTime: next}

	events, truncated := buildSettlementPreview(longLeg, shortLeg, now)

	require.Len(t, events, 1)
	assert.False(t, truncated)
	assert.Equal(t, EventHedged, events[0].Kind)
	assert.True(t, events[0].AmountRate.Equal(decimal.NewFromFloat(0.0004)))
}

func TestSettlementPreview_IntervalMismatchSingleSideThenHedged(t *testing.T) {
	now := time.Now()
	longNext := now.Add(8 * time.Hour)
	shortNext := now.Add(4 * time.Hour)
	longLeg := Leg{Venue: venue.Binance, FundingRateRaw: decimal.NewFromFloat(0.0001), FundingInterval: 8 * time.Hour, NextFundingTime: longNext}
	shortLeg := Leg{Venue: venue.Bitget, FundingRateRaw: decimal.NewFromFloat(0.0003), FundingInterval: 4 * time.Hour, NextFundingTime: shortNext}

	events, truncated := buildSettlementPreview(longLeg, shortLeg, now)

	require.Len(t, events, 2)
	assert.False(t, truncated)
	assert.Equal(t, EventSingleSide, events[0].Kind)
	assert.Equal(t, SideShort, events[0].Side)
	assert.True(t, events[0].EventTime.Equal(shortNext))
	assert.Equal(t, EventHedged, events[1].Kind)
	assert.True(t, events[1].EventTime.Equal(longNext))
}

func TestBuildRows_RanksByNextCycleScoreThenSpread(t *testing.T) {
	now := time.Now()
	board := &market.BoardResult{
		SnapshotsByVenue: map[venue.Name][]market.Snapshot{
			venue.Binance: {snap(venue.Binance, "BTCUSDT", 0.0001, 8*time.Hour, now.Add(time.Hour), nil)},
			venue.OKX:     {snap(venue.OKX, "BTCUSDT", 0.0005, 8*time.Hour, now.Add(time.Hour), nil)},
			venue.Bybit:   {snap(venue.Bybit, "ETHUSDT", 0.0001, 8*time.Hour, now.Add(time.Hour), nil)},
			venue.Bitget:  {snap(venue.Bitget, "ETHUSDT", 0.0009, 8*time.Hour, now.Add(time.Hour), nil)},
		},
	}

	rows := New().BuildRows(board, Filter{})
	require.Len(t, rows, 2)
	assert.Equal(t, "ETHUSDT", rows[0].Symbol)
	assert.Equal(t, "BTCUSDT", rows[1].Symbol)
}

func TestBuildRows_MinSpreadFilterExcludesLowSpread(t *testing.T) {
	now := time.Now()
	board := &market.BoardResult{
		SnapshotsByVenue: map[venue.Name][]market.Snapshot{
			venue.Binance: {snap(venue.Binance, "BTCUSDT", 0.0001, 8*time.Hour, now.Add(time.Hour), nil)},
			venue.OKX:     {snap(venue.OKX, "BTCUSDT", 0.00011, 8*time.Hour, now.Add(time.Hour), nil)},
		},
	}

	min := decimal.NewFromFloat(0.5)
	rows := New().BuildRows(board, Filter{MinSpreadRate1yNominal: &min})
	assert.Empty(t, rows)
}
