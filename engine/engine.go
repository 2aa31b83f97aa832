package engine

import (
	"sort"
	"time"

	"fundingarb/market"

	"github.com/shopspring/decimal"
)

const (
	maxSettlementEvents  = 96
	settlementWindow     = 7 * 24 * time.Hour
	settlementMatchSlack = 60 * time.Second
)

// Engine turns a market.BoardResult into ranked cross-venue opportunity
// rows (4.D). It holds no state of its own — every call is a pure
// function of the board and the filter passed in.
type Engine struct{}

func New() *Engine {
	return &Engine{}
}

// BuildRows pairs every symbol present on two or more venues, computes
// each pair's spread economics and settlement preview, applies filter,
// and returns rows ranked by next_cycle_score (nulls last, ties broken by
// spread_rate_1y_nominal).
func (e *Engine) BuildRows(board *market.BoardResult, filter Filter) []OpportunityRow {
	bySymbol := make(map[string][]market.Snapshot)
	for _, snaps := range board.SnapshotsByVenue {
		for _, s := range snaps {
			bySymbol[s.Symbol] = append(bySymbol[s.Symbol], s)
		}
	}

	var rows []OpportunityRow
	now := time.Now()

	for symbol, snaps := range bySymbol {
		if len(snaps) < 2 {
			continue
		}
		if filter.SymbolPattern != nil && !filter.SymbolPattern.MatchString(symbol) {
			continue
		}

		for i := 0; i < len(snaps); i++ {
			for j := i + 1; j < len(snaps); j++ {
				a, b := snaps[i], snaps[j]
				if a.FundingRateRaw.Equal(b.FundingRateRaw) {
					continue
				}

				var longSnap, shortSnap market.Snapshot
				if b.FundingRateRaw.GreaterThan(a.FundingRateRaw) {
					longSnap, shortSnap = a, b
				} else {
					longSnap, shortSnap = b, a
				}

				if len(filter.Exchanges) > 0 {
					if !filter.Exchanges[longSnap.Venue] || !filter.Exchanges[shortSnap.Venue] {
						continue
					}
				}

				row := buildRow(symbol, longSnap, shortSnap, now)

				if filter.MinSpreadRate1yNominal != nil && row.SpreadRate1yNominal.LessThan(*filter.MinSpreadRate1yNominal) {
					continue
				}
				if filter.MinNextCycleScore != nil {
					if row.NextCycleScore == nil || row.NextCycleScore.LessThan(*filter.MinNextCycleScore) {
						continue
					}
				}

				rows = append(rows, row)
			}
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.NextCycleScore == nil && b.NextCycleScore == nil {
			return a.SpreadRate1yNominal.GreaterThan(b.SpreadRate1yNominal)
		}
		if a.NextCycleScore == nil {
			return false
		}
		if b.NextCycleScore == nil {
			return true
		}
		if !a.NextCycleScore.Equal(*b.NextCycleScore) {
			return a.NextCycleScore.GreaterThan(*b.NextCycleScore)
		}
		return a.SpreadRate1yNominal.GreaterThan(b.SpreadRate1yNominal)
	})

	return rows
}

func buildRow(symbol string, longSnap, shortSnap market.Snapshot, now time.Time) OpportunityRow {
	longLeg := legFromSnapshot(longSnap)
	shortLeg := legFromSnapshot(shortSnap)

	row := OpportunityRow{
		Symbol:        symbol,
		LongLeg:       longLeg,
		ShortLeg:      shortLeg,
		LongExchange:  longLeg.Venue,
		ShortExchange: shortLeg.Venue,
	}

	row.IntervalMismatch = longLeg.FundingInterval != shortLeg.FundingInterval
	if row.IntervalMismatch {
		shorter := SideLong
		if shortLeg.FundingInterval < longLeg.FundingInterval {
			shorter = SideShort
		}
		row.ShorterIntervalSide = &shorter
	}

	row.SpreadRate1yNominal = shortSnap.Rate1yNominal().Sub(longSnap.Rate1yNominal())

	if longLeg.MaxLeverage != nil && shortLeg.MaxLeverage != nil {
		lev := *longLeg.MaxLeverage
		if *shortLeg.MaxLeverage < lev {
			lev = *shortLeg.MaxLeverage
		}
		row.MaxUsableLeverage = &lev
		leveraged := row.SpreadRate1yNominal.Mul(decimal.NewFromInt(int64(lev)))
		row.LeveragedSpreadRate1yNominal = &leveraged
		row.NextCycleScore = &leveraged
	} else {
		row.NextCycleScore = &row.SpreadRate1yNominal
	}

	events, truncated := buildSettlementPreview(longLeg, shortLeg, now)
	row.SettlementEventsPreview = events
	row.PreviewTruncated = truncated
	for _, ev := range events {
		if ev.Kind == EventSingleSide {
			row.SingleSideEventCount++
		}
	}

	return row
}

// buildSettlementPreview walks two forward funding-instant sequences
// (long and short cadence, each independently fast-forwarded past any
// instant that has already elapsed per decision 1) merging events within
// settlementMatchSlack into a single hedged event and everything else
// into single_side events, bounded at maxSettlementEvents/settlementWindow.
// The preview always stops at (and includes) the first hedged event it
// reaches — including immediately, when the two legs start aligned — since
// that event marks the cursors realigning and the shape repeats from there.
func buildSettlementPreview(longLeg, shortLeg Leg, now time.Time) ([]SettlementEvent, bool) {
	curLong := firstFutureInstant(longLeg.NextFundingTime, longLeg.FundingInterval, now)
	curShort := firstFutureInstant(shortLeg.NextFundingTime, shortLeg.FundingInterval, now)
	windowEnd := now.Add(settlementWindow)

	var events []SettlementEvent
	for len(events) < maxSettlementEvents {
		if curLong.After(windowEnd) && curShort.After(windowEnd) {
			return events, true
		}

		diff := curLong.Sub(curShort)
		if diff < 0 {
			diff = -diff
		}

		if diff <= settlementMatchSlack {
			evTime := curLong
			if curShort.Before(evTime) {
				evTime = curShort
			}
			events = append(events, SettlementEvent{
				EventTime:  evTime,
				Kind:       EventHedged,
				AmountRate: shortLeg.FundingRateRaw.Sub(longLeg.FundingRateRaw),
			})
			return events, false
		}

		if curLong.Before(curShort) {
			events = append(events, SettlementEvent{
				EventTime:  curLong,
				Kind:       EventSingleSide,
				Side:       SideLong,
				AmountRate: longLeg.FundingRateRaw.Neg(),
			})
			curLong = curLong.Add(longLeg.FundingInterval)
		} else {
			events = append(events, SettlementEvent{
				EventTime:  curShort,
				Kind:       EventSingleSide,
				Side:       SideShort,
				AmountRate: shortLeg.FundingRateRaw,
			})
			curShort = curShort.Add(shortLeg.FundingInterval)
		}
	}

	return events, true
}

func firstFutureInstant(next time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 {
		return next
	}
	t := next
	for t.Before(now) {
		t = t.Add(interval)
	}
	return t
}
