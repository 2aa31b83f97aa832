package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Name identifies a venue. The five supported venues are fixed; a sixth
// would need a new constant and a new adapter, never a config string.
type Name string

const (
	Binance Name = "binance"
	OKX     Name = "okx"
	Bybit   Name = "bybit"
	Bitget  Name = "bitget"
	GateIO  Name = "gateio"
)

// AllNames lists every supported venue in a fixed, deterministic order.
// MarketProvider does not use it: it sorts its fan-out results
// alphabetically by venue name.
var AllNames = []Name{Binance, OKX, Bybit, Bitget, GateIO}

// SourceTag records where a FundingSnapshot's data actually came from.
// This is the normalized set MarketProvider exposes at its boundary;
// adapters may track a richer internal transport tag but always collapse
// to one of these four before returning.
type SourceTag string

const (
	SourceCCXT  SourceTag = "ccxt"
	SourceREST  SourceTag = "rest"
	SourceWS    SourceTag = "ws"
	SourceStale SourceTag = "stale"
)

// FundingSnapshot is the unit FetchFunding returns per symbol: the current
// funding rate, the interval it applies over, the next settlement instant,
// and the mark price used to value a position at that venue.
type FundingSnapshot struct {
	Venue           Name
	Symbol          string
	FundingRate     decimal.Decimal
	FundingInterval time.Duration
	NextFundingTime time.Time
	MarkPrice       decimal.Decimal
	SourceTag       SourceTag
	FetchedAt       time.Time
}

// Rate1h normalizes FundingRate to an hourly rate so that venues with
// different funding intervals (1h, 4h, 8h) become comparable.
func (f FundingSnapshot) Rate1h() decimal.Decimal {
	hours := decimal.NewFromFloat(f.FundingInterval.Hours())
	if hours.IsZero() {
		return decimal.Zero
	}
	return f.FundingRate.Div(hours)
}

// Rate1yNominal annualizes Rate1h assuming funding repeats every hour for
// a year (8760 hours), with no compounding.
func (f FundingSnapshot) Rate1yNominal() decimal.Decimal {
	return f.Rate1h().Mul(decimal.NewFromInt(8760))
}

// LeveragedNominalRate1y scales Rate1yNominal by leverage, the basis the
// opportunity engine ranks on: a trade's capital efficiency, not just its
// raw spread.
func (f FundingSnapshot) LeveragedNominalRate1y(leverage decimal.Decimal) decimal.Decimal {
	return f.Rate1yNominal().Mul(leverage)
}

// OrderSide is the direction of a single leg of a two-leg position.
type OrderSide string

const (
	SideLong  OrderSide = "long"
	SideShort OrderSide = "short"
)

// OrderStatus is the lifecycle state PlaceOrder/CancelOrder/polling report.
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "new"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusPartial  OrderStatus = "partial"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
)

// PlaceOrderRequest is a single leg of a two-leg position open/close/hedge.
type PlaceOrderRequest struct {
	Symbol        string
	Side          OrderSide
	Reduce        bool
	QuantityBase  decimal.Decimal
	ClientOrderID string
}

// PlaceOrderResult is what a venue reports back after accepting an order.
type PlaceOrderResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	AvgPrice        decimal.Decimal
	FilledBase      decimal.Decimal
	Fee             decimal.Decimal

	// Note carries a diagnostic worth persisting alongside the order even
	// though the call ultimately succeeded, e.g. a recovered retry.
	Note string
}

// Adapter is the capability every venue implements. Each venue's quirks
// (retry-with-different-params on a specific error code, a multi-tier
// fallback for one data call, a non-standard lot-size endpoint) live in
// the concrete type, never pushed up into this interface.
type Adapter interface {
	Name() Name

	// FetchFunding returns one snapshot per requested symbol the venue
	// lists; a symbol the venue does not list is simply absent from the
	// result, not an error.
	FetchFunding(ctx context.Context, symbols []string) ([]FundingSnapshot, error)

	// FetchMarkPrice returns the venue's current price for symbol without
	// the rest of a funding snapshot; the OKX and Bitget adapters call it
	// from their own FetchFunding.
	FetchMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// FetchMaxLeverage returns the venue's maximum allowed leverage for
	// symbol, which MarketProvider records on each snapshot to bound the
	// leveraged rate. Orders are not checked against it.
	FetchMaxLeverage(ctx context.Context, symbol string) (int, error)

	// ContractSize returns the base-asset quantity one contract
	// represents; 1 for venues that quote directly in base asset.
	ContractSize(ctx context.Context, symbol string) (decimal.Decimal, error)

	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// DefaultDataTimeout is the per-venue budget (T_venue) for a single market
// data call before MarketProvider falls back or gives up on that venue.
const DefaultDataTimeout = 4 * time.Second

// DefaultOrderTimeout bounds a single order placement/cancellation call.
const DefaultOrderTimeout = 10 * time.Second
