package execution

import (
	"context"
	"testing"
	"time"

	"fundingarb/apperr"
	"fundingarb/crypto"
	"fundingarb/market"
	"fundingarb/risk"
	"fundingarb/store"
	"fundingarb/vault"
	"fundingarb/venue"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a scripted venue.Adapter: every call returns whatever
// the test pre-loaded, so Coordinator's state-machine branches can be
// exercised without a real exchange.
type fakeAdapter struct {
	name            venue.Name
	markPrice       decimal.Decimal
	fundingRate     decimal.Decimal
	maxLeverage     int
	placeOrderErr   error
	placeOrderErrs  []error // consumed in order, one per PlaceOrder call; falls back to placeOrderErr when exhausted
	placeOrderCalls int
	setLeverageErr  error
}

func (f *fakeAdapter) Name() venue.Name { return f.name }

func (f *fakeAdapter) FetchFunding(ctx context.Context, symbols []string) ([]venue.FundingSnapshot, error) {
	out := make([]venue.FundingSnapshot, 0, len(symbols))
	for _, symbol := range symbols {
		out = append(out, venue.FundingSnapshot{
			Venue:           f.name,
			Symbol:          symbol,
			FundingRate:     f.fundingRate,
			FundingInterval: 8 * time.Hour,
			NextFundingTime: time.Now().Add(4 * time.Hour),
			MarkPrice:       f.markPrice,
			SourceTag:       venue.SourceREST,
			FetchedAt:       time.Now(),
		})
	}
	return out, nil
}

func (f *fakeAdapter) FetchMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.markPrice, nil
}

func (f *fakeAdapter) FetchMaxLeverage(ctx context.Context, symbol string) (int, error) {
	return f.maxLeverage, nil
}

func (f *fakeAdapter) ContractSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

func (f *fakeAdapter) PlaceOrder(ctx context.Context, req venue.PlaceOrderRequest) (venue.PlaceOrderResult, error) {
	err := f.placeOrderErr
	if f.placeOrderCalls < len(f.placeOrderErrs) {
		err = f.placeOrderErrs[f.placeOrderCalls]
	}
	f.placeOrderCalls++
	if err != nil {
		return venue.PlaceOrderResult{}, err
	}
	return venue.PlaceOrderResult{
		ExchangeOrderID: "ex-" + string(f.name),
		Status:          venue.OrderStatusFilled,
		AvgPrice:        f.markPrice,
		FilledBase:      req.QuantityBase,
	}, nil
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return nil
}

func (f *fakeAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return f.setLeverageErr
}

type testHarness struct {
	coordinator *Coordinator
	longFake    *fakeAdapter
	shortFake   *fakeAdapter
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	db, err := store.New(":memory:")
	require.NoError(t, err)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	cs, err := crypto.NewServiceWithKey(key)
	require.NoError(t, err)

	v := vault.New(db.Credential(), cs)
	_, err = v.Put(vault.Credential{Exchange: venue.Binance, APIKey: "bin-key-12345", SecretKey: "bin-secret"})
	require.NoError(t, err)
	_, err = v.Put(vault.Credential{Exchange: venue.OKX, APIKey: "okx-key-12345", SecretKey: "okx-secret", Passphrase: "pw"})
	require.NoError(t, err)

	longFake := &fakeAdapter{name: venue.Binance, markPrice: decimal.NewFromInt(50000), maxLeverage: 20, fundingRate: decimal.NewFromFloat(0.0001)}
	shortFake := &fakeAdapter{name: venue.OKX, markPrice: decimal.NewFromInt(50010), maxLeverage: 10, fundingRate: decimal.NewFromFloat(0.0003)}

	factory := func(name venue.Name, cred vault.Credential) (venue.Adapter, error) {
		switch name {
		case venue.Binance:
			return longFake, nil
		case venue.OKX:
			return shortFake, nil
		default:
			return nil, apperr.New(apperr.NotSupported, "no fake adapter for "+string(name))
		}
	}

	cache := market.NewSnapshotCache(30*time.Second, 120*time.Second)
	provider := market.NewProvider(
		map[venue.Name]venue.Adapter{venue.Binance: longFake, venue.OKX: shortFake},
		[]string{"BTCUSDT"}, cache, nil,
		venue.DefaultDataTimeout, 10*time.Second, 120*time.Second,
	)

	ledger := risk.New(db.RiskEvent(), nil)
	coordinator := New(v, factory, db.Position(), db.Order(), ledger, provider)

	return &testHarness{coordinator: coordinator, longFake: longFake, shortFake: shortFake}
}

func TestOpen_BothLegsSucceed(t *testing.T) {
	h := newTestHarness(t)

	report, err := h.coordinator.Open(context.Background(), OpenRequest{
		Symbol:        "BTCUSDT",
		LongExchange:  venue.Binance,
		ShortExchange: venue.OKX,
		QuantityBase:  decimal.NewFromFloat(0.01),
		Leverage:      5,
	})
	require.NoError(t, err)
	assert.Equal(t, store.PositionOpen, report.Status)
	require.Len(t, report.Orders, 2)
	assert.Equal(t, store.OrderStatusOK, report.Orders[0].Status)
	assert.Equal(t, store.OrderStatusOK, report.Orders[1].Status)
	assert.Empty(t, report.RiskEvents)
}

func TestOpen_SecondLegFailsRollsBack(t *testing.T) {
	h := newTestHarness(t)
	h.shortFake.placeOrderErr = apperr.New(apperr.Transient, "okx rejected order")

	report, err := h.coordinator.Open(context.Background(), OpenRequest{
		Symbol:        "BTCUSDT",
		LongExchange:  venue.Binance,
		ShortExchange: venue.OKX,
		QuantityBase:  decimal.NewFromFloat(0.01),
		Leverage:      5,
	})
	require.NoError(t, err)
	assert.Equal(t, store.PositionOpenFailed, report.Status)
	require.Len(t, report.Orders, 3)
	assert.Equal(t, store.OrderActionRollback, report.Orders[2].Action)
	assert.Equal(t, store.OrderStatusOK, report.Orders[2].Status)
	require.Len(t, report.RiskEvents, 1)
	assert.Equal(t, store.RiskSeverityHigh, report.RiskEvents[0].Severity)
	assert.Equal(t, "open_second_leg_failed_rolled_back", report.RiskEvents[0].EventType)
}

func TestOpen_SecondLegFailsRollbackAlsoFails_RiskExposed(t *testing.T) {
	h := newTestHarness(t)
	h.shortFake.placeOrderErrs = []error{apperr.New(apperr.Transient, "okx rejected order")}
	h.longFake.placeOrderErrs = []error{nil, apperr.New(apperr.Transient, "binance rollback rejected")}

	report, err := h.coordinator.Open(context.Background(), OpenRequest{
		Symbol:        "BTCUSDT",
		LongExchange:  venue.Binance,
		ShortExchange: venue.OKX,
		QuantityBase:  decimal.NewFromFloat(0.01),
		Leverage:      5,
	})
	require.NoError(t, err)
	assert.Equal(t, store.PositionRiskExposed, report.Status)
	require.Len(t, report.RiskEvents, 1)
	assert.Equal(t, store.RiskSeverityCritical, report.RiskEvents[0].Severity)
	assert.Equal(t, "rollback_failed", report.RiskEvents[0].EventType)
}

func TestOpen_FirstLegFails_NoRollbackAttempted(t *testing.T) {
	h := newTestHarness(t)
	h.longFake.placeOrderErr = apperr.New(apperr.Transient, "binance rejected order")

	report, err := h.coordinator.Open(context.Background(), OpenRequest{
		Symbol:        "BTCUSDT",
		LongExchange:  venue.Binance,
		ShortExchange: venue.OKX,
		QuantityBase:  decimal.NewFromFloat(0.01),
		Leverage:      5,
	})
	require.NoError(t, err)
	assert.Equal(t, store.PositionOpenFailed, report.Status)
	require.Len(t, report.Orders, 1)
	assert.Equal(t, 0, h.shortFake.placeOrderCalls)
	require.Len(t, report.RiskEvents, 1)
	assert.Equal(t, "open_first_leg_failed", report.RiskEvents[0].EventType)
}

func TestOpen_SetLeverageFailureAbortsBeforeAnyOrder(t *testing.T) {
	h := newTestHarness(t)
	h.longFake.setLeverageErr = apperr.New(apperr.Transient, "leverage bracket rejected")

	_, err := h.coordinator.Open(context.Background(), OpenRequest{
		Symbol:        "BTCUSDT",
		LongExchange:  venue.Binance,
		ShortExchange: venue.OKX,
		QuantityBase:  decimal.NewFromFloat(0.01),
		Leverage:      5,
	})
	require.Error(t, err)
	assert.Equal(t, 0, h.longFake.placeOrderCalls)
	assert.Equal(t, 0, h.shortFake.placeOrderCalls)
}

func TestOpen_SameExchangeBothLegsRejected(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.coordinator.Open(context.Background(), OpenRequest{
		Symbol:        "BTCUSDT",
		LongExchange:  venue.Binance,
		ShortExchange: venue.Binance,
		QuantityBase:  decimal.NewFromFloat(0.01),
		Leverage:      5,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestClose_BothLegsSucceed(t *testing.T) {
	h := newTestHarness(t)

	opened, err := h.coordinator.Open(context.Background(), OpenRequest{
		Symbol:        "BTCUSDT",
		LongExchange:  venue.Binance,
		ShortExchange: venue.OKX,
		QuantityBase:  decimal.NewFromFloat(0.01),
		Leverage:      5,
	})
	require.NoError(t, err)

	closed, err := h.coordinator.Close(context.Background(), CloseRequest{PositionID: opened.PositionID})
	require.NoError(t, err)
	assert.Equal(t, store.PositionClosed, closed.Status)
}

func TestClose_OneLegFails_RiskExposed(t *testing.T) {
	h := newTestHarness(t)

	opened, err := h.coordinator.Open(context.Background(), OpenRequest{
		Symbol:        "BTCUSDT",
		LongExchange:  venue.Binance,
		ShortExchange: venue.OKX,
		QuantityBase:  decimal.NewFromFloat(0.01),
		Leverage:      5,
	})
	require.NoError(t, err)

	h.shortFake.placeOrderErr = apperr.New(apperr.Transient, "okx close rejected")
	closed, err := h.coordinator.Close(context.Background(), CloseRequest{PositionID: opened.PositionID})
	require.NoError(t, err)
	assert.Equal(t, store.PositionRiskExposed, closed.Status)
	require.Len(t, closed.RiskEvents, 1)
	assert.Equal(t, store.RiskSeverityCritical, closed.RiskEvents[0].Severity)
}

func TestHedge_RecordsWarningRiskEvent(t *testing.T) {
	h := newTestHarness(t)

	report, err := h.coordinator.Hedge(context.Background(), HedgeRequest{
		PositionID:   "pos-1",
		Exchange:     venue.Binance,
		Symbol:       "BTCUSDT",
		Side:         venue.SideShort,
		QuantityBase: decimal.NewFromFloat(0.005),
		Reason:       "offsetting residual long exposure",
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", report.Status)
	require.Len(t, report.RiskEvents, 1)
	assert.Equal(t, store.RiskSeverityWarning, report.RiskEvents[0].Severity)
}

func TestConvertNotional_UsesBinanceMarkPrice(t *testing.T) {
	h := newTestHarness(t)

	qty, markPrice, err := h.coordinator.ConvertNotional(context.Background(), "BTCUSDT", decimal.NewFromInt(5000))
	require.NoError(t, err)
	assert.True(t, markPrice.Equal(decimal.NewFromInt(50000)))
	assert.True(t, qty.Equal(decimal.NewFromFloat(0.1)))
}

func TestPreview_NoSideEffects(t *testing.T) {
	h := newTestHarness(t)

	report, err := h.coordinator.Preview(context.Background(), PreviewRequest{
		Symbol:        "BTCUSDT",
		LongExchange:  venue.Binance,
		ShortExchange: venue.OKX,
		NotionalUSD:   decimal.NewFromInt(10000),
		HoldHours:     decimal.NewFromInt(24),
		FeeBps:        decimal.NewFromInt(4),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, h.longFake.placeOrderCalls)
	assert.Equal(t, 0, h.shortFake.placeOrderCalls)
	assert.Equal(t, 10, report.RequiredLeverage)
}

func TestEmergencyClose_AggregatesAcrossPositions(t *testing.T) {
	h := newTestHarness(t)

	opened1, err := h.coordinator.Open(context.Background(), OpenRequest{
		Symbol: "BTCUSDT", LongExchange: venue.Binance, ShortExchange: venue.OKX,
		QuantityBase: decimal.NewFromFloat(0.01), Leverage: 5,
	})
	require.NoError(t, err)

	reports, err := h.coordinator.EmergencyClose(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, opened1.PositionID, reports[0].PositionID)
	assert.Equal(t, store.PositionClosed, reports[0].Status)
}
