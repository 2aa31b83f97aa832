// Package execution implements ExecutionCoordinator (4.F): the two-leg
// open/close/hedge state machine with rollback on partial failure. It is
// the only component that ever dispatches a real order.
package execution

import (
	"context"
	"fmt"
	"time"

	"fundingarb/apperr"
	"fundingarb/logger"
	"fundingarb/market"
	"fundingarb/risk"
	"fundingarb/store"
	"fundingarb/vault"
	"fundingarb/venue"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AdapterFactory builds an authenticated venue.Adapter for one exchange
// from a resolved credential. Each venue's own constructor already takes
// its API key/secret (and, for OKX/Bitget, a passphrase) — main.go
// supplies the switch-on-name wiring; this package never constructs a
// concrete adapter type directly, so that credential resolution and
// adapter selection stay in one place (the composition root), not
// duplicated per call site.
type AdapterFactory func(name venue.Name, cred vault.Credential) (venue.Adapter, error)

// Coordinator is ExecutionCoordinator. orderTimeout bounds every
// venue order call (§5 default 10s); it has no deadline of its own for
// data reads, which defer to market.Provider's own budgets.
type Coordinator struct {
	vault          *vault.Vault
	adapterFactory AdapterFactory
	positions      *store.PositionStore
	orders         *store.OrderStore
	riskLedger     *risk.Ledger
	marketProvider *market.Provider
	orderTimeout   time.Duration
}

func New(v *vault.Vault, factory AdapterFactory, positions *store.PositionStore, orders *store.OrderStore, riskLedger *risk.Ledger, marketProvider *market.Provider) *Coordinator {
	return &Coordinator{
		vault:          v,
		adapterFactory: factory,
		positions:      positions,
		orders:         orders,
		riskLedger:     riskLedger,
		marketProvider: marketProvider,
		orderTimeout:   venue.DefaultOrderTimeout,
	}
}

// CredentialOverrides lets a caller supply inline credentials that take
// precedence over the vault for this one call (4.F "optional inline
// credentials overriding E").
type CredentialOverrides map[venue.Name]vault.Credential

func (c *Coordinator) resolveCredential(exchange venue.Name, overrides CredentialOverrides) (vault.Credential, error) {
	if cred, ok := overrides[exchange]; ok {
		return cred, nil
	}
	cred, err := c.vault.GetPlaintext(exchange)
	if err != nil {
		return vault.Credential{}, err
	}
	return *cred, nil
}

func (c *Coordinator) resolveAdapter(exchange venue.Name, overrides CredentialOverrides) (venue.Adapter, error) {
	cred, err := c.resolveCredential(exchange, overrides)
	if err != nil {
		return nil, err
	}
	adapter, err := c.adapterFactory(exchange, cred)
	if err != nil {
		return nil, apperr.Wrap(apperr.Auth, fmt.Sprintf("build %s adapter", exchange), err)
	}
	return adapter, nil
}

// OpenRequest is the input to open. EntrySpreadRate is recorded on the
// Position for later PnL reconciliation; it is the caller's
// responsibility to pass the OpportunityEngine row's spread at the
// moment of the decision to open, since by the time the order completes
// the board may have moved.
type OpenRequest struct {
	Symbol          string
	LongExchange    venue.Name
	ShortExchange   venue.Name
	QuantityBase    decimal.Decimal
	Leverage        int
	EntrySpreadRate decimal.Decimal
	Credentials     CredentialOverrides
}

// ExecutionReport is the common result shape for open/close/hedge/
// emergency_close.
type ExecutionReport struct {
	PositionID string
	Status     string
	Orders     []*store.Order
	RiskEvents []*store.RiskEvent
}

// Open places both legs of a new paired position, rolling back the first
// leg if the second fails (4.F open).
func (c *Coordinator) Open(ctx context.Context, req OpenRequest) (*ExecutionReport, error) {
	if req.LongExchange == req.ShortExchange {
		return nil, apperr.New(apperr.Validation, "long_exchange and short_exchange must differ")
	}

	longAdapter, err := c.resolveAdapter(req.LongExchange, req.Credentials)
	if err != nil {
		return nil, err
	}
	shortAdapter, err := c.resolveAdapter(req.ShortExchange, req.Credentials)
	if err != nil {
		return nil, err
	}

	// set_leverage is a precondition, not a best-effort side effect (4.A):
	// if either venue rejects it non-transiently, no order is placed.
	if err := c.setLeverageBoth(ctx, longAdapter, shortAdapter, req.Symbol, req.Leverage); err != nil {
		return nil, err
	}

	quantityFloat, _ := req.QuantityBase.Float64()
	entrySpread, _ := req.EntrySpreadRate.Float64()
	position := &store.Position{
		ID:              uuid.New().String(),
		Symbol:          req.Symbol,
		LongExchange:    string(req.LongExchange),
		ShortExchange:   string(req.ShortExchange),
		LongQty:         quantityFloat,
		ShortQty:        quantityFloat,
		EntrySpreadRate: entrySpread,
		Status:          "new",
	}

	report := &ExecutionReport{PositionID: position.ID}

	longOrder := c.newOrder(position.ID, store.OrderActionOpen, req.LongExchange, req.Symbol, store.OrderSideBuy, req.QuantityBase)
	longResult, longErr := c.placeOrder(ctx, longAdapter, venue.PlaceOrderRequest{
		Symbol:       req.Symbol,
		Side:         venue.SideLong,
		QuantityBase: req.QuantityBase,
	})
	c.applyOrderResult(longOrder, longResult, longErr)

	if longErr != nil {
		position.Status = store.PositionOpenFailed
		event, _ := c.riskLedger.Append(store.RiskSeverityHigh, "open_first_leg_failed", position.ID,
			fmt.Sprintf("leg 1 (%s) failed: %v", req.LongExchange, longErr), "")
		if err := c.orders.CreateWithPosition(position, longOrder); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "persist failed open", err)
		}
		report.Status = position.Status
		report.Orders = []*store.Order{longOrder}
		report.RiskEvents = appendNonNil(report.RiskEvents, event)
		return report, nil
	}

	shortOrder := c.newOrder(position.ID, store.OrderActionOpen, req.ShortExchange, req.Symbol, store.OrderSideSell, req.QuantityBase)
	shortResult, shortErr := c.placeOrder(ctx, shortAdapter, venue.PlaceOrderRequest{
		Symbol:       req.Symbol,
		Side:         venue.SideShort,
		QuantityBase: req.QuantityBase,
	})
	c.applyOrderResult(shortOrder, shortResult, shortErr)

	if shortErr != nil {
		// A second leg that never opened triggers an immediate rollback of
		// leg 1 — it is a failed order, not one awaiting reconciliation,
		// regardless of whether the underlying error was transient.
		shortOrder.Status = store.OrderStatusFailed

		rollbackOrder := c.newOrder(position.ID, store.OrderActionRollback, req.LongExchange, req.Symbol, store.OrderSideSell, req.QuantityBase)
		rollbackResult, rollbackErr := c.placeOrder(ctx, longAdapter, venue.PlaceOrderRequest{
			Symbol:       req.Symbol,
			Side:         venue.SideLong,
			Reduce:       true,
			QuantityBase: req.QuantityBase,
		})
		c.applyOrderResult(rollbackOrder, rollbackResult, rollbackErr)

		var event *store.RiskEvent
		if rollbackErr == nil {
			position.Status = store.PositionOpenFailed
			event, _ = c.riskLedger.Append(store.RiskSeverityHigh, "open_second_leg_failed_rolled_back", position.ID,
				fmt.Sprintf("leg 2 (%s) failed: %v; leg 1 rolled back", req.ShortExchange, shortErr), "")
		} else {
			position.Status = store.PositionRiskExposed
			event, _ = c.riskLedger.Append(store.RiskSeverityCritical, "rollback_failed", position.ID,
				fmt.Sprintf("leg 2 (%s) failed: %v; rollback also failed: %v", req.ShortExchange, shortErr, rollbackErr), "")
		}

		if err := c.orders.CreateWithPosition(position, longOrder, shortOrder, rollbackOrder); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "persist partial open", err)
		}
		report.Status = position.Status
		report.Orders = []*store.Order{longOrder, shortOrder, rollbackOrder}
		report.RiskEvents = appendNonNil(report.RiskEvents, event)
		return report, nil
	}

	position.Status = store.PositionOpen
	if err := c.orders.CreateWithPosition(position, longOrder, shortOrder); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "persist open position", err)
	}
	report.Status = position.Status
	report.Orders = []*store.Order{longOrder, shortOrder}
	return report, nil
}

// CloseRequest is the input to close.
type CloseRequest struct {
	PositionID  string
	Credentials CredentialOverrides
}

// Close reduces both legs of an existing position to flat. Unlike open,
// a partial close is never rolled back — it escalates to risk_exposed
// (4.F close).
func (c *Coordinator) Close(ctx context.Context, req CloseRequest) (*ExecutionReport, error) {
	position, err := c.positions.Get(req.PositionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load position", err)
	}
	if position == nil {
		return nil, apperr.New(apperr.Validation, "position not found: "+req.PositionID)
	}

	longAdapter, err := c.resolveAdapter(venue.Name(position.LongExchange), req.Credentials)
	if err != nil {
		return nil, err
	}
	shortAdapter, err := c.resolveAdapter(venue.Name(position.ShortExchange), req.Credentials)
	if err != nil {
		return nil, err
	}

	report := &ExecutionReport{PositionID: position.ID}

	longOrder := c.newOrder(position.ID, store.OrderActionClose, venue.Name(position.LongExchange), position.Symbol, store.OrderSideSell, position.LongQtyDecimal())
	longResult, longErr := c.placeOrder(ctx, longAdapter, venue.PlaceOrderRequest{
		Symbol:       position.Symbol,
		Side:         venue.SideLong,
		Reduce:       true,
		QuantityBase: position.LongQtyDecimal(),
	})
	c.applyOrderResult(longOrder, longResult, longErr)

	shortOrder := c.newOrder(position.ID, store.OrderActionClose, venue.Name(position.ShortExchange), position.Symbol, store.OrderSideBuy, position.ShortQtyDecimal())
	shortResult, shortErr := c.placeOrder(ctx, shortAdapter, venue.PlaceOrderRequest{
		Symbol:       position.Symbol,
		Side:         venue.SideShort,
		Reduce:       true,
		QuantityBase: position.ShortQtyDecimal(),
	})
	c.applyOrderResult(shortOrder, shortResult, shortErr)

	if err := c.orders.Create(longOrder); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "persist close order", err)
	}
	if err := c.orders.Create(shortOrder); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "persist close order", err)
	}
	report.Orders = []*store.Order{longOrder, shortOrder}

	var newStatus string
	var riskEvent *store.RiskEvent
	switch {
	case longErr == nil && shortErr == nil:
		newStatus = store.PositionClosed
	case longErr != nil && shortErr != nil:
		newStatus = store.PositionCloseFailed
		riskEvent, _ = c.riskLedger.Append(store.RiskSeverityHigh, "close_failed", position.ID,
			fmt.Sprintf("both legs failed to close: long=%v short=%v", longErr, shortErr), "")
	default:
		newStatus = store.PositionRiskExposed
		riskEvent, _ = c.riskLedger.Append(store.RiskSeverityCritical, "close_failed", position.ID,
			fmt.Sprintf("partial close, half-closed position: long_err=%v short_err=%v", longErr, shortErr), "")
	}

	if err := c.positions.UpdateStatus(position.ID, newStatus); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "update position status", err)
	}
	report.Status = newStatus
	report.RiskEvents = appendNonNil(report.RiskEvents, riskEvent)
	return report, nil
}

// HedgeRequest is a single-sided emergency order against one exchange
// (4.F hedge) — used to offset residual exposure after a risk_exposed
// position, not part of the normal open/close pair.
type HedgeRequest struct {
	PositionID   string
	Exchange     venue.Name
	Symbol       string
	Side         venue.OrderSide
	QuantityBase decimal.Decimal
	Reason       string
	Credentials  CredentialOverrides
}

func (c *Coordinator) Hedge(ctx context.Context, req HedgeRequest) (*ExecutionReport, error) {
	adapter, err := c.resolveAdapter(req.Exchange, req.Credentials)
	if err != nil {
		return nil, err
	}

	side := store.OrderSideBuy
	if req.Side == venue.SideShort {
		side = store.OrderSideSell
	}
	order := c.newOrder(req.PositionID, store.OrderActionHedge, req.Exchange, req.Symbol, side, req.QuantityBase)
	result, orderErr := c.placeOrder(ctx, adapter, venue.PlaceOrderRequest{
		Symbol:       req.Symbol,
		Side:         req.Side,
		QuantityBase: req.QuantityBase,
	})
	c.applyOrderResult(order, result, orderErr)

	if err := c.orders.Create(order); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "persist hedge order", err)
	}

	event, _ := c.riskLedger.Append(store.RiskSeverityWarning, "hedge_placed", req.PositionID, req.Reason, "")

	status := "ok"
	if orderErr != nil {
		status = "failed"
	}
	return &ExecutionReport{
		PositionID: req.PositionID,
		Status:     status,
		Orders:     []*store.Order{order},
		RiskEvents: appendNonNil(nil, event),
	}, nil
}

// EmergencyClose closes every position named in positionIDs, or every
// open position when positionIDs is empty, best-effort — it never
// short-circuits on one failure (4.F emergency_close). It is not
// cancellable mid-flight: the batch runs detached from ctx's cancellation
// and deadline, and each leg is bounded only by its own order timeout.
func (c *Coordinator) EmergencyClose(ctx context.Context, positionIDs []string) ([]*ExecutionReport, error) {
	ctx = context.WithoutCancel(ctx)
	targets := positionIDs
	if len(targets) == 0 {
		open, err := c.positions.ListOpen()
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "list open positions", err)
		}
		for _, p := range open {
			targets = append(targets, p.ID)
		}
	}

	reports := make([]*ExecutionReport, 0, len(targets))
	for _, id := range targets {
		report, err := c.Close(ctx, CloseRequest{PositionID: id})
		if err != nil {
			logger.Log.WithError(err).WithField("position_id", id).Error("emergency_close: leg failed")
			reports = append(reports, &ExecutionReport{PositionID: id, Status: "error"})
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// ConvertNotional uses the Binance adapter's mark price as the canonical
// conversion oracle regardless of which venues are actually trading the
// position (4.F convert_notional).
func (c *Coordinator) ConvertNotional(ctx context.Context, symbol string, notionalUSD decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	board, err := c.marketProvider.FetchAll(ctx, false)
	if err != nil {
		return decimal.Zero, decimal.Zero, apperr.Wrap(apperr.Transient, "fetch board for conversion", err)
	}
	for _, snap := range board.SnapshotsByVenue[venue.Binance] {
		if snap.Symbol == symbol {
			if snap.MarkPrice.IsZero() {
				return decimal.Zero, decimal.Zero, apperr.New(apperr.Transient, "binance mark price unavailable for "+symbol)
			}
			return notionalUSD.Div(snap.MarkPrice), snap.MarkPrice, nil
		}
	}
	return decimal.Zero, decimal.Zero, apperr.New(apperr.NotSupported, "binance does not list "+symbol)
}

// PreviewRequest is the input to preview.
type PreviewRequest struct {
	Symbol        string
	LongExchange  venue.Name
	ShortExchange venue.Name
	NotionalUSD   decimal.Decimal
	HoldHours     decimal.Decimal
	FeeBps        decimal.Decimal
}

// PreviewReport is preview's pure-function result: no side effects, no
// orders placed.
type PreviewReport struct {
	Symbol                   string
	LongExchange             venue.Name
	ShortExchange            venue.Name
	PerLegNotionalUSD        decimal.Decimal
	QuantityBase             decimal.Decimal
	SpreadRate1yNominal      decimal.Decimal
	RequiredLeverage         int
	ExpectedFundingInflowUSD decimal.Decimal
	FeeUSD                   decimal.Decimal
	ProjectedPnLUSD          decimal.Decimal
}

// Preview computes projected PnL over hold_hours for a hypothetical
// pairing, with no order placement (4.F preview).
func (c *Coordinator) Preview(ctx context.Context, req PreviewRequest) (*PreviewReport, error) {
	board, err := c.marketProvider.FetchAll(ctx, false)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "fetch board for preview", err)
	}

	longSnap, ok := findSnapshot(board, req.LongExchange, req.Symbol)
	if !ok {
		return nil, apperr.New(apperr.NotSupported, fmt.Sprintf("%s does not currently report %s", req.LongExchange, req.Symbol))
	}
	shortSnap, ok := findSnapshot(board, req.ShortExchange, req.Symbol)
	if !ok {
		return nil, apperr.New(apperr.NotSupported, fmt.Sprintf("%s does not currently report %s", req.ShortExchange, req.Symbol))
	}

	spread := shortSnap.Rate1yNominal().Sub(longSnap.Rate1yNominal())

	leverage := 1
	if longSnap.MaxLeverage != nil && shortSnap.MaxLeverage != nil {
		leverage = *longSnap.MaxLeverage
		if *shortSnap.MaxLeverage < leverage {
			leverage = *shortSnap.MaxLeverage
		}
	}

	perLegNotional := req.NotionalUSD.Div(decimal.NewFromInt(2))
	markPrice := longSnap.MarkPrice
	if markPrice.IsZero() {
		markPrice = shortSnap.MarkPrice
	}
	quantityBase := decimal.Zero
	if !markPrice.IsZero() {
		quantityBase = perLegNotional.Div(markPrice)
	}

	hoursFrac := req.HoldHours.Div(decimal.NewFromInt(8760))
	expectedFundingInflow := req.NotionalUSD.Mul(spread).Mul(hoursFrac)
	feeUSD := req.NotionalUSD.Mul(req.FeeBps).Div(decimal.NewFromInt(10000))

	return &PreviewReport{
		Symbol:                   req.Symbol,
		LongExchange:             req.LongExchange,
		ShortExchange:            req.ShortExchange,
		PerLegNotionalUSD:        perLegNotional,
		QuantityBase:             quantityBase,
		SpreadRate1yNominal:      spread,
		RequiredLeverage:         leverage,
		ExpectedFundingInflowUSD: expectedFundingInflow,
		FeeUSD:                   feeUSD,
		ProjectedPnLUSD:          expectedFundingInflow.Sub(feeUSD),
	}, nil
}

func findSnapshot(board *market.BoardResult, v venue.Name, symbol string) (market.Snapshot, bool) {
	for _, snap := range board.SnapshotsByVenue[v] {
		if snap.Symbol == symbol {
			return snap, true
		}
	}
	return market.Snapshot{}, false
}

func (c *Coordinator) setLeverageBoth(ctx context.Context, longAdapter, shortAdapter venue.Adapter, symbol string, leverage int) error {
	leverageCtx, cancel := context.WithTimeout(ctx, c.orderTimeout)
	defer cancel()

	if err := longAdapter.SetLeverage(leverageCtx, symbol, leverage); err != nil {
		return apperr.Wrap(apperr.Transient, fmt.Sprintf("set_leverage on %s", longAdapter.Name()), err)
	}
	if err := shortAdapter.SetLeverage(leverageCtx, symbol, leverage); err != nil {
		return apperr.Wrap(apperr.Transient, fmt.Sprintf("set_leverage on %s", shortAdapter.Name()), err)
	}
	return nil
}

// placeOrder bounds one order call to orderTimeout (§5). A context
// deadline exceeded is reported back as the order's own error rather than
// retried — the caller marks it pending for reconciliation, it is never
// silently abandoned.
func (c *Coordinator) placeOrder(ctx context.Context, adapter venue.Adapter, req venue.PlaceOrderRequest) (venue.PlaceOrderResult, error) {
	orderCtx, cancel := context.WithTimeout(ctx, c.orderTimeout)
	defer cancel()
	return adapter.PlaceOrder(orderCtx, req)
}

func (c *Coordinator) newOrder(positionID, action string, exchange venue.Name, symbol, side string, quantity decimal.Decimal) *store.Order {
	qty, _ := quantity.Float64()
	return &store.Order{
		ID:         uuid.New().String(),
		PositionID: positionID,
		Action:     action,
		Exchange:   string(exchange),
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		Status:     store.OrderStatusPending,
	}
}

func (c *Coordinator) applyOrderResult(order *store.Order, result venue.PlaceOrderResult, err error) {
	if err != nil {
		order.Status = store.OrderStatusFailed
		order.Note = err.Error()
		if apperr.KindOf(err) == apperr.Transient {
			order.Status = store.OrderStatusPending
			order.Note = "timed out awaiting venue confirmation; needs reconciliation: " + err.Error()
		}
		return
	}
	order.Status = store.OrderStatusOK
	order.ExchangeOrderID = result.ExchangeOrderID
	order.Note = result.Note
	filled := result.FilledBase.InexactFloat64()
	avgPrice := result.AvgPrice.InexactFloat64()
	order.FilledQty = &filled
	order.AvgPrice = &avgPrice
}

func appendNonNil(events []*store.RiskEvent, event *store.RiskEvent) []*store.RiskEvent {
	if event == nil {
		return events
	}
	return append(events, event)
}
