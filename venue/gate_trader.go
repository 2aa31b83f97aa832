package venue

import (
	"context"
	"fmt"
	"fundingarb/logger"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antihax/optional"
	gateapi "github.com/gateio/gateapi-go/v7"
	"github.com/shopspring/decimal"
)

// GateAdapter implements Adapter against Gate.io USDT-settled futures.
// Gate.io quotes order size in contracts, so every conversion to/from
// base-asset quantity goes through the contract's quanto_multiplier.
type GateAdapter struct {
	client    *gateapi.APIClient
	apiKey    string
	secretKey string
	settle    string

	contractsMu    sync.RWMutex
	contractsCache map[string]*gateapi.Contract
}

func NewGateAdapter(apiKey, secretKey string) *GateAdapter {
	cfg := gateapi.NewConfiguration()
	cfg.BasePath = "https://api.gateio.ws/api/v4"
	client := gateapi.NewAPIClient(cfg)

	return &GateAdapter{
		client:         client,
		apiKey:         apiKey,
		secretKey:      secretKey,
		settle:         "usdt",
		contractsCache: make(map[string]*gateapi.Contract),
	}
}

func (a *GateAdapter) Name() Name { return GateIO }

func (a *GateAdapter) authContext() context.Context {
	return context.WithValue(context.Background(), gateapi.ContextGateAPIV4, gateapi.GateAPIV4{
		Key:    a.apiKey,
		Secret: a.secretKey,
	})
}

// convertSymbol rewrites generic BTCUSDT into Gate.io's BTC_USDT contract
// naming.
func (a *GateAdapter) convertSymbol(symbol string) string {
	if strings.Contains(symbol, "_") {
		return symbol
	}
	upper := strings.ToUpper(symbol)
	if strings.HasSuffix(upper, "USDT") {
		return upper[:len(upper)-4] + "_USDT"
	}
	return symbol
}

func (a *GateAdapter) convertSymbolBack(gateSymbol string) string {
	return strings.ReplaceAll(gateSymbol, "_", "")
}

func (a *GateAdapter) getContract(symbol string) (*gateapi.Contract, error) {
	gateSymbol := a.convertSymbol(symbol)

	a.contractsMu.RLock()
	if c, ok := a.contractsCache[gateSymbol]; ok {
		a.contractsMu.RUnlock()
		return c, nil
	}
	a.contractsMu.RUnlock()

	contract, _, err := a.client.FuturesApi.GetFuturesContract(context.Background(), a.settle, gateSymbol)
	if err != nil {
		return nil, apperrNotSupported("gateio", symbol)
	}

	a.contractsMu.Lock()
	a.contractsCache[gateSymbol] = &contract
	a.contractsMu.Unlock()

	return &contract, nil
}

// FetchFunding reads funding_rate/funding_next_apply straight off the
// futures ticker, which Gate.io reports alongside last-trade price.
func (a *GateAdapter) FetchFunding(ctx context.Context, symbols []string) ([]FundingSnapshot, error) {
	out := make([]FundingSnapshot, 0, len(symbols))
	now := time.Now()

	for _, symbol := range symbols {
		gateSymbol := a.convertSymbol(symbol)
		tickers, _, err := a.client.FuturesApi.ListFuturesTickers(ctx, a.settle, &gateapi.ListFuturesTickersOpts{
			Contract: optional.NewString(gateSymbol),
		})
		if err != nil {
			return out, apperrTransient("gateio", "fetch tickers", err)
		}
		if len(tickers) == 0 {
			continue
		}
		ticker := tickers[0]

		rate, _ := decimal.NewFromString(ticker.FundingRate)
		mark, _ := decimal.NewFromString(ticker.MarkPrice)
		nextApplySec, _ := strconv.ParseInt(ticker.FundingNextApply, 10, 64)

		out = append(out, FundingSnapshot{
			Venue:           GateIO,
			Symbol:          symbol,
			FundingRate:     rate,
			FundingInterval: 8 * time.Hour,
			NextFundingTime: time.Unix(nextApplySec, 0),
			MarkPrice:       mark,
			SourceTag:       SourceREST,
			FetchedAt:       now,
		})
	}

	return out, nil
}

func (a *GateAdapter) FetchMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	gateSymbol := a.convertSymbol(symbol)
	tickers, _, err := a.client.FuturesApi.ListFuturesTickers(ctx, a.settle, &gateapi.ListFuturesTickersOpts{
		Contract: optional.NewString(gateSymbol),
	})
	if err != nil {
		return decimal.Zero, apperrTransient("gateio", "fetch tickers", err)
	}
	if len(tickers) == 0 {
		return decimal.Zero, apperrNotSupported("gateio", symbol)
	}
	return decimal.NewFromString(tickers[0].Last)
}

func (a *GateAdapter) FetchMaxLeverage(ctx context.Context, symbol string) (int, error) {
	contract, err := a.getContract(symbol)
	if err != nil {
		return 0, err
	}
	maxLev, _ := strconv.ParseFloat(contract.LeverageMax, 64)
	if maxLev == 0 {
		return 0, apperrNotSupported("gateio", symbol)
	}
	return int(maxLev), nil
}

// ContractSize is the quanto_multiplier: the base-asset quantity one
// Gate.io contract represents. Order sizing divides requested base
// quantity by this to get an integer contract count.
func (a *GateAdapter) ContractSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	contract, err := a.getContract(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	mult, err := decimal.NewFromString(contract.QuantoMultiplier)
	if err != nil || mult.IsZero() {
		return decimal.Zero, apperrInternal("gateio", "parse quanto multiplier", err)
	}
	return mult, nil
}

// contractsForQuantity converts a base-asset quantity into an unsigned
// integer contract count (at least 1 for a positive quantity); PlaceOrder
// applies the sign, since Gate.io orders carry direction in the sign of
// size rather than a side field.
func (a *GateAdapter) contractsForQuantity(symbol string, qty decimal.Decimal) (int64, error) {
	mult, err := a.ContractSize(context.Background(), symbol)
	if err != nil {
		return 0, err
	}
	contracts := qty.Div(mult).Round(0)
	n := contracts.IntPart()
	if n == 0 && qty.IsPositive() {
		n = 1
	}
	return n, nil
}

// PlaceOrder submits a market order via a zero-price IOC limit order,
// Gate.io's idiom for "market" on the futures order endpoint.
func (a *GateAdapter) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error) {
	n, err := a.contractsForQuantity(req.Symbol, req.QuantityBase)
	if err != nil {
		return PlaceOrderResult{}, err
	}

	opening := (req.Side == SideLong) != req.Reduce
	if !opening {
		n = -n
	}

	order := gateapi.FuturesOrder{
		Contract:   a.convertSymbol(req.Symbol),
		Size:       n,
		Price:      "0",
		Tif:        "ioc",
		ReduceOnly: req.Reduce,
	}

	result, _, err := a.client.FuturesApi.CreateFuturesOrder(ctx, a.settle, order, nil)
	if err != nil {
		return PlaceOrderResult{}, apperrTransient("gateio", "place order", err)
	}

	return PlaceOrderResult{
		ExchangeOrderID: fmt.Sprintf("%d", result.Id),
		Status:          OrderStatusNew,
	}, nil
}

func (a *GateAdapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	_, _, err := a.client.FuturesApi.CancelFuturesOrder(ctx, a.settle, exchangeOrderID)
	if err != nil {
		return apperrTransient("gateio", "cancel order", err)
	}
	return nil
}

func (a *GateAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	gateSymbol := a.convertSymbol(symbol)
	_, _, err := a.client.FuturesApi.UpdatePositionLeverage(ctx, a.settle, gateSymbol, strconv.Itoa(leverage), nil)
	if err != nil {
		if strings.Contains(err.Error(), "not changed") {
			return nil
		}
		logger.Infof("gateio: failed to set %s leverage: %v", symbol, err)
		return apperrTransient("gateio", "set leverage", err)
	}
	return nil
}
