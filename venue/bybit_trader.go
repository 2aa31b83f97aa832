package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"fundingarb/logger"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"
)

// BybitAdapter implements Adapter against Bybit's USDT-perpetual UTA API,
// always in one-way position mode (positionIdx=0).
type BybitAdapter struct {
	client *bybit.Client

	qtyStepMu    sync.RWMutex
	qtyStepCache map[string]decimal.Decimal
}

func NewBybitAdapter(apiKey, secretKey string) *BybitAdapter {
	const refererID = "Up000938"

	client := bybit.NewBybitHttpClient(apiKey, secretKey, bybit.WithBaseURL(bybit.MAINNET))
	if client != nil && client.HTTPClient != nil {
		base := client.HTTPClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		client.HTTPClient.Transport = &headerRoundTripper{base: base, refererID: refererID}
	}

	return &BybitAdapter{client: client, qtyStepCache: make(map[string]decimal.Decimal)}
}

type headerRoundTripper struct {
	base      http.RoundTripper
	refererID string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Referer", h.refererID)
	return h.base.RoundTrip(req)
}

func (a *BybitAdapter) Name() Name { return Bybit }

// FetchFunding uses Bybit's public linear-category ticker, which carries
// fundingRate and nextFundingTime alongside the last traded price.
func (a *BybitAdapter) FetchFunding(ctx context.Context, symbols []string) ([]FundingSnapshot, error) {
	out := make([]FundingSnapshot, 0, len(symbols))
	now := time.Now()

	for _, symbol := range symbols {
		params := map[string]interface{}{"category": "linear", "symbol": symbol}
		result, err := a.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
		if err != nil {
			return out, apperrTransient("bybit", "fetch tickers", err)
		}
		if result.RetCode != 0 {
			continue
		}

		resultData, ok := result.Result.(map[string]interface{})
		if !ok {
			continue
		}
		list, _ := resultData["list"].([]interface{})
		if len(list) == 0 {
			continue
		}
		ticker, _ := list[0].(map[string]interface{})

		fundingRateStr, _ := ticker["fundingRate"].(string)
		nextFundingStr, _ := ticker["nextFundingTime"].(string)
		markPriceStr, _ := ticker["markPrice"].(string)

		rate, _ := decimal.NewFromString(fundingRateStr)
		mark, _ := decimal.NewFromString(markPriceStr)
		nextMs, _ := strconv.ParseInt(nextFundingStr, 10, 64)

		out = append(out, FundingSnapshot{
			Venue:           Bybit,
			Symbol:          symbol,
			FundingRate:     rate,
			FundingInterval: 8 * time.Hour,
			NextFundingTime: time.UnixMilli(nextMs),
			MarkPrice:       mark,
			SourceTag:       SourceREST,
			FetchedAt:       now,
		})
	}

	return out, nil
}

func (a *BybitAdapter) FetchMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := map[string]interface{}{"category": "linear", "symbol": symbol}
	result, err := a.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return decimal.Zero, apperrTransient("bybit", "fetch tickers", err)
	}
	if result.RetCode != 0 {
		return decimal.Zero, apperrTransient("bybit", "fetch tickers", fmt.Errorf("%s", result.RetMsg))
	}

	resultData, ok := result.Result.(map[string]interface{})
	if !ok {
		return decimal.Zero, apperrInternal("bybit", "parse ticker", nil)
	}
	list, _ := resultData["list"].([]interface{})
	if len(list) == 0 {
		return decimal.Zero, apperrNotSupported("bybit", symbol)
	}
	ticker, _ := list[0].(map[string]interface{})
	lastPriceStr, _ := ticker["lastPrice"].(string)
	return decimal.NewFromString(lastPriceStr)
}

// FetchMaxLeverage reads the instrument's leverage-filter ceiling from the
// public instruments-info endpoint.
func (a *BybitAdapter) FetchMaxLeverage(ctx context.Context, symbol string) (int, error) {
	url := fmt.Sprintf("https://api.bybit.com/v5/market/instruments-info?category=linear&symbol=%s", symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, apperrInternal("bybit", "build request", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, apperrTransient("bybit", "fetch instruments info", err)
	}
	defer resp.Body.Close()

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List []struct {
				LeverageFilter struct {
					MaxLeverage string `json:"maxLeverage"`
				} `json:"leverageFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := decodeJSON(resp.Body, &result); err != nil {
		return 0, apperrInternal("bybit", "parse instruments info", err)
	}
	if result.RetCode != 0 || len(result.Result.List) == 0 {
		return 0, apperrNotSupported("bybit", symbol)
	}

	maxLev, _ := strconv.ParseFloat(result.Result.List[0].LeverageFilter.MaxLeverage, 64)
	return int(maxLev), nil
}

// ContractSize is 1 base-asset unit per contract for Bybit USDT-linear
// perpetuals, which quote order size directly in base asset.
func (a *BybitAdapter) ContractSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

func (a *BybitAdapter) getQtyStep(symbol string) decimal.Decimal {
	a.qtyStepMu.RLock()
	if step, ok := a.qtyStepCache[symbol]; ok {
		a.qtyStepMu.RUnlock()
		return step
	}
	a.qtyStepMu.RUnlock()

	url := fmt.Sprintf("https://api.bybit.com/v5/market/instruments-info?category=linear&symbol=%s", symbol)
	resp, err := http.Get(url)
	if err != nil {
		logger.Infof("bybit: failed to get precision info for %s: %v", symbol, err)
		return decimal.NewFromInt(1)
	}
	defer resp.Body.Close()

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List []struct {
				LotSizeFilter struct {
					QtyStep string `json:"qtyStep"`
				} `json:"lotSizeFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := decodeJSON(resp.Body, &result); err != nil || result.RetCode != 0 || len(result.Result.List) == 0 {
		return decimal.NewFromInt(1)
	}

	step, err := decimal.NewFromString(result.Result.List[0].LotSizeFilter.QtyStep)
	if err != nil || !step.IsPositive() {
		step = decimal.NewFromInt(1)
	}

	a.qtyStepMu.Lock()
	a.qtyStepCache[symbol] = step
	a.qtyStepMu.Unlock()
	return step
}

func (a *BybitAdapter) formatQuantity(symbol string, quantity decimal.Decimal) string {
	step := a.getQtyStep(symbol)
	aligned := quantity.Div(step).Floor().Mul(step)
	exp := -step.Exponent()
	if exp < 0 {
		exp = 0
	}
	return aligned.StringFixed(exp)
}

func decodeJSON(r io.Reader, v interface{}) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// PlaceOrder submits a one-way-mode (positionIdx=0) market order;
// direction is carried entirely by side + reduceOnly since Bybit UTA
// linear accounts don't use Binance-style hedge PositionSide.
func (a *BybitAdapter) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error) {
	side := "Buy"
	if (req.Side == SideLong) == req.Reduce {
		side = "Sell"
	}

	params := map[string]interface{}{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        side,
		"orderType":   "Market",
		"qty":         a.formatQuantity(req.Symbol, req.QuantityBase),
		"positionIdx": 0,
	}
	if req.Reduce {
		params["reduceOnly"] = true
	}

	result, err := a.client.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return PlaceOrderResult{}, apperrTransient("bybit", "place order", err)
	}
	if result.RetCode != 0 {
		return PlaceOrderResult{}, apperrTransient("bybit", "place order", fmt.Errorf("%s", result.RetMsg))
	}

	resultData, ok := result.Result.(map[string]interface{})
	if !ok {
		return PlaceOrderResult{}, apperrInternal("bybit", "parse order result", nil)
	}
	orderID, _ := resultData["orderId"].(string)

	return PlaceOrderResult{ExchangeOrderID: orderID, Status: OrderStatusNew}, nil
}

func (a *BybitAdapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  exchangeOrderID,
	}
	result, err := a.client.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
	if err != nil {
		return apperrTransient("bybit", "cancel order", err)
	}
	if result.RetCode != 0 {
		return apperrTransient("bybit", "cancel order", fmt.Errorf("%s", result.RetMsg))
	}
	return nil
}

func (a *BybitAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	result, err := a.client.NewUtaBybitServiceWithParams(params).SetPositionLeverage(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "leverage not modified") {
			return nil
		}
		return apperrTransient("bybit", "set leverage", err)
	}
	if result.RetCode != 0 && result.RetCode != 110043 {
		return apperrTransient("bybit", "set leverage", fmt.Errorf("%s", result.RetMsg))
	}
	return nil
}
