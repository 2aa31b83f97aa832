package venue

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"fundingarb/logger"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Bitget API endpoints (V2 mix/USDT-FUTURES)
const (
	bitgetBaseURL          = "https://api.bitget.com"
	bitgetOrderPath        = "/api/v2/mix/order/place-order"
	bitgetLeveragePath     = "/api/v2/mix/account/set-leverage"
	bitgetTickerPath       = "/api/v2/mix/market/ticker"
	bitgetContractsPath    = "/api/v2/mix/market/contracts"
	bitgetCancelOrderPath  = "/api/v2/mix/order/cancel-order"
	bitgetPositionModePath = "/api/v2/mix/account/set-position-mode"
	bitgetFundingRatePath  = "/api/v2/mix/market/current-fund-rate"
	bitgetFundingTimePath  = "/api/v2/mix/market/funding-time"
)

// BitgetAdapter implements Adapter against Bitget's USDT-M futures API,
// always in one-way position mode.
type BitgetAdapter struct {
	apiKey     string
	secretKey  string
	passphrase string
	httpClient *http.Client

	contractsMu    sync.RWMutex
	contractsCache map[string]*bitgetContract
}

type bitgetContract struct {
	SizeMultiplier decimal.Decimal
	VolumePlace    int32
	MaxLeverage    int
	cachedAt       time.Time
}

type bitgetResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func NewBitgetAdapter(apiKey, secretKey, passphrase string) *BitgetAdapter {
	a := &BitgetAdapter{
		apiKey:         apiKey,
		secretKey:      secretKey,
		passphrase:     passphrase,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		contractsCache: make(map[string]*bitgetContract),
	}

	if err := a.setPositionMode(); err != nil {
		logger.Infof("bitget: failed to set one-way position mode: %v (ignore if already set)", err)
	}

	return a
}

func (a *BitgetAdapter) Name() Name { return Bitget }

func (a *BitgetAdapter) setPositionMode() error {
	body := map[string]interface{}{
		"productType": "USDT-FUTURES",
		"posMode":     "one_way_mode",
	}
	_, err := a.doRequest("POST", bitgetPositionModePath, body)
	if err != nil {
		if strings.Contains(err.Error(), "same") || strings.Contains(err.Error(), "already") {
			return nil
		}
		return err
	}
	return nil
}

func (a *BitgetAdapter) sign(timestamp, method, requestPath, body string) string {
	preHash := timestamp + method + requestPath + body
	h := hmac.New(sha256.New, []byte(a.secretKey))
	h.Write([]byte(preHash))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (a *BitgetAdapter) doRequest(method, path string, body interface{}) ([]byte, error) {
	var bodyBytes []byte
	var err error

	if body != nil {
		if method == "GET" {
			if params, ok := body.(map[string]interface{}); ok {
				var parts []string
				for k, v := range params {
					parts = append(parts, fmt.Sprintf("%s=%v", k, v))
				}
				if len(parts) > 0 {
					path = path + "?" + strings.Join(parts, "&")
				}
			}
		} else {
			bodyBytes, err = json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("serialize request body: %w", err)
			}
		}
	}

	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())

	signBody := ""
	if method != "GET" && bodyBytes != nil {
		signBody = string(bodyBytes)
	}
	signature := a.sign(timestamp, method, path, signBody)

	req, err := http.NewRequest(method, bitgetBaseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("ACCESS-KEY", a.apiKey)
	req.Header.Set("ACCESS-SIGN", signature)
	req.Header.Set("ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("ACCESS-PASSPHRASE", a.passphrase)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("locale", "en-US")
	if strings.Contains(path, "/order/") {
		req.Header.Set("X-CHANNEL-API-CODE", "7fygt")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var bg bitgetResponse
	if err := json.Unmarshal(respBody, &bg); err != nil {
		return nil, fmt.Errorf("parse response: %w, body: %s", err, string(respBody))
	}
	if bg.Code != "00000" {
		return nil, fmt.Errorf("bitget api error: code=%s, msg=%s", bg.Code, bg.Msg)
	}

	return bg.Data, nil
}

func (a *BitgetAdapter) getContract(symbol string) (*bitgetContract, error) {
	a.contractsMu.RLock()
	if c, ok := a.contractsCache[symbol]; ok && time.Since(c.cachedAt) < 5*time.Minute {
		a.contractsMu.RUnlock()
		return c, nil
	}
	a.contractsMu.RUnlock()

	params := map[string]interface{}{"productType": "USDT-FUTURES", "symbol": symbol}
	data, err := a.doRequest("GET", bitgetContractsPath, params)
	if err != nil {
		return nil, apperrTransient("bitget", "fetch contract config", err)
	}

	var contracts []struct {
		Symbol         string `json:"symbol"`
		SizeMultiplier string `json:"sizeMultiplier"`
		VolumePlace    string `json:"volumePlace"`
		MaxLever       string `json:"maxLever"`
	}
	if err := json.Unmarshal(data, &contracts); err != nil {
		return nil, apperrInternal("bitget", "parse contract config", err)
	}

	for _, c := range contracts {
		if c.Symbol != symbol {
			continue
		}
		sizeMult, _ := decimal.NewFromString(c.SizeMultiplier)
		if sizeMult.IsZero() {
			sizeMult = decimal.NewFromInt(1)
		}
		volumePlace, _ := strconv.Atoi(c.VolumePlace)
		maxLever, _ := strconv.Atoi(c.MaxLever)

		contract := &bitgetContract{
			SizeMultiplier: sizeMult,
			VolumePlace:    int32(volumePlace),
			MaxLeverage:    maxLever,
			cachedAt:       time.Now(),
		}

		a.contractsMu.Lock()
		a.contractsCache[symbol] = contract
		a.contractsMu.Unlock()

		return contract, nil
	}

	return nil, apperrNotSupported("bitget", symbol)
}

// FetchFunding pairs Bitget's current-fund-rate (rate) and funding-time
// (next settlement, interval) public endpoints per symbol, then reads
// mark price off the ticker.
func (a *BitgetAdapter) FetchFunding(ctx context.Context, symbols []string) ([]FundingSnapshot, error) {
	out := make([]FundingSnapshot, 0, len(symbols))
	now := time.Now()

	for _, symbol := range symbols {
		rateParams := map[string]interface{}{"symbol": symbol, "productType": "USDT-FUTURES"}
		rateData, err := a.doRequest("GET", bitgetFundingRatePath, rateParams)
		if err != nil {
			if strings.Contains(err.Error(), "does not exist") {
				continue
			}
			return out, apperrTransient("bitget", "fetch funding rate", err)
		}
		var rates []struct {
			FundingRate string `json:"fundingRate"`
		}
		if err := json.Unmarshal(rateData, &rates); err != nil || len(rates) == 0 {
			continue
		}
		rate, _ := decimal.NewFromString(rates[0].FundingRate)

		timeData, err := a.doRequest("GET", bitgetFundingTimePath, rateParams)
		interval := 8 * time.Hour
		var nextFunding time.Time
		if err == nil {
			var times []struct {
				NextFundingTime string `json:"nextFundingTime"`
				RatePeriod      string `json:"ratePeriod"`
			}
			if err := json.Unmarshal(timeData, &times); err == nil && len(times) > 0 {
				if ms, err := strconv.ParseInt(times[0].NextFundingTime, 10, 64); err == nil {
					nextFunding = time.UnixMilli(ms)
				}
				if hours, err := strconv.Atoi(times[0].RatePeriod); err == nil && hours > 0 {
					interval = time.Duration(hours) * time.Hour
				}
			}
		}

		mark, err := a.FetchMarkPrice(ctx, symbol)
		if err != nil {
			continue
		}

		out = append(out, FundingSnapshot{
			Venue:           Bitget,
			Symbol:          symbol,
			FundingRate:     rate,
			FundingInterval: interval,
			NextFundingTime: nextFunding,
			MarkPrice:       mark,
			SourceTag:       SourceREST,
			FetchedAt:       now,
		})
	}

	return out, nil
}

func (a *BitgetAdapter) FetchMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := map[string]interface{}{"symbol": symbol, "productType": "USDT-FUTURES"}
	data, err := a.doRequest("GET", bitgetTickerPath, params)
	if err != nil {
		return decimal.Zero, apperrTransient("bitget", "fetch ticker", err)
	}

	var tickers []struct {
		LastPr string `json:"lastPr"`
	}
	if err := json.Unmarshal(data, &tickers); err != nil {
		return decimal.Zero, apperrInternal("bitget", "parse ticker", err)
	}
	if len(tickers) == 0 {
		return decimal.Zero, apperrNotSupported("bitget", symbol)
	}
	return decimal.NewFromString(tickers[0].LastPr)
}

func (a *BitgetAdapter) FetchMaxLeverage(ctx context.Context, symbol string) (int, error) {
	contract, err := a.getContract(symbol)
	if err != nil {
		return 0, err
	}
	if contract.MaxLeverage == 0 {
		return 0, apperrNotSupported("bitget", symbol)
	}
	return contract.MaxLeverage, nil
}

// ContractSize is the sizeMultiplier Bitget's contract config carries;
// USDT-M contracts on Bitget are usually 1:1 with base asset but a handful
// (e.g. low-priced alts) use a non-unit multiplier.
func (a *BitgetAdapter) ContractSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	contract, err := a.getContract(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return contract.SizeMultiplier, nil
}

func (a *BitgetAdapter) formatQuantity(symbol string, qty decimal.Decimal) string {
	contract, err := a.getContract(symbol)
	if err != nil {
		return qty.StringFixed(4)
	}
	return qty.StringFixed(contract.VolumePlace)
}

func genBitgetClientOid() string {
	randomBytes := make([]byte, 6)
	rand.Read(randomBytes)
	return fmt.Sprintf("fa%d%s", time.Now().UnixNano()%1e13, hex.EncodeToString(randomBytes))
}

// PlaceOrder submits a one-way-mode market order under cross margin.
func (a *BitgetAdapter) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error) {
	side := "buy"
	if (req.Side == SideLong) == req.Reduce {
		side = "sell"
	}

	body := map[string]interface{}{
		"symbol":      req.Symbol,
		"productType": "USDT-FUTURES",
		"marginMode":  "crossed",
		"marginCoin":  "USDT",
		"side":        side,
		"orderType":   "market",
		"size":        a.formatQuantity(req.Symbol, req.QuantityBase),
		"clientOid":   genBitgetClientOid(),
	}
	if req.Reduce {
		body["reduceOnly"] = "YES"
	}

	data, err := a.doRequest("POST", bitgetOrderPath, body)
	if err != nil {
		return PlaceOrderResult{}, apperrTransient("bitget", "place order", err)
	}

	var order struct {
		OrderId string `json:"orderId"`
	}
	if err := json.Unmarshal(data, &order); err != nil {
		return PlaceOrderResult{}, apperrInternal("bitget", "parse order result", err)
	}

	return PlaceOrderResult{ExchangeOrderID: order.OrderId, Status: OrderStatusNew}, nil
}

func (a *BitgetAdapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	body := map[string]interface{}{
		"symbol":      symbol,
		"productType": "USDT-FUTURES",
		"marginCoin":  "USDT",
		"orderId":     exchangeOrderID,
	}
	_, err := a.doRequest("POST", bitgetCancelOrderPath, body)
	if err != nil {
		return apperrTransient("bitget", "cancel order", err)
	}
	return nil
}

func (a *BitgetAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]interface{}{
		"symbol":      symbol,
		"productType": "USDT-FUTURES",
		"marginCoin":  "USDT",
		"leverage":    strconv.Itoa(leverage),
	}
	_, err := a.doRequest("POST", bitgetLeveragePath, body)
	if err != nil {
		if strings.Contains(err.Error(), "same") {
			return nil
		}
		return apperrTransient("bitget", "set leverage", err)
	}
	return nil
}
