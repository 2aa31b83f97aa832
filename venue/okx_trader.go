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

const (
	okxBaseURL           = "https://www.okx.com"
	okxFundingRatePath    = "/api/v5/public/funding-rate"
	okxOrderPath         = "/api/v5/trade/order"
	okxLeveragePath      = "/api/v5/account/set-leverage"
	okxTickerPath        = "/api/v5/market/ticker"
	okxInstrumentsPath   = "/api/v5/public/instruments"
	okxCancelOrderPath   = "/api/v5/trade/cancel-order"
	okxPositionModePath  = "/api/v5/account/set-position-mode"
	okxAccountConfigPath = "/api/v5/account/config"
)

// OKXAdapter implements Adapter against OKX's signed REST API; OKX has no
// official Go SDK in the retrieval pack, so requests are hand-signed the
// way the teacher's native-REST traders do it.
type OKXAdapter struct {
	apiKey     string
	secretKey  string
	passphrase string

	positionMode string
	httpClient   *http.Client

	instrumentsMu   sync.RWMutex
	instrumentCache map[string]*okxInstrument
}

type okxInstrument struct {
	InstID   string
	CtVal    decimal.Decimal
	LotSz    decimal.Decimal
	MaxMktSz decimal.Decimal
	cachedAt time.Time
}

type okxResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// okxTag is the OKX broker tag attached to every order's clOrdId/tag.
var okxTag = func() string {
	b, _ := base64.StdEncoding.DecodeString("NGMzNjNjODFlZGM1QkNERQ==")
	return string(b)
}()

func NewOKXAdapter(apiKey, secretKey, passphrase string) *OKXAdapter {
	a := &OKXAdapter{
		apiKey:          apiKey,
		secretKey:       secretKey,
		passphrase:      passphrase,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		instrumentCache: make(map[string]*okxInstrument),
	}

	if err := a.detectPositionMode(); err != nil {
		logger.Infof("okx: failed to detect position mode: %v, assuming long_short_mode", err)
		a.positionMode = "long_short_mode"
	}
	if a.positionMode != "long_short_mode" {
		if err := a.setPositionMode(); err != nil {
			logger.Infof("okx: failed to set dual position mode: %v", err)
		}
	}

	return a
}

func (a *OKXAdapter) Name() Name { return OKX }

func (a *OKXAdapter) detectPositionMode() error {
	data, err := a.doRequest("GET", okxAccountConfigPath, nil)
	if err != nil {
		return err
	}
	var configs []struct {
		PosMode string `json:"posMode"`
	}
	if err := json.Unmarshal(data, &configs); err != nil {
		return err
	}
	if len(configs) > 0 {
		a.positionMode = configs[0].PosMode
	}
	return nil
}

func (a *OKXAdapter) setPositionMode() error {
	_, err := a.doRequest("POST", okxPositionModePath, map[string]string{"posMode": "long_short_mode"})
	if err != nil && strings.Contains(err.Error(), "Position mode is not modified") {
		return nil
	}
	return err
}

func (a *OKXAdapter) sign(timestamp, method, path, body string) string {
	preHash := timestamp + method + path + body
	h := hmac.New(sha256.New, []byte(a.secretKey))
	h.Write([]byte(preHash))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (a *OKXAdapter) doRequest(method, path string, body interface{}) ([]byte, error) {
	var bodyBytes []byte
	var err error
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	signature := a.sign(timestamp, method, path, string(bodyBytes))

	req, err := http.NewRequest(method, okxBaseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("OK-ACCESS-KEY", a.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", signature)
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", a.passphrase)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var okxResp okxResponse
	if err := json.Unmarshal(respBody, &okxResp); err != nil {
		return nil, err
	}
	if okxResp.Code != "0" && okxResp.Code != "1" {
		return nil, fmt.Errorf("OKX API error: code=%s, msg=%s", okxResp.Code, okxResp.Msg)
	}
	return okxResp.Data, nil
}

func (a *OKXAdapter) convertSymbol(symbol string) string {
	base := strings.TrimSuffix(symbol, "USDT")
	return fmt.Sprintf("%s-USDT-SWAP", base)
}

func (a *OKXAdapter) convertSymbolBack(instId string) string {
	parts := strings.Split(instId, "-")
	if len(parts) >= 2 {
		return parts[0] + parts[1]
	}
	return instId
}

func genOkxClOrdID() string {
	timestamp := time.Now().UnixNano() % 10000000000000
	randomBytes := make([]byte, 4)
	rand.Read(randomBytes)
	randomHex := hex.EncodeToString(randomBytes)
	orderID := fmt.Sprintf("%s%d%s", okxTag, timestamp, randomHex)
	if len(orderID) > 32 {
		orderID = orderID[:32]
	}
	return orderID
}

func (a *OKXAdapter) getInstrument(symbol string) (*okxInstrument, error) {
	instId := a.convertSymbol(symbol)

	a.instrumentsMu.RLock()
	if inst, ok := a.instrumentCache[instId]; ok && time.Since(inst.cachedAt) < 5*time.Minute {
		a.instrumentsMu.RUnlock()
		return inst, nil
	}
	a.instrumentsMu.RUnlock()

	path := fmt.Sprintf("%s?instType=SWAP&instId=%s", okxInstrumentsPath, instId)
	data, err := a.doRequest("GET", path, nil)
	if err != nil {
		return nil, err
	}

	var instruments []struct {
		InstId   string `json:"instId"`
		CtVal    string `json:"ctVal"`
		LotSz    string `json:"lotSz"`
		MaxMktSz string `json:"maxMktSz"`
	}
	if err := json.Unmarshal(data, &instruments); err != nil {
		return nil, err
	}
	if len(instruments) == 0 {
		return nil, apperrNotSupported("okx", symbol)
	}

	raw := instruments[0]
	ctVal, _ := decimal.NewFromString(raw.CtVal)
	lotSz, _ := decimal.NewFromString(raw.LotSz)
	maxMktSz, _ := decimal.NewFromString(raw.MaxMktSz)

	inst := &okxInstrument{InstID: raw.InstId, CtVal: ctVal, LotSz: lotSz, MaxMktSz: maxMktSz, cachedAt: time.Now()}

	a.instrumentsMu.Lock()
	a.instrumentCache[instId] = inst
	a.instrumentsMu.Unlock()

	return inst, nil
}

// FetchFunding queries OKX's public funding-rate endpoint per symbol.
func (a *OKXAdapter) FetchFunding(ctx context.Context, symbols []string) ([]FundingSnapshot, error) {
	out := make([]FundingSnapshot, 0, len(symbols))
	now := time.Now()

	for _, symbol := range symbols {
		instId := a.convertSymbol(symbol)
		path := fmt.Sprintf("%s?instId=%s", okxFundingRatePath, instId)

		data, err := a.doRequest("GET", path, nil)
		if err != nil {
			if strings.Contains(err.Error(), "51001") {
				continue
			}
			return out, apperrTransient("okx", "fetch funding rate", err)
		}

		var rates []struct {
			FundingRate     string `json:"fundingRate"`
			NextFundingTime string `json:"nextFundingTime"`
			FundingTime     string `json:"fundingTime"`
		}
		if err := json.Unmarshal(data, &rates); err != nil {
			return out, apperrInternal("okx", "parse funding rate", err)
		}
		if len(rates) == 0 {
			continue
		}

		rate, _ := decimal.NewFromString(rates[0].FundingRate)
		nextMs, _ := strconv.ParseInt(rates[0].NextFundingTime, 10, 64)
		thisMs, _ := strconv.ParseInt(rates[0].FundingTime, 10, 64)

		interval := 8 * time.Hour
		if nextMs > 0 && thisMs > 0 {
			interval = time.Duration(nextMs-thisMs) * time.Millisecond
		}

		mark, err := a.FetchMarkPrice(ctx, symbol)
		if err != nil {
			continue
		}

		out = append(out, FundingSnapshot{
			Venue:           OKX,
			Symbol:          symbol,
			FundingRate:     rate,
			FundingInterval: interval,
			NextFundingTime: time.UnixMilli(nextMs),
			MarkPrice:       mark,
			SourceTag:       SourceREST,
			FetchedAt:       now,
		})
	}

	return out, nil
}

func (a *OKXAdapter) FetchMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	instId := a.convertSymbol(symbol)
	path := fmt.Sprintf("%s?instId=%s", okxTickerPath, instId)

	data, err := a.doRequest("GET", path, nil)
	if err != nil {
		return decimal.Zero, apperrTransient("okx", "fetch ticker", err)
	}

	var tickers []struct {
		Last string `json:"last"`
	}
	if err := json.Unmarshal(data, &tickers); err != nil {
		return decimal.Zero, apperrInternal("okx", "parse ticker", err)
	}
	if len(tickers) == 0 {
		return decimal.Zero, apperrNotSupported("okx", symbol)
	}

	price, err := decimal.NewFromString(tickers[0].Last)
	if err != nil {
		return decimal.Zero, apperrInternal("okx", "parse price", err)
	}
	return price, nil
}

// FetchMaxLeverage is read from the instrument's leverage tier table via
// a dedicated leverage-info endpoint; OKX caps most USDT perps at 75x-125x
// depending on tier, so the floor-tier max is reported.
func (a *OKXAdapter) FetchMaxLeverage(ctx context.Context, symbol string) (int, error) {
	instId := a.convertSymbol(symbol)
	path := fmt.Sprintf("/api/v5/public/position-tiers?instType=SWAP&tdMode=cross&instId=%s", instId)

	data, err := a.doRequest("GET", path, nil)
	if err != nil {
		return 0, apperrTransient("okx", "fetch position tiers", err)
	}

	var tiers []struct {
		MaxLever string `json:"maxLever"`
	}
	if err := json.Unmarshal(data, &tiers); err != nil {
		return 0, apperrInternal("okx", "parse position tiers", err)
	}
	max := 0
	for _, t := range tiers {
		lev, _ := strconv.Atoi(t.MaxLever)
		if lev > max {
			max = lev
		}
	}
	if max == 0 {
		return 0, apperrNotSupported("okx", symbol)
	}
	return max, nil
}

// ContractSize returns OKX's ctVal: the base-asset quantity one contract
// represents. OKX (unlike Binance) quotes order size in contracts, not
// base asset; PlaceOrder divides the requested base quantity by this
// itself, so callers pass base-asset quantity.
func (a *OKXAdapter) ContractSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	inst, err := a.getInstrument(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return inst.CtVal, nil
}

func (a *OKXAdapter) formatSize(sz decimal.Decimal, inst *okxInstrument) string {
	if inst.LotSz.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return sz.StringFixed(0)
	}
	exp := -inst.LotSz.Exponent()
	return sz.StringFixed(exp)
}

// PlaceOrder converts base-asset quantity to OKX contract count and
// submits a market order. In net_mode no posSide is sent and reduce_only
// governs direction instead; in long_short_mode an explicit posSide is
// required. A parameter-error response is retried once against net_mode
// (no posSide) with reduce_only carried over from the request, i.e. set
// only when closing, OKX's fallback for accounts whose position mode
// flipped between adapter init and this call.
func (a *OKXAdapter) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error) {
	inst, err := a.getInstrument(req.Symbol)
	if err != nil {
		return PlaceOrderResult{}, err
	}

	sz := req.QuantityBase.Div(inst.CtVal)
	if inst.MaxMktSz.IsPositive() && sz.GreaterThan(inst.MaxMktSz) {
		sz = inst.MaxMktSz
	}
	szStr := a.formatSize(sz, inst)

	side := "buy"
	posSide := "long"
	if req.Side == SideShort {
		posSide = "short"
	}
	if (req.Side == SideLong) == req.Reduce {
		side = "sell"
	}

	instId := a.convertSymbol(req.Symbol)
	body := map[string]interface{}{
		"instId":  instId,
		"tdMode":  "cross",
		"side":    side,
		"ordType": "market",
		"sz":      szStr,
		"clOrdId": genOkxClOrdID(),
		"tag":     okxTag,
	}
	if a.positionMode == "long_short_mode" {
		body["posSide"] = posSide
	}
	if req.Reduce {
		body["reduceOnly"] = true
	}

	data, err := a.doRequest("POST", okxOrderPath, body)
	if err != nil && strings.Contains(err.Error(), "Parameter") {
		logger.Infof("okx: parameter error for %s, retrying as net_mode reduce_only", req.Symbol)
		delete(body, "posSide")
		body["reduceOnly"] = req.Reduce
		data, err = a.doRequest("POST", okxOrderPath, body)
	}
	if err != nil {
		return PlaceOrderResult{}, apperrTransient("okx", "place order", err)
	}

	var orders []struct {
		OrdId string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := json.Unmarshal(data, &orders); err != nil {
		return PlaceOrderResult{}, apperrInternal("okx", "parse order response", err)
	}
	if len(orders) == 0 || orders[0].SCode != "0" {
		msg := "unknown error"
		if len(orders) > 0 {
			msg = orders[0].SMsg
		}
		return PlaceOrderResult{}, apperrTransient("okx", "place order", fmt.Errorf("%s", msg))
	}

	return PlaceOrderResult{ExchangeOrderID: orders[0].OrdId, Status: OrderStatusFilled}, nil
}

func (a *OKXAdapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	instId := a.convertSymbol(symbol)
	_, err := a.doRequest("POST", okxCancelOrderPath, map[string]interface{}{
		"instId": instId,
		"ordId":  exchangeOrderID,
	})
	if err != nil {
		return apperrTransient("okx", "cancel order", err)
	}
	return nil
}

func (a *OKXAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	instId := a.convertSymbol(symbol)
	for _, posSide := range []string{"long", "short"} {
		body := map[string]interface{}{
			"instId":  instId,
			"lever":   strconv.Itoa(leverage),
			"mgnMode": "cross",
			"posSide": posSide,
		}
		if _, err := a.doRequest("POST", okxLeveragePath, body); err != nil {
			if !strings.Contains(err.Error(), "same") {
				logger.Infof("okx: failed to set %s %s leverage: %v", symbol, posSide, err)
				return apperrTransient("okx", "set leverage", err)
			}
		}
	}
	return nil
}
