package venue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"fundingarb/logger"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// getBrOrderID generates a unique client order ID for futures orders.
// Format: x-{BR_ID}{13-digit timestamp}{8 hex random}, kept under the
// exchange's 32-character limit.
func getBrOrderID() string {
	brID := "KzrpZaP9"
	timestamp := time.Now().UnixNano() % 10000000000000

	randomBytes := make([]byte, 4)
	rand.Read(randomBytes)
	randomHex := hex.EncodeToString(randomBytes)

	orderID := fmt.Sprintf("x-%s%d%s", brID, timestamp, randomHex)
	if len(orderID) > 32 {
		orderID = orderID[:32]
	}
	return orderID
}

// BinanceAdapter implements Adapter against Binance USDT-M futures.
type BinanceAdapter struct {
	client *futures.Client

	precisionMu    sync.RWMutex
	precisionCache map[string]int
}

// NewBinanceAdapter builds an adapter and switches the account into
// dual-side (hedge-mode) position mode, required because orders are
// placed with an explicit PositionSide rather than net position.
func NewBinanceAdapter(apiKey, secretKey string) *BinanceAdapter {
	client := futures.NewClient(apiKey, secretKey)
	syncBinanceServerTime(client)

	a := &BinanceAdapter{client: client, precisionCache: make(map[string]int)}

	if err := a.setDualSidePosition(); err != nil {
		logger.Infof("binance: failed to set dual-side position mode: %v (ignore if already set)", err)
	}

	return a
}

func (a *BinanceAdapter) Name() Name { return Binance }

func (a *BinanceAdapter) setDualSidePosition() error {
	err := a.client.NewChangePositionModeService().DualSide(true).Do(context.Background())
	if err != nil {
		if strings.Contains(err.Error(), "No need to change position side") {
			return nil
		}
		return err
	}
	return nil
}

func syncBinanceServerTime(client *futures.Client) {
	serverTime, err := client.NewServerTimeService().Do(context.Background())
	if err != nil {
		logger.Infof("binance: failed to sync server time: %v", err)
		return
	}
	client.TimeOffset = time.Now().UnixMilli() - serverTime
}

// FetchFunding queries Binance's premium-index endpoint per symbol; a
// symbol Binance doesn't list is silently skipped rather than erroring
// the whole batch.
func (a *BinanceAdapter) FetchFunding(ctx context.Context, symbols []string) ([]FundingSnapshot, error) {
	out := make([]FundingSnapshot, 0, len(symbols))
	now := time.Now()

	for _, symbol := range symbols {
		premiums, err := a.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
		if err != nil {
			if strings.Contains(err.Error(), "Invalid symbol") {
				continue
			}
			return out, apperrTransient("binance", "fetch premium index", err)
		}
		if len(premiums) == 0 {
			continue
		}
		p := premiums[0]

		rate, _ := decimal.NewFromString(p.LastFundingRate)
		mark, _ := decimal.NewFromString(p.MarkPrice)

		out = append(out, FundingSnapshot{
			Venue:           Binance,
			Symbol:          symbol,
			FundingRate:     rate,
			FundingInterval: 8 * time.Hour,
			NextFundingTime: time.UnixMilli(p.NextFundingTime),
			MarkPrice:       mark,
			SourceTag:       SourceREST,
			FetchedAt:       now,
		})
	}

	return out, nil
}

func (a *BinanceAdapter) FetchMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := a.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, apperrTransient("binance", "fetch mark price", err)
	}
	if len(prices) == 0 {
		return decimal.Zero, apperrNotSupported("binance", symbol)
	}
	price, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Zero, apperrInternal("binance", "parse price", err)
	}
	return price, nil
}

// FetchMaxLeverage reads the top bracket of the leverage-bracket table,
// which always carries the venue's highest permitted leverage for the
// symbol's lowest notional tier.
func (a *BinanceAdapter) FetchMaxLeverage(ctx context.Context, symbol string) (int, error) {
	brackets, err := a.client.NewGetLeverageBracketService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, apperrTransient("binance", "fetch leverage brackets", err)
	}
	for _, b := range brackets {
		if b.Symbol != symbol || len(b.Brackets) == 0 {
			continue
		}
		max := 0
		for _, br := range b.Brackets {
			if br.InitialLeverage > max {
				max = br.InitialLeverage
			}
		}
		return max, nil
	}
	return 0, apperrNotSupported("binance", symbol)
}

// ContractSize is 1 base-asset unit per contract for every Binance
// USDT-M perpetual; Binance quotes quantity directly in base asset.
func (a *BinanceAdapter) ContractSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

func (a *BinanceAdapter) symbolPrecision(ctx context.Context, symbol string) (int, error) {
	a.precisionMu.RLock()
	if p, ok := a.precisionCache[symbol]; ok {
		a.precisionMu.RUnlock()
		return p, nil
	}
	a.precisionMu.RUnlock()

	info, err := a.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 3, apperrTransient("binance", "fetch exchange info", err)
	}

	precision := 3
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		for _, filter := range s.Filters {
			if filter["filterType"] == "LOT_SIZE" {
				if step, ok := filter["stepSize"].(string); ok {
					precision = stepSizePrecision(step)
				}
			}
		}
	}

	a.precisionMu.Lock()
	a.precisionCache[symbol] = precision
	a.precisionMu.Unlock()
	return precision, nil
}

func stepSizePrecision(stepSize string) int {
	stepSize = strings.TrimRight(stepSize, "0")
	dot := strings.IndexByte(stepSize, '.')
	if dot == -1 || dot == len(stepSize)-1 {
		return 0
	}
	return len(stepSize) - dot - 1
}

func (a *BinanceAdapter) formatQuantity(ctx context.Context, symbol string, qty decimal.Decimal) string {
	precision, err := a.symbolPrecision(ctx, symbol)
	if err != nil {
		precision = 3
	}
	return qty.StringFixed(int32(precision))
}

// PlaceOrder submits a hedge-mode market order. Binance occasionally
// rejects the PositionSide-qualified order with error -4061 ("order's
// position side does not match user's setting") right after the account
// mode flips; retrying once against PositionSideBoth recovers without
// surfacing a false failure to the caller.
func (a *BinanceAdapter) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error) {
	side := futures.SideTypeBuy
	posSide := futures.PositionSideTypeLong
	if req.Side == SideShort {
		posSide = futures.PositionSideTypeShort
	}
	if (req.Side == SideLong) == req.Reduce {
		side = futures.SideTypeSell
	}

	quantityStr := a.formatQuantity(ctx, req.Symbol, req.QuantityBase)
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = getBrOrderID()
	}

	var note string
	order, err := a.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		PositionSide(posSide).
		Type(futures.OrderTypeMarket).
		Quantity(quantityStr).
		NewClientOrderID(clientID).
		Do(ctx)

	if err != nil && strings.Contains(err.Error(), "-4061") {
		logger.Infof("binance: -4061 position-side mismatch for %s, retrying with PositionSideBoth", req.Symbol)
		note = "recovered from -4061 position-side mismatch by retrying with PositionSideBoth"
		order, err = a.client.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(side).
			PositionSide(futures.PositionSideTypeBoth).
			Type(futures.OrderTypeMarket).
			Quantity(quantityStr).
			NewClientOrderID(clientID).
			Do(ctx)
	}

	if err != nil {
		return PlaceOrderResult{}, apperrTransient("binance", "place order", err)
	}

	return PlaceOrderResult{
		ExchangeOrderID: strconv.FormatInt(order.OrderID, 10),
		Status:          mapBinanceStatus(string(order.Status)),
		Note:            note,
	}, nil
}

func mapBinanceStatus(s string) OrderStatus {
	switch s {
	case "FILLED":
		return OrderStatusFilled
	case "PARTIALLY_FILLED":
		return OrderStatusPartial
	case "CANCELED", "EXPIRED":
		return OrderStatusCanceled
	case "REJECTED":
		return OrderStatusRejected
	default:
		return OrderStatusNew
	}
}

func (a *BinanceAdapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	orderID, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return apperrValidation("binance", fmt.Sprintf("invalid order id %q", exchangeOrderID))
	}
	_, err = a.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return apperrTransient("binance", "cancel order", err)
	}
	return nil
}

func (a *BinanceAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := a.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "No need to change") {
			return nil
		}
		return apperrTransient("binance", "set leverage", err)
	}
	return nil
}
