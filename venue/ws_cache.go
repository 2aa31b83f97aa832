package venue

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"fundingarb/logger"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// WSCache is the ws_stream fallback tier named in 4.A/4.B: a best-effort
// background subscriber per venue that keeps a last-known mark
// price/funding rate pair per symbol, consulted only after the primary
// adapter call has failed and before the stale-cache tier — never primary.
type WSCache struct {
	mu   sync.RWMutex
	last map[wsCacheKey]FundingSnapshot
}

type wsCacheKey struct {
	venue  Name
	symbol string
}

func NewWSCache() *WSCache {
	return &WSCache{last: make(map[wsCacheKey]FundingSnapshot)}
}

func (c *WSCache) Get(v Name, symbol string) (FundingSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.last[wsCacheKey{venue: v, symbol: symbol}]
	return snap, ok
}

func (c *WSCache) set(v Name, symbol string, snap FundingSnapshot) {
	snap.SourceTag = SourceWS
	c.mu.Lock()
	c.last[wsCacheKey{venue: v, symbol: symbol}] = snap
	c.mu.Unlock()
}

// wsStreamConfig names a venue's public mark-price/funding ticker stream
// and how to pull the two fields this cache needs out of each message.
type wsStreamConfig struct {
	venue    Name
	url      string
	subFrame func(symbols []string) interface{}
	parse    func(msg []byte) (symbol string, rate decimal.Decimal, mark decimal.Decimal, ok bool)
}

// Run dials one venue's public ticker stream and updates the cache for
// every message received, redialing whenever the connection dies, until
// stop is closed; it
// never returns an error to its caller — a dead stream just means this
// fallback tier stays empty and MarketProvider moves on to stale cache.
func (c *WSCache) Run(stop <-chan struct{}, cfg wsStreamConfig, symbols []string) {
	backoff := time.Second
	for {
		select {
		case <-stop:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(cfg.url, nil)
		if err != nil {
			logger.Infof("%s: ws_stream dial failed: %v, retrying in %s", cfg.venue, err, backoff)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		if cfg.subFrame != nil {
			if err := conn.WriteJSON(cfg.subFrame(symbols)); err != nil {
				logger.Infof("%s: ws_stream subscribe failed: %v", cfg.venue, err)
				conn.Close()
				continue
			}
		}

		c.readLoop(stop, conn, cfg)
		conn.Close()
	}
}

func (c *WSCache) readLoop(stop <-chan struct{}, conn *websocket.Conn, cfg wsStreamConfig) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		symbol, rate, mark, ok := cfg.parse(msg)
		if !ok {
			continue
		}
		c.set(cfg.venue, symbol, FundingSnapshot{
			Venue:           cfg.venue,
			Symbol:          symbol,
			FundingRate:     rate,
			FundingInterval: 8 * time.Hour,
			MarkPrice:       mark,
			FetchedAt:       time.Now(),
		})
	}
}

// binanceWSConfig subscribes to the combined markPrice stream, which
// carries both mark price and the current funding rate per symbol.
func binanceWSConfig() wsStreamConfig {
	return wsStreamConfig{
		venue: Binance,
		url:   "wss://fstream.binance.com/ws/!markPrice@arr@1s",
		parse: func(msg []byte) (string, decimal.Decimal, decimal.Decimal, bool) {
			var updates []struct {
				Symbol string `json:"s"`
				Mark   string `json:"p"`
				Rate   string `json:"r"`
			}
			if err := json.Unmarshal(msg, &updates); err != nil || len(updates) == 0 {
				return "", decimal.Zero, decimal.Zero, false
			}
			u := updates[0]
			mark, _ := decimal.NewFromString(u.Mark)
			rate, _ := decimal.NewFromString(u.Rate)
			return u.Symbol, rate, mark, true
		},
	}
}

// okxWSConfig subscribes to the funding-rate public channel per instrument.
func okxWSConfig() wsStreamConfig {
	return wsStreamConfig{
		venue: OKX,
		url:   "wss://ws.okx.com:8443/ws/v5/public",
		subFrame: func(symbols []string) interface{} {
			args := make([]map[string]string, 0, len(symbols))
			for _, s := range symbols {
				args = append(args, map[string]string{"channel": "funding-rate", "instId": strings.TrimSuffix(strings.ToUpper(s), "USDT") + "-USDT-SWAP"})
			}
			return map[string]interface{}{"op": "subscribe", "args": args}
		},
		parse: func(msg []byte) (string, decimal.Decimal, decimal.Decimal, bool) {
			var env struct {
				Data []struct {
					InstId      string `json:"instId"`
					FundingRate string `json:"fundingRate"`
					MarkPx      string `json:"markPx"`
				} `json:"data"`
			}
			if err := json.Unmarshal(msg, &env); err != nil || len(env.Data) == 0 {
				return "", decimal.Zero, decimal.Zero, false
			}
			d := env.Data[0]
			rate, _ := decimal.NewFromString(d.FundingRate)
			mark, _ := decimal.NewFromString(d.MarkPx)
			symbol := strings.ReplaceAll(strings.TrimSuffix(d.InstId, "-SWAP"), "-", "")
			return symbol, rate, mark, true
		},
	}
}

// bybitWSConfig subscribes to the linear-category public ticker topic.
func bybitWSConfig() wsStreamConfig {
	return wsStreamConfig{
		venue: Bybit,
		url:   "wss://stream.bybit.com/v5/public/linear",
		subFrame: func(symbols []string) interface{} {
			topics := make([]string, 0, len(symbols))
			for _, s := range symbols {
				topics = append(topics, "tickers."+s)
			}
			return map[string]interface{}{"op": "subscribe", "args": topics}
		},
		parse: func(msg []byte) (string, decimal.Decimal, decimal.Decimal, bool) {
			var env struct {
				Topic string `json:"topic"`
				Data  struct {
					Symbol      string `json:"symbol"`
					FundingRate string `json:"fundingRate"`
					MarkPrice   string `json:"markPrice"`
				} `json:"data"`
			}
			if err := json.Unmarshal(msg, &env); err != nil || env.Data.Symbol == "" {
				return "", decimal.Zero, decimal.Zero, false
			}
			rate, _ := decimal.NewFromString(env.Data.FundingRate)
			mark, _ := decimal.NewFromString(env.Data.MarkPrice)
			return env.Data.Symbol, rate, mark, true
		},
	}
}

// bitgetWSConfig subscribes to the mix-contract public ticker channel.
func bitgetWSConfig() wsStreamConfig {
	return wsStreamConfig{
		venue: Bitget,
		url:   "wss://ws.bitget.com/v2/ws/public",
		subFrame: func(symbols []string) interface{} {
			args := make([]map[string]string, 0, len(symbols))
			for _, s := range symbols {
				args = append(args, map[string]string{"instType": "USDT-FUTURES", "channel": "ticker", "instId": s})
			}
			return map[string]interface{}{"op": "subscribe", "args": args}
		},
		parse: func(msg []byte) (string, decimal.Decimal, decimal.Decimal, bool) {
			var env struct {
				Data []struct {
					InstId      string `json:"instId"`
					FundingRate string `json:"fundingRate"`
					MarkPrice   string `json:"markPrice"`
				} `json:"data"`
			}
			if err := json.Unmarshal(msg, &env); err != nil || len(env.Data) == 0 {
				return "", decimal.Zero, decimal.Zero, false
			}
			d := env.Data[0]
			rate, _ := decimal.NewFromString(d.FundingRate)
			mark, _ := decimal.NewFromString(d.MarkPrice)
			return d.InstId, rate, mark, true
		},
	}
}

// gateWSConfig subscribes to the USDT futures tickers channel.
func gateWSConfig() wsStreamConfig {
	return wsStreamConfig{
		venue: GateIO,
		url:   "wss://fx-ws.gateio.ws/v4/ws/usdt",
		subFrame: func(symbols []string) interface{} {
			payload := make([]string, 0, len(symbols))
			for _, s := range symbols {
				upper := strings.ToUpper(s)
				if strings.HasSuffix(upper, "USDT") && !strings.Contains(upper, "_") {
					upper = upper[:len(upper)-4] + "_USDT"
				}
				payload = append(payload, upper)
			}
			return map[string]interface{}{
				"time":    time.Now().Unix(),
				"channel": "futures.tickers",
				"event":   "subscribe",
				"payload": payload,
			}
		},
		parse: func(msg []byte) (string, decimal.Decimal, decimal.Decimal, bool) {
			var env struct {
				Channel string `json:"channel"`
				Result  []struct {
					Contract         string `json:"contract"`
					FundingRate      string `json:"funding_rate"`
					MarkPrice        string `json:"mark_price"`
				} `json:"result"`
			}
			if err := json.Unmarshal(msg, &env); err != nil || len(env.Result) == 0 {
				return "", decimal.Zero, decimal.Zero, false
			}
			r := env.Result[0]
			rate, _ := decimal.NewFromString(r.FundingRate)
			mark, _ := decimal.NewFromString(r.MarkPrice)
			return strings.ReplaceAll(r.Contract, "_", ""), rate, mark, true
		},
	}
}

// StreamConfigs returns the subscription recipe for every supported venue.
func StreamConfigs() map[Name]wsStreamConfig {
	return map[Name]wsStreamConfig{
		Binance: binanceWSConfig(),
		OKX:     okxWSConfig(),
		Bybit:   bybitWSConfig(),
		Bitget:  bitgetWSConfig(),
		GateIO:  gateWSConfig(),
	}
}
