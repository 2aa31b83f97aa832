package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb/apperr"
	"fundingarb/auth"
	"fundingarb/crypto"
	"fundingarb/engine"
	"fundingarb/execution"
	"fundingarb/market"
	"fundingarb/risk"
	"fundingarb/store"
	"fundingarb/vault"
	"fundingarb/venue"
)

// fakeAdapter is a scripted venue.Adapter, mirroring execution's test
// harness so the HTTP layer can be exercised without a real exchange.
type fakeAdapter struct {
	name        venue.Name
	markPrice   decimal.Decimal
	fundingRate decimal.Decimal
	maxLeverage int
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
	return venue.PlaceOrderResult{
		ExchangeOrderID: "ex-" + string(f.name),
		Status:          venue.OrderStatusFilled,
		AvgPrice:        f.markPrice,
		FilledBase:      req.QuantityBase,
	}, nil
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error { return nil }

func (f *fakeAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }

const testOperatorPassword = "correct-horse-battery-staple"

func newTestServer(t *testing.T) (*Server, string) {
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
	coordinator := execution.New(v, factory, db.Position(), db.Order(), ledger, provider)

	auth.SetJWTSecret("test-server-secret")
	passwordHash, err := auth.HashPassword(testOperatorPassword)
	require.NoError(t, err)
	otpSecret, err := auth.GenerateOTPSecret()
	require.NoError(t, err)

	srv := NewServer(coordinator, provider, engine.New(), v, ledger, db.Position(), db.Order(), db.Strategy(), passwordHash, otpSecret, 0)
	return srv, otpSecret
}

func doRequest(srv *Server, method, path, body, token string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogin_WrongPasswordRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(srv, http.MethodPost, "/api/login", `{"password":"wrong","otp_code":"000000"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "auth", body["kind"])
}

func TestLogin_CorrectPasswordAndOTPIssuesToken(t *testing.T) {
	srv, otpSecret := newTestServer(t)

	code, err := totp.GenerateCode(otpSecret, time.Now())
	require.NoError(t, err)

	w := doRequest(srv, http.MethodPost, "/api/login",
		`{"password":"`+testOperatorPassword+`","otp_code":"`+code+`"}`, "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body["token"])
}

func TestExecutionOpen_RequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(srv, http.MethodPost, "/api/execution/open", `{"symbol":"BTCUSDT","long_exchange":"binance","short_exchange":"okx","quantity_base":"0.1"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMarketBoard_PublicNoAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/api/market/board", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	rows, ok := body["rows"].([]interface{})
	require.True(t, ok)
	assert.Len(t, rows, 1) // one symbol on two venues pairs into exactly one row
}

func TestCredentialPut_RequiresAuthThenRoundTrips(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, http.MethodPut, "/api/credentials/binance", `{"api_key":"my-api-key-1234","secret_key":"my-secret"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := auth.GenerateJWT()
	require.NoError(t, err)

	w = doRequest(srv, http.MethodPut, "/api/credentials/binance", `{"api_key":"my-api-key-1234","secret_key":"my-secret"}`, token)
	require.Equal(t, http.StatusOK, w.Code)

	var masked vault.MaskedCredential
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &masked))
	assert.True(t, masked.Configured)
	require.NotNil(t, masked.APIKeyMasked)
	assert.Contains(t, *masked.APIKeyMasked, "***")

	w = doRequest(srv, http.MethodGet, "/api/credentials", "", token)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestExecutionPreview_AuthenticatedNoSideEffects(t *testing.T) {
	srv, _ := newTestServer(t)
	token, err := auth.GenerateJWT()
	require.NoError(t, err)

	w := doRequest(srv, http.MethodPost, "/api/execution/preview", `{
		"symbol": "BTCUSDT",
		"long_exchange": "binance",
		"short_exchange": "okx",
		"notional_usd": "10000",
		"hold_hours": "24",
		"fee_bps": "4"
	}`, token)
	require.Equal(t, http.StatusOK, w.Code)

	var report execution.PreviewReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 10, report.RequiredLeverage) // min(20, 10)
}

func TestRiskEvents_ListAndResolve(t *testing.T) {
	srv, _ := newTestServer(t)
	token, err := auth.GenerateJWT()
	require.NoError(t, err)

	w := doRequest(srv, http.MethodGet, "/api/risk-events", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(srv, http.MethodPost, "/api/risk-events/nonexistent/resolve", "", token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
