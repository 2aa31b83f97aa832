package api

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundingarb/apperr"
	"fundingarb/auth"
	"fundingarb/engine"
	"fundingarb/execution"
	"fundingarb/logger"
	"fundingarb/market"
	"fundingarb/risk"
	"fundingarb/store"
	"fundingarb/vault"
	"fundingarb/venue"
)

// Server wires every SPEC_FULL.md component onto the §6 HTTP surface.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	port       int

	coordinator *execution.Coordinator
	market      *market.Provider
	engine      *engine.Engine
	vault       *vault.Vault
	risk        *risk.Ledger
	positions   *store.PositionStore
	orders      *store.OrderStore
	strategies  *store.StrategyStore

	operatorPasswordHash string
	operatorOTPSecret    string
}

func NewServer(
	coordinator *execution.Coordinator,
	marketProvider *market.Provider,
	opportunityEngine *engine.Engine,
	credentialVault *vault.Vault,
	riskLedger *risk.Ledger,
	positions *store.PositionStore,
	orders *store.OrderStore,
	strategies *store.StrategyStore,
	operatorPasswordHash, operatorOTPSecret string,
	port int,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		router:               gin.Default(),
		port:                 port,
		coordinator:          coordinator,
		market:               marketProvider,
		engine:               opportunityEngine,
		vault:                credentialVault,
		risk:                 riskLedger,
		positions:            positions,
		orders:               orders,
		strategies:           strategies,
		operatorPasswordHash: operatorPasswordHash,
		operatorOTPSecret:    operatorOTPSecret,
	}
	s.router.Use(corsMiddleware())
	s.setupRoutes()
	return s
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")

	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api.POST("/login", s.handleLogin)

	api.GET("/market/snapshots", s.handleMarketSnapshots)
	api.GET("/market/board", s.handleMarketBoard)
	api.GET("/opportunities", s.handleOpportunities)

	api.GET("/positions", s.handlePositions)
	api.GET("/orders", s.handleOrders)
	api.GET("/risk-events", s.handleListRiskEvents)

	api.GET("/templates", s.handleListTemplates)
	api.GET("/templates/:id", s.handleGetTemplate)

	protected := api.Group("/", s.authMiddleware())
	{
		protected.POST("/logout", s.handleLogout)

		protected.GET("/credentials", s.handleListCredentials)
		protected.PUT("/credentials/:exchange", s.handlePutCredential)
		protected.DELETE("/credentials/:exchange", s.handleDeleteCredential)

		protected.POST("/execution/preview", s.handlePreview)
		protected.POST("/execution/open", s.handleOpen)
		protected.POST("/execution/close", s.handleClose)
		protected.POST("/execution/hedge", s.handleHedge)
		protected.POST("/execution/emergency-close", s.handleEmergencyClose)
		protected.POST("/execution/convert", s.handleConvertNotional)

		protected.POST("/risk-events/:id/resolve", s.handleResolveRiskEvent)

		protected.POST("/templates", s.handleCreateTemplate)
		protected.PUT("/templates/:id", s.handleUpdateTemplate)
		protected.DELETE("/templates/:id", s.handleDeleteTemplate)
	}
}

// authMiddleware gates the write-path surface (execution, credentials,
// risk-event resolution, template mutation) behind the single operator's
// JWT bearer session.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			RespondUnauthorized(c, "missing Authorization header")
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			RespondUnauthorized(c, "invalid Authorization format")
			c.Abort()
			return
		}
		token := parts[1]

		if auth.IsTokenBlacklisted(token) {
			RespondUnauthorized(c, "token expired, please login again")
			c.Abort()
			return
		}

		if _, err := auth.ValidateJWT(token); err != nil {
			RespondUnauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}

		c.Set("bearer_token", token)
		c.Next()
	}
}

// handleLogin exchanges the operator's password and current TOTP code for
// a session token. There being one operator, this is a single exchange —
// no email/username, no registration flow.
func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
		OTPCode  string `json:"otp_code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondValidation(c, "password and otp_code are required")
		return
	}

	if s.operatorPasswordHash == "" || !auth.CheckPassword(req.Password, s.operatorPasswordHash) {
		RespondUnauthorized(c, "incorrect password")
		return
	}
	if !auth.VerifyOTP(s.operatorOTPSecret, req.OTPCode) {
		RespondUnauthorized(c, "incorrect authenticator code")
		return
	}

	token, err := auth.GenerateJWT()
	if err != nil {
		RespondError(c, apperr.Wrap(apperr.Internal, "generate session token", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) handleLogout(c *gin.Context) {
	token, _ := c.Get("bearer_token")
	auth.BlacklistToken(token.(string), time.Now().Add(24*time.Hour))
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// --- market ---

func (s *Server) handleMarketSnapshots(c *gin.Context) {
	forceRefresh := c.Query("force_refresh") == "true"
	board, err := s.market.FetchAll(c.Request.Context(), forceRefresh)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshots_by_venue": board.SnapshotsByVenue,
		"meta":               board.Meta,
	})
}

func (s *Server) handleMarketBoard(c *gin.Context) {
	forceRefresh := c.Query("force_refresh") == "true"
	board, err := s.market.FetchAll(c.Request.Context(), forceRefresh)
	if err != nil {
		RespondError(c, err)
		return
	}

	filter := engine.Filter{}
	if v, ok := parseDecimalQuery(c, "min_spread_rate_1y_nominal"); ok {
		filter.MinSpreadRate1yNominal = &v
	}
	if v, ok := parseDecimalQuery(c, "min_next_cycle_score"); ok {
		filter.MinNextCycleScore = &v
	}
	if exchanges := c.QueryArray("exchanges"); len(exchanges) > 0 {
		set := make(map[venue.Name]bool, len(exchanges))
		for _, e := range exchanges {
			set[venue.Name(e)] = true
		}
		filter.Exchanges = set
	}
	if symbol := c.Query("symbol"); symbol != "" {
		pattern, err := regexp.Compile(symbol)
		if err != nil {
			RespondValidation(c, "symbol: invalid regular expression: "+err.Error())
			return
		}
		filter.SymbolPattern = pattern
	}

	rows := s.engine.BuildRows(board, filter)
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}

	c.JSON(http.StatusOK, gin.H{"rows": rows, "meta": board.Meta})
}

// handleOpportunities is the legacy flat-list view of the board: every
// ranked row with no filter applied beyond an optional limit.
func (s *Server) handleOpportunities(c *gin.Context) {
	board, err := s.market.FetchAll(c.Request.Context(), false)
	if err != nil {
		RespondError(c, err)
		return
	}
	rows := s.engine.BuildRows(board, engine.Filter{})
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	c.JSON(http.StatusOK, rows)
}

func parseDecimalQuery(c *gin.Context, key string) (decimal.Decimal, bool) {
	v := c.Query(key)
	if v == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// --- execution ---

func (s *Server) handlePreview(c *gin.Context) {
	var req struct {
		Symbol        string          `json:"symbol" binding:"required"`
		LongExchange  string          `json:"long_exchange" binding:"required"`
		ShortExchange string          `json:"short_exchange" binding:"required"`
		NotionalUSD   decimal.Decimal `json:"notional_usd"`
		HoldHours     decimal.Decimal `json:"hold_hours"`
		FeeBps        decimal.Decimal `json:"fee_bps"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondValidation(c, "symbol, long_exchange and short_exchange are required")
		return
	}

	report, err := s.coordinator.Preview(c.Request.Context(), execution.PreviewRequest{
		Symbol:        req.Symbol,
		LongExchange:  venue.Name(req.LongExchange),
		ShortExchange: venue.Name(req.ShortExchange),
		NotionalUSD:   req.NotionalUSD,
		HoldHours:     req.HoldHours,
		FeeBps:        req.FeeBps,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleOpen(c *gin.Context) {
	var req struct {
		Symbol          string          `json:"symbol" binding:"required"`
		LongExchange    string          `json:"long_exchange" binding:"required"`
		ShortExchange   string          `json:"short_exchange" binding:"required"`
		QuantityBase    decimal.Decimal `json:"quantity_base"`
		Leverage        int             `json:"leverage"`
		EntrySpreadRate decimal.Decimal `json:"entry_spread_rate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondValidation(c, "symbol, long_exchange and short_exchange are required")
		return
	}

	report, err := s.coordinator.Open(c.Request.Context(), execution.OpenRequest{
		Symbol:          req.Symbol,
		LongExchange:    venue.Name(req.LongExchange),
		ShortExchange:   venue.Name(req.ShortExchange),
		QuantityBase:    req.QuantityBase,
		Leverage:        req.Leverage,
		EntrySpreadRate: req.EntrySpreadRate,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleClose(c *gin.Context) {
	var req struct {
		PositionID string `json:"position_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondValidation(c, "position_id is required")
		return
	}

	report, err := s.coordinator.Close(c.Request.Context(), execution.CloseRequest{PositionID: req.PositionID})
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleHedge(c *gin.Context) {
	var req struct {
		PositionID   string          `json:"position_id"`
		Exchange     string          `json:"exchange" binding:"required"`
		Symbol       string          `json:"symbol" binding:"required"`
		Side         string          `json:"side" binding:"required"`
		QuantityBase decimal.Decimal `json:"quantity_base"`
		Reason       string          `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondValidation(c, "exchange, symbol and side are required")
		return
	}

	side := venue.SideLong
	if req.Side == string(venue.SideShort) {
		side = venue.SideShort
	}

	report, err := s.coordinator.Hedge(c.Request.Context(), execution.HedgeRequest{
		PositionID:   req.PositionID,
		Exchange:     venue.Name(req.Exchange),
		Symbol:       req.Symbol,
		Side:         side,
		QuantityBase: req.QuantityBase,
		Reason:       req.Reason,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleEmergencyClose(c *gin.Context) {
	var req struct {
		PositionIDs []string `json:"position_ids"`
	}
	_ = c.ShouldBindJSON(&req)

	reports, err := s.coordinator.EmergencyClose(c.Request.Context(), req.PositionIDs)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

func (s *Server) handleConvertNotional(c *gin.Context) {
	var req struct {
		Symbol      string          `json:"symbol" binding:"required"`
		NotionalUSD decimal.Decimal `json:"notional_usd"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondValidation(c, "symbol and notional_usd are required")
		return
	}

	quantity, markPrice, err := s.coordinator.ConvertNotional(c.Request.Context(), req.Symbol, req.NotionalUSD)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quantity_base": quantity, "mark_price": markPrice})
}

// --- credentials ---

func (s *Server) handleListCredentials(c *gin.Context) {
	creds, err := s.vault.List()
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, creds)
}

func (s *Server) handlePutCredential(c *gin.Context) {
	exchange := venue.Name(c.Param("exchange"))
	var req struct {
		APIKey     string `json:"api_key" binding:"required"`
		SecretKey  string `json:"secret_key" binding:"required"`
		Passphrase string `json:"passphrase"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondValidation(c, "api_key and secret_key are required")
		return
	}

	masked, err := s.vault.Put(vault.Credential{
		Exchange:   exchange,
		APIKey:     req.APIKey,
		SecretKey:  req.SecretKey,
		Passphrase: req.Passphrase,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, masked)
}

func (s *Server) handleDeleteCredential(c *gin.Context) {
	exchange := venue.Name(c.Param("exchange"))
	if err := s.vault.Delete(exchange); err != nil {
		RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- positions / orders ---

func (s *Server) handlePositions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	positions, err := s.positions.List(limit)
	if err != nil {
		RespondError(c, apperr.Wrap(apperr.Internal, "list positions", err))
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) handleOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	orders, err := s.orders.List(limit)
	if err != nil {
		RespondError(c, apperr.Wrap(apperr.Internal, "list orders", err))
		return
	}
	c.JSON(http.StatusOK, orders)
}

// --- risk events ---

func (s *Server) handleListRiskEvents(c *gin.Context) {
	var resolved *bool
	if v := c.Query("resolved"); v != "" {
		b := v == "true"
		resolved = &b
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	events, err := s.risk.List(c.Query("severity"), resolved, limit)
	if err != nil {
		RespondError(c, apperr.Wrap(apperr.Internal, "list risk events", err))
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) handleResolveRiskEvent(c *gin.Context) {
	event, err := s.risk.Resolve(c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// --- strategy templates ---

func (s *Server) handleListTemplates(c *gin.Context) {
	templates, err := s.strategies.List()
	if err != nil {
		RespondError(c, apperr.Wrap(apperr.Internal, "list templates", err))
		return
	}
	c.JSON(http.StatusOK, templates)
}

func (s *Server) handleGetTemplate(c *gin.Context) {
	t, err := s.strategies.Get(c.Param("id"))
	if err != nil {
		RespondError(c, apperr.Wrap(apperr.Internal, "load template", err))
		return
	}
	if t == nil {
		RespondNotFound(c, "template")
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleCreateTemplate(c *gin.Context) {
	var t store.StrategyTemplate
	if err := c.ShouldBindJSON(&t); err != nil {
		RespondValidation(c, "invalid template body")
		return
	}
	t.ID = uuidOrEmpty(t.ID)
	if err := s.strategies.Create(&t); err != nil {
		RespondError(c, apperr.Wrap(apperr.Internal, "create template", err))
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) handleUpdateTemplate(c *gin.Context) {
	var t store.StrategyTemplate
	if err := c.ShouldBindJSON(&t); err != nil {
		RespondValidation(c, "invalid template body")
		return
	}
	t.ID = c.Param("id")
	if err := s.strategies.Update(&t); err != nil {
		RespondError(c, apperr.Wrap(apperr.Internal, "update template", err))
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleDeleteTemplate(c *gin.Context) {
	if err := s.strategies.Delete(c.Param("id")); err != nil {
		RespondError(c, apperr.Wrap(apperr.Internal, "delete template", err))
		return
	}
	c.Status(http.StatusNoContent)
}

func uuidOrEmpty(id string) string {
	if id != "" {
		return id
	}
	return uuid.New().String()
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	addr := ":" + strconv.Itoa(s.port)
	logger.Infof("funding-arb API listening on %s", addr)
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
