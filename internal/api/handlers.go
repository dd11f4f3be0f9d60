package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"signal-screener/internal/auth"
	"signal-screener/internal/database"
	"signal-screener/internal/errs"
	"signal-screener/internal/market"
	"signal-screener/internal/sandbox"
)

// ============================================================================
// MARKET DATA HANDLERS
// ============================================================================

// handleSymbols returns the active symbol universe.
func (s *Server) handleSymbols(c *gin.Context) {
	symbols := s.source.ActiveSymbols()
	c.JSON(200, gin.H{
		"symbols": symbols,
		"count":   len(symbols),
	})
}

// handleKlines returns cached bars for one symbol and interval. An unknown
// symbol yields an empty list; an unknown interval is a client error.
func (s *Server) handleKlines(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	tf, err := market.ParseTimeframe(c.Param("interval"))
	if err != nil {
		respondError(c, errs.Wrap(errs.KindValidation, "invalid interval", err))
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(c, errs.Ef(errs.KindValidation, "invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	klines := make([]market.Kline, 0, limit)
	if limit > 0 {
		if snap, ok := s.source.Snapshot(symbol, tf, limit); ok {
			klines = snap
		}
	}
	c.JSON(200, gin.H{
		"symbol":   symbol,
		"interval": tf.String(),
		"klines":   klines,
		"count":    len(klines),
	})
}

// ============================================================================
// TRADER HANDLERS
// ============================================================================

// handleListTraders lists stored traders. Without userId it returns the
// built-ins; non-admins may only query their own.
func (s *Server) handleListTraders(c *gin.Context) {
	identity := auth.IdentityFrom(c)
	userID := c.Query("userId")
	if userID != "" && userID != identity.UserID && !identity.IsAdmin() {
		respondError(c, errs.E(errs.KindForbidden, "cannot list another user's traders"))
		return
	}

	traders, err := s.manager.List(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, gin.H{
		"traders": traders,
		"count":   len(traders),
	})
}

func (s *Server) handleActiveTraders(c *gin.Context) {
	traders := s.manager.Active(auth.IdentityFrom(c))
	c.JSON(200, gin.H{
		"traders": traders,
		"count":   len(traders),
	})
}

func (s *Server) handleTraderStatus(c *gin.Context) {
	status, err := s.manager.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, status)
}

func (s *Server) handleStartTrader(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.Start(c.Request.Context(), id, auth.IdentityFrom(c)); err != nil {
		respondError(c, err)
		return
	}
	status, err := s.manager.Status(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, status)
}

func (s *Server) handleStopTrader(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.Stop(c.Request.Context(), id, auth.IdentityFrom(c)); err != nil {
		respondError(c, err)
		return
	}
	status, err := s.manager.Status(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, status)
}

func (s *Server) handleReloadTrader(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.Reload(c.Request.Context(), id, auth.IdentityFrom(c)); err != nil {
		respondError(c, err)
		return
	}
	status, err := s.manager.Status(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, status)
}

func (s *Server) handleExecuteImmediate(c *gin.Context) {
	result, err := s.manager.ExecuteImmediate(c.Request.Context(), c.Param("id"), auth.IdentityFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, result)
}

// ============================================================================
// SIGNAL HANDLERS
// ============================================================================

type insertSignalRequest struct {
	TraderID          string   `json:"traderId" binding:"required"`
	Symbol            string   `json:"symbol" binding:"required"`
	KlineTimestamp    int64    `json:"klineTimestamp" binding:"required"`
	PriceAtSignal     float64  `json:"priceAtSignal"`
	VolumeAtSignal    float64  `json:"volumeAtSignal"`
	MatchedConditions []string `json:"matchedConditions"`
}

// handleInsertSignal writes a signal row directly, admin only. Collisions
// on (trader, symbol, bar) bump the existing row like the engine would.
func (s *Server) handleInsertSignal(c *gin.Context) {
	var req insertSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errs.Wrap(errs.KindValidation, "invalid signal payload", err))
		return
	}

	sig := &database.Signal{
		TraderID:          req.TraderID,
		Symbol:            strings.ToUpper(req.Symbol),
		Timestamp:         time.Now().UTC(),
		KlineTimestamp:    req.KlineTimestamp,
		PriceAtSignal:     req.PriceAtSignal,
		VolumeAtSignal:    req.VolumeAtSignal,
		MatchedConditions: req.MatchedConditions,
		Count:             1,
	}
	if err := s.store.InsertSignal(c.Request.Context(), sig); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(201, sig)
}

// ============================================================================
// EDITOR HANDLERS
// ============================================================================

type executeFilterRequest struct {
	Code       string       `json:"code" binding:"required"`
	Symbol     string       `json:"symbol"`
	MarketData *market.Data `json:"marketData"`
}

// handleExecuteFilter runs a transient snippet once, against caller-supplied
// market data or a cache-built snapshot. Nothing persists.
func (s *Server) handleExecuteFilter(c *gin.Context) {
	var req executeFilterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errs.Wrap(errs.KindValidation, "invalid request payload", err))
		return
	}

	prog, err := s.runner.Compile(req.Code)
	if err != nil {
		respondError(c, err)
		return
	}

	data, err := s.editorData(&req)
	if err != nil {
		respondError(c, err)
		return
	}

	matched, err := s.runner.Execute(c.Request.Context(), prog, data, sandbox.DefaultTimeout)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(200, gin.H{
		"matched": matched,
		"symbol":  data.Symbol,
	})
}

// editorData resolves the market view an editor run sees: the request body
// when supplied, otherwise cached series for the requested symbol.
func (s *Server) editorData(req *executeFilterRequest) (market.Data, error) {
	symbol := strings.ToUpper(req.Symbol)
	if symbol == "" {
		symbol = "BTCUSDT"
	}

	if req.MarketData != nil {
		data := *req.MarketData
		if data.Symbol == "" {
			data.Symbol = symbol
		}
		if data.Klines == nil {
			data.Klines = map[string][]market.Kline{}
		}
		if data.Timestamp == 0 {
			data.Timestamp = time.Now().UnixMilli()
		}
		return data, nil
	}

	tf := s.cfg.DefaultInterval
	klines, ok := s.source.Snapshot(symbol, tf, 250)
	if !ok || len(klines) == 0 {
		return market.Data{}, errs.Ef(errs.KindNotFound, "no cached data for %s", symbol)
	}
	data := market.Data{
		Symbol:    symbol,
		Klines:    map[string][]market.Kline{tf.String(): klines},
		Timestamp: time.Now().UnixMilli(),
	}
	if tkr, ok := s.source.TickerOf(symbol); ok {
		data.Ticker = tkr
	}
	return data, nil
}

type validateCodeRequest struct {
	Code string `json:"code" binding:"required"`
}

// handleValidateCode compiles a snippet without running it. Invalid code is
// a 200 with the compiler diagnostic: the editor renders it inline.
func (s *Server) handleValidateCode(c *gin.Context) {
	var req validateCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errs.Wrap(errs.KindValidation, "invalid request payload", err))
		return
	}

	if err := s.runner.Validate(req.Code); err != nil {
		c.JSON(200, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	c.JSON(200, gin.H{"valid": true})
}
