package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"market-relay-go/infrastructure/logger"
	"market-relay-go/market"
)

const (
	defaultCandleLimit = 100
	defaultBookDepth   = 20
)

// QueryService 只读行情查询，由 market.Service 实现。
type QueryService interface {
	Candles(ctx context.Context, symbol string, iv market.Interval, limit int) ([]market.Candle, error)
	Ticker(symbol string) (market.Tick, bool)
	Symbols() []string
}

// BookSource 订单簿快照来源。
type BookSource interface {
	Snapshot(symbol string, depth int) (market.BookSnapshot, bool)
}

// ErrorResponse 统一错误响应。
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func newErrorResponse(msg string, err error) ErrorResponse {
	resp := ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	return resp
}

// CandlesResponse GET /api/v1/candles/:symbol 的响应。
type CandlesResponse struct {
	Symbol   string          `json:"symbol"`
	Interval string          `json:"interval"`
	Candles  []market.Candle `json:"candles"`
}

// Handler 行情查询接口。
type Handler struct {
	svc   QueryService
	books BookSource
	log   *logger.Logger
}

func NewHandler(svc QueryService, books BookSource, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{svc: svc, books: books, log: log.Named("api")}
}

// GetCandles handles GET /api/v1/candles/:symbol?interval=1m&limit=100.
//
// 返回历史+当前 K 线，内存中缺少历史时尝试 REST 回补；回补失败仍返回内存视图。
func (h *Handler) GetCandles(c *gin.Context) {
	symbol := normalizeSymbol(c.Param("symbol"))

	iv := market.Interval1m
	if s := c.Query("interval"); s != "" {
		parsed, err := market.ParseInterval(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, newErrorResponse("invalid interval", err))
			return
		}
		iv = parsed
	}

	limit, ok := intQuery(c, "limit", defaultCandleLimit)
	if !ok {
		c.JSON(http.StatusBadRequest, newErrorResponse("invalid limit", nil))
		return
	}

	candles, err := h.svc.Candles(c.Request.Context(), symbol, iv, limit)
	if err != nil {
		h.log.Warn("candle backfill failed", zap.String("symbol", symbol), zap.String("interval", iv.String()), zap.Error(err))
	}
	if candles == nil {
		candles = []market.Candle{}
	}
	c.JSON(http.StatusOK, CandlesResponse{Symbol: symbol, Interval: iv.String(), Candles: candles})
}

// GetTicker handles GET /api/v1/ticker/:symbol.
func (h *Handler) GetTicker(c *gin.Context) {
	symbol := normalizeSymbol(c.Param("symbol"))
	tk, ok := h.svc.Ticker(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, newErrorResponse("no data for symbol", nil))
		return
	}
	c.JSON(http.StatusOK, tk)
}

// GetSymbols handles GET /api/v1/symbols.
func (h *Handler) GetSymbols(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": h.svc.Symbols()})
}

// GetBook handles GET /api/v1/book/:symbol?depth=20.
func (h *Handler) GetBook(c *gin.Context) {
	if h.books == nil {
		c.JSON(http.StatusNotFound, newErrorResponse("order book not enabled", nil))
		return
	}
	symbol := normalizeSymbol(c.Param("symbol"))
	depth, ok := intQuery(c, "depth", defaultBookDepth)
	if !ok {
		c.JSON(http.StatusBadRequest, newErrorResponse("invalid depth", nil))
		return
	}
	snap, found := h.books.Snapshot(symbol, depth)
	if !found {
		c.JSON(http.StatusNotFound, newErrorResponse("no order book for symbol", nil))
		return
	}
	c.JSON(http.StatusOK, snap)
}

func intQuery(c *gin.Context, key string, def int) (int, bool) {
	s := c.Query(key)
	if s == "" {
		return def, true
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
