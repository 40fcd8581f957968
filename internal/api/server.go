package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"tradeguard/gateway"
	"tradeguard/infrastructure/monitor"
	"tradeguard/internal/risk"
	"tradeguard/internal/safety"
)

const maxBodyBytes = 1 << 20

// TradeRecorder 接收平仓结果，维护连亏计数
type TradeRecorder interface {
	RecordTradeResult(ctx context.Context, pnl float64) (int, error)
}

// Response 统一响应结构
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// KillSwitchRequest 激活/解除 kill switch
type KillSwitchRequest struct {
	By               string `json:"by"`
	Reason           string `json:"reason"`
	AutoDisableAfter string `json:"auto_disable_after,omitempty"` // 如 "30m"，空为不自动解除
}

// ResetRequest 人工复位熔断
type ResetRequest struct {
	By            string `json:"by"`
	Justification string `json:"justification"`
}

// TradeResultRequest 平仓结果
type TradeResultRequest struct {
	PnL float64 `json:"pnl"`
}

// OrderRequest 经安全网关下单
type OrderRequest struct {
	Intent safety.Intent        `json:"intent"`
	Order  gateway.OrderRequest `json:"order"`
}

// Option 可选依赖注入
type Option func(*Server)

// WithTradeRecorder 启用 POST /trades/result
func WithTradeRecorder(r TradeRecorder) Option {
	return func(s *Server) { s.trades = r }
}

// WithAlertStream 启用 GET /ws/alerts
func WithAlertStream(h http.Handler) Option {
	return func(s *Server) { s.alerts = h }
}

// WithHealth 设置 /healthz 使用的检查
func WithHealth(fn func() error) Option {
	return func(s *Server) { s.health = fn }
}

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMonitor 注入指标
func WithMonitor(m *monitor.Monitor) Option {
	return func(s *Server) { s.metrics = m }
}

// Server HTTP 控制与状态接口
type Server struct {
	gw      *safety.Gateway
	trades  TradeRecorder
	alerts  http.Handler
	health  func() error
	logger  *zap.Logger
	metrics *monitor.Monitor
	mux     *http.ServeMux
}

// NewServer 创建接口服务并注册路由
func NewServer(gw *safety.Gateway, opts ...Option) *Server {
	s := &Server{
		gw:     gw,
		logger: zap.NewNop(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("api")

	s.route("GET /healthz", s.handleHealth)
	s.route("GET /status", s.handleStatus)
	s.route("POST /authorize", s.handleAuthorize)
	s.route("POST /evaluate", s.handleEvaluate)
	s.route("POST /orders", s.handleOrder)
	s.route("GET /killswitch", s.handleKillSwitchStatus)
	s.route("POST /killswitch/activate", s.handleActivate)
	s.route("POST /killswitch/deactivate", s.handleDeactivate)
	s.route("POST /breaker/reset", s.handleReset)
	s.route("GET /endpoints/health", s.handleEndpointHealth)
	s.route("POST /positions/review", s.handleReview)
	s.route("POST /trades/result", s.handleTradeResult)
	if s.alerts != nil {
		// websocket 需要 Hijacker，不经过统计包装
		s.mux.Handle("GET /ws/alerts", s.alerts)
	}
	return s
}

// Handler 返回路由
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) route(pattern string, fn http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		fn(rec, r)
		elapsed := time.Since(start)
		s.metrics.RecordAPIRequest(pattern, rec.code, elapsed.Seconds())
		s.logger.Debug("request served",
			zap.String("route", pattern),
			zap.Int("code", rec.code),
			zap.Duration("elapsed", elapsed))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(); err != nil {
			s.sendError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	s.sendSuccess(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sendSuccess(w, s.gw.Snapshot(r.Context()))
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var in safety.Intent
	if !s.decode(w, r, &in) {
		return
	}
	if !in.Kind.Valid() {
		s.sendError(w, fmt.Sprintf("kind must be %q or %q", risk.KindEntry, risk.KindExit), http.StatusBadRequest)
		return
	}
	if !s.validTelemetry(w, in.Telemetry) {
		return
	}
	s.sendSuccess(w, s.gw.Authorize(r.Context(), in))
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var tel risk.Telemetry
	if !s.decode(w, r, &tel) || !s.validTelemetry(w, &tel) {
		return
	}
	s.sendSuccess(w, s.gw.Breaker().Evaluate(r.Context(), tel))
}

// validTelemetry 可选遥测非法时直接 400，不进入风控评估
func (s *Server) validTelemetry(w http.ResponseWriter, tel *risk.Telemetry) bool {
	if tel == nil {
		return true
	}
	if err := tel.Validate(); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !req.Intent.Kind.Valid() {
		s.sendError(w, fmt.Sprintf("intent.kind must be %q or %q", risk.KindEntry, risk.KindExit), http.StatusBadRequest)
		return
	}
	if !s.validTelemetry(w, req.Intent.Telemetry) {
		return
	}
	res, err := s.gw.SubmitOrder(r.Context(), req.Intent, req.Order)
	if err != nil {
		code := http.StatusBadGateway
		var denied *safety.DeniedError
		switch {
		case errors.As(err, &denied):
			code = http.StatusForbidden
		case errors.Is(err, gateway.ErrInvalidOrder):
			code = http.StatusBadRequest
		}
		s.sendJSON(w, code, Response{Success: false, Data: res, Error: err.Error()})
		return
	}
	s.sendSuccess(w, res)
}

func (s *Server) handleKillSwitchStatus(w http.ResponseWriter, r *http.Request) {
	s.sendSuccess(w, s.gw.KillSwitch().Status(r.Context()))
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req KillSwitchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		s.sendError(w, "reason is required", http.StatusBadRequest)
		return
	}
	var after time.Duration
	if req.AutoDisableAfter != "" {
		d, err := time.ParseDuration(req.AutoDisableAfter)
		if err != nil || d < 0 {
			s.sendError(w, "auto_disable_after must be a positive duration like 30m", http.StatusBadRequest)
			return
		}
		after = d
	}
	receipt, err := s.gw.KillSwitch().Activate(r.Context(), req.By, req.Reason, after)
	if err != nil {
		// 激活在内存中已生效，持久化失败仍需告知调用方
		s.logger.Error("kill switch activation not fully persisted", zap.Error(err))
		s.sendJSON(w, http.StatusInternalServerError, Response{Success: false, Data: receipt, Error: err.Error()})
		return
	}
	s.sendSuccess(w, receipt)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var req KillSwitchRequest
	if !s.decode(w, r, &req) {
		return
	}
	receipt, err := s.gw.KillSwitch().Deactivate(r.Context(), req.By, req.Reason)
	if err != nil {
		s.sendJSON(w, http.StatusInternalServerError, Response{Success: false, Data: receipt, Error: err.Error()})
		return
	}
	s.sendSuccess(w, receipt)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.gw.Breaker().ManualReset(r.Context(), req.By, req.Justification); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, risk.ErrJustificationRequired) {
			code = http.StatusBadRequest
		}
		s.sendError(w, err.Error(), code)
		return
	}
	s.sendSuccess(w, s.gw.Breaker().Status(r.Context()))
}

func (s *Server) handleEndpointHealth(w http.ResponseWriter, r *http.Request) {
	s.sendSuccess(w, s.gw.Router().HealthCheck(r.Context(), nil))
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	rv, err := s.gw.ReviewPositions(r.Context())
	if err != nil {
		s.sendJSON(w, http.StatusBadGateway, Response{Success: false, Data: rv, Error: err.Error()})
		return
	}
	s.sendSuccess(w, rv)
}

func (s *Server) handleTradeResult(w http.ResponseWriter, r *http.Request) {
	if s.trades == nil {
		s.sendError(w, "trade result tracking is disabled", http.StatusNotImplemented)
		return
	}
	var req TradeResultRequest
	if !s.decode(w, r, &req) {
		return
	}
	streak, err := s.trades.RecordTradeResult(r.Context(), req.PnL)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.sendSuccess(w, map[string]interface{}{"consecutive_losses": streak})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.sendError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) sendSuccess(w http.ResponseWriter, data interface{}) {
	s.sendJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, Response{Success: false, Error: message})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("encode response failed", zap.Error(err))
	}
}
