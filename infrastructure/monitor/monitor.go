package monitor

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器。方法对 nil 接收者安全，组件可不注入。
type Monitor struct {
	registry *prometheus.Registry

	// 风控分级指标
	riskTier        prometheus.Gauge
	sizeMultiplier  prometheus.Gauge
	riskEvaluations prometheus.Counter
	riskTransitions *prometheus.CounterVec

	// kill switch 指标
	killSwitchActive      prometheus.Gauge
	killSwitchActivations prometheus.Counter

	// 熔断器指标
	circuitOpen     *prometheus.GaugeVec
	circuitFailures *prometheus.CounterVec

	// 故障转移指标
	failoverAttempts  *prometheus.CounterVec
	failoverExhausted *prometheus.CounterVec
	endpointLatency   *prometheus.HistogramVec

	// 网关指标
	authorizations    *prometheus.CounterVec
	persistenceErrors *prometheus.CounterVec

	// 系统指标
	restRequests *prometheus.CounterVec
	restErrors   *prometheus.CounterVec
	restLatency  *prometheus.HistogramVec

	// 控制接口指标
	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "tradeguard",
		Subsystem: "safety",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Monitor{
		registry: reg,

		riskTier: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "risk_tier",
			Help:      "当前风险等级(0=NORMAL,1=CAUTION,2=WARNING,3=CRITICAL,4=HALT)",
		}),
		sizeMultiplier: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "size_multiplier",
			Help:      "当前仓位缩放系数",
		}),
		riskEvaluations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "risk_evaluations_total",
			Help:      "风控评估次数",
		}),
		riskTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "risk_transitions_total",
				Help:      "风险等级切换次数",
			},
			[]string{"from", "to"},
		),

		killSwitchActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "kill_switch_active",
			Help:      "kill switch 是否生效(1=生效)",
		}),
		killSwitchActivations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "kill_switch_activations_total",
			Help:      "kill switch 激活次数",
		}),

		circuitOpen: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "circuit_open",
				Help:      "熔断器是否打开(1=打开)",
			},
			[]string{"name"},
		),
		circuitFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "circuit_failures_total",
				Help:      "熔断器记录的失败次数",
			},
			[]string{"name"},
		),

		failoverAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "failover_attempts_total",
				Help:      "端点调用尝试次数",
			},
			[]string{"endpoint", "op", "result"},
		),
		failoverExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "failover_exhausted_total",
				Help:      "所有端点均不可用的次数",
			},
			[]string{"op"},
		),
		endpointLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "endpoint_latency_seconds",
				Help:      "端点调用延迟（秒）",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"endpoint", "op"},
		),

		authorizations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "authorizations_total",
				Help:      "交易授权请求结果",
			},
			[]string{"kind", "result", "source"},
		),
		persistenceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "persistence_errors_total",
				Help:      "状态持久化失败次数",
			},
			[]string{"key"},
		),

		restRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "rest_requests_total",
				Help:      "REST请求总数",
			},
			[]string{"action"},
		),
		restErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "rest_errors_total",
				Help:      "REST错误总数",
			},
			[]string{"action"},
		),
		restLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "rest_latency_seconds",
				Help:      "REST请求延迟（秒）",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),

		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "api_requests_total",
				Help:      "控制接口请求数",
			},
			[]string{"route", "code"},
		),
		apiLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "api_latency_seconds",
				Help:      "控制接口延迟（秒）",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	m.sizeMultiplier.Set(1)
	return m
}

// 风控相关方法
func (m *Monitor) UpdateRiskTier(tier int, multiplier float64) {
	if m == nil {
		return
	}
	m.riskTier.Set(float64(tier))
	m.sizeMultiplier.Set(multiplier)
}

func (m *Monitor) RecordEvaluation() {
	if m == nil {
		return
	}
	m.riskEvaluations.Inc()
}

func (m *Monitor) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.riskTransitions.WithLabelValues(from, to).Inc()
}

// kill switch 相关方法
func (m *Monitor) SetKillSwitch(active bool) {
	if m == nil {
		return
	}
	m.killSwitchActive.Set(boolToFloat(active))
}

func (m *Monitor) RecordKillSwitchActivation() {
	if m == nil {
		return
	}
	m.killSwitchActivations.Inc()
}

// 熔断器相关方法
func (m *Monitor) SetCircuitOpen(name string, open bool) {
	if m == nil {
		return
	}
	m.circuitOpen.WithLabelValues(name).Set(boolToFloat(open))
}

func (m *Monitor) RecordCircuitFailure(name string) {
	if m == nil {
		return
	}
	m.circuitFailures.WithLabelValues(name).Inc()
}

// 故障转移相关方法
func (m *Monitor) RecordFailoverAttempt(endpoint, op string, ok bool, seconds float64) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.failoverAttempts.WithLabelValues(endpoint, op, result).Inc()
	m.endpointLatency.WithLabelValues(endpoint, op).Observe(seconds)
}

func (m *Monitor) RecordFailoverExhausted(op string) {
	if m == nil {
		return
	}
	m.failoverExhausted.WithLabelValues(op).Inc()
}

// 网关相关方法
func (m *Monitor) RecordAuthorization(kind string, allowed bool, source string) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.authorizations.WithLabelValues(kind, result, source).Inc()
}

func (m *Monitor) RecordPersistenceError(key string) {
	if m == nil {
		return
	}
	m.persistenceErrors.WithLabelValues(key).Inc()
}

// 系统相关方法
func (m *Monitor) RecordRESTRequest(action string) {
	if m == nil {
		return
	}
	m.restRequests.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordRESTError(action string) {
	if m == nil {
		return
	}
	m.restErrors.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordRESTLatency(action string, seconds float64) {
	if m == nil {
		return
	}
	m.restLatency.WithLabelValues(action).Observe(seconds)
}

// RecordAPIRequest 记录一次控制接口请求
func (m *Monitor) RecordAPIRequest(route string, code int, seconds float64) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.apiLatency.WithLabelValues(route).Observe(seconds)
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
