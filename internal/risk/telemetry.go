package risk

import (
	"fmt"
	"math"
)

// Telemetry 单次评估的输入。可选字段为 nil 时对应触发条件跳过，不按 0 处理。
type Telemetry struct {
	PortfolioValue    float64 `json:"portfolio_value"`
	DailyPnL          float64 `json:"daily_pnl"`
	ConsecutiveLosses int     `json:"consecutive_losses"`

	VolatilityIndex *float64 `json:"volatility_index,omitempty"`
	MarketMove      *float64 `json:"market_move,omitempty"` // 市场日涨跌幅，小数，-0.08 即 -8%
	RealizedVol     *float64 `json:"realized_vol,omitempty"`
	HistoricalVol   *float64 `json:"historical_vol,omitempty"`
}

// Float 便捷构造可选字段
func Float(v float64) *float64 { return &v }

// Validate 校验遥测输入。组合价值必须为正，连亏计数非负，可选字段必须有限，波动率类字段非负。
func (t Telemetry) Validate() error {
	if !finite(t.PortfolioValue) || t.PortfolioValue <= 0 {
		return fmt.Errorf("%w: portfolio_value must be positive, got %v", ErrInvalidTelemetry, t.PortfolioValue)
	}
	if !finite(t.DailyPnL) {
		return fmt.Errorf("%w: daily_pnl must be finite", ErrInvalidTelemetry)
	}
	if t.ConsecutiveLosses < 0 {
		return fmt.Errorf("%w: consecutive_losses must be non-negative, got %d", ErrInvalidTelemetry, t.ConsecutiveLosses)
	}
	optional := []struct {
		name        string
		v           *float64
		nonNegative bool
	}{
		{"volatility_index", t.VolatilityIndex, true},
		{"market_move", t.MarketMove, false},
		{"realized_vol", t.RealizedVol, true},
		{"historical_vol", t.HistoricalVol, true},
	}
	for _, f := range optional {
		if f.v == nil {
			continue
		}
		if !finite(*f.v) {
			return fmt.Errorf("%w: %s must be finite", ErrInvalidTelemetry, f.name)
		}
		if f.nonNegative && *f.v < 0 {
			return fmt.Errorf("%w: %s must be non-negative, got %v", ErrInvalidTelemetry, f.name, *f.v)
		}
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// LossFraction 当日亏损占组合价值的比例，盈利时为负。组合价值非正时返回 false。
func (t Telemetry) LossFraction() (float64, bool) {
	if t.PortfolioValue <= 0 || math.IsNaN(t.DailyPnL) || math.IsInf(t.DailyPnL, 0) {
		return 0, false
	}
	return -t.DailyPnL / t.PortfolioValue, true
}

// VolRatio 已实现/历史波动率之比，任一缺失或历史值非正时返回 false
func (t Telemetry) VolRatio() (float64, bool) {
	if t.RealizedVol == nil || t.HistoricalVol == nil || *t.HistoricalVol <= 0 {
		return 0, false
	}
	return *t.RealizedVol / *t.HistoricalVol, true
}
