package risk

import "errors"

var (
	// ErrJustificationRequired 人工复位必须填写理由
	ErrJustificationRequired = errors.New("manual reset requires a justification")

	// ErrInvalidThresholds 阈值不满足递增关系或取值非法
	ErrInvalidThresholds = errors.New("invalid risk thresholds")

	// ErrInvalidTelemetry 遥测字段缺失或取值非法
	ErrInvalidTelemetry = errors.New("invalid telemetry")

	// ErrUnknownTier 无法解析的等级名称
	ErrUnknownTier = errors.New("unknown risk tier")
)
