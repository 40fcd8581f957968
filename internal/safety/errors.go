package safety

import (
	"errors"
	"fmt"
)

var (
	// ErrDenied 下单前授权被拒绝
	ErrDenied = errors.New("trade not authorized")
	// ErrMissingComponent 构造网关时缺少依赖
	ErrMissingComponent = errors.New("safety gateway component missing")
)

// DeniedError 携带拒绝时的完整授权结果
type DeniedError struct {
	Authorization Authorization
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s by %s: %s", ErrDenied, e.Authorization.Source, e.Authorization.Reason)
}

func (e *DeniedError) Unwrap() error { return ErrDenied }
