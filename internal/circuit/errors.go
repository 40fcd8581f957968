package circuit

import "errors"

// ErrOpen 熔断打开且冷却期未结束，调用被拒绝。
var ErrOpen = errors.New("circuit open")
