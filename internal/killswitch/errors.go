package killswitch

import "errors"

// ErrMarkerPathRequired 未配置哨兵文件路径
var ErrMarkerPathRequired = errors.New("kill switch marker path required")
