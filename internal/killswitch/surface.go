package killswitch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Surface 一个独立的激活来源。任意来源触发即视为 kill switch 生效。
type Surface interface {
	Name() string
	// Tripped 返回是否触发及原因；error 按触发处理
	Tripped(ctx context.Context) (bool, string, error)
}

// EnvSurface 通过环境变量触发，适用于部署层面的紧急覆盖
type EnvSurface struct {
	Var string
}

// NewEnvSurface 创建环境变量来源
func NewEnvSurface(name string) *EnvSurface {
	return &EnvSurface{Var: name}
}

func (s *EnvSurface) Name() string { return "env" }

// Tripped 变量存在且不是明确的否定值时触发
func (s *EnvSurface) Tripped(context.Context) (bool, string, error) {
	if s.Var == "" {
		return false, "", nil
	}
	v, ok := os.LookupEnv(s.Var)
	if !ok {
		return false, "", nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no", "off":
		return false, "", nil
	}
	return true, fmt.Sprintf("environment override %s=%s", s.Var, v), nil
}

// Marker 哨兵文件内容
type Marker struct {
	ID            string     `json:"id"`
	By            string     `json:"by"`
	Reason        string     `json:"reason"`
	ActivatedAt   time.Time  `json:"activated_at"`
	AutoDisableAt *time.Time `json:"auto_disable_at,omitempty"`
}

// MarkerSurface 通过哨兵文件触发。任何进程只要能写文件就能停掉交易，
// 文件内容可以为空或不是 JSON。
type MarkerSurface struct {
	Path string
}

// NewMarkerSurface 创建哨兵文件来源
func NewMarkerSurface(path string) *MarkerSurface {
	return &MarkerSurface{Path: path}
}

func (s *MarkerSurface) Name() string { return "sentinel_marker" }

func (s *MarkerSurface) Tripped(context.Context) (bool, string, error) {
	if s.Path == "" {
		return false, "", nil
	}
	if _, err := os.Stat(s.Path); err != nil {
		if os.IsNotExist(err) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("stat marker %s: %w", s.Path, err)
	}
	reason := fmt.Sprintf("sentinel marker present at %s", s.Path)
	if m, err := s.Read(); err == nil && m.Reason != "" {
		reason = fmt.Sprintf("sentinel marker by %s: %s", m.By, m.Reason)
	}
	return true, reason, nil
}

// Read 解析哨兵文件
func (s *MarkerSurface) Read() (Marker, error) {
	var m Marker
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("decode marker: %w", err)
	}
	return m, nil
}

// Write 原子写入哨兵文件
func (s *MarkerSurface) Write(m Marker) error {
	if s.Path == "" {
		return ErrMarkerPathRequired
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename marker: %w", err)
	}
	return nil
}

// Remove 删除哨兵文件，不存在时返回 false
func (s *MarkerSurface) Remove() (bool, error) {
	if s.Path == "" {
		return false, nil
	}
	if err := os.Remove(s.Path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("remove marker: %w", err)
	}
	return true, nil
}

// flagSurface 持久化的程序化开关
type flagSurface struct {
	ks *KillSwitch
}

func (s flagSurface) Name() string { return "programmatic" }

func (s flagSurface) Tripped(ctx context.Context) (bool, string, error) {
	st := s.ks.load(ctx)
	if !st.Active {
		return false, "", nil
	}
	if st.Activation == nil {
		return true, "programmatic flag set", nil
	}
	return true, fmt.Sprintf("activated by %s: %s", st.Activation.By, st.Activation.Reason), nil
}
