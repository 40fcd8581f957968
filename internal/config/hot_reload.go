package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"tradeguard/internal/risk"
)

// Applier 接收重新加载后的配置
type Applier interface {
	Apply(cfg AppConfig) error
}

// ApplierFunc 函数适配
type ApplierFunc func(cfg AppConfig) error

func (f ApplierFunc) Apply(cfg AppConfig) error { return f(cfg) }

// ThresholdUpdater 可在线更新阈值的组件
type ThresholdUpdater interface {
	UpdateThresholds(th risk.Thresholds) error
}

// BreakerApplier 把配置中的熔断阈值推给风控
func BreakerApplier(u ThresholdUpdater) Applier {
	return ApplierFunc(func(cfg AppConfig) error {
		return u.UpdateThresholds(cfg.Breaker.Thresholds)
	})
}

// HotReloader 监听配置文件，变更后重新加载并分发给各 Applier。
// 只有可在线调整的参数（熔断阈值）通过它生效，其余改动需要重启。
type HotReloader struct {
	config     HotReloadConfig
	configPath string
	loader     func(path string) (AppConfig, error)
	watcher    *fsnotify.Watcher
	appliers   map[string]Applier
	logger     *zap.Logger
	lastReload time.Time
	lastErr    error
	reloads    int
	mu         sync.RWMutex
	stopOnce   sync.Once
	stopChan   chan struct{}
	doneChan   chan struct{}
}

// NewHotReloader 创建热更新器
func NewHotReloader(configPath string, cfg HotReloadConfig, logger *zap.Logger) (*HotReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HotReloader{
		config:     cfg,
		configPath: configPath,
		loader:     LoadWithEnvOverrides,
		watcher:    watcher,
		appliers:   make(map[string]Applier),
		logger:     logger.Named("hot_reload"),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// RegisterApplier 注册参数应用器
func (h *HotReloader) RegisterApplier(name string, applier Applier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appliers[name] = applier
}

// Start 启动监听。监听所在目录，编辑器的 rename 写入也能捕获。
func (h *HotReloader) Start(ctx context.Context) error {
	if !h.config.Enabled {
		close(h.doneChan)
		return nil
	}
	if err := h.watcher.Add(filepath.Dir(h.configPath)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	go h.watch(ctx)
	h.logger.Info("config hot reload started", zap.String("path", h.configPath))
	return nil
}

// Stop 停止监听，可重复调用
func (h *HotReloader) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		close(h.stopChan)
		select {
		case <-h.doneChan:
		case <-time.After(time.Second):
		}
		err = h.watcher.Close()
	})
	return err
}

func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.doneChan)
	target := filepath.Clean(h.configPath)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				h.Reload()
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// Reload 重新加载并应用；冷却期内的重复事件被忽略。
// 加载或校验失败时保留旧参数。
func (h *HotReloader) Reload() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.lastReload.IsZero() && time.Since(h.lastReload) < h.config.CooldownTime {
		return false
	}

	cfg, err := h.loader(h.configPath)
	if err != nil {
		h.lastErr = err
		h.logger.Error("config reload rejected, keeping current parameters", zap.Error(err))
		return false
	}

	h.lastErr = nil
	for name, a := range h.appliers {
		if err := a.Apply(cfg); err != nil {
			h.lastErr = fmt.Errorf("apply %s: %w", name, err)
			h.logger.Error("config apply failed", zap.String("applier", name), zap.Error(err))
		}
	}
	h.lastReload = time.Now()
	h.reloads++
	h.logger.Info("config reloaded", zap.Int("reloads", h.reloads))
	return h.lastErr == nil
}

// GetLastReloadTime 获取最后重载时间
func (h *HotReloader) GetLastReloadTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastReload
}

// LastError 最近一次重载的错误
func (h *HotReloader) LastError() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastErr
}

// Reloads 成功加载的次数
func (h *HotReloader) Reloads() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.reloads
}
