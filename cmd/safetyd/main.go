package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"tradeguard/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/tradeguard.yaml", "配置文件路径")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, err := container.New(*cfgPath)
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	if err := c.Build(ctx); err != nil {
		log.Fatalf("build failed: %v", err)
	}
	logger := c.Logger().Named("safetyd")

	if err := c.Start(ctx); err != nil {
		c.Logger().LogError(err, map[string]interface{}{"stage": "start", "config": *cfgPath})
		_ = c.Stop()
		os.Exit(1)
	}

	// 非 systemd 环境下 SdNotify 返回 false，不报错
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify ready failed", zap.Error(err))
	}
	go watchdog(ctx, c, logger)

	logger.Info("safetyd running", zap.String("config", *cfgPath))
	<-ctx.Done()

	logger.Info("shutdown signal received")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err := c.Stop(); err != nil {
		log.Printf("shutdown completed with errors: %v", err)
		os.Exit(1)
	}
}

// watchdog 在组件健康时按 WatchdogSec 的一半频率喂狗
func watchdog(ctx context.Context, c *container.Container, logger *zap.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				logger.Warn("health check failed, skipping watchdog ping", zap.Error(err))
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
