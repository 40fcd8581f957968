package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"tradeguard/infrastructure/alert"
	"tradeguard/infrastructure/logger"
	"tradeguard/internal/config"
	"tradeguard/internal/container"
	"tradeguard/internal/killswitch"
	"tradeguard/internal/risk"
)

const usage = `usage: safetyctl [flags] <command>

commands:
  status   打印 kill switch 与风控状态
  kill     激活 kill switch（-reason 必填，-for 自动解除）
  unkill   解除 kill switch
  reset    人工复位风控档位（-reason 作为复位说明，必填）

flags:
`

func main() {
	fs := flag.NewFlagSet("safetyctl", flag.ExitOnError)
	cfgPath := fs.String("config", "configs/tradeguard.yaml", "配置文件路径")
	by := fs.String("by", defaultOperator(), "操作人")
	reason := fs.String("reason", "", "原因或复位说明")
	autoDisable := fs.Duration("for", 0, "kill 后自动解除的时长，0 为不自动解除")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	if err := run(context.Background(), os.Stdout, fs.Arg(0), *cfgPath, options{
		By:          *by,
		Reason:      *reason,
		AutoDisable: *autoDisable,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "safetyctl: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	By          string
	Reason      string
	AutoDisable time.Duration
}

func defaultOperator() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "safetyctl"
}

func run(ctx context.Context, out io.Writer, cmd, cfgPath string, opts options) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.LoadWithEnvOverrides(cfgPath)
	if err != nil {
		return err
	}
	return execute(ctx, out, cmd, cfg, opts)
}

// execute 直接操作持久化状态与哨兵文件，运行中的守护进程在下一次检查时读到变更
func execute(ctx context.Context, out io.Writer, cmd string, cfg config.AppConfig, opts options) error {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Close()

	st, pool, err := container.OpenStore(ctx, cfg.Store, nil)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	// 命令行工具不挂 websocket
	cfg.Alerts.WebSocket = false
	channels, _, err := container.AlertChannels(cfg.Alerts, log)
	if err != nil {
		return err
	}
	alerts := alert.NewManager(channels, 0)

	ks := killswitch.New(cfg.KillSwitch,
		killswitch.WithStore(st),
		killswitch.WithAlerts(alerts),
		killswitch.WithLogger(log.Logger),
	)
	breaker, err := risk.New(cfg.Breaker,
		risk.WithStore(st),
		risk.WithAlerts(alerts),
		risk.WithLogger(log.Logger),
	)
	if err != nil {
		return err
	}

	switch cmd {
	case "status":
		return printJSON(out, map[string]interface{}{
			"kill_switch": ks.Status(ctx),
			"breaker":     breaker.Status(ctx),
		})

	case "kill":
		if opts.Reason == "" {
			return fmt.Errorf("kill requires -reason")
		}
		receipt, err := ks.Activate(ctx, opts.By, opts.Reason, opts.AutoDisable)
		log.LogKillSwitch("activated", map[string]interface{}{
			"id": receipt.ID, "by": opts.By, "reason": opts.Reason, "source": "safetyctl",
		})
		if perr := printJSON(out, receipt); perr != nil {
			return perr
		}
		return err

	case "unkill":
		receipt, err := ks.Deactivate(ctx, opts.By, opts.Reason)
		log.LogKillSwitch("deactivated", map[string]interface{}{
			"status": receipt.Status, "by": opts.By, "still_tripped": receipt.StillTripped, "source": "safetyctl",
		})
		if perr := printJSON(out, receipt); perr != nil {
			return perr
		}
		return err

	case "reset":
		if err := breaker.ManualReset(ctx, opts.By, opts.Reason); err != nil {
			return err
		}
		log.LogRisk("manual_reset", map[string]interface{}{
			"by": opts.By, "justification": opts.Reason, "source": "safetyctl",
		})
		return printJSON(out, breaker.Status(ctx))

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
