package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"market-relay-go/config"
	"market-relay-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	checkOnly := flag.Bool("check", false, "只校验配置后退出")
	flag.Parse()

	if *checkOnly {
		if _, err := config.LoadWithEnvOverrides(*cfgPath); err != nil {
			log.Fatalf("配置无效: %v", err)
		}
		fmt.Println("config ok")
		return
	}

	if err := run(*cfgPath); err != nil {
		log.Fatalf("market relay exited: %v", err)
	}
}

func run(cfgPath string) error {
	c, err := container.New(cfgPath)
	if err != nil {
		return err
	}
	if err := c.Build(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if err := c.Start(gctx); err != nil {
		_ = c.Stop()
		return err
	}
	notify(c, daemon.SdNotifyReady)

	g.Go(func() error { return watchdog(gctx, c) })
	g.Go(func() error {
		<-gctx.Done()
		c.Logger().Info("shutdown signal received")
		return nil
	})

	err = g.Wait()
	notify(c, daemon.SdNotifyStopping)
	if stopErr := c.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

// watchdog 周期性检查组件健康：健康时向 systemd 喂狗，降级时只记录日志。
func watchdog(ctx context.Context, c *container.Container) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		interval = 30 * time.Second
	} else {
		interval /= 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				c.Logger().Warn("health check degraded", zap.Error(err))
				continue
			}
			notify(c, daemon.SdNotifyWatchdog)
		}
	}
}

func notify(c *container.Container, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		c.Logger().Warn("sd_notify failed", zap.String("state", state), zap.Error(err))
	}
}
