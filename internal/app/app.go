package app

import (
	"context"
	"fmt"
	"time"

	"neotrader/internal/config"
	"neotrader/internal/coordinator"
	"neotrader/internal/logger"
	"neotrader/internal/monitor"
	"neotrader/internal/scheduler"
	"neotrader/internal/sellengine"
	livehttp "neotrader/internal/transport/http/live"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→按交易时段巡检 + 只读 HTTP。
type App struct {
	cfg      *config.Config
	coord    *coordinator.Coordinator
	engine   *sellengine.Engine
	monitor  *monitor.Monitor
	session  scheduler.Session
	liveHTTP *livehttp.Server
	closers  []func() error
	Summary  *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动巡检调度与 HTTP 服务，直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	if a.Summary != nil {
		a.Summary.Print()
	}

	if a.monitor == nil || a.engine == nil {
		return fmt.Errorf("monitor not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)

	if a.liveHTTP != nil {
		group.Go(func() error {
			if err := a.liveHTTP.Start(ctx); err != nil {
				return fmt.Errorf("live http server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		mon := a.cfg.Monitor
		sched := scheduler.NewMarketScheduler(ctx, a.session, mon.Interval(), mon.Offset())
		sched.RunImmediately = true
		sched.OnOpen = a.onMarketOpen
		sched.Start(a.runPass)
		return nil
	})

	return group.Wait()
}

// onMarketOpen 每个交易日首轮巡检前执行一次。
func (a *App) onMarketOpen(ctx context.Context) {
	seeded := a.engine.SeedRSICache(ctx)
	logger.Infof("market open: seeded RSI for %d symbols", seeded)
	if n, err := a.monitor.LoadPendingBuyOrders(ctx); err != nil {
		logger.Warnf("market open: load pending buys failed: %v", err)
	} else {
		logger.Infof("market open: tracking %d pending buys", n)
	}
	if !a.cfg.Monitor.PlaceInitialOrders {
		return
	}
	placed, err := a.engine.PlaceInitialSellOrders(ctx)
	if err != nil {
		logger.Warnf("market open: initial sell orders failed: %v", err)
		return
	}
	logger.Infof("market open: placed %d initial sell orders", placed)
}

func (a *App) runPass(ctx context.Context) {
	rep, err := a.monitor.RunCycle(ctx)
	if err != nil {
		logger.Warnf("[%s] monitoring pass aborted after %s: %v", rep.TraceID, rep.Duration.Truncate(time.Millisecond), err)
	}
}

// Close 释放数据库、日志与通知资源；可重复调用。
func (a *App) Close() {
	if a == nil {
		return
	}
	runClosers(a.closers)
	a.closers = nil
}

// Coordinator exposes the order state owner (for testing/replay harnesses).
func (a *App) Coordinator() *coordinator.Coordinator {
	if a == nil {
		return nil
	}
	return a.coord
}

// Monitor exposes the unified monitor.
func (a *App) Monitor() *monitor.Monitor {
	if a == nil {
		return nil
	}
	return a.monitor
}
