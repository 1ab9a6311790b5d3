package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"neotrader/internal/analysis/indicator"
	"neotrader/internal/config"
	"neotrader/internal/coordinator"
	"neotrader/internal/gateway/exchange"
	"neotrader/internal/gateway/neo"
	"neotrader/internal/gateway/notifier"
	"neotrader/internal/logger"
	"neotrader/internal/metrics"
	"neotrader/internal/monitor"
	"neotrader/internal/pkg/circuit"
	"neotrader/internal/pkg/symbol"
	"neotrader/internal/scheduler"
	"neotrader/internal/sellengine"
	"neotrader/internal/store/gormstore"
	"neotrader/internal/store/journal"
	livehttp "neotrader/internal/transport/http/live"

	"github.com/prometheus/client_golang/prometheus"
)

// Gateway 是券商桥接服务需要提供的全部能力：下单/查单/持仓 + 日线与最新价。
type Gateway interface {
	exchange.Broker
	indicator.HistorySource
	indicator.PriceSource
}

type AppBuilder struct {
	cfg *config.Config

	gatewayFn func(config.BrokerConfig) (Gateway, error)
	registry  prometheus.Registerer
	gatherer  prometheus.Gatherer
	now       func() time.Time
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		gatewayFn: buildGateway,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// WithGateway 替换券商客户端构造函数（测试用）。
func WithGateway(fn func(config.BrokerConfig) (Gateway, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.gatewayFn = fn
		}
	}
}

// WithRegistry 使用独立的 prometheus registry，避免重复注册 DefaultRegisterer。
func WithRegistry(reg *prometheus.Registry) AppBuilderOption {
	return func(b *AppBuilder) {
		if reg != nil {
			b.registry = reg
			b.gatherer = reg
		}
	}
}

func WithClock(now func() time.Time) AppBuilderOption {
	return func(b *AppBuilder) {
		b.now = now
	}
}

func buildGateway(cfg config.BrokerConfig) (Gateway, error) {
	client, err := neo.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init broker client: %w", err)
	}
	logger.Infof("✓ Broker bridge: %s (default exchange %s)", cfg.APIURL, cfg.DefaultExchange)
	return client, nil
}

func (b *AppBuilder) Build(ctx context.Context) (app *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	mon := cfg.Monitor
	loc := mon.Location()
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetLocation(loc)

	var closers []func() error
	defer func() {
		if err != nil {
			runClosers(closers)
		}
	}()

	repos, err := gormstore.NewGormStore(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open order database: %w", err)
	}
	closers = append(closers, repos.Close)

	jr, err := journal.Open(cfg.Storage.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	closers = append(closers, jr.Close)

	sink, closeSink := buildNotifier(cfg.Notify)
	if closeSink != nil {
		closers = append(closers, closeSink)
	}

	session, err := buildSession(mon)
	if err != nil {
		return nil, err
	}

	coord := coordinator.New(coordinator.Options{
		Journal:         jr,
		Orders:          repos,
		Notifier:        sink,
		VerificationTTL: mon.VerificationTTL(),
		Now:             b.now,
	})
	restored, err := coord.LoadFromJournal(ctx)
	if err != nil {
		logger.Warnf("restore tracked sells from journal failed: %v", err)
	}

	gw, err := b.gatewayFn(cfg.Broker)
	if err != nil {
		return nil, err
	}

	symbols, err := buildSymbolRegistry(cfg.Symbols.MapPath)
	if err != nil {
		return nil, err
	}

	calc := indicator.NewCalculator(gw, gw, indicator.CalculatorOptions{
		EMAPeriod:   mon.EMAPeriod,
		RSIPeriod:   mon.RSIPeriod,
		HistoryDays: mon.HistoryDays,
		Location:    loc,
		Now:         b.now,
	})

	reg := b.registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	mtr := metrics.New(reg)

	engine, err := sellengine.New(sellengine.Options{
		Broker:           gw,
		Coordinator:      coord,
		Indicators:       calc,
		Repos:            repos,
		Trades:           jr,
		Symbols:          symbols,
		Notifier:         sink,
		Metrics:          mtr,
		Workers:          mon.Workers,
		RSIExitThreshold: mon.RSIExitThreshold,
		Location:         loc,
		Now:              b.now,
	})
	if err != nil {
		return nil, err
	}

	breaker := circuit.New("broker", mon.FailureThreshold, mon.FailureCooldown())
	breaker.OnStateChange(func(name string, from, to circuit.State) {
		logger.Warnf("circuit %s: %s -> %s", name, from, to)
	})

	mn, err := monitor.New(monitor.Options{
		Broker:      gw,
		Coordinator: coord,
		Sells:       engine,
		Repos:       repos,
		Breaker:     breaker,
		Metrics:     mtr,
		Now:         b.now,
	})
	if err != nil {
		return nil, err
	}

	server, err := livehttp.NewServer(livehttp.ServerConfig{
		Addr:     cfg.App.HTTPAddr,
		Orders:   coord,
		Cycles:   mn,
		Store:    repos,
		Trades:   jr,
		Gatherer: b.gatherer,
		LogPaths: logPaths(cfg.App),
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 live HTTP 失败: %w", err)
	}
	logger.Infof("✓ Live HTTP 接口监听 %s", server.Addr())

	openPositions := 0
	if positions, err := repos.ListOpenPositions(ctx); err == nil {
		openPositions = len(positions)
	}

	return &App{
		cfg:      cfg,
		coord:    coord,
		engine:   engine,
		monitor:  mn,
		session:  session,
		liveHTTP: server,
		closers:  closers,
		Summary: &StartupSummary{
			Broker:          cfg.Broker.APIURL,
			DefaultExchange: cfg.Broker.DefaultExchange,
			DBPath:          cfg.Storage.DBPath,
			JournalPath:     cfg.Storage.JournalPath,
			Timezone:        loc.String(),
			MarketOpen:      mon.MarketOpen,
			MarketClose:     mon.MarketClose,
			Interval:        mon.Interval(),
			Workers:         mon.Workers,
			EMAPeriod:       mon.EMAPeriod,
			RSIPeriod:       mon.RSIPeriod,
			RSIExit:         mon.RSIExitThreshold,
			RestoredSells:   restored,
			OpenPositions:   openPositions,
			SymbolOverrides: symbols.Len(),
			HTTPAddr:        server.Addr(),
			Telegram:        cfg.Notify.Telegram.Enabled,
		},
	}, nil
}

func buildSession(mon config.MonitorConfig) (scheduler.Session, error) {
	open, err := config.ParseClock(mon.MarketOpen)
	if err != nil {
		return scheduler.Session{}, fmt.Errorf("monitor.market_open: %w", err)
	}
	closeAt, err := config.ParseClock(mon.MarketClose)
	if err != nil {
		return scheduler.Session{}, fmt.Errorf("monitor.market_close: %w", err)
	}
	return scheduler.Session{Location: mon.Location(), Open: open, Close: closeAt}, nil
}

// buildNotifier 未启用 Telegram 时返回 Nop。
func buildNotifier(cfg config.NotifyConfig) (notifier.Sink, func() error) {
	if !cfg.Telegram.Enabled {
		return notifier.Nop{}, nil
	}
	d := notifier.NewDispatcher(notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID), 0)
	logger.Infof("✓ Telegram 通知已启用")
	return d, func() error {
		d.Close()
		return nil
	}
}

func buildSymbolRegistry(path string) (*symbol.Registry, error) {
	path = strings.TrimSpace(path)
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			logger.Warnf("symbol map %s not found, using default NSE mapping", path)
			path = ""
		}
	}
	reg, err := symbol.NewRegistry(path)
	if err != nil {
		return nil, fmt.Errorf("load symbol map: %w", err)
	}
	return reg, nil
}

func logPaths(cfg config.AppConfig) map[string]string {
	paths := map[string]string{}
	if path := strings.TrimSpace(cfg.LogPath); path != "" {
		paths["app"] = path
	}
	if path := strings.TrimSpace(cfg.AuditLogPath); path != "" {
		paths["audit"] = path
	}
	return paths
}

func runClosers(closers []func() error) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Warnf("close resource failed: %v", err)
		}
	}
}
