package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"neotrader/internal/app"
	"neotrader/internal/config"
	"neotrader/internal/logger"

	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := config.PathFromEnv()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	auditFile, err := setupAuditOutput(cfg.App.AuditLogPath)
	if err != nil {
		log.Fatalf("初始化订单审计日志失败: %v", err)
	}
	if auditFile != nil {
		defer auditFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，配置=%s）", cfg.App.Env, cfgPath)

	app, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	if err := app.Run(ctx); err != nil {
		log.Fatalf("运行失败: %v", err)
	}
	logger.Infof("neotrader stopped")
}

func newRotator(path string) (*lumberjack.Logger, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &lumberjack.Logger{
		Filename:   trimmed,
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     30,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

func setupLogOutput(path string) (*lumberjack.Logger, error) {
	rotator, err := newRotator(path)
	if err != nil || rotator == nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, rotator)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return rotator, nil
}

// setupAuditOutput 订单状态流转单独落盘，不混入主日志。
func setupAuditOutput(path string) (*lumberjack.Logger, error) {
	rotator, err := newRotator(path)
	if err != nil || rotator == nil {
		return nil, err
	}
	logger.SetAuditWriter(rotator)
	return rotator, nil
}
