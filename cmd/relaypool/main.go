package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"relaypool/internal/app"
	"relaypool/internal/shared/config"
	"relaypool/internal/shared/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "relaypool.ini")

	// 1. 加载并校验 .ini 配置
	cfg, err := config.Load(iniPath)
	if err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. sources.json 相对于配置目录
	sourcesPath := cfg.SourcesConf.File
	if !filepath.IsAbs(sourcesPath) {
		sourcesPath = filepath.Join(*configDir, sourcesPath)
	}

	// 3. 创建并运行
	appServer, err := app.New(cfg, sourcesPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize relay pool")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := appServer.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Relay pool failed to start")
	}
	if err := appServer.Stop(shutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("Shutdown finished with errors")
		os.Exit(1)
	}
}
