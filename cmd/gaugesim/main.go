package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"gauge-cycler/internal/config"
	"gauge-cycler/internal/device/sim"
	"gauge-cycler/internal/logging"
	"gauge-cycler/internal/schema"
	"gauge-cycler/internal/server"
	"gauge-cycler/internal/usecase/bridge"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 配置加载
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.Log)
	defer logger.Sync()

	// 2. 模拟电量计
	var sch *schema.Schema
	if cfg.Gauge.SchemaArchive != "" {
		sch, err = schema.NewLoader(logger).LoadFiles(cfg.Gauge.SchemaArchive, cfg.Gauge.DataflashSchema)
	} else {
		sch, err = sim.Catalog(logger)
	}
	if err != nil {
		logger.Fatal("Failed to load gauge schema", zap.Error(err))
	}
	gauge := sim.New(logger.Named("sim"), sch, sim.ConfigFrom(cfg.Sim))
	defer gauge.Close()

	// 3. 桥接处理器 & 会话管理
	sm := bridge.NewSessionManager(logger)
	auth := bridge.NewInMemoryAuthService(cfg.Auth)
	h := bridge.NewHandler(sm, auth, gauge, logger)

	// 4. 服务层
	srv := server.NewTCPServer(cfg, logger, h)

	// 5. 启动服务
	go func() {
		if err := srv.Start(context.Background()); err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// 优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...", zap.Int("sessions", sm.Count()))
	_ = srv.Stop(context.Background())
}
