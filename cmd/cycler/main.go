package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gauge-cycler/internal/client"
	"gauge-cycler/internal/config"
	"gauge-cycler/internal/cycle"
	"gauge-cycler/internal/device"
	"gauge-cycler/internal/device/sim"
	"gauge-cycler/internal/gauge"
	"gauge-cycler/internal/infra/gpclog"
	"gauge-cycler/internal/infra/kafka"
	"gauge-cycler/internal/infra/mq"
	"gauge-cycler/internal/infra/rabbitmq"
	"gauge-cycler/internal/logging"
	"gauge-cycler/internal/schema"
	"gauge-cycler/internal/usecase"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 配置加载
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("Cycler exited with error", zap.Error(err))
		logger.Sync()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := cycleSettings(cfg.Cycle)
	if err != nil {
		return err
	}

	// 2. 器件目录与适配板
	sch := loadSchema(cfg.Gauge, logger)
	bus, err := openBus(cfg, sch, logger)
	if err != nil {
		return err
	}

	session, err := gauge.New(logger.Named("gauge"), device.NewBoard(bus), sch, gauge.Config{
		PollInterval:   cfg.Gauge.PollInterval,
		LoadStartDelay: cfg.Cycle.LoadStartDelay,
		LoadPulse:      cfg.Cycle.LoadPulse,
		TargetAddress:  uint8(cfg.Gauge.TargetAddress),
		MACCommand:     uint16(cfg.Gauge.MACCommand),
	})
	if err != nil {
		bus.Close()
		return err
	}
	session.Start(ctx)
	defer session.Close()

	// 3. 消息队列 & 分发器
	producer := newProducer(cfg.MessageQueue, logger)
	defer producer.Close()
	dispatcher := usecase.NewDataDispatcher(producer, cfg.MessageQueue.Workers, logger)
	dispatcher.Start()
	defer dispatcher.Stop()

	// 4. 准备器件并运行循环
	if err := cycle.Prepare(ctx, logger.Named("prepare"), session, settings); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}

	origin := usecase.NewOrigin(session.Identity().DeviceName)
	logger = logger.With(zap.String("run", origin.Run.String()))
	c := cycle.New(logger.Named("cycle"), session, cycle.Phases(settings),
		cycle.Config{Mode: settings.Mode, TickInterval: cfg.Cycle.TickInterval},
		cycle.WithObserver(usecase.PhaseReporter(logger, dispatcher, origin)))

	sampler := usecase.NewSampler(logger.Named("sampler"), session, dispatcher, origin, cfg.Cycle.SampleInterval).
		WithPhases(c)
	if settings.Type == cycle.TypeGPC {
		gpc, err := gpclog.Create(cfg.GPCLog.Dir, settings.CellCount, logger)
		if err != nil {
			return err
		}
		defer gpc.Close()
		sampler.AddRecorder(gpc)
	}

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start cycle: %w", err)
	}

	var wg sync.WaitGroup
	sampleCtx, stopSampling := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sampler.Run(sampleCtx)
	}()

	// 优雅停机: 先取消循环 (继电器断开)，再停止采样，最后释放器件
	select {
	case <-c.Done():
		logger.Info("Cycle completed")
	case <-ctx.Done():
		logger.Info("Shutting down...", zap.Int("phase", c.Cursor()), zap.Bool("halted", c.Halted()))
		c.Cancel()
	}
	stopSampling()
	wg.Wait()
	return nil
}

func cycleSettings(c config.CycleConfig) (cycle.Settings, error) {
	typ, err := cycle.ParseType(c.Type)
	if err != nil {
		return cycle.Settings{}, err
	}
	mode, err := cycle.ParseMode(c.Mode)
	if err != nil {
		return cycle.Settings{}, err
	}
	s := cycle.Settings{
		Type:           typ,
		Mode:           mode,
		CellCount:      c.CellCount,
		TermVoltage:    c.TermVoltage,
		TaperCurrent:   c.TaperCurrent,
		ChargeRelax:    hours(c.ChargeRelaxHours),
		DischargeRelax: hours(c.DischargeRelaxHours),
		CommandDelay:   c.CommandDelay,
		ResetDelay:     c.ResetDelay,
	}
	return s, s.Validate()
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// loadSchema 未配置器件包时使用内置参考目录。加载失败不退出:
// 使用空目录继续，轮询报告 "尚无数据"，准备阶段以 ErrNoSchema 失败。
func loadSchema(cfg config.GaugeConfig, logger *zap.Logger) *schema.Schema {
	var (
		sch *schema.Schema
		err error
	)
	if cfg.SchemaArchive == "" {
		sch, err = sim.Catalog(logger)
	} else {
		sch, err = schema.NewLoader(logger).LoadFiles(cfg.SchemaArchive, cfg.DataflashSchema)
	}
	if err != nil {
		logger.Error("Failed to load gauge schema, continuing with empty catalog",
			zap.String("archive", cfg.SchemaArchive), zap.Error(err))
		return schema.Empty()
	}
	return sch
}

func openBus(cfg *config.Config, sch *schema.Schema, logger *zap.Logger) (device.Bus, error) {
	switch cfg.Device.Kind {
	case "sim":
		logger.Info("Using simulated gauge")
		return sim.New(logger.Named("sim"), sch, sim.ConfigFrom(cfg.Sim)), nil
	case "bridge":
		return client.Dial(cfg.Device, logger.Named("bridge"))
	default:
		return nil, fmt.Errorf("unknown device kind %q", cfg.Device.Kind)
	}
}

// newProducer 按 message_queue.type 创建生产者，初始化失败时退化为 NoOp
func newProducer(cfg config.MessageQueueConfig, logger *zap.Logger) mq.Producer {
	if !cfg.Enabled {
		return mq.NewNoOpProducer()
	}

	var producers []mq.Producer
	var errs []error
	if cfg.Type == "rabbitmq" || cfg.Type == "both" {
		if p, err := rabbitmq.NewRabbitMQProducer(cfg.RabbitMQ, logger); err != nil {
			errs = append(errs, err)
		} else {
			producers = append(producers, p)
		}
	}
	if cfg.Type == "kafka" || cfg.Type == "both" {
		if p, err := kafka.NewKafkaProducer(cfg.Kafka, logger); err != nil {
			errs = append(errs, err)
		} else {
			producers = append(producers, p)
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Error("Failed to initialize message queue producer", zap.String("type", cfg.Type), zap.Error(err))
	}

	switch len(producers) {
	case 0:
		return mq.NewNoOpProducer()
	case 1:
		return producers[0]
	default:
		return mq.NewFanout(producers...)
	}
}
