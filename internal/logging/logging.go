package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"gauge-cycler/internal/config"
)

// New 构建写入滚动日志文件的 JSON logger
func New(cfg config.LogConfig) *zap.Logger {
	writeSyncer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize, // megabytes
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge, // days
		Compress:   cfg.Compress,
	})
	return zap.New(NewCore(cfg.Level, writeSyncer), zap.AddCaller())
}

// NewCore ISO8601 时间、大写级别；无法解析的级别按 Debug 处理
func NewCore(level string, ws zapcore.WriteSyncer) zapcore.Core {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zap.DebugLevel
	}
	return zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		ws,
		zap.NewAtomicLevelAt(lvl),
	)
}
