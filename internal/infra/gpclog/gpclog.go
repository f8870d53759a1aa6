package gpclog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	ConfigFile = "config.txt"
	DataFile   = "roomtemp_rel_dis_rel.csv"
)

var header = []string{"ElapsedTime", "Voltage", "AvgCurrent", "Temperature"}

// Log GPC 数据日志: 配置文件 (仅在不存在时写入) 与每次运行重建的 CSV
type Log struct {
	logger *zap.Logger

	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// Create 在 dir 下准备 GPC 结果文件
func Create(dir string, cellCount int, logger *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("gpclog: create dir: %w", err)
	}

	cfgPath := filepath.Join(dir, ConfigFile)
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := writeConfig(cfgPath, cellCount); err != nil {
			return nil, err
		}
	}

	dataPath := filepath.Join(dir, DataFile)
	f, err := os.Create(dataPath)
	if err != nil {
		return nil, fmt.Errorf("gpclog: create data file: %w", err)
	}
	l := &Log{logger: logger, file: f, w: csv.NewWriter(f)}
	if err := l.write(header); err != nil {
		f.Close()
		return nil, err
	}

	logger.Info("GPC log created", zap.String("path", dataPath), zap.Int("cells", cellCount))
	return l, nil
}

func writeConfig(path string, cellCount int) error {
	content := fmt.Sprintf("ProcessingType=2\nNumCellSeries=%d\nElapsedTimeColumn=0\nVoltageColumn=1\nCurrentColumn=2\nTemperatureColumn=3\n", cellCount)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("gpclog: write config: %w", err)
	}
	return nil
}

// Record 追加一行，elapsed 与温度保留一位小数，与区域设置无关
func (l *Log) Record(elapsed time.Duration, voltage, current int, temperature float64) error {
	return l.write([]string{
		strconv.FormatFloat(elapsed.Seconds(), 'f', 1, 64),
		strconv.Itoa(voltage),
		strconv.Itoa(current),
		strconv.FormatFloat(temperature, 'f', 1, 64),
	})
}

func (l *Log) write(record []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return os.ErrClosed
	}
	if err := l.w.Write(record); err != nil {
		return fmt.Errorf("gpclog: write: %w", err)
	}
	l.w.Flush()
	return l.w.Error()
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	l.w.Flush()
	name := l.file.Name()
	err := l.file.Close()
	l.file = nil
	l.logger.Info("GPC log closed", zap.String("path", name), zap.Error(err))
	return err
}
