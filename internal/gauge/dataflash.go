package gauge

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"gauge-cycler/internal/decoder"
)

// DataflashLoaded reports whether the full dataflash image has been read.
func (s *Session) DataflashLoaded() bool {
	s.dfMu.Lock()
	defer s.dfMu.Unlock()
	return s.dataflash != nil
}

// loadDataflashLocked 读取完整数据闪存镜像，调用方持有设备锁。
// 成功后在会话生命周期内不再重读。
func (s *Session) loadDataflashLocked() error {
	image, err := s.dev.ReadFullDataflash(s.target, s.mac)
	if err != nil {
		return fmt.Errorf("read dataflash: %w", err)
	}
	s.dfMu.Lock()
	s.dataflash = image
	s.dfMu.Unlock()
	s.logger.Info("Dataflash image loaded", zap.Int("bytes", len(image)))
	return nil
}

// DataflashValue 解码一个数据闪存字段，镜像尚未读取时先读取
func (s *Session) DataflashValue(name string) (decoder.Value, error) {
	f, err := s.schema.DataflashField(name)
	if err != nil {
		return decoder.Value{}, err
	}

	if !s.DataflashLoaded() {
		s.devMu.Lock()
		if !s.DataflashLoaded() {
			err = s.loadDataflashLocked()
		}
		s.devMu.Unlock()
		if err != nil {
			return decoder.Value{}, err
		}
	}

	s.dfMu.Lock()
	image := s.dataflash
	s.dfMu.Unlock()
	return s.decoder.Dataflash(s.schema, f, image)
}

func (s *Session) dataflashInt(name string) (int, error) {
	v, err := s.DataflashValue(name)
	if err != nil {
		return 0, err
	}
	return int(math.Round(v.Raw)), nil
}

// CellCount 电芯串数 (Cell Configuration)
func (s *Session) CellCount() (int, error) {
	return s.dataflashInt(DFCellConfiguration)
}

// TermVoltage 终止电压 mV
func (s *Session) TermVoltage() (int, error) {
	return s.dataflashInt(DFTermVoltage)
}

func (s *Session) TaperCurrent() (int, error) {
	return s.dataflashInt(DFTaperCurrent)
}

func (s *Session) DsgCurrentThreshold() (int, error) {
	return s.dataflashInt(DFDsgCurrentThreshold)
}

func (s *Session) ChgCurrentThreshold() (int, error) {
	return s.dataflashInt(DFChgCurrentThreshold)
}
