package sim

import (
	"embed"
	"fmt"

	"go.uber.org/zap"

	"gauge-cycler/internal/schema"
)

//go:embed catalog
var catalogFS embed.FS

// Catalog 解析内置的参考器件目录 (寄存器、命令、数据闪存)
func Catalog(logger *zap.Logger) (*schema.Schema, error) {
	regs, err := catalogFS.Open("catalog/default.sbsx")
	if err != nil {
		return nil, fmt.Errorf("open catalog registers: %w", err)
	}
	defer regs.Close()

	cmds, err := catalogFS.Open("catalog/commands.xml")
	if err != nil {
		return nil, fmt.Errorf("open catalog commands: %w", err)
	}
	defer cmds.Close()

	df, err := catalogFS.Open("catalog/default.bcfgx")
	if err != nil {
		return nil, fmt.Errorf("open catalog dataflash: %w", err)
	}
	defer df.Close()

	return schema.NewLoader(logger).Parse(regs, cmds, df)
}
