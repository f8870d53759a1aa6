package gauge

// Flag 电量计状态标志，按 (寄存器名, 位名) 定位
type Flag int

const (
	FlagVOK Flag = iota
	FlagREST
	FlagRDIS
	FlagQMAX
	FlagQEN
	FlagFC
	FlagGaugeEnabled
	FlagFETEnabled
	FlagChargeFET
	FlagDischargeFET

	flagCount
)

type flagRef struct {
	register string
	bit      string
}

var flagRefs = [flagCount]flagRef{
	FlagVOK:          {"IT Status", "VOK"},
	FlagREST:         {"IT Status", "REST"},
	FlagRDIS:         {"IT Status", "RDIS"},
	FlagQMAX:         {"IT Status", "QMAX"},
	FlagQEN:          {"IT Status", "QEN"},
	FlagFC:           {"Battery Status", "FC"},
	FlagGaugeEnabled: {"Manufacturing Status", "GAUGE_EN"},
	FlagFETEnabled:   {"Manufacturing Status", "FET_EN"},
	FlagChargeFET:    {"Operation Status A", "CHG"},
	FlagDischargeFET: {"Operation Status A", "DSG"},
}

func (f Flag) String() string {
	if f < 0 || f >= flagCount {
		return "unknown"
	}
	return flagRefs[f].bit
}

// 周期读取的寄存器，按顺序串行读取
var cyclicRegisters = []string{
	"Voltage",
	"Temperature",
	"Current",
	"LStatus",
	"IT Status",
	"Manufacturer Name",
	"Battery Status",
	"Manufacturing Status",
	"Operation Status A",
}

// 数据闪存便捷字段
const (
	DFCellConfiguration   = "Cell Configuration"
	DFTermVoltage         = "Term Voltage"
	DFTaperCurrent        = "Charge Term Taper Current"
	DFDsgCurrentThreshold = "Dsg Current Threshold"
	DFChgCurrentThreshold = "Chg Current Threshold"
)

// 命令名称
const (
	CmdDeviceNumber = "DEVICE_NUMBER"
	CmdHWVersion    = "HW_VERSION"
	CmdFWVersion    = "FW_VERSION"
	CmdFWBuild      = "FW_BUILD"
	CmdChemID       = "CHEM_ID"
	CmdChgFETToggle = "CHG_FET_TOGGLE"
	CmdDsgFETToggle = "DSG_FET_TOGGLE"
	CmdFETEnable    = "FET_EN"
	CmdGaugeEnable  = "GAUGE_EN"
	CmdReset        = "RESET"
)

var identificationCommands = []string{CmdDeviceNumber, CmdHWVersion, CmdFWVersion, CmdFWBuild, CmdChemID}
