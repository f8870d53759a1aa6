package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"gauge-cycler/internal/client"
	"gauge-cycler/internal/config"
	"gauge-cycler/internal/device"
	"gauge-cycler/internal/device/sim"
	"gauge-cycler/internal/gauge"
)

// 桥接诊断客户端: 登入、读取一次电量计状态，可选执行一条命令
func main() {
	addr := flag.String("addr", "127.0.0.1:9032", "桥接服务地址")
	user := flag.String("user", "bench", "用户名")
	pass := flag.String("pass", "", "密码")
	command := flag.String("exec", "", "要执行的命令名 (如 GAUGE_EN)")
	flag.Parse()

	logger := zap.NewNop()

	fmt.Println("启动诊断客户端...")
	bus, err := client.Dial(config.DeviceConfig{
		Address:        *addr,
		Username:       *user,
		Password:       *pass,
		DialTimeout:    5 * time.Second,
		RequestTimeout: 2 * time.Second,
	}, logger)
	if err != nil {
		fmt.Printf("连接桥接服务失败: %v\n", err)
		os.Exit(1)
	}
	defer bus.Close()
	fmt.Printf("已连接到 %s\n", *addr)

	// ==========================================
	// 1. 心跳 & 在位检测
	// ==========================================
	if err := bus.Heartbeat(); err != nil {
		fmt.Printf("心跳失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf(">> 适配板在位: %v\n", bus.Present())

	// ==========================================
	// 2. 识别 & 读取状态
	// ==========================================
	sch, err := sim.Catalog(logger)
	if err != nil {
		panic(err)
	}
	session, err := gauge.New(logger, device.NewBoard(bus), sch, gauge.DefaultConfig())
	if err != nil {
		panic(err)
	}

	id, err := session.Identify()
	if err != nil {
		fmt.Printf("识别不完整: %v\n", err)
	}
	fmt.Printf(">> 器件: %s  编号: %s  固件: %s (build %s)  化学 ID: %s\n",
		id.DeviceName, id.DeviceNumber, id.FWVersion, id.FWBuild, id.ChemID)

	snap := session.Refresh()
	if snap.Err != nil {
		fmt.Printf("读取失败: %v (code %d)\n", snap.Err, device.CodeOf(snap.Err))
		os.Exit(1)
	}
	fmt.Printf(">> 电压 %d mV  电流 %d mA  温度 %.1f C  LStatus %#x\n",
		snap.Voltage, snap.Current, snap.Temperature, snap.LStatus)
	for _, f := range []gauge.Flag{gauge.FlagVOK, gauge.FlagRDIS, gauge.FlagQEN, gauge.FlagFC,
		gauge.FlagGaugeEnabled, gauge.FlagFETEnabled, gauge.FlagChargeFET, gauge.FlagDischargeFET} {
		fmt.Printf("   %-8s %v\n", f, snap.Flag(f))
	}

	if cells, err := session.CellCount(); err == nil {
		tv, _ := session.TermVoltage()
		taper, _ := session.TaperCurrent()
		fmt.Printf(">> 串数 %d  终止电压 %d mV  截止电流 %d mA\n", cells, tv, taper)
	}

	// ==========================================
	// 3. 可选命令
	// ==========================================
	if *command != "" {
		result, err := session.ExecuteCommand(*command)
		if err != nil {
			fmt.Printf("命令 %s 执行失败: %v\n", *command, err)
			os.Exit(1)
		}
		fmt.Printf(">> 命令 %s 已执行 %s\n", *command, result)
	}

	fmt.Println("诊断完成，关闭连接")
}
