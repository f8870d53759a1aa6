package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "log:\n  level: warn\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if cfg.Gauge.PollInterval != 500*time.Millisecond {
		t.Errorf("poll interval = %v", cfg.Gauge.PollInterval)
	}
	if cfg.Cycle.TickInterval != time.Second || cfg.Cycle.TaperCurrent != 100 {
		t.Errorf("cycle defaults = %+v", cfg.Cycle)
	}
	if cfg.Cycle.TermVoltage != 6000 || cfg.Cycle.ResetDelay != 4*time.Second {
		t.Errorf("cycle voltage/reset defaults = %+v", cfg.Cycle)
	}
	if cfg.Cycle.ChargeRelaxHours != 2 || cfg.Cycle.DischargeRelaxHours != 5 {
		t.Errorf("relax defaults = %v/%v", cfg.Cycle.ChargeRelaxHours, cfg.Cycle.DischargeRelaxHours)
	}
	if cfg.Device.Kind != "sim" || cfg.GPCLog.Dir != "GPC Results" {
		t.Errorf("device/gpc defaults = %+v %+v", cfg.Device, cfg.GPCLog)
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	t.Setenv("CYCLE_CELL_COUNT", "4")
	path := writeConfig(t, `
server:
  port: 7000
auth:
  users:
    - username: cycler
      password: secret
message_queue:
  enabled: true
  type: kafka
  kafka:
    brokers: ["k1:9092", "k2:9092"]
cycle:
  type: learning
  cell_count: 3
  command_delay: 2s
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7000 || len(cfg.Auth.Users) != 1 || cfg.Auth.Users[0].Username != "cycler" {
		t.Errorf("server/auth = %+v %+v", cfg.Server, cfg.Auth)
	}
	if !cfg.MessageQueue.Enabled || len(cfg.MessageQueue.Kafka.Brokers) != 2 {
		t.Errorf("message queue = %+v", cfg.MessageQueue)
	}
	if cfg.Cycle.Type != "learning" || cfg.Cycle.CommandDelay != 2*time.Second {
		t.Errorf("cycle = %+v", cfg.Cycle)
	}
	if cfg.Cycle.CellCount != 4 {
		t.Errorf("env override ignored: cell_count = %d", cfg.Cycle.CellCount)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
