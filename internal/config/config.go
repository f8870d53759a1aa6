package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Auth         AuthConfig         `mapstructure:"auth"`
	MessageQueue MessageQueueConfig `mapstructure:"message_queue"`
	Device       DeviceConfig       `mapstructure:"device"`
	Gauge        GaugeConfig        `mapstructure:"gauge"`
	Cycle        CycleConfig        `mapstructure:"cycle"`
	GPCLog       GPCLogConfig       `mapstructure:"gpc_log"`
	Sim          SimConfig          `mapstructure:"sim"`
}

type MessageQueueConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Type     string         `mapstructure:"type"` // rabbitmq | kafka | both
	Workers  int            `mapstructure:"workers"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

type RabbitMQConfig struct {
	URL         string `mapstructure:"url"`
	VirtualHost string `mapstructure:"virtual_host"`
	Exchange    string `mapstructure:"exchange"`
	RoutingKey  string `mapstructure:"routing_key"`
	QueueName   string `mapstructure:"queue_name"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ServerConfig 桥接服务监听地址 (gaugesim)
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	Host              string        `mapstructure:"host"`
	Multicore         bool          `mapstructure:"multicore"`
	MaxPacketSize     int           `mapstructure:"max_packet_size"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

type AuthConfig struct {
	Users []UserConfig `mapstructure:"users"`
}

type UserConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// DeviceConfig 选择适配板实现: sim 为进程内模拟，bridge 为远程桥接
type DeviceConfig struct {
	Kind           string        `mapstructure:"kind"`
	Address        string        `mapstructure:"address"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type GaugeConfig struct {
	// 为空时使用内置参考目录
	SchemaArchive   string        `mapstructure:"schema_archive"`
	DataflashSchema string        `mapstructure:"dataflash_schema"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	TargetAddress   int           `mapstructure:"target_address"` // 0 表示使用目录中的地址
	MACCommand      int           `mapstructure:"mac_command"`
}

type CycleConfig struct {
	Type                string        `mapstructure:"type"` // learning | gpc
	Mode                string        `mapstructure:"mode"` // auto | manual
	CellCount           int           `mapstructure:"cell_count"`
	TermVoltage         int           `mapstructure:"term_voltage"` // 电池组终止电压 mV
	TaperCurrent        int           `mapstructure:"taper_current"`
	ChargeRelaxHours    float64       `mapstructure:"charge_relax_hours"`
	DischargeRelaxHours float64       `mapstructure:"discharge_relax_hours"`
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	SampleInterval      time.Duration `mapstructure:"sample_interval"`
	CommandDelay        time.Duration `mapstructure:"command_delay"`
	ResetDelay          time.Duration `mapstructure:"reset_delay"`
	LoadStartDelay      time.Duration `mapstructure:"load_start_delay"`
	LoadPulse           time.Duration `mapstructure:"load_pulse"`
}

type GPCLogConfig struct {
	Dir string `mapstructure:"dir"`
}

// SimConfig 模拟电量计参数
type SimConfig struct {
	Speed            float64       `mapstructure:"speed"`
	CapacityMAh      float64       `mapstructure:"capacity_mah"`
	ChargeCurrent    float64       `mapstructure:"charge_current"`
	DischargeCurrent float64       `mapstructure:"discharge_current"`
	InitialSOC       float64       `mapstructure:"initial_soc"`
	RestPeriod       time.Duration `mapstructure:"rest_period"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9032)
	v.SetDefault("server.multicore", true)
	v.SetDefault("server.max_packet_size", 4096)
	v.SetDefault("server.heartbeat_timeout", "90s")
	v.SetDefault("server.heartbeat_interval", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.filename", "logs/gauge-cycler.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)

	v.SetDefault("message_queue.enabled", false)
	v.SetDefault("message_queue.type", "rabbitmq")
	v.SetDefault("message_queue.workers", 4)
	v.SetDefault("message_queue.kafka.topic", "gauge_telemetry")

	v.SetDefault("device.kind", "sim")
	v.SetDefault("device.address", "127.0.0.1:9032")
	v.SetDefault("device.dial_timeout", "5s")
	v.SetDefault("device.request_timeout", "2s")

	v.SetDefault("gauge.poll_interval", "500ms")

	v.SetDefault("cycle.type", "gpc")
	v.SetDefault("cycle.mode", "auto")
	v.SetDefault("cycle.cell_count", 2)
	v.SetDefault("cycle.term_voltage", 6000)
	v.SetDefault("cycle.taper_current", 100)
	v.SetDefault("cycle.charge_relax_hours", 2)
	v.SetDefault("cycle.discharge_relax_hours", 5)
	v.SetDefault("cycle.tick_interval", "1s")
	v.SetDefault("cycle.sample_interval", "5s")
	v.SetDefault("cycle.command_delay", "1s")
	v.SetDefault("cycle.reset_delay", "4s")
	v.SetDefault("cycle.load_start_delay", "3s")
	v.SetDefault("cycle.load_pulse", "100ms")

	v.SetDefault("gpc_log.dir", "GPC Results")

	v.SetDefault("sim.speed", 1)
	v.SetDefault("sim.capacity_mah", 4400)
	v.SetDefault("sim.charge_current", 2000)
	v.SetDefault("sim.discharge_current", 2000)
	v.SetDefault("sim.initial_soc", 0.5)
	v.SetDefault("sim.rest_period", "30m")
}

// LoadConfig 读取 YAML 配置，环境变量覆盖 (server.port -> SERVER_PORT)
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
