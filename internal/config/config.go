// Package config 负责加载、覆盖和校验 agent 配置
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BurstGlobal = "global"
	BurstPerKey = "per_key"
)

// Config 完整配置
type Config struct {
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Detection   DetectionConfig   `yaml:"detection"`
	Model       ModelConfig       `yaml:"model"`
	ThreatIntel ThreatIntelConfig `yaml:"threat_intelligence"`
	Response    ResponseConfig    `yaml:"response"`
	System      SystemConfig      `yaml:"system"`
	API         APIConfig         `yaml:"api"`
}

type MonitoringConfig struct {
	Paths              []string      `yaml:"paths" validate:"dive,required"`
	WatchRemovable     bool          `yaml:"watch_removable"`
	CollectionInterval time.Duration `yaml:"collection_interval" validate:"gt=0"`
	EventBuffer        int           `yaml:"event_buffer" validate:"gt=0"`
	ProcRoot           string        `yaml:"proc_root" validate:"required"`
	SysRoot            string        `yaml:"sys_root" validate:"required"`
}

type DetectionConfig struct {
	RetentionWindow      time.Duration `yaml:"retention_window" validate:"gt=0"`
	BurstThreshold       int           `yaml:"burst_threshold" validate:"gte=1"`
	BurstScope           string        `yaml:"burst_scope" validate:"oneof=global per_key"`
	SuspiciousExtensions []string      `yaml:"suspicious_extensions" validate:"dive,startswith=."`
	MinAlertLevel        string        `yaml:"min_alert_level" validate:"oneof=info warning critical"`
	ContentScanBytes     int64         `yaml:"content_scan_bytes" validate:"gt=0"`
	HashCacheSize        int           `yaml:"hash_cache_size" validate:"gt=0"`
}

type ModelConfig struct {
	Type             string  `yaml:"type" validate:"oneof=isolation_forest zscore"`
	Path             string  `yaml:"path" validate:"required"`
	TrainingDataPath string  `yaml:"training_data_path"`
	AutoTrain        bool    `yaml:"auto_train"`
	Trees            int     `yaml:"trees" validate:"gt=0"`
	SampleSize       int     `yaml:"sample_size" validate:"gt=1"`
	Contamination    float64 `yaml:"contamination" validate:"gt=0,lte=0.5"`
	Seed             int64   `yaml:"seed"`
	ZThreshold       float64 `yaml:"z_threshold" validate:"gt=0"`
}

type ThreatIntelConfig struct {
	Enabled        bool          `yaml:"enabled"`
	FeedsConfig    string        `yaml:"feeds_config"`
	IndicatorsPath string        `yaml:"indicators_path" validate:"required"`
	UpdateInterval time.Duration `yaml:"update_interval" validate:"gt=0"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout" validate:"gt=0"`
	CheckPeers     bool          `yaml:"check_peers"`
}

type ResponseConfig struct {
	AlertMethods      []string      `yaml:"alert_methods" validate:"dive,oneof=console file email nats kafka"`
	AutoMitigation    bool          `yaml:"auto_mitigation"`
	MitigationActions []string      `yaml:"mitigation_actions" validate:"dive,oneof=isolate_file block_process block_network"`
	QuarantineDir     string        `yaml:"quarantine_dir" validate:"required"`
	BlocklistDB       string        `yaml:"blocklist_db" validate:"required"`
	FirewallBackend   string        `yaml:"firewall_backend" validate:"oneof=none iptables nftables"`
	QueueSize         int           `yaml:"queue_size" validate:"gt=0"`
	DedupTTL          time.Duration `yaml:"dedup_ttl" validate:"gte=0"`
	KillTimeout       time.Duration `yaml:"kill_timeout" validate:"gt=0"`
	NotifyTimeout     time.Duration `yaml:"notify_timeout" validate:"gt=0"`
	AlertHistory      int           `yaml:"alert_history" validate:"gt=0"`
	Email             EmailConfig   `yaml:"email"`
	NATS              NATSConfig    `yaml:"nats"`
	Kafka             KafkaConfig   `yaml:"kafka"`
}

type EmailConfig struct {
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port" validate:"gte=0,lte=65535"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to" validate:"dive,email"`
	UseTLS   bool     `yaml:"use_tls"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type SystemConfig struct {
	DataDir string     `yaml:"data_dir" validate:"required"`
	LogFile string     `yaml:"log_file"`
	Debug   bool       `yaml:"debug"`
	GPIO    GPIOConfig `yaml:"gpio"`
}

type GPIOConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SysfsRoot   string `yaml:"sysfs_root"`
	StatusPin   int    `yaml:"status_pin" validate:"gte=0"`
	AlertPin    int    `yaml:"alert_pin" validate:"gte=0"`
	ActivityPin int    `yaml:"activity_pin" validate:"gte=0"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" validate:"required_if=Enabled true"`
}

// Default 默认配置，所有选项都有默认值
func Default() *Config {
	return &Config{
		Monitoring: MonitoringConfig{
			Paths:              []string{"/home", "/var"},
			WatchRemovable:     true,
			CollectionInterval: 5 * time.Second,
			EventBuffer:        1024,
			ProcRoot:           "/proc",
			SysRoot:            "/sys",
		},
		Detection: DetectionConfig{
			RetentionWindow:      300 * time.Second,
			BurstThreshold:       10,
			BurstScope:           BurstGlobal,
			SuspiciousExtensions: []string{".encrypt", ".locked", ".crypted", ".crypto", ".crypt", ".enc"},
			MinAlertLevel:        "warning",
			ContentScanBytes:     64 * 1024,
			HashCacheSize:        4096,
		},
		Model: ModelConfig{
			Type:             "isolation_forest",
			Path:             "data/models/isolation_forest.json",
			TrainingDataPath: "data/models/training_data.json",
			AutoTrain:        true,
			Trees:            100,
			SampleSize:       256,
			Contamination:    0.1,
			Seed:             42,
			ZThreshold:       4,
		},
		ThreatIntel: ThreatIntelConfig{
			Enabled:        true,
			FeedsConfig:    "configs/ti_feeds.json",
			IndicatorsPath: "data/threat_intel/indicators.json",
			UpdateInterval: time.Hour,
			FetchTimeout:   30 * time.Second,
			CheckPeers:     true,
		},
		Response: ResponseConfig{
			AlertMethods:      []string{"console", "file"},
			AutoMitigation:    false,
			MitigationActions: []string{string(model.ActionIsolateFile), string(model.ActionBlockProcess)},
			QuarantineDir:     "data/quarantine",
			BlocklistDB:       "data/blocklist.db",
			FirewallBackend:   "none",
			QueueSize:         64,
			DedupTTL:          time.Minute,
			KillTimeout:       3 * time.Second,
			NotifyTimeout:     10 * time.Second,
			AlertHistory:      1000,
			Email:             EmailConfig{SMTPPort: 587, UseTLS: true},
			NATS:              NATSConfig{Subject: "ransomsentry.alerts"},
			Kafka:             KafkaConfig{Topic: "ransomsentry-alerts"},
		},
		System: SystemConfig{
			DataDir: "data",
			GPIO: GPIOConfig{
				SysfsRoot:   "/sys/class/gpio",
				StatusPin:   17,
				AlertPin:    27,
				ActivityPin: 22,
			},
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:5000",
		},
	}
}

// Load 加载 .env、YAML 文件 (可选) 和 RS_* 环境变量，最后校验
func Load(path string) (*Config, error) {
	// .env 不存在时忽略
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
			// 文件不存在时使用默认值
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides 环境变量优先于配置文件
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("RS_MONITOR_PATHS"); v != "" {
		c.Monitoring.Paths = splitList(v)
	}
	if v := os.Getenv("RS_DATA_DIR"); v != "" {
		c.System.DataDir = v
	}
	if v := os.Getenv("RS_LOG_FILE"); v != "" {
		c.System.LogFile = v
	}
	if v := os.Getenv("RS_MIN_ALERT_LEVEL"); v != "" {
		c.Detection.MinAlertLevel = strings.ToLower(v)
	}
	if v := os.Getenv("RS_BURST_SCOPE"); v != "" {
		c.Detection.BurstScope = v
	}
	if v := os.Getenv("RS_FIREWALL_BACKEND"); v != "" {
		c.Response.FirewallBackend = v
	}
	if v := os.Getenv("RS_API_LISTEN"); v != "" {
		c.API.Listen = v
	}
	if v := os.Getenv("RS_NATS_URL"); v != "" {
		c.Response.NATS.URL = v
	}
	if v := os.Getenv("RS_KAFKA_BROKERS"); v != "" {
		c.Response.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("RS_SMTP_PASSWORD"); v != "" {
		c.Response.Email.Password = v
	}

	boolVars := map[string]*bool{
		"RS_AUTO_MITIGATION": &c.Response.AutoMitigation,
		"RS_DEBUG":           &c.System.Debug,
		"RS_API_ENABLED":     &c.API.Enabled,
		"RS_GPIO_ENABLED":    &c.System.GPIO.Enabled,
	}
	for name, dst := range boolVars {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = b
	}

	if v := os.Getenv("RS_BURST_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RS_BURST_THRESHOLD: %w", err)
		}
		c.Detection.BurstThreshold = n
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var validate = validator.New()

// Validate 结构体标签校验 + 跨字段约束
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	methods := c.Response.AlertMethods
	if slices.Contains(methods, "email") {
		if c.Response.Email.SMTPHost == "" || len(c.Response.Email.To) == 0 {
			return fmt.Errorf("invalid config: email alerts need smtp_host and at least one recipient")
		}
	}
	if slices.Contains(methods, "nats") && c.Response.NATS.URL == "" {
		return fmt.Errorf("invalid config: nats alerts need response.nats.url")
	}
	if slices.Contains(methods, "kafka") && (len(c.Response.Kafka.Brokers) == 0 || c.Response.Kafka.Topic == "") {
		return fmt.Errorf("invalid config: kafka alerts need brokers and topic")
	}
	if c.Model.Contamination*float64(c.Model.SampleSize) < 1 && c.Model.Type == "isolation_forest" {
		// 样本过少时阈值分位数无意义
		return fmt.Errorf("invalid config: contamination %.3f too small for sample size %d", c.Model.Contamination, c.Model.SampleSize)
	}
	return nil
}

// MinLevel 最低告警级别
func (c *Config) MinLevel() model.AlertLevel {
	l, err := model.ParseAlertLevel(c.Detection.MinAlertLevel)
	if err != nil {
		return model.LevelWarning
	}
	return l
}

// ActionEnabled 判断缓解动作是否在启用列表中
func (c *Config) ActionEnabled(a model.ActionType) bool {
	return slices.Contains(c.Response.MitigationActions, string(a))
}

func (c *Config) AlertsDir() string  { return filepath.Join(c.System.DataDir, "alerts") }
func (c *Config) MetricsDir() string { return filepath.Join(c.System.DataDir, "metrics") }
