package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	MySQL       MySQLConfig       `yaml:"mysql"`
	Queue       QueueConfig       `yaml:"queue"`
	Session     SessionConfig     `yaml:"session"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Logger       LoggerConfig       `yaml:"logger"`
	Provisioner  ProvisionerConfig  `yaml:"provisioner"`
	Notification NotificationConfig `yaml:"notification"`
	Pools        []PoolConfig       `yaml:"pools"`
}

// NotificationConfig failure alert configuration
type NotificationConfig struct {
	FeishuWebhookURL string `yaml:"feishu_webhook_url"` // empty disables alerts
}

// ServerConfig server configuration
type ServerConfig struct {
	Port   int    `yaml:"port"`
	Mode   string `yaml:"mode"`    // debug, release
	APIKey string `yaml:"api_key"` // Bearer token for client authentication (empty disables auth)
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MySQLConfig MySQL configuration
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// QueueConfig scripted task queue configuration
type QueueConfig struct {
	Concurrency   int `yaml:"concurrency"`    // concurrent task runs
	RetentionDays int `yaml:"retention_days"` // completed task record retention
}

// SessionConfig replica session configuration
type SessionConfig struct {
	ProvisionTimeout int `yaml:"provision_timeout"` // Seconds to wait for a session to become ready
	IdleTimeout      int `yaml:"idle_timeout"`      // Seconds of inactivity before the idle reaper shuts a replica down
	HealthInterval   int `yaml:"health_interval"`   // Health sweep period (seconds)
	ActivityTTL      int `yaml:"activity_ttl"`      // Redis activity record TTL (seconds)
}

// ExecutorConfig step executor configuration
type ExecutorConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`    // Attempts per step before the run fails (default 3)
	BackoffBaseMS  int `yaml:"backoff_base_ms"` // First retry delay (milliseconds)
	StepTimeout    int `yaml:"step_timeout"`    // Default per-step deadline (seconds)
	TaskTimeout    int `yaml:"task_timeout"`    // Default overall run deadline (seconds)
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path string `yaml:"path"`
}

// ProvisionerConfig session driver configuration
type ProvisionerConfig struct {
	Driver      string `yaml:"driver"`       // local, k8s
	Namespace   string `yaml:"namespace"`    // K8s namespace (k8s driver)
	PodTemplate string `yaml:"pod_template"` // Path to the session pod template YAML (k8s driver)
	AgentPort   int    `yaml:"agent_port"`   // Port the in-session agent listens on (k8s driver)
}

// PoolConfig one replica pool and its hosts
type PoolConfig struct {
	Name     string       `yaml:"name"`
	Affinity string       `yaml:"affinity"` // Hardware affinity tag, informational
	Weight   int          `yaml:"weight"`   // Gateway routing weight (default 1)
	Hosts    []HostConfig `yaml:"hosts"`
}

// HostConfig capacity ceiling of one host
type HostConfig struct {
	Name     string `yaml:"name"`
	MemoryMB int    `yaml:"memory_mb"`
	VCPU     int    `yaml:"vcpu"`
}

// Default values applied when the file leaves a field unset or invalid.
const (
	DefaultServerPort         = 8080
	DefaultHostMemoryMB       = 8192
	DefaultHostVCPU           = 8
	DefaultQueueConcurrency   = 4
	DefaultRetentionDays      = 7
	DefaultProvisionTimeout   = 60
	DefaultIdleTimeout        = 600
	DefaultHealthInterval     = 15
	DefaultActivityTTL        = 120
	DefaultMaxAttempts        = 3
	DefaultBackoffBaseMS      = 500
	DefaultStepTimeout        = 30
	DefaultTaskTimeout        = 600
	DefaultPoolWeight         = 1
	DefaultAgentPort          = 8090
)

// validateAndApplyDefaults replaces unset or invalid values with defaults so
// a partial config file still yields an operational process.
func validateAndApplyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = DefaultServerPort
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = DefaultQueueConcurrency
	}
	if cfg.Queue.RetentionDays <= 0 {
		cfg.Queue.RetentionDays = DefaultRetentionDays
	}
	if cfg.Session.ProvisionTimeout <= 0 {
		cfg.Session.ProvisionTimeout = DefaultProvisionTimeout
	}
	if cfg.Session.IdleTimeout <= 0 {
		cfg.Session.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Session.HealthInterval <= 0 {
		cfg.Session.HealthInterval = DefaultHealthInterval
	}
	if cfg.Session.ActivityTTL <= 0 {
		cfg.Session.ActivityTTL = DefaultActivityTTL
	}
	if cfg.Executor.MaxAttempts <= 0 {
		cfg.Executor.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Executor.BackoffBaseMS <= 0 {
		cfg.Executor.BackoffBaseMS = DefaultBackoffBaseMS
	}
	if cfg.Executor.StepTimeout <= 0 {
		cfg.Executor.StepTimeout = DefaultStepTimeout
	}
	if cfg.Executor.TaskTimeout <= 0 {
		cfg.Executor.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.Provisioner.Driver == "" {
		cfg.Provisioner.Driver = "local"
	}
	if cfg.Provisioner.AgentPort <= 0 {
		cfg.Provisioner.AgentPort = DefaultAgentPort
	}
	// A single local pool keeps a bare config file runnable.
	if len(cfg.Pools) == 0 {
		cfg.Pools = []PoolConfig{{
			Name:  "default",
			Hosts: []HostConfig{{Name: "local", MemoryMB: DefaultHostMemoryMB, VCPU: DefaultHostVCPU}},
		}}
	}
	for i := range cfg.Pools {
		if cfg.Pools[i].Weight <= 0 {
			cfg.Pools[i].Weight = DefaultPoolWeight
		}
	}
}

// Init initializes configuration
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}

	validateAndApplyDefaults(&cfg)

	GlobalConfig = &cfg
	return nil
}
