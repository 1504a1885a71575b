package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/branchline/branchline/pkg/policy"
	"github.com/branchline/branchline/pkg/types"
)

// TransportMode selects the messaging transport implementation.
type TransportMode string

const (
	TransportMQTT   TransportMode = "mqtt"
	TransportMemory TransportMode = "memory"
)

// Config is the full fleet configuration, loaded once at startup.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	Log       LogConfig       `yaml:"log"`
	Transport TransportConfig `yaml:"transport"`
	Defaults  Defaults        `yaml:"defaults"`

	Branches []*types.BranchConfig `yaml:"branches"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// TransportConfig configures the external messaging client.
type TransportConfig struct {
	Mode           TransportMode `yaml:"mode"`
	BrokerURL      string        `yaml:"broker_url"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
}

// Defaults apply to every branch unless the branch overrides them.
type Defaults struct {
	HealthInterval       time.Duration `yaml:"health_interval"`
	HealthTimeout        time.Duration `yaml:"health_timeout"`
	LivenessThreshold    time.Duration `yaml:"liveness_threshold"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ExhaustedCooldown    time.Duration `yaml:"exhausted_cooldown"`
	FailoverCooldown     time.Duration `yaml:"failover_cooldown"`
	FailoverAttempts     int           `yaml:"failover_attempts"`
	BackupRing           int           `yaml:"backup_ring"`
	HealthHistoryWindow  int           `yaml:"health_history_window"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
}

// Load reads, defaults and validates a fleet configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields, including per-branch health tuning.
func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "./branchline-data"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Transport.Mode == "" {
		c.Transport.Mode = TransportMQTT
	}

	d := &c.Defaults
	if d.HealthInterval == 0 {
		d.HealthInterval = 30 * time.Second
	}
	if d.HealthTimeout == 0 {
		d.HealthTimeout = 10 * time.Second
	}
	if d.LivenessThreshold == 0 {
		d.LivenessThreshold = 5 * time.Minute
	}
	if d.MaxReconnectAttempts == 0 {
		d.MaxReconnectAttempts = 5
	}
	if d.ExhaustedCooldown == 0 {
		d.ExhaustedCooldown = policy.ExhaustedCooldown
	}
	if d.FailoverCooldown == 0 {
		d.FailoverCooldown = 60 * time.Second
	}
	if d.FailoverAttempts == 0 {
		d.FailoverAttempts = 3
	}
	if d.BackupRing == 0 {
		d.BackupRing = 10
	}
	if d.HealthHistoryWindow == 0 {
		d.HealthHistoryWindow = 50
	}
	if d.HeartbeatInterval == 0 {
		d.HeartbeatInterval = 30 * time.Second
	}

	for _, branch := range c.Branches {
		if branch.MaxReconnectAttempts == 0 {
			branch.MaxReconnectAttempts = d.MaxReconnectAttempts
		}
		if branch.HealthCheck == nil {
			branch.HealthCheck = &types.HealthCheck{}
		}
		if branch.HealthCheck.Interval == 0 {
			branch.HealthCheck.Interval = d.HealthInterval
		}
		if branch.HealthCheck.Timeout == 0 {
			branch.HealthCheck.Timeout = d.HealthTimeout
		}
		if branch.HealthCheck.LivenessThreshold == 0 {
			branch.HealthCheck.LivenessThreshold = d.LivenessThreshold
		}
	}
}

// Validate rejects configurations the supervisor cannot run with.
func (c *Config) Validate() error {
	if len(c.Branches) == 0 {
		return fmt.Errorf("no branches configured")
	}

	seen := make(map[string]bool)
	for i, branch := range c.Branches {
		if branch.ID == "" {
			return fmt.Errorf("branch %d: id is required", i)
		}
		if seen[branch.ID] {
			return fmt.Errorf("duplicate branch id %q", branch.ID)
		}
		seen[branch.ID] = true

		if branch.HealthCheck.Interval <= 0 {
			return fmt.Errorf("branch %s: health interval must be positive", branch.ID)
		}
		if branch.MaxReconnectAttempts < 0 {
			return fmt.Errorf("branch %s: max_reconnect_attempts must not be negative", branch.ID)
		}
	}

	switch c.Transport.Mode {
	case TransportMQTT:
		if c.Transport.BrokerURL == "" {
			return fmt.Errorf("transport mode mqtt requires broker_url")
		}
	case TransportMemory:
	default:
		return fmt.Errorf("unknown transport mode %q", c.Transport.Mode)
	}

	return nil
}
