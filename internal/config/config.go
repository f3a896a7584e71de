package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models appfleet.yml.
type Config struct {
	Fleet struct {
		Name string `yaml:"name"`
	} `yaml:"fleet"`
	Roots        []string               `yaml:"roots"`
	Manifest     string                 `yaml:"manifest"`
	Apps         map[string]AppOverride `yaml:"apps"`
	Environments map[string]Environment `yaml:"environments"`
	Runner       RunnerConfig           `yaml:"runner"`
	Dispatcher   DispatcherConfig       `yaml:"dispatcher"`
	Monitoring   MonitoringConfig       `yaml:"monitoring"`
	Webhooks     []WebhookConfig        `yaml:"webhooks"`
	Server       ServerConfig           `yaml:"server"`
}

type AppOverride struct {
	TestCommand string `yaml:"test_command"`
	HealthURL   string `yaml:"health_url"`
}

type Environment struct {
	PortStart int `yaml:"port_start"`
}

type RunnerConfig struct {
	TimeoutSeconds           int      `yaml:"timeout_seconds"`
	DependencyTimeoutSeconds int      `yaml:"dependency_timeout_seconds"`
	DependencyCommand        []string `yaml:"dependency_command"`
	OutputLimitBytes         int      `yaml:"output_limit_bytes"`
	DefaultTestCommand       string   `yaml:"default_test_command"`
}

func (r RunnerConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

func (r RunnerConfig) DependencyTimeout() time.Duration {
	return time.Duration(r.DependencyTimeoutSeconds) * time.Second
}

type DispatcherConfig struct {
	Workers             int `yaml:"workers"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	RetryCeiling        int `yaml:"retry_ceiling"`
	BackoffBaseSeconds  int `yaml:"backoff_base_seconds"`
	BackoffCapSeconds   int `yaml:"backoff_cap_seconds"`
	StalenessSeconds    int `yaml:"staleness_seconds"`
	TaskTimeoutSeconds  int `yaml:"task_timeout_seconds"`
}

func (d DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSeconds) * time.Second
}

func (d DispatcherConfig) BackoffBase() time.Duration {
	return time.Duration(d.BackoffBaseSeconds) * time.Second
}

func (d DispatcherConfig) BackoffCap() time.Duration {
	return time.Duration(d.BackoffCapSeconds) * time.Second
}

func (d DispatcherConfig) Staleness() time.Duration {
	return time.Duration(d.StalenessSeconds) * time.Second
}

func (d DispatcherConfig) TaskTimeout() time.Duration {
	return time.Duration(d.TaskTimeoutSeconds) * time.Second
}

type MonitoringConfig struct {
	IntervalSeconds     int      `yaml:"interval_seconds"`
	ProbeTimeoutSeconds int      `yaml:"probe_timeout_seconds"`
	FailureThreshold    int      `yaml:"failure_threshold"`
	Targets             []Target `yaml:"targets"`
}

func (m MonitoringConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

func (m MonitoringConfig) ProbeTimeout() time.Duration {
	return time.Duration(m.ProbeTimeoutSeconds) * time.Second
}

type Target struct {
	App         string `yaml:"app"`
	URL         string `yaml:"url"`
	Environment string `yaml:"environment"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type ServerConfig struct {
	Addr           string `yaml:"addr"`
	JWTSecret      string `yaml:"jwt_secret"`
	AllowAnonymous bool   `yaml:"allow_anonymous"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Roots) == 0 {
		return fmt.Errorf("config.roots must list at least one scan root")
	}
	for i, root := range c.Roots {
		if root == "" {
			return fmt.Errorf("config.roots[%d] is empty", i)
		}
	}
	if c.Manifest == "" {
		return fmt.Errorf("config.manifest is required")
	}
	if c.Dispatcher.Workers < 1 {
		return fmt.Errorf("config.dispatcher.workers must be >= 1")
	}
	if c.Dispatcher.RetryCeiling < 0 {
		return fmt.Errorf("config.dispatcher.retry_ceiling must be >= 0")
	}
	if c.Dispatcher.PollIntervalSeconds < 1 {
		return fmt.Errorf("config.dispatcher.poll_interval_seconds must be >= 1")
	}
	if c.Dispatcher.StalenessSeconds < 1 {
		return fmt.Errorf("config.dispatcher.staleness_seconds must be >= 1")
	}
	if c.Dispatcher.BackoffBaseSeconds < 1 {
		return fmt.Errorf("config.dispatcher.backoff_base_seconds must be >= 1")
	}
	if c.Dispatcher.BackoffCapSeconds < c.Dispatcher.BackoffBaseSeconds {
		return fmt.Errorf("config.dispatcher.backoff_cap_seconds must be >= backoff_base_seconds")
	}
	if c.Runner.TimeoutSeconds < 1 {
		return fmt.Errorf("config.runner.timeout_seconds must be >= 1")
	}
	if c.Runner.DependencyTimeoutSeconds < 1 {
		return fmt.Errorf("config.runner.dependency_timeout_seconds must be >= 1")
	}
	if c.Runner.OutputLimitBytes < 256 {
		return fmt.Errorf("config.runner.output_limit_bytes must be >= 256")
	}
	if c.Monitoring.IntervalSeconds < 1 {
		return fmt.Errorf("config.monitoring.interval_seconds must be >= 1")
	}
	if c.Monitoring.ProbeTimeoutSeconds < 1 {
		return fmt.Errorf("config.monitoring.probe_timeout_seconds must be >= 1")
	}
	if c.Monitoring.FailureThreshold < 1 {
		return fmt.Errorf("config.monitoring.failure_threshold must be >= 1")
	}
	for i, t := range c.Monitoring.Targets {
		if t.App == "" {
			return fmt.Errorf("config.monitoring.targets[%d].app is required", i)
		}
		if t.URL == "" {
			return fmt.Errorf("config.monitoring.targets[%d].url is required", i)
		}
	}
	for name, env := range c.Environments {
		if env.PortStart < 1 || env.PortStart > 65535 {
			return fmt.Errorf("environment %s port_start out of range", name)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "appfleet.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run af initialize first or pass --config-file", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Defaults fill
// any section the file leaves out.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.Fleet.Name = "appfleet"
	cfg.Roots = []string{"apps"}
	cfg.Manifest = "requirements.txt"
	cfg.Environments = map[string]Environment{
		"production":  {PortStart: 8000},
		"staging":     {PortStart: 9000},
		"development": {PortStart: 10000},
	}
	cfg.Runner = RunnerConfig{
		TimeoutSeconds:           300,
		DependencyTimeoutSeconds: 60,
		DependencyCommand:        []string{"pip", "install", "--dry-run", "--quiet", "-r", "requirements.txt"},
		OutputLimitBytes:         8192,
		DefaultTestCommand:       "pytest -q",
	}
	cfg.Dispatcher = DispatcherConfig{
		Workers:             4,
		PollIntervalSeconds: 2,
		RetryCeiling:        3,
		BackoffBaseSeconds:  5,
		BackoffCapSeconds:   300,
		StalenessSeconds:    600,
		TaskTimeoutSeconds:  360,
	}
	cfg.Monitoring = MonitoringConfig{
		IntervalSeconds:     30,
		ProbeTimeoutSeconds: 10,
		FailureThreshold:    3,
	}
	cfg.Server = ServerConfig{Addr: ":8484"}
	return &cfg
}

// GenerateDefault returns default config YAML for af initialize.
func GenerateDefault(fleetName string) string {
	return fmt.Sprintf(defaultTemplate, fleetName)
}

const defaultTemplate = `fleet:
  name: %s

roots: [apps]
manifest: requirements.txt

environments:
  production:
    port_start: 8000
  staging:
    port_start: 9000
  development:
    port_start: 10000

runner:
  timeout_seconds: 300
  dependency_timeout_seconds: 60
  dependency_command: [pip, install, --dry-run, --quiet, -r, requirements.txt]
  output_limit_bytes: 8192
  default_test_command: "pytest -q"

dispatcher:
  workers: 4
  poll_interval_seconds: 2
  retry_ceiling: 3
  backoff_base_seconds: 5
  backoff_cap_seconds: 300
  staleness_seconds: 600
  task_timeout_seconds: 360

monitoring:
  interval_seconds: 30
  probe_timeout_seconds: 10
  failure_threshold: 3
  targets: []

webhooks: []

server:
  addr: ":8484"
  jwt_secret: ""
  allow_anonymous: false
`
