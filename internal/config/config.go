package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taskpilot.yml.
type Config struct {
	Automation struct {
		// Events is the vocabulary rules may trigger on.
		Events          []string            `yaml:"events"`
		MonitoredFields map[string][]string `yaml:"monitored_fields"`
		MaxCascadeDepth int                 `yaml:"max_cascade_depth"`
		ActionTimeout   Duration            `yaml:"action_timeout"`
	} `yaml:"automation"`
	Queue struct {
		MaxAttempts   int      `yaml:"max_attempts"`
		LeaseTTL      Duration `yaml:"lease_ttl"`
		PollInterval  Duration `yaml:"poll_interval"`
		RetryBackoff  Duration `yaml:"retry_backoff"`
		RetryMaxDelay Duration `yaml:"retry_max_delay"`
		JobTimeout    Duration `yaml:"job_timeout"`
		Concurrency   int      `yaml:"concurrency"`
		BatchSize     int      `yaml:"batch_size"`
	} `yaml:"queue"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks struct {
		GitHubSecret string `yaml:"github_secret"`
	} `yaml:"webhooks"`
	Notifications struct {
		WebhookTimeout Duration `yaml:"webhook_timeout"`
		StreamInterval Duration `yaml:"stream_interval"`
	} `yaml:"notifications"`
	// Alerts forward activity events (abandoned jobs, halted cascades) to operators.
	Alerts []AlertHook `yaml:"alerts"`
}

type AlertHook struct {
	URL      string   `yaml:"url"`
	Events   []string `yaml:"events"`
	Secret   string   `yaml:"secret"`
	Timeout  Duration `yaml:"timeout"`
	Enabled  *bool    `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
}

// Active reports whether the hook should receive deliveries.
func (h AlertHook) Active() bool {
	return strings.TrimSpace(h.URL) != "" && (h.Enabled == nil || *h.Enabled)
}

// Duration is a time.Duration that reads "30s" style YAML scalars.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with taskpilot config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Automation.Events) == 0 {
		return fmt.Errorf("config.automation.events is required")
	}
	seen := map[string]bool{}
	for _, evt := range c.Automation.Events {
		if strings.TrimSpace(evt) == "" {
			return fmt.Errorf("config.automation.events contains an empty event name")
		}
		if seen[evt] {
			return fmt.Errorf("config.automation.events lists %s twice", evt)
		}
		seen[evt] = true
	}
	for entity, fields := range c.Automation.MonitoredFields {
		if entity == "" {
			return fmt.Errorf("config.automation.monitored_fields has empty entity")
		}
		for _, f := range fields {
			if f == "" {
				return fmt.Errorf("monitored field for %s is empty", entity)
			}
		}
	}
	if c.Automation.MaxCascadeDepth < 0 {
		return fmt.Errorf("config.automation.max_cascade_depth must be >= 0")
	}
	if c.Queue.MaxAttempts < 0 {
		return fmt.Errorf("config.queue.max_attempts must be >= 0")
	}
	if c.Queue.Concurrency < 0 {
		return fmt.Errorf("config.queue.concurrency must be >= 0")
	}
	if c.Queue.RetryMaxDelay > 0 && c.Queue.RetryBackoff > c.Queue.RetryMaxDelay {
		return fmt.Errorf("config.queue.retry_backoff must not exceed retry_max_delay")
	}
	for i, hook := range c.Alerts {
		u := strings.TrimSpace(hook.URL)
		if u == "" {
			return fmt.Errorf("config.alerts[%d].url is required", i)
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("config.alerts[%d].url must be http(s)", i)
		}
	}
	return nil
}

// KnownEvent reports whether name is in the automation event vocabulary.
func (c *Config) KnownEvent(name string) bool {
	for _, evt := range c.Automation.Events {
		if evt == name {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskpilot.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
// Unset numeric settings fall back to the defaults.
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

const defaultTemplate = `automation:
  events:
    - TASK_CREATED
    - TASK_STATUS_CHANGED
    - TASK_ASSIGNEE_ID_CHANGED
    - TASK_PRIORITY_CHANGED
    - GITHUB_PUSH
    - GITHUB_PULL_REQUEST_OPENED
    - GITHUB_PULL_REQUEST_MERGED
    - MANUAL_TRIGGER
  monitored_fields:
    task: [status, assigneeId, priority]
  max_cascade_depth: 5
  action_timeout: 10s

queue:
  max_attempts: 5
  lease_ttl: 2m
  poll_interval: 2s
  retry_backoff: 5s
  retry_max_delay: 5m
  job_timeout: 1m
  concurrency: 2
  batch_size: 10

server:
  addr: 127.0.0.1:8080
  base_path: /v1

webhooks:
  github_secret: ""

notifications:
  webhook_timeout: 5s
  stream_interval: 1s

alerts: []
`
