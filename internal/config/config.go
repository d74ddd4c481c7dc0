// Package config loads process settings from the environment and the queue
// list from VQ_QUEUE_CONFIG (inline JSON) or VQ_QUEUE_CONFIG_FILE.
//
// Call [Load] once at startup. Any error it returns is fatal.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/leo-guinan/loveops-world-model/internal/model"
)

const (
	RoleWorldModel = "world-model"
	RoleViews      = "views"
	RoleBoth       = "both"
)

const (
	defaultWorkers          = 1
	defaultBatchSize        = 1
	defaultMaxRetries       = 3
	defaultRetryBaseDelayMS = 1000
)

type Config struct {
	BasePath        string `env:"VQ_BASE_PATH"          envDefault:"/var/queues" json:"basePath"`
	QueueConfig     string `env:"VQ_QUEUE_CONFIG"       json:"-"`
	QueueConfigFile string `env:"VQ_QUEUE_CONFIG_FILE"  json:"queueConfigFile,omitempty"`
	Role            string `env:"VQ_PROCESSOR_ROLE"     envDefault:"world-model" json:"role"`

	PollInterval      time.Duration `env:"VQ_POLL_INTERVAL"      envDefault:"1s"  json:"pollInterval"`
	SchedulerInterval time.Duration `env:"VQ_SCHEDULER_INTERVAL" envDefault:"5s"  json:"schedulerInterval"`
	ReapInterval      time.Duration `env:"VQ_REAP_INTERVAL"      envDefault:"30s" json:"reapInterval"`

	// Admin HTTP server; empty disables it.
	HTTPAddr     string  `env:"VQ_HTTP_ADDR"     json:"httpAddr,omitempty"`
	EnqueueRate  float64 `env:"VQ_ENQUEUE_RATE"  envDefault:"50"  json:"enqueueRate"`
	EnqueueBurst int     `env:"VQ_ENQUEUE_BURST" envDefault:"100" json:"enqueueBurst"`

	MetricsPath string `env:"METRICS_PATH"    envDefault:"./metrics/last_deploy" json:"metricsPath"`
	EventDBPath string `env:"RHIZOME_DB_PATH" envDefault:"./loveops.db"          json:"eventDbPath"`
	NodeID      string `env:"RHIZOME_NODE_ID" envDefault:"loveops-node-1"        json:"nodeId"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info" json:"logLevel"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json" json:"logFormat"`

	Queues []QueueConfig `env:"-" json:"queues"`
}

// QueueFile is the JSON shape of VQ_QUEUE_CONFIG.
type QueueFile struct {
	BasePath string        `json:"basePath,omitempty"`
	Queues   []QueueConfig `json:"queues"`
}

type QueueConfig struct {
	Name             string `json:"name"`
	Path             string `json:"path,omitempty"`
	ProcessorRole    string `json:"processorRole"`
	Workers          int    `json:"workers,omitempty"`
	BatchSize        int    `json:"batchSize,omitempty"`
	TimeoutMS        int    `json:"timeoutMs,omitempty"`
	MaxRetries       *int   `json:"maxRetries,omitempty"`
	RetryBaseDelayMS *int   `json:"retryBaseDelayMs,omitempty"`
	// LeaseTimeoutMS enables the in-progress reaper; 0 leaves orphans alone.
	LeaseTimeoutMS int `json:"leaseTimeoutMs,omitempty"`
}

func (q QueueConfig) Timeout() time.Duration {
	return time.Duration(q.TimeoutMS) * time.Millisecond
}

func (q QueueConfig) LeaseTimeout() time.Duration {
	return time.Duration(q.LeaseTimeoutMS) * time.Millisecond
}

func (q QueueConfig) RetryPolicy() model.RetryPolicy {
	maxRetries := defaultMaxRetries
	if q.MaxRetries != nil {
		maxRetries = *q.MaxRetries
	}
	delay := defaultRetryBaseDelayMS
	if q.RetryBaseDelayMS != nil {
		delay = *q.RetryBaseDelayMS
	}
	return model.RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  time.Duration(delay) * time.Millisecond,
	}
}

// ConsumedBy reports whether a processor running as role owns this queue.
func (q QueueConfig) ConsumedBy(role string) bool {
	return q.ProcessorRole == role || q.ProcessorRole == RoleBoth
}

// Queue returns the named queue's configuration.
func (c *Config) Queue(name string) (QueueConfig, bool) {
	for _, q := range c.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueConfig{}, false
}

// IsDevelopment reports whether logs should be human readable.
func (c *Config) IsDevelopment() bool {
	return c.LogFormat == "text"
}

func intPtr(i int) *int { return &i }

// DefaultQueues is the queue set used when no queue config is supplied.
func DefaultQueues() []QueueConfig {
	return []QueueConfig{
		{
			Name:             "loveops-events-ingest",
			ProcessorRole:    RoleWorldModel,
			Workers:          2,
			BatchSize:        10,
			TimeoutMS:        30000,
			MaxRetries:       intPtr(3),
			RetryBaseDelayMS: intPtr(1000),
		},
		{
			Name:             "loveops-metrics",
			ProcessorRole:    RoleBoth,
			Workers:          1,
			BatchSize:        50,
			TimeoutMS:        10000,
			MaxRetries:       intPtr(1),
			RetryBaseDelayMS: intPtr(500),
		},
	}
}

// Load parses the environment and the queue list.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	file, err := cfg.queueFile()
	if err != nil {
		return nil, err
	}
	if file.BasePath != "" {
		cfg.BasePath = file.BasePath
	}
	cfg.Queues = file.Queues

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) queueFile() (*QueueFile, error) {
	var raw []byte
	switch {
	case c.QueueConfig != "":
		raw = []byte(c.QueueConfig)
	case c.QueueConfigFile != "":
		data, err := os.ReadFile(c.QueueConfigFile)
		if err != nil {
			return nil, fmt.Errorf("read queue config: %w", err)
		}
		raw = data
	default:
		return &QueueFile{Queues: DefaultQueues()}, nil
	}
	return ParseQueueFile(raw)
}

// ParseQueueFile decodes a queue list. Unknown fields are rejected so typos
// surface at startup instead of silently falling back to defaults.
func ParseQueueFile(data []byte) (*QueueFile, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var f QueueFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}
	return &f, nil
}

// UnmarshalJSON rejects an explicit workers or batchSize below 1 that
// defaults would otherwise paper over, and accepts the older key spellings
// processor, timeout, retries and retryDelay. The current spelling wins when
// both are present.
func (q *QueueConfig) UnmarshalJSON(data []byte) error {
	type plain QueueConfig
	var raw struct {
		plain
		Workers   *int `json:"workers"`
		BatchSize *int `json:"batchSize"`

		Processor  string `json:"processor"`
		Timeout    *int   `json:"timeout"`
		Retries    *int   `json:"retries"`
		RetryDelay *int   `json:"retryDelay"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	*q = QueueConfig(raw.plain)
	if raw.Workers != nil {
		if *raw.Workers < 1 {
			return fmt.Errorf("queue %q: workers must be >= 1", q.Name)
		}
		q.Workers = *raw.Workers
	}
	if raw.BatchSize != nil {
		if *raw.BatchSize < 1 {
			return fmt.Errorf("queue %q: batchSize must be >= 1", q.Name)
		}
		q.BatchSize = *raw.BatchSize
	}

	if q.ProcessorRole == "" {
		q.ProcessorRole = raw.Processor
	}
	if q.TimeoutMS == 0 && raw.Timeout != nil {
		q.TimeoutMS = *raw.Timeout
	}
	if q.MaxRetries == nil {
		q.MaxRetries = raw.Retries
	}
	if q.RetryBaseDelayMS == nil {
		q.RetryBaseDelayMS = raw.RetryDelay
	}
	return nil
}

// finalize applies defaults and validates every queue.
func (c *Config) finalize() error {
	if c.BasePath == "" {
		return errors.New("base path is empty")
	}
	switch c.Role {
	case RoleWorldModel, RoleViews, RoleBoth:
	default:
		return fmt.Errorf("unknown processor role %q", c.Role)
	}

	seen := make(map[string]bool, len(c.Queues))
	for i := range c.Queues {
		q := &c.Queues[i]
		applyDefaults(q, c.BasePath)
		if err := validate(*q); err != nil {
			return fmt.Errorf("queue %d (%q): %w", i, q.Name, err)
		}
		if seen[q.Name] {
			return fmt.Errorf("queue %q configured twice", q.Name)
		}
		seen[q.Name] = true
	}
	return nil
}

func applyDefaults(q *QueueConfig, basePath string) {
	if q.Path == "" {
		q.Path = filepath.Join(basePath, q.Name)
	}
	if q.Workers == 0 {
		q.Workers = defaultWorkers
	}
	if q.BatchSize == 0 {
		q.BatchSize = defaultBatchSize
	}
	if q.MaxRetries == nil {
		q.MaxRetries = intPtr(defaultMaxRetries)
	}
	if q.RetryBaseDelayMS == nil {
		q.RetryBaseDelayMS = intPtr(defaultRetryBaseDelayMS)
	}
}

func validate(q QueueConfig) error {
	if q.Name == "" {
		return errors.New("name is required")
	}
	if strings.ContainsAny(q.Name, `/\`) || q.Name == "." || q.Name == ".." {
		return errors.New("name must be a single path element")
	}
	switch q.ProcessorRole {
	case RoleWorldModel, RoleViews, RoleBoth:
	default:
		return fmt.Errorf("unknown processorRole %q", q.ProcessorRole)
	}
	if q.Workers < 1 {
		return errors.New("workers must be >= 1")
	}
	if q.BatchSize < 1 {
		return errors.New("batchSize must be >= 1")
	}
	if q.TimeoutMS < 0 || q.LeaseTimeoutMS < 0 || (q.RetryBaseDelayMS != nil && *q.RetryBaseDelayMS < 0) {
		return errors.New("durations must not be negative")
	}
	if q.MaxRetries != nil && *q.MaxRetries < 0 {
		return errors.New("maxRetries must be >= 0")
	}
	if q.LeaseTimeoutMS > 0 && q.TimeoutMS > 0 && q.LeaseTimeoutMS <= q.TimeoutMS {
		return errors.New("leaseTimeoutMs must exceed timeoutMs")
	}
	return nil
}

// SetQueueField changes one numeric setting of the named queue and
// revalidates it. Keys use the CLI spelling: workers, batch-size, timeout-ms,
// max-retries, retry-base-delay-ms, lease-timeout-ms.
func (c *Config) SetQueueField(name, key, value string) error {
	idx := -1
	for i := range c.Queues {
		if c.Queues[i].Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("unknown queue: %s", name)
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %s", key, value)
	}

	q := c.Queues[idx]
	switch key {
	case "workers":
		q.Workers = n
	case "batch-size":
		q.BatchSize = n
	case "timeout-ms":
		q.TimeoutMS = n
	case "max-retries":
		q.MaxRetries = intPtr(n)
	case "retry-base-delay-ms":
		q.RetryBaseDelayMS = intPtr(n)
	case "lease-timeout-ms":
		q.LeaseTimeoutMS = n
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	if err := validate(q); err != nil {
		return fmt.Errorf("queue %q: %w", name, err)
	}
	c.Queues[idx] = q
	return nil
}

// SaveQueueFile writes f as indented JSON to path.
func SaveQueueFile(path string, f *QueueFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}
