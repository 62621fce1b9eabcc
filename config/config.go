package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/nomis52/deltaetl/execlog"
	"github.com/nomis52/deltaetl/job"
	"github.com/nomis52/deltaetl/logging"
	"github.com/nomis52/deltaetl/queue"
	"github.com/nomis52/deltaetl/retry"
)

const (
	// Default state stores
	defaultLogStoreURL    = "mem://execution_log"
	defaultCheckpointsURL = "mem://checkpoints"
	defaultTokensURL      = "mem://callback_tokens"

	// Default catalog settings
	defaultCatalogEngine = "memory"

	// Default queue consumer settings
	defaultConcurrency  = 4
	defaultReceiveBatch = 10

	// Default timeouts
	defaultScanTimeout     = 6 * time.Hour
	defaultQueryTimeout    = 30 * time.Minute
	defaultQueryPoll       = 5 * time.Second
	defaultTokenPoll       = 2 * time.Second
	defaultShutdownTimeout = 30 * time.Second

	// Default monitoring settings
	defaultMetricsPrefix = "deltaetl"
	defaultJobName       = "deltaetl"

	// Default server settings
	defaultListen      = ":8080"
	defaultHistorySize = 100
)

// Catalog engines.
const (
	EngineMemory   = "memory"
	EnginePostgres = "postgres"
)

// Config represents the complete application configuration
type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Queues        QueuesConfig        `yaml:"queues"`
	LogStore      execlog.Config      `yaml:"logstore"`
	State         StateConfig         `yaml:"state"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Retry         RetryConfig         `yaml:"retry"`
	Timeouts      TimeoutsConfig      `yaml:"timeouts"`
	Scan          ScanConfig          `yaml:"scan"`
	Pipelines     []PipelineConfig    `yaml:"pipelines"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	Logging       logging.Config      `yaml:"logging"`
	Server        ServerConfig        `yaml:"server"`
}

// StorageConfig locates the object store.
type StorageConfig struct {
	// BucketURL is a gocloud blob URL, e.g. "s3://logs?region=eu-west-1" or "file:///data".
	BucketURL string `yaml:"bucket_url"`
	// LocationRoot is the default query location root of every pipeline.
	LocationRoot string `yaml:"location_root"`
}

// QueuesConfig holds the copy and merge queue pairs.
type QueuesConfig struct {
	Copy queue.Config `yaml:"copy"`
	// Merge is optional; merger pipelines need it.
	Merge        queue.Config `yaml:"merge"`
	Concurrency  int          `yaml:"concurrency"`
	ReceiveBatch int          `yaml:"receive_batch"`
}

// HasMerge reports whether a merge queue is configured.
func (q QueuesConfig) HasMerge() bool {
	return q.Merge.TopicURL != ""
}

// StateConfig locates the durable workflow state.
type StateConfig struct {
	CheckpointsURL string `yaml:"checkpoints_url"`
	TokensURL      string `yaml:"tokens_url"`
}

// CatalogConfig selects the query engine.
type CatalogConfig struct {
	Engine string `yaml:"engine"`
	DSN    string `yaml:"dsn"`
	// Database, Workgroup and OutputLocation are defaults for pipelines
	// that do not set their own.
	Database       string `yaml:"database"`
	Workgroup      string `yaml:"workgroup"`
	OutputLocation string `yaml:"output_location"`
}

// NotificationsConfig holds the failure topic. Empty disables notifications.
type NotificationsConfig struct {
	TopicURL string `yaml:"topic_url"`
}

// PolicyConfig is a retry policy as written in YAML.
type PolicyConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffRate float64       `yaml:"backoff_rate"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      string        `yaml:"jitter"`
}

// Policy converts to a retry.Policy.
func (p PolicyConfig) Policy() (retry.Policy, error) {
	jitter, err := retry.ParseJitter(p.Jitter)
	if err != nil {
		return retry.Policy{}, err
	}
	policy := retry.Policy{
		Interval:    p.Interval,
		MaxAttempts: p.MaxAttempts,
		BackoffRate: p.BackoffRate,
		MaxDelay:    p.MaxDelay,
		Jitter:      jitter,
	}
	return policy, policy.Validate()
}

func policyConfig(p retry.Policy) PolicyConfig {
	return PolicyConfig{
		Interval:    p.Interval,
		MaxAttempts: p.MaxAttempts,
		BackoffRate: p.BackoffRate,
		MaxDelay:    p.MaxDelay,
		Jitter:      p.Jitter.String(),
	}
}

// RetryConfig overrides the gateway retry policies.
type RetryConfig struct {
	LogWrite    *PolicyConfig `yaml:"log_write"`
	QuerySubmit *PolicyConfig `yaml:"query_submit"`
}

// TimeoutsConfig defines various timeout durations
type TimeoutsConfig struct {
	// Scan bounds the wait for all batches of one migration.
	Scan time.Duration `yaml:"scan"`
	// Query bounds one Query Workflow child execution.
	Query     time.Duration `yaml:"query"`
	QueryPoll time.Duration `yaml:"query_poll"`
	// TokenPoll is how often a waiting step re-reads its callback token.
	TokenPoll time.Duration `yaml:"token_poll"`
	Shutdown  time.Duration `yaml:"shutdown"`
}

// ScanConfig limits how listings are split into queue messages.
type ScanConfig struct {
	MaxRecords        int   `yaml:"max_records"`
	MaxObjectsPerTask int   `yaml:"max_objects_per_task"`
	MaxBytesPerTask   int64 `yaml:"max_bytes_per_task"`
}

// PipelineConfig is one configured pipeline.
type PipelineConfig struct {
	job.Descriptor `yaml:",inline"`
	// Schedule is a cron expression. Empty means the pipeline only runs on demand.
	Schedule string `yaml:"schedule"`
}

// MonitoringConfig holds metrics and monitoring settings
type MonitoringConfig struct {
	// RemoteWriteURL receives metrics pushed at the end of a CLI run.
	RemoteWriteURL string `yaml:"remote_write_url"`
	MetricsPrefix  string `yaml:"metrics_prefix"`
	JobName        string `yaml:"jobname"`
}

// ServerConfig configures the HTTP control plane.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// HistoryDir keeps finished execution summaries on disk. Empty keeps them in memory.
	HistoryDir  string `yaml:"history_dir"`
	HistorySize int    `yaml:"history_size"`
	// TLSCertFile and TLSKeyFile serve HTTPS when both are set. The pair is
	// re-read when either file changes.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
}

// TLS reports whether the server listens with TLS.
func (s ServerConfig) TLS() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

// Validate performs basic validation on the configuration
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.BucketURL == "" {
		errs = append(errs, errors.New("storage bucket_url is required"))
	}
	if err := validateQueue("copy", c.Queues.Copy); err != nil {
		errs = append(errs, err)
	}
	if c.Queues.HasMerge() {
		if err := validateQueue("merge", c.Queues.Merge); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Catalog.Engine {
	case EngineMemory:
	case EnginePostgres:
		if c.Catalog.DSN == "" {
			errs = append(errs, errors.New("catalog dsn is required for the postgres engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown catalog engine %q", c.Catalog.Engine))
	}
	for name, p := range map[string]*PolicyConfig{"log_write": c.Retry.LogWrite, "query_submit": c.Retry.QuerySubmit} {
		if p == nil {
			continue
		}
		if _, err := p.Policy(); err != nil {
			errs = append(errs, fmt.Errorf("retry %s: %w", name, err))
		}
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("server tls_cert_file and tls_key_file must be set together"))
	}
	if c.Timeouts.Scan <= 0 || c.Timeouts.Query <= 0 {
		errs = append(errs, errors.New("scan and query timeouts must be positive"))
	}

	seen := make(map[string]bool)
	for _, p := range c.Pipelines {
		if seen[p.PipelineID] {
			errs = append(errs, fmt.Errorf("duplicate pipeline %q", p.PipelineID))
		}
		seen[p.PipelineID] = true
		if err := c.descriptor(p).Validate(); err != nil {
			errs = append(errs, err)
		}
		if p.Type == job.TypeProcessor && c.Catalog.Engine == EnginePostgres &&
			(p.Queries.CreateTmpTable == "" || p.Queries.Insert == "") {
			errs = append(errs, fmt.Errorf("pipeline %q: the postgres engine needs explicit queries.create_tmp_table and queries.insert", p.PipelineID))
		}
		if p.Type == job.TypeMerger && !c.Queues.HasMerge() {
			errs = append(errs, fmt.Errorf("pipeline %q: merger pipelines need queues.merge", p.PipelineID))
		}
		if p.Schedule != "" {
			if _, err := cron.ParseStandard(p.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("pipeline %q: schedule: %w", p.PipelineID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func validateQueue(name string, q queue.Config) error {
	if q.TopicURL == "" || q.SubscriptionURL == "" || q.DeadLetterTopicURL == "" || q.DeadLetterSubscriptionURL == "" {
		return fmt.Errorf("queue %s: topic, subscription and dead-letter urls are required", name)
	}
	return nil
}

// SetDefaults sets reasonable default values for optional fields
func (c *Config) SetDefaults() {
	if c.LogStore.Backend == "" {
		c.LogStore.Backend = execlog.BackendDocstore
	}
	if c.LogStore.Backend == execlog.BackendDocstore && c.LogStore.URL == "" {
		c.LogStore.URL = defaultLogStoreURL
	}
	if c.State.CheckpointsURL == "" {
		c.State.CheckpointsURL = defaultCheckpointsURL
	}
	if c.State.TokensURL == "" {
		c.State.TokensURL = defaultTokensURL
	}
	if c.Catalog.Engine == "" {
		c.Catalog.Engine = defaultCatalogEngine
	}
	if c.Queues.Copy.Name == "" {
		c.Queues.Copy.Name = "copy"
	}
	if c.Queues.Merge.Name == "" {
		c.Queues.Merge.Name = "merge"
	}
	if c.Queues.Concurrency == 0 {
		c.Queues.Concurrency = defaultConcurrency
	}
	if c.Queues.ReceiveBatch == 0 {
		c.Queues.ReceiveBatch = defaultReceiveBatch
	}
	if c.Retry.LogWrite == nil {
		p := policyConfig(retry.LogWrite)
		c.Retry.LogWrite = &p
	}
	if c.Retry.QuerySubmit == nil {
		p := policyConfig(retry.QuerySubmit)
		c.Retry.QuerySubmit = &p
	}
	if c.Timeouts.Scan == 0 {
		c.Timeouts.Scan = defaultScanTimeout
	}
	if c.Timeouts.Query == 0 {
		c.Timeouts.Query = defaultQueryTimeout
	}
	if c.Timeouts.QueryPoll == 0 {
		c.Timeouts.QueryPoll = defaultQueryPoll
	}
	if c.Timeouts.TokenPoll == 0 {
		c.Timeouts.TokenPoll = defaultTokenPoll
	}
	if c.Timeouts.Shutdown == 0 {
		c.Timeouts.Shutdown = defaultShutdownTimeout
	}
	if c.Monitoring.MetricsPrefix == "" {
		c.Monitoring.MetricsPrefix = defaultMetricsPrefix
	}
	if c.Monitoring.JobName == "" {
		c.Monitoring.JobName = defaultJobName
	}
	if c.Server.Listen == "" {
		c.Server.Listen = defaultListen
	}
	if c.Server.HistorySize == 0 {
		c.Server.HistorySize = defaultHistorySize
	}
	c.Logging = c.Logging.WithDefaults()
}

// Pipeline returns the configured pipeline with id.
func (c *Config) Pipeline(id string) (PipelineConfig, bool) {
	for _, p := range c.Pipelines {
		if p.PipelineID == id {
			return p, true
		}
	}
	return PipelineConfig{}, false
}

// Descriptor returns the job descriptor of pipeline id with catalog and
// storage defaults applied.
func (c *Config) Descriptor(id string) (job.Descriptor, error) {
	p, ok := c.Pipeline(id)
	if !ok {
		return job.Descriptor{}, fmt.Errorf("unknown pipeline %q", id)
	}
	return c.descriptor(p), nil
}

func (c *Config) descriptor(p PipelineConfig) job.Descriptor {
	d := p.Descriptor
	if d.Database == "" {
		d.Database = c.Catalog.Database
	}
	if d.Workgroup == "" {
		d.Workgroup = c.Catalog.Workgroup
	}
	if d.OutputLocation == "" {
		d.OutputLocation = c.Catalog.OutputLocation
	}
	if d.LocationRoot == "" {
		d.LocationRoot = c.Storage.LocationRoot
	}
	return d.WithDefaults()
}

const redacted = "REDACTED"

// Redacted returns a copy of c with credentials removed, safe to display.
func (c Config) Redacted() Config {
	c.Catalog.DSN = redactURL(c.Catalog.DSN)
	c.Monitoring.RemoteWriteURL = redactURL(c.Monitoring.RemoteWriteURL)
	return c
}

// redactURL hides the password of a URL. Strings that do not parse as a URL
// with a scheme are hidden entirely.
func redactURL(s string) string {
	if s == "" {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" {
		return redacted
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), redacted)
	}
	return u.String()
}

// LoadConfig reads the YAML config file at the given path and returns a Config struct
func LoadConfig(path string) (Config, error) {
	var cfg Config
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding %s: %w", path, err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
