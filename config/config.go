package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ietf-svn-conversion/mailarch/helpers"
)

// Config is the top-level configuration loaded from a TOML file.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Storage  StorageConfig  `toml:"storage"`
	Index    IndexConfig    `toml:"index"`
	Archive  ArchiveConfig  `toml:"archive"`
	LMTP     LMTPConfig     `toml:"lmtp"`
	HTTP     HTTPConfig     `toml:"http"`
	Mailman  MailmanConfig  `toml:"mailman"`
	Cache    CacheConfig    `toml:"cache"`
	Logging  LoggingConfig  `toml:"logging"`
}

// DatabaseConfig holds PostgreSQL connection settings for the archive store.
type DatabaseConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	Name         string `toml:"name"`
	TLSMode      bool   `toml:"tls"`
	MaxConns     int    `toml:"max_conns"`
	MinConns     int    `toml:"min_conns"`
	QueryTimeout string `toml:"query_timeout"` // e.g. "30s"
	WriteTimeout string `toml:"write_timeout"` // e.g. "10s"
	LogQueries   bool   `toml:"log_queries"`
}

func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

func (d *DatabaseConfig) GetWriteTimeout() (time.Duration, error) {
	if d.WriteTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(d.WriteTimeout)
}

// StorageConfig selects and configures the raw message store. The "file"
// backend keeps one file per message under Root; the "s3" backend keeps
// the same layout as object keys in a bucket.
type StorageConfig struct {
	Backend string    `toml:"backend"` // "file" (default) or "s3"
	Root    string    `toml:"root"`    // base directory for the file backend
	S3      *S3Config `toml:"s3"`
}

// S3Config holds credentials for the S3-compatible raw store backend.
type S3Config struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseTLS    bool   `toml:"tls"`
	Trace     bool   `toml:"trace"`
}

// IndexConfig configures the search index and its synchronizer.
type IndexConfig struct {
	Path          string `toml:"path"`           // search index database path
	Mode          string `toml:"mode"`           // "sync" (default) or "async"
	QueuePath     string `toml:"queue_path"`     // durable retry queue path (async mode)
	MaxAttempts   int    `toml:"max_attempts"`   // bounded retries per document
	RetryInterval string `toml:"retry_interval"` // delay between retry sweeps
	BatchSize     int    `toml:"batch_size"`     // documents leased per sweep
	WriteTimeout  string `toml:"write_timeout"`  // per-write deadline
}

func (i *IndexConfig) GetMode() string {
	if i.Mode == "" {
		return "sync"
	}
	return i.Mode
}

func (i *IndexConfig) GetMaxAttempts() int {
	if i.MaxAttempts <= 0 {
		return 5
	}
	return i.MaxAttempts
}

func (i *IndexConfig) GetBatchSize() int {
	if i.BatchSize <= 0 {
		return 100
	}
	return i.BatchSize
}

func (i *IndexConfig) GetRetryInterval() (time.Duration, error) {
	if i.RetryInterval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(i.RetryInterval)
}

func (i *IndexConfig) GetWriteTimeout() (time.Duration, error) {
	if i.WriteTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(i.WriteTimeout)
}

// ArchiveConfig holds the thread-resolution policy knobs. The subject
// fallback window and depth ceiling are heuristics, not constants; both
// are tunable per deployment.
type ArchiveConfig struct {
	ThreadLookback string `toml:"thread_lookback"`  // subject fallback window, e.g. "90d"
	MaxThreadDepth int    `toml:"max_thread_depth"` // display depth ceiling
	MboxExportDir  string `toml:"mbox_export_dir"`  // monthly mbox regeneration target
}

func (a *ArchiveConfig) GetThreadLookback() (time.Duration, error) {
	if a.ThreadLookback == "" {
		return 90 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(a.ThreadLookback)
}

func (a *ArchiveConfig) GetMaxThreadDepth() int {
	if a.MaxThreadDepth <= 0 {
		return 6
	}
	return a.MaxThreadDepth
}

// LMTPConfig configures the direct-delivery ingestion endpoint.
type LMTPConfig struct {
	Start          bool   `toml:"start"`
	Addr           string `toml:"addr"`             // e.g. ":24"
	Hostname       string `toml:"hostname"`         // advertised in LHLO
	MaxMessageSize int64  `toml:"max_message_size"` // bytes, 0 = default
	SessionTimeout string `toml:"session_timeout"`
}

func (l *LMTPConfig) GetMaxMessageSize() int64 {
	if l.MaxMessageSize <= 0 {
		return 50 * 1024 * 1024
	}
	return l.MaxMessageSize
}

func (l *LMTPConfig) GetSessionTimeout() (time.Duration, error) {
	if l.SessionTimeout == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(l.SessionTimeout)
}

// HTTPConfig configures the admin/query API.
type HTTPConfig struct {
	Start  bool   `toml:"start"`
	Addr   string `toml:"addr"`    // e.g. ":8787"
	APIKey string `toml:"api_key"` // required for mutating endpoints
}

// MailmanConfig configures the external list-management collaborator.
type MailmanConfig struct {
	APIURL        string `toml:"api_url"`
	APIUser       string `toml:"api_user"`
	APIPassword   string `toml:"api_password"`
	Timeout       string `toml:"timeout"`
	ExportDir     string `toml:"export_dir"`     // membership XML export target
	NotifyCommand string `toml:"notify_command"` // invoked with the export path on change
}

func (m *MailmanConfig) GetTimeout() (time.Duration, error) {
	if m.Timeout == "" {
		return 20 * time.Second, nil
	}
	return helpers.ParseDuration(m.Timeout)
}

// CacheConfig controls the in-process lookup cache for list metadata.
type CacheConfig struct {
	TTL         string `toml:"ttl"`
	NegativeTTL string `toml:"negative_ttl"`
	MaxSize     int    `toml:"max_size"`
}

func (c *CacheConfig) GetTTL() (time.Duration, error) {
	if c.TTL == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(c.TTL)
}

func (c *CacheConfig) GetNegativeTTL() (time.Duration, error) {
	if c.NegativeTTL == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(c.NegativeTTL)
}

func (c *CacheConfig) GetMaxSize() int {
	if c.MaxSize <= 0 {
		return 10000
	}
	return c.MaxSize
}

// LoggingConfig configures structured log output.
type LoggingConfig struct {
	Output string `toml:"output"` // "stderr", "stdout", "syslog", or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and all duration strings so
// malformed configuration fails at startup rather than mid-ingestion.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}

	switch c.Storage.Backend {
	case "", "file":
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root is required for the file backend")
		}
	case "s3":
		if c.Storage.S3 == nil || c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3 endpoint and bucket are required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}

	if c.Index.Path == "" {
		return fmt.Errorf("index.path is required")
	}
	switch c.Index.GetMode() {
	case "sync", "async":
	default:
		return fmt.Errorf("index.mode must be \"sync\" or \"async\", got %q", c.Index.Mode)
	}
	if c.Index.GetMode() == "async" && c.Index.QueuePath == "" {
		return fmt.Errorf("index.queue_path is required in async mode")
	}

	for name, get := range map[string]func() (time.Duration, error){
		"database.query_timeout":  c.Database.GetQueryTimeout,
		"database.write_timeout":  c.Database.GetWriteTimeout,
		"index.retry_interval":    c.Index.GetRetryInterval,
		"index.write_timeout":     c.Index.GetWriteTimeout,
		"archive.thread_lookback": c.Archive.GetThreadLookback,
		"lmtp.session_timeout":    c.LMTP.GetSessionTimeout,
		"mailman.timeout":         c.Mailman.GetTimeout,
		"cache.ttl":               c.Cache.GetTTL,
		"cache.negative_ttl":      c.Cache.GetNegativeTTL,
	} {
		if _, err := get(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	return nil
}
