package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/foundry/pkg/types"
)

// Duration wraps time.Duration so YAML files can use "33s" / "60m" forms.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level service configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
	DataDir  string `yaml:"data_dir"`

	// BuildTargets is the subset of known targets this deployment schedules.
	BuildTargets []string `yaml:"build_targets"`

	Store     StoreConfig     `yaml:"store"`
	Listen    ListenConfig    `yaml:"listen"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Logs      LogsConfig      `yaml:"logs"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// StoreConfig selects and configures the persistent store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "postgres" or "bolt"

	// Postgres settings.
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	Database    string `yaml:"database"`
	SSLMode     string `yaml:"ssl_mode"`
	MaxConns    int    `yaml:"max_conns"`
	AutoMigrate bool   `yaml:"auto_migrate"`

	// Bolt settings. Path defaults to {data_dir}/foundry.db.
	Path string `yaml:"path"`
}

// DSN renders the Postgres connection string.
func (s StoreConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.Host, s.Port, s.User, s.Password, s.Database, s.SSLMode)
}

// ListenConfig holds the bind addresses for every socket the service opens.
type ListenConfig struct {
	RPC       string `yaml:"rpc"`       // HTTP envelope + /healthz + /metrics
	Command   string `yaml:"command"`   // worker command channel
	Heartbeat string `yaml:"heartbeat"` // worker heartbeat ingress
	Log       string `yaml:"log"`       // job log ingress
}

// SchedulerConfig tunes the scheduler actor.
type SchedulerConfig struct {
	TickInterval Duration `yaml:"tick_interval"`
	QueueDepth   int      `yaml:"queue_depth"` // inbox capacity; full inbox sheds RPC load
}

// WorkerConfig tunes the worker manager actor.
type WorkerConfig struct {
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`
	JobTimeout       Duration `yaml:"job_timeout"`
	TickInterval     Duration `yaml:"tick_interval"`
}

// LogsConfig tunes the log pipeline.
type LogsConfig struct {
	Dir       string `yaml:"dir"`        // local spool; defaults to {data_dir}/logs
	TailLines int    `yaml:"tail_lines"` // live tail ring size per job
}

// ArchiveConfig selects where completed job logs and artifacts live.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Backend string `yaml:"backend"` // "s3" or "local"

	// S3 settings.
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // optional, for S3-compatible stores
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`

	// Local backend settings. Dir defaults to {data_dir}/archive.
	Dir string `yaml:"dir"`

	RetryAttempts int      `yaml:"retry_attempts"`
	RetryDelay    Duration `yaml:"retry_delay"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		LogJSON:  false,
		DataDir:  "/var/lib/foundry",
		BuildTargets: []string{
			string(types.TargetLinux),
		},
		Store: StoreConfig{
			Driver:      "postgres",
			Host:        "127.0.0.1",
			Port:        5432,
			User:        "foundry",
			Database:    "foundry",
			SSLMode:     "disable",
			MaxConns:    10,
			AutoMigrate: true,
		},
		Listen: ListenConfig{
			RPC:       "0.0.0.0:5580",
			Command:   "0.0.0.0:5566",
			Heartbeat: "0.0.0.0:5567",
			Log:       "0.0.0.0:5568",
		},
		Scheduler: SchedulerConfig{
			TickInterval: Duration(60 * time.Second),
			QueueDepth:   256,
		},
		Worker: WorkerConfig{
			HeartbeatTimeout: Duration(33 * time.Second),
			JobTimeout:       Duration(60 * time.Minute),
			TickInterval:     Duration(5 * time.Second),
		},
		Logs: LogsConfig{
			TailLines: 1000,
		},
		Archive: ArchiveConfig{
			Enabled:       true,
			Backend:       "local",
			RetryAttempts: 10,
			RetryDelay:    Duration(60 * time.Second),
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the parts that would otherwise fail deep inside startup.
func (c *Config) Validate() error {
	if len(c.BuildTargets) == 0 {
		return fmt.Errorf("no build targets configured")
	}
	for _, t := range c.BuildTargets {
		if _, err := types.ParseTarget(t); err != nil {
			return err
		}
	}
	switch c.Store.Driver {
	case "postgres", "bolt":
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}
	switch c.Archive.Backend {
	case "s3", "local":
	default:
		return fmt.Errorf("unknown archive backend: %q", c.Archive.Backend)
	}
	if c.Archive.Enabled && c.Archive.Backend == "s3" && c.Archive.Bucket == "" {
		return fmt.Errorf("s3 archive backend requires a bucket")
	}
	if c.Listen.RPC == "" || c.Listen.Command == "" || c.Listen.Heartbeat == "" || c.Listen.Log == "" {
		return fmt.Errorf("all listen addresses must be set")
	}
	if c.Scheduler.TickInterval <= 0 || c.Worker.TickInterval <= 0 {
		return fmt.Errorf("tick intervals must be positive")
	}
	if c.Worker.HeartbeatTimeout <= 0 || c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker timeouts must be positive")
	}
	if c.Scheduler.QueueDepth <= 0 {
		return fmt.Errorf("scheduler queue depth must be positive")
	}
	return nil
}

// Targets returns the configured build targets as typed values. Validate
// must have accepted the config first.
func (c *Config) Targets() []types.Target {
	out := make([]types.Target, 0, len(c.BuildTargets))
	for _, t := range c.BuildTargets {
		out = append(out, types.Target(t))
	}
	return out
}

// SupportsTarget reports whether t is schedulable in this deployment.
func (c *Config) SupportsTarget(t types.Target) bool {
	for _, bt := range c.BuildTargets {
		if types.Target(bt) == t {
			return true
		}
	}
	return false
}

// BoltPath returns the embedded store path, defaulting under DataDir.
func (c *Config) BoltPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "foundry.db")
}

// LogDir returns the log spool directory, defaulting under DataDir.
func (c *Config) LogDir() string {
	if c.Logs.Dir != "" {
		return c.Logs.Dir
	}
	return filepath.Join(c.DataDir, "logs")
}

// ArchiveDir returns the local archive directory, defaulting under DataDir.
func (c *Config) ArchiveDir() string {
	if c.Archive.Dir != "" {
		return c.Archive.Dir
	}
	return filepath.Join(c.DataDir, "archive")
}
