// ============================================================================
// cronswarm Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Build the one Config value a process runs with. Sources, lowest
//          precedence first:
//
//   1. built-in defaults (each component's DefaultConfig)
//   2. YAML file (--config)
//   3. CRONSWARM_* environment, nested keys joined by "_"
//        CRONSWARM_GOSSIP_INTERVAL=5s  -> gossip.interval
//   4. bound command-line flags
//
// Example:
//
//   node:
//     listen: 0.0.0.0:7946
//     advertise: 10.0.0.5:7946
//     tags: [scheduler, orchestrator, runner]
//     data_dir: /var/lib/cronswarm
//   gossip:
//     interval: 3s
//     seeds: [10.0.0.4:7946]
//   storage:
//     backend: sqlite
//
// Component sections embed the components' own Config structs so there is
// exactly one place each knob is defined.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/cronswarm/internal/logging"
	"github.com/ChuLiYu/cronswarm/internal/orchestrator"
	"github.com/ChuLiYu/cronswarm/internal/runner"
	"github.com/ChuLiYu/cronswarm/internal/scheduler"
	"github.com/ChuLiYu/cronswarm/internal/swim"
	"github.com/ChuLiYu/cronswarm/pkg/types"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CRONSWARM"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// NodeConfig describes the local process.
type NodeConfig struct {
	Listen    string   `mapstructure:"listen" yaml:"listen"`
	Advertise string   `mapstructure:"advertise" yaml:"advertise"` // defaults to listen
	Tags      []string `mapstructure:"tags" yaml:"tags"`
	DataDir   string   `mapstructure:"data_dir" yaml:"data_dir"`
}

// StorageConfig selects the backends.
type StorageConfig struct {
	Backend     string        `mapstructure:"backend" yaml:"backend"`
	SQLitePath  string        `mapstructure:"sqlite_path" yaml:"sqlite_path"` // defaults under data_dir
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
	CacheDir    string        `mapstructure:"cache_dir" yaml:"cache_dir"` // empty keeps the result cache in memory
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Config is the complete process configuration.
type Config struct {
	Node         NodeConfig          `mapstructure:"node" yaml:"node"`
	Gossip       swim.Config         `mapstructure:"gossip" yaml:"gossip"`
	Scheduler    scheduler.Config    `mapstructure:"scheduler" yaml:"scheduler"`
	Orchestrator orchestrator.Config `mapstructure:"orchestrator" yaml:"orchestrator"`
	Runner       runner.Config       `mapstructure:"runner" yaml:"runner"`
	Storage      StorageConfig       `mapstructure:"storage" yaml:"storage"`
	Logging      logging.Config      `mapstructure:"logging" yaml:"logging"`
	Metrics      MetricsConfig       `mapstructure:"metrics" yaml:"metrics"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Node: NodeConfig{
			Listen:  "127.0.0.1:7946",
			Tags:    []string{string(types.TagScheduler), string(types.TagOrchestrator), string(types.TagRunner)},
			DataDir: "./data",
		},
		Gossip:       swim.DefaultConfig(),
		Scheduler:    scheduler.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Runner:       runner.DefaultConfig(),
		Storage: StorageConfig{
			Backend:     BackendMemory,
			BusyTimeout: 5 * time.Second,
		},
		Logging: logging.Config{Level: "info", Format: "console"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Loader reads configuration through its own viper instance.
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares defaults and environment binding.
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())
	return &Loader{v: v}
}

// BindFlag makes a command-line flag override key.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("bind %s: nil flag", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load reads path (optional) and returns the validated configuration.
func (l *Loader) Load(path string) (Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch calls fn with the freshly loaded configuration whenever the file
// given to Load changes. Invalid edits are reported through onErr and
// otherwise ignored.
func (l *Loader) Watch(fn func(Config), onErr func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var cfg Config
		if err := l.v.Unmarshal(&cfg); err != nil {
			onErr(fmt.Errorf("decode config: %w", err))
			return
		}
		cfg.applyDerived()
		if err := cfg.Validate(); err != nil {
			onErr(err)
			return
		}
		fn(cfg)
	})
	l.v.WatchConfig()
}

// setDefaults registers every leaf of d so that environment overrides work
// for keys absent from the file.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("node.listen", d.Node.Listen)
	v.SetDefault("node.advertise", d.Node.Advertise)
	v.SetDefault("node.tags", d.Node.Tags)
	v.SetDefault("node.data_dir", d.Node.DataDir)

	v.SetDefault("gossip.interval", d.Gossip.Interval)
	v.SetDefault("gossip.fanout", d.Gossip.Fanout)
	v.SetDefault("gossip.suspicion_fanout", d.Gossip.SuspicionFanout)
	v.SetDefault("gossip.indirect_probers", d.Gossip.IndirectProbers)
	v.SetDefault("gossip.sample_size", d.Gossip.SampleSize)
	v.SetDefault("gossip.seeds", d.Gossip.Seeds)
	v.SetDefault("gossip.bootstrap_retry", d.Gossip.BootstrapRetry)
	v.SetDefault("gossip.request_timeout", d.Gossip.RequestTimeout)

	v.SetDefault("scheduler.interval", d.Scheduler.Interval)
	v.SetDefault("scheduler.batch_size", d.Scheduler.BatchSize)

	v.SetDefault("orchestrator.lookahead", d.Orchestrator.Lookahead)
	v.SetDefault("orchestrator.claim_limit", d.Orchestrator.ClaimLimit)
	v.SetDefault("orchestrator.assignment_lease", d.Orchestrator.AssignmentLease)
	v.SetDefault("orchestrator.housekeeping_interval", d.Orchestrator.HousekeepingInterval)

	v.SetDefault("runner.poll_interval", d.Runner.PollInterval)
	v.SetDefault("runner.cluster_batch", d.Runner.ClusterBatch)
	v.SetDefault("runner.cache_grace", d.Runner.CacheGrace)
	v.SetDefault("runner.flush_interval", d.Runner.FlushInterval)
	v.SetDefault("runner.flush_batch", d.Runner.FlushBatch)
	v.SetDefault("runner.request_timeout", d.Runner.RequestTimeout)
	v.SetDefault("runner.max_response_bytes", d.Runner.MaxResponseBytes)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.busy_timeout", d.Storage.BusyTimeout)
	v.SetDefault("storage.cache_dir", d.Storage.CacheDir)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
}

func (c *Config) applyDerived() {
	if c.Node.Advertise == "" {
		c.Node.Advertise = c.Node.Listen
	}
	if c.Storage.Backend == BackendSQLite && c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.Node.DataDir, "cronswarm.db")
	}
	c.Node.Tags = splitList(c.Node.Tags)
	c.Gossip.Seeds = splitList(c.Gossip.Seeds)
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// NodeTags returns the configured roles as typed tags.
func (c Config) NodeTags() []types.Tag {
	tags := make([]types.Tag, 0, len(c.Node.Tags))
	for _, t := range c.Node.Tags {
		tags = append(tags, types.Tag(t))
	}
	return tags
}

// HasTag reports whether the process serves role.
func (c Config) HasTag(role types.Tag) bool {
	for _, t := range c.Node.Tags {
		if types.Tag(t) == role {
			return true
		}
	}
	return false
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Node.Listen == "" {
		add("node.listen is required")
	}
	for _, t := range c.Node.Tags {
		if !knownTag(types.Tag(t)) {
			add("node.tags: unknown role %q", t)
		}
	}

	if c.Gossip.Interval <= 0 {
		add("gossip.interval must be positive")
	}
	if c.Gossip.Fanout < 2 || c.Gossip.Fanout > 5 {
		add("gossip.fanout must be between 2 and 5, got %d", c.Gossip.Fanout)
	}
	if c.Gossip.SuspicionFanout < 1 {
		add("gossip.suspicion_fanout must be at least 1")
	}
	if c.Gossip.IndirectProbers < 0 {
		add("gossip.indirect_probers must not be negative")
	}
	if c.Gossip.SampleSize < 1 {
		add("gossip.sample_size must be at least 1")
	}

	if c.Scheduler.Interval <= 0 {
		add("scheduler.interval must be positive")
	}
	if c.Scheduler.BatchSize < 1 {
		add("scheduler.batch_size must be at least 1")
	}

	if c.Orchestrator.ClaimLimit < 1 {
		add("orchestrator.claim_limit must be at least 1")
	}
	if c.Orchestrator.Lookahead < 0 || c.Orchestrator.AssignmentLease < 0 {
		add("orchestrator durations must not be negative")
	}
	if c.Orchestrator.HousekeepingInterval <= 0 {
		add("orchestrator.housekeeping_interval must be positive")
	}

	if c.Runner.PollInterval <= 0 || c.Runner.FlushInterval <= 0 || c.Runner.RequestTimeout <= 0 {
		add("runner intervals must be positive")
	}
	if c.Runner.ClusterBatch < 1 || c.Runner.FlushBatch < 1 {
		add("runner batches must be at least 1")
	}
	if c.Runner.CacheGrace < 0 {
		add("runner.cache_grace must not be negative")
	}

	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite:
	default:
		add("storage.backend must be %q or %q, got %q", BackendMemory, BackendSQLite, c.Storage.Backend)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		add("logging.format must be console or json, got %q", c.Logging.Format)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func knownTag(t types.Tag) bool {
	for _, k := range types.KnownTags {
		if k == t {
			return true
		}
	}
	return false
}

// Dump renders c as YAML with durations in their string form.
func (c Config) Dump() ([]byte, error) {
	doc, err := yamlNode(reflect.ValueOf(c))
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

var durationType = reflect.TypeOf(time.Duration(0))

func yamlNode(v reflect.Value) (*yaml.Node, error) {
	switch {
	case v.Type() == durationType:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: time.Duration(v.Int()).String()}, nil
	case v.Kind() == reflect.Struct:
		m := &yaml.Node{Kind: yaml.MappingNode}
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			name, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
			if name == "" || name == "-" {
				continue
			}
			child, err := yamlNode(v.Field(i))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: name}, child)
		}
		return m, nil
	default:
		n := &yaml.Node{}
		if err := n.Encode(v.Interface()); err != nil {
			return nil, err
		}
		return n, nil
	}
}
