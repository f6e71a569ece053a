package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tbergin/freshet/internal/graph"
	"github.com/tbergin/freshet/internal/model"
)

// Defaults applied by Validate when the config file leaves a field unset.
const (
	DefaultWorkers     = 4
	DefaultQueueSize   = 256
	DefaultMaxAttempts = 3
	DefaultTick        = 30 * time.Second
)

// Duration wraps time.Duration so YAML values like "90s" or "1h" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Source declares one ingestion source in the config file.
type Source struct {
	ID          string   `yaml:"id"`
	Prefix      string   `yaml:"prefix"`
	TargetTable string   `yaml:"target_table"`
	Format      string   `yaml:"format"`
	Delimiter   string   `yaml:"delimiter"`
	SkipRows    int      `yaml:"skip_rows"`
	Columns     []string `yaml:"columns"`
}

// Location converts a source declaration into its registry form.
func (s Source) Location() (model.SourceLocation, error) {
	desc := model.FormatDescriptor{
		Format:   model.Format(s.Format),
		SkipRows: s.SkipRows,
		Columns:  append([]string(nil), s.Columns...),
	}
	switch desc.Format {
	case model.FormatCSV, model.FormatParquet:
	default:
		return model.SourceLocation{}, fmt.Errorf("source %q: unknown format %q", s.ID, s.Format)
	}
	if s.Delimiter != "" {
		runes := []rune(s.Delimiter)
		if len(runes) != 1 {
			return model.SourceLocation{}, fmt.Errorf("source %q: delimiter must be a single character", s.ID)
		}
		desc.Delimiter = runes[0]
	}
	return model.SourceLocation{
		ID:          s.ID,
		Prefix:      s.Prefix,
		TargetTable: s.TargetTable,
		Descriptor:  desc,
	}, nil
}

// Derived declares one derived object and its refresh budget.
type Derived struct {
	ID        string   `yaml:"id"`
	Transform string   `yaml:"transform"`
	Upstreams []string `yaml:"upstreams"`
	Budget    Duration `yaml:"budget"`
}

// Spec converts a derived declaration into its graph form.
func (d Derived) Spec() graph.Spec {
	return graph.Spec{
		ID:        d.ID,
		Transform: d.Transform,
		Upstreams: append([]string(nil), d.Upstreams...),
		Budget:    time.Duration(d.Budget),
	}
}

// Job declares one scheduled job. Exactly one of Every or Cron picks the
// trigger; exactly one of Refresh, Statement or RetryWindow picks the action.
type Job struct {
	ID          string   `yaml:"id"`
	Every       Duration `yaml:"every"`
	Cron        string   `yaml:"cron"`
	TZ          string   `yaml:"tz"`
	Refresh     string   `yaml:"refresh"`
	Statement   string   `yaml:"statement"`
	RetryWindow Duration `yaml:"retry_window"`
}

func (j Job) validate() error {
	if j.ID == "" {
		return fmt.Errorf("job without an id")
	}
	if (j.Every > 0) == (j.Cron != "") {
		return fmt.Errorf("job %q: exactly one of every or cron is required", j.ID)
	}
	actions := 0
	if j.Refresh != "" {
		actions++
	}
	if j.Statement != "" {
		actions++
	}
	if j.RetryWindow > 0 {
		actions++
	}
	if actions != 1 {
		return fmt.Errorf("job %q: exactly one of refresh, statement or retry_window is required", j.ID)
	}
	return nil
}

// Config holds all runtime configuration for a freshet run.
type Config struct {
	DSN       string
	WatchDir  string
	LogFormat string // "text" or "json"

	Workers     int
	QueueSize   int
	MaxAttempts int
	Tick        time.Duration

	Sources []Source
	Derived []Derived
	Jobs    []Job
}

// yamlConfig is the on-disk YAML structure.
type yamlConfig struct {
	DSN         string    `yaml:"dsn"`
	WatchDir    string    `yaml:"watch_dir"`
	LogFormat   string    `yaml:"log_format"`
	Workers     int       `yaml:"workers"`
	QueueSize   int       `yaml:"queue_size"`
	MaxAttempts int       `yaml:"max_attempts"`
	Tick        Duration  `yaml:"tick"`
	Sources     []Source  `yaml:"sources"`
	Derived     []Derived `yaml:"derived"`
	Jobs        []Job     `yaml:"jobs"`
}

// LoadFromFile reads a YAML config file and merges its values into Config.
// Values already set on the receiver (from flags or the environment) win
// over the file.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if c.DSN == "" {
		c.DSN = yc.DSN
	}
	if c.WatchDir == "" {
		c.WatchDir = yc.WatchDir
	}
	if c.LogFormat == "" {
		c.LogFormat = yc.LogFormat
	}
	if c.Workers == 0 {
		c.Workers = yc.Workers
	}
	if c.QueueSize == 0 {
		c.QueueSize = yc.QueueSize
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = yc.MaxAttempts
	}
	if c.Tick == 0 {
		c.Tick = time.Duration(yc.Tick)
	}
	c.Sources = yc.Sources
	c.Derived = yc.Derived
	c.Jobs = yc.Jobs
	return nil
}

// Validate applies defaults and checks every declared source, derived object
// and job. It does not touch the network.
func (c *Config) Validate() error {
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Tick == 0 {
		c.Tick = DefaultTick
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive")
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.ID == "" || s.Prefix == "" || s.TargetTable == "" {
			return fmt.Errorf("source %q: id, prefix and target_table are required", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("source %q declared twice", s.ID)
		}
		seen[s.ID] = true
		if _, err := s.Location(); err != nil {
			return err
		}
	}

	for _, d := range c.Derived {
		if d.ID == "" || d.Transform == "" {
			return fmt.Errorf("derived object %q: id and transform are required", d.ID)
		}
		if len(d.Upstreams) == 0 {
			return fmt.Errorf("derived object %q has no upstreams", d.ID)
		}
	}

	for _, j := range c.Jobs {
		if err := j.validate(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateWithDSN additionally requires a database connection string.
func (c *Config) ValidateWithDSN() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.DSN == "" {
		return fmt.Errorf("--dsn or DATABASE_URL is required")
	}
	return nil
}
