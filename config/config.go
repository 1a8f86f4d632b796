// Package config loads the project configuration for the catflow
// tools: where the shared database lives, how each calculator binary is
// invoked, and how the queue worker behaves. The library packages never
// read it; the command line and the worker apply it on top of whatever
// the structures themselves carry.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable that overrides the
// configuration file path when no explicit path is given.
const EnvConfig = "CATFLOW_CONFIG"

// DefaultPath is the configuration file looked up in the working
// directory when neither an explicit path nor EnvConfig is set.
const DefaultPath = "catflow.yaml"

const defaultPoll = "10s"

// Calculator configures how one registered calculator is invoked on
// this machine. Zero fields leave the driver defaults alone.
type Calculator struct {
	Command   string            `yaml:"command,omitempty"`
	NCPU      int               `yaml:"ncpu,omitempty"`
	PseudoDir string            `yaml:"pseudo_dir,omitempty"`
	Pseudos   map[string]string `yaml:"pseudopotentials,omitempty"`
}

// Worker configures the queue worker started by the launch command.
type Worker struct {
	Name         string `yaml:"name,omitempty"`          // defaults to host:pid at startup
	PollInterval string `yaml:"poll_interval,omitempty"` // Go duration syntax, e.g. "10s"
	WorkDir      string `yaml:"workdir,omitempty"`       // where job directories are created
	Metrics      string `yaml:"metrics,omitempty"`       // listen address for /metrics; empty disables

	poll time.Duration
}

// Poll returns the parsed poll interval. It is only valid after the
// configuration has passed Load.
func (w Worker) Poll() time.Duration {
	return w.poll
}

// Config is the project configuration, usually read from catflow.yaml.
type Config struct {
	Version     int                   `yaml:"version"`
	Database    string                `yaml:"database"`
	LogFile     string                `yaml:"log_file,omitempty"`
	Calculators map[string]Calculator `yaml:"calculators,omitempty"`
	Worker      Worker                `yaml:"worker"`
}

// Default returns the configuration used when no file exists: a SQLite
// database in the working directory and a ten second poll interval.
func Default() *Config {
	return &Config{
		Version:     1,
		Database:    "catflow.db",
		Calculators: map[string]Calculator{},
		Worker:      Worker{PollInterval: defaultPoll},
	}
}

// Load reads the configuration from path. An empty path falls back to
// the EnvConfig environment variable and then to DefaultPath; only in
// the DefaultPath case is a missing file tolerated, yielding Default().
// Relative paths inside the file are resolved against the file's
// directory.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		if env := os.Getenv(EnvConfig); env != "" {
			path = env
			explicit = true
		} else {
			path = DefaultPath
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			c := Default()
			c.normalize(".")
			if err := c.validate(); err != nil {
				return nil, fmt.Errorf("config: %w", err)
			}
			return c, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.normalize(filepath.Dir(path))
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) normalize(base string) {
	if c.Version == 0 {
		c.Version = 1
	}
	c.Database = strings.TrimSpace(c.Database)
	c.Database = resolveDSN(base, c.Database)
	c.LogFile = resolvePath(base, c.LogFile)
	c.Worker.WorkDir = resolvePath(base, c.Worker.WorkDir)
	c.Worker.Name = strings.TrimSpace(c.Worker.Name)
	c.Worker.Metrics = strings.TrimSpace(c.Worker.Metrics)
	if strings.TrimSpace(c.Worker.PollInterval) == "" {
		c.Worker.PollInterval = defaultPoll
	}
	if c.Calculators == nil {
		c.Calculators = map[string]Calculator{}
	}
	// registry names are lowercase
	lowered := make(map[string]Calculator, len(c.Calculators))
	for name, cc := range c.Calculators {
		cc.Command = strings.TrimSpace(cc.Command)
		cc.PseudoDir = resolvePath(base, cc.PseudoDir)
		lowered[strings.ToLower(strings.TrimSpace(name))] = cc
	}
	c.Calculators = lowered
}

func (c *Config) validate() error {
	if c.Version < 1 {
		return fmt.Errorf("version must be >= 1")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	poll, err := time.ParseDuration(c.Worker.PollInterval)
	if err != nil {
		return fmt.Errorf("worker.poll_interval: %w", err)
	}
	if poll <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	c.Worker.poll = poll
	for name := range c.Calculators {
		if name == "" {
			return fmt.Errorf("calculators: empty name")
		}
	}
	return nil
}

// resolveDSN makes a bare SQLite path absolute so that workers running
// inside per-job directories still hit the same database file. DSNs
// with a scheme and the in-memory form pass through untouched.
func resolveDSN(base, dsn string) string {
	if dsn == "" || dsn == ":memory:" ||
		strings.HasPrefix(dsn, "mysql://") || strings.HasPrefix(dsn, "sqlite:") {
		return dsn
	}
	return resolvePath(base, dsn)
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if !filepath.IsAbs(trimmed) {
		trimmed = filepath.Join(base, trimmed)
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return filepath.Clean(trimmed)
}
