package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StdinTarget selects the one-shot stream source instead of a periodic
// fetch.
const StdinTarget = "-"

// Duration accepts Go duration strings ("15s") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type Config struct {
	// Target is the exposition endpoint URL, or "-" to read one payload
	// from stdin.
	Target string `yaml:"target"`
	// Output is the SQLite database file path.
	Output string `yaml:"output"`

	ScrapeInterval Duration `yaml:"scrape_interval"`
	ScrapeTimeout  Duration `yaml:"scrape_timeout"`
	BufferCapacity int      `yaml:"buffer_capacity"`

	// Labels are attached to every scraped sample, typically job and
	// instance.
	Labels map[string]string `yaml:"labels"`

	// StatusAddress enables the status HTTP server when non-empty.
	StatusAddress string `yaml:"status_address"`

	Log LogConfig `yaml:"log"`
}

var DefaultConfig = Config{
	ScrapeInterval: Duration(15 * time.Second),
	ScrapeTimeout:  Duration(5 * time.Second),
	BufferCapacity: 16,
	Log: LogConfig{
		Level: "info",
	},
}

// Load reads the YAML config file at path on top of the defaults. An
// empty path yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig
	if path == "" {
		return &cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("target is required (URL or %q for stdin)", StdinTarget)
	}
	if c.Output == "" {
		return fmt.Errorf("output database path is required")
	}
	if c.Target != StdinTarget && c.ScrapeInterval.Std() <= 0 {
		return fmt.Errorf("scrape_interval must be positive")
	}
	if c.BufferCapacity <= 0 {
		return fmt.Errorf("buffer_capacity must be positive")
	}
	return nil
}
