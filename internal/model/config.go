package model

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	_ "embed"
)

const (
	ExtractLines  = "lines"
	ExtractCNAME  = "cname"
	ExtractField  = "field"
	ExtractQuoted = "quoted"

	DisplayTable = "table"
	DisplayLog   = "log"
	DisplayNone  = "none"

	LogStderr  = "stderr"
	LogDiscard = "discard"

	// DefaultMaxThreads is the worker pool size used when none is given.
	DefaultMaxThreads = 25
)

//go:embed default.yaml
var defaultSource []byte

var defaultConfig Config

func init() {
	if len(defaultSource) == 0 {
		panic("variable defaultSource is empty")
	}
	cfg, err := LoadConfig(bytes.NewReader(defaultSource))
	if err != nil {
		panic(err)
	}
	defaultConfig = *cfg
}

type Config struct {
	Version   int               `yaml:"version"` // fixed 0 for now
	Root      string            `yaml:"root"`    // organizations output directory
	ConfigDir string            `yaml:"config_dir"`
	Log       string            `yaml:"log"` // "stderr"|"discard"|path
	Tick      Duration          `yaml:"tick"`
	Display   string            `yaml:"display"` // "table"|"log"|"none"
	Metrics   *Metrics          `yaml:"metrics,omitempty"`
	Files     map[string]string `yaml:"files,omitempty"`
	OrgFiles  map[string]string `yaml:"org_files,omitempty"`
	Args      map[string]string `yaml:"args,omitempty"`
	Tools     []Tool            `yaml:"tools"`
}

// Metrics exposes prometheus metrics over http when enabled.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Tool is one step of the chain run for every organization.
type Tool struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"` // template with {placeholders}
	Output  string   `yaml:"output"`  // name of the bound argument holding the destination path
	Timeout Duration `yaml:"timeout,omitempty"`
	Enabled *bool    `yaml:"enabled,omitempty"`
	Extract Extract  `yaml:"extract"`
}

func (t Tool) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// Extract selects the rule turning raw tool output into result lines.
type Extract struct {
	Kind    string `yaml:"kind"`
	Marker  string `yaml:"marker,omitempty"`
	Field   int    `yaml:"field,omitempty"`
	Domains string `yaml:"domains,omitempty"` // name of the bound argument holding a domains file
}

// DefaultConfig returns a copy of the embedded configuration.
func DefaultConfig() Config {
	cfg := defaultConfig
	cfg.Files = maps.Clone(defaultConfig.Files)
	cfg.OrgFiles = maps.Clone(defaultConfig.OrgFiles)
	cfg.Args = maps.Clone(defaultConfig.Args)
	cfg.Tools = append([]Tool(nil), defaultConfig.Tools...)
	return cfg
}

// LoadConfig decodes yaml from r, fills in defaults and validates the result.
func LoadConfig(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Root == "" {
		c.Root = "orgs"
	}
	if c.ConfigDir == "" {
		c.ConfigDir = "config"
	}
	if c.Log == "" {
		c.Log = "app.log"
	}
	if c.Tick == 0 {
		c.Tick = Duration(time.Second)
	}
	if c.Display == "" {
		c.Display = DisplayTable
	}
	if c.Metrics != nil && c.Metrics.Enabled && c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9090"
	}
}

// Validate reports the first invalid value as a *ConfigError.
func (c Config) Validate() error {
	if c.Version != 0 {
		return &ConfigError{Field: "version", Message: fmt.Sprintf("%d is not supported, expected 0", c.Version)}
	}
	if c.Tick < 0 {
		return &ConfigError{Field: "tick", Message: "must not be negative"}
	}
	switch c.Display {
	case DisplayTable, DisplayLog, DisplayNone:
	default:
		return &ConfigError{Field: "display", Message: "unknown display " + strconv.Quote(c.Display)}
	}
	if len(c.Tools) == 0 {
		return &ConfigError{Field: "tools", Message: "at least one tool is required"}
	}
	seen := make(map[string]struct{}, len(c.Tools))
	for idx, tool := range c.Tools {
		field := fmt.Sprintf("tools[%d]", idx)
		if tool.Name == "" {
			return &ConfigError{Field: field + ".name", Message: "must not be empty"}
		}
		if _, ok := seen[tool.Name]; ok {
			return &ConfigError{Field: field + ".name", Message: "duplicate tool " + strconv.Quote(tool.Name)}
		}
		seen[tool.Name] = struct{}{}
		if tool.Command == "" {
			return &ConfigError{Field: field + ".command", Message: "must not be empty"}
		}
		if tool.Output == "" {
			return &ConfigError{Field: field + ".output", Message: "must not be empty"}
		}
		if tool.Timeout < 0 {
			return &ConfigError{Field: field + ".timeout", Message: "must not be negative"}
		}
		switch tool.Extract.Kind {
		case "", ExtractLines:
		case ExtractCNAME:
			if tool.Extract.Domains == "" {
				return &ConfigError{Field: field + ".extract.domains", Message: "required for cname"}
			}
		case ExtractField:
			if tool.Extract.Field < 0 {
				return &ConfigError{Field: field + ".extract.field", Message: "must not be negative"}
			}
		case ExtractQuoted:
		default:
			return &ConfigError{Field: field + ".extract.kind", Message: "unknown kind " + strconv.Quote(tool.Extract.Kind)}
		}
	}
	return nil
}
