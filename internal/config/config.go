// Package config loads and validates the capture configuration file.
//
// All validation happens before the pipeline starts: an invalid pattern,
// type tag, or group key never makes it to the ingestion loops.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"readport/internal/extract"
)

// DefaultQueueSize bounds the transport queue between the reader and the
// processor. Saturation is fatal by policy, so the bound only needs to
// absorb flush latency, not sustained imbalance.
const DefaultQueueSize = 10000

// DefaultFilename names archives the way the deployment's rsync sweeps
// expect: station and device, then group, then the flush timestamp.
const DefaultFilename = "{station}_{device}{group}_{date}.rpz"

// Duration is a time.Duration that unmarshals from either a Go duration
// string ("30s") or a bare number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid duration on line %d", value.Line)
	}
	raw := value.Value
	if secs, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

type Device struct {
	// Station and Name identify the instrument; they appear in the default
	// archive filename.
	Station string `yaml:"station"`
	Name    string `yaml:"name"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// Timeout bounds connect and each read. Zero means wait forever.
	Timeout Duration `yaml:"timeout"`
}

// Addr returns the instrument's dial address.
func (d Device) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

type Parser struct {
	// Pattern extracts named fields from each message.
	Pattern string `yaml:"pattern"`
	// Types maps capture names to type tags (integer, float, string);
	// missing captures default to float.
	Types map[string]string `yaml:"types"`
	// GroupBy names the capture that partitions records into groups.
	// The original "name:type" shorthand is accepted; the type part is
	// folded into Types.
	GroupBy string `yaml:"group_by"`
	// PackLength is the number of records per archive.
	PackLength int `yaml:"pack_length"`
	// Destination is the directory that receives the archives.
	Destination string `yaml:"destination"`
	// Filename overrides the default archive filename template. Recognized
	// placeholders: {station}, {device}, {group}, {date}.
	Filename string `yaml:"filename"`
	// DateLayout formats the {date} placeholder (Go time layout).
	DateLayout string `yaml:"date_layout"`
}

type Logging struct {
	Level string `yaml:"level"`
}

type Config struct {
	Device    Device  `yaml:"device"`
	Parser    Parser  `yaml:"parser"`
	QueueSize int     `yaml:"queue_size"`
	Logging   Logging `yaml:"logging"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes and validates configuration bytes.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// normalize applies defaults and folds the group_by shorthand into Types.
func (c *Config) normalize() error {
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Parser.Filename == "" {
		c.Parser.Filename = DefaultFilename
	}

	if name, tag, ok := strings.Cut(c.Parser.GroupBy, ":"); ok {
		if existing, has := c.Parser.Types[name]; has && existing != tag {
			return fmt.Errorf("group_by declares type %q for %q but types declares %q", tag, name, existing)
		}
		if c.Parser.Types == nil {
			c.Parser.Types = make(map[string]string, 1)
		}
		c.Parser.Types[name] = tag
		c.Parser.GroupBy = name
	}
	return nil
}

func (c *Config) validate() error {
	if c.Device.Host == "" {
		return errors.New("device.host is required")
	}
	if c.Device.Port <= 0 || c.Device.Port > 65535 {
		return fmt.Errorf("device.port %d is out of range", c.Device.Port)
	}
	if c.Device.Timeout < 0 {
		return errors.New("device.timeout must not be negative")
	}
	if c.Parser.PackLength <= 0 {
		return errors.New("parser.pack_length must be positive")
	}
	if c.Parser.Destination == "" {
		return errors.New("parser.destination is required")
	}
	if c.QueueSize < 0 {
		return errors.New("queue_size must not be negative")
	}
	// Compiles the pattern and checks capture names, type tags, the
	// reserved timestamp field, and the group key declaration.
	if _, err := extract.NewExtractor(c.ExtractSpec()); err != nil {
		return err
	}
	return nil
}

// ExtractSpec returns the extraction spec consumed by the pipeline.
func (c *Config) ExtractSpec() extract.Spec {
	return extract.Spec{
		Pattern: c.Parser.Pattern,
		Types:   c.Parser.Types,
		GroupBy: c.Parser.GroupBy,
	}
}

// DestTemplate resolves the static placeholders ({station}, {device}) and
// joins the destination directory, leaving {group} and {date} for flush
// time.
func (c *Config) DestTemplate() string {
	r := strings.NewReplacer(
		"{station}", c.Device.Station,
		"{device}", c.Device.Name,
	)
	return filepath.Join(c.Parser.Destination, r.Replace(c.Parser.Filename))
}
