package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
device:
  station: MSU
  name: Sonic
  host: 192.168.192.48
  port: 4001
  timeout: 30s
parser:
  pattern: '^x= *(?P<u>\S+) y= *(?P<v>\S+) w=(?P<w>\S+)$'
  types:
    w: string
  group_by: w
  pack_length: 12000
  destination: /data/incoming
logging:
  level: info
`

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got := cfg.Device.Addr(); got != "192.168.192.48:4001" {
		t.Errorf("Addr = %q", got)
	}
	if time.Duration(cfg.Device.Timeout) != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", time.Duration(cfg.Device.Timeout))
	}
	if cfg.QueueSize != DefaultQueueSize {
		t.Errorf("QueueSize = %d, want default %d", cfg.QueueSize, DefaultQueueSize)
	}
	if cfg.Parser.GroupBy != "w" {
		t.Errorf("GroupBy = %q, want w", cfg.Parser.GroupBy)
	}

	want := filepath.Join("/data/incoming", "MSU_Sonic{group}_{date}.rpz")
	if got := cfg.DestTemplate(); got != want {
		t.Errorf("DestTemplate = %q, want %q", got, want)
	}
}

func TestParseTimeoutSeconds(t *testing.T) {
	cfg, err := Parse([]byte(strings.Replace(validConfig, "timeout: 30s", "timeout: 45", 1)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if time.Duration(cfg.Device.Timeout) != 45*time.Second {
		t.Errorf("Timeout = %v, want 45s", time.Duration(cfg.Device.Timeout))
	}
}

func TestParseGroupByShorthand(t *testing.T) {
	cfg, err := Parse([]byte(strings.Replace(
		strings.Replace(validConfig, "  types:\n    w: string\n", "", 1),
		"group_by: w", "group_by: 'w:string'", 1)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Parser.GroupBy != "w" {
		t.Errorf("GroupBy = %q, want w", cfg.Parser.GroupBy)
	}
	if cfg.Parser.Types["w"] != "string" {
		t.Errorf("Types[w] = %q, want string", cfg.Parser.Types["w"])
	}
}

func TestParseRejects(t *testing.T) {
	replace := func(old, new string) []byte {
		return []byte(strings.Replace(validConfig, old, new, 1))
	}

	tests := []struct {
		name string
		raw  []byte
	}{
		{"missing host", replace("host: 192.168.192.48", "host: ''")},
		{"port out of range", replace("port: 4001", "port: 70000")},
		{"zero pack length", replace("pack_length: 12000", "pack_length: 0")},
		{"missing destination", replace("destination: /data/incoming", "destination: ''")},
		{"invalid pattern", replace(`pattern: '^x= *(?P<u>\S+) y= *(?P<v>\S+) w=(?P<w>\S+)$'`, "pattern: '(?P<u>'")},
		{"time captured", replace("(?P<u>", "(?P<time>")},
		{"group_by not captured", replace("group_by: w", "group_by: nope")},
		{"bad group type tag", replace("w: string", "w: complex")},
		{"conflicting group type", replace("group_by: w", "group_by: 'w:integer'")},
		{"unknown key", append([]byte(validConfig), []byte("bogus: 1\n")...)},
		{"bad duration", replace("timeout: 30s", "timeout: soon")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.raw); err == nil {
				t.Fatal("expected a configuration error")
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "readport.yaml")
	if err := os.WriteFile(path, []byte(validConfig), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Device.Station != "MSU" {
		t.Errorf("Station = %q, want MSU", cfg.Device.Station)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
