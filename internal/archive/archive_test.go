package archive

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	w, err := NewWriter()
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	t.Cleanup(w.Close)
	return w
}

func TestFlushReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t)

	columns := map[string][]any{
		"time":    {1700000000.1, 1700000000.2, 1700000000.3},
		"u":       {1.5, -2.0, 0.25},
		"count":   {int64(1), int64(2), int64(3)},
		"station": {"MSU", "MSU", "MSU"},
	}

	path := filepath.Join(dir, "station", "out.rpz")
	if err := w.Flush(path, columns); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(got, columns) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", got, columns)
	}
}

func TestFlushCreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t)

	path := filepath.Join(dir, "a", "b", "c", "out.rpz")
	if err := w.Flush(path, map[string][]any{"time": {1.0}}); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}
}

func TestFlushLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t)

	if err := w.Flush(filepath.Join(dir, "out.rpz"), map[string][]any{"time": {1.0}}); err != nil {
		t.Fatalf("flush: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".flush-") {
			t.Errorf("leftover temp file %q", e.Name())
		}
	}
}

func TestFlushFailureLeavesNothingUnderFinalName(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t)

	// A directory squatting on the final name makes the rename fail.
	path := filepath.Join(dir, "out.rpz")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	err := w.Flush(path, map[string][]any{"time": {1.0}})
	if err == nil {
		t.Fatal("expected flush to fail")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".flush-") {
			t.Errorf("leftover temp file %q after failed flush", e.Name())
		}
	}
}

func TestFlushRejectsUnsupportedColumn(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t)

	err := w.Flush(filepath.Join(dir, "out.rpz"), map[string][]any{"time": {struct{}{}}})
	if err == nil {
		t.Fatal("expected an error for an unsupported column type")
	}
}

func TestReadRejectsForeignFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bogus")
	if err := os.WriteFile(path, []byte("not an archive at all"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Read(path); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}

	if err := os.WriteFile(path, []byte("RP"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Read(path); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestTemplateResolve(t *testing.T) {
	now := time.Date(2026, 8, 29, 13, 45, 10, 0, time.UTC)

	tests := []struct {
		name   string
		format string
		layout string
		key    any
		want   string
	}{
		{
			name:   "grouped",
			format: "/data/MSU_Sonic{group}_{date}.rpz",
			key:    "N2",
			want:   "/data/MSU_SonicN2_2026-08-29_13-45-10.rpz",
		},
		{
			name:   "ungrouped renders empty",
			format: "/data/MSU_Sonic{group}_{date}.rpz",
			key:    nil,
			want:   "/data/MSU_Sonic_2026-08-29_13-45-10.rpz",
		},
		{
			name:   "integer key",
			format: "{group}/{date}.rpz",
			key:    int64(4001),
			want:   "4001/2026-08-29_13-45-10.rpz",
		},
		{
			name:   "float key",
			format: "{group}.rpz",
			key:    2.5,
			want:   "2.5.rpz",
		},
		{
			name:   "custom date layout",
			format: "{date}.rpz",
			layout: "20060102",
			want:   "20260829.rpz",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := NewTemplate(tt.format, tt.layout)
			if got := tmpl.Resolve(tt.key, now); got != tt.want {
				t.Errorf("Resolve = %q, want %q", got, tt.want)
			}
		})
	}
}
