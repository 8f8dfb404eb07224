// Package archive persists completed batches as compressed columnar files.
//
// An archive holds one value sequence per field, all of equal length. The
// on-disk layout is a small magic header followed by a zstd-compressed
// msgpack map of field name to column. Files are written to a temporary
// sibling and renamed into place, so a concurrent reader (or an rsync
// sweep) never observes a partial archive under its final name.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// magic identifies a readport archive; the trailing byte is the format
// version.
var magic = [4]byte{'R', 'P', 'Z', 1}

var (
	ErrBadMagic    = errors.New("not a readport archive")
	ErrBadVersion  = errors.New("unsupported archive version")
	ErrTruncated   = errors.New("archive is truncated")
	ErrColumnShape = errors.New("archive columns have unequal lengths")
)

// zstdDec is a package-level decoder, concurrent-safe, always available for
// reads.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("zstd: init decoder: " + err.Error())
	}
}

// Writer flushes completed batches to disk.
type Writer struct {
	enc *zstd.Encoder
}

// NewWriter returns a Writer with its own zstd encoder.
func NewWriter() (*Writer, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: init encoder: %w", err)
	}
	return &Writer{enc: enc}, nil
}

// Close releases the encoder. The Writer is unusable afterwards.
func (w *Writer) Close() {
	_ = w.enc.Close()
}

// Flush serializes the columns and writes them to path atomically: missing
// parent directories are created, the payload goes to a temporary file in
// the same directory, and a rename publishes it under the final name.
// On any failure nothing is left under the final name.
func (w *Writer) Flush(path string, columns map[string][]any) error {
	payload, err := encodeColumns(columns)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".flush-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(magic[:]); err != nil {
		cleanup()
		return err
	}
	if _, err := tmp.Write(w.enc.EncodeAll(payload, nil)); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Read loads an archive back into columns. Integer values come back as
// int64, floats as float64, strings as string, regardless of how msgpack
// packed them on the wire.
func Read(path string) (map[string][]any, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	if len(raw) < len(magic) {
		return nil, ErrTruncated
	}
	if !bytes.Equal(raw[:3], magic[:3]) {
		return nil, ErrBadMagic
	}
	if raw[3] != magic[3] {
		return nil, ErrBadVersion
	}

	payload, err := zstdDec.DecodeAll(raw[len(magic):], nil)
	if err != nil {
		return nil, err
	}

	var decoded map[string][]any
	if err := msgpack.Unmarshal(payload, &decoded); err != nil {
		return nil, err
	}

	columns := make(map[string][]any, len(decoded))
	length := -1
	for name, values := range decoded {
		col := make([]any, len(values))
		for i, v := range values {
			nv, err := normalize(v)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", name, err)
			}
			col[i] = nv
		}
		if length >= 0 && len(col) != length {
			return nil, ErrColumnShape
		}
		length = len(col)
		columns[name] = col
	}
	return columns, nil
}

// encodeColumns converts the per-field []any sequences into homogeneous
// typed slices before marshalling, keeping the archive columnar rather than
// a list of variant values.
func encodeColumns(columns map[string][]any) ([]byte, error) {
	typed := make(map[string]any, len(columns))
	for name, values := range columns {
		if len(values) == 0 {
			return nil, fmt.Errorf("column %q is empty", name)
		}
		switch values[0].(type) {
		case float64:
			col := make([]float64, len(values))
			for i, v := range values {
				f, ok := v.(float64)
				if !ok {
					return nil, fmt.Errorf("column %q: mixed types", name)
				}
				col[i] = f
			}
			typed[name] = col
		case int64:
			col := make([]int64, len(values))
			for i, v := range values {
				n, ok := v.(int64)
				if !ok {
					return nil, fmt.Errorf("column %q: mixed types", name)
				}
				col[i] = n
			}
			typed[name] = col
		case string:
			col := make([]string, len(values))
			for i, v := range values {
				s, ok := v.(string)
				if !ok {
					return nil, fmt.Errorf("column %q: mixed types", name)
				}
				col[i] = s
			}
			typed[name] = col
		default:
			return nil, fmt.Errorf("column %q: unsupported value type %T", name, values[0])
		}
	}
	return msgpack.Marshal(typed)
}

// normalize maps msgpack's decoded value back to the canonical column types.
func normalize(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case string:
		return n, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
