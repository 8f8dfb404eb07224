// Package extract turns raw device messages into typed field records.
//
// A Spec describes the named-capture pattern and the per-capture type tags.
// The Spec is validated once, up front, into an Extractor holding a resolved
// Schema; per-message work is then just match, convert, and timestamp.
package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// TimeField is the reserved field name carrying the receipt timestamp as
// float64 Unix seconds. It must not appear as a capture name in the pattern.
const TimeField = "time"

// FieldType is the declared type of an extracted capture.
type FieldType int

const (
	// TypeFloat is the default type for captures without an explicit tag.
	TypeFloat FieldType = iota
	TypeInteger
	TypeString
)

// String returns the config-file tag for the type.
func (t FieldType) String() string {
	switch t {
	case TypeFloat:
		return "float"
	case TypeInteger:
		return "integer"
	case TypeString:
		return "string"
	default:
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
}

// ParseFieldType converts a config-file type tag into a FieldType.
// An empty tag maps to float.
func ParseFieldType(s string) (FieldType, error) {
	switch s {
	case "float", "":
		return TypeFloat, nil
	case "integer", "int":
		return TypeInteger, nil
	case "string", "str":
		return TypeString, nil
	default:
		return 0, fmt.Errorf("unknown field type %q (must be integer, float, or string)", s)
	}
}

// Field is one named capture with its resolved type.
type Field struct {
	Name string
	Type FieldType
}

// Schema is the ordered set of declared captures, resolved once at
// validation time, plus the optional group key designation.
type Schema struct {
	fields   []Field
	types    map[string]FieldType
	groupKey string
}

// Fields returns the declared captures in pattern order.
func (s *Schema) Fields() []Field { return s.fields }

// GroupKey returns the capture name that partitions records into groups,
// or the empty string when grouping is disabled.
func (s *Schema) GroupKey() string { return s.groupKey }

// Record is one extracted message: field name to typed value
// (float64, int64, or string), always including TimeField.
//
// Captures that did not participate in the matched alternative are absent.
type Record map[string]any

// Spec is the extraction configuration as consumed from the config surface.
type Spec struct {
	// Pattern is a regular expression with named capture groups, applied to
	// each message payload.
	Pattern string
	// Types maps capture names to type tags (integer, float, string).
	// Captures without an entry default to float.
	Types map[string]string
	// GroupBy optionally names the capture whose value partitions records
	// into independently batched groups.
	GroupBy string
}

// ErrNoMatch reports that a message did not match the configured pattern.
// The caller decides severity: the first message after a (re)connection is
// expected to be truncated and is not worth an error-level log.
var ErrNoMatch = errors.New("message does not match the pattern")

// CastError reports that a well-formed capture could not be converted to
// its declared type.
type CastError struct {
	Field string
	Value []byte
	Type  FieldType
	Err   error
}

func (e *CastError) Error() string {
	return fmt.Sprintf("field %q: cannot convert %q to %s: %v", e.Field, e.Value, e.Type, e.Err)
}

func (e *CastError) Unwrap() error { return e.Err }

// Extractor applies a validated Spec to raw messages.
type Extractor struct {
	re     *regexp.Regexp
	schema Schema
	// names[i] is the capture name of group i; names[0] is unused.
	names []string
}

// NewExtractor validates the spec and resolves the schema. All configuration
// problems surface here, before the pipeline starts: the pattern must
// compile (the engine rejects duplicate capture names at this point), every
// capture group must be named, the reserved TimeField name must not be
// captured, every type tag must parse, and a declared group key must be one
// of the captures.
func NewExtractor(spec Spec) (*Extractor, error) {
	re, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return nil, fmt.Errorf("pattern: %w", err)
	}

	names := re.SubexpNames()
	seen := make(map[string]FieldType, len(names))
	fields := make([]Field, 0, re.NumSubexp())
	for _, name := range names[1:] {
		if name == "" {
			return nil, errors.New("pattern: all capture groups must be named")
		}
		if name == TimeField {
			return nil, fmt.Errorf("pattern: %q is reserved for the message timestamp and must not be a capture name", TimeField)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("pattern: duplicate capture name %q is not supported by this engine", name)
		}
		ft, err := ParseFieldType(spec.Types[name])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		seen[name] = ft
		fields = append(fields, Field{Name: name, Type: ft})
	}

	for name := range spec.Types {
		if _, ok := seen[name]; !ok {
			return nil, fmt.Errorf("field %q has a type tag but no capture group", name)
		}
	}

	if spec.GroupBy != "" {
		if _, ok := seen[spec.GroupBy]; !ok {
			return nil, fmt.Errorf("group_by %q must be one of the captured fields", spec.GroupBy)
		}
	}

	// Matching is anchored at the start of the message: a pattern without an
	// explicit ^ must still reject a message whose match would begin
	// mid-string. The non-capturing wrapper leaves group indices intact.
	anchored, err := regexp.Compile(`\A(?:` + spec.Pattern + `)`)
	if err != nil {
		return nil, fmt.Errorf("pattern: %w", err)
	}

	return &Extractor{
		re: anchored,
		schema: Schema{
			fields:   fields,
			types:    seen,
			groupKey: spec.GroupBy,
		},
		names: names,
	}, nil
}

// Schema returns the resolved schema.
func (e *Extractor) Schema() *Schema { return &e.schema }

// Extract applies the pattern, anchored at the start of the payload, and
// converts every participating capture to its declared type. receivedAt (Unix seconds)
// becomes the record's TimeField value.
//
// Returns ErrNoMatch when the pattern produces no match, or a *CastError
// when a capture cannot be converted. Either way no record is produced and
// the message is dropped by the caller.
func (e *Extractor) Extract(payload []byte, receivedAt float64) (Record, error) {
	idx := e.re.FindSubmatchIndex(payload)
	if idx == nil {
		return nil, ErrNoMatch
	}

	rec := make(Record, len(e.schema.fields)+1)
	for i, name := range e.names {
		if i == 0 {
			continue
		}
		// A group that did not participate in the matched alternative has a
		// negative index pair. That is not an error; the field is absent.
		if idx[2*i] < 0 {
			continue
		}
		raw := payload[idx[2*i]:idx[2*i+1]]
		value, err := convert(raw, e.schema.types[name])
		if err != nil {
			return nil, &CastError{Field: name, Value: raw, Type: e.schema.types[name], Err: err}
		}
		rec[name] = value
	}

	rec[TimeField] = receivedAt
	return rec, nil
}

func convert(raw []byte, t FieldType) (any, error) {
	switch t {
	case TypeInteger:
		return strconv.ParseInt(string(raw), 10, 64)
	case TypeString:
		return string(raw), nil
	default:
		return strconv.ParseFloat(string(raw), 64)
	}
}
