// Package record implements the structured record model used by the map
// engine: an ordered field→value map decoded from raw map entries, plus the
// format parsers and the output projector that re-shapes parsed records.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Record is an ordered field→value map. Field order is insertion order and is
// preserved by JSON serialization, which keeps responses deterministic.
//
// Values are string, int64, float64, []string (group member lists), bool,
// []any, or map[string]any (the latter three only for records decoded from
// JSON sources or scripts).
type Record struct {
	keys   []string
	fields map[string]any
}

// New returns an empty record.
func New() *Record {
	return &Record{fields: make(map[string]any)}
}

// Set adds or replaces a field. A new field is appended to the order.
func (r *Record) Set(key string, value any) {
	if _, ok := r.fields[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.fields[key] = value
}

// Get returns the value of a field.
func (r *Record) Get(key string) (any, bool) {
	v, ok := r.fields[key]
	return v, ok
}

// GetString returns the value of a field rendered as a string. Numbers are
// formatted in their canonical decimal form; missing fields return "".
func (r *Record) GetString(key string) string {
	v, ok := r.fields[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Keys returns the field names in order. The slice is shared; do not modify.
func (r *Record) Keys() []string {
	return r.keys
}

// Len returns the number of fields.
func (r *Record) Len() int {
	return len(r.keys)
}

// MarshalJSON serializes the record as a JSON object in field order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(r.fields[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FromJSON decodes a JSON object into a record, preserving the field order of
// the source document. Non-object documents are rejected.
func FromJSON(raw []byte) (*Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrDecode)
	}

	rec := New()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: bad object key", ErrDecode)
		}
		var val any
		if err := dec.Decode(&val); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		rec.Set(key, normalizeJSON(val))
	}
	// consume the closing brace
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return rec, nil
}

// FromAny builds a record from an already-decoded generic value, which must
// be an object. Used for script return values.
func FromAny(v any) (*Record, error) {
	m, ok := normalizeJSON(v).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: not an object", ErrDecode)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return FromJSON(b)
}

// normalizeJSON converts json.Number values to int64 or float64, recursively.
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		for i := range t {
			t[i] = normalizeJSON(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeJSON(t[k])
		}
		return t
	default:
		return v
	}
}
