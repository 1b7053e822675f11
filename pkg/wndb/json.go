package wndb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/webnis/webnis/pkg/record"
)

// jsonMap is a json-type map materialized in memory: an array of objects,
// scanned sequentially on lookup. Lookup cost is O(N); json maps are meant
// for small sets (a few thousand entries at most) — use gdbm beyond that.
type jsonMap struct {
	// raw entries preserve document field order for responses
	raw []json.RawMessage
	// decoded entries serve key comparison during the scan
	decoded []map[string]any
}

// LoadJSON materializes the JSON map at path. Called at startup for every
// json-type map named in a domain's map list, so that malformed files fail
// the load; the result is held in memory for the process lifetime.
func (s *Set) LoadJSON(path string) error {
	s.mu.Lock()
	_, ok := s.json[path]
	s.mu.Unlock()
	if ok {
		return nil
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMapNotFound, path)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(buf, &raw); err != nil {
		return fmt.Errorf("json map %s: %v", path, err)
	}
	decoded := make([]map[string]any, len(raw))
	for i, r := range raw {
		dec := json.NewDecoder(bytes.NewReader(r))
		dec.UseNumber()
		if err := dec.Decode(&decoded[i]); err != nil {
			return fmt.Errorf("json map %s: entry %d: %v", path, i, err)
		}
	}

	s.mu.Lock()
	s.json[path] = &jsonMap{raw: raw, decoded: decoded}
	s.mu.Unlock()
	return nil
}

// JSONLookup scans the materialized map at path for the first object whose
// keyname field equals keyval under JSON equality: numeric comparison when
// both sides parse as numbers, byte equality otherwise.
func (s *Set) JSONLookup(path, keyname, keyval string) (*record.Record, error) {
	s.mu.Lock()
	m, ok := s.json[path]
	s.mu.Unlock()
	if !ok {
		// Not preloaded: the map was not declared at startup.
		return nil, fmt.Errorf("%w: %s", ErrMapNotFound, path)
	}

	for i, obj := range m.decoded {
		if jsonEqual(obj[keyname], keyval) {
			return record.FromJSON(m.raw[i])
		}
	}
	return nil, ErrNotFound
}

// jsonEqual compares a decoded JSON field against a query value.
func jsonEqual(field any, keyval string) bool {
	switch t := field.(type) {
	case string:
		return t == keyval
	case json.Number:
		qn, err := strconv.ParseFloat(keyval, 64)
		if err != nil {
			return false
		}
		fn, err := t.Float64()
		if err != nil {
			return false
		}
		return fn == qn
	case bool:
		return strconv.FormatBool(t) == keyval
	default:
		return false
	}
}
