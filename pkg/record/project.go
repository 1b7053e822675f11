package record

import (
	"sort"
	"strings"
)

// Project re-shapes a parsed record through an output template. The result
// contains exactly the template's keys. Each template value is a pattern:
// {N} substitutes field N of an index-keyed record, {name} substitutes the
// named field, and literal text is copied verbatim. Substitutions that do not
// resolve produce the empty string.
//
// Template keys are emitted in sorted order so the projection is
// deterministic regardless of configuration decoding order.
func Project(rec *Record, template map[string]string) *Record {
	keys := make([]string, 0, len(template))
	for k := range template {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := New()
	for _, k := range keys {
		out.Set(k, expand(rec, template[k]))
	}
	return out
}

// expand substitutes {field} references in a pattern against rec.
func expand(rec *Record, pattern string) string {
	var b strings.Builder
	for {
		open := strings.IndexByte(pattern, '{')
		if open < 0 {
			b.WriteString(pattern)
			break
		}
		end := strings.IndexByte(pattern[open:], '}')
		if end < 0 {
			b.WriteString(pattern)
			break
		}
		end += open
		b.WriteString(pattern[:open])
		name := pattern[open+1 : end]
		if name != "" {
			b.WriteString(rec.GetString(name))
		}
		pattern = pattern[end+1:]
	}
	return b.String()
}
