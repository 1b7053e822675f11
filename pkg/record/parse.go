package record

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrDecode indicates a record that could not be decoded under its declared
// format. It is distinct from a lookup miss: the key existed but the stored
// entry does not match the map's format, which is a configuration-level bug.
var ErrDecode = errors.New("record decode error")

// Format identifies the wire format of raw map entries.
type Format string

const (
	FormatJSON     Format = "json"
	FormatPasswd   Format = "passwd"
	FormatGroup    Format = "group"
	FormatAdjunct  Format = "adjunct"
	FormatKeyValue Format = "key-value"
	FormatColonSep Format = "colon-separated"
	FormatTabSep   Format = "tab-separated"
	FormatSpaceSep Format = "whitespace-separated"
)

// ParseFormat validates a format name from the configuration.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatPasswd, FormatGroup, FormatAdjunct,
		FormatKeyValue, FormatColonSep, FormatTabSep, FormatSpaceSep:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown format %q", s)
}

// Parse decodes a raw map entry per the declared format. It is pure: the same
// input always yields the same record or the same error, with no partial
// state.
func Parse(format Format, raw []byte) (*Record, error) {
	line := strings.TrimRight(string(raw), "\n")
	switch format {
	case FormatJSON:
		return FromJSON(raw)
	case FormatPasswd:
		return parsePasswd(line)
	case FormatGroup:
		return parseGroup(line)
	case FormatAdjunct:
		return parseAdjunct(line)
	case FormatKeyValue:
		return parseKeyValue(line)
	case FormatColonSep:
		return parseIndexed(strings.Split(line, ":"))
	case FormatTabSep:
		return parseIndexed(strings.Split(line, "\t"))
	case FormatSpaceSep:
		return parseIndexed(strings.Fields(line))
	}
	return nil, fmt.Errorf("%w: unknown format %q", ErrDecode, format)
}

// parsePasswd decodes the 7-field passwd(5) line format.
func parsePasswd(line string) (*Record, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 7 {
		return nil, fmt.Errorf("%w: passwd entry has %d fields, want 7", ErrDecode, len(fields))
	}
	rec := New()
	rec.Set("name", fields[0])
	rec.Set("passwd", fields[1])
	rec.Set("uid", numberOrString(fields[2]))
	rec.Set("gid", numberOrString(fields[3]))
	rec.Set("gecos", fields[4])
	rec.Set("dir", fields[5])
	rec.Set("shell", fields[6])
	return rec, nil
}

// parseGroup decodes the 4-field group(5) line format. The member list is
// comma-split; an empty fourth field yields an empty array.
func parseGroup(line string) (*Record, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 4 {
		return nil, fmt.Errorf("%w: group entry has %d fields, want 4", ErrDecode, len(fields))
	}
	mem := []string{}
	if fields[3] != "" {
		mem = strings.Split(fields[3], ",")
	}
	rec := New()
	rec.Set("name", fields[0])
	rec.Set("passwd", fields[1])
	rec.Set("gid", numberOrString(fields[2]))
	rec.Set("mem", mem)
	return rec, nil
}

// parseAdjunct decodes the NIS adjunct format: name and hashed password,
// trailing fields discarded.
func parseAdjunct(line string) (*Record, error) {
	fields := strings.SplitN(line, ":", 3)
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: adjunct entry has %d fields, want at least 2", ErrDecode, len(fields))
	}
	rec := New()
	rec.Set("name", fields[0])
	rec.Set("passwd", fields[1])
	return rec, nil
}

// parseKeyValue decodes whitespace-separated k=v tokens. Values are unquoted
// byte runs with no escape syntax.
func parseKeyValue(line string) (*Record, error) {
	rec := New()
	for _, tok := range strings.Fields(line) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: bad key-value token %q", ErrDecode, tok)
		}
		rec.Set(k, inferValue(v))
	}
	return rec, nil
}

// parseIndexed builds a record keyed by 1-based field indices.
func parseIndexed(fields []string) (*Record, error) {
	rec := New()
	for i, f := range fields {
		rec.Set(strconv.Itoa(i+1), inferValue(f))
	}
	return rec, nil
}

// numberOrString returns the value as an int64 when it parses as one,
// otherwise the original string.
func numberOrString(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

// inferValue types a raw field value: a JSON number when it is composed of an
// optional sign, digits, and at most a single decimal point with digits on
// both sides; a string otherwise.
func inferValue(s string) any {
	if !looksNumeric(s) {
		return s
	}
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return s
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	// digits only, but too large for int64
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// looksNumeric matches: [+-]? digits ( "." digits )?
func looksNumeric(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '+' || s[0] == '-' {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	intPart, fracPart, hasDot := strings.Cut(s, ".")
	if !allDigits(intPart) || intPart == "" {
		return false
	}
	if hasDot && (fracPart == "" || !allDigits(fracPart)) {
		return false
	}
	return true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
