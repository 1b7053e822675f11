package record

import (
	"encoding/json"
	"errors"
	"testing"
)

func mustJSON(t *testing.T, rec *Record) string {
	t.Helper()
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestParse_Passwd(t *testing.T) {
	rec, err := Parse(FormatPasswd, []byte("mikevs:x:1000:1000:Mike:/home/mikevs:/bin/sh"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := `{"name":"mikevs","passwd":"x","uid":1000,"gid":1000,"gecos":"Mike","dir":"/home/mikevs","shell":"/bin/sh"}`
	if got := mustJSON(t, rec); got != want {
		t.Errorf("Parse() = %s, want %s", got, want)
	}
}

func TestParse_PasswdNonNumericIDs(t *testing.T) {
	rec, err := Parse(FormatPasswd, []byte("svc:x:id-1:1000::/:/bin/false"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	uid, _ := rec.Get("uid")
	if uid != "id-1" {
		t.Errorf("uid = %v (%T), want string \"id-1\"", uid, uid)
	}
	gid, _ := rec.Get("gid")
	if gid != int64(1000) {
		t.Errorf("gid = %v (%T), want int64 1000", gid, gid)
	}
}

func TestParse_PasswdFieldCount(t *testing.T) {
	_, err := Parse(FormatPasswd, []byte("too:few:fields"))
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("Parse() error = %v, want ErrDecode", err)
	}
}

func TestParse_Group(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{
			name: "members",
			line: "staff:*:50:mikevs,root",
			want: `{"name":"staff","passwd":"*","gid":50,"mem":["mikevs","root"]}`,
		},
		{
			name: "empty member list",
			line: "nobody:*:65534:",
			want: `{"name":"nobody","passwd":"*","gid":65534,"mem":[]}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, err := Parse(FormatGroup, []byte(tc.line))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got := mustJSON(t, rec); got != tc.want {
				t.Errorf("Parse() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestParse_Adjunct(t *testing.T) {
	rec, err := Parse(FormatAdjunct, []byte("mikevs:$6$salt$hash:extra:fields:dropped"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := mustJSON(t, rec); got != `{"name":"mikevs","passwd":"$6$salt$hash"}` {
		t.Errorf("Parse() = %s", got)
	}

	if _, err := Parse(FormatAdjunct, []byte("nocolonhere")); !errors.Is(err, ErrDecode) {
		t.Errorf("Parse(single field) error = %v, want ErrDecode", err)
	}
}

func TestParse_KeyValue(t *testing.T) {
	rec, err := Parse(FormatKeyValue, []byte("host=fs1 port=2049 version=1.2.3 weight=-2 ratio=0.5 empty="))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	tests := []struct {
		key  string
		want any
	}{
		{"host", "fs1"},
		{"port", int64(2049)},
		{"version", "1.2.3"}, // two dots: not a number
		{"weight", int64(-2)},
		{"ratio", 0.5},
		{"empty", ""},
	}
	for _, tc := range tests {
		got, ok := rec.Get(tc.key)
		if !ok {
			t.Errorf("field %q missing", tc.key)
			continue
		}
		if got != tc.want {
			t.Errorf("field %q = %v (%T), want %v (%T)", tc.key, got, got, tc.want, tc.want)
		}
	}
}

func TestParse_KeyValueNumberTyping(t *testing.T) {
	rec, err := Parse(FormatKeyValue, []byte("a=123 b=1.2.3"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if a, _ := rec.Get("a"); a != int64(123) {
		t.Errorf("a = %v (%T), want JSON number 123", a, a)
	}
	if b, _ := rec.Get("b"); b != "1.2.3" {
		t.Errorf("b = %v (%T), want JSON string \"1.2.3\"", b, b)
	}
}

func TestParse_KeyValueMalformed(t *testing.T) {
	if _, err := Parse(FormatKeyValue, []byte("novalue")); !errors.Is(err, ErrDecode) {
		t.Errorf("Parse() error = %v, want ErrDecode", err)
	}
}

func TestParse_Separated(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		line   string
		want   string
	}{
		{
			name:   "colon",
			format: FormatColonSep,
			line:   "a:b:30",
			want:   `{"1":"a","2":"b","3":30}`,
		},
		{
			name:   "tab",
			format: FormatTabSep,
			line:   "x\ty\tz",
			want:   `{"1":"x","2":"y","3":"z"}`,
		},
		{
			name:   "whitespace collapses runs",
			format: FormatSpaceSep,
			line:   "one   two\t three",
			want:   `{"1":"one","2":"two","3":"three"}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, err := Parse(tc.format, []byte(tc.line))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got := mustJSON(t, rec); got != tc.want {
				t.Errorf("Parse() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestParse_JSON(t *testing.T) {
	rec, err := Parse(FormatJSON, []byte(`{"name":"mikevs","uid":1000,"tags":["a","b"]}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := mustJSON(t, rec); got != `{"name":"mikevs","uid":1000,"tags":["a","b"]}` {
		t.Errorf("Parse() = %s", got)
	}

	if _, err := Parse(FormatJSON, []byte(`[1,2,3]`)); !errors.Is(err, ErrDecode) {
		t.Errorf("Parse(array) error = %v, want ErrDecode", err)
	}
	if _, err := Parse(FormatJSON, []byte(`{broken`)); !errors.Is(err, ErrDecode) {
		t.Errorf("Parse(broken) error = %v, want ErrDecode", err)
	}
}

func TestParseFormat(t *testing.T) {
	for _, ok := range []string{"json", "passwd", "group", "adjunct", "key-value", "colon-separated", "tab-separated", "whitespace-separated"} {
		if _, err := ParseFormat(ok); err != nil {
			t.Errorf("ParseFormat(%q) error = %v", ok, err)
		}
	}
	if _, err := ParseFormat("yaml"); err == nil {
		t.Error("ParseFormat(yaml) should fail")
	}
}
