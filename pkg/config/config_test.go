package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "webnis-server.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const baseConfig = `
[server]
listen = [ "127.0.0.1:3245" ]

[[domain]]
name = "business"
db_dir = "/var/webnis/business"
maps = [ "passwd", "gidlist" ]
auth = "adjunct"
http_authschema = "X-Api-Key"
http_authtoken = "sekrit"

[auth.adjunct]
map = "adjunct"
key = "name"

[map.passwd.name]
type = "gdbm"
format = "passwd"
file = "passwd.byname"
key_alias = { user = "name" }

[map.passwd.uid]
type = "gdbm"
format = "passwd"
file = "passwd.byuid"

[map.gidlist]
key = "name"
type = "json"
file = "gidlist.json"

[map.adjunct.name]
type = "gdbm"
format = "adjunct"
file = "passwd.adjunct.byname"
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Domains, 1)
	assert.Equal(t, "business", cfg.Domains[0].Name)
	assert.Equal(t, []string{"127.0.0.1:3245"}, cfg.Server.Listen)

	require.Len(t, cfg.Maps["passwd"], 2)
	require.Len(t, cfg.Maps["gidlist"], 1)

	m, key, ok := cfg.FindMap("passwd", "name")
	require.True(t, ok)
	assert.Equal(t, "name", key)
	assert.Equal(t, "passwd.byname", m.File)
	assert.Equal(t, TypeGdbm, m.Type)

	m, key, ok = cfg.FindMap("passwd", "uid")
	require.True(t, ok)
	assert.Equal(t, "uid", key)
	assert.Equal(t, "passwd.byuid", m.File)
}

func TestFindMap_Alias(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	require.NoError(t, err)

	m, key, ok := cfg.FindMap("passwd", "user")
	require.True(t, ok, "alias user should resolve")
	assert.Equal(t, "name", key)
	assert.Equal(t, "passwd.byname", m.File)

	_, _, ok = cfg.FindMap("passwd", "shoesize")
	assert.False(t, ok)
}

func TestFindAllowedMap(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	require.NoError(t, err)
	d := cfg.FindDomain("business")
	require.NotNil(t, d)

	_, _, ok := cfg.FindAllowedMap(d, "passwd", "name")
	assert.True(t, ok)

	// adjunct is defined but not in the domain's allowed list
	_, _, ok = cfg.FindAllowedMap(d, "adjunct", "name")
	assert.False(t, ok)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mangle string
	}{
		{
			name: "domain references unknown map",
			mangle: baseConfig + `
[[domain]]
name = "other"
db_dir = "/var/webnis/other"
maps = [ "nosuchmap" ]
`,
		},
		{
			name: "duplicate key across definitions",
			mangle: baseConfig + `
[map.passwd.extra]
key = "name"
type = "gdbm"
format = "passwd"
file = "passwd.byname2"
`,
		},
		{
			name: "gdbm without format",
			mangle: baseConfig + `
[map.hosts]
key = "name"
type = "gdbm"
file = "hosts.byname"
`,
		},
		{
			name: "lua map without script",
			mangle: baseConfig + `
[map.virtual]
type = "lua"
lua_function = "virtual_lookup"
`,
		},
		{
			name: "tls without cert files",
			mangle: `
[server]
listen = [ ":3245" ]
tls = true

[[domain]]
name = "business"
db_dir = "/tmp"
maps = [ "passwd" ]

[map.passwd]
key = "name"
type = "gdbm"
format = "passwd"
file = "passwd.byname"
`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.mangle))
			assert.Error(t, err)
		})
	}
}

func TestLoad_AuthReferences(t *testing.T) {
	bad := `
[server]
listen = [ ":3245" ]

[[domain]]
name = "business"
db_dir = "/tmp"
maps = [ "passwd" ]
auth = "nosuch"

[map.passwd]
key = "name"
type = "gdbm"
format = "passwd"
file = "passwd.byname"
`
	_, err := Load(writeConfig(t, bad))
	assert.Error(t, err)
}

func TestLoad_IncludeMaps(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps.toml"), []byte(`
[hosts]
key = "name"
type = "gdbm"
format = "key-value"
file = "hosts.byname"
`), 0644))

	main := `
include_maps = "maps.toml"

[server]
listen = [ ":3245" ]

[[domain]]
name = "business"
db_dir = "/tmp"
maps = [ "hosts" ]
`
	path := filepath.Join(dir, "webnis-server.toml")
	require.NoError(t, os.WriteFile(path, []byte(main), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Maps["hosts"], 1)
	assert.Equal(t, "hosts.byname", cfg.Maps["hosts"][0].File)
}

func TestWriteSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.toml")
	require.NoError(t, WriteSample(path, false))
	assert.Error(t, WriteSample(path, false), "refuses to overwrite")
	require.NoError(t, WriteSample(path, true))

	// the sample must load cleanly
	_, err := Load(path)
	require.NoError(t, err)
}
