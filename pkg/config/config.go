// Package config loads and validates the TOML configuration trees for the
// webnis server and the webnis binding daemon.
//
// Configuration is immutable after load: each daemon shares its resulting
// tree (*Config for the server, *Bind for the binding daemon) by reference
// for the process lifetime, and reload is a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the webnis-server configuration tree.
type Config struct {
	Logging LoggingConfig   `mapstructure:"logging"`
	Server  ServerConfig    `mapstructure:"server"`
	Metrics MetricsConfig   `mapstructure:"metrics"`
	Domains []Domain        `mapstructure:"domain" validate:"required,min=1,dive"`
	Auth    map[string]Auth `mapstructure:"auth"`
	Lua     *LuaConfig      `mapstructure:"lua"`

	// IncludeMaps names a separate TOML file of map definitions, resolved
	// relative to the main config file.
	IncludeMaps string `mapstructure:"include_maps"`

	// Maps holds the flattened map table: map name to the concrete sub-map
	// definitions that serve it, one per lookup key. Built by Load.
	Maps map[string][]*Map `mapstructure:"-"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
	Output string `mapstructure:"output"`
}

// ServerConfig holds the HTTPS listener settings.
type ServerConfig struct {
	// Listen is one or more listen addresses ("host:port").
	Listen []string `mapstructure:"listen" validate:"required,min=1"`

	TLS     bool   `mapstructure:"tls"`
	CrtFile string `mapstructure:"crt_file"`
	KeyFile string `mapstructure:"key_file"`

	// Securenets names files in ypserv.securenets format; when set, requests
	// from addresses outside the listed networks are rejected.
	Securenets []string `mapstructure:"securenets"`
}

// MetricsConfig enables the Prometheus metrics listener when Listen is set.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// Domain is a tenant inside the server: its own data directory, shared
// secret, and allowed-map list.
type Domain struct {
	Name  string   `mapstructure:"name"   validate:"required"`
	DBDir string   `mapstructure:"db_dir" validate:"required"`
	Maps  []string `mapstructure:"maps"   validate:"required,min=1"`

	// Auth names an entry in the top-level auth table; empty means the
	// domain does not support authentication.
	Auth string `mapstructure:"auth"`

	// HTTPAuthSchema is the scheme expected in the Authorization header
	// (e.g. "Basic" or "X-Api-Key"). Empty means no access control.
	HTTPAuthSchema string `mapstructure:"http_authschema"`
	// HTTPAuthToken is the opaque shared secret; compared constant-time.
	HTTPAuthToken string `mapstructure:"http_authtoken"`
	// HTTPAuthEncoding is how the header value is encoded on the wire.
	// For schema "Basic" this is usually "base64".
	HTTPAuthEncoding string `mapstructure:"http_authencoding" validate:"omitempty,oneof=base64"`
}

// Auth links a domain to the adjunct map holding its password hashes, or to
// a script function that implements authentication itself.
type Auth struct {
	Map         string `mapstructure:"map"`
	Key         string `mapstructure:"key"`
	LuaFunction string `mapstructure:"lua_function"`
}

// LuaConfig names the script loaded into the embedded interpreter.
type LuaConfig struct {
	Script string `mapstructure:"script" validate:"required"`
}

// MapType selects a lookup backend.
type MapType string

const (
	TypeGdbm MapType = "gdbm"
	TypeJSON MapType = "json"
	TypeLua  MapType = "lua"
)

// Map is one concrete map definition. A named map can consist of several of
// these, one per lookup key (e.g. passwd by name and passwd by uid).
type Map struct {
	// Name is the map name as requested by clients. Set by Load.
	Name string `mapstructure:"-"`

	// Key is the lookup key this definition serves; Keys lists alternates.
	Key  string   `mapstructure:"key"`
	Keys []string `mapstructure:"keys"`

	// KeyAlias maps alternate request keynames onto the canonical one
	// (e.g. user → name).
	KeyAlias map[string]string `mapstructure:"key_alias"`

	Type   MapType `mapstructure:"type"`
	Format string  `mapstructure:"format"`

	// File is the backing file, relative to the domain's data directory.
	File string `mapstructure:"file"`

	// Output is an optional projection template applied to parsed records.
	Output map[string]string `mapstructure:"output"`

	// LuaFunction is the script entry point for type lua.
	LuaFunction string `mapstructure:"lua_function"`
}

// KeyNames returns the canonical lookup keys this definition serves.
func (m *Map) KeyNames() []string {
	if m.Key == "" {
		return m.Keys
	}
	return append([]string{m.Key}, m.Keys...)
}

// Load reads, flattens and validates a webnis-server configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config %s: %w", path, err)
	}
	applyDefaults(&cfg)

	rawMaps := map[string]any{}
	if m := v.GetStringMap("map"); m != nil {
		rawMaps = m
	}

	// Merge an include_maps file: each top-level key is a map definition.
	if cfg.IncludeMaps != "" {
		include := cfg.IncludeMaps
		if !filepath.IsAbs(include) {
			include = filepath.Join(filepath.Dir(path), include)
		}
		iv := viper.New()
		iv.SetConfigFile(include)
		iv.SetConfigType("toml")
		if err := iv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("include_maps %s: %w", include, err)
		}
		for _, name := range iv.AllKeys() {
			// AllKeys returns dotted leaf keys; we only need the top levels.
			top, _, _ := strings.Cut(name, ".")
			if _, ok := rawMaps[top]; !ok {
				rawMaps[top] = iv.GetStringMap(top)
			}
		}
	}

	maps, err := flattenMaps(rawMaps)
	if err != nil {
		return nil, err
	}
	cfg.Maps = maps

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if len(cfg.Server.Listen) == 0 {
		cfg.Server.Listen = []string{":3245"}
	}
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
	)
}

// flattenMaps turns the raw [map] tree into per-name lists of concrete map
// definitions. Three layouts are accepted:
//
//  1. [map.passwd]: a single flat definition.
//  2. [map.passwd.name] + [map.passwd.uid]: one definition per lookup key;
//     a definition without an explicit key inherits the sub-table name.
//  3. [map.passwd] + [map.passwd.name] + ...: a base definition whose
//     settings are inherited by each keyed sub-map.
func flattenMaps(raw map[string]any) (map[string][]*Map, error) {
	out := make(map[string][]*Map, len(raw))
	for name, entry := range raw {
		table, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("map %s: not a table", name)
		}

		base := map[string]any{}
		subs := map[string]map[string]any{}
		for k, v := range table {
			if sub, ok := v.(map[string]any); ok && !isScalarTableKey(k) {
				subs[k] = sub
			} else {
				base[k] = v
			}
		}

		var defs []*Map
		switch {
		case len(subs) == 0:
			m, err := decodeMap(name, base)
			if err != nil {
				return nil, err
			}
			defs = append(defs, m)

		case len(base) == 0:
			// layout 2: every sub-table is its own definition
			for _, key := range sortedKeys(subs) {
				m, err := decodeMap(name, subs[key])
				if err != nil {
					return nil, err
				}
				if m.Key == "" && len(m.Keys) == 0 {
					m.Key = key
				}
				defs = append(defs, m)
			}

		default:
			// layout 3: base definition with keyed sub-maps
			baseMap, err := decodeMap(name, base)
			if err != nil {
				return nil, err
			}
			if baseMap.Key != "" || len(baseMap.Keys) > 0 || len(baseMap.KeyAlias) > 0 {
				return nil, fmt.Errorf("map %s: base definition cannot have a key", name)
			}
			for _, key := range sortedKeys(subs) {
				m, err := decodeMap(name, subs[key])
				if err != nil {
					return nil, err
				}
				inherit(m, baseMap)
				if m.Key == "" && len(m.Keys) == 0 {
					m.Key = key
				}
				defs = append(defs, m)
			}
		}
		out[name] = defs
	}
	return out, nil
}

// isScalarTableKey marks table-valued map settings that are not sub-maps.
func isScalarTableKey(k string) bool {
	return k == "key_alias" || k == "output"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func decodeMap(name string, table map[string]any) (*Map, error) {
	var m Map
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     &m,
		DecodeHook: decodeHooks(),
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(table); err != nil {
		return nil, fmt.Errorf("map %s: %w", name, err)
	}
	m.Name = name
	return &m, nil
}

// inherit fills unset fields of m from the base definition.
func inherit(m, base *Map) {
	if m.Type == "" {
		m.Type = base.Type
	}
	if m.Format == "" {
		m.Format = base.Format
	}
	if m.File == "" {
		m.File = base.File
	}
	if m.Output == nil {
		m.Output = base.Output
	}
	if m.LuaFunction == "" {
		m.LuaFunction = base.LuaFunction
	}
}

// FindDomain looks up a domain by name.
func (c *Config) FindDomain(name string) *Domain {
	for i := range c.Domains {
		if c.Domains[i].Name == name {
			return &c.Domains[i]
		}
	}
	return nil
}

// FindMap resolves (mapname, keyname) to the concrete definition serving
// that key, expanding key aliases. The returned string is the canonical
// keyname after alias expansion. A single keyless definition (a lua map)
// matches any keyname.
func (c *Config) FindMap(mapname, keyname string) (*Map, string, bool) {
	defs, ok := c.Maps[mapname]
	if !ok {
		return nil, "", false
	}

	if len(defs) == 1 && defs[0].Key == "" && len(defs[0].Keys) == 0 {
		return defs[0], keyname, true
	}

	for _, m := range defs {
		key := keyname
		if alias, ok := m.KeyAlias[key]; ok {
			key = alias
		}
		for _, k := range m.KeyNames() {
			if k == key {
				return m, k, true
			}
		}
	}
	return nil, "", false
}

// FindAllowedMap is FindMap restricted to the domain's allowed-map list.
// A name outside the list resolves to nothing, indistinguishable from an
// unknown map.
func (c *Config) FindAllowedMap(d *Domain, mapname, keyname string) (*Map, string, bool) {
	allowed := false
	for _, m := range d.Maps {
		if m == mapname {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, "", false
	}
	return c.FindMap(mapname, keyname)
}

// Validate checks structural and semantic validity of a server config.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if cfg.Server.TLS {
		if cfg.Server.KeyFile == "" || cfg.Server.CrtFile == "" {
			return fmt.Errorf("server: tls enabled but key_file/crt_file not both set")
		}
	}
	if (cfg.Server.KeyFile == "") != (cfg.Server.CrtFile == "") {
		return fmt.Errorf("server: key_file and crt_file must be set together")
	}

	for name, defs := range cfg.Maps {
		if err := validateMapSet(name, defs); err != nil {
			return err
		}
	}

	for i := range cfg.Domains {
		d := &cfg.Domains[i]
		for _, mapname := range d.Maps {
			if _, ok := cfg.Maps[mapname]; !ok {
				return fmt.Errorf("domain %s: map %s not defined", d.Name, mapname)
			}
		}
		if d.HTTPAuthSchema != "" && d.HTTPAuthToken == "" {
			return fmt.Errorf("domain %s: http_authschema set but http_authtoken missing", d.Name)
		}
		if d.Auth == "" {
			continue
		}
		auth, ok := cfg.Auth[d.Auth]
		if !ok {
			return fmt.Errorf("domain %s: auth %s not defined", d.Name, d.Auth)
		}
		if auth.LuaFunction != "" {
			if cfg.Lua == nil {
				return fmt.Errorf("auth %s: lua_function set but no lua script configured", d.Auth)
			}
			continue
		}
		if auth.Map == "" || auth.Key == "" {
			return fmt.Errorf("auth %s: 'map' and 'key' must be set", d.Auth)
		}
		if _, _, ok := cfg.FindMap(auth.Map, auth.Key); !ok {
			return fmt.Errorf("auth %s: map %s has no key %s", d.Auth, auth.Map, auth.Key)
		}
	}

	if cfg.Lua == nil {
		for name, defs := range cfg.Maps {
			for _, m := range defs {
				if m.Type == TypeLua {
					return fmt.Errorf("map %s: type lua but no lua script configured", name)
				}
			}
		}
	}

	return nil
}

// validateMapSet checks one named map's definitions: well-formed types and
// formats, and unambiguous (map, keyname) resolution.
func validateMapSet(name string, defs []*Map) error {
	seenKeys := map[string]bool{}
	aliasTargets := map[string]string{}

	for _, m := range defs {
		switch m.Type {
		case TypeGdbm:
			if m.Format == "" {
				return fmt.Errorf("map %s: format not set", name)
			}
			if !validFormat(m.Format) {
				return fmt.Errorf("map %s: unknown format %q", name, m.Format)
			}
		case TypeJSON:
			// json maps are arrays of objects; a record format does not apply
			if m.Format != "" {
				return fmt.Errorf("map %s: cannot use format with map type json", name)
			}
		case TypeLua:
			if m.LuaFunction == "" {
				return fmt.Errorf("map %s: lua_function not set", name)
			}
			if m.Format != "" || m.File != "" {
				return fmt.Errorf("map %s: lua maps take neither format nor file", name)
			}
			continue
		case "":
			return fmt.Errorf("map %s: type not set", name)
		default:
			return fmt.Errorf("map %s: unknown type %q", name, m.Type)
		}

		// gdbm and json types from here on
		if m.LuaFunction != "" {
			return fmt.Errorf("map %s: lua_function set, map type must be \"lua\"", name)
		}
		if m.File == "" {
			return fmt.Errorf("map %s: file not set", name)
		}
		if len(m.KeyNames()) == 0 {
			return fmt.Errorf("map %s: no key", name)
		}
		if m.Output != nil {
			switch m.Format {
			case "json", "passwd", "group", "adjunct":
				return fmt.Errorf("map %s: cannot use output with format %q", name, m.Format)
			}
		}

		for _, k := range m.KeyNames() {
			if seenKeys[k] {
				return fmt.Errorf("map %s: key %s served by more than one definition", name, k)
			}
			seenKeys[k] = true
		}
		for alias, target := range m.KeyAlias {
			if prev, ok := aliasTargets[alias]; ok && prev != target {
				return fmt.Errorf("map %s: alias %s is ambiguous (%s vs %s)", name, alias, prev, target)
			}
			aliasTargets[alias] = target
		}
	}
	return nil
}

func validFormat(s string) bool {
	switch s {
	case "json", "passwd", "group", "adjunct", "key-value",
		"colon-separated", "tab-separated", "whitespace-separated":
		return true
	}
	return false
}

// WriteSample writes a commented sample server configuration, refusing to
// overwrite an existing file unless force is set.
func WriteSample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(sampleConfig), 0644)
}

const sampleConfig = `# webnis-server configuration.

[logging]
level = "info"
format = "text"

[server]
listen = [ "0.0.0.0:3245" ]
tls = true
key_file = "/etc/webnis/server.key"
crt_file = "/etc/webnis/server.crt"

#[metrics]
#listen = "127.0.0.1:9245"

[[domain]]
name = "business"
db_dir = "/var/webnis/business"
maps = [ "passwd", "group", "gidlist", "adjunct" ]
auth = "adjunct"
http_authschema = "X-Api-Key"
http_authtoken = "replace-me"

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

[map.group.name]
type = "gdbm"
format = "group"
file = "group.byname"

[map.group.gid]
type = "gdbm"
format = "group"
file = "group.bygid"

[map.gidlist]
key = "name"
type = "json"
file = "gidlist.json"

[map.adjunct.name]
type = "gdbm"
format = "adjunct"
file = "passwd.adjunct.byname"
`
