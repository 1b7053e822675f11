// Package server implements the webnis HTTPS request pipeline: routing,
// per-domain authorization, map and auth dispatch, and the embedded script
// host. It is the server-side core that the binding daemon talks to.
package server

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/webnis/webnis/internal/logger"
	"github.com/webnis/webnis/pkg/config"
	"github.com/webnis/webnis/pkg/record"
	"github.com/webnis/webnis/pkg/script"
	"github.com/webnis/webnis/pkg/unixcrypt"
	"github.com/webnis/webnis/pkg/wndb"
)

// Engine is the polymorphic lookup core: it resolves (domain, map, key)
// requests to a concrete backend, decodes and projects records, and verifies
// passwords against adjunct maps. Scripts re-enter it through the
// script.Engine interface.
type Engine struct {
	cfg *config.Config
	db  *wndb.Set
	lua *script.Host
}

// NewEngine builds the engine for a loaded configuration: json maps are
// materialized up front, gdbm maps are opened lazily, and the lua script (if
// any) is evaluated into an interpreter pool sized to the worker count.
func NewEngine(cfg *config.Config) (*Engine, error) {
	e := &Engine{
		cfg: cfg,
		db:  wndb.NewSet(),
	}

	for i := range cfg.Domains {
		d := &cfg.Domains[i]
		for _, name := range d.Maps {
			for _, m := range cfg.Maps[name] {
				if m.Type == config.TypeJSON {
					if err := e.db.LoadJSON(filepath.Join(d.DBDir, m.File)); err != nil {
						return nil, fmt.Errorf("domain %s: %w", d.Name, err)
					}
				}
			}
		}
	}

	if cfg.Lua != nil {
		host, err := script.NewHost(cfg.Lua.Script, e, runtime.GOMAXPROCS(0))
		if err != nil {
			return nil, err
		}
		e.lua = host
	}
	return e, nil
}

// Close releases backend handles and the interpreter pool.
func (e *Engine) Close() {
	e.db.Close()
	if e.lua != nil {
		e.lua.Close()
	}
}

// Config returns the engine's immutable configuration tree.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Lookup runs a resolved map lookup through its backend, the record parser,
// and the output projector. Lua maps are not served here; they dispatch to
// the script host, which needs the full request context.
func (e *Engine) Lookup(d *config.Domain, m *config.Map, keyname, keyvalue string) (*record.Record, error) {
	var rec *record.Record

	switch m.Type {
	case config.TypeGdbm:
		raw, err := e.db.GdbmLookup(filepath.Join(d.DBDir, m.File), keyvalue)
		if err != nil {
			return nil, err
		}
		format, ferr := record.ParseFormat(m.Format)
		if ferr != nil {
			return nil, fmt.Errorf("%w: map %s: %v", record.ErrDecode, m.Name, ferr)
		}
		rec, err = record.Parse(format, raw)
		if err != nil {
			return nil, fmt.Errorf("map %s key %s: %w", m.Name, keyvalue, err)
		}

	case config.TypeJSON:
		var err error
		rec, err = e.db.JSONLookup(filepath.Join(d.DBDir, m.File), keyname, keyvalue)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("map %s: unsupported backend %q", m.Name, m.Type)
	}

	if m.Output != nil {
		rec = record.Project(rec, m.Output)
	}
	return rec, nil
}

// VerifyPassword authenticates username/password against the domain's
// configured adjunct map. It returns false for a missing user, a record
// without a passwd field, or a hash mismatch; errors are reserved for
// backend and configuration failures.
func (e *Engine) VerifyPassword(d *config.Domain, auth *config.Auth, username, password string) (bool, error) {
	m, key, ok := e.cfg.FindMap(auth.Map, auth.Key)
	if !ok {
		return false, fmt.Errorf("auth %s: map %s key %s not found", d.Auth, auth.Map, auth.Key)
	}
	rec, err := e.Lookup(d, m, key, username)
	if err != nil {
		if errors.Is(err, wndb.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	hash := rec.GetString("passwd")
	if hash == "" {
		logger.Warn("adjunct record without passwd field", "map", auth.Map, "user", username)
		return false, nil
	}
	return unixcrypt.Verify(password, hash), nil
}

// ScriptLookup implements script.Engine: a nested lookup on behalf of an
// already-authorized request. The HTTP authorization step is bypassed, the
// domain stays the same.
func (e *Engine) ScriptLookup(domain, mapname, keyname, keyvalue string) (*record.Record, error) {
	d := e.cfg.FindDomain(domain)
	if d == nil {
		return nil, fmt.Errorf("no such domain %q", domain)
	}
	m, key, ok := e.cfg.FindMap(mapname, keyname)
	if !ok {
		return nil, wndb.ErrNotFound
	}

	if m.Type == config.TypeLua {
		res, err := e.lua.CallMap(m.LuaFunction, &script.Request{
			Domain:   domain,
			KeyName:  key,
			KeyValue: keyvalue,
		})
		if err != nil {
			return nil, err
		}
		if res.Value == nil {
			return nil, wndb.ErrNotFound
		}
		return record.FromAny(res.Value)
	}
	return e.Lookup(d, m, key, keyvalue)
}

// ScriptAuth implements script.Engine: password verification against an
// arbitrary adjunct-style map, for use by scripted authentication.
func (e *Engine) ScriptAuth(domain, mapname, keyname, keyvalue, password string) (bool, error) {
	d := e.cfg.FindDomain(domain)
	if d == nil {
		return false, fmt.Errorf("no such domain %q", domain)
	}
	return e.VerifyPassword(d, &config.Auth{Map: mapname, Key: keyname}, keyvalue, password)
}

// CallMapScript dispatches a lua-type map request.
func (e *Engine) CallMapScript(m *config.Map, req *script.Request) (*script.Result, error) {
	if e.lua == nil {
		return nil, fmt.Errorf("map %s: no lua script configured", m.Name)
	}
	return e.lua.CallMap(m.LuaFunction, req)
}

// CallAuthScript dispatches a scripted authentication function.
func (e *Engine) CallAuthScript(fn string, req *script.Request) (*script.Result, error) {
	if e.lua == nil {
		return nil, fmt.Errorf("auth function %s: no lua script configured", fn)
	}
	return e.lua.CallAuth(fn, req)
}
