// Package script hosts the embedded Lua interpreter used by lua-type maps
// and scripted authentication. A pool of interpreter states is kept, one
// taken exclusively per invocation; the states are not shared across
// concurrent requests.
package script

import (
	"errors"
	"fmt"
	"os"

	lua "github.com/yuin/gopher-lua"

	"github.com/webnis/webnis/internal/logger"
	"github.com/webnis/webnis/pkg/record"
)

var (
	// ErrFunctionNotFound means the configured entry point is not defined
	// by the loaded script.
	ErrFunctionNotFound = errors.New("lua function not found")
	// ErrScript wraps errors raised inside a script. One failing request
	// does not poison the interpreter state.
	ErrScript = errors.New("lua error")
)

// Engine is the part of the lookup engine that scripts may re-enter. The
// call runs on behalf of an already-authorized request, so implementations
// skip the HTTP authorization step and stay within the request's domain.
type Engine interface {
	ScriptLookup(domain, mapname, keyname, keyvalue string) (*record.Record, error)
	ScriptAuth(domain, mapname, keyname, keyvalue, password string) (bool, error)
}

// Request is the request data exposed to script functions as the `request`
// table argument.
type Request struct {
	Domain   string
	Username string
	Password string
	KeyName  string
	KeyValue string
	// Extra carries all other query/body parameters, echoed verbatim.
	Extra map[string]string
}

// Result is what a script invocation produced. Status is non-zero only when
// the script returned an explicit status code as its second value.
type Result struct {
	Value  any
	Status int
}

// Host owns the interpreter pool for one loaded script.
type Host struct {
	engine Engine
	path   string
	source string
	pool   chan *lua.LState
}

// NewHost reads and evaluates the script once per pool slot. A script that
// fails to evaluate fails daemon startup.
func NewHost(path string, engine Engine, poolSize int) (*Host, error) {
	if poolSize < 1 {
		poolSize = 1
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lua script: %w", err)
	}

	h := &Host{
		engine: engine,
		path:   path,
		source: string(src),
		pool:   make(chan *lua.LState, poolSize),
	}
	for i := 0; i < poolSize; i++ {
		L, err := h.newState()
		if err != nil {
			h.Close()
			return nil, err
		}
		h.pool <- L
	}
	return h, nil
}

// Close shuts down all pooled interpreter states.
func (h *Host) Close() {
	for {
		select {
		case L := <-h.pool:
			L.Close()
		default:
			return
		}
	}
}

// newState builds one interpreter: evaluates the script and injects the
// webnis library table.
func (h *Host) newState() (*lua.LState, error) {
	L := lua.NewState()
	if err := L.DoString(h.source); err != nil {
		L.Close()
		return nil, fmt.Errorf("%w: loading %s: %v", ErrScript, h.path, err)
	}

	webnis := L.NewTable()
	L.SetField(webnis, "map_lookup", L.NewFunction(h.luaMapLookup))
	L.SetField(webnis, "map_auth", L.NewFunction(h.luaMapAuth))
	L.SetField(webnis, "dprint", L.NewFunction(luaDprint))
	L.SetGlobal("webnis", webnis)

	return L, nil
}

// CallMap invokes a map entry point: fn(request) per the lua map contract.
func (h *Host) CallMap(fn string, req *Request) (*Result, error) {
	L := <-h.pool
	defer func() { h.pool <- L }()
	return h.call(L, fn, requestToLua(L, req))
}

// CallAuth invokes an auth entry point: fn(request). The request table
// carries username and password.
func (h *Host) CallAuth(fn string, req *Request) (*Result, error) {
	L := <-h.pool
	defer func() { h.pool <- L }()
	return h.call(L, fn, requestToLua(L, req))
}

func (h *Host) call(L *lua.LState, fn string, args ...lua.LValue) (*Result, error) {
	fnv := L.GetGlobal(fn)
	if fnv.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, fn)
	}

	base := L.GetTop()
	L.Push(fnv)
	for _, a := range args {
		L.Push(a)
	}
	if err := L.PCall(len(args), lua.MultRet, nil); err != nil {
		L.SetTop(base)
		return nil, fmt.Errorf("%w: %s: %v", ErrScript, fn, err)
	}

	nret := L.GetTop() - base
	res := &Result{}
	if nret >= 1 {
		res.Value = luaToGo(L.Get(base + 1))
	}
	if nret >= 2 {
		if code, ok := L.Get(base + 2).(lua.LNumber); ok {
			res.Status = int(code)
		}
	}
	L.SetTop(base)
	return res, nil
}

// luaMapLookup implements webnis.map_lookup(request, mapname, keyname,
// keyvalue). Returns the record table, or nil when the key does not resolve.
func (h *Host) luaMapLookup(L *lua.LState) int {
	reqTable := L.CheckTable(1)
	mapname := L.CheckString(2)
	keyname := L.CheckString(3)
	keyvalue := L.CheckString(4)
	domain := lua.LVAsString(L.GetField(reqTable, "domain"))

	rec, err := h.engine.ScriptLookup(domain, mapname, keyname, keyvalue)
	if err != nil || rec == nil {
		if err != nil {
			logger.Debug("webnis.map_lookup failed",
				"map", mapname, "key", keyname, "value", keyvalue, "error", err)
		}
		L.Push(lua.LNil)
		return 1
	}
	L.Push(recordToLua(L, rec))
	return 1
}

// luaMapAuth implements webnis.map_auth(request, mapname, keyname, keyvalue,
// password). Returns a boolean; errors read as false.
func (h *Host) luaMapAuth(L *lua.LState) int {
	reqTable := L.CheckTable(1)
	mapname := L.CheckString(2)
	keyname := L.CheckString(3)
	keyvalue := L.CheckString(4)
	password := L.CheckString(5)
	domain := lua.LVAsString(L.GetField(reqTable, "domain"))

	ok, err := h.engine.ScriptAuth(domain, mapname, keyname, keyvalue, password)
	if err != nil {
		logger.Debug("webnis.map_auth failed",
			"map", mapname, "key", keyname, "value", keyvalue, "error", err)
		ok = false
	}
	L.Push(lua.LBool(ok))
	return 1
}

// luaDprint implements webnis.dprint(msg).
func luaDprint(L *lua.LState) int {
	logger.Debug("lua: " + L.CheckString(1))
	return 0
}

// requestToLua builds the fresh request table handed to every invocation.
func requestToLua(L *lua.LState, req *Request) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "domain", lua.LString(req.Domain))
	if req.Username != "" {
		L.SetField(t, "username", lua.LString(req.Username))
	}
	if req.Password != "" {
		L.SetField(t, "password", lua.LString(req.Password))
	}
	if req.KeyName != "" {
		L.SetField(t, "keyname", lua.LString(req.KeyName))
		L.SetField(t, "keyvalue", lua.LString(req.KeyValue))
	}
	for k, v := range req.Extra {
		switch k {
		case "domain", "username", "password", "keyname", "keyvalue":
			// reserved fields win over echoed parameters
		default:
			L.SetField(t, k, lua.LString(v))
		}
	}
	return t
}
