package script

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/webnis/webnis/pkg/record"
)

// luaToGo converts a Lua value to its JSON-shaped Go equivalent. Tables with
// a sequence part become arrays, other tables become objects; non-convertible
// values become nil.
func luaToGo(v lua.LValue) any {
	switch t := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(t)
	case lua.LNumber:
		f := float64(t)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(t)
	case *lua.LTable:
		if t.RawGetInt(1) != lua.LNil {
			var arr []any
			t.ForEach(func(k, val lua.LValue) {
				if _, ok := k.(lua.LNumber); ok {
					arr = append(arr, luaToGo(val))
				}
			})
			return arr
		}
		obj := make(map[string]any)
		t.ForEach(func(k, val lua.LValue) {
			if ks, ok := k.(lua.LString); ok {
				obj[string(ks)] = luaToGo(val)
			}
		})
		return obj
	default:
		return nil
	}
}

// goToLua converts a JSON-shaped Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case int64:
		return lua.LNumber(t)
	case float64:
		return lua.LNumber(t)
	case string:
		return lua.LString(t)
	case []string:
		arr := L.NewTable()
		for _, e := range t {
			arr.Append(lua.LString(e))
		}
		return arr
	case []any:
		arr := L.NewTable()
		for _, e := range t {
			arr.Append(goToLua(L, e))
		}
		return arr
	case map[string]any:
		obj := L.NewTable()
		for k, e := range t {
			L.SetField(obj, k, goToLua(L, e))
		}
		return obj
	default:
		return lua.LNil
	}
}

// recordToLua converts a decoded record to a Lua table.
func recordToLua(L *lua.LState, rec *record.Record) *lua.LTable {
	t := L.NewTable()
	for _, k := range rec.Keys() {
		v, _ := rec.Get(k)
		L.SetField(t, k, goToLua(L, v))
	}
	return t
}
