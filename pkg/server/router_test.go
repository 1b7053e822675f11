package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/GehirnInc/crypt/sha512_crypt"
	"github.com/graygnuorg/go-gdbm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webnis/webnis/pkg/config"
)

const passwdLine = "mikevs:x:1000:1000:Mike:/home/mikevs:/bin/sh"

const testLuaScript = `
function virtual_lookup(req)
    local rec = webnis.map_lookup(req, "passwd", "name", req.keyvalue)
    if rec == nil then
        return nil
    end
    return { name = rec.name, uid = rec.uid }
end
`

func storeGdbm(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	db, err := gdbm.Open(path, gdbm.ModeNewdb)
	require.NoError(t, err)
	for k, v := range entries {
		require.NoError(t, db.Store([]byte(k), []byte(v), true))
	}
	require.NoError(t, db.Close())
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	dir := t.TempDir()

	storeGdbm(t, filepath.Join(dir, "passwd.byname"), map[string]string{"mikevs": passwdLine})
	storeGdbm(t, filepath.Join(dir, "passwd.byuid"), map[string]string{"1000": passwdLine})

	hash, err := sha512_crypt.New().Generate([]byte("s3cret"), nil)
	require.NoError(t, err)
	storeGdbm(t, filepath.Join(dir, "adjunct.byname"), map[string]string{
		"mikevs": "mikevs:" + hash,
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "gidlist.json"),
		[]byte(`[{"name":"mikevs","gidlist":[1000,50]}]`), 0644))

	scriptPath := filepath.Join(dir, "webnis.lua")
	require.NoError(t, os.WriteFile(scriptPath, []byte(testLuaScript), 0644))

	cfg := &config.Config{
		Domains: []config.Domain{{
			Name:           "business",
			DBDir:          dir,
			Maps:           []string{"passwd", "gidlist", "virtual"},
			Auth:           "adjunct",
			HTTPAuthSchema: "X-Api-Key",
			HTTPAuthToken:  "sekrit",
		}},
		Auth: map[string]config.Auth{
			"adjunct": {Map: "adjunct", Key: "name"},
		},
		Lua: &config.LuaConfig{Script: scriptPath},
		Maps: map[string][]*config.Map{
			"passwd": {
				{Name: "passwd", Key: "name", Type: config.TypeGdbm, Format: "passwd",
					File: "passwd.byname", KeyAlias: map[string]string{"user": "name"}},
				{Name: "passwd", Key: "uid", Type: config.TypeGdbm, Format: "passwd",
					File: "passwd.byuid"},
			},
			"gidlist": {
				{Name: "gidlist", Key: "name", Type: config.TypeJSON, File: "gidlist.json"},
			},
			"adjunct": {
				{Name: "adjunct", Key: "name", Type: config.TypeGdbm, Format: "adjunct",
					File: "adjunct.byname"},
			},
			"virtual": {
				{Name: "virtual", Type: config.TypeLua, LuaFunction: "virtual_lookup"},
			},
		},
	}

	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return NewRouter(engine, nil)
}

func doGet(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest("GET", path, nil)
	r.Header.Set("Authorization", "X-Api-Key sekrit")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func doAuth(t *testing.T, h http.Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest("POST", "/.well-known/webnis/business/auth",
		strings.NewReader(form.Encode()))
	r.Header.Set("Authorization", "X-Api-Key sekrit")
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestMapLookup_Gdbm(t *testing.T) {
	h := newTestServer(t)

	w := doGet(t, h, "/.well-known/webnis/business/map/passwd?name=mikevs")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	want := `{"result":{"name":"mikevs","passwd":"x","uid":1000,"gid":1000,"gecos":"Mike","dir":"/home/mikevs","shell":"/bin/sh"}}`
	assert.JSONEq(t, want, w.Body.String())
}

func TestMapLookup_KeyAlias(t *testing.T) {
	h := newTestServer(t)

	byName := doGet(t, h, "/.well-known/webnis/business/map/passwd?name=mikevs")
	byAlias := doGet(t, h, "/.well-known/webnis/business/map/passwd?user=mikevs")
	assert.Equal(t, http.StatusOK, byAlias.Code)
	assert.Equal(t, byName.Body.String(), byAlias.Body.String())
}

func TestMapLookup_ByUid(t *testing.T) {
	h := newTestServer(t)

	w := doGet(t, h, "/.well-known/webnis/business/map/passwd?uid=1000")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"mikevs"`)
}

func TestMapLookup_JSONMap(t *testing.T) {
	h := newTestServer(t)

	w := doGet(t, h, "/.well-known/webnis/business/map/gidlist?name=mikevs")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":{"name":"mikevs","gidlist":[1000,50]}}`, w.Body.String())
}

func TestMapLookup_Misses(t *testing.T) {
	h := newTestServer(t)

	tests := []struct {
		name string
		path string
		code int
	}{
		{"unknown key in map", "/.well-known/webnis/business/map/passwd?name=nobody", 404},
		{"unknown keyname", "/.well-known/webnis/business/map/passwd?shoesize=42", 404},
		{"map not in domain list", "/.well-known/webnis/business/map/adjunct?name=mikevs", 404},
		{"unknown map", "/.well-known/webnis/business/map/nosuchmap?name=x", 404},
		{"unknown domain", "/.well-known/webnis/nodomain/map/passwd?name=mikevs", 404},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := doGet(t, h, tc.path)
			assert.Equal(t, tc.code, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestMapLookup_Unauthorized(t *testing.T) {
	h := newTestServer(t)

	r := httptest.NewRequest("GET", "/.well-known/webnis/business/map/passwd?name=mikevs", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r = httptest.NewRequest("GET", "/.well-known/webnis/business/map/passwd?name=mikevs", nil)
	r.Header.Set("Authorization", "X-Api-Key wrong")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMapLookup_Lua(t *testing.T) {
	h := newTestServer(t)

	w := doGet(t, h, "/.well-known/webnis/business/map/virtual?name=mikevs")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":{"name":"mikevs","uid":1000}}`, w.Body.String())

	w = doGet(t, h, "/.well-known/webnis/business/map/virtual?name=nobody")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuth(t *testing.T) {
	h := newTestServer(t)

	w := doAuth(t, h, url.Values{"username": {"mikevs"}, "password": {"s3cret"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":{"username":"mikevs"}}`, w.Body.String())

	w = doAuth(t, h, url.Values{"username": {"mikevs"}, "password": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doAuth(t, h, url.Values{"username": {"nobody"}, "password": {"s3cret"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doAuth(t, h, url.Values{"username": {"mikevs"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuth_JSONBody(t *testing.T) {
	h := newTestServer(t)

	r := httptest.NewRequest("POST", "/.well-known/webnis/business/auth",
		strings.NewReader(`{"username":"mikevs","password":"s3cret","service":"login"}`))
	r.Header.Set("Authorization", "X-Api-Key sekrit")
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_PasswordWithSpaces(t *testing.T) {
	dir := t.TempDir()
	hash, err := sha512_crypt.New().Generate([]byte("s3cret x"), nil)
	require.NoError(t, err)
	storeGdbm(t, filepath.Join(dir, "adjunct.byname"), map[string]string{
		"mikevs": "mikevs:" + hash,
	})

	cfg := &config.Config{
		Domains: []config.Domain{{
			Name:  "business",
			DBDir: dir,
			Maps:  []string{"adjunct"},
			Auth:  "adjunct",
		}},
		Auth: map[string]config.Auth{"adjunct": {Map: "adjunct", Key: "name"}},
		Maps: map[string][]*config.Map{
			"adjunct": {
				{Name: "adjunct", Key: "name", Type: config.TypeGdbm, Format: "adjunct",
					File: "adjunct.byname"},
			},
		},
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	h := NewRouter(engine, nil)

	form := url.Values{"username": {"mikevs"}, "password": {"s3cret x"}}
	r := httptest.NewRequest("POST", "/.well-known/webnis/business/auth",
		strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSecurenets_Denied(t *testing.T) {
	dir := t.TempDir()
	storeGdbm(t, filepath.Join(dir, "passwd.byname"), map[string]string{"mikevs": passwdLine})

	cfg := &config.Config{
		Domains: []config.Domain{{
			Name:  "business",
			DBDir: dir,
			Maps:  []string{"passwd"},
		}},
		Maps: map[string][]*config.Map{
			"passwd": {
				{Name: "passwd", Key: "name", Type: config.TypeGdbm, Format: "passwd",
					File: "passwd.byname"},
			},
		},
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	netsFile := filepath.Join(dir, "securenets")
	require.NoError(t, os.WriteFile(netsFile, []byte("10.0.0.0/8\n"), 0644))
	nets, err := LoadSecurenets([]string{netsFile})
	require.NoError(t, err)
	h := NewRouter(engine, nets)

	r := httptest.NewRequest("GET", "/.well-known/webnis/business/map/passwd?name=mikevs", nil)
	r.RemoteAddr = "192.0.2.1:40000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)

	r = httptest.NewRequest("GET", "/.well-known/webnis/business/map/passwd?name=mikevs", nil)
	r.RemoteAddr = "10.1.2.3:40000"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}
