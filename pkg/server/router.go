package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/webnis/webnis/internal/logger"
	"github.com/webnis/webnis/pkg/config"
	"github.com/webnis/webnis/pkg/metrics"
	"github.com/webnis/webnis/pkg/record"
	"github.com/webnis/webnis/pkg/script"
	"github.com/webnis/webnis/pkg/wndb"
)

// wellKnownPrefix is the URL prefix all webnis endpoints live under.
const wellKnownPrefix = "/.well-known/webnis"

// maxAuthBody bounds POST bodies on the auth endpoint.
const maxAuthBody = 64 << 10

// NewRouter wires the chi router for the request pipeline:
//
//	GET  /.well-known/webnis/{domain}/map/{map}?{keyname}={keyvalue}
//	POST /.well-known/webnis/{domain}/auth
func NewRouter(e *Engine, securenets *IPList) http.Handler {
	h := &handlers{engine: e, securenets: securenets}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route(wellKnownPrefix, func(r chi.Router) {
		r.Get("/{domain}/map/{map}", h.handleMap)
		r.Post("/{domain}/auth", h.handleAuth)
		r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusMethodNotAllowed, http.StatusMethodNotAllowed, "Method not allowed")
		})
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, http.StatusNotFound, "Not found")
	})

	return r
}

type handlers struct {
	engine     *Engine
	securenets *IPList
}

// admit runs the per-request gate common to both endpoints: known domain,
// securenets, Authorization header. It writes the error response itself and
// returns nil when the request was rejected.
func (h *handlers) admit(w http.ResponseWriter, r *http.Request) *config.Domain {
	name := chi.URLParam(r, "domain")
	d := h.engine.Config().FindDomain(name)
	if d == nil {
		writeError(w, http.StatusNotFound, http.StatusNotFound, "No such domain")
		return nil
	}

	if h.securenets != nil {
		ap, err := netip.ParseAddrPort(r.RemoteAddr)
		if err != nil || !h.securenets.Contains(ap.Addr()) {
			logger.Debug("securenets denied", "domain", d.Name, "remote", r.RemoteAddr)
			writeError(w, http.StatusForbidden, http.StatusForbidden, "Forbidden")
			return nil
		}
	}

	switch checkHTTPAuth(r, d) {
	case authOK:
		return d
	default:
		writeUnauthorized(w, d)
		return nil
	}
}

// handleMap serves map lookups.
func (h *handlers) handleMap(w http.ResponseWriter, r *http.Request) {
	d := h.admit(w, r)
	if d == nil {
		return
	}
	mapname := chi.URLParam(r, "map")
	cfg := h.engine.Config()

	query := r.URL.Query()
	params := make([]string, 0, len(query))
	for k := range query {
		params = append(params, k)
	}
	sort.Strings(params)

	// The lookup key is whichever query parameter names a valid key (or
	// key alias) of the map.
	var (
		m        *config.Map
		keyname  string
		keyvalue string
	)
	for _, p := range params {
		if mm, key, ok := cfg.FindAllowedMap(d, mapname, p); ok {
			m, keyname, keyvalue = mm, key, query.Get(p)
			break
		}
	}
	if m == nil {
		// unknown map, disallowed map and unknown key all look the same
		writeError(w, http.StatusNotFound, http.StatusNotFound, "No such map")
		return
	}

	if m.Type == config.TypeLua {
		h.serveLuaMap(w, d, m, keyname, keyvalue, query)
		return
	}

	rec, err := h.engine.Lookup(d, m, keyname, keyvalue)
	switch {
	case err == nil:
		metrics.MapLookups.WithLabelValues(m.Name, "hit").Inc()
		writeResult(w, http.StatusOK, rec)
	case errors.Is(err, wndb.ErrNotFound):
		metrics.MapLookups.WithLabelValues(m.Name, "miss").Inc()
		writeError(w, http.StatusNotFound, http.StatusNotFound, "No such key in map")
	case errors.Is(err, wndb.ErrMapNotFound):
		metrics.MapLookups.WithLabelValues(m.Name, "error").Inc()
		logger.Error("map file unavailable", "domain", d.Name, "map", m.Name, "error", err)
		writeError(w, http.StatusNotFound, http.StatusNotFound, "No such map")
	case errors.Is(err, record.ErrDecode):
		metrics.MapLookups.WithLabelValues(m.Name, "error").Inc()
		logger.Error("record decode failed", "domain", d.Name, "map", m.Name, "key", keyvalue, "error", err)
		writeError(w, http.StatusInternalServerError, http.StatusInternalServerError, "Error reading database")
	default:
		metrics.MapLookups.WithLabelValues(m.Name, "error").Inc()
		logger.Error("map lookup failed", "domain", d.Name, "map", m.Name, "key", keyvalue, "error", err)
		writeError(w, http.StatusInternalServerError, http.StatusInternalServerError, "Error reading database")
	}
}

// serveLuaMap dispatches a lua-type map to the script host.
func (h *handlers) serveLuaMap(w http.ResponseWriter, d *config.Domain, m *config.Map, keyname, keyvalue string, query url.Values) {
	req := &script.Request{
		Domain:   d.Name,
		KeyName:  keyname,
		KeyValue: keyvalue,
		Extra:    queryToExtra(query),
	}
	res, err := h.engine.CallMapScript(m, req)
	if err != nil {
		metrics.MapLookups.WithLabelValues(m.Name, "error").Inc()
		logger.Error("lua map failed", "domain", d.Name, "map", m.Name, "error", err)
		writeError(w, http.StatusInternalServerError, http.StatusInternalServerError, "Script error")
		return
	}
	if res.Value == nil {
		metrics.MapLookups.WithLabelValues(m.Name, "miss").Inc()
		writeError(w, http.StatusNotFound, http.StatusNotFound, "No such key in map")
		return
	}
	metrics.MapLookups.WithLabelValues(m.Name, "hit").Inc()
	if res.Status != 0 {
		writeJSON(w, res.Status, res.Value)
		return
	}
	writeResult(w, http.StatusOK, res.Value)
}

// handleAuth serves authentication requests.
func (h *handlers) handleAuth(w http.ResponseWriter, r *http.Request) {
	d := h.admit(w, r)
	if d == nil {
		return
	}

	username, password, extra, err := decodeAuthBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, http.StatusBadRequest, err.Error())
		return
	}

	if d.Auth == "" {
		writeError(w, http.StatusNotFound, http.StatusNotFound, "Authentication not enabled")
		return
	}
	auth := h.engine.Config().Auth[d.Auth]

	if auth.LuaFunction != "" {
		h.serveLuaAuth(w, d, auth.LuaFunction, username, password, extra)
		return
	}

	ok, err := h.engine.VerifyPassword(d, &auth, username, password)
	if err != nil {
		metrics.AuthRequests.WithLabelValues(d.Name, "error").Inc()
		logger.Error("auth lookup failed", "domain", d.Name, "user", username, "error", err)
		writeError(w, http.StatusInternalServerError, http.StatusInternalServerError, "Error reading database")
		return
	}
	if !ok {
		metrics.AuthRequests.WithLabelValues(d.Name, "fail").Inc()
		logger.Debug("authentication failed", "domain", d.Name, "user", username)
		writeError(w, http.StatusUnauthorized, http.StatusUnauthorized, "Password incorrect")
		return
	}
	metrics.AuthRequests.WithLabelValues(d.Name, "ok").Inc()
	writeResult(w, http.StatusOK, map[string]string{"username": username})
}

// serveLuaAuth dispatches authentication to a script function. A nil return
// is an authentication failure; a table is the success body.
func (h *handlers) serveLuaAuth(w http.ResponseWriter, d *config.Domain, fn, username, password string, extra map[string]string) {
	req := &script.Request{
		Domain:   d.Name,
		Username: username,
		Password: password,
		Extra:    extra,
	}
	res, err := h.engine.CallAuthScript(fn, req)
	if err != nil {
		metrics.AuthRequests.WithLabelValues(d.Name, "error").Inc()
		logger.Error("lua auth failed", "domain", d.Name, "function", fn, "error", err)
		writeError(w, http.StatusInternalServerError, http.StatusInternalServerError, "Script error")
		return
	}
	if res.Value == nil {
		metrics.AuthRequests.WithLabelValues(d.Name, "fail").Inc()
		writeError(w, http.StatusUnauthorized, http.StatusUnauthorized, "Password incorrect")
		return
	}
	metrics.AuthRequests.WithLabelValues(d.Name, "ok").Inc()
	if res.Status != 0 {
		writeJSON(w, res.Status, res.Value)
		return
	}
	writeResult(w, http.StatusOK, res.Value)
}

// decodeAuthBody extracts username, password and any extra parameters from a
// form-encoded or JSON POST body.
func decodeAuthBody(r *http.Request) (username, password string, extra map[string]string, err error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxAuthBody)
	extra = map[string]string{}

	ct, _, _ := strings.Cut(r.Header.Get("Content-Type"), ";")
	switch strings.TrimSpace(ct) {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return "", "", nil, errors.New("Malformed body")
		}
		for k, vs := range r.PostForm {
			if len(vs) == 0 {
				continue
			}
			switch k {
			case "username":
				username = vs[0]
			case "password":
				password = vs[0]
			default:
				extra[k] = vs[0]
			}
		}

	case "application/json":
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", "", nil, errors.New("Malformed body")
		}
		for k, v := range body {
			s, ok := v.(string)
			if !ok {
				s = fmt.Sprintf("%v", v)
			}
			switch k {
			case "username":
				username = s
			case "password":
				password = s
			default:
				extra[k] = s
			}
		}

	default:
		return "", "", nil, errors.New("Unsupported content type")
	}

	if username == "" || password == "" {
		return "", "", nil, errors.New("Body parameters missing")
	}
	return username, password, extra, nil
}

// queryToExtra flattens query parameters into the extras map for script
// request tables.
func queryToExtra(query url.Values) map[string]string {
	extra := map[string]string{}
	for k, vs := range query {
		if len(vs) > 0 {
			extra[k] = vs[0]
		}
	}
	return extra
}

// requestLogger logs request completion and feeds the per-domain request
// counter.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		domain := chi.RouteContext(r.Context()).URLParam("domain")
		if domain == "" {
			domain = "-"
		}
		metrics.HTTPRequests.WithLabelValues(domain, strconv.Itoa(ww.Status())).Inc()

		logger.Debug("request completed",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}
