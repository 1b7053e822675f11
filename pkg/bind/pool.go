package bind

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/webnis/webnis/internal/logger"
	"github.com/webnis/webnis/pkg/config"
	"github.com/webnis/webnis/pkg/metrics"
)

// State is a backend's health.
type State int32

const (
	StateHealthy State = iota
	StateFailing
	StateDead
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateFailing:
		return "failing"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

const (
	// requestTimeout bounds one upstream request including TLS handshake.
	requestTimeout = 10 * time.Second
	// probeTimeout bounds one liveness probe.
	probeTimeout = 2 * time.Second
	// probe back-off: starts at probeBackoffMin after a backend goes dead,
	// doubles per failed probe, capped at probeBackoffMax.
	probeBackoffMin = 10 * time.Second
	probeBackoffMax = 60 * time.Second

	// deadAfterFailures is how many consecutive failures turn a failing
	// backend dead.
	deadAfterFailures = 2

	// maxResponseBody bounds upstream response bodies.
	maxResponseBody = 1 << 20
)

// Backend is one webnis server endpoint with its health state. State
// transitions are atomic and idempotent; the struct is shared across all
// daemon connections.
type Backend struct {
	// Base is the normalized URL prefix requests are issued against.
	Base string

	state     atomic.Int32
	fails     atomic.Int32
	inflight  atomic.Int32
	nextProbe atomic.Int64 // unix nanos
	backoff   atomic.Int64 // nanos
}

// BackendStatus is a point-in-time view for the SERVERS command.
type BackendStatus struct {
	URL      string `json:"url"`
	State    string `json:"state"`
	Inflight int32  `json:"inflight"`
}

func (b *Backend) State() State {
	return State(b.state.Load())
}

func (b *Backend) markFailure() {
	fails := b.fails.Add(1)
	switch State(b.state.Load()) {
	case StateHealthy:
		b.state.Store(int32(StateFailing))
		logger.Warn("backend failing", "backend", b.Base)
	case StateFailing:
		if fails >= deadAfterFailures {
			b.state.Store(int32(StateDead))
			b.backoff.Store(int64(probeBackoffMin))
			b.nextProbe.Store(time.Now().Add(probeBackoffMin).UnixNano())
			logger.Error("backend dead", "backend", b.Base)
		}
	}
	metrics.BackendState.WithLabelValues(b.Base).Set(float64(b.state.Load()))
}

func (b *Backend) markSuccess() {
	if State(b.state.Load()) != StateHealthy {
		logger.Info("backend healthy", "backend", b.Base)
	}
	b.fails.Store(0)
	b.state.Store(int32(StateHealthy))
	metrics.BackendState.WithLabelValues(b.Base).Set(float64(StateHealthy))
}

// acquire takes an admission slot; a full backend declines.
func (b *Backend) acquire(limit int32) bool {
	if b.inflight.Add(1) > limit {
		b.inflight.Add(-1)
		return false
	}
	return true
}

func (b *Backend) release() {
	b.inflight.Add(-1)
}

// Pool is the ordered set of webnis backends with failover, admission
// control and background liveness probing.
type Pool struct {
	backends []*Backend
	client   *http.Client
	limit    int32
	rr       atomic.Uint32

	probePath  string
	authHeader string
}

// NewPool builds the backend pool from the daemon configuration. With
// http2_only a single TLS connection per backend is multiplexed and the
// admission limit is raised to at least 100 streams; otherwise HTTP/1.1
// connections are pooled up to the configured concurrency.
func NewPool(cfg *config.Bind) *Pool {
	limit := int32(cfg.Concurrency)

	var transport http.RoundTripper
	if cfg.HTTP2Only {
		if limit < 100 {
			limit = 100
		}
		transport = &http2.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			ReadIdleTimeout: 30 * time.Second,
		}
	} else {
		transport = &http.Transport{
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			MaxConnsPerHost:     cfg.Concurrency,
			MaxIdleConnsPerHost: cfg.Concurrency,
			IdleConnTimeout:     30 * time.Second,
		}
	}

	p := &Pool{
		client:     &http.Client{Transport: transport},
		limit:      limit,
		probePath:  "/" + cfg.Domain + "/map/passwd?name=root",
		authHeader: authHeader(cfg),
	}
	for _, s := range cfg.Servers {
		b := &Backend{Base: baseURL(s)}
		p.backends = append(p.backends, b)
		metrics.BackendState.WithLabelValues(b.Base).Set(float64(StateHealthy))
	}
	return p
}

// authHeader renders the Authorization header sent with every upstream
// request.
func authHeader(cfg *config.Bind) string {
	if cfg.HTTPAuthToken == "" {
		return ""
	}
	token := cfg.HTTPAuthToken
	if cfg.HTTPAuthEncoding == "base64" {
		token = base64.StdEncoding.EncodeToString([]byte(token))
	}
	return cfg.HTTPAuthSchema + " " + token
}

// baseURL normalizes a configured server into a URL prefix. Bare hostnames
// get the https scheme and the well-known webnis prefix; localhost stays
// plain http for development setups. An explicit scheme is used verbatim.
func baseURL(host string) string {
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return strings.TrimRight(host, "/")
	}
	if host == "localhost" || strings.HasPrefix(host, "localhost:") ||
		strings.HasPrefix(host, "127.0.0.1:") {
		return "http://" + host + "/.well-known/webnis"
	}
	return "https://" + host + "/.well-known/webnis"
}

// Snapshot reports every backend's state for the SERVERS command.
func (p *Pool) Snapshot() []BackendStatus {
	out := make([]BackendStatus, 0, len(p.backends))
	for _, b := range p.backends {
		out = append(out, BackendStatus{
			URL:      b.Base,
			State:    b.State().String(),
			Inflight: b.inflight.Load(),
		})
	}
	return out
}

// Do issues the request built by build against one live backend, failing
// over until a backend produces a usable response. Healthy backends are
// preferred, failing ones are second chances, dead ones are left to the
// prober. The error returned after exhausting all backends reflects the
// most severe failure observed: transport trouble outranks upstream 5xx.
func (p *Pool) Do(ctx context.Context, build func(base string) (*http.Request, error)) (int, []byte, error) {
	n := len(p.backends)
	start := p.rr.Add(1)

	var worst *protoError
	worstRank := 0
	tried := make([]bool, n)

	for _, want := range [...]State{StateHealthy, StateFailing} {
		for i := 0; i < n; i++ {
			idx := (int(start) + i) % n
			b := p.backends[idx]
			if tried[idx] || b.State() != want {
				continue
			}
			tried[idx] = true
			if !b.acquire(p.limit) {
				// admission denied, try the next backend
				continue
			}
			status, body, err := p.roundTrip(ctx, b, build)
			b.release()

			if err != nil {
				b.markFailure()
				if worstRank < 2 {
					worst, worstRank = errLine(503, "backend error: "+err.Error()), 2
				}
				continue
			}
			if status >= 500 {
				b.markFailure()
				if worstRank < 1 {
					worst, worstRank = errLine(status, "upstream error"), 1
				}
				continue
			}
			b.markSuccess()
			return status, body, nil
		}
	}

	if worst == nil {
		worst = errLine(503, "no backends available")
	}
	return 0, nil, worst
}

// roundTrip performs one upstream request against one backend.
func (p *Pool) roundTrip(ctx context.Context, b *Backend, build func(base string) (*http.Request, error)) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := build(b.Base)
	if err != nil {
		return 0, nil, err
	}
	req = req.WithContext(ctx)
	if p.authHeader != "" {
		req.Header.Set("Authorization", p.authHeader)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(b.Base, "error").Inc()
		return 0, nil, err
	}
	defer resp.Body.Close()
	metrics.UpstreamRequests.WithLabelValues(b.Base, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, nil, err
	}

	ct, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	if resp.StatusCode < 500 && strings.TrimSpace(ct) != "application/json" {
		return 0, nil, fmt.Errorf("expected application/json, got %q", ct)
	}
	return resp.StatusCode, body, nil
}

// Probe runs the background liveness loop until ctx is cancelled: dead
// backends get a lightweight GET on a back-off that doubles per failed probe
// (probeBackoffMin up to probeBackoffMax); one success brings them back.
func (p *Pool) Probe(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		for _, b := range p.backends {
			if b.State() != StateDead || now.UnixNano() < b.nextProbe.Load() {
				continue
			}
			go p.probeOne(ctx, b)
		}
	}
}

// probeOne issues one probe request. Any response that makes it through the
// transport and is not a server error counts as alive; a 404 from a probe
// key that does not exist still proves the server answers.
func (p *Pool) probeOne(ctx context.Context, b *Backend) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.Base+p.probePath, nil)
	if err != nil {
		return
	}
	if p.authHeader != "" {
		req.Header.Set("Authorization", p.authHeader)
	}

	resp, err := p.client.Do(req)
	if err == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		resp.Body.Close()
	}
	if err != nil || resp.StatusCode >= 500 {
		backoff := time.Duration(b.backoff.Load()) * 2
		if backoff > probeBackoffMax {
			backoff = probeBackoffMax
		}
		b.backoff.Store(int64(backoff))
		b.nextProbe.Store(time.Now().Add(backoff).UnixNano())
		logger.Debug("probe failed", "backend", b.Base, "next_in", backoff.String())
		return
	}
	logger.Info("probe succeeded, backend recovered", "backend", b.Base)
	b.markSuccess()
}
