package bind

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/webnis/webnis/internal/logger"
)

// session is the per-connection request state: peer credentials captured at
// accept time, plus SET context for a subsequent AUTH.
type session struct {
	daemon *Daemon
	uid    uint32
	gid    uint32

	setVars map[string]string
}

// process handles one protocol line and returns the reply line.
func (s *session) process(ctx context.Context, line string) string {
	req, err := ParseRequest(line)
	if err != nil {
		return err.Error()
	}

	switch req.Cmd {
	case CmdPam:
		// versioning probe, nothing to negotiate yet
		return "200 OK"

	case CmdSet:
		k, v, _ := strings.Cut(req.Args[0], "=")
		if s.setVars == nil {
			s.setVars = make(map[string]string)
		}
		s.setVars[k] = v
		return "200 OK"

	case CmdServers:
		return s.servers()

	case CmdAuth:
		return s.auth(ctx, req)

	default:
		return s.mapLookup(ctx, req)
	}
}

// servers reports the configured backends and their health.
func (s *session) servers() string {
	body, err := json.Marshal(map[string]any{
		"domain":  s.daemon.cfg.Domain,
		"servers": s.daemon.pool.Snapshot(),
	})
	if err != nil {
		return "500 " + err.Error()
	}
	return "200 " + string(body)
}

// checkPeerPolicy enforces the restrict_getpwuid/restrict_getgrgid rules
// before any upstream request is issued. Root (uid 0) is never restricted.
func (s *session) checkPeerPolicy(req *Request) error {
	cfg := s.daemon.cfg
	if cfg.RestrictGetpwuid && req.Cmd == CmdGetPwUid {
		if s.uid != 0 && req.NumArg != s.uid {
			return errLine(403, "Forbidden")
		}
	}
	if cfg.RestrictGetgrgid && req.Cmd == CmdGetGrGid {
		if s.uid != 0 && req.NumArg >= 1000 && req.NumArg != s.gid {
			return errLine(403, "Forbidden")
		}
	}
	return nil
}

// mapLookup translates an identity command into an upstream map request and
// the response back into a line.
func (s *session) mapLookup(ctx context.Context, req *Request) string {
	if err := s.checkPeerPolicy(req); err != nil {
		return err.Error()
	}

	var mapName, keyName string
	switch req.Cmd {
	case CmdGetPwNam:
		mapName, keyName = "passwd", "name"
	case CmdGetPwUid:
		mapName, keyName = "passwd", "uid"
	case CmdGetGrNam:
		mapName, keyName = "group", "name"
	case CmdGetGrGid:
		mapName, keyName = "group", "gid"
	case CmdGetGidList:
		mapName, keyName = "gidlist", "name"
	default:
		return "400 unknown command"
	}

	query := url.Values{}
	query.Set(keyName, req.Args[0])
	query.Set("cred_uid", fmt.Sprintf("%d", s.uid))
	path := fmt.Sprintf("/%s/map/%s?%s",
		url.PathEscape(s.daemon.cfg.Domain), mapName, query.Encode())

	status, body, err := s.daemon.pool.Do(ctx, func(base string) (*http.Request, error) {
		return http.NewRequest(http.MethodGet, base+path, nil)
	})
	if err != nil {
		logger.Debug("upstream request failed", "cmd", req.Cmd, "error", err)
		return err.Error()
	}
	if status == http.StatusNotFound {
		return "404 Not Found"
	}
	return TransformBody(req.Cmd, body)
}

// auth translates AUTH into an upstream POST. The password arrives
// percent-encoded on the line protocol and is decoded exactly once here; the
// form encoding below re-encodes it for HTTPS.
func (s *session) auth(ctx context.Context, req *Request) string {
	password, err := DecodePassword(req.Args[1])
	if err != nil {
		return err.Error()
	}

	form := url.Values{}
	form.Set("username", req.Args[0])
	form.Set("password", password)
	if len(req.Args) > 2 {
		form.Set("service", req.Args[2])
	} else if v, ok := s.setVars["service"]; ok {
		form.Set("service", v)
	}
	if len(req.Args) > 3 {
		form.Set("remote", req.Args[3])
	} else if v, ok := s.setVars["remotehost"]; ok {
		form.Set("remote", v)
	}

	path := "/" + url.PathEscape(s.daemon.cfg.Domain) + "/auth"
	body := form.Encode()

	status, respBody, err := s.daemon.pool.Do(ctx, func(base string) (*http.Request, error) {
		r, err := http.NewRequest(http.MethodPost, base+path, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return r, nil
	})
	if err != nil {
		logger.Debug("upstream auth failed", "error", err)
		return err.Error()
	}

	switch status {
	case http.StatusOK:
		return "200 OK"
	case http.StatusUnauthorized:
		return "401 AUTH FAILED"
	default:
		var env envelope
		if jsonErr := json.Unmarshal(respBody, &env); jsonErr == nil && env.Error != nil {
			return fmt.Sprintf("500 %s", env.Error.Message)
		}
		return fmt.Sprintf("500 upstream status %d", status)
	}
}
