package server

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/webnis/webnis/internal/logger"
	"github.com/webnis/webnis/pkg/config"
)

// authResult classifies the outcome of the Authorization header check.
type authResult int

const (
	// authOK: come on in.
	authOK authResult = iota
	// authMissing: no (matching) Authorization header was sent.
	authMissing
	// authBad: credentials were sent and are wrong.
	authBad
)

// checkHTTPAuth validates the Authorization header against the domain's
// configured scheme and token. A domain without a scheme is open; a domain
// with a scheme but no token is closed.
func checkHTTPAuth(r *http.Request, d *config.Domain) authResult {
	if d.HTTPAuthSchema == "" {
		return authOK
	}
	if d.HTTPAuthToken == "" {
		logger.Debug("http_authtoken not set", "domain", d.Name)
		return authBad
	}

	hdr := r.Header.Get("Authorization")
	if hdr == "" {
		return authMissing
	}
	fields := strings.Fields(hdr)
	if len(fields) < 2 || fields[0] != d.HTTPAuthSchema {
		return authMissing
	}

	token := fields[1]
	if d.HTTPAuthEncoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(token)
		if err != nil {
			return authBad
		}
		token = string(decoded)
	}

	// Constant-time comparison: timing must not depend on which prefix of
	// the token matches.
	if subtle.ConstantTimeCompare([]byte(token), []byte(d.HTTPAuthToken)) == 1 {
		return authOK
	}
	return authBad
}

// writeUnauthorized sends the 401 envelope, advertising the scheme via
// WWW-Authenticate so Basic clients can retry with credentials.
func writeUnauthorized(w http.ResponseWriter, d *config.Domain) {
	if d.HTTPAuthSchema == "Basic" {
		w.Header().Set("WWW-Authenticate", `Basic realm="`+d.Name+`"`)
	} else if d.HTTPAuthSchema != "" {
		w.Header().Set("WWW-Authenticate", d.HTTPAuthSchema)
	}
	writeError(w, http.StatusUnauthorized, http.StatusUnauthorized, "Unauthorized")
}
