//go:build !linux

package bind

import (
	"errors"
	"net"
)

// peerCred is only implemented on Linux; elsewhere the daemon treats every
// peer as unknown, so restricted commands fail closed.
func peerCred(conn *net.UnixConn) (uid, gid uint32, err error) {
	return 0, 0, errors.New("peer credentials not supported on this platform")
}
