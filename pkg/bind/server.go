package bind

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/webnis/webnis/internal/logger"
	"github.com/webnis/webnis/pkg/config"
)

// unknownID is reported when peer credentials cannot be read; it matches no
// real uid, so restricted commands fail closed.
const unknownID = 0xfffffffe

// maxLineLength bounds one protocol line.
const maxLineLength = 64 << 10

// Daemon is the binding daemon: a unix-socket line protocol server backed by
// the HTTPS pool.
type Daemon struct {
	cfg  *config.Bind
	pool *Pool
}

// New builds a daemon for a loaded configuration.
func New(cfg *config.Bind) *Daemon {
	return &Daemon{
		cfg:  cfg,
		pool: NewPool(cfg),
	}
}

// Pool exposes the backend pool, mainly for tests.
func (d *Daemon) Pool() *Pool {
	return d.pool
}

// Start listens on the configured unix socket and serves connections until
// the context is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	ln, err := d.listen()
	if err != nil {
		return err
	}
	logger.Info("listening", "socket", d.cfg.Socket)

	go d.pool.Probe(ctx)

	connCtx, cancelConns := context.WithCancel(ctx)
	defer cancelConns()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("daemon stopped")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Warn("accept failed", "error", err)
			continue
		}
		go d.handleConn(connCtx, conn)
	}
}

// listen binds the unix socket, replacing a stale one left by a previous
// instance. The umask is widened around the bind so any local user can
// connect; peer policy does the real access control.
func (d *Daemon) listen() (net.Listener, error) {
	saved := unix.Umask(0o111)
	defer unix.Umask(saved)

	ln, err := net.Listen("unix", d.cfg.Socket)
	if err == nil {
		return ln, nil
	}

	// A leftover socket file from a dead process binds EADDRINUSE; take it.
	if errors.Is(err, unix.EADDRINUSE) {
		if rmErr := os.Remove(d.cfg.Socket); rmErr != nil {
			return nil, fmt.Errorf("removing stale socket %s: %w", d.cfg.Socket, rmErr)
		}
		return net.Listen("unix", d.cfg.Socket)
	}
	return nil, err
}

// handleConn serves one client connection: capture peer credentials, then
// process newline-terminated requests strictly in order.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sess := &session{
		daemon: d,
		uid:    unknownID,
		gid:    unknownID,
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		if uid, gid, err := peerCred(uc); err == nil {
			sess.uid, sess.gid = uid, gid
		} else {
			logger.Warn("cannot read peer credentials", "error", err)
		}
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineLength)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		reply := sess.process(ctx, scanner.Text())
		if _, err := writer.WriteString(reply + "\n"); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}
