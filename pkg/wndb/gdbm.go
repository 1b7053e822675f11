package wndb

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/graygnuorg/go-gdbm"
)

// staleCheckInterval bounds how often an open handle re-stats its file to
// detect replacement by the map distribution job.
const staleCheckInterval = 5 * time.Second

// gdbmHandle is one open gdbm file. gdbm readers are not thread-safe, so
// every operation holds the handle mutex.
type gdbmHandle struct {
	mu        sync.Mutex
	path      string
	db        *gdbm.Database
	modTime   time.Time
	lastCheck time.Time
}

// GdbmLookup fetches the raw entry for key from the gdbm file at path. The
// file is opened on first use and the handle kept for the process lifetime,
// re-opened only when the file on disk was replaced.
func (s *Set) GdbmLookup(path, key string) ([]byte, error) {
	s.mu.Lock()
	h, ok := s.gdbm[path]
	if !ok {
		h = &gdbmHandle{path: path}
		s.gdbm[path] = h
	}
	s.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureOpen(); err != nil {
		return nil, err
	}

	val, err := h.db.Fetch([]byte(key))
	if err != nil {
		if errors.Is(err, gdbm.ErrItemNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gdbm fetch %s: %w", h.path, err)
	}
	return val, nil
}

// ensureOpen opens the database if needed and drops a handle whose backing
// file changed on disk. Callers hold h.mu.
func (h *gdbmHandle) ensureOpen() error {
	now := time.Now()

	if h.db != nil && now.Sub(h.lastCheck) > staleCheckInterval {
		st, err := os.Stat(h.path)
		if err != nil || !st.ModTime().Equal(h.modTime) {
			h.db.Close()
			h.db = nil
		} else {
			h.lastCheck = now
		}
	}
	if h.db != nil {
		return nil
	}

	st, err := os.Stat(h.path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMapNotFound, h.path)
	}
	db, err := gdbm.Open(h.path, gdbm.ModeReader)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMapNotFound, h.path, err)
	}
	h.db = db
	h.modTime = st.ModTime()
	h.lastCheck = now
	return nil
}

func (h *gdbmHandle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db != nil {
		h.db.Close()
		h.db = nil
	}
}
