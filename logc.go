// logc.go: client handle - connect, append records, notify the server
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package logc

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/cenkalti/backoff/v5"

	"github.com/agilira/logc/protocol"
	"github.com/agilira/logc/ring"
)

const (
	// DefaultSocketPath is the well-known server endpoint.
	DefaultSocketPath = "/dev/shm/logc.server"

	// defaultDialAttempts bounds connect retries against a server that
	// is still coming up.
	defaultDialAttempts = 3
)

// Pre-allocated errors to avoid allocations in hot paths
var (
	ErrNotConnected = errors.New("handle is not connected")
	ErrEmptyPath    = errors.New("log file path cannot be empty")
)

// Handle is a logging client. Producers inside the process format
// records and append them to a shared-memory ring provisioned by the
// server; the server owns the log file and drains the ring when
// notified.
//
// Construction does no I/O; Connect performs the socket handshake and
// maps the shared region. AppendRecord is then safe for any number of
// goroutines, wait-free, and never blocks on the server.
type Handle struct {
	logFilePath string
	level       Level
	appendMode  bool

	socketPath   string
	regionDir    string
	dialAttempts int

	conn   *net.UnixConn
	region *ring.Region
	buf    *ring.Ring

	// dropped counts records presumed overwritten because producers
	// lapped the reader. Advisory; appends are never blocked.
	dropped atomic.Uint64

	timeCache *timecache.TimeCache
	closeOnce sync.Once
}

// Option customizes a Handle at construction.
type Option func(*Handle)

// WithSocketPath points the handle at a non-default server endpoint.
func WithSocketPath(path string) Option {
	return func(h *Handle) { h.socketPath = path }
}

// WithRegionDir overrides the shared-memory directory. The server must
// be configured with the same directory.
func WithRegionDir(dir string) Option {
	return func(h *Handle) { h.regionDir = dir }
}

// WithDialAttempts bounds how many times Connect retries the dial.
func WithDialAttempts(n int) Option {
	return func(h *Handle) {
		if n > 0 {
			h.dialAttempts = n
		}
	}
}

// New constructs a Handle. No I/O happens until Connect.
//
// logFilePath is where the server writes this client's records; it is
// opened in append or truncate mode per appendMode. level is the
// process-wide filter for the formatting front end.
func New(logFilePath string, level Level, appendMode bool, opts ...Option) (*Handle, error) {
	if logFilePath == "" {
		return nil, ErrEmptyPath
	}
	if len(logFilePath)+1 > protocol.MaxFilePathSize {
		return nil, fmt.Errorf("log file path longer than %d bytes", protocol.MaxFilePathSize-1)
	}

	h := &Handle{
		logFilePath:  logFilePath,
		level:        level,
		appendMode:   appendMode,
		socketPath:   DefaultSocketPath,
		regionDir:    ring.DefaultDir,
		dialAttempts: defaultDialAttempts,
		timeCache:    timecache.NewWithResolution(time.Millisecond),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Connect dials the server, performs the INIT handshake and maps the
// shared region the server provisioned. A refused dial is retried with
// exponential backoff up to the configured attempt budget.
//
// If the server fails to provision (shared region, log file), the
// returned error wraps the server-side errno.
func (h *Handle) Connect() error {
	conn, err := h.dial()
	if err != nil {
		return err
	}

	frame, err := protocol.EncodeInit(h.appendMode, h.logFilePath)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if _, err := conn.Write(frame); err != nil {
		_ = conn.Close()
		return fmt.Errorf("cannot send init request: %w", err)
	}

	resp := make([]byte, protocol.MaxFrameSize)
	n, err := conn.Read(resp)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("cannot read init response: %w", err)
	}

	shmName, errno, err := protocol.DecodeInitResponse(resp[:n])
	if err != nil {
		_ = conn.Close()
		return err
	}
	if shmName == "" {
		_ = conn.Close()
		return fmt.Errorf("server rejected init: %w", syscall.Errno(errno))
	}

	region, err := ring.OpenRegion(h.regionDir, shmName)
	if err != nil {
		_ = conn.Close()
		return err
	}

	buf, err := ring.Attach(region.Bytes())
	if err != nil {
		_ = region.Close()
		_ = conn.Close()
		return err
	}

	h.conn = conn
	h.region = region
	h.buf = buf
	return nil
}

// dial connects to the server socket, retrying with exponential
// backoff so clients racing a restarting server settle quickly.
func (h *Handle) dial() (*net.UnixConn, error) {
	addr := &net.UnixAddr{Name: h.socketPath, Net: "unix"}

	bo := backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Second,
	}
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt < h.dialAttempts; attempt++ {
		conn, err := net.DialUnix("unix", nil, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt+1 < h.dialAttempts {
			time.Sleep(bo.NextBackOff())
		}
	}
	return nil, fmt.Errorf("cannot connect to log server at %s: %w", h.socketPath, lastErr)
}

// AppendRecord appends one formatted record to the ring and, when the
// append crosses the fill threshold, notifies the server with a
// best-effort WRITE frame. Wait-free with respect to other producers;
// never blocks on the server.
func (h *Handle) AppendRecord(p []byte) error {
	if h.buf == nil {
		return ErrNotConnected
	}

	notify, lapped := h.buf.Append(p)
	if lapped {
		h.dropped.Add(1)
	}
	if notify {
		h.notifyServer()
	}
	return nil
}

// notifyServer sends the one-byte WRITE frame with a single
// non-blocking write: a send that would block or fails is dropped,
// which is safe because the next threshold crossing re-notifies and one
// server drain pulls everything available.
func (h *Handle) notifyServer() {
	rc, err := h.conn.SyscallConn()
	if err != nil {
		return
	}
	frame := protocol.EncodeWrite()
	_ = rc.Write(func(fd uintptr) bool {
		_, _ = syscall.Write(int(fd), frame)
		return true
	})
}

// DroppedRecords returns how many appends observed that producers had
// lapped the reader. The overwritten bytes are unrecoverable; the
// counter exists so operators can size rings and thresholds.
func (h *Handle) DroppedRecords() uint64 {
	return h.dropped.Load()
}

// Close sends CLOSE, closes the socket and unmaps the region. The
// server performs the final drain and owns the region unlink.
// Idempotent.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if h.conn != nil {
			_, _ = h.conn.Write(protocol.EncodeClose())
			err = h.conn.Close()
		}
		if h.region != nil {
			if cerr := h.region.Close(); cerr != nil && err == nil {
				err = cerr
			}
			h.buf = nil
		}
	})
	return err
}
