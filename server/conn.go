// conn.go: per-connection driver - provision, drain, tear down
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package server

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/agilira/logc/protocol"
	"github.com/agilira/logc/ring"
)

// client is the per-connection state. It is owned exclusively by the
// driver goroutine that accepted the connection; nothing else touches
// it, which is what guarantees at most one drain in flight per client.
type client struct {
	srv  *Server
	conn *net.UnixConn
	fd   int
	log  *zap.SugaredLogger

	region   *ring.Region
	buf      *ring.Ring
	file     *os.File
	w        *bufio.Writer
	drainBuf []byte

	teardownOnce sync.Once
}

// connFd extracts the connection's descriptor, which names the client's
// shared region.
func connFd(conn *net.UnixConn) int {
	fd := -1
	if rc, err := conn.SyscallConn(); err == nil {
		_ = rc.Control(func(f uintptr) { fd = int(f) })
	}
	return fd
}

// drive is the connection event loop: read one frame, dispatch, repeat
// until the peer closes, errors out, or sends CLOSE. Teardown always
// runs exactly once on the way out.
func (c *client) drive() {
	defer c.teardown()

	frame := make([]byte, protocol.MaxFrameSize)
	for {
		n, err := c.conn.Read(frame)
		if err != nil || n == 0 {
			if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrClosed) {
				c.log.Infow("client disconnected", "error", err)
			}
			return
		}

		op, payload, err := protocol.ParseRequest(frame[:n])
		if err != nil {
			c.log.Warnw("cannot parse request", "error", err)
			continue
		}

		switch op {
		case protocol.OpInit:
			if err := c.handleInit(payload); err != nil {
				c.log.Errorw("init failed", "error", err)
				return
			}
		case protocol.OpWrite:
			c.handleWrite()
		case protocol.OpClose:
			c.log.Infow("close requested")
			return
		default:
			// The peer may speak a newer protocol revision; stay connected.
			c.log.Warnw("ignoring unknown opcode", "opcode", uint8(op))
		}
	}
}

// handleInit provisions the client: create and initialize the shared
// region named after the connection descriptor, open the backing log
// file, and reply with the region name. Any failure is reported to the
// peer with the failing step's errno and aborts the connection with no
// state retained.
func (c *client) handleInit(payload []byte) error {
	appendMode, logFilePath, err := protocol.ParseInit(payload)
	if err != nil {
		return err
	}
	if c.buf != nil {
		c.log.Warnw("duplicate init, ignoring", "log_file", logFilePath)
		return nil
	}

	c.log.Infow("init requested", "log_file", logFilePath, "append", appendMode)

	if err := c.provision(appendMode, logFilePath); err != nil {
		c.respondInitErr(err)
		return err
	}

	resp, err := protocol.EncodeInitOK(c.region.Name())
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(resp); err != nil {
		return fmt.Errorf("cannot send init response: %w", err)
	}

	c.log.Infow("client provisioned", "region", c.region.Name(), "log_file", logFilePath)
	return nil
}

func (c *client) provision(appendMode bool, logFilePath string) error {
	cfg := c.srv.cfg

	name := fmt.Sprintf("/logc_shm_client_%d", c.fd)
	region, err := ring.CreateRegion(cfg.ShmDir, name, int(cfg.RingSize.Bytes())) // #nosec G115 -- ring sizes validated at config load
	if err != nil {
		return err
	}

	buf, err := ring.Attach(region.Bytes())
	if err != nil {
		_ = region.Close()
		_ = region.Unlink()
		return err
	}
	buf.Init(cfg.threshold())

	file, err := openBackingFile(logFilePath, appendMode)
	if err != nil {
		_ = region.Close()
		_ = region.Unlink()
		return err
	}

	c.region = region
	c.buf = buf
	c.file = file
	c.w = bufio.NewWriter(file)
	c.drainBuf = c.srv.pool.get()
	return nil
}

// respondInitErr reports the provisioning errno to the peer. Best
// effort - the connection is going away either way.
func (c *client) respondInitErr(err error) {
	if _, werr := c.conn.Write(protocol.EncodeInitErr(errnoOf(err))); werr != nil {
		c.log.Warnw("cannot send init error response", "error", werr)
	}
}

// errnoOf digs the errno out of a provisioning error chain.
func errnoOf(err error) uint32 {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return uint32(errno)
	}
	return uint32(syscall.EIO)
}

// handleWrite drains the ring once and appends the bytes to the backing
// file. A zero-byte drain is a lost race with a previous notification,
// not an error. A failed file write is logged and the drained bytes are
// lost; the connection stays up.
func (c *client) handleWrite() {
	if c.buf == nil {
		c.log.Warnw("write notification before init, ignoring")
		return
	}

	n := c.buf.Drain(c.drainBuf)
	if n == 0 {
		return
	}

	if err := c.writeOut(c.drainBuf[:n]); err != nil {
		c.log.Errorw("cannot write drained bytes to log file", "bytes", n, "error", err)
		return
	}

	c.log.Debugw("drained", "bytes", n)
}

func (c *client) writeOut(p []byte) error {
	if _, err := c.w.Write(p); err != nil {
		return err
	}
	return c.w.Flush()
}

// teardown performs the final drain and releases everything exactly
// once: flush and close the backing file, unmap and unlink the shared
// region, close the socket. Safe against double invocation - a CLOSE
// frame immediately followed by a peer hangup releases resources once.
func (c *client) teardown() {
	c.teardownOnce.Do(func() {
		if c.buf != nil {
			if n := c.buf.Drain(c.drainBuf); n > 0 {
				if err := c.writeOut(c.drainBuf[:n]); err != nil {
					c.log.Errorw("cannot write final drain", "bytes", n, "error", err)
				} else {
					c.log.Debugw("final drain", "bytes", n)
				}
			}
			c.buf = nil
		}

		if c.w != nil {
			if err := c.w.Flush(); err != nil {
				c.log.Errorw("cannot flush log file", "error", err)
			}
			c.w = nil
		}
		if c.file != nil {
			if err := c.file.Close(); err != nil {
				c.log.Errorw("cannot close log file", "error", err)
			}
			c.file = nil
		}

		if c.region != nil {
			if err := c.region.Close(); err != nil {
				c.log.Errorw("cannot unmap shared region", "error", err)
			}
			if err := c.region.Unlink(); err != nil {
				c.log.Errorw("cannot unlink shared region", "error", err)
			}
			c.region = nil
		}

		_ = c.conn.Close()

		if c.drainBuf != nil {
			c.srv.pool.put(c.drainBuf)
			c.drainBuf = nil
		}

		c.log.Infow("client torn down")
	})
}
