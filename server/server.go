// server.go: accept loop and server lifecycle
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

// Package server owns the logging clients' backing files. It accepts
// connections on a local stream socket, provisions a shared-memory ring
// per client, and drains rings into the clients' log files on
// notification and on disconnect. One driver goroutine per connection;
// the accept loop is single-threaded.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agilira/logc/ring"
)

// acceptTick is the liveness tick of the accept loop; it has no
// semantic effect beyond letting the loop observe shutdown.
const acceptTick = time.Second

// Server accepts logging clients and runs one driver per connection.
type Server struct {
	cfg      *Config
	log      *zap.SugaredLogger
	listener *net.UnixListener
	pool     *drainBufferPool

	active  atomic.Int32
	drivers sync.WaitGroup
	closed  atomic.Bool
}

// New binds the listening socket, unlinking any stale entry first. A
// bind failure is an initialization failure; the caller is expected to
// exit non-zero.
func New(cfg *Config, log *zap.SugaredLogger) (*Server, error) {
	if _, err := cfg.validate(); err != nil {
		return nil, err
	}

	// Unlink a stale socket from a previous run.
	_ = os.Remove(cfg.SocketPath)

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: cfg.SocketPath, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("cannot listen on %s: %w", cfg.SocketPath, err)
	}

	payload := int(cfg.RingSize.Bytes()) - ring.HeaderSize // #nosec G115 -- validated at config load
	return &Server{
		cfg:      cfg,
		log:      log,
		listener: listener,
		pool:     newDrainBufferPool(cfg.MaxClients, payload),
	}, nil
}

// Serve runs the accept loop until the context is canceled or Close is
// called, then waits for the connection drivers; each driver keeps
// serving until its peer closes.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Infow("started log server",
		"socket", s.cfg.SocketPath,
		"ring_size", s.cfg.RingSize.String(),
		"threshold", s.cfg.threshold(),
	)

	for ctx.Err() == nil && !s.closed.Load() {
		if err := s.listener.SetDeadline(time.Now().Add(acceptTick)); err != nil {
			break
		}

		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if s.closed.Load() || ctx.Err() != nil {
				break
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		if int(s.active.Load()) >= s.cfg.MaxClients {
			s.log.Warnw("refusing client over capacity", "max_clients", s.cfg.MaxClients)
			_ = conn.Close()
			continue
		}

		fd := connFd(conn)
		c := &client{
			srv:  s,
			conn: conn,
			fd:   fd,
			log:  s.log.With("client_fd", fd),
		}
		s.log.Infow("accepted client", "client_fd", c.fd)

		s.active.Add(1)
		s.drivers.Add(1)
		go func() {
			defer s.drivers.Done()
			defer s.active.Add(-1)
			c.drive()
		}()
	}

	s.log.Info("accept loop stopped, waiting for connected clients")
	s.drivers.Wait()
	s.log.Info("shutting down log server")
	return nil
}

// Close stops the accept loop and unlinks the socket. Connection
// drivers are not interrupted; they finish when their peers close.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.listener.Close()
}
