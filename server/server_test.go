// server_test.go: server integration and driver tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package server

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agilira/logc"
	"github.com/agilira/logc/protocol"
	"github.com/agilira/logc/ring"
)

// startTestServer runs a server over temp socket and shm directories
// and tears it down with the test.
func startTestServer(t *testing.T, mutate func(*Config)) *Config {
	t.Helper()

	cfg := DefaultConfig()
	dir := t.TempDir()
	cfg.SocketPath = filepath.Join(dir, "logc.sock")
	cfg.ShmDir = filepath.Join(dir, "shm")
	require.NoError(t, os.Mkdir(cfg.ShmDir, 0750))
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := New(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	return cfg
}

func newTestClient(t *testing.T, cfg *Config, logFile string) *logc.Handle {
	t.Helper()

	handle, err := logc.New(logFile, logc.All, true,
		logc.WithSocketPath(cfg.SocketPath),
		logc.WithRegionDir(cfg.ShmDir),
	)
	require.NoError(t, err)
	require.NoError(t, handle.Connect())
	return handle
}

func readFileEventually(t *testing.T, path string, want []byte) {
	t.Helper()

	require.Eventually(t, func() bool {
		got, err := os.ReadFile(path)
		return err == nil && bytes.Equal(got, want)
	}, 5*time.Second, 10*time.Millisecond, "backing file never matched %d expected bytes", len(want))
}

// TestRoundTripOnClose appends a few small records and relies on the
// final drain at close to land them in the backing file.
func TestRoundTripOnClose(t *testing.T) {
	cfg := startTestServer(t, nil)
	logFile := filepath.Join(t.TempDir(), "app.log")

	handle := newTestClient(t, cfg, logFile)
	for _, rec := range []string{"a\n", "bb\n", "ccc\n"} {
		require.NoError(t, handle.AppendRecord([]byte(rec)))
	}
	require.NoError(t, handle.Close())

	readFileEventually(t, logFile, []byte("a\nbb\nccc\n"))
	assert.Zero(t, handle.DroppedRecords())
}

// TestThresholdDrain crosses the fill threshold with a single record
// and expects the notification alone to get it on disk.
func TestThresholdDrain(t *testing.T) {
	cfg := startTestServer(t, nil)
	logFile := filepath.Join(t.TempDir(), "app.log")

	handle := newTestClient(t, cfg, logFile)
	defer handle.Close()

	record := bytes.Repeat([]byte{'z'}, 8200) // threshold is 8192
	require.NoError(t, handle.AppendRecord(record))

	readFileEventually(t, logFile, record)
}

// rawInit drives the wire protocol directly: dial, INIT, decode the
// response.
func rawInit(t *testing.T, cfg *Config, appendMode bool, logFile string) (*net.UnixConn, string, uint32) {
	t.Helper()

	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: cfg.SocketPath, Net: "unix"})
	require.NoError(t, err)

	frame, err := protocol.EncodeInit(appendMode, logFile)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	resp := make([]byte, protocol.MaxFrameSize)
	n, err := conn.Read(resp)
	require.NoError(t, err)

	name, errno, err := protocol.DecodeInitResponse(resp[:n])
	require.NoError(t, err)
	return conn, name, errno
}

// TestDisconnectWithoutClose hangs up without a CLOSE frame; the
// server's hangup path must still run the final drain.
func TestDisconnectWithoutClose(t *testing.T) {
	cfg := startTestServer(t, nil)
	logFile := filepath.Join(t.TempDir(), "app.log")

	conn, name, errno := rawInit(t, cfg, false, logFile)
	require.Zero(t, errno)
	require.NotEmpty(t, name)

	region, err := ring.OpenRegion(cfg.ShmDir, name)
	require.NoError(t, err)
	defer region.Close()

	buf, err := ring.Attach(region.Bytes())
	require.NoError(t, err)

	record := bytes.Repeat([]byte{'q'}, 100) // well below threshold
	buf.Append(record)

	require.NoError(t, conn.Close())

	readFileEventually(t, logFile, record)

	// The server owns the region name and unlinks it on teardown.
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(cfg.ShmDir, strings.TrimPrefix(name, "/")))
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)
}

// TestInitFailureRepliesErrno asks for a log file in a directory that
// does not exist and expects status 0 with ENOENT.
func TestInitFailureRepliesErrno(t *testing.T) {
	cfg := startTestServer(t, nil)
	logFile := filepath.Join(t.TempDir(), "missing", "app.log")

	conn, name, errno := rawInit(t, cfg, true, logFile)
	defer conn.Close()

	assert.Empty(t, name)
	assert.Equal(t, uint32(syscall.ENOENT), errno)

	// No state retained: the failed client's region is not left behind.
	entries, err := os.ReadDir(cfg.ShmDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The server closes the connection after a failed INIT.
	one := make([]byte, 1)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(one)
	assert.Error(t, err)
}

// TestRefuseOverCapacity caps concurrent clients at one.
func TestRefuseOverCapacity(t *testing.T) {
	cfg := startTestServer(t, func(c *Config) { c.MaxClients = 1 })
	logFile := filepath.Join(t.TempDir(), "app.log")

	handle := newTestClient(t, cfg, logFile)
	defer handle.Close()

	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: cfg.SocketPath, Net: "unix"})
	require.NoError(t, err)
	defer conn.Close()

	// The refused connection is closed without a response.
	one := make([]byte, 1)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(one)
	assert.Error(t, err)
}

// TestUnknownOpcodeKeepsConnection sends garbage between valid frames;
// the server must log and carry on.
func TestUnknownOpcodeKeepsConnection(t *testing.T) {
	cfg := startTestServer(t, nil)
	logFile := filepath.Join(t.TempDir(), "app.log")

	conn, name, errno := rawInit(t, cfg, true, logFile)
	require.Zero(t, errno)
	require.NotEmpty(t, name)

	_, err := conn.Write([]byte{0x7f})
	require.NoError(t, err)

	// Let the server consume the garbage frame on its own before the
	// next one, so the two cannot coalesce into a single read.
	time.Sleep(100 * time.Millisecond)

	region, err := ring.OpenRegion(cfg.ShmDir, name)
	require.NoError(t, err)
	defer region.Close()
	buf, err := ring.Attach(region.Bytes())
	require.NoError(t, err)
	buf.Append([]byte("still alive\n"))

	_, err = conn.Write(protocol.EncodeWrite())
	require.NoError(t, err)

	readFileEventually(t, logFile, []byte("still alive\n"))
	require.NoError(t, conn.Close())
}

// TestTeardownIdempotent releases a driver's resources twice; the
// second call must be a no-op.
func TestTeardownIdempotent(t *testing.T) {
	dir := t.TempDir()

	region, err := ring.CreateRegion(dir, "/logc_shm_client_99", 4096)
	require.NoError(t, err)
	buf, err := ring.Attach(region.Bytes())
	require.NoError(t, err)
	buf.Init(2048)
	buf.Append([]byte("final bytes\n"))

	logFile := filepath.Join(dir, "out.log")
	file, err := os.Create(logFile)
	require.NoError(t, err)

	// A connected socket pair so teardown has something to close.
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: filepath.Join(dir, "s.sock"), Net: "unix"})
	require.NoError(t, err)
	defer listener.Close()
	dialed, err := net.DialUnix("unix", nil, listener.Addr().(*net.UnixAddr))
	require.NoError(t, err)
	defer dialed.Close()
	accepted, err := listener.AcceptUnix()
	require.NoError(t, err)

	srv := &Server{cfg: DefaultConfig(), pool: newDrainBufferPool(1, 4096-ring.HeaderSize)}
	c := &client{
		srv:      srv,
		conn:     accepted,
		fd:       99,
		log:      zaptest.NewLogger(t).Sugar(),
		region:   region,
		buf:      buf,
		file:     file,
		w:        bufio.NewWriter(file),
		drainBuf: srv.pool.get(),
	}

	c.teardown()
	c.teardown()

	got, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "final bytes\n", string(got))

	_, err = os.Stat(filepath.Join(dir, "logc_shm_client_99"))
	assert.True(t, os.IsNotExist(err))
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RingSize = datasize.ByteSize(ring.HeaderSize)
	_, err := cfg.validate()
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.ThresholdFraction = 1.5
	_, err = cfg.validate()
	assert.Error(t, err)

	cfg = DefaultConfig()
	assert.Equal(t, uint32(8192), cfg.threshold())
}
