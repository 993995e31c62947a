// Package logc provides low-overhead application logging through a
// shared-memory ring buffer drained by a separate server process.
//
// A Handle is linked into the application. Each record is formatted and
// appended to a per-process ring that lives in a POSIX shared-memory
// object; appends are wait-free and never block, regardless of what the
// server is doing. When the ring crosses its fill threshold the handle
// sends a one-byte notification over a local stream socket, and the
// server - which owns the log file - drains the ring to disk. On close
// or disconnect the server performs a final drain, so no durable bytes
// are lost on a clean shutdown.
//
// # Quick Start
//
//	handle, err := logc.New("/var/log/app.log", logc.Info, true)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := handle.Connect(); err != nil {
//		log.Fatal(err)
//	}
//	defer handle.Close()
//
//	handle.Infof("service started on %s", addr)
//
// Records carry a timestamp, the caller's source location and the
// message. Pre-formatted records can be appended directly:
//
//	handle.AppendRecord([]byte("already formatted line\n"))
//
// # Levels
//
// The handle filters records process-wide: a record is written when its
// level is at or above the handle's level. All lets everything through;
// Disable mutes the handle entirely.
//
// # The server
//
// The logc-server binary (cmd/logc-server) listens on a local socket,
// provisions one shared region per client and writes each client's
// records to the file named at connect time. Clients never touch the
// log file; the server never blocks a client.
//
// # Overrun behavior
//
// Producers are never back-pressured. If an application outruns the
// server badly enough to lap the ring, the overwritten records are
// lost; DroppedRecords exposes how often that was observed. The fill
// threshold (half the ring by default) exists to make this rare.
package logc
