// region.go: POSIX shared-memory region lifecycle for ring buffers
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ring

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultDir is where POSIX shared-memory objects live. Region names
// follow the shm_open convention and start with a slash; the object for
// name "/x" is the file DefaultDir/x.
const DefaultDir = "/dev/shm"

// regionMode matches the original shm object permissions.
const regionMode = 0666

// Region is a mapped shared-memory object backing one ring. The server
// creates, maps, unmaps and unlinks it; the client holds a transient
// mapping of the same bytes.
type Region struct {
	name string
	path string
	data []byte
}

func regionPath(dir, name string) string {
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, strings.TrimPrefix(name, "/"))
}

// CreateRegion creates (or reuses) the shared object name under dir,
// sizes it to size bytes and maps it read-write shared. The creator is
// responsible for initializing the ring header before handing the name
// to a peer.
func CreateRegion(dir, name string, size int) (*Region, error) {
	path := regionPath(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, regionMode) // #nosec G302,G304 -- shm objects are world-accessible by design; path derives from the connection fd
	if err != nil {
		return nil, fmt.Errorf("cannot create shared region %q: %w", name, err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("cannot size shared region %q: %w", name, err)
	}

	return mapRegion(f, name, path, size)
}

// OpenRegion maps an existing shared object created by a peer. The
// mapping length is taken from the object itself, so both sides agree
// on the region size without exchanging it.
func OpenRegion(dir, name string) (*Region, error) {
	path := regionPath(dir, name)

	f, err := os.OpenFile(path, os.O_RDWR, 0) // #nosec G304 -- path comes from the server's INIT response
	if err != nil {
		return nil, fmt.Errorf("cannot open shared region %q: %w", name, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("cannot stat shared region %q: %w", name, err)
	}

	return mapRegion(f, name, path, int(info.Size()))
}

// mapRegion maps size bytes of f and releases the descriptor; the
// mapping survives the close, exactly as with shm_open/mmap.
func mapRegion(f *os.File, name, path string, size int) (*Region, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("cannot map shared region %q: %w", name, err)
	}

	if err := f.Close(); err != nil {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("cannot release region descriptor %q: %w", name, err)
	}

	return &Region{name: name, path: path, data: data}, nil
}

// Name returns the shm-style object name, including the leading slash.
func (r *Region) Name() string {
	return r.name
}

// Bytes returns the mapped region. Valid until Close.
func (r *Region) Bytes() []byte {
	return r.data
}

// Close unmaps the region. Safe to call more than once.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}

	data := r.data
	r.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("cannot unmap shared region %q: %w", r.name, err)
	}
	return nil
}

// Unlink removes the object name. The owner calls this after the last
// mapping is gone; peers holding a mapping are unaffected.
func (r *Region) Unlink() error {
	return os.Remove(r.path)
}
