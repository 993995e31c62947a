// file.go: backing log file management
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package server

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	fileRetryCount = 3
	fileRetryDelay = 10 * time.Millisecond
)

// sanitizeFilename removes or replaces invalid characters for
// cross-platform compatibility.
func sanitizeFilename(filename string) string {
	if runtime.GOOS == "windows" {
		invalidChars := []string{"<", ">", ":", "\"", "|", "?", "*"}
		result := filename

		for _, char := range invalidChars {
			result = strings.ReplaceAll(result, char, "_")
		}

		var sanitized strings.Builder
		for _, r := range result {
			if r >= 32 {
				sanitized.WriteRune(r)
			} else {
				sanitized.WriteRune('_')
			}
		}

		return sanitized.String()
	}

	// For Unix-like systems, just remove null characters
	return strings.ReplaceAll(filename, "\x00", "_")
}

// validatePathLength checks if the path length is within OS limits.
func validatePathLength(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	pathLen := len(absPath)

	switch runtime.GOOS {
	case "windows":
		if pathLen > 260 {
			return fmt.Errorf("path too long for Windows: %d characters (limit: 260)", pathLen)
		}
	default:
		if pathLen > 4096 {
			return fmt.Errorf("path too long: %d characters (limit: 4096)", pathLen)
		}
	}

	return nil
}

// retryFileOperation executes a file operation with retry for transient
// filesystem failures (antivirus locks, network shares, overlay
// filesystems under load).
func retryFileOperation(operation func() error, retryCount int, retryDelay time.Duration) error {
	if retryCount <= 0 {
		retryCount = fileRetryCount
	}
	if retryDelay <= 0 {
		retryDelay = fileRetryDelay
	}

	var lastErr error
	for i := 0; i < retryCount; i++ {
		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		// On the last attempt, don't wait - fail fast
		if i < retryCount-1 {
			time.Sleep(retryDelay)
		}
	}

	return fmt.Errorf("operation failed after %d retries: %w", retryCount, lastErr)
}

// openBackingFile opens the client's log file in append or truncate
// mode. The directory must already exist; a missing directory is the
// client's provisioning error and surfaces in the INIT response.
func openBackingFile(path string, appendMode bool) (*os.File, error) {
	if err := validatePathLength(path); err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	sanitized := filepath.Join(dir, sanitizeFilename(filepath.Base(path)))

	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	var file *os.File
	err := retryFileOperation(func() error {
		var err error
		file, err = os.OpenFile(sanitized, flags, 0644) // #nosec G304 -- sanitized above
		return err
	}, fileRetryCount, fileRetryDelay)
	if err != nil {
		return nil, err
	}
	return file, nil
}
