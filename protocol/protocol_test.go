// protocol_test.go: control frame tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package protocol

import (
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRequestRoundTrip(t *testing.T) {
	frame, err := EncodeInit(true, "/var/log/app.log")
	require.NoError(t, err)
	require.LessOrEqual(t, len(frame), MaxFrameSize)

	op, payload, err := ParseRequest(frame)
	require.NoError(t, err)
	assert.Equal(t, OpInit, op)

	appendMode, path, err := ParseInit(payload)
	require.NoError(t, err)
	assert.True(t, appendMode)
	assert.Equal(t, "/var/log/app.log", path)
}

func TestInitRequestTruncateMode(t *testing.T) {
	frame, err := EncodeInit(false, "x.log")
	require.NoError(t, err)

	_, payload, err := ParseRequest(frame)
	require.NoError(t, err)

	appendMode, path, err := ParseInit(payload)
	require.NoError(t, err)
	assert.False(t, appendMode)
	assert.Equal(t, "x.log", path)
}

func TestEncodeInitRejectsLongPath(t *testing.T) {
	_, err := EncodeInit(true, strings.Repeat("p", MaxFrameSize))
	assert.ErrorIs(t, err, ErrPathTooLong)
}

func TestParseInitRejectsUnterminatedPath(t *testing.T) {
	payload := append([]byte{1}, []byte("no-nul")...)
	_, _, err := ParseInit(payload)
	assert.ErrorIs(t, err, ErrMissingNUL)
}

func TestOneByteRequests(t *testing.T) {
	op, payload, err := ParseRequest(EncodeWrite())
	require.NoError(t, err)
	assert.Equal(t, OpWrite, op)
	assert.Empty(t, payload)

	op, _, err = ParseRequest(EncodeClose())
	require.NoError(t, err)
	assert.Equal(t, OpClose, op)
}

func TestParseRequestEdges(t *testing.T) {
	_, _, err := ParseRequest(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)

	_, _, err = ParseRequest(make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrOversizedFrame)

	// Unknown opcodes parse fine; the server logs and ignores them.
	op, _, err := ParseRequest([]byte{42})
	require.NoError(t, err)
	assert.Equal(t, Opcode(42), op)
	assert.Equal(t, "UNKNOWN(42)", op.String())
}

func TestInitResponseSuccess(t *testing.T) {
	frame, err := EncodeInitOK("/logc_shm_client_9")
	require.NoError(t, err)
	require.Len(t, frame, MaxFrameSize)

	name, errno, err := DecodeInitResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, "/logc_shm_client_9", name)
	assert.Zero(t, errno)
}

func TestInitResponseFailureCarriesErrno(t *testing.T) {
	frame := EncodeInitErr(uint32(syscall.ENOENT))
	require.Len(t, frame, MaxFrameSize)

	name, errno, err := DecodeInitResponse(frame)
	require.NoError(t, err)
	assert.Empty(t, name)
	assert.Equal(t, uint32(syscall.ENOENT), errno)
}

func TestDecodeInitResponseShortFrame(t *testing.T) {
	_, _, err := DecodeInitResponse([]byte{1, 'x'})
	assert.ErrorIs(t, err, ErrShortResponse)
}
