package ipc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"kind":"ping"}`)

	require.NoError(t, writeFrame(&buf, payload))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	// A length prefix claiming more than MaxMessageSize, with no body to match.
	require.NoError(t, writeFrameHeaderOnly(&buf, MaxMessageSize+1))

	_, err := readFrame(&buf)
	require.Error(t, err)
}

func TestRequestResponseMarshalRoundTrip(t *testing.T) {
	req := Request{Kind: ReqSignal, Selector: "@web", Op: SignalRestart}
	raw, err := MarshalRequest(req)
	require.NoError(t, err)

	parsed, err := UnmarshalRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, req, parsed)
}

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, 0, ExitCode(RespOk))
	assert.Equal(t, 1, ExitCode(RespNotFound))
	assert.Equal(t, 1, ExitCode(RespInvalidSpec))
	assert.Equal(t, 1, ExitCode(RespAlreadyExists))
	assert.Equal(t, 2, ExitCode(RespBusy))
	assert.Equal(t, 2, ExitCode(RespInternal))
}

func writeFrameHeaderOnly(buf *bytes.Buffer, n uint32) error {
	var hdr [4]byte
	hdr[0] = byte(n)
	hdr[1] = byte(n >> 8)
	hdr[2] = byte(n >> 16)
	hdr[3] = byte(n >> 24)
	_, err := buf.Write(hdr[:])
	return err
}
