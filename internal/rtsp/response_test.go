// Created by WINK Streaming (https://www.wink.co)
package rtsp

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatusLineOK(t *testing.T) {
	code, reason, err := parseStatusLine("RTSP/1.0 200 OK\r\n")
	require.NoError(t, err)
	assert.Equal(t, 200, code)
	assert.Equal(t, "OK", reason)
}

func TestParseStatusLineGarbage(t *testing.T) {
	_, _, err := parseStatusLine("garbage")
	assert.Error(t, err)
}

func TestReadResponseParsesHeadersAndBody(t *testing.T) {
	raw := "RTSP/1.0 200 OK\r\nCSeq: 1\r\nContent-Length: 7\r\n\r\nv=0\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	resp, err := readResponse(r, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	cseq, ok := resp.Header("CSeq")
	require.True(t, ok)
	assert.Equal(t, "1", cseq)
	assert.Equal(t, "v=0\r\n\r\n", string(resp.Body))
}

func TestReadResponseSkipsInterleavedFramesBeforeStatusLine(t *testing.T) {
	frame := "$" + string([]byte{0, 0, 4}) + "abcd"
	raw := frame + "RTSP/1.0 200 OK\r\nContent-Length: 0\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	var skipped []byte
	resp, err := readResponse(r, func(channel byte, payload []byte) {
		skipped = payload
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "abcd", string(skipped))
}
