// Created by WINK Streaming (https://www.wink.co)
package rtsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildUDPTransportUnicast(t *testing.T) {
	got := BuildUDPTransport(6970, 6971, false)
	assert.Equal(t, "RTP/AVP;unicast;client_port=6970-6971", got)
}

func TestBuildUDPTransportMulticast(t *testing.T) {
	got := BuildUDPTransport(6970, 6971, true)
	assert.Equal(t, "RTP/AVP;multicast;client_port=6970-6971", got)
}

func TestBuildTCPTransport(t *testing.T) {
	assert.Equal(t, "RTP/AVP/TCP;unicast;interleaved=0-1", BuildTCPTransport(0, 1))
	assert.Equal(t, "RTP/AVP/TCP;unicast;interleaved=2-3", BuildTCPTransport(2, 3))
}

func TestParseTransportUDPResponse(t *testing.T) {
	value := "RTP/AVP;unicast;client_port=6970-6971;server_port=9000-9001;source=10.0.0.1"
	tr, ok := ParseTransport(value)
	require.True(t, ok)
	assert.Equal(t, 9000, tr.ServerRTPPort)
	assert.Equal(t, 9001, tr.ServerRTCPPort)
	assert.Equal(t, "10.0.0.1", tr.Source)
	assert.False(t, tr.HasInterleaved)
}

func TestParseTransportInterleavedResponse(t *testing.T) {
	tr, ok := ParseTransport("RTP/AVP/TCP;unicast;interleaved=0-1")
	require.True(t, ok)
	assert.True(t, tr.HasInterleaved)
	assert.Equal(t, 0, tr.InterleavedRTPChannel)
	assert.Equal(t, 1, tr.InterleavedRTCPChannel)
}

func TestParseTransportRejectsUnrecognizedFields(t *testing.T) {
	_, ok := ParseTransport("RTP/AVP;unicast")
	assert.False(t, ok)
}
