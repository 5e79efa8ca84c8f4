// Created by WINK Streaming (https://www.wink.co)
package rtsp

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winkstreaming/wink-rtsp-engine/internal/env"
	"github.com/winkstreaming/wink-rtsp-engine/internal/sdp"
)

func minimalSubsession(mediumName string) sdp.Subsession {
	return sdp.Subsession{MediumName: mediumName, CodecName: "H264", Fmtp: map[string]string{}}
}

// scriptedServer accepts one connection and, for each request it
// reads (up to the blank line that ends headers, plus any declared
// body), writes back the next response in responses, in order.
func scriptedServer(t *testing.T, responses []string) (addr string, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done = make(chan struct{})

	go func() {
		defer close(done)
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for _, resp := range responses {
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if line == "\r\n" || line == "\n" {
					break
				}
			}
			if _, err := conn.Write([]byte(resp)); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), done
}

func newTestEnv() *env.Environment {
	return env.New(zerolog.Nop())
}

func TestDescribeHappyPath(t *testing.T) {
	addr, done := scriptedServer(t, []string{
		"RTSP/1.0 200 OK\r\nContent-Length: 7\r\n\r\nv=0\r\n\r\n",
	})
	defer func() { <-done }()

	c, err := NewClient(newTestEnv(), "rtsp://"+addr+"/stream")
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.DescribeRaw()
	require.NoError(t, err)
	assert.Equal(t, "v=0\r\n\r\n", string(resp.Body))
	assert.Equal(t, 1, c.CSeq())
}

func TestDigestChallengeThenRetry(t *testing.T) {
	addr, done := scriptedServer(t, []string{
		"RTSP/1.0 401 Unauthorized\r\nWWW-Authenticate: Digest realm=\"R\", nonce=\"N\"\r\n\r\n",
		"RTSP/1.0 200 OK\r\nContent-Length: 0\r\n\r\n",
	})
	defer func() { <-done }()

	c, err := NewClient(newTestEnv(), "rtsp://"+addr+"/m")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.DescribeRaw()
	require.Error(t, err)
	auth := c.Authenticator()
	assert.Equal(t, "R", auth.Realm)
	assert.Equal(t, "N", auth.Nonce)

	auth.Username = "u"
	auth.Password = "p"

	_, err = c.DescribeRaw()
	require.NoError(t, err)
}

func TestDigestChallengeProducesExpectedAuthorizationHeader(t *testing.T) {
	a := &Authenticator{Realm: "R", Nonce: "N", Username: "u", Password: "p"}
	got := a.authorizationHeader("DESCRIBE", "rtsp://h/m")
	want := `Digest username="u", realm="R", nonce="N", uri="rtsp://h/m", response="` +
		digestResponse("u", "R", "p", "DESCRIBE", "rtsp://h/m", "N") + `"`
	assert.Equal(t, want, got)
}

func TestSetupUDPUnicastTransportRoundTrip(t *testing.T) {
	addr, done := scriptedServer(t, []string{
		"RTSP/1.0 200 OK\r\nSession: ABC123\r\nTransport: RTP/AVP;unicast;client_port=6970-6971;server_port=9000-9001;source=10.0.0.1\r\nContent-Length: 0\r\n\r\n",
	})
	defer func() { <-done }()

	c, err := NewClient(newTestEnv(), "rtsp://"+addr+"/m")
	require.NoError(t, err)
	defer c.Close()

	sub := newMediaSubsession(c.env, minimalSubsession("video"))
	sub.ClientRTPPort, sub.ClientRTCPPort = 6970, 6971

	err = c.Setup(sub, false, false)
	require.NoError(t, err)
	assert.Equal(t, "ABC123", c.session)
	assert.Equal(t, 9000, sub.ServerRTPPort)
	assert.Equal(t, 9001, sub.ServerRTCPPort)
	assert.Equal(t, "10.0.0.1", sub.ConnectionAddr)
	assert.False(t, sub.HasInterleaved)
}

func TestSetupTCPInterleavedChannelsIncrementAcrossTracks(t *testing.T) {
	addr, done := scriptedServer(t, []string{
		"RTSP/1.0 200 OK\r\nSession: XYZ\r\nTransport: RTP/AVP/TCP;unicast;interleaved=0-1\r\nContent-Length: 0\r\n\r\n",
		"RTSP/1.0 200 OK\r\nSession: XYZ\r\nTransport: RTP/AVP/TCP;unicast;interleaved=2-3\r\nContent-Length: 0\r\n\r\n",
	})
	defer func() { <-done }()

	c, err := NewClient(newTestEnv(), "rtsp://"+addr+"/m")
	require.NoError(t, err)
	defer c.Close()

	video := newMediaSubsession(c.env, minimalSubsession("video"))
	audio := newMediaSubsession(c.env, minimalSubsession("audio"))

	require.NoError(t, c.Setup(video, true, false))
	assert.Equal(t, 0, video.InterleavedRTPChannel)
	assert.Equal(t, 1, video.InterleavedRTCPChannel)

	require.NoError(t, c.Setup(audio, true, false))
	assert.Equal(t, 2, audio.InterleavedRTPChannel)
	assert.Equal(t, 3, audio.InterleavedRTCPChannel)
}

func TestRequestURIJoinsSuffix(t *testing.T) {
	c := &Client{baseURI: "rtsp://h/m"}
	assert.Equal(t, "rtsp://h/m", c.requestURI(""))
	assert.Equal(t, "rtsp://h/m/trackID=0", c.requestURI("trackID=0"))
}

func TestBuildRequestIncludesAuthorizationOnlyAfterChallenge(t *testing.T) {
	c := &Client{auth: &Authenticator{}, baseURI: "rtsp://h/m"}
	req := c.buildRequest("DESCRIBE", "rtsp://h/m", nil, nil)
	assert.False(t, strings.Contains(req, "Authorization:"))

	c.auth.Realm, c.auth.Nonce, c.auth.Username, c.auth.Password = "R", "N", "u", "p"
	req = c.buildRequest("DESCRIBE", "rtsp://h/m", nil, nil)
	assert.True(t, strings.Contains(req, "Authorization: Digest"))
}
