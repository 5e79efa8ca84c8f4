// Created by WINK Streaming (https://www.wink.co)
package rtsp

import (
	"fmt"
	"strconv"
	"strings"
)

// Transport is the parsed content of a Transport header, covering
// both the UDP unicast/multicast and TCP-interleaved forms.
type Transport struct {
	Protocol  string // "RTP/AVP" or "RTP/AVP/TCP"
	Unicast   bool
	Multicast bool

	ClientRTPPort  int
	ClientRTCPPort int
	ServerRTPPort  int
	ServerRTCPPort int

	InterleavedRTPChannel  int
	InterleavedRTCPChannel int
	HasInterleaved         bool

	Source string // source=<dotted-ip>, present on some server responses
}

// BuildUDPTransport constructs the Transport header value a SETUP
// request sends for UDP delivery: unicast if multicast is false.
func BuildUDPTransport(clientRTPPort, clientRTCPPort int, multicast bool) string {
	mode := "unicast"
	if multicast {
		mode = "multicast"
	}
	return fmt.Sprintf("RTP/AVP;%s;client_port=%d-%d", mode, clientRTPPort, clientRTCPPort)
}

// BuildTCPTransport constructs the Transport header value a SETUP
// request sends for TCP-interleaved delivery on the given channel pair.
func BuildTCPTransport(rtpChannel, rtcpChannel int) string {
	return fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d", rtpChannel, rtcpChannel)
}

// ParseTransport parses a server's Transport response header. It
// recognizes at minimum server_port, source, and interleaved; absence
// of any recognized field is reported via ok=false so the caller can
// fail the SETUP.
func ParseTransport(value string) (t Transport, ok bool) {
	fields := strings.Split(value, ";")
	if len(fields) == 0 {
		return t, false
	}
	t.Protocol = strings.TrimSpace(fields[0])

	recognized := false
	for _, f := range fields[1:] {
		f = strings.TrimSpace(f)
		switch {
		case f == "unicast":
			t.Unicast = true
		case f == "multicast":
			t.Multicast = true
		case strings.HasPrefix(f, "client_port="):
			if lo, hi, parseOK := parsePortPair(strings.TrimPrefix(f, "client_port=")); parseOK {
				t.ClientRTPPort, t.ClientRTCPPort = lo, hi
				recognized = true
			}
		case strings.HasPrefix(f, "server_port="):
			if lo, hi, parseOK := parsePortPair(strings.TrimPrefix(f, "server_port=")); parseOK {
				t.ServerRTPPort, t.ServerRTCPPort = lo, hi
				recognized = true
			}
		case strings.HasPrefix(f, "interleaved="):
			if lo, hi, parseOK := parsePortPair(strings.TrimPrefix(f, "interleaved=")); parseOK {
				t.InterleavedRTPChannel, t.InterleavedRTCPChannel = lo, hi
				t.HasInterleaved = true
				recognized = true
			}
		case strings.HasPrefix(f, "source="):
			t.Source = strings.TrimPrefix(f, "source=")
			recognized = true
		}
	}
	return t, recognized
}

func parsePortPair(s string) (lo, hi int, ok bool) {
	parts := strings.SplitN(s, "-", 2)
	lo, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	if len(parts) == 1 {
		return lo, 0, true
	}
	hi, err = strconv.Atoi(parts[1])
	if err != nil {
		return lo, 0, false
	}
	return lo, hi, true
}
