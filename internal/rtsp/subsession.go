// Created by WINK Streaming (https://www.wink.co)
package rtsp

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/winkstreaming/wink-rtsp-engine/internal/env"
	"github.com/winkstreaming/wink-rtsp-engine/internal/groupsock"
	"github.com/winkstreaming/wink-rtsp-engine/internal/medium"
	"github.com/winkstreaming/wink-rtsp-engine/internal/rtcp"
	"github.com/winkstreaming/wink-rtsp-engine/internal/rtp"
	"github.com/winkstreaming/wink-rtsp-engine/internal/sdp"
)

// MediaSubsession is one media track from a DESCRIBEd SDP: the
// medium/codec/clock-rate facts parsed from SDP, the client and
// server transport endpoints negotiated by SETUP, and (after Initiate)
// the bound RTP source/sink and RTCP instance for that track.
type MediaSubsession struct {
	medium.Base

	env *env.Environment
	id  uuid.UUID

	MediumName     string
	CodecName      string
	ClockRateHz    uint32
	PayloadType    uint8
	Fmtp           map[string]string
	Control        string
	ConnectionAddr string

	ClientRTPPort  int
	ClientRTCPPort int
	ServerRTPPort  int
	ServerRTCPPort int

	InterleavedRTPChannel  int
	InterleavedRTCPChannel int
	HasInterleaved         bool

	rtpSock, rtcpSock *groupsock.GroupSock

	Source *rtp.Source
	Sink   *rtp.Sink
	RTCP   *rtcp.Instance
}

func newMediaSubsession(e *env.Environment, sub sdp.Subsession) *MediaSubsession {
	m := &MediaSubsession{
		env:            e,
		id:             uuid.New(),
		MediumName:     sub.MediumName,
		CodecName:      sub.CodecName,
		ClockRateHz:    sub.ClockRateHz,
		PayloadType:    sub.PayloadType,
		Fmtp:           sub.Fmtp,
		Control:        sub.Control,
		ConnectionAddr: sub.ConnectionAddr,
	}
	m.Base = medium.NewBase(e.Registry, "MediaSubsession", "")
	e.Registry.Register(m)
	return m
}

// ID is the per-track session identifier, distinct from the RTSP
// Session header, used to correlate a subsession with its own
// bookkeeping (log fields, metrics labels) across its lifetime.
func (m *MediaSubsession) ID() uuid.UUID { return m.id }

// controlURI resolves this subsession's control attribute against
// baseURI: an absolute control value (itself a full rtsp:// URL) is
// used as-is; anything else is appended as a path component.
func (m *MediaSubsession) controlURI(baseURI string) string {
	if m.Control == "" || m.Control == "*" {
		return baseURI
	}
	if strings.Contains(m.Control, "://") {
		return m.Control
	}
	return strings.TrimRight(baseURI, "/") + "/" + strings.TrimLeft(m.Control, "/")
}

// bindUDPPorts allocates a pair of local UDP sockets (RTP, RTCP) for a
// UDP SETUP, recording the bound ports as ClientRTPPort/ClientRTCPPort.
func (m *MediaSubsession) bindUDPPorts() error {
	if m.rtpSock != nil {
		return nil
	}
	rtpSock, err := groupsock.New("0.0.0.0", 0, "", 0)
	if err != nil {
		return err
	}
	rtcpSock, err := groupsock.New("0.0.0.0", 0, "", 0)
	if err != nil {
		rtpSock.Close()
		return err
	}
	m.rtpSock = rtpSock
	m.rtcpSock = rtcpSock
	m.ClientRTPPort = rtpSock.LocalPort()
	m.ClientRTCPPort = rtcpSock.LocalPort()
	return nil
}

// applyTransport records the server's half of a negotiated Transport
// header after a successful SETUP response.
func (m *MediaSubsession) applyTransport(t Transport) {
	m.ServerRTPPort = t.ServerRTPPort
	m.ServerRTCPPort = t.ServerRTCPPort
	m.InterleavedRTPChannel = t.InterleavedRTPChannel
	m.InterleavedRTCPChannel = t.InterleavedRTCPChannel
	m.HasInterleaved = t.HasInterleaved
	if t.Source != "" {
		m.ConnectionAddr = t.Source
	}
}

// Initiate constructs the RTP receiver and RTCP instance for this
// subsession's negotiated transport: a pair of connected UDP sockets
// for ordinary delivery, or (for a TCP-interleaved SETUP) a source fed
// by the client's own demultiplexing of its control connection and an
// RTCP instance that writes reports back over the same connection's
// RTCP channel.
func (m *MediaSubsession) Initiate(c *Client) error {
	mimeType := m.MediumName + "/" + m.CodecName

	if m.HasInterleaved {
		m.Source = rtp.NewInterleavedSource(m.env, mimeType)
		m.RTCP = rtcp.New(m.env, interleavedWriter{c: c, channel: byte(m.InterleavedRTCPChannel)}, nil, m.Source)
		return nil
	}

	if m.rtpSock == nil {
		return nil
	}
	// The sockets bindUDPPorts opened still hold the client ports, so
	// each is closed before its port is bound again with a destination.
	if m.ServerRTPPort > 0 {
		dest := m.ConnectionAddr + ":" + strconv.Itoa(m.ServerRTPPort)
		m.rtpSock.Close()
		reconnected, err := groupsock.New("0.0.0.0", m.ClientRTPPort, dest, 0)
		if err != nil {
			return err
		}
		m.rtpSock = reconnected
	}
	if m.ServerRTCPPort > 0 {
		dest := m.ConnectionAddr + ":" + strconv.Itoa(m.ServerRTCPPort)
		m.rtcpSock.Close()
		reconnected, err := groupsock.New("0.0.0.0", m.ClientRTCPPort, dest, 0)
		if err != nil {
			return err
		}
		m.rtcpSock = reconnected
	}
	m.Source = rtp.NewSource(m.env, m.rtpSock, mimeType)
	m.RTCP = rtcp.New(m.env, m.rtcpSock, nil, m.Source)
	return nil
}

// Close tears down the subsession's RTP/RTCP mediums and sockets.
func (m *MediaSubsession) Close() error {
	if m.RTCP != nil {
		m.RTCP.Close()
	}
	if m.Source != nil {
		m.Source.Close()
	}
	if m.Sink != nil {
		m.Sink.Close()
	}
	if m.rtcpSock != nil {
		m.rtcpSock.Close()
	}
	if m.rtpSock != nil {
		m.rtpSock.Close()
	}
	return m.CloseBase()
}
