// Created by WINK Streaming (https://www.wink.co)
package rtsp

import (
	"errors"
	"net"

	"github.com/winkstreaming/wink-rtsp-engine/internal/engineerr"
	"github.com/winkstreaming/wink-rtsp-engine/internal/scheduler"
)

// interleavedWriter adapts one $-framed channel on the control
// connection to rtcp.Output, so an Instance bound to a TCP-interleaved
// subsession can write its reports the same way it would to a group
// socket.
type interleavedWriter struct {
	c       *Client
	channel byte
}

func (w interleavedWriter) Output(payload []byte, addr string, port int, ttl int) error {
	return w.c.writeInterleavedFrame(w.channel, payload)
}

func (c *Client) writeInterleavedFrame(channel byte, payload []byte) error {
	if c.conn == nil {
		return engineerr.Transient("rtsp.writeInterleavedFrame", errNotConnected)
	}
	header := []byte{'$', channel, byte(len(payload) >> 8), byte(len(payload))}
	if _, err := c.conn.Write(header); err != nil {
		return engineerr.Transient("rtsp.writeInterleavedFrame", err)
	}
	if _, err := c.conn.Write(payload); err != nil {
		return engineerr.Transient("rtsp.writeInterleavedFrame", err)
	}
	return nil
}

var errNotConnected = errors.New("rtsp: control connection not open")

// StartStreaming installs a read handler on the control connection's
// descriptor for the interleaved RTP/RTCP frames a server pushes once
// PLAY begins, routing each frame by channel id to the bound
// subsession's RTP source. It is a no-op when no subsession negotiated
// TCP interleaving, or when already started.
func (c *Client) StartStreaming() error {
	if c.demuxStarted {
		return nil
	}
	hasInterleaved := false
	for _, s := range c.subsessions {
		if s.HasInterleaved {
			hasInterleaved = true
		}
	}
	if !hasInterleaved {
		return nil
	}

	tcpConn, ok := c.conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return engineerr.Transient("rtsp.startStreaming", err)
	}
	var fd int
	if ctrlErr := raw.Control(func(f uintptr) { fd = int(f) }); ctrlErr != nil {
		return engineerr.Transient("rtsp.startStreaming", ctrlErr)
	}

	c.demuxStarted = true
	c.env.Scheduler.TurnOnRead(fd, func(interface{}, scheduler.Reason) {
		c.onControlReadable()
	}, nil)
	return nil
}

// onControlReadable drains interleaved frames from the control
// connection, dispatching each to its bound subsession, until a real
// RTSP response line or a read error ends the call. During steady-state
// playback a server rarely interleaves a fresh response in, so a
// single invocation typically runs for the life of the session.
func (c *Client) onControlReadable() {
	resp, err := readResponse(c.reader, c.dispatchInterleavedFrame)
	if err != nil {
		return
	}
	c.env.Log.Debug().Int("status", resp.StatusCode).Msg("rtsp: response arrived mid-stream")
}

func (c *Client) dispatchInterleavedFrame(channel byte, payload []byte) {
	for _, s := range c.subsessions {
		if !s.HasInterleaved {
			continue
		}
		if byte(s.InterleavedRTPChannel) == channel {
			if s.Source != nil {
				s.Source.IngestPacket(payload)
			}
			return
		}
		if byte(s.InterleavedRTCPChannel) == channel {
			// Incoming RTCP from the server (e.g. sender reports on a
			// RECORD session) isn't yet folded into reception statistics.
			return
		}
	}
}
