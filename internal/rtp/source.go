// Created by WINK Streaming (https://www.wink.co)
package rtp

import (
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/winkstreaming/wink-rtsp-engine/internal/env"
	"github.com/winkstreaming/wink-rtsp-engine/internal/groupsock"
	"github.com/winkstreaming/wink-rtsp-engine/internal/medium"
	"github.com/winkstreaming/wink-rtsp-engine/internal/pipeline"
	"github.com/winkstreaming/wink-rtsp-engine/internal/scheduler"
)

// DefaultReorderWindow matches the buffer size gortsplib's rtpreceiver
// defaults to for reordering over unreliable transports.
const DefaultReorderWindow = 64

// DefaultReorderTimeout bounds how long the source waits for a missing
// packet before giving up on it and skipping forward.
const DefaultReorderTimeout = 100 * time.Millisecond

// Source is the RTP receiver: a FramedSource that reads datagrams from
// a group socket, reorders them by sequence number, and delivers
// payload bytes downstream in order.
type Source struct {
	medium.Base
	pipeline.SourceBase

	env  *env.Environment
	sock *groupsock.GroupSock

	reorderWindow  int
	reorderTimeout time.Duration

	ring           []*pionrtp.Packet
	absPos         uint16
	haveFirst      bool
	lastValidSeq   uint16
	reorderToken   scheduler.Token

	ready []*pionrtp.Packet // packets released by the reorderer, awaiting delivery

	stats *StatsDB
	agg   *aggregateCounters

	pendingTo      []byte
	pendingOnFrame pipeline.OnFrame
	pendingOnClose pipeline.OnClose
	hasPending     bool
}

// NewSource creates a Source reading datagrams from sock, with
// mimeType identifying the depacketized payload (e.g. "video/H264").
func NewSource(e *env.Environment, sock *groupsock.GroupSock, mimeType string) *Source {
	s := newSource(e, mimeType)
	s.sock = sock

	fd, err := sock.Fd()
	if err == nil {
		e.Scheduler.TurnOnRead(fd, func(interface{}, scheduler.Reason) {
			s.onReadable()
		}, nil)
	}
	return s
}

// NewInterleavedSource creates a Source with no socket of its own: its
// packets arrive pushed through IngestPacket, the delivery path for RTP
// tunneled over a TCP control connection's interleaved channel.
func NewInterleavedSource(e *env.Environment, mimeType string) *Source {
	return newSource(e, mimeType)
}

func newSource(e *env.Environment, mimeType string) *Source {
	s := &Source{
		env:            e,
		reorderWindow:  DefaultReorderWindow,
		reorderTimeout: DefaultReorderTimeout,
		ring:           make([]*pionrtp.Packet, DefaultReorderWindow),
		stats:          newStatsDB(),
		agg:            &aggregateCounters{},
	}
	s.SourceBase = pipeline.NewSourceBase(mimeType)
	s.Base = medium.NewBase(e.Registry, "RTPSource", "")
	e.Registry.Register(s)
	return s
}

// Stats returns a Snapshot of reception statistics for every SSRC seen
// so far.
func (s *Source) Stats() []Snapshot { return s.stats.Snapshots() }

// AggregateCounters returns this source's packet/loss/byte totals
// across every SSRC it has observed.
func (s *Source) AggregateCounters() (packets, lost, bytes uint64) {
	return s.agg.snapshot()
}

// GetNextFrame implements pipeline.FramedSource: deliver the next
// in-order payload, or remember the request until one is ready.
func (s *Source) GetNextFrame(to []byte, onFrame pipeline.OnFrame, onClose pipeline.OnClose) {
	if err := s.BeginFrame(); err != nil {
		return
	}
	if len(s.ready) > 0 {
		s.deliverReady(to, onFrame)
		return
	}
	s.pendingTo = to
	s.pendingOnFrame = onFrame
	s.pendingOnClose = onClose
	s.hasPending = true
}

func (s *Source) deliverReady(to []byte, onFrame pipeline.OnFrame) {
	pkt := s.ready[0]
	s.ready = s.ready[1:]
	n := copy(to, pkt.Payload)
	truncated := 0
	if len(pkt.Payload) > n {
		truncated = len(pkt.Payload) - n
	}
	s.CompleteFrame(onFrame, pipeline.FrameInfo{
		Size:              n,
		PresentationTime:  time.Now(),
		NumTruncatedBytes: truncated,
	})
}

// onReadable is installed as the scheduler's read handler for the
// socket's descriptor.
func (s *Source) onReadable() {
	buf := make([]byte, 65536)
	n, _, err := s.sock.ReadFrom(buf)
	if err != nil {
		return
	}
	s.IngestPacket(buf[:n])
}

// IngestPacket feeds one raw RTP packet into the reordering window. A
// socket-backed Source calls this from onReadable; an interleaved
// Source has it called directly by whoever demultiplexes the shared
// TCP connection's channel bytes.
func (s *Source) IngestPacket(raw []byte) {
	var pkt pionrtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return
	}

	now := time.Now()
	stats := s.stats.forSSRC(pkt.SSRC)
	pkts, lost := s.acceptPacket(&pkt)
	stats.Observe(pkt.SequenceNumber, len(pkt.Payload), now)
	s.agg.addPacket(len(pkt.Payload))
	s.agg.addLoss(lost)

	s.ready = append(s.ready, pkts...)
	s.drainPending()
}

// acceptPacket runs the reordering window, grounded on a fixed-size
// ring keyed by position relative to the last in-order sequence seen
// (the same duplicate/gap/overflow cases a reordering jitter buffer
// must handle for unreliable UDP delivery).
func (s *Source) acceptPacket(pkt *pionrtp.Packet) ([]*pionrtp.Packet, uint64) {
	if !s.haveFirst {
		s.haveFirst = true
		s.lastValidSeq = pkt.SequenceNumber
		return []*pionrtp.Packet{pkt}, 0
	}

	relPos := int32(pkt.SequenceNumber) - int32(s.lastValidSeq) - 1
	windowSize := int32(len(s.ring))

	if relPos < 0 {
		// Duplicate or already-delivered packet: discard.
		return nil, 0
	}

	if relPos >= windowSize {
		// A gap too large to buffer: flush whatever is pending and
		// resynchronize on this packet, counting the rest as lost.
		flushed := s.flushRing()
		lost := uint64(relPos) - uint64(len(flushed))
		s.lastValidSeq = pkt.SequenceNumber
		return append(flushed, pkt), lost
	}

	if relPos != 0 {
		pos := (s.absPos + uint16(relPos)) % uint16(len(s.ring))
		if s.ring[pos] == nil {
			s.ring[pos] = pkt
			s.armReorderTimeout()
		}
		return nil, 0
	}

	// In-order packet: release it plus any run of packets already
	// buffered immediately after it.
	out := []*pionrtp.Packet{pkt}
	s.lastValidSeq = pkt.SequenceNumber
	s.absPos = (s.absPos + 1) % uint16(len(s.ring))
	for {
		p := s.ring[s.absPos]
		if p == nil {
			break
		}
		s.ring[s.absPos] = nil
		out = append(out, p)
		s.lastValidSeq = p.SequenceNumber
		s.absPos = (s.absPos + 1) % uint16(len(s.ring))
	}
	return out, 0
}

func (s *Source) flushRing() []*pionrtp.Packet {
	out := make([]*pionrtp.Packet, 0, len(s.ring))
	for i := range s.ring {
		pos := (s.absPos + uint16(i)) % uint16(len(s.ring))
		if p := s.ring[pos]; p != nil {
			out = append(out, p)
			s.ring[pos] = nil
		}
	}
	return out
}

// armReorderTimeout schedules a give-up on the currently missing
// packet after reorderTimeout elapses, per the per-source reordering
// deadline: past that point the source stops waiting and skips ahead.
func (s *Source) armReorderTimeout() {
	s.env.Scheduler.Unschedule(s.reorderToken)
	s.reorderToken = s.env.Scheduler.ScheduleDelayed(s.reorderTimeout, func(interface{}) {
		flushed := s.flushRing()
		if len(flushed) == 0 {
			return
		}
		s.lastValidSeq = flushed[len(flushed)-1].SequenceNumber
		s.ready = append(s.ready, flushed...)
		s.drainPending()
	}, nil)
}

func (s *Source) drainPending() {
	if !s.hasPending || len(s.ready) == 0 {
		return
	}
	to, onFrame := s.pendingTo, s.pendingOnFrame
	s.hasPending = false
	s.pendingTo, s.pendingOnFrame, s.pendingOnClose = nil, nil, nil
	s.deliverReady(to, onFrame)
}

// Close stops reading and unregisters the source. Idempotent.
func (s *Source) Close() error {
	if s.sock != nil {
		if fd, err := s.sock.Fd(); err == nil {
			s.env.Scheduler.TurnOffRead(fd)
		}
	}
	s.env.Scheduler.Unschedule(s.reorderToken)
	s.SignalClose(s.pendingOnClose)
	return s.CloseBase()
}
