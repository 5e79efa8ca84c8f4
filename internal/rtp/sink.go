// Created by WINK Streaming (https://www.wink.co)

// Package rtp implements the RTP sender and receiver mediums: the sink
// packs one or more frames into outgoing RTP packets, fragmenting
// frames too large for a single packet, while the source buffers,
// reorders, and tracks reception statistics for incoming packets.
package rtp

import (
	"math/rand"
	"time"

	pionrtp "github.com/pion/rtp"
	"golang.org/x/time/rate"

	"github.com/winkstreaming/wink-rtsp-engine/internal/env"
	"github.com/winkstreaming/wink-rtsp-engine/internal/groupsock"
	"github.com/winkstreaming/wink-rtsp-engine/internal/medium"
	"github.com/winkstreaming/wink-rtsp-engine/internal/pipeline"
	"github.com/winkstreaming/wink-rtsp-engine/internal/scheduler"
)

// DefaultMTU is the packet budget a Sink packs frames into, chosen to
// fit inside a single non-fragmented IP datagram on typical paths.
const DefaultMTU = 1400

// maxFrameSize bounds how much of one source frame a Sink will ever
// buffer at once, independent of mtu: large enough for a compressed
// video keyframe, so a frame bigger than one packet's payload is
// fragmented across several packets rather than read in per-packet
// pieces. A frame larger than this is truncated (and logged) instead.
const maxFrameSize = 100 * 1024

// FrameCanAppearAfterPacketStart lets a codec decide whether frame can
// still be appended to a packet that already holds numBytesUsedSoFar
// bytes. Sinks for codecs that pack exactly one frame per packet leave
// this nil.
type FrameCanAppearAfterPacketStart func(frame []byte, numBytesUsedSoFar int) bool

// MarkerBitHook lets a codec compute the RTP marker bit for the packet
// just built, given the number of bytes of the frame still unsent
// (nonzero only on a fragment that isn't the frame's last).
type MarkerBitHook func(numTruncatedBytes int) bool

// SpecialHeaderHook lets a codec prepend bytes (e.g. a fragmentation
// header) ahead of the frame payload on each packet.
type SpecialHeaderHook func(fragmentationOffset, numBytesInFrame int) []byte

// Sink is the RTP sender: a MediaSink specialization that packs
// frames pulled from an upstream FramedSource into RTP packets and
// writes them to a group socket.
type Sink struct {
	medium.Base
	pipeline.SinkBase

	env   *env.Environment
	sock  *groupsock.GroupSock
	mtu   int

	payloadType uint8
	clockRate   uint32
	ssrc        uint32
	seq         uint16

	canPackMultipleFrames FrameCanAppearAfterPacketStart
	markerBit             MarkerBitHook
	specialHeader         SpecialHeaderHook

	buf                []byte // bytes accumulated for the in-progress packet
	fragmentationOffset int
	framePresentation   time.Time
	anyFrameBuffered    bool

	packetsSinceReset uint32
	octetsSinceReset  uint32
	lastSentTimestamp uint32

	sendLimiter *rate.Limiter
	sendToken   scheduler.Token
}

// NewSink creates a Sink writing via sock, with RTP payload type pt
// and clock frequency clockRateHz. ssrc of 0 generates a random one.
func NewSink(e *env.Environment, sock *groupsock.GroupSock, pt uint8, clockRateHz uint32, ssrc uint32) *Sink {
	if ssrc == 0 {
		ssrc = rand.Uint32()
	}
	s := &Sink{
		env:         e,
		sock:        sock,
		mtu:         DefaultMTU,
		payloadType: pt,
		clockRate:   clockRateHz,
		ssrc:        ssrc,
		seq:         uint16(rand.Uint32()),
	}
	s.Base = medium.NewBase(e.Registry, "RTPSink", "")
	e.Registry.Register(s)
	return s
}

// SetMultiFrameHooks installs the codec-specific packing hooks. Sinks
// for single-frame-per-packet codecs never call this.
func (s *Sink) SetMultiFrameHooks(canPack FrameCanAppearAfterPacketStart, marker MarkerBitHook, special SpecialHeaderHook) {
	s.canPackMultipleFrames = canPack
	s.markerBit = marker
	s.specialHeader = special
}

// SetSendRateLimit caps outgoing bandwidth at bitsPerSecond, smoothing
// bursts of buffered frames into a steady send cadence instead of
// writing packets back-to-back as fast as the event loop can pack
// them. A limit of 0 removes any cap (the default).
func (s *Sink) SetSendRateLimit(bitsPerSecond float64) {
	if bitsPerSecond <= 0 {
		s.sendLimiter = nil
		return
	}
	bytesPerSecond := bitsPerSecond / 8
	s.sendLimiter = rate.NewLimiter(rate.Limit(bytesPerSecond), s.mtu)
}

// PacketsSent returns the packet/octet counters since the last RTCP
// sync point, and the RTP timestamp of the most recently sent packet —
// exactly what an RTCP sender report needs to build a sender report.
func (s *Sink) PacketsSent() (packets, octets uint32, lastTimestamp uint32) {
	return s.packetsSinceReset, s.octetsSinceReset, s.lastSentTimestamp
}

// ResetRTCPCounters zeroes the since-last-report counters; called by
// the RTCP reporter after it builds a sender report.
func (s *Sink) ResetRTCPCounters() {
	s.packetsSinceReset = 0
	s.octetsSinceReset = 0
}

// SSRC returns the sink's synchronization source identifier.
func (s *Sink) SSRC() uint32 { return s.ssrc }

// StartPlaying binds source and begins pulling frames from it,
// packing and sending RTP packets until source closes.
func (s *Sink) StartPlaying(source pipeline.FramedSource, onDone func()) error {
	if err := s.BeginPlaying(source, onDone); err != nil {
		return err
	}
	s.continuePlaying()
	return nil
}

// continuePlaying is scheduled after each outgoing packet (and once
// from StartPlaying): if a frame is already buffered — mid-fragmentation,
// or held over because canPackMultipleFrames rejected it for the prior
// packet — it continues from there; otherwise it pulls a fresh one.
func (s *Sink) continuePlaying() {
	if s.Source() == nil {
		return
	}
	if !s.anyFrameBuffered {
		s.pullFrame()
		return
	}
	s.packAndSend()
}

// requestNextFrame pulls one frame from the bound source into a
// maxFrameSize buffer — sized to hold a whole frame regardless of mtu,
// so fragmentation (not the read itself) is what splits an oversized
// frame across packets.
func (s *Sink) requestNextFrame(onFrame func(data []byte, info pipeline.FrameInfo), onClose func()) {
	source := s.Source()
	if source == nil {
		return
	}
	to := make([]byte, maxFrameSize)
	source.GetNextFrame(to, func(info pipeline.FrameInfo) {
		if info.NumTruncatedBytes > 0 {
			s.env.Log.Warn().Int("truncated", info.NumTruncatedBytes).Msg("rtp sink: frame exceeds maximum frame size")
		}
		onFrame(to[:info.Size], info)
	}, onClose)
}

// pullFrame starts a new packet by requesting the next frame entirely;
// packAndSend then fragments or packs it as the mtu and hooks dictate.
func (s *Sink) pullFrame() {
	s.requestNextFrame(func(data []byte, info pipeline.FrameInfo) {
		s.buf = data
		s.framePresentation = info.PresentationTime
		s.fragmentationOffset = 0
		s.anyFrameBuffered = true
		s.packAndSend()
	}, s.NotifyDone)
}

// packAndSend builds one outgoing RTP packet. If the buffered frame
// doesn't fit what's left of mtu, it sends the next fragment and
// leaves the remainder in s.buf for the following packet. Once the
// frame is fully sent, and canPackMultipleFrames is installed, it
// tries to fold additional complete frames into the same packet
// before sending.
func (s *Sink) packAndSend() {
	special := s.specialHeaderBytes(s.buf, s.fragmentationOffset)
	budget := s.mtu - 12 - len(special) // 12 is the fixed RTP header
	if budget < 1 {
		budget = 1
	}

	remaining := len(s.buf) - s.fragmentationOffset
	chunk := remaining
	if chunk > budget {
		chunk = budget
	}
	payload := append(append([]byte{}, special...), s.buf[s.fragmentationOffset:s.fragmentationOffset+chunk]...)
	s.fragmentationOffset += chunk
	truncatedRemaining := remaining - chunk

	if truncatedRemaining > 0 || s.canPackMultipleFrames == nil {
		if truncatedRemaining == 0 {
			s.buf = nil
			s.fragmentationOffset = 0
		}
		s.finishPacket(payload, truncatedRemaining, false)
		return
	}

	s.buf = nil
	s.fragmentationOffset = 0
	s.tryPackAnother(payload)
}

// tryPackAnother attempts to fold one more complete frame into payload
// (already holding bytes for the packet about to go out), recursing
// while canPackMultipleFrames keeps allowing it and budget remains. A
// frame the hook rejects, or that doesn't fit, is held in s.buf as the
// start of the next packet instead of being sent early or dropped.
func (s *Sink) tryPackAnother(payload []byte) {
	avail := s.mtu - 12 - len(payload) // 12 is the fixed RTP header
	if avail < 1 {
		s.finishPacket(payload, 0, false)
		return
	}
	s.requestNextFrame(func(data []byte, info pipeline.FrameInfo) {
		if len(data) > avail || !s.canPackMultipleFrames(data, len(payload)) {
			s.buf = data
			s.framePresentation = info.PresentationTime
			s.fragmentationOffset = 0
			s.finishPacket(payload, 0, false)
			return
		}
		payload = append(payload, data...)
		s.tryPackAnother(payload)
	}, func() {
		s.finishPacket(payload, 0, true)
	})
}

// specialHeaderBytes asks the codec hook for the bytes to prepend to
// the fragment of frame starting at offset, or nil if none is set.
func (s *Sink) specialHeaderBytes(frame []byte, offset int) []byte {
	if s.specialHeader == nil {
		return nil
	}
	return s.specialHeader(offset, len(frame))
}

// finishPacket marshals and writes payload, then either arms the next
// send (continuing fragmentation if s.buf still holds unsent bytes) or
// — when done is true, meaning the source has no more frames — signals
// completion instead of scheduling another send.
func (s *Sink) finishPacket(payload []byte, truncatedRemaining int, done bool) {
	marker := truncatedRemaining == 0
	if s.markerBit != nil {
		marker = s.markerBit(truncatedRemaining)
	}

	ts := rtpTimestamp(s.framePresentation, s.clockRate)
	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    s.payloadType,
			SequenceNumber: s.seq,
			Timestamp:      ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	wire, err := pkt.Marshal()
	if err == nil {
		if werr := s.sock.Output(wire, "", 0, 0); werr != nil {
			s.env.Log.Warn().Err(werr).Msg("rtp sink: output failed")
		}
		s.packetsSinceReset++
		s.octetsSinceReset += uint32(len(wire))
		s.lastSentTimestamp = ts
	} else {
		s.env.Log.Warn().Err(err).Msg("rtp sink: marshal failed")
	}
	s.seq++
	s.anyFrameBuffered = len(s.buf) > 0

	if done {
		s.NotifyDone()
		return
	}

	// Yield back to the event loop before packing the next frame,
	// rather than looping synchronously and starving other handlers.
	// A rate limiter turns that yield into the actual pacing delay.
	var delay time.Duration
	if s.sendLimiter != nil {
		delay = s.sendLimiter.ReserveN(time.Now(), len(payload)).DelayFrom(time.Now())
	}
	s.sendToken = s.env.Scheduler.ScheduleDelayed(delay, func(interface{}) {
		s.continuePlaying()
	}, nil)
}

// rtpTimestamp converts a wall-clock presentation time to an RTP
// timestamp at the sink's declared clock frequency. The epoch is
// arbitrary; only differences between consecutive packets matter.
func rtpTimestamp(t time.Time, clockRate uint32) uint32 {
	secs := t.Unix()
	nanos := t.Nanosecond()
	ticks := uint64(secs)*uint64(clockRate) + uint64(nanos)*uint64(clockRate)/1e9
	return uint32(ticks)
}

// Close stops playing and unregisters the sink. Idempotent.
func (s *Sink) Close() error {
	s.StopPlaying()
	s.env.Scheduler.Unschedule(s.sendToken)
	return s.CloseBase()
}
