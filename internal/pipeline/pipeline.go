// Created by WINK Streaming (https://www.wink.co)

// Package pipeline implements the framed-pipeline contract from
// sources push timestamped frames toward a sink through a
// continuation-passing protocol, with at most one get-next-frame call
// outstanding on any source at a time.
package pipeline

import (
	"time"

	"github.com/winkstreaming/wink-rtsp-engine/internal/engineerr"
)

// FrameInfo carries the output of a completed GetNextFrame call: the
// actual frame size, presentation time, an optional duration, and an
// optional truncated-byte count when the destination buffer was
// smaller than the frame.
type FrameInfo struct {
	Size               int
	PresentationTime   time.Time
	DurationUS         int64 // 0 when the source does not know a duration
	NumTruncatedBytes  int
}

// OnFrame is invoked exactly once to complete a GetNextFrame call
// that produced a frame.
type OnFrame func(info FrameInfo)

// OnClose is invoked exactly once, instead of OnFrame, when the
// source reaches end of stream. A source signals closure exactly once.
type OnClose func()

// FramedSource is the capability every pipeline producer exposes.
// Concrete codec framers are distinguished, where dispatch is needed,
// by a narrower interface or a type switch rather than a deep
// inheritance hierarchy.
type FramedSource interface {
	// GetNextFrame asks the source to deliver its next frame into to.
	// The call MUST NOT be repeated while a previous call on the same
	// source is still outstanding. Completion
	// happens synchronously (before GetNextFrame returns) or later,
	// from a scheduler callback, via exactly one of onFrame/onClose.
	// Once the source has signalled closure, further calls complete
	// with neither.
	GetNextFrame(to []byte, onFrame OnFrame, onClose OnClose)
	// Close releases the source. Idempotent.
	Close() error
	// MimeType identifies the frame payload's media type, e.g. "video/H264".
	MimeType() string
}

// SourceBase is embedded by concrete sources and filters. It enforces
// the "at most one outstanding GetNextFrame" invariant and the
// "closure signalled exactly once" invariant so concrete sources
// don't have to re-implement that bookkeeping.
type SourceBase struct {
	awaiting bool
	closed   bool
	mime     string
}

// NewSourceBase constructs a SourceBase reporting mimeType from MimeType().
func NewSourceBase(mimeType string) SourceBase {
	return SourceBase{mime: mimeType}
}

// MimeType implements FramedSource.
func (b *SourceBase) MimeType() string { return b.mime }

// IsCurrentlyAwaitingData reports whether a GetNextFrame call is in
// flight, mirroring the C original's isCurrentlyAwaitingData flag.
func (b *SourceBase) IsCurrentlyAwaitingData() bool { return b.awaiting }

// Closed reports whether the source has already signalled EOF.
func (b *SourceBase) Closed() bool { return b.closed }

// BeginFrame marks a GetNextFrame call as outstanding. Concrete
// sources call this on entry to GetNextFrame and must return the
// error it produces (rather than proceeding) if one is returned.
func (b *SourceBase) BeginFrame() error {
	if b.closed {
		return engineerr.New(engineerr.KindClosed, "pipeline.getNextFrame: source is closed")
	}
	if b.awaiting {
		return engineerr.New(engineerr.KindProtocol, "pipeline.getNextFrame: call already outstanding")
	}
	b.awaiting = true
	return nil
}

// CompleteFrame clears the in-flight flag and invokes onFrame. Because
// the flag is cleared first, onFrame may reentrantly call GetNextFrame
// on the same source.
func (b *SourceBase) CompleteFrame(onFrame OnFrame, info FrameInfo) {
	b.awaiting = false
	onFrame(info)
}

// SignalClose marks the source closed and invokes onClose, but only
// the first time it is called; subsequent calls are no-ops so a
// source can safely call this from multiple internal paths (e.g. an
// upstream closure forwarded while a read is also failing).
func (b *SourceBase) SignalClose(onClose OnClose) {
	if b.closed {
		return
	}
	b.closed = true
	b.awaiting = false
	if onClose != nil {
		onClose()
	}
}

// FilterBase is embedded by a FramedFilter: a FramedSource whose input
// is another FramedSource it owns. Closing a filter closes its upstream.
type FilterBase struct {
	SourceBase
	Upstream FramedSource
}

// NewFilterBase constructs a FilterBase wrapping upstream.
func NewFilterBase(upstream FramedSource, mimeType string) FilterBase {
	return FilterBase{SourceBase: NewSourceBase(mimeType), Upstream: upstream}
}

// Close closes the upstream source. Embedding filters should call
// this from their own Close rather than reimplementing it.
func (f *FilterBase) Close() error {
	f.closed = true
	return f.Upstream.Close()
}

// MediaSink is the capability every pipeline consumer exposes.
type MediaSink interface {
	// StartPlaying binds source and begins pulling frames from it,
	// invoking onDone (if non-nil) when source signals end-of-stream.
	StartPlaying(source FramedSource, onDone func()) error
	// StopPlaying detaches the bound source without closing it.
	StopPlaying()
}

// SinkBase is embedded by concrete sinks. It enforces that StartPlaying
// may be called only when no source is currently bound.
type SinkBase struct {
	source FramedSource
	onDone func()
}

// Source returns the currently bound source, or nil.
func (s *SinkBase) Source() FramedSource { return s.source }

// BeginPlaying binds source/onDone, returning an error if a source is
// already bound.
func (s *SinkBase) BeginPlaying(source FramedSource, onDone func()) error {
	if s.source != nil {
		return engineerr.New(engineerr.KindProtocol, "pipeline.startPlaying: a source is already bound")
	}
	s.source = source
	s.onDone = onDone
	return nil
}

// StopPlaying detaches the bound source without closing it.
func (s *SinkBase) StopPlaying() {
	s.source = nil
	s.onDone = nil
}

// NotifyDone invokes the onDone callback bound at StartPlaying time,
// if any, then detaches the source (the upstream has signalled EOF,
// so there is nothing left to stop).
func (s *SinkBase) NotifyDone() {
	done := s.onDone
	s.source = nil
	s.onDone = nil
	if done != nil {
		done()
	}
}
