// Created by WINK Streaming (https://www.wink.co)
package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedSource is a minimal FramedSource that completes synchronously
// with a fixed payload, used to exercise the SourceBase contract.
type fixedSource struct {
	SourceBase
	payload []byte
	served  int
}

func newFixedSource(payload []byte) *fixedSource {
	s := &fixedSource{payload: payload}
	s.SourceBase = NewSourceBase("application/octet-stream")
	return s
}

func (s *fixedSource) GetNextFrame(to []byte, onFrame OnFrame, onClose OnClose) {
	if s.Closed() {
		s.SignalClose(onClose)
		return
	}
	if err := s.BeginFrame(); err != nil {
		// A well-behaved caller never hits this in tests; surface it
		// via a panic so the assertion is loud if the invariant breaks.
		panic(err)
	}
	if s.served >= len(s.payload) {
		s.SignalClose(onClose)
		return
	}
	n := copy(to, s.payload[s.served:])
	s.served += n
	s.CompleteFrame(onFrame, FrameInfo{Size: n, PresentationTime: time.Unix(0, 0)})
}

func TestGetNextFrameRejectsReentrantCallWhileOutstanding(t *testing.T) {
	s := newFixedSource([]byte("hello"))
	require.NoError(t, s.BeginFrame())
	err := s.BeginFrame()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already outstanding")
}

func TestGetNextFrameClearsFlagBeforeOnFrame(t *testing.T) {
	s := newFixedSource([]byte("hello"))
	var awaitingDuringCallback bool
	buf := make([]byte, 16)
	s.GetNextFrame(buf, func(info FrameInfo) {
		awaitingDuringCallback = s.IsCurrentlyAwaitingData()
	}, nil)
	assert.False(t, awaitingDuringCallback, "flag must be cleared before onFrame runs")
}

func TestGetNextFrameReentrantCallSucceedsFromOnFrame(t *testing.T) {
	s := newFixedSource([]byte("hello world"))
	var chunks [][]byte
	buf := make([]byte, 4)

	var pull func()
	pull = func() {
		s.GetNextFrame(buf, func(info FrameInfo) {
			got := make([]byte, info.Size)
			copy(got, buf[:info.Size])
			chunks = append(chunks, got)
			pull()
		}, func() {})
	}
	pull()

	assert.Equal(t, []byte("hell"), chunks[0])
	assert.Equal(t, []byte("o wo"), chunks[1])
	assert.Equal(t, []byte("rld"), chunks[2])
}

func TestCloseSignalsOnCloseExactlyOnce(t *testing.T) {
	s := newFixedSource(nil)
	closes := 0
	buf := make([]byte, 4)
	s.GetNextFrame(buf, func(FrameInfo) {}, func() { closes++ })
	s.GetNextFrame(buf, func(FrameInfo) {}, func() { closes++ })
	assert.Equal(t, 1, closes)
}
