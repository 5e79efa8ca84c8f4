// Created by WINK Streaming (https://www.wink.co)
package streamparser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winkstreaming/wink-rtsp-engine/internal/pipeline"
)

// chunkedSource delivers payload in fixed-size chunks, one per
// GetNextFrame call, synchronously — enough to exercise the parser's
// refill path without needing the scheduler.
type chunkedSource struct {
	pipeline.SourceBase
	chunks [][]byte
	next   int
}

func newChunkedSource(chunks ...[]byte) *chunkedSource {
	s := &chunkedSource{chunks: chunks}
	s.SourceBase = pipeline.NewSourceBase("application/octet-stream")
	return s
}

func (s *chunkedSource) GetNextFrame(to []byte, onFrame pipeline.OnFrame, onClose pipeline.OnClose) {
	require_ := s // just to keep signature simple; no external require here
	_ = require_
	if s.next >= len(s.chunks) {
		s.SignalClose(onClose)
		return
	}
	chunk := s.chunks[s.next]
	s.next++
	n := copy(to, chunk)
	s.CompleteFrame(onFrame, pipeline.FrameInfo{Size: n, PresentationTime: time.Unix(0, 0)})
}

// TestRefillAcrossTwoCompletions covers a 6-byte sequence delivered in
// two halves: get4Bytes then get2Bytes observe 0x01020304 then 0x0506,
// with the parser internally requesting a refill from upstream twice.
func TestRefillAcrossTwoCompletions(t *testing.T) {
	src := newChunkedSource(
		[]byte{0x01, 0x02, 0x03},
		[]byte{0x04, 0x05, 0x06},
	)

	var continues int
	var result uint32
	var result2 uint16
	var offsetAfterGet4 int
	done := false

	p := NewWithBankSize(src, func() {}, func(ptr []byte, n int) {
		continues++
		// Resume the logical parse: get4Bytes, then get2Bytes.
		v, err := p2Get4(p)
		if err == ErrNeedMoreData {
			return
		}
		result = v
		offsetAfterGet4 = p.CurOffset()
		v2, err := p2Get2(p)
		require.NoError(t, err)
		result2 = v2
		done = true
	}, 64)

	v, err := p2Get4(p)
	if err == ErrNeedMoreData {
		// Expected: the first chunk only has 3 bytes, so get4Bytes
		// must request a refill before it can complete.
	} else {
		t.Fatalf("expected ErrNeedMoreData on first attempt, got %v (err=%v)", v, err)
	}

	assert.Equal(t, 4, offsetAfterGet4, "get4Bytes advances curOffset by 4 once it completes")

	require.True(t, done)
	// Two upstream completions were needed to gather the 4+2 bytes
	// (3 bytes per chunk); the top-level caller above still only saw
	// a single ErrNeedMoreData unwind, because the second completion
	// happened synchronously inside the continuation of the first.
	assert.Equal(t, 2, continues)
	assert.Equal(t, uint32(0x01020304), result)
	assert.Equal(t, uint16(0x0506), result2)
	assert.Equal(t, 6, p.CurOffset())
}

func p2Get4(p *Parser) (uint32, error) { return p.Get4Bytes() }
func p2Get2(p *Parser) (uint16, error) { return p.Get2Bytes() }

func TestSaveRestoreRoundTrip(t *testing.T) {
	src := newChunkedSource([]byte{1, 2, 3, 4, 5, 6})
	p := NewWithBankSize(src, func() {}, func([]byte, int) {}, 64)

	// The first primitive arms a refill and unwinds with ErrNeedMoreData;
	// the chunk arrives synchronously, so the retried read finds it.
	_, err := p.Get1Byte()
	require.ErrorIs(t, err, ErrNeedMoreData)
	_, err = p.Get1Byte()
	require.NoError(t, err)
	before := p.CurOffset()
	p.SaveState()

	_, err = p.Get2Bytes()
	require.NoError(t, err)
	assert.NotEqual(t, before, p.CurOffset())

	p.RestoreSavedState()
	assert.Equal(t, before, p.CurOffset())
}

func TestBankOverflowIsFatal(t *testing.T) {
	src := newChunkedSource(make([]byte, 4))
	p := NewWithBankSize(src, func() {}, func([]byte, int) {}, 8)
	p.SaveState()
	// Ask for more than the tiny bank can ever hold.
	err := p.SkipBytes(100)
	require.Error(t, err)
}
