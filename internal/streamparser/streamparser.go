// Created by WINK Streaming (https://www.wink.co)

// Package streamparser implements an asynchronous byte/bit reader:
// codec framers need to look ahead over a byte stream that is itself
// delivered asynchronously by a FramedSource, without blocking the
// event loop.
//
// Non-local exits (throw/catch across an outer parse routine) aren't
// idiomatic here, so every primitive returns ErrNeedMoreData instead
// of a value when a refill is in flight, and a framer's own Parse
// method is expected to return the same sentinel up its own call
// stack rather than panic/recover.
package streamparser

import (
	"errors"

	"github.com/winkstreaming/wink-rtsp-engine/internal/engineerr"
	"github.com/winkstreaming/wink-rtsp-engine/internal/pipeline"
)

// DefaultBankSize matches live555's BANK_SIZE.
const DefaultBankSize = 100_000

// ErrNeedMoreData is returned by every parse primitive when the
// current bank does not hold enough valid bytes. The parser has
// already issued an asynchronous request to its upstream source; the
// caller must stop parsing and return this same sentinel. It is not
// an error, but it is also not success.
var ErrNeedMoreData = errors.New("streamparser: need more data")

// ContinueFunc is invoked once new bytes have arrived and the saved
// parse position has been restored — restoring the saved state is
// cheap and must happen before invoking client_continue. ptr
// is the region of the current bank just appended; n is its length.
// Most framers ignore ptr/n and simply re-enter their own Parse.
type ContinueFunc func(ptr []byte, n int)

// Parser is the asynchronous byte/bit reader. It is owned by exactly
// one framer and reads from exactly one upstream FramedSource.
type Parser struct {
	input          pipeline.FramedSource
	onInputClose   pipeline.OnClose
	clientContinue ContinueFunc

	bankSize int
	banks    [2][]byte
	curBankN int

	savedIndex        int
	curIndex          int
	totalValid        int
	remainingBits     uint
	savedRemaining    uint

	refillInFlight bool
}

// New creates a Parser reading from input. onInputClose is forwarded
// to input.GetNextFrame on every refill so an upstream closure during
// a parse reaches the framer the same way a normal read would.
// clientContinue is invoked after every successful refill.
func New(input pipeline.FramedSource, onInputClose pipeline.OnClose, clientContinue ContinueFunc) *Parser {
	return NewWithBankSize(input, onInputClose, clientContinue, DefaultBankSize)
}

// NewWithBankSize is New with an explicit bank size, mainly for tests
// that want to exercise bank-swap and overflow behavior without
// allocating the full 100kB default bank twice.
func NewWithBankSize(input pipeline.FramedSource, onInputClose pipeline.OnClose, clientContinue ContinueFunc, bankSize int) *Parser {
	p := &Parser{
		input:          input,
		onInputClose:   onInputClose,
		clientContinue: clientContinue,
		bankSize:       bankSize,
	}
	p.banks[0] = make([]byte, bankSize)
	p.banks[1] = make([]byte, bankSize)
	return p
}

func (p *Parser) curBank() []byte { return p.banks[p.curBankN] }

// CurOffset returns the parser's current logical offset. Observed
// after a SaveState/RestoreSavedState pair, it equals the offset at
// the time of the save.
func (p *Parser) CurOffset() int { return p.curIndex }

// SaveState remembers the current parse position so a later
// RestoreSavedState can rewind to it. Framers call this at the start
// of a logical unit (e.g. "start of frame") before attempting to
// parse it, so a mid-parse refill can restart the unit from scratch.
func (p *Parser) SaveState() {
	p.savedIndex = p.curIndex
	p.savedRemaining = p.remainingBits
}

// RestoreSavedState rewinds the parse position to the last SaveState.
func (p *Parser) RestoreSavedState() {
	p.curIndex = p.savedIndex
	p.remainingBits = p.savedRemaining
}

// ensureValidBytes guarantees curIndex+n valid bytes are available,
// or returns ErrNeedMoreData after arming an asynchronous refill.
func (p *Parser) ensureValidBytes(n int) error {
	if p.curIndex+n <= p.totalValid {
		return nil
	}
	return p.refill(n)
}

func (p *Parser) refill(numBytesNeeded int) error {
	if p.refillInFlight {
		// A second refill cannot be armed while one is outstanding; this
		// mirrors the pipeline's "at most one GetNextFrame outstanding"
		// rule, applied to the parser's own upstream call.
		return ErrNeedMoreData
	}

	if p.curIndex+numBytesNeeded > p.bankSize {
		// Bank swap: preserve [savedIndex, totalValid) into the other
		// bank's start.
		numToSave := p.totalValid - p.savedIndex
		from := p.curBank()[p.savedIndex:p.totalValid]

		p.curBankN = (p.curBankN + 1) % 2
		to := p.curBank()
		copy(to, from)

		p.curIndex -= p.savedIndex
		p.savedIndex = 0
		p.totalValid = numToSave
	}

	if p.curIndex+numBytesNeeded > p.bankSize {
		// Fatal: the saved-parse window has exceeded bank size — the
		// bank is too small for this grammar.
		return engineerr.Fatal("streamparser.ensureValidBytes", errBankOverflow)
	}

	maxToRead := p.bankSize - p.totalValid
	dest := p.curBank()[p.totalValid : p.totalValid+maxToRead]

	p.refillInFlight = true
	p.input.GetNextFrame(dest, func(info pipeline.FrameInfo) {
		p.refillInFlight = false
		n := info.Size
		if p.totalValid+n > p.bankSize {
			n = p.bankSize - p.totalValid
		}
		ptr := p.curBank()[p.totalValid : p.totalValid+n]
		p.totalValid += n

		// Restoring saved state is cheap and must happen before
		// invoking client_continue.
		p.RestoreSavedState()
		if p.clientContinue != nil {
			p.clientContinue(ptr, n)
		}
	}, func() {
		p.refillInFlight = false
		if p.onInputClose != nil {
			p.onInputClose()
		}
	})

	return ErrNeedMoreData
}

var errBankOverflow = errors.New("parse grammar requires more saved state than the bank can hold")

// Get1Byte reads one byte, byte-aligned.
func (p *Parser) Get1Byte() (byte, error) {
	if err := p.ensureValidBytes(1); err != nil {
		return 0, err
	}
	b := p.curBank()[p.curIndex]
	p.curIndex++
	p.remainingBits = 0
	return b, nil
}

// Get2Bytes reads two bytes, big-endian.
func (p *Parser) Get2Bytes() (uint16, error) {
	if err := p.ensureValidBytes(2); err != nil {
		return 0, err
	}
	b := p.curBank()[p.curIndex:]
	result := uint16(b[0])<<8 | uint16(b[1])
	p.curIndex += 2
	p.remainingBits = 0
	return result, nil
}

// Get4Bytes reads four bytes, big-endian.
func (p *Parser) Get4Bytes() (uint32, error) {
	v, err := p.Test4Bytes()
	if err != nil {
		return 0, err
	}
	p.curIndex += 4
	p.remainingBits = 0
	return v, nil
}

// Test4Bytes peeks four bytes, big-endian, without advancing.
func (p *Parser) Test4Bytes() (uint32, error) {
	if err := p.ensureValidBytes(4); err != nil {
		return 0, err
	}
	b := p.curBank()[p.curIndex:]
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

// GetBytes copies exactly len(to) bytes into to.
func (p *Parser) GetBytes(to []byte) error {
	n := len(to)
	if err := p.ensureValidBytes(n); err != nil {
		return err
	}
	copy(to, p.curBank()[p.curIndex:p.curIndex+n])
	p.curIndex += n
	p.remainingBits = 0
	return nil
}

// SkipBytes advances the parse position by n bytes without copying.
func (p *Parser) SkipBytes(n int) error {
	if err := p.ensureValidBytes(n); err != nil {
		return err
	}
	p.curIndex += n
	return nil
}

// lastParsedByte returns the most recently consumed byte, used by
// GetBits when unconsumed bits remain in it.
func (p *Parser) lastParsedByte() byte {
	return p.curBank()[p.curIndex-1]
}

// SkipBits advances the bit position by numBits, consuming whole
// bytes as needed.
func (p *Parser) SkipBits(numBits uint) error {
	if numBits <= p.remainingBits {
		p.remainingBits -= numBits
		return nil
	}
	numBits -= p.remainingBits
	numBytes := int((numBits + 7) / 8)
	if err := p.ensureValidBytes(numBytes); err != nil {
		return err
	}
	p.curIndex += numBytes
	p.remainingBits = 8*uint(numBytes) - numBits
	return nil
}

// GetBits returns numBits (<= 32) packed into the low-order bits of
// the result, continuing from any bits left over in the last-parsed
// byte.
func (p *Parser) GetBits(numBits uint) (uint32, error) {
	if numBits <= p.remainingBits {
		last := p.lastParsedByte()
		shifted := last >> (p.remainingBits - numBits)
		p.remainingBits -= numBits
		mask := uint32(1)<<numBits - 1
		return uint32(shifted) & mask, nil
	}

	var last byte
	if p.remainingBits > 0 {
		last = p.lastParsedByte()
	}
	remainingBits := numBits - p.remainingBits

	result, err := p.Test4Bytes()
	if err != nil {
		return 0, err
	}
	result >>= 32 - remainingBits
	result |= uint32(last) << remainingBits
	if numBits < 32 {
		result &= uint32(1)<<numBits - 1
	}

	numRemainingBytes := int((remainingBits + 7) / 8)
	p.curIndex += numRemainingBytes
	p.remainingBits = 8*uint(numRemainingBytes) - remainingBits
	return result, nil
}
