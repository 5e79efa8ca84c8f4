// Created by WINK Streaming (https://www.wink.co)
package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTimerOrdering verifies that tasks armed at +10ms, +5ms, +20ms
// fire in deadline order, one per SingleStep call, with no socket
// handler invoked.
func TestTimerOrdering(t *testing.T) {
	s := New()

	var fired []string
	arm := func(name string, d time.Duration) {
		s.ScheduleDelayed(d, func(client interface{}) {
			fired = append(fired, client.(string))
		}, name)
	}

	arm("10ms", 10*time.Millisecond)
	arm("5ms", 5*time.Millisecond)
	arm("20ms", 20*time.Millisecond)

	// Give the 5ms task time to become due, then step once.
	time.Sleep(7 * time.Millisecond)
	require.NoError(t, s.SingleStep(100*time.Millisecond))
	require.Len(t, fired, 1)
	assert.Equal(t, "5ms", fired[0])

	time.Sleep(6 * time.Millisecond)
	require.NoError(t, s.SingleStep(100*time.Millisecond))
	require.Len(t, fired, 2)
	assert.Equal(t, "10ms", fired[1])

	time.Sleep(12 * time.Millisecond)
	require.NoError(t, s.SingleStep(100*time.Millisecond))
	require.Len(t, fired, 3)
	assert.Equal(t, "20ms", fired[2])
}

// TestUnscheduleBeforeFire: cancelling a token before its deadline
// prevents the task from ever running.
func TestUnscheduleBeforeFire(t *testing.T) {
	s := New()
	ran := false
	tok := s.ScheduleDelayed(5*time.Millisecond, func(interface{}) { ran = true }, nil)
	s.Unschedule(tok)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.SingleStep(10*time.Millisecond))
	assert.False(t, ran)
}

// TestUnscheduleAfterFireIsNoop: cancelling a token whose task has
// already fired must not panic or affect anything else.
func TestUnscheduleAfterFireIsNoop(t *testing.T) {
	s := New()
	ran := false
	tok := s.ScheduleDelayed(1*time.Millisecond, func(interface{}) { ran = true }, nil)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.SingleStep(10*time.Millisecond))
	require.True(t, ran)

	assert.NotPanics(t, func() { s.Unschedule(tok) })
}

// TestTurnOffReadRemovesHandler ensures TurnOffRead deletes the
// descriptor's handler binding.
func TestTurnOffReadRemovesHandler(t *testing.T) {
	s := New()
	called := false
	s.TurnOnRead(0, func(interface{}, Reason) { called = true }, nil)
	s.TurnOffRead(0)
	assert.NotContains(t, s.handlers, 0)
	_ = called
}
