// Created by WINK Streaming (https://www.wink.co)
package scheduler

import "time"

// DelayedTask is invoked when its deadline elapses.
type DelayedTask func(client interface{})

// Token identifies a pending delayed task so it can be cancelled.
// Cancelling a token whose task has already fired (and been removed
// from the queue) is a documented no-op: the token no longer appears
// in the queue, so the search in Unschedule simply finds nothing.
type Token struct {
	entry *delayEntry
}

// Valid reports whether the token refers to an entry at all. A zero
// Token (never returned by ScheduleDelayed) is never valid.
func (t Token) Valid() bool { return t.entry != nil }

type delayEntry struct {
	deadline time.Time
	task     DelayedTask
	client   interface{}
}

// delayQueue is a time-ordered list of pending tasks. Insertion is
// O(N) in the queue length, acceptable because the number of
// concurrently pending alarms is small in this runtime.
type delayQueue struct {
	entries []*delayEntry
}

func newDelayQueue() *delayQueue {
	return &delayQueue{}
}

// insert adds an entry keeping entries sorted by ascending deadline.
func (q *delayQueue) insert(e *delayEntry) {
	i := 0
	for i < len(q.entries) && !q.entries[i].deadline.After(e.deadline) {
		i++
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
}

// cancel removes e from the queue if still present. It is a no-op if
// e has already fired (and so is no longer in q.entries).
func (q *delayQueue) cancel(e *delayEntry) {
	for i, cur := range q.entries {
		if cur == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// timeToNextAlarm returns the duration until the next deadline, or a
// large sentinel duration if the queue is empty.
func (q *delayQueue) timeToNextAlarm(now time.Time) time.Duration {
	if len(q.entries) == 0 {
		return maxSingleStepDelay
	}
	d := q.entries[0].deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// handleAlarms fires (and removes) every entry whose deadline has
// elapsed as of now, in deadline order. It must run to completion
// before readiness handlers are invoked, so a single step observes
// all due delay tasks before any socket handler.
func (q *delayQueue) handleAlarms(now time.Time) {
	for len(q.entries) > 0 && !q.entries[0].deadline.After(now) {
		e := q.entries[0]
		q.entries = q.entries[1:]
		e.task(e.client)
	}
}
