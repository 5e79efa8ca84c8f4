// Created by WINK Streaming (https://www.wink.co)

// Package scheduler implements the engine's single-threaded,
// cooperative event loop: a set of descriptor to read-handler
// bindings plus a time-ordered delay queue, multiplexed by a single
// blocking readiness wait per turn.
package scheduler

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/winkstreaming/wink-rtsp-engine/internal/engineerr"
)

// Reason identifies why a read handler was invoked.
type Reason int

// SocketReadable is the only Reason the scheduler currently reports;
// kept as a named value so call sites read like the C original's
// SOCKET_READABLE constant.
const SocketReadable Reason = 0

// ReadHandler is invoked when a registered descriptor becomes readable.
type ReadHandler func(client interface{}, reason Reason)

// maxSingleStepDelay is an implementation ceiling: very large timeouts
// can make the readiness-wait syscall misbehave, so no wait exceeds
// this no matter what the delay queue or caller asks for.
const maxSingleStepDelay = 1_000_000 * time.Second

type handlerEntry struct {
	fd     int
	proc   ReadHandler
	client interface{}
}

// Scheduler owns descriptor→handler bindings and the delay queue.
// At most one handler is registered per descriptor at a time.
type Scheduler struct {
	handlers map[int]*handlerEntry
	maxFD    int
	delay    *delayQueue
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{
		handlers: make(map[int]*handlerEntry),
		delay:    newDelayQueue(),
	}
}

// TurnOnRead installs proc as the handler for fd. A second call for
// the same fd replaces the previous handler, preserving the "at most
// one handler per descriptor" invariant.
func (s *Scheduler) TurnOnRead(fd int, proc ReadHandler, client interface{}) {
	s.handlers[fd] = &handlerEntry{fd: fd, proc: proc, client: client}
	if fd+1 > s.maxFD {
		s.maxFD = fd + 1
	}
}

// TurnOffRead removes any handler installed for fd. Removing an
// unregistered fd is a no-op.
func (s *Scheduler) TurnOffRead(fd int) {
	delete(s.handlers, fd)
	if fd+1 == s.maxFD {
		s.maxFD--
	}
}

// ScheduleDelayed arms task to fire after d, passing client. The
// returned Token can be handed to Unschedule to cancel it.
func (s *Scheduler) ScheduleDelayed(d time.Duration, task DelayedTask, client interface{}) Token {
	if d < 0 {
		d = 0
	}
	e := &delayEntry{deadline: time.Now().Add(d), task: task, client: client}
	s.delay.insert(e)
	return Token{entry: e}
}

// Unschedule cancels a pending delayed task. Cancelling a token whose
// task already fired is a no-op.
func (s *Scheduler) Unschedule(t Token) {
	if !t.Valid() {
		return
	}
	s.delay.cancel(t.entry)
}

// SingleStep performs one turn of the event loop: it waits for at
// most min(time-to-next-alarm, maxDelay, maxSingleStepDelay), then
// fires due delay-queue entries (in order) before invoking the
// handler of each descriptor reported ready.
//
// maxDelay of 0 means "no caller-imposed ceiling" — only the delay
// queue and the implementation ceiling bound the wait.
func (s *Scheduler) SingleStep(maxDelay time.Duration) error {
	now := time.Now()
	wait := s.delay.timeToNextAlarm(now)
	if wait > maxSingleStepDelay {
		wait = maxSingleStepDelay
	}
	if maxDelay > 0 && maxDelay < wait {
		wait = maxDelay
	}

	ready, err := s.poll(wait)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			// Transient: treated as "nothing ready this turn".
			ready = nil
		} else {
			return engineerr.Fatal("scheduler.singleStep", err)
		}
	}

	// All due delay tasks fire before any socket handler.
	s.delay.handleAlarms(time.Now())

	for _, fd := range ready {
		// Re-check: firing a delay task may have removed this handler.
		if h, ok := s.handlers[fd]; ok {
			h.proc(h.client, SocketReadable)
		}
	}
	return nil
}

// poll blocks for at most wait, returning the set of registered
// descriptors that are currently readable.
func (s *Scheduler) poll(wait time.Duration) ([]int, error) {
	if len(s.handlers) == 0 {
		// Nothing to watch: just sleep out the wait so delay-queue
		// alarms still fire on schedule.
		time.Sleep(wait)
		return nil, nil
	}

	pfds := make([]unix.PollFd, 0, len(s.handlers))
	fds := make([]int, 0, len(s.handlers))
	for fd := range s.handlers {
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		fds = append(fds, fd)
	}

	timeoutMS := int(wait / time.Millisecond)
	if wait > 0 && timeoutMS == 0 {
		timeoutMS = 1
	}

	n, err := unix.Poll(pfds, timeoutMS)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	ready := make([]int, 0, n)
	for i, pfd := range pfds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready = append(ready, fds[i])
		}
	}
	return ready, nil
}

// DoEventLoop runs SingleStep forever, with maxDelay of 0 (block
// until something is due or ready), until *watchVariable becomes
// non-zero. An external signal handler may only set such a flag,
// never free mediums directly.
func (s *Scheduler) DoEventLoop(watchVariable *int32) error {
	for atomic.LoadInt32(watchVariable) == 0 {
		if err := s.SingleStep(0); err != nil {
			return err
		}
	}
	return nil
}
