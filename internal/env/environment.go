// Created by WINK Streaming (https://www.wink.co)

// Package env implements the process-wide Environment: the scheduler
// reference, the medium registry, and the process-wide interface
// address state, threaded explicitly through every component instead
// of living in package-level globals.
package env

import (
	"net"

	"github.com/rs/zerolog"

	"github.com/winkstreaming/wink-rtsp-engine/internal/medium"
	"github.com/winkstreaming/wink-rtsp-engine/internal/scheduler"
)

// Environment is created once per process and destroyed last. It is
// never copied; pipeline objects hold a pointer back to it the way
// live555 mediums hold a UsageEnvironment&.
type Environment struct {
	Scheduler *scheduler.Scheduler
	Registry  *medium.Registry
	Log       zerolog.Logger

	sendingInterfaceAddr   net.IP
	receivingInterfaceAddr net.IP
}

// New creates an Environment with its own scheduler and registry.
func New(logger zerolog.Logger) *Environment {
	return &Environment{
		Scheduler: scheduler.New(),
		Registry:  medium.NewRegistry(),
		Log:       logger,
	}
}

// SendingInterfaceAddr returns the local address used for outgoing
// multicast/UDP traffic, or nil if unset (use the OS default route).
func (e *Environment) SendingInterfaceAddr() net.IP { return e.sendingInterfaceAddr }

// SetSendingInterfaceAddr sets the process-wide sending interface.
func (e *Environment) SetSendingInterfaceAddr(addr net.IP) { e.sendingInterfaceAddr = addr }

// ReceivingInterfaceAddr returns the local address used to join
// multicast groups, or nil for the OS default.
func (e *Environment) ReceivingInterfaceAddr() net.IP { return e.receivingInterfaceAddr }

// SetReceivingInterfaceAddr sets the process-wide receiving interface.
func (e *Environment) SetReceivingInterfaceAddr(addr net.IP) { e.receivingInterfaceAddr = addr }
