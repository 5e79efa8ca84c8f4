// Created by WINK Streaming (https://www.wink.co)

// Package rtcp builds and periodically emits RTCP sender/receiver
// reports for the RTP sinks and sources attached to an Environment.
// Reporting is driven by the scheduler's delay queue rather than a
// dedicated goroutine and ticker, consistent with the engine's
// single-threaded cooperative model.
package rtcp

import (
	"math/rand"
	"time"

	pionrtcp "github.com/pion/rtcp"

	"github.com/winkstreaming/wink-rtsp-engine/internal/env"
	"github.com/winkstreaming/wink-rtsp-engine/internal/medium"
	"github.com/winkstreaming/wink-rtsp-engine/internal/rtp"
	"github.com/winkstreaming/wink-rtsp-engine/internal/scheduler"
)

// DefaultReportInterval is the spacing between reports this instance
// schedules; live RTCP implementations jitter this against a
// bandwidth budget, which is left as future work — this is a fixed
// cadence chosen for predictable tests and typical 64 kbit/s ceilings.
const DefaultReportInterval = 5 * time.Second

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01) and the Unix epoch (1970-01-01).
const ntpEpochOffset = 2208988800

// statSource abstracts the RTP sender side: exactly the window of
// state an SR needs, without coupling this package to *rtp.Sink's full
// surface.
type statSource interface {
	PacketsSent() (packets, octets uint32, lastTimestamp uint32)
	ResetRTCPCounters()
	SSRC() uint32
}

// statReceiver abstracts the RTP receive side: exactly the window of
// state an RR needs.
type statReceiver interface {
	Stats() []rtp.Snapshot
}

// Output is the transport a compound RTCP packet is written over: a
// dedicated UDP group socket for ordinary delivery, or a TCP
// interleaved-channel writer when the session tunnels RTP/RTCP over
// the RTSP control connection. *groupsock.GroupSock satisfies this.
type Output interface {
	Output(payload []byte, addr string, port int, ttl int) error
}

// Instance is the RTCP peer for one media track: it observes an
// optional local Sink (to build sender reports) and/or an optional
// local Source (to build receiver reports), and writes compound
// packets to out on a fixed schedule.
type Instance struct {
	medium.Base

	env *env.Environment
	out Output

	sink     statSource
	source   statReceiver
	interval time.Duration

	localSSRC uint32
	token     scheduler.Token
}

// New creates an Instance writing reports via out. Either sink or
// source (or both) may be nil.
func New(e *env.Environment, out Output, sink statSource, source statReceiver) *Instance {
	i := &Instance{
		env:       e,
		out:       out,
		sink:      sink,
		source:    source,
		interval:  DefaultReportInterval,
		localSSRC: rand.Uint32(),
	}
	i.Base = medium.NewBase(e.Registry, "RTCPInstance", "")
	e.Registry.Register(i)
	i.scheduleNext()
	return i
}

func (i *Instance) scheduleNext() {
	i.token = i.env.Scheduler.ScheduleDelayed(i.interval, func(interface{}) {
		i.sendReport()
		i.scheduleNext()
	}, nil)
}

// sendReport builds and sends one compound RTCP packet: a sender
// report when a local Sink is attached, otherwise a receiver report,
// each followed by reception reports for every SSRC a local Source has
// observed.
func (i *Instance) sendReport() {
	var packets []pionrtcp.Packet

	receptionReports := i.buildReceptionReports()

	if i.sink != nil {
		pktCount, octetCount, lastTS := i.sink.PacketsSent()
		packets = append(packets, &pionrtcp.SenderReport{
			SSRC:        i.sink.SSRC(),
			NTPTime:     ntpTimestamp(time.Now()),
			RTPTime:     lastTS,
			PacketCount: pktCount,
			OctetCount:  octetCount,
			Reports:     receptionReports,
		})
		i.sink.ResetRTCPCounters()
	} else if len(receptionReports) > 0 {
		packets = append(packets, &pionrtcp.ReceiverReport{
			SSRC:    i.localSSRC,
			Reports: receptionReports,
		})
	}

	if len(packets) == 0 {
		return
	}
	wire, err := pionrtcp.Marshal(packets)
	if err != nil {
		i.env.Log.Warn().Err(err).Msg("rtcp: marshal failed")
		return
	}
	if err := i.out.Output(wire, "", 0, 0); err != nil {
		i.env.Log.Warn().Err(err).Msg("rtcp: output failed")
	}
}

func (i *Instance) buildReceptionReports() []pionrtcp.ReceptionReport {
	if i.source == nil {
		return nil
	}
	snaps := i.source.Stats()
	out := make([]pionrtcp.ReceptionReport, 0, len(snaps))
	for _, s := range snaps {
		var fractionLost uint8
		if s.PacketsExpected > 0 {
			fractionLost = uint8((min64(s.PacketsLost, 0xFFFFFF) * 256) / s.PacketsExpected)
		}
		out = append(out, pionrtcp.ReceptionReport{
			SSRC:               s.SSRC,
			FractionLost:       fractionLost,
			TotalLost:          uint32(min64(s.PacketsLost, 0xFFFFFF)),
			LastSequenceNumber: s.HighestSeq,
		})
	}
	return out
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// ntpTimestamp converts t to the 64-bit NTP timestamp format an SR's
// NTPTime field carries: seconds since 1900 in the high 32 bits,
// fractional seconds in the low 32 bits.
func ntpTimestamp(t time.Time) uint64 {
	secs := uint64(t.Unix()+ntpEpochOffset) << 32
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return secs | frac
}

// Close cancels the scheduled reporting and unregisters the instance.
func (i *Instance) Close() error {
	i.env.Scheduler.Unschedule(i.token)
	return i.CloseBase()
}
