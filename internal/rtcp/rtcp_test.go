// Created by WINK Streaming (https://www.wink.co)
package rtcp

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pionrtcp "github.com/pion/rtcp"

	"github.com/winkstreaming/wink-rtsp-engine/internal/env"
	"github.com/winkstreaming/wink-rtsp-engine/internal/groupsock"
	"github.com/winkstreaming/wink-rtsp-engine/internal/rtp"
)

type fakeSink struct {
	packets, octets, ts uint32
	ssrc                uint32
	resets              int
}

func (f *fakeSink) PacketsSent() (uint32, uint32, uint32) { return f.packets, f.octets, f.ts }
func (f *fakeSink) ResetRTCPCounters()                     { f.resets++ }
func (f *fakeSink) SSRC() uint32                           { return f.ssrc }

type fakeSource struct {
	snaps []rtp.Snapshot
}

func (f *fakeSource) Stats() []rtp.Snapshot { return f.snaps }

func loopbackListener(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	return conn
}

func TestSendReportBuildsSenderReportWithReceptionReports(t *testing.T) {
	e := env.New(zerolog.Nop())
	dst := loopbackListener(t)
	defer dst.Close()
	port := dst.LocalAddr().(*net.UDPAddr).Port

	sock, err := groupsock.New("127.0.0.1", 0, "127.0.0.1:"+strconv.Itoa(port), 0)
	require.NoError(t, err)
	defer sock.Close()

	sink := &fakeSink{packets: 42, octets: 4096, ts: 9000, ssrc: 0x1234}
	source := &fakeSource{snaps: []rtp.Snapshot{{SSRC: 0x5678, PacketsReceived: 9, PacketsExpected: 10, PacketsLost: 1}}}

	inst := New(e, sock, sink, source)
	defer inst.Close()

	inst.sendReport()
	assert.Equal(t, 1, sink.resets)

	require.NoError(t, dst.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 1500)
	n, _, err := dst.ReadFromUDP(buf)
	require.NoError(t, err)

	pkts, err := pionrtcp.Unmarshal(buf[:n])
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	sr, ok := pkts[0].(*pionrtcp.SenderReport)
	require.True(t, ok)
	assert.Equal(t, uint32(0x1234), sr.SSRC)
	assert.Equal(t, uint32(42), sr.PacketCount)
	require.Len(t, sr.Reports, 1)
	assert.Equal(t, uint32(0x5678), sr.Reports[0].SSRC)
}

func TestSendReportBuildsReceiverReportWithoutSink(t *testing.T) {
	e := env.New(zerolog.Nop())
	dst := loopbackListener(t)
	defer dst.Close()
	port := dst.LocalAddr().(*net.UDPAddr).Port

	sock, err := groupsock.New("127.0.0.1", 0, "127.0.0.1:"+strconv.Itoa(port), 0)
	require.NoError(t, err)
	defer sock.Close()

	source := &fakeSource{snaps: []rtp.Snapshot{{SSRC: 0x1, PacketsReceived: 5, PacketsExpected: 5}}}
	inst := New(e, sock, nil, source)
	defer inst.Close()

	inst.sendReport()

	require.NoError(t, dst.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 1500)
	n, _, err := dst.ReadFromUDP(buf)
	require.NoError(t, err)

	pkts, err := pionrtcp.Unmarshal(buf[:n])
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	_, ok := pkts[0].(*pionrtcp.ReceiverReport)
	assert.True(t, ok)
}
