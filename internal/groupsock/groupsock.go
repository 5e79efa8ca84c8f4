// Created by WINK Streaming (https://www.wink.co)

// Package groupsock implements a UDP endpoint: a bound datagram
// socket with a destination address, TTL, optional multicast-send-only
// mode, and a set of joined multicast groups with optional SSM source
// filters.
package groupsock

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"

	"github.com/winkstreaming/wink-rtsp-engine/internal/engineerr"
)

// defaultTTL matches the live555 GroupSock default.
const defaultTTL = 255

// GroupSock is a UDP endpoint with optional multicast membership.
type GroupSock struct {
	conn         *net.UDPConn
	pconn        *ipv4.PacketConn // set by New when bound to an IPv4 address, else nil
	dest         *net.UDPAddr
	ttl          int
	sendOnly     bool
	joined       map[string]*ssmMembership
	receiveIface *net.Interface // nil means "all interfaces" (OS default)
}

type ssmMembership struct {
	group  *net.UDPAddr
	source net.IP // non-nil for SSM joins
}

// New creates a GroupSock bound to localAddr:port. When destAddr is
// non-empty, Output defaults to sending there. ttl of 0 selects
// defaultTTL, matching live555's GroupSock constructor default.
func New(localAddr string, port int, destAddr string, ttl int) (*GroupSock, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(localAddr), Port: port})
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindTransient, "groupsock.new", localAddr, err)
	}
	gs := &GroupSock{
		conn:   conn,
		ttl:    ttl,
		joined: make(map[string]*ssmMembership),
	}
	if destAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", destAddr)
		if err != nil {
			conn.Close()
			return nil, engineerr.Wrap(engineerr.KindProtocol, "groupsock.new", destAddr, err)
		}
		gs.dest = addr
	}
	if p4 := conn.LocalAddr().(*net.UDPAddr).IP.To4(); p4 != nil {
		gs.pconn = ipv4.NewPacketConn(conn)
		_ = gs.pconn.SetMulticastTTL(ttl)
	}
	return gs, nil
}

// LocalPort returns the bound local UDP port.
func (g *GroupSock) LocalPort() int {
	return g.conn.LocalAddr().(*net.UDPAddr).Port
}

// Fd returns the raw file descriptor backing the socket, for
// registration with the scheduler's readiness poller.
func (g *GroupSock) Fd() (int, error) {
	raw, err := g.conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	ctrlErr := raw.Control(func(f uintptr) { fd = int(f) })
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, nil
}

// Output sends payload via sendto. When addr/port are empty/zero the
// socket's configured destination is used instead. A non-zero ttl
// overrides the socket's configured TTL for this send only.
func (g *GroupSock) Output(payload []byte, addr string, port int, ttl int) error {
	dest := g.dest
	if addr != "" {
		a, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", addr, port))
		if err != nil {
			return engineerr.Wrap(engineerr.KindProtocol, "groupsock.output", addr, err)
		}
		dest = a
	}
	if dest == nil {
		return engineerr.New(engineerr.KindProtocol, "groupsock.output: no destination")
	}
	if ttl > 0 && g.pconn != nil {
		_ = g.pconn.SetMulticastTTL(ttl)
		defer g.pconn.SetMulticastTTL(g.ttl)
	}
	_, err := g.conn.WriteToUDP(payload, dest)
	if err != nil {
		return engineerr.Wrap(engineerr.KindTransient, "groupsock.output", dest.String(), err)
	}
	return nil
}

// ReadFrom reads one datagram, for use by the scheduler's read handler.
func (g *GroupSock) ReadFrom(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := g.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, nil, engineerr.Wrap(engineerr.KindTransient, "groupsock.readFrom", "", err)
	}
	return n, addr, nil
}

// Join adds membership in the given multicast group (any-source).
// Joining a group the socket has already joined is idempotent.
func (g *GroupSock) Join(group string) error {
	return g.joinInternal(group, nil)
}

// JoinSSM joins group filtered to datagrams from source (Source
// Specific Multicast, aka SSM).
func (g *GroupSock) JoinSSM(group, source string) error {
	src := net.ParseIP(source)
	if src == nil {
		return engineerr.New(engineerr.KindProtocol, "groupsock.joinSSM: bad source "+source)
	}
	return g.joinInternal(group, src)
}

func (g *GroupSock) joinInternal(group string, source net.IP) error {
	if _, already := g.joined[group]; already {
		return nil
	}
	gaddr := net.ParseIP(group)
	if gaddr == nil {
		return engineerr.New(engineerr.KindProtocol, "groupsock.join: bad group "+group)
	}
	if g.pconn == nil {
		return engineerr.New(engineerr.KindProtocol, "groupsock.join: socket is not IPv4 multicast-capable")
	}
	ifi := g.receiveInterface()
	ifGroup := &net.UDPAddr{IP: gaddr}
	var err error
	if source != nil {
		err = g.pconn.JoinSourceSpecificGroup(ifi, ifGroup, &net.UDPAddr{IP: source})
	} else {
		err = g.pconn.JoinGroup(ifi, ifGroup)
	}
	if err != nil {
		return engineerr.Wrap(engineerr.KindTransient, "groupsock.join", group, err)
	}
	g.joined[group] = &ssmMembership{group: &net.UDPAddr{IP: gaddr}, source: source}
	return nil
}

// Leave leaves group (any-source or SSM, whichever was joined).
// Every joined group is left on Close.
func (g *GroupSock) Leave(group string) error {
	m, ok := g.joined[group]
	if !ok {
		return nil
	}
	return g.leaveMembership(group, m)
}

// LeaveSSM leaves an SSM membership for group/source explicitly.
func (g *GroupSock) LeaveSSM(group, source string) error {
	return g.Leave(group)
}

func (g *GroupSock) leaveMembership(group string, m *ssmMembership) error {
	if g.pconn == nil {
		delete(g.joined, group)
		return nil
	}
	ifi := g.receiveInterface()
	var err error
	if m.source != nil {
		err = g.pconn.LeaveSourceSpecificGroup(ifi, m.group, &net.UDPAddr{IP: m.source})
	} else {
		err = g.pconn.LeaveGroup(ifi, m.group)
	}
	delete(g.joined, group)
	if err != nil {
		return engineerr.Wrap(engineerr.KindTransient, "groupsock.leave", group, err)
	}
	return nil
}

// SetMulticastSendOnly inhibits the receive side so a sender on the
// same host does not loop its own traffic back.
func (g *GroupSock) SetMulticastSendOnly() {
	g.sendOnly = true
	if g.pconn != nil {
		_ = g.pconn.SetMulticastLoopback(false)
	}
}

// MulticastSendOnly reports whether SetMulticastSendOnly was called.
func (g *GroupSock) MulticastSendOnly() bool { return g.sendOnly }

// ChangeReceiveInterfaceIfNecessary rebinds multicast group membership
// to a new local interface, re-joining every currently-joined group.
func (g *GroupSock) ChangeReceiveInterfaceIfNecessary(newInterfaceAddr net.IP) error {
	if g.pconn == nil {
		return nil
	}
	ifi, err := interfaceForAddr(newInterfaceAddr)
	if err != nil {
		return engineerr.Wrap(engineerr.KindTransient, "groupsock.changeReceiveInterface", newInterfaceAddr.String(), err)
	}
	memberships := g.joined
	g.joined = make(map[string]*ssmMembership)
	g.receiveIface = ifi
	for group, m := range memberships {
		if m.source != nil {
			if err := g.JoinSSM(group, m.source.String()); err != nil {
				return err
			}
		} else if err := g.Join(group); err != nil {
			return err
		}
	}
	return nil
}

// GrowReceiveBuffer requests a receive buffer of targetBytes, halving
// the request on each failure until one succeeds, and returns the size
// that was accepted, or 0 if every request down to 1 byte failed. The
// current buffer size is not read: the halving does not stop at it,
// and the current size is never returned.
func (g *GroupSock) GrowReceiveBuffer(targetBytes int) int {
	for targetBytes > 0 {
		if err := g.conn.SetReadBuffer(targetBytes); err == nil {
			return targetBytes
		}
		targetBytes /= 2
	}
	return 0
}

// Close leaves every joined group and closes the underlying socket.
func (g *GroupSock) Close() error {
	for group, m := range g.joined {
		_ = g.leaveMembership(group, m)
	}
	return g.conn.Close()
}

func (g *GroupSock) receiveInterface() *net.Interface {
	return g.receiveIface
}

func interfaceForAddr(addr net.IP) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.Equal(addr) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface has address %s", addr)
}
