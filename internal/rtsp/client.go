// Created by WINK Streaming (https://www.wink.co)

// Package rtsp implements the RTSP control-plane client: DESCRIBE,
// ANNOUNCE, SETUP, PLAY, RECORD and TEARDOWN request construction,
// Digest authentication, Transport/Session header handling, and
// redirect following, built around a single blocking TCP control
// connection per client.
package rtsp

import (
	"bufio"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/winkstreaming/wink-rtsp-engine/internal/engineerr"
	"github.com/winkstreaming/wink-rtsp-engine/internal/env"
	"github.com/winkstreaming/wink-rtsp-engine/internal/medium"
	"github.com/winkstreaming/wink-rtsp-engine/internal/sdp"
)

const (
	DefaultPort   = 554
	DialTimeout   = 5 * time.Second
	UserAgentName = "wink-rtsp-engine"
	UserAgentVer  = "1.0"
	readBufBytes  = 1024 * 1024
)

// Client is an RTSP control-plane session: one TCP connection, a
// monotonic CSeq counter, the current base URL (updated on redirect),
// the installed Digest authenticator, and the interleaved-channel
// counter SETUP draws from for TCP-tunneled media.
type Client struct {
	medium.Base

	env *env.Environment

	url     *url.URL
	baseURI string

	conn   net.Conn
	reader *bufio.Reader

	cseq    int
	session string
	auth    *Authenticator

	nextInterleavedChannel int
	subsessions            []*MediaSubsession
	demuxStarted           bool
}

// NewClient parses rawURL (rtsp://host[:port][/path]) and creates a
// Client bound to e's registry; the TCP connection is opened lazily on
// the first request.
func NewClient(e *env.Environment, rawURL string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindProtocol, "rtsp.newClient", rawURL, err)
	}
	if !strings.EqualFold(u.Scheme, "rtsp") {
		return nil, engineerr.Protocol("rtsp.newClient", u.Scheme, nil)
	}
	c := &Client{
		env:     e,
		url:     u,
		baseURI: rawURL,
		cseq:    1,
		auth:    &Authenticator{},
	}
	c.Base = medium.NewBase(e.Registry, "RTSPClient", "")
	e.Registry.Register(c)
	return c, nil
}

// Subsessions returns the MediaSubsessions parsed out of the last
// Describe call.
func (c *Client) Subsessions() []*MediaSubsession { return c.subsessions }

// CSeq returns the CSeq value carried by the most recently sent
// request, or 0 before the first request.
func (c *Client) CSeq() int { return c.cseq - 1 }

// Authenticator returns the client's current Digest authenticator,
// populated by a 401 challenge or by the caller before a retry.
func (c *Client) Authenticator() *Authenticator { return c.auth }

// OpenConnection resolves the base URL's host and connects the
// control socket, if not already connected.
func (c *Client) OpenConnection() error {
	if c.conn != nil {
		return nil
	}
	host := c.url.Host
	if !strings.Contains(host, ":") {
		host = fmt.Sprintf("%s:%d", host, DefaultPort)
	}
	conn, err := net.DialTimeout("tcp", host, DialTimeout)
	if err != nil {
		return engineerr.Wrap(engineerr.KindTransient, "rtsp.openConnection", host, err)
	}
	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, readBufBytes)
	c.env.Log.Debug().Str("host", host).Msg("rtsp: connected")
	return nil
}

// DescribeRaw issues DESCRIBE and returns the raw response, leaving
// SDP parsing to the caller (Describe wraps this with the SDP→
// MediaSubsession conversion).
func (c *Client) DescribeRaw() (*Response, error) {
	return c.do("DESCRIBE", "", map[string]string{"Accept": "application/sdp"}, nil)
}

// Describe issues DESCRIBE and parses the returned SDP body into
// MediaSubsessions, replacing any previously parsed ones.
func (c *Client) Describe() (*sdp.Description, error) {
	resp, err := c.DescribeRaw()
	if err != nil {
		return nil, err
	}
	desc, err := sdp.Parse(string(resp.Body))
	if err != nil {
		return nil, err
	}
	c.subsessions = make([]*MediaSubsession, 0, len(desc.Subsessions))
	for _, sub := range desc.Subsessions {
		c.subsessions = append(c.subsessions, newMediaSubsession(c.env, sub))
	}
	return desc, nil
}

// Announce issues ANNOUNCE with a minimal self-generated SDP body
// describing a single audio track at the given payload type.
func (c *Client) Announce(sessionName, localAddr string, payloadType uint8) error {
	body := sdp.BuildAnnounceSDP(sdp.AnnounceParams{
		SessionIDHigh: uint64(time.Now().Unix()), SessionIDLow: 1,
		Address: localAddr, SessionName: sessionName, PayloadType: payloadType,
	})
	headers := map[string]string{
		"Content-Type":   "application/sdp",
		"Content-Length": strconv.Itoa(len(body)),
	}
	_, err := c.do("ANNOUNCE", "", headers, []byte(body))
	return err
}

// Setup issues SETUP for one subsession. useTCP selects TCP
// interleaving (channel ids drawn from the client's monotonic
// counter, incrementing by two per SETUP); otherwise UDP unicast or
// multicast per the multicast argument, first binding sub's local
// RTP/RTCP ports if it has none yet.
func (c *Client) Setup(sub *MediaSubsession, useTCP, multicast bool) error {
	headers := map[string]string{}
	if c.session != "" {
		headers["Session"] = c.session
	}

	if useTCP {
		rtpCh := c.nextInterleavedChannel
		rtcpCh := rtpCh + 1
		c.nextInterleavedChannel += 2
		headers["Transport"] = BuildTCPTransport(rtpCh, rtcpCh)
	} else {
		if err := sub.bindUDPPorts(); err != nil {
			return err
		}
		headers["Transport"] = BuildUDPTransport(sub.ClientRTPPort, sub.ClientRTCPPort, multicast)
	}

	resp, err := c.do("SETUP", sub.controlURI(c.baseURI), headers, nil)
	if err != nil {
		return err
	}
	if session, ok := resp.Header("session"); ok {
		c.session = strings.TrimSpace(strings.SplitN(session, ";", 2)[0])
	}
	transportHeader, _ := resp.Header("transport")
	t, ok := ParseTransport(transportHeader)
	if !ok {
		return engineerr.Protocol("rtsp.setup", transportHeader, nil)
	}
	sub.applyTransport(t)
	return sub.Initiate(c)
}

// Play issues PLAY for the session established by prior SETUP calls,
// then starts draining any TCP-interleaved subsessions.
func (c *Client) Play(rangeHeader string) error {
	if rangeHeader == "" {
		rangeHeader = "npt=0-"
	}
	headers := map[string]string{"Session": c.session, "Range": rangeHeader}
	if _, err := c.do("PLAY", "", headers, nil); err != nil {
		return err
	}
	return c.StartStreaming()
}

// Record issues RECORD, mirroring PLAY's Session/Range handling for
// the ANNOUNCE/RECORD push path.
func (c *Client) Record(rangeHeader string) error {
	if rangeHeader == "" {
		rangeHeader = "npt=0-"
	}
	headers := map[string]string{"Session": c.session, "Range": rangeHeader}
	_, err := c.do("RECORD", "", headers, nil)
	return err
}

// Teardown sends TEARDOWN without waiting for a response (some
// servers never send one) and unconditionally clears the session id.
func (c *Client) Teardown() error {
	if c.session == "" || c.conn == nil {
		return nil
	}
	headers := map[string]string{"Session": c.session}
	req := c.buildRequest("TEARDOWN", c.requestURI(""), headers, nil)
	_, err := c.conn.Write([]byte(req))
	c.session = ""
	if err != nil {
		return engineerr.Transient("rtsp.teardown", err)
	}
	return nil
}

// Close tears down the session (best-effort), closes the control
// connection and every bound subsession, and unregisters the client.
func (c *Client) Close() error {
	_ = c.Teardown()
	if c.conn != nil {
		c.conn.Close()
	}
	for _, s := range c.subsessions {
		_ = s.Close()
	}
	return c.CloseBase()
}

// requestURI resolves suffix against the client's base URL: empty
// returns the base URL itself; an already-absolute URI (as controlURI
// produces for a control attribute naming a full rtsp:// URL) is
// returned unchanged; anything else is appended as a path component.
func (c *Client) requestURI(suffix string) string {
	if suffix == "" {
		return c.baseURI
	}
	if strings.Contains(suffix, "://") {
		return suffix
	}
	return strings.TrimRight(c.baseURI, "/") + "/" + strings.TrimLeft(suffix, "/")
}

func (c *Client) buildRequest(method, uri string, headers map[string]string, body []byte) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s %s RTSP/1.0\r\n", method, uri))
	b.WriteString(fmt.Sprintf("CSeq: %d\r\n", c.cseq))
	c.cseq++
	b.WriteString(fmt.Sprintf("User-Agent: %s (%s)\r\n", UserAgentName, UserAgentVer))
	if c.auth.HasChallenge() && c.auth.Username != "" {
		b.WriteString(fmt.Sprintf("Authorization: %s\r\n", c.auth.authorizationHeader(method, uri)))
	}
	for k, v := range headers {
		b.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}
	b.WriteString("\r\n")
	if len(body) > 0 {
		b.Write(body)
	}
	return b.String()
}

// do sends one request and follows at most one redirect; a 401
// response with no authenticator installed yet populates the
// authenticator's realm/nonce and returns a KindAuth error so the
// caller can retry with credentials filled in, per the two-step
// challenge/retry contract.
func (c *Client) do(method, uriSuffix string, headers map[string]string, body []byte) (*Response, error) {
	return c.doFollowingRedirect(method, uriSuffix, headers, body, false)
}

func (c *Client) doFollowingRedirect(method, uriSuffix string, headers map[string]string, body []byte, redirected bool) (*Response, error) {
	if err := c.OpenConnection(); err != nil {
		return nil, err
	}
	uri := c.requestURI(uriSuffix)
	req := c.buildRequest(method, uri, headers, body)
	if _, err := c.conn.Write([]byte(req)); err != nil {
		return nil, engineerr.Transient("rtsp.do", err)
	}
	resp, err := readResponse(c.reader, nil)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == 401:
		www, _ := resp.Header("www-authenticate")
		realm, nonce, ok := parseWWWAuthenticate(www)
		if !ok {
			return resp, engineerr.Auth("rtsp.do", fmt.Errorf("unrecognized WWW-Authenticate: %q", www))
		}
		if c.auth.HasChallenge() {
			return resp, engineerr.Auth("rtsp.do", fmt.Errorf("401 after an authenticated attempt"))
		}
		c.auth.Realm = realm
		c.auth.Nonce = nonce
		return resp, engineerr.Auth("rtsp.do", fmt.Errorf("401 unauthorized"))

	case (resp.StatusCode == 301 || resp.StatusCode == 302) && !redirected:
		loc, ok := resp.Header("location")
		if !ok {
			return resp, engineerr.Protocol("rtsp.do", "missing Location on redirect", nil)
		}
		c.baseURI = loc
		if u, parseErr := url.Parse(loc); parseErr == nil {
			c.url = u
			c.conn.Close()
			c.conn = nil
		}
		return c.doFollowingRedirect(method, uriSuffix, headers, body, true)

	case resp.StatusCode >= 300:
		return resp, engineerr.Wrap(engineerr.KindProtocol, "rtsp.do", strconv.Itoa(resp.StatusCode), nil)
	}

	return resp, nil
}
