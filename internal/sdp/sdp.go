// Created by WINK Streaming (https://www.wink.co)

// Package sdp parses and generates the subset of SDP the RTSP client
// needs: per-subsession medium name, codec name, clock frequency,
// client port, connection endpoint, control path, and a=fmtp:
// auxiliary parameters, plus the minimal session description an
// ANNOUNCE-producing client emits.
package sdp

import (
	"fmt"
	"strconv"
	"strings"

	pionsdp "github.com/pion/sdp/v3"

	"github.com/winkstreaming/wink-rtsp-engine/internal/engineerr"
)

// Subsession is one m= line's worth of information, the slice a
// MediaSubsession is constructed from after a DESCRIBE.
type Subsession struct {
	MediumName     string // "audio", "video", ...
	CodecName      string // rtpmap encoding name, upper-cased
	ClockRateHz    uint32
	PayloadType    uint8
	ClientPort     int // 0 if the m= line carried no port
	ConnectionAddr string
	Control        string // a=control: value, relative or absolute
	Fmtp           map[string]string
}

// Description is a parsed session description: the subset consumed
// downstream of DESCRIBE.
type Description struct {
	SessionName string
	Subsessions []Subsession
}

// Parse decodes raw (a DESCRIBE response body) into a Description.
func Parse(raw string) (*Description, error) {
	var sd pionsdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return nil, engineerr.Wrap(engineerr.KindProtocol, "sdp.parse", "", err)
	}

	sessionAddr := connectionAddr(sd.ConnectionInformation)

	desc := &Description{SessionName: string(sd.SessionName)}
	for _, md := range sd.MediaDescriptions {
		sub := Subsession{
			MediumName:     md.MediaName.Media,
			ConnectionAddr: sessionAddr,
			Fmtp:           map[string]string{},
		}
		if len(md.MediaName.Formats) > 0 {
			if pt, err := strconv.Atoi(md.MediaName.Formats[0]); err == nil {
				sub.PayloadType = uint8(pt)
			}
		}
		if md.ConnectionInformation != nil {
			sub.ConnectionAddr = connectionAddr(md.ConnectionInformation)
		}
		if md.MediaName.Port.Value > 0 {
			sub.ClientPort = md.MediaName.Port.Value
		}

		for _, a := range md.Attributes {
			switch a.Key {
			case "control":
				sub.Control = a.Value
			case "rtpmap":
				name, rate := parseRtpmap(a.Value)
				if name != "" {
					sub.CodecName = name
				}
				if rate > 0 {
					sub.ClockRateHz = rate
				}
			case "fmtp":
				parseFmtpInto(a.Value, sub.Fmtp)
			}
		}
		desc.Subsessions = append(desc.Subsessions, sub)
	}
	return desc, nil
}

// parseRtpmap splits "<pt> <encoding>/<clockrate>[/<params>]" (the
// value half of an a=rtpmap: line, payload type already consumed by
// the MediaName.Formats list) into encoding name and clock rate.
func parseRtpmap(value string) (name string, clockRate uint32) {
	fields := strings.Fields(value)
	if len(fields) < 2 {
		return "", 0
	}
	parts := strings.Split(fields[1], "/")
	name = strings.ToUpper(parts[0])
	if len(parts) > 1 {
		if r, err := strconv.ParseUint(parts[1], 10, 32); err == nil {
			clockRate = uint32(r)
		}
	}
	return name, clockRate
}

// parseFmtpInto parses "<pt> key1=val1;key2=val2" into dst, ignoring
// the leading payload type token.
func parseFmtpInto(value string, dst map[string]string) {
	fields := strings.SplitN(value, " ", 2)
	if len(fields) < 2 {
		return
	}
	for _, kv := range strings.Split(fields[1], ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			dst[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
}

func connectionAddr(ci *pionsdp.ConnectionInformation) string {
	if ci == nil || ci.Address == nil {
		return ""
	}
	return ci.Address.Address
}

// AnnounceParams configures BuildAnnounceSDP.
type AnnounceParams struct {
	SessionIDHigh, SessionIDLow uint64
	Address                     string // dotted-quad the c= line and o= line both carry
	SessionName                 string
	PayloadType                 uint8
}

// BuildAnnounceSDP constructs the minimal session description an
// ANNOUNCE-producing client sends: a single audio m= line of port 0
// (the actual RTP port is negotiated by the following SETUP) and a
// control attribute naming a single track.
func BuildAnnounceSDP(p AnnounceParams) string {
	name := p.SessionName
	if name == "" {
		name = "-"
	}
	return fmt.Sprintf(
		"v=0\r\n"+
			"o=- %d %d IN IP4 %s\r\n"+
			"s=%s\r\n"+
			"t=0 0\r\n"+
			"c=IN IP4 %s\r\n"+
			"a=control:*\r\n"+
			"m=audio 0 RTP/AVP %d\r\n"+
			"a=control:trackID=0\r\n",
		p.SessionIDHigh, p.SessionIDLow, p.Address, name, p.Address, p.PayloadType)
}
