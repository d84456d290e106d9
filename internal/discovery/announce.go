package discovery

import (
	"bytes"
	"encoding/json"
	"net"
	"strconv"
	"strings"
)

// RequestLiteral is broadcast periodically to provoke announcements.
const RequestLiteral = `{"type":"device_discovery","source":"cplink","version":"1.0"}`

// Announcement is one datagram received on discovery port.
type Announcement struct {
	Peer    Peer
	From    net.IP
	Request bool            // datagram was the request literal
	Doc     json.RawMessage // JSON object as received, nil for plain text
}

// ParseAnnouncement never fails: anything received on discovery port is a
// sighting of its sender, JSON "ip"/"port"/"version" override defaults.
func ParseAnnouncement(b []byte, from net.IP, defaultPort int) Announcement {
	if defaultPort == 0 {
		defaultPort = DefaultDataPort
	}
	a := Announcement{
		From: from,
		Peer: Peer{IP: from, Port: defaultPort, Version: VersionDetected},
	}
	trimmed := bytes.TrimSpace(b)
	if string(trimmed) == RequestLiteral {
		a.Request = true
		return a
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return a
	}

	var doc map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		a.Peer.Version = VersionFallback
		return a
	}
	a.Doc = append(json.RawMessage(nil), trimmed...)
	a.Peer.Version = VersionUnknown
	if s, ok := doc["ip"].(string); ok {
		if ip := net.ParseIP(strings.TrimSpace(s)); ip != nil {
			a.Peer.IP = ip
		}
	}
	if port, ok := parsePort(doc["port"]); ok {
		a.Peer.Port = port
	}
	if v, ok := doc["version"]; ok && v != nil {
		switch x := v.(type) {
		case string:
			if x != "" {
				a.Peer.Version = x
			}
		case json.Number:
			a.Peer.Version = x.String()
		}
	}
	return a
}

func parsePort(v interface{}) (int, bool) {
	var n int64
	var err error
	switch x := v.(type) {
	case json.Number:
		n, err = x.Int64()
	case string:
		n, err = strconv.ParseInt(strings.TrimSpace(x), 10, 32)
	default:
		return 0, false
	}
	if err != nil || n <= 0 || n > 65535 {
		return 0, false
	}
	return int(n), true
}
