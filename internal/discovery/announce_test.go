package discovery

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAnnouncement(t *testing.T) {
	t.Parallel()

	from := net.ParseIP("192.168.1.20")
	cases := []struct {
		name    string
		input   string
		ip      string
		port    int
		version string
		request bool
		doc     bool
	}{
		{"request-literal", RequestLiteral, "192.168.1.20", 7706, VersionDetected, true, false},
		{"request-literal-newline", RequestLiteral + "\n", "192.168.1.20", 7706, VersionDetected, true, false},
		{"full", `{"ip":"192.168.1.30","port":7709,"version":"2.1"}`, "192.168.1.30", 7709, "2.1", false, true},
		{"no-ip", `{"port":7709,"version":"2.1"}`, "192.168.1.20", 7709, "2.1", false, true},
		{"bad-ip", `{"ip":"not-an-ip","port":7709}`, "192.168.1.20", 7709, VersionUnknown, false, true},
		{"no-port", `{"ip":"192.168.1.30"}`, "192.168.1.30", 7706, VersionUnknown, false, true},
		{"port-string", `{"port":"7710"}`, "192.168.1.20", 7710, VersionUnknown, false, true},
		{"port-invalid", `{"port":70000}`, "192.168.1.20", 7706, VersionUnknown, false, true},
		{"version-number", `{"version":3}`, "192.168.1.20", 7706, "3", false, true},
		{"status-broadcast", `{"Carrot2":"v1","IsOnroad":true,"ip":"192.168.1.30","port":7706}`, "192.168.1.30", 7706, VersionUnknown, false, true},
		{"broken-json", `{"ip":"192.168.1.30",`, "192.168.1.20", 7706, VersionFallback, false, false},
		{"plain-text", `CARROT_HELLO`, "192.168.1.20", 7706, VersionDetected, false, false},
		{"empty", ``, "192.168.1.20", 7706, VersionDetected, false, false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			a := ParseAnnouncement([]byte(c.input), from, 0)
			assert.Equal(t, c.ip, a.Peer.IP.String())
			assert.Equal(t, c.port, a.Peer.Port)
			assert.Equal(t, c.version, a.Peer.Version)
			assert.Equal(t, c.request, a.Request)
			assert.Equal(t, c.doc, a.Doc != nil)
			assert.True(t, a.From.Equal(from))
		})
	}
}

func TestParseAnnouncementDefaultPort(t *testing.T) {
	t.Parallel()

	a := ParseAnnouncement([]byte("x"), net.ParseIP("10.0.0.2"), 9000)
	assert.Equal(t, 9000, a.Peer.Port)
	assert.Equal(t, "10.0.0.2:9000", a.Peer.Key())
	assert.Equal(t, "10.0.0.2:9000", a.Peer.Addr().String())
}
