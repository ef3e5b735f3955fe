package ports

import (
	"net"
	"strconv"
	"time"
)

// DialProbe treats a port as taken when something accepts a TCP connection
// on it.
type DialProbe struct {
	Host    string
	Timeout time.Duration
}

// NewDialProbe probes localhost with a short timeout.
func NewDialProbe() *DialProbe {
	return &DialProbe{Host: "127.0.0.1", Timeout: 250 * time.Millisecond}
}

// Available reports whether no listener answered on port.
func (p *DialProbe) Available(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(p.Host, strconv.Itoa(port)), p.Timeout)
	if err != nil {
		return true
	}
	conn.Close()
	return false
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(port int) bool

func (f ProbeFunc) Available(port int) bool { return f(port) }
