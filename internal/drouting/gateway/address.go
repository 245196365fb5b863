package gateway

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// Transport values accepted in gateway addresses.
const (
	TransportUDP = "udp"
	TransportTCP = "tcp"
	TransportTLS = "tls"
)

// Address is the network location of a gateway.
type Address struct {
	Host      string
	Port      int // 0 means the SIP default for the transport
	Transport string
}

// ParseAddress parses "host", "host:port", "[v6]:port" or a bare IPv6
// literal, optionally prefixed with "sip:" and suffixed with ";transport=x".
func ParseAddress(s string) (Address, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Address{}, fmt.Errorf("empty gateway address")
	}
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		raw = "sip:" + raw
	}
	scheme, rest, _ := strings.Cut(raw, ":")

	// sipgo splits the host at the first colon, so IPv6 literals are
	// swapped for a placeholder and restored after parsing.
	hostport, tail := rest, ""
	if idx := strings.IndexAny(rest, ";?"); idx >= 0 {
		hostport, tail = rest[:idx], rest[idx:]
	}
	var v6 string
	portPart := hostport
	switch {
	case strings.HasPrefix(hostport, "["):
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return Address{}, fmt.Errorf("unterminated IPv6 literal in %q", s)
		}
		v6 = hostport[1:end]
		portPart = hostport[end+1:]
		hostport = ipv6Placeholder + portPart
	case strings.Count(hostport, ":") > 1:
		v6 = hostport
		portPart = ""
		hostport = ipv6Placeholder
	}

	var uri sip.Uri
	if err := sip.ParseUri(scheme+":"+hostport+tail, &uri); err != nil {
		return Address{}, fmt.Errorf("address %q: %w", s, err)
	}
	if uri.User != "" {
		return Address{}, fmt.Errorf("address %q: unexpected user part", s)
	}
	if v6 != "" {
		if uri.Host != ipv6Placeholder {
			return Address{}, fmt.Errorf("malformed address %q", s)
		}
		uri.Host = v6
	}
	if uri.Host == "" {
		return Address{}, fmt.Errorf("missing host in %q", s)
	}

	addr := Address{Host: uri.Host}
	if _, port, ok := strings.Cut(portPart, ":"); ok {
		if uri.Port <= 0 || uri.Port > 65535 {
			return Address{}, fmt.Errorf("address %q: invalid port %q", s, port)
		}
		addr.Port = uri.Port
	}
	if uri.UriParams != nil {
		if tr, ok := uri.UriParams.Get("transport"); ok {
			addr.Transport = strings.ToLower(strings.TrimSpace(tr))
		}
	}
	switch addr.Transport {
	case "", TransportUDP, TransportTCP, TransportTLS:
	default:
		return Address{}, fmt.Errorf("unsupported transport %q in %q", addr.Transport, s)
	}
	return addr, nil
}

const ipv6Placeholder = "ipv6.invalid"

// HostPort renders host[:port], bracketing IPv6 literals.
func (a Address) HostPort() string {
	host := a.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if a.Port == 0 {
		return host
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// URI renders the address as a SIP URI usable as a probe target.
func (a Address) URI() string {
	uri := "sip:" + a.HostPort()
	if a.Transport != "" && a.Transport != TransportUDP {
		uri += ";transport=" + a.Transport
	}
	return uri
}

// Equal compares addresses treating an empty transport as udp.
func (a Address) Equal(o Address) bool {
	return strings.EqualFold(a.Host, o.Host) && a.Port == o.Port && a.transport() == o.transport()
}

func (a Address) transport() string {
	if a.Transport == "" {
		return TransportUDP
	}
	return a.Transport
}

func (a Address) String() string {
	return a.URI()
}
