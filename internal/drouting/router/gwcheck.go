package router

import (
	"log/slog"
	"net/netip"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/sebas/drouter/internal/drouting/gateway"
)

// MatchFlags control what IsFromGateway does with a matching call.
type MatchFlags uint8

const (
	// StripOnMatch removes the gateway's strip count from the Request-URI user
	StripOnMatch MatchFlags = 1 << iota
	// PrefixOnMatch prepends the gateway's prefix to the Request-URI user
	PrefixOnMatch
)

// IsFromGateway reports whether src belongs to a gateway of the current
// snapshot. A zero source port matches any gateway port and typ < 0 matches
// any type. With flags set, the matching gateway's strip and prefix are
// applied to the call's Request-URI; call may be nil when flags is zero.
func (r *Router) IsFromGateway(call Call, src netip.AddrPort, typ int, flags MatchFlags) (*gateway.Gateway, bool) {
	reader, err := r.coord.Enter()
	if err != nil {
		return nil, false
	}
	defer reader.Exit()

	gw, ok := reader.Snapshot().Gateways().MatchSource(src.Addr(), int(src.Port()), typ)
	if !ok {
		return nil, false
	}
	if call == nil || flags == 0 {
		return gw, true
	}

	strip, prefix := 0, ""
	if flags&StripOnMatch != 0 {
		strip = gw.Strip
	}
	if flags&PrefixOnMatch != 0 {
		prefix = gw.Prefix
	}
	uri, ok := rewriteUser(call.RequestURI(), strip, prefix)
	if !ok {
		slog.Warn("[Router] Cannot rewrite user part for gateway",
			"gateway", gw.String(),
			"uri", call.RequestURI(),
			"strip", strip)
		return gw, true
	}
	if err := call.SetRequestURI(uri); err != nil {
		slog.Warn("[Router] Failed to set request uri", "uri", uri, "error", err)
	}
	return gw, true
}

// GoesToGateway reports whether the host of uri is a gateway of the current
// snapshot.
func (r *Router) GoesToGateway(uri string, typ int) (*gateway.Gateway, bool) {
	var u sip.Uri
	if err := sip.ParseUri(uri, &u); err != nil {
		return nil, false
	}

	reader, err := r.coord.Enter()
	if err != nil {
		return nil, false
	}
	defer reader.Exit()
	reg := reader.Snapshot().Gateways()

	host := strings.Trim(u.Host, "[]")
	if ip, err := netip.ParseAddr(host); err == nil {
		if gw, ok := reg.MatchSource(ip, u.Port, typ); ok {
			return gw, true
		}
	}
	for _, gw := range reg.All() {
		if typ >= 0 && gw.Type != typ {
			continue
		}
		if !strings.EqualFold(gw.Address.Host, host) {
			continue
		}
		if gw.Address.Port != 0 && u.Port != 0 && gw.Address.Port != u.Port {
			continue
		}
		return gw, true
	}
	return nil, false
}

// rewriteUser strips and prefixes the user part of a raw SIP URI, leaving
// every other byte untouched.
func rewriteUser(uri string, strip int, prefix string) (string, bool) {
	head := uri
	if q := strings.IndexByte(head, '?'); q >= 0 {
		head = head[:q]
	}
	colon := strings.IndexByte(head, ':')
	at := strings.LastIndexByte(head, '@')
	if colon < 0 || at < colon {
		return "", false
	}
	userEnd := at
	if pw := strings.IndexByte(uri[colon+1:at], ':'); pw >= 0 {
		userEnd = colon + 1 + pw
	}
	user := uri[colon+1 : userEnd]
	if strip >= len(user) {
		return "", false
	}
	return uri[:colon+1] + prefix + user[strip:] + uri[userEnd:], true
}
