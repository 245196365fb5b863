// Package destination builds the outbound Request-URI for a selected gateway.
package destination

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/sebas/drouter/internal/drouting/gateway"
)

// ErrInvalidRequestURI is returned when the caller URI cannot be rewritten
// for a gateway, most often because the strip count consumes the whole user
// part.
var ErrInvalidRequestURI = errors.New("invalid request uri")

// BuildURI rewrites the caller's Request-URI for gw: the first gw.Strip
// characters of the user part are removed, gw.Prefix is prepended and the
// host part is replaced by the gateway address. Password, URI parameters and
// headers of the caller URI are kept verbatim. When the gateway uses a non-UDP
// transport the caller's own transport parameter is replaced.
func BuildURI(callerURI string, gw *gateway.Gateway) (string, error) {
	var u sip.Uri
	if err := sip.ParseUri(callerURI, &u); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequestURI, err)
	}
	if gw.Strip < 0 || gw.Strip >= len(u.User) {
		return "", fmt.Errorf("%w: strip %d leaves nothing of user %q", ErrInvalidRequestURI, gw.Strip, u.User)
	}

	params, headers := rawTail(callerURI)

	var b strings.Builder
	b.Grow(len(callerURI) + len(gw.Prefix) + 32)
	if strings.HasPrefix(strings.ToLower(callerURI), "sips:") {
		b.WriteString("sips:")
	} else {
		b.WriteString("sip:")
	}
	b.WriteString(gw.Prefix)
	b.WriteString(u.User[gw.Strip:])
	if u.Password != "" {
		b.WriteByte(':')
		b.WriteString(u.Password)
	}
	b.WriteByte('@')
	b.WriteString(gw.Address.HostPort())
	if tr := gw.Address.Transport; tr != "" && !strings.EqualFold(tr, gateway.TransportUDP) {
		b.WriteString(";transport=")
		b.WriteString(tr)
		params = dropParam(params, "transport")
	}
	b.WriteString(params)
	b.WriteString(headers)
	return b.String(), nil
}

// Build is BuildURI for an already parsed URI; the result is parsed back.
func Build(caller sip.Uri, gw *gateway.Gateway) (sip.Uri, error) {
	s, err := BuildURI(caller.String(), gw)
	if err != nil {
		return sip.Uri{}, err
	}
	var out sip.Uri
	if err := sip.ParseUri(s, &out); err != nil {
		return sip.Uri{}, fmt.Errorf("%w: %v", ErrInvalidRequestURI, err)
	}
	return out, nil
}

// rawTail returns the ";params" and "?headers" sections of a SIP URI exactly
// as written.
func rawTail(uri string) (params, headers string) {
	rest := uri
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		headers = rest[q:]
		rest = rest[:q]
	}
	if at := strings.LastIndexByte(rest, '@'); at >= 0 {
		rest = rest[at+1:]
	} else if colon := strings.IndexByte(rest, ':'); colon >= 0 {
		rest = rest[colon+1:]
	}
	if semi := strings.IndexByte(rest, ';'); semi >= 0 {
		params = rest[semi:]
	}
	return params, headers
}

func dropParam(params, name string) string {
	if params == "" {
		return ""
	}
	var b strings.Builder
	for _, p := range strings.Split(params[1:], ";") {
		key, _, _ := strings.Cut(p, "=")
		if strings.EqualFold(strings.TrimSpace(key), name) {
			continue
		}
		b.WriteByte(';')
		b.WriteString(p)
	}
	return b.String()
}
