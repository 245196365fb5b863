// Package sipfront answers SIP requests with routing decisions. An INVITE is
// routed against the current snapshot and redirected with a 302 listing the
// destinations in failover order.
package sipfront

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sebas/drouter/internal/drouting/router"
)

// AttrsHeader carries the primary destination's gateway attributes.
const AttrsHeader = "X-DR-Attrs"

// Handler serves INVITE and OPTIONS on a sipgo server.
type Handler struct {
	router  *router.Router
	timeout time.Duration
}

// New creates a handler routing through r. Each decision is bounded by
// timeout; zero means no bound.
func New(r *router.Router, timeout time.Duration) *Handler {
	return &Handler{router: r, timeout: timeout}
}

// Register installs the request handlers on srv.
func (h *Handler) Register(srv *sipgo.Server) {
	srv.OnRequest(sip.INVITE, h.handleINVITE)
	srv.OnRequest(sip.OPTIONS, h.handleOPTIONS)
	// ACK for the 3xx is absorbed by the transaction layer
	srv.OnRequest(sip.ACK, func(req *sip.Request, tx sip.ServerTransaction) {})
}

func (h *Handler) handleINVITE(req *sip.Request, tx sip.ServerTransaction) {
	ctx := context.Background()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	if gw, ok := h.fromGateway(req); ok {
		slog.Debug("[SIP] INVITE from gateway", "gateway", gw, "call_id", callID(req))
	}

	res := h.Redirect(ctx, req)
	if err := tx.Respond(res); err != nil {
		slog.Error("[SIP] Failed to send response",
			"call_id", callID(req),
			"status", int(res.StatusCode),
			"error", err)
		return
	}
	slog.Info("[SIP] INVITE answered",
		"call_id", callID(req),
		"ruri", req.Recipient.String(),
		"status", int(res.StatusCode))
}

func (h *Handler) handleOPTIONS(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		slog.Debug("[SIP] Failed to answer OPTIONS", "error", err)
	}
}

// Redirect routes req and builds the response: a 302 with one Contact per
// destination on success, an error status otherwise. req is not modified.
func (h *Handler) Redirect(ctx context.Context, req *sip.Request) *sip.Response {
	from := ""
	if f := req.From(); f != nil {
		from = f.Address.String()
	}
	call := router.NewCall(req.Recipient.String(), from)

	d, err := h.router.Route(ctx, call)
	if err != nil {
		code, reason := StatusFor(err)
		slog.Debug("[SIP] Routing failed",
			"call_id", callID(req),
			"status", int(code),
			"error", err)
		return sip.NewResponseFromRequest(req, code, reason, nil)
	}

	res := sip.NewResponseFromRequest(req, sip.StatusCode(302), "Moved Temporarily", nil)
	dests := d.All()
	for i, dest := range dests {
		res.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<%s>;q=%s", dest.URI, qValue(i, len(dests)))))
	}
	if d.Primary.Attrs != "" {
		res.AppendHeader(sip.NewHeader(AttrsHeader, d.Primary.Attrs))
	}
	return res
}

// StatusFor maps a routing error to a SIP final response.
func StatusFor(err error) (sip.StatusCode, string) {
	switch {
	case errors.Is(err, router.ErrLookupMiss):
		return sip.StatusCode(404), "Not Found - No Route"
	case errors.Is(err, router.ErrEmptyGatewayList):
		return sip.StatusCode(404), "Not Found - No Gateway Available"
	case errors.Is(err, router.ErrScriptVeto):
		return sip.StatusCode(403), "Forbidden"
	case errors.Is(err, router.ErrNoSnapshot):
		return sip.StatusCode(503), "Service Unavailable"
	case errors.Is(err, router.ErrInvalidRequestURI):
		return sip.StatusCode(500), "Server Internal Error - Invalid Request-URI"
	case errors.Is(err, router.ErrGroupResolution):
		return sip.StatusCode(500), "Server Internal Error - Group Resolution"
	default:
		return sip.StatusCode(500), "Server Internal Error"
	}
}

// qValue spreads n contacts over (0, 1], first highest.
func qValue(i, n int) string {
	return strconv.FormatFloat(float64(n-i)/float64(n), 'f', 3, 64)
}

func (h *Handler) fromGateway(req *sip.Request) (string, bool) {
	src, err := netip.ParseAddrPort(req.Source())
	if err != nil {
		return "", false
	}
	gw, ok := h.router.IsFromGateway(nil, src, -1, 0)
	if !ok {
		return "", false
	}
	return gw.String(), true
}

func callID(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
