package router

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// Destination is one routing target: the rewritten Request-URI and the
// gateway's opaque attributes.
type Destination struct {
	URI       string `json:"uri"`
	GatewayID int    `json:"gateway_id"`
	Group     int    `json:"group"`
	Attrs     string `json:"attrs,omitempty"`
}

// Failover is the routing state retained with a call between the initial
// decision and later retries.
type Failover struct {
	// Attrs belongs to the destination currently in the Request-URI.
	Attrs   string
	Reserve []Destination
}

// Call is the view of a request the router reads and rewrites.
type Call interface {
	RequestURI() string
	FromURI() string
	SetRequestURI(uri string) error
	Failover() *Failover
}

// BasicCall is a Call over plain strings.
type BasicCall struct {
	URI      string
	From     string
	failover Failover
}

// NewCall creates a call for a Request-URI and a From URI.
func NewCall(requestURI, fromURI string) *BasicCall {
	return &BasicCall{URI: requestURI, From: fromURI}
}

func (c *BasicCall) RequestURI() string  { return c.URI }
func (c *BasicCall) FromURI() string     { return c.From }
func (c *BasicCall) Failover() *Failover { return &c.failover }

func (c *BasicCall) SetRequestURI(uri string) error {
	c.URI = uri
	return nil
}

// SIPCall adapts a sipgo request. SetRequestURI rewrites req.Recipient.
type SIPCall struct {
	Req      *sip.Request
	failover Failover
}

// NewSIPCall wraps req.
func NewSIPCall(req *sip.Request) *SIPCall {
	return &SIPCall{Req: req}
}

func (c *SIPCall) RequestURI() string { return c.Req.Recipient.String() }

func (c *SIPCall) FromURI() string {
	from := c.Req.From()
	if from == nil {
		return ""
	}
	return from.Address.String()
}

func (c *SIPCall) Failover() *Failover { return &c.failover }

func (c *SIPCall) SetRequestURI(uri string) error {
	var u sip.Uri
	if err := sip.ParseUri(uri, &u); err != nil {
		return fmt.Errorf("parse destination %q: %w", uri, err)
	}
	c.Req.Recipient = u
	return nil
}
