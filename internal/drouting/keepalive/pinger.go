package keepalive

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sebas/drouter/internal/drouting/gateway"
)

// Pinger checks whether a gateway answers.
type Pinger interface {
	Ping(ctx context.Context, target gateway.Address) error
}

// SIPPinger sends SIP OPTIONS requests. Any final response counts as alive.
type SIPPinger struct {
	client    *sipgo.Client
	advertise string
	port      int
}

// NewSIPPinger creates a pinger sending from advertise:port.
func NewSIPPinger(client *sipgo.Client, advertise string, port int) *SIPPinger {
	return &SIPPinger{client: client, advertise: advertise, port: port}
}

func (p *SIPPinger) buildOPTIONS(target gateway.Address) (*sip.Request, error) {
	var requestURI sip.Uri
	if err := sip.ParseUri(target.URI(), &requestURI); err != nil {
		return nil, fmt.Errorf("invalid probe target: %w", err)
	}
	req := sip.NewRequest(sip.OPTIONS, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", uuid.NewString()[:8])
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "drouter", Host: p.advertise, Port: p.port},
		Params:  fromParams,
	})
	req.AppendHeader(&sip.ToHeader{Address: requestURI, Params: sip.NewParams()})

	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "drouter", Host: p.advertise, Port: p.port},
	})
	return req, nil
}

// Ping sends one OPTIONS request and waits for a final response.
func (p *SIPPinger) Ping(ctx context.Context, target gateway.Address) error {
	req, err := p.buildOPTIONS(target)
	if err != nil {
		return err
	}

	tx, err := p.client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("send OPTIONS: %w", err)
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res == nil || res.StatusCode < 200 {
				continue
			}
			return nil
		case <-tx.Done():
			return fmt.Errorf("OPTIONS to %s: transaction ended without final response", target.HostPort())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
