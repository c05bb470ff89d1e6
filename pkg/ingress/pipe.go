package ingress

import (
	"fmt"

	"github.com/apoxy-dev/dscp-rewrite/pkg/rewrite"
)

// Pipe is an in-memory Framework. Packets are pushed through a family's hook
// chain with Inject. Only the families passed to NewPipe have a head, which
// allows modelling a host without IPv6 support.
type Pipe struct {
	heads map[rewrite.Family]*Chain
}

var _ Framework = (*Pipe)(nil)

// NewPipe returns a Pipe with heads for the given families, or for both
// families if none are given.
func NewPipe(families ...rewrite.Family) *Pipe {
	if len(families) == 0 {
		families = []rewrite.Family{rewrite.IPv4, rewrite.IPv6}
	}
	p := &Pipe{heads: make(map[rewrite.Family]*Chain, len(families))}
	for _, f := range families {
		p.heads[f] = &Chain{}
	}
	return p
}

// Head implements Framework.
func (p *Pipe) Head(f rewrite.Family) (Head, error) {
	c, ok := p.heads[f]
	if !ok {
		return nil, fmt.Errorf("%w: no %s ingress head", rewrite.ErrNotFound, f)
	}
	return c, nil
}

// Chain returns the hook chain for f, or nil when f has no head.
func (p *Pipe) Chain(f rewrite.Family) *Chain {
	return p.heads[f]
}

// Inject runs pkt through the hooks of family f. Packets for a family without
// a head are accepted untouched.
func (p *Pipe) Inject(f rewrite.Family, pkt []byte) Verdict {
	c, ok := p.heads[f]
	if !ok {
		return Accept
	}
	return c.Run(pkt)
}
