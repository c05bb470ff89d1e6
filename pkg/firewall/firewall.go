// Package firewall configures the host so that DSCP-marked ingress traffic is
// diverted through the rewrite TUN device.
package firewall

import (
	"fmt"

	"github.com/apoxy-dev/dscp-rewrite/pkg/rewrite"
)

const (
	tableName    = "dscp_rewrite"
	rulePriority = 100
)

// SteeringConfig selects the traffic to divert and where to send it.
type SteeringConfig struct {
	// IngressInterface is the interface whose DSCP-marked traffic is diverted.
	IngressInterface string
	// TunInterface is the TUN device running the rewrite hooks.
	TunInterface string
	// FwMark marks diverted packets for policy routing.
	FwMark uint32
	// RouteTable holds the default route through TunInterface.
	RouteTable int
}

func (c SteeringConfig) validate() error {
	switch {
	case c.IngressInterface == "":
		return fmt.Errorf("%w: ingress interface is required", rewrite.ErrInvalidArgument)
	case c.TunInterface == "":
		return fmt.Errorf("%w: tun interface is required", rewrite.ErrInvalidArgument)
	case c.IngressInterface == c.TunInterface:
		return fmt.Errorf("%w: ingress and tun interface must differ", rewrite.ErrInvalidArgument)
	case c.FwMark == 0:
		return fmt.Errorf("%w: fwmark must be non-zero", rewrite.ErrInvalidArgument)
	case c.RouteTable <= 0:
		return fmt.Errorf("%w: route table must be positive", rewrite.ErrInvalidArgument)
	}
	return nil
}
