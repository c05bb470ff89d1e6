//go:build !linux
// +build !linux

package firewall

import (
	"fmt"

	"github.com/vishvananda/netns"
)

// EnableIPForwarding enables IP forwarding.
func EnableIPForwarding() error {
	return fmt.Errorf("not implemented on this platform")
}

// EnableSteering diverts DSCP-marked traffic through the TUN device.
func EnableSteering(ns netns.NsHandle, c SteeringConfig) error {
	return fmt.Errorf("not implemented on this platform")
}

// DisableSteering removes the state installed by EnableSteering.
func DisableSteering(ns netns.NsHandle, c SteeringConfig) error {
	return fmt.Errorf("not implemented on this platform")
}
