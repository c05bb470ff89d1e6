//go:build linux

package utils

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// HasNetAdmin reports whether the process runs as root or holds
// CAP_NET_ADMIN in its effective set. NET_ADMIN is required to create TUN
// devices and to install nftables rules and routes.
func HasNetAdmin() (bool, error) {
	if unix.Geteuid() == 0 {
		return true, nil
	}

	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return false, fmt.Errorf("failed to get capabilities: %w", err)
	}

	return data[unix.CAP_NET_ADMIN/32].Effective&(1<<(unix.CAP_NET_ADMIN%32)) != 0, nil
}
