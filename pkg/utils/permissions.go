//go:build !linux

package utils

// HasNetAdmin reports whether the process may create TUN devices and change
// firewall and routing state. Always false on non-Linux systems.
func HasNetAdmin() (bool, error) {
	return false, nil
}
