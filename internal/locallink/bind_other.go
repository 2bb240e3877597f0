//go:build !linux

package locallink

import "syscall"

// Interface binding is only implemented on Linux; elsewhere the association
// relies on the platform routing the device's link-local address correctly.
func bindToInterface(string) func(network, address string, c syscall.RawConn) error {
	return nil
}
