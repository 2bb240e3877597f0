//go:build linux

package locallink

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// bindToInterface returns a dialer control func that pins outbound sockets to
// the given interface (SO_BINDTODEVICE), keeping provisioning traffic off the
// default uplink.
func bindToInterface(iface string) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var bindErr error
		if err := c.Control(func(fd uintptr) {
			bindErr = unix.BindToDevice(int(fd), iface)
		}); err != nil {
			return err
		}
		return bindErr
	}
}
