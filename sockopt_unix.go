//go:build unix

package drowsynet

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlListener runs between socket creation and bind. Address reuse lets
// a restarted server rebind while old connections sit in TIME_WAIT; IPv6
// endpoints are v6-only so the IPv4 wildcard can share the port.
func controlListener(network, _ string, rc syscall.RawConn) error {
	var sockErr error
	err := rc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr == nil && network == "tcp6" {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
