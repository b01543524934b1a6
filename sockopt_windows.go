//go:build windows

package drowsynet

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// controlListener runs between socket creation and bind. SO_REUSEADDR is
// left off: on Windows it allows hijacking a port that is in use.
func controlListener(network, _ string, rc syscall.RawConn) error {
	if network != "tcp6" {
		return nil
	}
	var sockErr error
	err := rc.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IPV6, windows.IPV6_V6ONLY, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
