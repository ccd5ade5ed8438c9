//go:build !windows

package rest

import (
	"syscall"
)

// listenControl sets SO_REUSEPORT so a replacement process can bind the port
// while the old one drains.
func listenControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEPORT, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
