//go:build windows

package rest

import (
	"syscall"
)

// listenControl is a no-op: Windows has no SO_REUSEPORT.
func listenControl(network, address string, c syscall.RawConn) error {
	return nil
}
