//go:build !unix

package server

import (
	"net"
	"syscall"
)

// bindControl is a no-op where socket options are not supported.
func bindControl(TCPOptions) func(network, address string, c syscall.RawConn) error {
	return nil
}

func setBacklog(net.Listener, int) error {
	return nil
}

func setTrafficClass(*net.TCPConn, int) error {
	return nil
}
