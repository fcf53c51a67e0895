//go:build unix

package server

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// bindControl returns the ListenConfig control hook that applies the
// bind-side options before the socket is bound.
func bindControl(o TCPOptions) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			reuse := 0
			if o.ReuseAddress {
				reuse = 1
			}
			if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, reuse); serr != nil {
				return
			}
			if o.SoLinger >= 0 {
				serr = unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{
					Onoff:  1,
					Linger: int32(o.SoLinger),
				})
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}

// setBacklog re-issues listen(2) on a listening socket with a new backlog.
func setBacklog(ln net.Listener, backlog int) error {
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		return nil
	}
	rc, err := tl.SyscallConn()
	if err != nil {
		return err
	}
	var lerr error
	if err := rc.Control(func(fd uintptr) {
		lerr = unix.Listen(int(fd), backlog)
	}); err != nil {
		return err
	}
	return lerr
}

func setTrafficClass(tc *net.TCPConn, class int) error {
	rc, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := rc.Control(func(fd uintptr) {
		if isIPv6(tc.LocalAddr()) {
			serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, class)
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, class)
	}); err != nil {
		return err
	}
	return serr
}
