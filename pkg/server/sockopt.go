package server

import (
	"net"

	"github.com/hashicorp/go-multierror"
)

// applyConnOptions applies the child-side TCP options to an accepted
// connection. Failures are aggregated; the connection stays usable.
func applyConnOptions(c net.Conn, o TCPOptions) error {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil
	}
	var result *multierror.Error
	if err := tc.SetNoDelay(o.NoDelay); err != nil {
		result = multierror.Append(result, err)
	}
	if err := tc.SetKeepAlive(o.KeepAlive); err != nil {
		result = multierror.Append(result, err)
	}
	if o.SendBufferSize > 0 {
		if err := tc.SetWriteBuffer(o.SendBufferSize); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if o.ReceiveBufferSize > 0 {
		if err := tc.SetReadBuffer(o.ReceiveBufferSize); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if o.TrafficClass >= 0 {
		if err := setTrafficClass(tc, o.TrafficClass); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func isIPv6(addr net.Addr) bool {
	ta, ok := addr.(*net.TCPAddr)
	return ok && ta.IP.To4() == nil && len(ta.IP) == net.IPv6len
}
