package conn

import "net"

// tcpAddrFrom extracts a net.TCPAddr from a net.Conn's observed remote
// address. Every connection in this module is TCP, so the assertion is
// always expected to succeed; a non-TCP conn falls back to a zero addr.
func tcpAddrFrom(nc net.Conn) net.TCPAddr {
	if a, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		return *a
	}
	return net.TCPAddr{}
}

func remoteAddrIP(nc net.Conn) net.IP {
	return tcpAddrFrom(nc).IP
}
