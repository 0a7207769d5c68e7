//go:build unix

// Package socket creates native stream sockets ready to be registered with
// an aicp.Proactor.
package socket

import (
	"errors"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// ErrNetwork is returned for networks other than tcp, tcp4 and tcp6.
var ErrNetwork = errors.New("unsupported network")

func family(network string) (int, error) {
	switch network {
	case "tcp", "tcp4":
		return unix.AF_INET, nil
	case "tcp6":
		return unix.AF_INET6, nil
	}
	return 0, ErrNetwork
}

// Open creates a non-blocking, close-on-exec stream socket. "tcp" means
// IPv4.
func Open(network string) (int, error) {
	af, err := family(network)
	if err != nil {
		return -1, err
	}
	return open(af)
}

// OpenFor creates a socket whose family matches addr.
func OpenFor(addr netip.AddrPort) (int, error) {
	if addr.Addr().Unmap().Is4() {
		return open(unix.AF_INET)
	}
	return open(unix.AF_INET6)
}

func open(af int) (int, error) {
	fd, err := unix.Socket(af, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return fd, nil
}

// ParseAddr resolves a "host:port" string. Host names are looked up and
// the first address is used.
func ParseAddr(address string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(address); err == nil {
		return ap, nil
	}
	tcpaddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return tcpaddr.AddrPort(), nil
}

// Listen opens a non-blocking listening socket bound to address. Port 0
// picks a free port, which Addr reports.
func Listen(address string, backlog int) (int, error) {
	ap, err := ParseAddr(address)
	if err != nil {
		return -1, err
	}
	fd, err := OpenFor(ap)
	if err != nil {
		return -1, err
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	var sa unix.Sockaddr
	if a := ap.Addr().Unmap(); a.Is4() {
		sa = &unix.SockaddrInet4{Port: int(ap.Port()), Addr: a.As4()}
	} else {
		sa = &unix.SockaddrInet6{Port: int(ap.Port()), Addr: a.As16()}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Addr returns the local address of a socket.
func Addr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)), nil
	}
	return netip.AddrPort{}, ErrNetwork
}

// Close closes a descriptor that was never handed to a proactor.
func Close(fd int) error { return unix.Close(fd) }
