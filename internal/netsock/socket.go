// Package netsock provides the relay's non-blocking UDP socket layer.
// It is the one package in the repository that issues real networking
// syscalls; everything above it depends only on interfaces.Socket.
package netsock

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// UDPSocket is a non-blocking datagram socket, opened and controlled
// directly via golang.org/x/sys/unix so that non-blocking mode and
// SO_REUSEADDR are under the caller's direct control. net.PacketConn
// does not expose that contract.
type UDPSocket struct {
	fd     int
	family int
}

// Resolve parses a "host:port" spec, where host may be "*" for the
// wildcard address. It is a thin wrapper over net.ResolveUDPAddr kept
// here so the rest of the package only deals in *net.UDPAddr.
func Resolve(spec string) (*net.UDPAddr, error) {
	host, port, err := net.SplitHostPort(spec)
	if err != nil {
		return nil, fmt.Errorf("netsock: invalid address spec %q: %w", spec, err)
	}
	if host == "*" {
		host = ""
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("netsock: resolve %q: %w", spec, err)
	}
	if addr.IP == nil {
		// An empty host resolves to a nil IP; make the wildcard explicit
		// so it can be turned into a sockaddr.
		addr.IP = net.IPv4zero
	}
	return addr, nil
}

// Open creates a non-blocking UDP socket. If bindAddr is non-nil, the
// socket is bound to it (SO_REUSEADDR is set first). If connectAddr is
// non-nil, the socket is connected to it, fixing the destination for
// subsequent Sendto calls that pass addr==nil.
func Open(bindAddr, connectAddr *net.UDPAddr) (*UDPSocket, error) {
	family := unix.AF_INET
	if ref := bindAddr; ref == nil {
		ref = connectAddr
	}
	if addrIsV6(bindAddr) || addrIsV6(connectAddr) {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("netsock: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netsock: SO_REUSEADDR: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netsock: set nonblocking: %w", err)
	}

	if bindAddr != nil {
		sa, err := toSockaddr(bindAddr)
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("netsock: bind address: %w", err)
		}
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("netsock: bind %s: %w", bindAddr, err)
		}
	}

	if connectAddr != nil {
		sa, err := toSockaddr(connectAddr)
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("netsock: connect address: %w", err)
		}
		if err := unix.Connect(fd, sa); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("netsock: connect %s: %w", connectAddr, err)
		}
	}

	return &UDPSocket{fd: fd, family: family}, nil
}

// SendTo issues one non-blocking send. If addr is nil, the socket must
// already be connected (via Open's connectAddr); the datagram is sent
// to the connected peer.
func (s *UDPSocket) SendTo(p []byte, addr net.Addr) (int, error) {
	if addr == nil {
		if err := unix.Send(s.fd, p, 0); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("netsock: addr %v is not a *net.UDPAddr", addr)
	}
	sa, err := toSockaddr(udpAddr)
	if err != nil {
		return 0, err
	}
	if err := unix.Sendto(s.fd, p, 0, sa); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Recv issues one non-blocking receive.
func (s *UDPSocket) Recv(p []byte) (int, net.Addr, error) {
	n, from, err := unix.Recvfrom(s.fd, p, 0)
	if err != nil {
		return 0, nil, err
	}
	return n, sockaddrToUDPAddr(from), nil
}

// Fd returns the underlying file descriptor, for poller registration.
func (s *UDPSocket) Fd() int {
	return s.fd
}

// Close releases the socket.
func (s *UDPSocket) Close() error {
	return unix.Close(s.fd)
}

func addrIsV6(addr *net.UDPAddr) bool {
	return addr != nil && addr.IP.To4() == nil && addr.IP.To16() != nil
}

func toSockaddr(addr *net.UDPAddr) (unix.Sockaddr, error) {
	if addr.IP.To4() != nil {
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], addr.IP.To4())
		sa.Port = addr.Port
		return &sa, nil
	}
	ip16 := addr.IP.To16()
	if ip16 == nil {
		return nil, fmt.Errorf("netsock: invalid IP %v", addr.IP)
	}
	var sa unix.SockaddrInet6
	copy(sa.Addr[:], ip16)
	sa.Port = addr.Port
	return &sa, nil
}

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, v.Addr[:])
		return &net.UDPAddr{IP: ip, Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, v.Addr[:])
		return &net.UDPAddr{IP: ip, Port: v.Port}
	default:
		return nil
	}
}
