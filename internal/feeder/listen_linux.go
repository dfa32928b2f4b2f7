//go:build linux

package feeder

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listen creates a TCP listener with an explicit accept backlog. net.Listen
// always uses the kernel's somaxconn, so the socket is built by hand and
// handed to the runtime poller through net.FileListener.
func listen(addr string, backlog int) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	fd, err := bindSocket(tcpAddr)
	if err != nil {
		return nil, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	file := os.NewFile(uintptr(fd), "bgp-listener")
	defer file.Close()
	return net.FileListener(file)
}

func bindSocket(addr *net.TCPAddr) (int, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return openBound(unix.AF_INET, sa, false)
	}

	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	fd, err := openBound(unix.AF_INET6, sa, addr.IP == nil)
	if err != nil && addr.IP == nil && errors.Is(err, unix.EAFNOSUPPORT) {
		// No IPv6 on this host: fall back to the IPv4 wildcard.
		return openBound(unix.AF_INET, &unix.SockaddrInet4{Port: addr.Port}, false)
	}
	return fd, err
}

func openBound(family int, sa unix.Sockaddr, dualStack bool) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if dualStack {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("setsockopt IPV6_V6ONLY: %w", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	return fd, nil
}
