//go:build !linux

package feeder

import "net"

// listen falls back to the runtime's default backlog on non-Linux hosts.
func listen(addr string, _ int) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
