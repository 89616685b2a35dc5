package forwarding

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// AddressResolver resolves a (host, port) pair to a protocol-tagged
// endpoint. DNS resolution is treated as an external collaborator by
// design: both forwarders accept a resolver at construction so a host
// program can substitute a cache, a synthetic table for tests, or a
// resolver bound to a specific network namespace.
//
// Only IPv4 is supported; implementations should return the first
// resolved address, matching the upstream addressing policy.
type AddressResolver interface {
	ResolveTCP(host string, port uint16) (*net.TCPAddr, error)
	ResolveUDP(host string, port uint16) (*net.UDPAddr, error)
}

// NetResolver is the default AddressResolver, backed by the standard
// resolver.
type NetResolver struct{}

// ResolveTCP resolves host:port over SOCK_STREAM/IPPROTO_TCP.
func (NetResolver) ResolveTCP(host string, port uint16) (*net.TCPAddr, error) {
	addr, err := net.ResolveTCPAddr("tcp4", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, errors.Wrapf(err, "resolve tcp %s:%d", host, port)
	}
	return addr, nil
}

// ResolveUDP resolves host:port over SOCK_DGRAM/IPPROTO_UDP.
func (NetResolver) ResolveUDP(host string, port uint16) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, errors.Wrapf(err, "resolve udp %s:%d", host, port)
	}
	return addr, nil
}
