// Package tun provides the virtual-NIC implementations behind types.Device:
// a platform device built on the wireguard tun driver, and an in-memory
// device for tests and headless use.
package tun

import (
	"errors"
	"net"
)

var (
	// ErrClosed is returned by MemDevice's Read and Write after Close. The
	// platform devices return the tun driver's own error instead.
	ErrClosed = errors.New("tun device closed")
	// ErrBufferFull signals a transient write failure; callers count the
	// frame as dropped and move on.
	ErrBufferFull = errors.New("tun write buffer full")
)

// maskToPrefixLen converts a dotted-quad subnet mask to a CIDR prefix length.
func maskToPrefixLen(mask string) (int, error) {
	parsed := net.ParseIP(mask)
	if parsed == nil {
		return 0, errors.New("invalid subnet mask: " + mask)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0, errors.New("subnet mask is not IPv4: " + mask)
	}
	ones, bits := net.IPMask(v4).Size()
	if bits != 32 {
		return 0, errors.New("non-contiguous subnet mask: " + mask)
	}
	return ones, nil
}
