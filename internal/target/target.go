// Package target expands reader target strings from the forwarder config.
//
// Supported syntaxes:
//
//	single: A.B.C.D:PORT        e.g. 192.168.2.156:10000
//	range:  A.B.C.START-END:PORT e.g. 192.168.2.150-160:10000 (inclusive)
//
// CIDR notation and wildcards are rejected.
package target

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrUnsupportedSyntax marks CIDR / wildcard targets.
	ErrUnsupportedSyntax = errors.New("target: unsupported syntax")
	// ErrInvalidFormat marks malformed targets.
	ErrInvalidFormat = errors.New("target: invalid format")
	// ErrInvalidRange marks ranges with start > end.
	ErrInvalidRange = errors.New("target: invalid range")
)

// Endpoint is a fully resolved reader address.
type Endpoint struct {
	// IP is the dotted-decimal address, e.g. "192.168.2.156".
	IP string
	// Port is the reader's TCP port.
	Port uint16
	// LastOctet feeds the default local fallback port.
	LastOctet uint8
}

// Addr returns the dialable "ip:port" form.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// DefaultLocalPort returns 10000 + last octet, the default port at which a
// reader's byte stream is re-exposed locally.
func (e Endpoint) DefaultLocalPort() uint16 {
	return 10000 + uint16(e.LastOctet)
}

// Expand resolves a target string into one or more endpoints.
func Expand(t string) ([]Endpoint, error) {
	if t == "" {
		return nil, fmt.Errorf("%w: empty target string", ErrInvalidFormat)
	}
	if strings.Contains(t, "/") {
		return nil, fmt.Errorf("%w: CIDR notation (use an explicit IP or range)", ErrUnsupportedSyntax)
	}
	if strings.Contains(t, "*") {
		return nil, fmt.Errorf("%w: wildcard notation (use an explicit IP or range)", ErrUnsupportedSyntax)
	}

	// Split on the last ':' so the range dash stays inside the host part.
	colon := strings.LastIndex(t, ":")
	if colon < 0 {
		return nil, fmt.Errorf("%w: missing port (expected HOST:PORT)", ErrInvalidFormat)
	}
	hostPart, portStr := t[:colon], t[colon+1:]
	if hostPart == "" {
		return nil, fmt.Errorf("%w: empty host part", ErrInvalidFormat)
	}
	if portStr == "" {
		return nil, fmt.Errorf("%w: empty port part", ErrInvalidFormat)
	}
	port64, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid port %q", ErrInvalidFormat, portStr)
	}
	port := uint16(port64)

	octets := strings.SplitN(hostPart, ".", 4)
	if len(octets) != 4 {
		return nil, fmt.Errorf("%w: expected 4 octets in %q", ErrInvalidFormat, hostPart)
	}
	a, err := parseOctet(octets[0], "first octet")
	if err != nil {
		return nil, err
	}
	b, err := parseOctet(octets[1], "second octet")
	if err != nil {
		return nil, err
	}
	c, err := parseOctet(octets[2], "third octet")
	if err != nil {
		return nil, err
	}
	last := octets[3]

	if startStr, endStr, isRange := strings.Cut(last, "-"); isRange {
		start, err := parseOctet(startStr, "range start")
		if err != nil {
			return nil, err
		}
		end, err := parseOctet(endStr, "range end")
		if err != nil {
			return nil, err
		}
		if start > end {
			return nil, fmt.Errorf("%w: start %d > end %d", ErrInvalidRange, start, end)
		}
		endpoints := make([]Endpoint, 0, int(end)-int(start)+1)
		for o := int(start); o <= int(end); o++ {
			endpoints = append(endpoints, Endpoint{
				IP:        fmt.Sprintf("%d.%d.%d.%d", a, b, c, o),
				Port:      port,
				LastOctet: uint8(o),
			})
		}
		return endpoints, nil
	}

	d, err := parseOctet(last, "fourth octet")
	if err != nil {
		return nil, err
	}
	return []Endpoint{{
		IP:        fmt.Sprintf("%d.%d.%d.%d", a, b, c, d),
		Port:      port,
		LastOctet: d,
	}}, nil
}

func parseOctet(s, what string) (uint8, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrInvalidFormat, what, s)
	}
	return uint8(v), nil
}
