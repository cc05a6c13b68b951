package receiver

import (
	"strconv"
	"strings"
)

// PortAssignment is the outcome of resolving a subscription's local port.
type PortAssignment struct {
	// Port is set when the stream got a unique port.
	Port uint16
	// CollidesWith names the other stream key when the wanted port is
	// contested; the stream is degraded, not fatal.
	CollidesWith string
	// Wanted is the contested port for a collision.
	Wanted uint16
}

// Collision reports whether the assignment is degraded.
func (p PortAssignment) Collision() bool {
	return p.CollidesWith != ""
}

// StreamKey builds the canonical "forwarder:reader" routing key. Stable
// within a session.
func StreamKey(forwarderID, readerIP string) string {
	return forwarderID + ":" + readerIP
}

// lastOctet parses the final octet of an IPv4 address, tolerating an
// attached ":port" suffix. Returns false for anything unparseable.
func lastOctet(ip string) (uint8, bool) {
	if i := strings.LastIndex(ip, ":"); i >= 0 {
		ip = ip[:i]
	}
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return 0, false
	}
	v, err := strconv.ParseUint(parts[3], 10, 8)
	if err != nil {
		return 0, false
	}
	return uint8(v), true
}

// DefaultPort computes 10000 + last octet. Returns false when the reader
// address is not IPv4.
func DefaultPort(ip string) (uint16, bool) {
	o, ok := lastOctet(ip)
	if !ok {
		return 0, false
	}
	return 10000 + uint16(o), true
}

// ResolvePorts assigns a local port per subscription: the explicit override
// when set, otherwise 10000 + last octet. Streams that contest the same
// port are all marked as collisions; the rest proceed normally.
func ResolvePorts(subs []Subscription) map[string]PortAssignment {
	type want struct {
		key  string
		port uint16
	}
	wants := make([]want, 0, len(subs))
	for _, s := range subs {
		key := StreamKey(s.ForwarderID, s.ReaderIP)
		port := s.LocalPortOverride
		if port == 0 {
			if p, ok := DefaultPort(s.ReaderIP); ok {
				port = p
			}
		}
		if port == 0 {
			// Unparseable reader address and no override: nothing to bind.
			continue
		}
		wants = append(wants, want{key: key, port: port})
	}

	claimed := make(map[uint16]string)
	assignments := make(map[string]PortAssignment)

	for _, w := range wants {
		first, contested := claimed[w.port]
		if !contested {
			claimed[w.port] = w.key
			continue
		}
		if _, done := assignments[first]; !done {
			assignments[first] = PortAssignment{Wanted: w.port, CollidesWith: w.key}
		}
		assignments[w.key] = PortAssignment{Wanted: w.port, CollidesWith: first}
	}

	for _, w := range wants {
		if _, done := assignments[w.key]; !done {
			assignments[w.key] = PortAssignment{Port: w.port}
		}
	}
	return assignments
}
