// Package mapping defines the NAT port-mapping model shared by the store, the
// sync loop and the subscriber hub.
//
// A mapping is keyed by "protocol:inner_port" (for example "tcp:51413") and
// valued by the externally visible address natmap advertises for it. A Set is
// the unit of storage, diffing and notification payloads.
package mapping

import (
	"fmt"
	"strconv"
	"strings"
)

// Supported protocols.
const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
)

// Value is the public address advertised for a mapping.
type Value struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Set maps keys of the form "protocol:inner_port" to their public address.
type Set map[string]Value

// MakeKey builds the composite key for a protocol and inner port.
func MakeKey(protocol string, innerPort int) string {
	return protocol + ":" + strconv.Itoa(innerPort)
}

// ParseKey splits a key into protocol and inner port and validates both.
func ParseKey(key string) (protocol string, innerPort int, err error) {
	proto, portStr, ok := strings.Cut(key, ":")
	if !ok {
		return "", 0, fmt.Errorf("invalid mapping key %q: missing ':'", key)
	}
	if err := validateProtocol(proto); err != nil {
		return "", 0, fmt.Errorf("invalid mapping key %q: %w", key, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid mapping key %q: inner port is not a number", key)
	}
	if err := validatePort(port); err != nil {
		return "", 0, fmt.Errorf("invalid mapping key %q: %w", key, err)
	}
	// "tcp:080" and "tcp:+80" would otherwise name a second row for tcp:80.
	if MakeKey(proto, port) != key {
		return "", 0, fmt.Errorf("invalid mapping key %q: want %q", key, MakeKey(proto, port))
	}
	return proto, port, nil
}

// Validate checks every key and value in the set.
func (s Set) Validate() error {
	for key, v := range s {
		if _, _, err := ParseKey(key); err != nil {
			return err
		}
		if v.IP == "" {
			return fmt.Errorf("mapping %s: empty ip", key)
		}
		if err := validatePort(v.Port); err != nil {
			return fmt.Errorf("mapping %s: %w", key, err)
		}
	}
	return nil
}

// Clone returns a shallow copy of the set. A nil set clones to an empty one.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Equal reports whether both sets hold exactly the same entries.
func Equal(a, b Set) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || va != vb {
			return false
		}
	}
	return true
}

// Diff returns the entries of next that are absent from prev or whose value
// differs. Keys present only in prev are never reported.
func Diff(prev, next Set) Set {
	out := make(Set)
	for k, v := range next {
		if old, ok := prev[k]; !ok || old != v {
			out[k] = v
		}
	}
	return out
}

func validateProtocol(proto string) error {
	switch proto {
	case ProtocolTCP, ProtocolUDP:
		return nil
	default:
		return fmt.Errorf("unsupported protocol %q", proto)
	}
}

func validatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}
	return nil
}
