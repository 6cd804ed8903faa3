// Package address implements the BACnet address model (ASHRAE 135 Clause
// 6): a (network, mac) pair whose mac interpretation depends on the
// attached data link. Per-datalink MAC layouts are grounded directly on
// original_source/src/bac_py/network/address.py's BIPAddress/BIP6Address/
// EthernetAddress encode/decode contract.
package address

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// GlobalBroadcastNetwork is the sentinel network number meaning "every
// network this router/device can reach".
const GlobalBroadcastNetwork = 65535

// Address is the internal BACnet address type. Network is nil for "local
// link" (no network number present in the NPDU).
type Address struct {
	Network *uint16
	MAC     []byte
}

// Local constructs a local-link unicast address.
func Local(mac []byte) Address { return Address{MAC: append([]byte(nil), mac...)} }

// Remote constructs a remote-network unicast address.
func Remote(network uint16, mac []byte) Address {
	n := network
	return Address{Network: &n, MAC: append([]byte(nil), mac...)}
}

// GlobalBroadcast constructs the global-broadcast address (net=65535).
func GlobalBroadcast() Address {
	n := uint16(GlobalBroadcastNetwork)
	return Address{Network: &n}
}

// RemoteBroadcast constructs a directed broadcast on a specific remote
// network (empty mac + a network number in 1..65534).
func RemoteBroadcast(network uint16) Address {
	n := network
	return Address{Network: &n}
}

// LocalBroadcast constructs a local-link broadcast (no network, empty mac).
func LocalBroadcast() Address { return Address{} }

// IsLocal reports whether this address has no network number (local link).
func (a Address) IsLocal() bool { return a.Network == nil }

// IsBroadcast reports whether mac is empty, i.e. this is some form of
// broadcast rather than a unicast address.
func (a Address) IsBroadcast() bool { return len(a.MAC) == 0 }

// IsGlobalBroadcast reports net == 65535.
func (a Address) IsGlobalBroadcast() bool {
	return a.Network != nil && *a.Network == GlobalBroadcastNetwork
}

// IsRemoteBroadcast reports a directed broadcast to a specific remote
// network (net in 1..65534, empty mac).
func (a Address) IsRemoteBroadcast() bool {
	return a.Network != nil && *a.Network != GlobalBroadcastNetwork && *a.Network != 0 && a.IsBroadcast()
}

// IsValidNetwork reports whether n is a legal NPDU network number: any
// value is legal except 0, which is reserved to mean "absent" internally
// (the wire NPDU simply omits DNET/SNET in that case).
func IsValidNetwork(n uint16) bool { return n != 0 }

func (a Address) String() string {
	if a.Network == nil {
		return macString(a.MAC)
	}
	if *a.Network == GlobalBroadcastNetwork {
		return "*"
	}
	if len(a.MAC) == 0 {
		return fmt.Sprintf("%d:*", *a.Network)
	}
	return fmt.Sprintf("%d:%s", *a.Network, hex.EncodeToString(a.MAC))
}

func macString(mac []byte) string {
	switch len(mac) {
	case 6:
		// Ambiguous between IPv4 host:port and Ethernet MAC at this
		// layer; callers that know the datalink use FormatIPv4/
		// FormatEthernet instead. Default to the IPv4 rendering since
		// it is the more common local-link case.
		ip := net.IPv4(mac[0], mac[1], mac[2], mac[3])
		port := binary.BigEndian.Uint16(mac[4:6])
		return fmt.Sprintf("%s:%d", ip.String(), port)
	case 18:
		ip := net.IP(mac[0:16])
		port := binary.BigEndian.Uint16(mac[16:18])
		return fmt.Sprintf("[%s]:%d", ip.String(), port)
	default:
		return hex.EncodeToString(mac)
	}
}

// FormatIPv4 renders a 6-byte IPv4 MAC unambiguously as host:port.
func FormatIPv4(mac []byte) (string, error) {
	if len(mac) != 6 {
		return "", fmt.Errorf("address: IPv4 MAC must be 6 bytes, got %d", len(mac))
	}
	ip := net.IPv4(mac[0], mac[1], mac[2], mac[3])
	port := binary.BigEndian.Uint16(mac[4:6])
	return fmt.Sprintf("%s:%d", ip.String(), port), nil
}

// EncodeIPv4 packs a host:port pair into a 6-byte BACnet/IP MAC.
func EncodeIPv4(ip net.IP, port uint16) ([]byte, error) {
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("address: not an IPv4 address: %s", ip)
	}
	out := make([]byte, 6)
	copy(out[0:4], v4)
	binary.BigEndian.PutUint16(out[4:6], port)
	return out, nil
}

// EncodeIPv6 packs a host:port pair into an 18-byte BACnet/IPv6 MAC.
func EncodeIPv6(ip net.IP, port uint16) ([]byte, error) {
	v6 := ip.To16()
	if v6 == nil || ip.To4() != nil {
		return nil, fmt.Errorf("address: not an IPv6 address: %s", ip)
	}
	out := make([]byte, 18)
	copy(out[0:16], v6)
	binary.BigEndian.PutUint16(out[16:18], port)
	return out, nil
}

// Parse accepts the string forms in spec.md §4.2: bare IPv4 host or
// host:port, bracketed IPv6 [::1]:port, Ethernet MAC AA:BB:..., wildcard
// "*" or "N:*", and remote hex MAC "N:HH...".
func Parse(s string) (Address, error) {
	orig := s
	if s == "*" {
		return GlobalBroadcast(), nil
	}

	// "N:..." remote forms.
	if idx := strings.Index(s, ":"); idx > 0 && strings.Count(s, ":") != 5 && !strings.Contains(s[:idx], ".") && looksLikeNetworkPrefix(s, idx) {
		netPart, rest := s[:idx], s[idx+1:]
		n, err := strconv.ParseUint(netPart, 10, 32)
		if err != nil {
			return Address{}, fmt.Errorf("address: parse %q: bad network number: %w", orig, err)
		}
		if n == 0 || (n > 65534 && n != GlobalBroadcastNetwork) {
			return Address{}, fmt.Errorf("address: parse %q: network number %d out of range", orig, n)
		}
		if rest == "*" {
			return RemoteBroadcast(uint16(n)), nil
		}
		mac, err := hex.DecodeString(rest)
		if err != nil || len(mac) == 0 || len(mac) > 7 {
			return Address{}, fmt.Errorf("address: parse %q: bad remote hex MAC", orig)
		}
		return Remote(uint16(n), mac), nil
	}

	// Bracketed IPv6: [host]:port
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return Address{}, fmt.Errorf("address: parse %q: unterminated IPv6 bracket", orig)
		}
		host := s[1:end]
		rest := s[end+1:]
		port := uint16(47808)
		if strings.HasPrefix(rest, ":") {
			p, err := strconv.ParseUint(rest[1:], 10, 16)
			if err != nil {
				return Address{}, fmt.Errorf("address: parse %q: bad port: %w", orig, err)
			}
			port = uint16(p)
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return Address{}, fmt.Errorf("address: parse %q: bad IPv6 host", orig)
		}
		mac, err := EncodeIPv6(ip, port)
		if err != nil {
			return Address{}, fmt.Errorf("address: parse %q: %w", orig, err)
		}
		return Local(mac), nil
	}

	// Ethernet MAC: AA:BB:CC:DD:EE:FF
	if strings.Count(s, ":") == 5 {
		mac, err := parseHexColon(s)
		if err == nil && len(mac) == 6 {
			return Local(mac), nil
		}
	}

	// IPv4 host or host:port.
	host, portStr := s, ""
	if idx := strings.LastIndex(s, ":"); idx > 0 {
		host, portStr = s[:idx], s[idx+1:]
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return Address{}, fmt.Errorf("address: parse %q: unrecognized address form", orig)
	}
	port := uint64(47808)
	if portStr != "" {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Address{}, fmt.Errorf("address: parse %q: bad port: %w", orig, err)
		}
		port = p
	}
	mac, err := EncodeIPv4(ip, uint16(port))
	if err != nil {
		return Address{}, fmt.Errorf("address: parse %q: %w", orig, err)
	}
	return Local(mac), nil
}

// looksLikeNetworkPrefix guards against misclassifying "AA:BB:..." (an
// Ethernet MAC) as a "N:..." remote-network form: a network prefix is
// purely decimal digits.
func looksLikeNetworkPrefix(s string, colonIdx int) bool {
	prefix := s[:colonIdx]
	if prefix == "" {
		return false
	}
	for _, r := range prefix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func parseHexColon(s string) ([]byte, error) {
	parts := strings.Split(s, ":")
	out := make([]byte, len(parts))
	for i, p := range parts {
		if len(p) != 2 {
			return nil, fmt.Errorf("address: malformed hex octet %q", p)
		}
		b, err := hex.DecodeString(p)
		if err != nil {
			return nil, err
		}
		out[i] = b[0]
	}
	return out, nil
}
