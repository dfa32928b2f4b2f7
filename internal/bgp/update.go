package bgp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Update is a decoded UPDATE message.
type Update struct {
	Withdrawn []netip.Prefix
	Announced []netip.Prefix
	Attrs     *PathAttributes
}

// EndOfRIB reports whether the update is an End-of-RIB marker (RFC 4724).
func (u *Update) EndOfRIB() bool {
	if len(u.Withdrawn) != 0 || len(u.Announced) != 0 {
		return false
	}
	a := u.Attrs
	if a == nil {
		return true
	}
	if a.MPReachAFI != 0 || len(a.MPUnreachNLRI) != 0 {
		return false
	}
	if a.MPUnreachAFI != 0 {
		return true
	}
	return a.Origin == "" && a.ASPath == "" && !a.Nexthop.IsValid()
}

// ParseUpdate parses a BGP UPDATE body (after the 19-byte header).
func ParseUpdate(data []byte, asn4 bool) (*Update, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("bgp: update payload too short (%d bytes)", len(data))
	}

	offset := 0

	withdrawnLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if offset+withdrawnLen > len(data) {
		return nil, fmt.Errorf("bgp: withdrawn length %d exceeds data", withdrawnLen)
	}

	withdrawn, err := parsePrefixes(data[offset:offset+withdrawnLen], AFIIPv4)
	if err != nil {
		return nil, fmt.Errorf("bgp: withdrawn routes: %w", err)
	}
	offset += withdrawnLen

	if offset+2 > len(data) {
		return nil, fmt.Errorf("bgp: no room for path attr length")
	}
	totalPathAttrLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2

	if offset+totalPathAttrLen > len(data) {
		return nil, fmt.Errorf("bgp: path attr length %d exceeds data", totalPathAttrLen)
	}

	attrs, err := ParsePathAttributes(data[offset:offset+totalPathAttrLen], asn4)
	if err != nil {
		return nil, fmt.Errorf("bgp: parse path attrs: %w", err)
	}
	offset += totalPathAttrLen

	announced, err := parsePrefixes(data[offset:], AFIIPv4)
	if err != nil {
		return nil, fmt.Errorf("bgp: nlri: %w", err)
	}

	return &Update{
		Withdrawn: withdrawn,
		Announced: announced,
		Attrs:     attrs,
	}, nil
}

// parsePrefixes decodes a run of length-prefixed NLRI entries.
func parsePrefixes(data []byte, afi uint16) ([]netip.Prefix, error) {
	maxBits := 32
	if afi == AFIIPv6 {
		maxBits = 128
	}

	var prefixes []netip.Prefix
	offset := 0
	for offset < len(data) {
		bits := int(data[offset])
		offset++
		if bits > maxBits {
			return nil, fmt.Errorf("bgp: prefix length %d exceeds %d", bits, maxBits)
		}
		byteLen := (bits + 7) / 8
		if offset+byteLen > len(data) {
			return nil, fmt.Errorf("bgp: prefix truncated at offset %d", offset)
		}

		var addr netip.Addr
		if maxBits == 32 {
			var b [4]byte
			copy(b[:], data[offset:offset+byteLen])
			addr = netip.AddrFrom4(b)
		} else {
			var b [16]byte
			copy(b[:], data[offset:offset+byteLen])
			addr = netip.AddrFrom16(b)
		}
		offset += byteLen

		prefixes = append(prefixes, netip.PrefixFrom(addr, bits).Masked())
	}
	return prefixes, nil
}
