package bgp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// PathAttributes holds parsed path attributes from a BGP UPDATE.
type PathAttributes struct {
	Origin    string
	ASPath    string
	Nexthop   netip.Addr
	MED       *uint32
	LocalPref *uint32
	Community []string
	// Unknown attribute type codes, in arrival order.
	Unknown []uint8

	MPReachAFI     uint16
	MPReachNexthop netip.Addr
	MPReachNLRI    []netip.Prefix
	MPUnreachAFI   uint16
	MPUnreachNLRI  []netip.Prefix
}

// ParsePathAttributes parses the path attributes section of a BGP UPDATE.
// asn4 selects 4-octet AS numbers in AS_PATH.
func ParsePathAttributes(data []byte, asn4 bool) (*PathAttributes, error) {
	attrs := &PathAttributes{}

	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return attrs, fmt.Errorf("bgp: attr header truncated at offset %d", offset)
		}

		flags := data[offset]
		typeCode := data[offset+1]
		offset += 2

		var attrLen int
		if flags&AttrFlagExtLength != 0 {
			if offset+2 > len(data) {
				return attrs, fmt.Errorf("bgp: extended attr length truncated")
			}
			attrLen = int(binary.BigEndian.Uint16(data[offset : offset+2]))
			offset += 2
		} else {
			if offset+1 > len(data) {
				return attrs, fmt.Errorf("bgp: attr length truncated")
			}
			attrLen = int(data[offset])
			offset++
		}

		if offset+attrLen > len(data) {
			return attrs, fmt.Errorf("bgp: attr data truncated (type %d, need %d, have %d)", typeCode, attrLen, len(data)-offset)
		}

		attrData := data[offset : offset+attrLen]
		offset += attrLen

		var err error
		switch typeCode {
		case AttrTypeOrigin:
			err = parseOrigin(attrData, attrs)
		case AttrTypeASPath:
			err = parseASPath(attrData, asn4, attrs)
		case AttrTypeNextHop:
			err = parseNextHop(attrData, attrs)
		case AttrTypeMED:
			attrs.MED, err = parseUint32Attr(attrData, "MED")
		case AttrTypeLocalPref:
			attrs.LocalPref, err = parseUint32Attr(attrData, "LOCAL_PREF")
		case AttrTypeCommunity:
			err = parseCommunity(attrData, attrs)
		case AttrTypeMPReachNLRI:
			err = parseMPReachNLRI(attrData, attrs)
		case AttrTypeMPUnreachNLRI:
			err = parseMPUnreachNLRI(attrData, attrs)
		default:
			attrs.Unknown = append(attrs.Unknown, typeCode)
		}
		if err != nil {
			return attrs, err
		}
	}

	return attrs, nil
}

func parseOrigin(data []byte, attrs *PathAttributes) error {
	if len(data) != 1 {
		return fmt.Errorf("bgp: ORIGIN length %d", len(data))
	}
	if v, ok := OriginValues[data[0]]; ok {
		attrs.Origin = v
	} else {
		attrs.Origin = fmt.Sprintf("UNKNOWN(%d)", data[0])
	}
	return nil
}

func parseASPath(data []byte, asn4 bool, attrs *PathAttributes) error {
	width := 2
	if asn4 {
		width = 4
	}

	var segments []string
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return fmt.Errorf("bgp: AS_PATH segment header truncated")
		}
		segType := data[offset]
		segLen := int(data[offset+1])
		offset += 2

		if offset+segLen*width > len(data) {
			return fmt.Errorf("bgp: AS_PATH segment truncated")
		}

		asns := make([]string, segLen)
		for i := 0; i < segLen; i++ {
			var asn uint32
			if asn4 {
				asn = binary.BigEndian.Uint32(data[offset : offset+4])
			} else {
				asn = uint32(binary.BigEndian.Uint16(data[offset : offset+2]))
			}
			asns[i] = strconv.FormatUint(uint64(asn), 10)
			offset += width
		}

		switch segType {
		case ASPathSegmentSequence:
			segments = append(segments, strings.Join(asns, " "))
		case ASPathSegmentSet:
			segments = append(segments, "{"+strings.Join(asns, ",")+"}")
		}
	}

	attrs.ASPath = strings.Join(segments, " ")
	return nil
}

func parseNextHop(data []byte, attrs *PathAttributes) error {
	if len(data) != 4 {
		return fmt.Errorf("bgp: NEXT_HOP length %d", len(data))
	}
	attrs.Nexthop = netip.AddrFrom4([4]byte(data))
	return nil
}

func parseUint32Attr(data []byte, name string) (*uint32, error) {
	if len(data) != 4 {
		return nil, fmt.Errorf("bgp: %s length %d", name, len(data))
	}
	v := binary.BigEndian.Uint32(data)
	return &v, nil
}

func parseCommunity(data []byte, attrs *PathAttributes) error {
	if len(data)%4 != 0 {
		return fmt.Errorf("bgp: COMMUNITY length %d", len(data))
	}
	for i := 0; i+4 <= len(data); i += 4 {
		hi := binary.BigEndian.Uint16(data[i : i+2])
		lo := binary.BigEndian.Uint16(data[i+2 : i+4])
		attrs.Community = append(attrs.Community, fmt.Sprintf("%d:%d", hi, lo))
	}
	return nil
}

func parseMPReachNLRI(data []byte, attrs *PathAttributes) error {
	// AFI(2) + SAFI(1) + NH len(1) + NH + reserved(1) + NLRI
	if len(data) < 5 {
		return fmt.Errorf("bgp: MP_REACH_NLRI too short")
	}
	afi := binary.BigEndian.Uint16(data[0:2])
	nhLen := int(data[3])
	offset := 4
	if offset+nhLen+1 > len(data) {
		return fmt.Errorf("bgp: MP_REACH_NLRI next hop truncated")
	}

	nh := data[offset : offset+nhLen]
	switch {
	case afi == AFIIPv4 && nhLen >= 4:
		attrs.MPReachNexthop = netip.AddrFrom4([4]byte(nh[:4]))
	case afi == AFIIPv6 && nhLen >= 16:
		// Global address first; a link-local may follow.
		attrs.MPReachNexthop = netip.AddrFrom16([16]byte(nh[:16]))
	}
	offset += nhLen + 1

	nlri, err := parsePrefixes(data[offset:], afi)
	if err != nil {
		return err
	}
	attrs.MPReachAFI = afi
	attrs.MPReachNLRI = nlri
	return nil
}

func parseMPUnreachNLRI(data []byte, attrs *PathAttributes) error {
	if len(data) < 3 {
		return fmt.Errorf("bgp: MP_UNREACH_NLRI too short")
	}
	afi := binary.BigEndian.Uint16(data[0:2])
	nlri, err := parsePrefixes(data[3:], afi)
	if err != nil {
		return err
	}
	attrs.MPUnreachAFI = afi
	attrs.MPUnreachNLRI = nlri
	return nil
}
