package delegation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"

	"go4.org/netipx"
)

type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
)

var ErrMalformedRecord = errors.New("delegation: malformed record")

// Feed field positions: registry|cc|type|start|value|date|status[|extensions]
const (
	fieldRegistry = iota
	fieldCountry
	fieldType
	fieldStart
	fieldValue
)

// Filter selects the delegations that become routes.
type Filter struct {
	Country string
	Family  Family
}

// Parse returns the prefixes described by one feed line. Lines for another
// country or address family (including the version and summary lines) yield
// nil without error.
//
// For ipv4 the value field is an address count. A count that is not a power
// of two, or a start that is not aligned to it, is decomposed into the
// minimal set of prefixes that covers exactly [start, start+count).
// For ipv6 the value field is the prefix length.
func (f Filter) Parse(line []byte) ([]netip.Prefix, error) {
	fields := strings.Split(string(line), "|")
	if len(fields) <= fieldType {
		return nil, nil
	}
	if fields[fieldCountry] != f.Country || fields[fieldType] != string(f.Family) {
		return nil, nil
	}
	if len(fields) <= fieldValue {
		return nil, fmt.Errorf("%w: %d fields", ErrMalformedRecord, len(fields))
	}

	start, err := netip.ParseAddr(fields[fieldStart])
	if err != nil {
		return nil, fmt.Errorf("%w: start %q: %v", ErrMalformedRecord, fields[fieldStart], err)
	}
	value, err := strconv.ParseUint(fields[fieldValue], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: value %q: %v", ErrMalformedRecord, fields[fieldValue], err)
	}

	switch f.Family {
	case FamilyIPv4:
		if !start.Is4() {
			return nil, fmt.Errorf("%w: %s is not an IPv4 address", ErrMalformedRecord, start)
		}
		return rangePrefixes4(start, value)
	case FamilyIPv6:
		if !start.Is6() || start.Is4In6() {
			return nil, fmt.Errorf("%w: %s is not an IPv6 address", ErrMalformedRecord, start)
		}
		if value > 128 {
			return nil, fmt.Errorf("%w: prefix length %d", ErrMalformedRecord, value)
		}
		p := netip.PrefixFrom(start, int(value))
		if p.Masked().Addr() != start {
			return nil, fmt.Errorf("%w: %s has host bits set", ErrMalformedRecord, p)
		}
		return []netip.Prefix{p}, nil
	default:
		return nil, fmt.Errorf("delegation: unsupported family %q", f.Family)
	}
}

func rangePrefixes4(start netip.Addr, count uint64) ([]netip.Prefix, error) {
	if count == 0 {
		return nil, fmt.Errorf("%w: zero address count", ErrMalformedRecord)
	}
	b := start.As4()
	first := uint64(binary.BigEndian.Uint32(b[:]))
	last := first + count - 1
	if last > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %s + %d overflows the address space", ErrMalformedRecord, start, count)
	}

	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(last))
	r := netipx.IPRangeFrom(start, netip.AddrFrom4(lb))
	if !r.IsValid() {
		return nil, fmt.Errorf("%w: invalid range %s", ErrMalformedRecord, r)
	}
	return r.Prefixes(), nil
}
