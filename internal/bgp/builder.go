package bgp

import (
	"encoding/binary"
	"net/netip"
)

// UpdateBuilder encodes outbound UPDATE messages for one session.
type UpdateBuilder struct {
	LocalASN uint32
	// IBGP drops the local AS from AS_PATH and adds LOCAL_PREF.
	IBGP bool
	// ASN4 is set when the peer advertised the 4-octet AS capability.
	ASN4 bool
}

const defaultLocalPref = 100

func appendAttr(b []byte, flags, typeCode uint8, value []byte) []byte {
	if len(value) > 255 {
		b = append(b, flags|AttrFlagExtLength, typeCode)
		b = binary.BigEndian.AppendUint16(b, uint16(len(value)))
	} else {
		b = append(b, flags, typeCode, byte(len(value)))
	}
	return append(b, value...)
}

func appendPrefix(b []byte, p netip.Prefix) []byte {
	bits := p.Bits()
	b = append(b, byte(bits))
	return append(b, p.Addr().AsSlice()[:(bits+7)/8]...)
}

func prefixLen(p netip.Prefix) int {
	return 1 + (p.Bits()+7)/8
}

// baseAttrs encodes ORIGIN, AS_PATH and, for iBGP, LOCAL_PREF.
func (b UpdateBuilder) baseAttrs() []byte {
	var out []byte
	out = appendAttr(out, AttrFlagTransitive, AttrTypeOrigin, []byte{OriginIGP})

	if b.IBGP {
		out = appendAttr(out, AttrFlagTransitive, AttrTypeASPath, nil)
		lp := binary.BigEndian.AppendUint32(nil, defaultLocalPref)
		return appendAttr(out, AttrFlagTransitive, AttrTypeLocalPref, lp)
	}

	seg := []byte{ASPathSegmentSequence, 1}
	if b.ASN4 {
		seg = binary.BigEndian.AppendUint32(seg, b.LocalASN)
		return appendAttr(out, AttrFlagTransitive, AttrTypeASPath, seg)
	}

	as2 := uint16(b.LocalASN)
	if b.LocalASN > 0xFFFF {
		as2 = ASTrans
	}
	seg = binary.BigEndian.AppendUint16(seg, as2)
	out = appendAttr(out, AttrFlagTransitive, AttrTypeASPath, seg)
	if b.LocalASN > 0xFFFF {
		seg4 := []byte{ASPathSegmentSequence, 1}
		seg4 = binary.BigEndian.AppendUint32(seg4, b.LocalASN)
		out = appendAttr(out, AttrFlagOptional|AttrFlagTransitive, AttrTypeAS4Path, seg4)
	}
	return out
}

// chunkPrefixes splits prefixes into runs whose encoded NLRI fits budget.
func chunkPrefixes(prefixes []netip.Prefix, budget int) [][]netip.Prefix {
	var chunks [][]netip.Prefix
	start, size := 0, 0
	for i, p := range prefixes {
		n := prefixLen(p)
		if size+n > budget && i > start {
			chunks = append(chunks, prefixes[start:i])
			start, size = i, 0
		}
		size += n
	}
	if start < len(prefixes) {
		chunks = append(chunks, prefixes[start:])
	}
	return chunks
}

func encodeUpdate(withdrawn, attrs, nlri []byte) []byte {
	m := newMessage(MsgTypeUpdate, 4+len(withdrawn)+len(attrs)+len(nlri))
	m = binary.BigEndian.AppendUint16(m, uint16(len(withdrawn)))
	m = append(m, withdrawn...)
	m = binary.BigEndian.AppendUint16(m, uint16(len(attrs)))
	m = append(m, attrs...)
	m = append(m, nlri...)
	return finishMessage(m)
}

// Announce encodes prefixes reachable via nexthop into as many UPDATEs as
// needed to stay within MaxMessageLen. IPv4 prefixes use the NLRI field
// and NEXT_HOP; IPv6 prefixes use MP_REACH_NLRI.
func (b UpdateBuilder) Announce(prefixes []netip.Prefix, nexthop netip.Addr) [][]byte {
	if len(prefixes) == 0 {
		return nil
	}
	base := b.baseAttrs()

	var msgs [][]byte
	if nexthop.Is4() {
		attrs := appendAttr(append([]byte(nil), base...), AttrFlagTransitive, AttrTypeNextHop, nexthop.AsSlice())
		budget := MaxMessageLen - HeaderLen - 4 - len(attrs)
		for _, chunk := range chunkPrefixes(prefixes, budget) {
			var nlri []byte
			for _, p := range chunk {
				nlri = appendPrefix(nlri, p)
			}
			msgs = append(msgs, encodeUpdate(nil, attrs, nlri))
		}
		return msgs
	}

	// MP_REACH: AFI(2) SAFI(1) NHlen(1) NH(16) reserved(1), always extended length.
	budget := MaxMessageLen - HeaderLen - 4 - len(base) - 4 - 5 - 16
	for _, chunk := range chunkPrefixes(prefixes, budget) {
		reach := binary.BigEndian.AppendUint16(nil, AFIIPv6)
		reach = append(reach, SAFIUnicast, 16)
		reach = append(reach, nexthop.AsSlice()...)
		reach = append(reach, 0)
		for _, p := range chunk {
			reach = appendPrefix(reach, p)
		}
		attrs := append([]byte(nil), base...)
		attrs = append(attrs, AttrFlagOptional|AttrFlagExtLength, AttrTypeMPReachNLRI)
		attrs = binary.BigEndian.AppendUint16(attrs, uint16(len(reach)))
		attrs = append(attrs, reach...)
		msgs = append(msgs, encodeUpdate(nil, attrs, nil))
	}
	return msgs
}

// Withdraw encodes withdrawals for prefixes, split to fit MaxMessageLen.
// All prefixes must be of the same family.
func (b UpdateBuilder) Withdraw(prefixes []netip.Prefix) [][]byte {
	if len(prefixes) == 0 {
		return nil
	}

	var msgs [][]byte
	if prefixes[0].Addr().Is4() {
		budget := MaxMessageLen - HeaderLen - 4
		for _, chunk := range chunkPrefixes(prefixes, budget) {
			var withdrawn []byte
			for _, p := range chunk {
				withdrawn = appendPrefix(withdrawn, p)
			}
			msgs = append(msgs, encodeUpdate(withdrawn, nil, nil))
		}
		return msgs
	}

	budget := MaxMessageLen - HeaderLen - 4 - 4 - 3
	for _, chunk := range chunkPrefixes(prefixes, budget) {
		unreach := binary.BigEndian.AppendUint16(nil, AFIIPv6)
		unreach = append(unreach, SAFIUnicast)
		for _, p := range chunk {
			unreach = appendPrefix(unreach, p)
		}
		attrs := []byte{AttrFlagOptional | AttrFlagExtLength, AttrTypeMPUnreachNLRI}
		attrs = binary.BigEndian.AppendUint16(attrs, uint16(len(unreach)))
		attrs = append(attrs, unreach...)
		msgs = append(msgs, encodeUpdate(nil, attrs, nil))
	}
	return msgs
}

// EndOfRIB encodes the End-of-RIB marker for afi.
func (b UpdateBuilder) EndOfRIB(afi uint16) []byte {
	if afi == AFIIPv4 {
		return encodeUpdate(nil, nil, nil)
	}
	unreach := binary.BigEndian.AppendUint16(nil, afi)
	unreach = append(unreach, SAFIUnicast)
	return encodeUpdate(nil, appendAttr(nil, AttrFlagOptional, AttrTypeMPUnreachNLRI, unreach), nil)
}
