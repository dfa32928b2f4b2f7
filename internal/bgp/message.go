package bgp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// NotificationError is a protocol error that is reported to the peer.
type NotificationError struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("bgp: notification %d/%d", e.Code, e.Subcode)
}

// Capability is a single OPEN capability (RFC 5492).
type Capability struct {
	Code  uint8
	Value []byte
}

// Open is a decoded OPEN message. ASN carries the 4-octet AS when the peer
// advertised it, otherwise the 2-octet My AS field.
type Open struct {
	Version      uint8
	ASN          uint32
	HoldTime     uint16
	RouterID     netip.Addr
	Capabilities []Capability
	FourOctetAS  bool
}

func newMessage(msgType uint8, bodyHint int) []byte {
	b := make([]byte, HeaderLen, HeaderLen+bodyHint)
	for i := 0; i < 16; i++ {
		b[i] = 0xFF
	}
	b[18] = msgType
	return b
}

func finishMessage(b []byte) []byte {
	binary.BigEndian.PutUint16(b[16:18], uint16(len(b)))
	return b
}

func EncodeKeepalive() []byte {
	return finishMessage(newMessage(MsgTypeKeepalive, 0))
}

func EncodeNotification(code, subcode uint8, data []byte) []byte {
	b := newMessage(MsgTypeNotification, 2+len(data))
	b = append(b, code, subcode)
	b = append(b, data...)
	return finishMessage(b)
}

// EncodeOpen builds an OPEN announcing the multiprotocol capability for afi
// and the 4-octet AS capability.
func EncodeOpen(asn uint32, holdTime uint16, routerID netip.Addr, afi uint16) []byte {
	var caps []byte
	caps = append(caps, CapMultiprotocol, 4)
	caps = binary.BigEndian.AppendUint16(caps, afi)
	caps = append(caps, 0, SAFIUnicast)
	caps = append(caps, CapFourOctetAS, 4)
	caps = binary.BigEndian.AppendUint32(caps, asn)

	myAS := uint16(asn)
	if asn > 0xFFFF {
		myAS = ASTrans
	}
	id := routerID.As4()

	b := newMessage(MsgTypeOpen, 10+2+len(caps))
	b = append(b, 4)
	b = binary.BigEndian.AppendUint16(b, myAS)
	b = binary.BigEndian.AppendUint16(b, holdTime)
	b = append(b, id[:]...)
	b = append(b, byte(2+len(caps)), optParamCapabilities, byte(len(caps)))
	b = append(b, caps...)
	return finishMessage(b)
}

// ParseOpen decodes an OPEN body (after the 19-byte header). Errors are
// *NotificationError values ready to be sent back.
func ParseOpen(body []byte) (*Open, error) {
	if len(body) < 10 {
		return nil, &NotificationError{Code: NotifMessageHeaderError, Subcode: SubcodeBadMessageLength}
	}

	o := &Open{
		Version:  body[0],
		ASN:      uint32(binary.BigEndian.Uint16(body[1:3])),
		HoldTime: binary.BigEndian.Uint16(body[3:5]),
		RouterID: netip.AddrFrom4([4]byte(body[5:9])),
	}
	if o.Version != 4 {
		return nil, &NotificationError{Code: NotifOpenMessageError, Subcode: SubcodeUnsupportedVersion, Data: []byte{0, 4}}
	}
	if o.HoldTime == 1 || o.HoldTime == 2 {
		return nil, &NotificationError{Code: NotifOpenMessageError, Subcode: SubcodeUnacceptableHold}
	}
	if o.RouterID == netip.IPv4Unspecified() {
		return nil, &NotificationError{Code: NotifOpenMessageError, Subcode: SubcodeBadBGPIdentifier}
	}

	optLen := int(body[9])
	opts := body[10:]
	if optLen != len(opts) {
		return nil, &NotificationError{Code: NotifMessageHeaderError, Subcode: SubcodeBadMessageLength}
	}

	for len(opts) > 0 {
		if len(opts) < 2 || len(opts) < 2+int(opts[1]) {
			return nil, &NotificationError{Code: NotifOpenMessageError}
		}
		ptype, plen := opts[0], int(opts[1])
		pval := opts[2 : 2+plen]
		opts = opts[2+plen:]

		if ptype != optParamCapabilities {
			continue
		}
		for len(pval) > 0 {
			if len(pval) < 2 || len(pval) < 2+int(pval[1]) {
				return nil, &NotificationError{Code: NotifOpenMessageError}
			}
			c := Capability{Code: pval[0], Value: append([]byte(nil), pval[2:2+int(pval[1])]...)}
			pval = pval[2+int(pval[1]):]
			o.Capabilities = append(o.Capabilities, c)

			if c.Code == CapFourOctetAS && len(c.Value) == 4 {
				o.FourOctetAS = true
				o.ASN = binary.BigEndian.Uint32(c.Value)
			}
		}
	}

	return o, nil
}

// ParseNotification decodes a NOTIFICATION body.
func ParseNotification(body []byte) *NotificationError {
	n := &NotificationError{}
	if len(body) >= 1 {
		n.Code = body[0]
	}
	if len(body) >= 2 {
		n.Subcode = body[1]
		n.Data = append([]byte(nil), body[2:]...)
	}
	return n
}
