package bgp

import (
	"errors"
	"net/netip"
	"testing"
)

func TestOpen_RoundTrip(t *testing.T) {
	msg := EncodeOpen(4200000000, 90, netip.MustParseAddr("192.0.2.1"), AFIIPv6)
	typ, body := splitMessage(t, msg)
	if typ != MsgTypeOpen {
		t.Fatalf("expected OPEN, got type %d", typ)
	}

	o, err := ParseOpen(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Version != 4 || o.HoldTime != 90 {
		t.Errorf("unexpected version %d hold %d", o.Version, o.HoldTime)
	}
	if !o.FourOctetAS || o.ASN != 4200000000 {
		t.Errorf("expected 4-octet AS 4200000000, got %d (4-octet=%v)", o.ASN, o.FourOctetAS)
	}
	if o.RouterID.String() != "192.0.2.1" {
		t.Errorf("unexpected router id %s", o.RouterID)
	}

	var mp bool
	for _, c := range o.Capabilities {
		if c.Code == CapMultiprotocol && len(c.Value) == 4 && c.Value[1] == byte(AFIIPv6) && c.Value[3] == SAFIUnicast {
			mp = true
		}
	}
	if !mp {
		t.Errorf("expected multiprotocol IPv6 unicast capability, got %+v", o.Capabilities)
	}
}

func TestParseOpen_Errors(t *testing.T) {
	valid := EncodeOpen(64512, 90, netip.MustParseAddr("192.0.2.1"), AFIIPv4)[HeaderLen:]

	mutate := func(f func(b []byte)) []byte {
		b := append([]byte(nil), valid...)
		f(b)
		return b
	}

	cases := []struct {
		name    string
		body    []byte
		code    uint8
		subcode uint8
	}{
		{"short", valid[:5], NotifMessageHeaderError, SubcodeBadMessageLength},
		{"version", mutate(func(b []byte) { b[0] = 3 }), NotifOpenMessageError, SubcodeUnsupportedVersion},
		{"hold time", mutate(func(b []byte) { b[3], b[4] = 0, 2 }), NotifOpenMessageError, SubcodeUnacceptableHold},
		{"router id", mutate(func(b []byte) { b[5], b[6], b[7], b[8] = 0, 0, 0, 0 }), NotifOpenMessageError, SubcodeBadBGPIdentifier},
		{"opt length", mutate(func(b []byte) { b[9]++ }), NotifMessageHeaderError, SubcodeBadMessageLength},
	}
	for _, tc := range cases {
		_, err := ParseOpen(tc.body)
		var n *NotificationError
		if !errors.As(err, &n) {
			t.Errorf("%s: expected NotificationError, got %v", tc.name, err)
			continue
		}
		if n.Code != tc.code || n.Subcode != tc.subcode {
			t.Errorf("%s: expected %d/%d, got %d/%d", tc.name, tc.code, tc.subcode, n.Code, n.Subcode)
		}
	}
}

func TestParseOpen_ZeroHoldTime(t *testing.T) {
	body := EncodeOpen(64512, 0, netip.MustParseAddr("192.0.2.1"), AFIIPv4)[HeaderLen:]
	o, err := ParseOpen(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.HoldTime != 0 {
		t.Errorf("expected hold time 0, got %d", o.HoldTime)
	}
}

func TestNotification_RoundTrip(t *testing.T) {
	typ, body := splitMessage(t, EncodeNotification(NotifCease, SubcodeAdminShutdown, []byte("bye")))
	if typ != MsgTypeNotification {
		t.Fatalf("expected NOTIFICATION, got type %d", typ)
	}
	n := ParseNotification(body)
	if n.Code != NotifCease || n.Subcode != SubcodeAdminShutdown || string(n.Data) != "bye" {
		t.Errorf("unexpected notification %+v", n)
	}
}

func TestKeepalive(t *testing.T) {
	typ, body := splitMessage(t, EncodeKeepalive())
	if typ != MsgTypeKeepalive || len(body) != 0 {
		t.Errorf("unexpected keepalive type %d body %v", typ, body)
	}
}
