package bgp

// BGP path attribute type codes.
const (
	AttrTypeOrigin        uint8 = 1
	AttrTypeASPath        uint8 = 2
	AttrTypeNextHop       uint8 = 3
	AttrTypeMED           uint8 = 4
	AttrTypeLocalPref     uint8 = 5
	AttrTypeCommunity     uint8 = 8
	AttrTypeMPReachNLRI   uint8 = 14
	AttrTypeMPUnreachNLRI uint8 = 15
	AttrTypeAS4Path       uint8 = 17
)

// Path attribute flags.
const (
	AttrFlagOptional   uint8 = 0x80
	AttrFlagTransitive uint8 = 0x40
	AttrFlagExtLength  uint8 = 0x10
)

// AFI codes.
const (
	AFIIPv4 uint16 = 1
	AFIIPv6 uint16 = 2
)

// SAFI codes.
const (
	SAFIUnicast uint8 = 1
)

// AS_PATH segment types.
const (
	ASPathSegmentSet      uint8 = 1
	ASPathSegmentSequence uint8 = 2
)

// Origin values.
const (
	OriginIGP        uint8 = 0
	OriginEGP        uint8 = 1
	OriginIncomplete uint8 = 2
)

var OriginValues = map[uint8]string{
	OriginIGP:        "IGP",
	OriginEGP:        "EGP",
	OriginIncomplete: "INCOMPLETE",
}

// BGP message types.
const (
	MsgTypeOpen         uint8 = 1
	MsgTypeUpdate       uint8 = 2
	MsgTypeNotification uint8 = 3
	MsgTypeKeepalive    uint8 = 4
)

var msgTypeNames = map[uint8]string{
	MsgTypeOpen:         "open",
	MsgTypeUpdate:       "update",
	MsgTypeNotification: "notification",
	MsgTypeKeepalive:    "keepalive",
}

func msgTypeName(t uint8) string {
	if n, ok := msgTypeNames[t]; ok {
		return n
	}
	return "unknown"
}

// Message framing: marker(16) + length(2) + type(1) = 19.
const (
	HeaderLen     = 19
	MaxMessageLen = 4096
)

// Capability codes.
const (
	CapMultiprotocol uint8 = 1
	CapFourOctetAS   uint8 = 65
)

const (
	optParamCapabilities uint8 = 2
	// ASTrans stands in for a 4-octet AS in 2-octet fields.
	ASTrans uint16 = 23456
)

// NOTIFICATION error codes and the subcodes used here.
const (
	NotifMessageHeaderError uint8 = 1
	NotifOpenMessageError   uint8 = 2
	NotifUpdateMessageError uint8 = 3
	NotifHoldTimerExpired   uint8 = 4
	NotifFSMError           uint8 = 5
	NotifCease              uint8 = 6

	SubcodeConnNotSynchronized uint8 = 1
	SubcodeBadMessageLength    uint8 = 2
	SubcodeBadMessageType      uint8 = 3

	SubcodeUnsupportedVersion uint8 = 1
	SubcodeBadPeerAS          uint8 = 2
	SubcodeBadBGPIdentifier   uint8 = 3
	SubcodeUnacceptableHold   uint8 = 6

	SubcodeMalformedAttrList uint8 = 1

	SubcodeAdminShutdown uint8 = 2
)

// State is the engine's session state.
type State int

const (
	StateIdle State = iota
	StateOpenConfirm
	StateEstablished
	// StateClosed is idle after a notification, a stop or a reset.
	StateClosed
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpenConfirm:
		return "open_confirm"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session can no longer make progress.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateBroken
}

// Status is returned by FSM.Run.
type Status int

const (
	// StatusFatal: the engine is unusable (already terminal or broken output).
	StatusFatal Status = -1
	// StatusReset: the peer sent a NOTIFICATION.
	StatusReset Status = 0
	StatusOK    Status = 1
	// StatusNotificationSent: a NOTIFICATION went to the peer; close the connection.
	StatusNotificationSent Status = 2
)
