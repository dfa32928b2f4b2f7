package bgp

import (
	"encoding/binary"
	"io"
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"github.com/route-beacon/route-feeder/internal/metrics"
	"github.com/route-beacon/route-feeder/internal/rib"
)

// OpenWaitTicks bounds how long a connection may stay Idle without an OPEN.
const OpenWaitTicks = 240

// Config is the per-session template shared by every engine.
type Config struct {
	ASN      uint32
	RouterID netip.Addr
	HoldTime uint16
	// PeerASN, when non-zero, is the only AS accepted from peers.
	PeerASN uint32
	// AFI selects which table routes are announced.
	AFI uint16
}

// RouteSource is the route table as seen by an engine.
type RouteSource interface {
	Routes() []rib.Entry
	Subscribe(fn func(rib.Event)) (cancel func())
}

// FSM is a passive BGP-4 speaker. It never initiates connections: it
// answers an OPEN, exports every route from its RouteSource once
// established, and follows table events afterwards. Inbound routes are
// validated and discarded.
//
// All methods are safe for concurrent use. Output is written to out while
// the engine lock is held, so out must not block.
type FSM struct {
	cfg    Config
	routes RouteSource
	out    io.Writer
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	inbuf       []byte
	peerASN     uint32
	peerID      netip.Addr
	holdTime    uint16
	sinceRecv   int
	sinceSent   int
	idleTicks   int
	builder     UpdateBuilder
	unsubscribe func()
}

func NewFSM(cfg Config, routes RouteSource, out io.Writer, logger *zap.Logger) *FSM {
	if cfg.AFI == 0 {
		cfg.AFI = AFIIPv4
	}
	return &FSM{
		cfg:    cfg,
		routes: routes,
		out:    out,
		logger: logger,
		state:  StateIdle,
	}
}

func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FSM) PeerASN() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peerASN
}

// Run consumes bytes read from the peer. Partial messages are buffered
// until the rest arrives.
func (f *FSM) Run(data []byte) Status {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state.Terminal() {
		return StatusFatal
	}
	f.inbuf = append(f.inbuf, data...)

	for len(f.inbuf) >= HeaderLen {
		for _, b := range f.inbuf[:16] {
			if b != 0xFF {
				return f.notify(&NotificationError{Code: NotifMessageHeaderError, Subcode: SubcodeConnNotSynchronized})
			}
		}
		length := int(binary.BigEndian.Uint16(f.inbuf[16:18]))
		if length < HeaderLen || length > MaxMessageLen {
			return f.notify(&NotificationError{
				Code:    NotifMessageHeaderError,
				Subcode: SubcodeBadMessageLength,
				Data:    append([]byte(nil), f.inbuf[16:18]...),
			})
		}
		if len(f.inbuf) < length {
			break
		}

		msgType := f.inbuf[18]
		body := f.inbuf[HeaderLen:length]
		status := f.handle(msgType, body)
		f.inbuf = f.inbuf[length:]
		if status != StatusOK {
			return status
		}
	}

	if len(f.inbuf) == 0 {
		f.inbuf = nil
	} else {
		f.inbuf = append([]byte(nil), f.inbuf...)
	}
	return StatusOK
}

func (f *FSM) handle(msgType uint8, body []byte) Status {
	metrics.BGPMessagesTotal.WithLabelValues("in", msgTypeName(msgType)).Inc()

	if !validBodyLen(msgType, len(body)) {
		return f.notify(&NotificationError{
			Code:    NotifMessageHeaderError,
			Subcode: SubcodeBadMessageLength,
			Data:    binary.BigEndian.AppendUint16(nil, uint16(HeaderLen+len(body))),
		})
	}

	switch msgType {
	case MsgTypeOpen:
		if f.state != StateIdle {
			return f.notify(&NotificationError{Code: NotifFSMError})
		}
		return f.handleOpen(body)

	case MsgTypeKeepalive:
		switch f.state {
		case StateOpenConfirm:
			f.sinceRecv = 0
			f.establish()
		case StateEstablished:
			f.sinceRecv = 0
		default:
			return f.notify(&NotificationError{Code: NotifFSMError})
		}

	case MsgTypeUpdate:
		if f.state != StateEstablished {
			return f.notify(&NotificationError{Code: NotifFSMError})
		}
		u, err := ParseUpdate(body, f.builder.ASN4)
		if err != nil {
			f.logger.Warn("malformed update from peer", zap.Error(err))
			return f.notify(&NotificationError{Code: NotifUpdateMessageError, Subcode: SubcodeMalformedAttrList})
		}
		f.sinceRecv = 0
		if !u.EndOfRIB() {
			f.logger.Debug("rejected inbound update",
				zap.Int("announced", len(u.Announced)),
				zap.Int("withdrawn", len(u.Withdrawn)),
			)
		}

	case MsgTypeNotification:
		n := ParseNotification(body)
		f.logger.Warn("notification from peer",
			zap.Uint8("code", n.Code),
			zap.Uint8("subcode", n.Subcode),
			zap.Uint32("peer_asn", f.peerASN),
		)
		f.close()
		return StatusReset

	default:
		return f.notify(&NotificationError{
			Code:    NotifMessageHeaderError,
			Subcode: SubcodeBadMessageType,
			Data:    []byte{msgType},
		})
	}

	if f.state == StateBroken {
		return StatusFatal
	}
	return StatusOK
}

func validBodyLen(msgType uint8, n int) bool {
	switch msgType {
	case MsgTypeOpen:
		return n >= 10
	case MsgTypeUpdate:
		return n >= 4
	case MsgTypeNotification:
		return n >= 2
	case MsgTypeKeepalive:
		return n == 0
	}
	return true
}

func (f *FSM) handleOpen(body []byte) Status {
	open, err := ParseOpen(body)
	if err != nil {
		f.logger.Warn("rejected open", zap.Error(err))
		return f.notify(err.(*NotificationError))
	}
	if f.cfg.PeerASN != 0 && open.ASN != f.cfg.PeerASN {
		f.logger.Warn("unexpected peer AS",
			zap.Uint32("peer_asn", open.ASN),
			zap.Uint32("expected", f.cfg.PeerASN),
		)
		return f.notify(&NotificationError{Code: NotifOpenMessageError, Subcode: SubcodeBadPeerAS})
	}

	f.peerASN = open.ASN
	f.peerID = open.RouterID
	f.holdTime = min(f.cfg.HoldTime, open.HoldTime)
	f.builder = UpdateBuilder{
		LocalASN: f.cfg.ASN,
		IBGP:     open.ASN == f.cfg.ASN,
		ASN4:     open.FourOctetAS,
	}

	f.send(MsgTypeOpen, EncodeOpen(f.cfg.ASN, f.cfg.HoldTime, f.cfg.RouterID, f.cfg.AFI))
	f.send(MsgTypeKeepalive, EncodeKeepalive())
	if f.state == StateBroken {
		return StatusFatal
	}
	f.state = StateOpenConfirm
	f.sinceRecv = 0

	f.logger.Info("open received",
		zap.Uint32("peer_asn", open.ASN),
		zap.String("peer_id", open.RouterID.String()),
		zap.Uint16("hold_time", f.holdTime),
		zap.Bool("ibgp", f.builder.IBGP),
	)
	return StatusOK
}

// establish moves to Established, subscribes to table changes and then
// dumps the table followed by End-of-RIB.
func (f *FSM) establish() {
	f.state = StateEstablished
	f.unsubscribe = f.routes.Subscribe(f.onEvent)

	entries := f.routes.Routes()
	f.announce(entries)
	f.send(MsgTypeUpdate, f.builder.EndOfRIB(f.cfg.AFI))

	f.logger.Info("session established",
		zap.Uint32("peer_asn", f.peerASN),
		zap.Int("routes", len(entries)),
	)
}

func (f *FSM) onEvent(ev rib.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateEstablished {
		return
	}
	switch ev.Kind {
	case rib.EventAdd:
		f.announce(ev.Entries)
	case rib.EventWithdraw:
		var prefixes []netip.Prefix
		for _, e := range ev.Entries {
			if f.wants(e.Prefix) {
				prefixes = append(prefixes, e.Prefix)
			}
		}
		for _, msg := range f.builder.Withdraw(prefixes) {
			f.send(MsgTypeUpdate, msg)
		}
	}
}

func (f *FSM) wants(p netip.Prefix) bool {
	if f.cfg.AFI == AFIIPv6 {
		return p.Addr().Is6()
	}
	return p.Addr().Is4()
}

// announce sends entries grouped by next hop, preserving their order.
func (f *FSM) announce(entries []rib.Entry) {
	var order []netip.Addr
	groups := make(map[netip.Addr][]netip.Prefix)
	for _, e := range entries {
		if !f.wants(e.Prefix) || e.Prefix.Addr().Is4() != e.Nexthop.Is4() {
			continue
		}
		if _, ok := groups[e.Nexthop]; !ok {
			order = append(order, e.Nexthop)
		}
		groups[e.Nexthop] = append(groups[e.Nexthop], e.Prefix)
	}
	for _, nh := range order {
		for _, msg := range f.builder.Announce(groups[nh], nh) {
			f.send(MsgTypeUpdate, msg)
		}
	}
}

// Tick advances the engine's timers by one second.
func (f *FSM) Tick() {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateIdle:
		f.idleTicks++
		if f.idleTicks >= OpenWaitTicks {
			f.logger.Info("no open received, closing")
			f.close()
		}
	case StateOpenConfirm, StateEstablished:
		if f.holdTime == 0 {
			return
		}
		f.sinceRecv++
		if f.sinceRecv >= int(f.holdTime) {
			f.logger.Warn("hold timer expired", zap.Uint32("peer_asn", f.peerASN))
			f.notify(&NotificationError{Code: NotifHoldTimerExpired})
			return
		}
		f.sinceSent++
		if f.sinceSent >= int(f.holdTime/3) {
			f.send(MsgTypeKeepalive, EncodeKeepalive())
		}
	}
}

// Stop sends a Cease if the session got past Idle and closes the engine.
func (f *FSM) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateIdle:
		f.close()
	case StateOpenConfirm, StateEstablished:
		f.notify(&NotificationError{Code: NotifCease, Subcode: SubcodeAdminShutdown})
	}
}

// ResetHard drops all session state without talking to the peer.
func (f *FSM) ResetHard() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.close()
	f.inbuf = nil
}

func (f *FSM) notify(n *NotificationError) Status {
	f.send(MsgTypeNotification, EncodeNotification(n.Code, n.Subcode, n.Data))
	f.close()
	return StatusNotificationSent
}

func (f *FSM) close() {
	if f.unsubscribe != nil {
		f.unsubscribe()
		f.unsubscribe = nil
	}
	if f.state != StateBroken {
		f.state = StateClosed
	}
}

func (f *FSM) send(msgType uint8, msg []byte) {
	if f.state == StateBroken {
		return
	}
	if _, err := f.out.Write(msg); err != nil {
		f.logger.Warn("write to peer failed", zap.Error(err))
		if f.unsubscribe != nil {
			f.unsubscribe()
			f.unsubscribe = nil
		}
		f.state = StateBroken
		return
	}
	f.sinceSent = 0
	metrics.BGPMessagesTotal.WithLabelValues("out", msgTypeName(msgType)).Inc()
}
