package session

import (
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/route-feeder/internal/bgp"
	"github.com/route-beacon/route-feeder/internal/metrics"
)

const (
	readBufferSize = 4096
	writeTimeout   = 30 * time.Second
)

// Engine is the protocol state machine driven by a session.
type Engine interface {
	Tick()
	Run(data []byte) bgp.Status
	State() bgp.State
	Stop()
	ResetHard()
	PeerASN() uint32
}

// EngineFactory creates the engine for a new session. out is the
// session's outbound queue and never blocks.
type EngineFactory func(out io.Writer) Engine

// Info is a point-in-time view of a session.
type Info struct {
	ID      uint64    `json:"id"`
	Peer    string    `json:"peer"`
	PeerASN uint32    `json:"peer_asn"`
	State   string    `json:"state"`
	Since   time.Time `json:"since"`
}

// Session is one accepted peer connection and its engine.
type Session struct {
	id      uint64
	peer    string
	conn    net.Conn
	engine  Engine
	out     *outbox
	started time.Time
	logger  *zap.Logger

	writerDone chan struct{}
}

func New(conn net.Conn, factory EngineFactory, logger *zap.Logger) *Session {
	s := &Session{
		peer:       conn.RemoteAddr().String(),
		conn:       conn,
		out:        newOutbox(),
		started:    time.Now(),
		writerDone: make(chan struct{}),
	}
	s.engine = factory(s.out)
	s.logger = logger.With(zap.String("peer", s.peer))
	return s
}

func (s *Session) ID() uint64 { return s.id }

func (s *Session) Peer() string { return s.peer }

func (s *Session) Info() Info {
	return Info{
		ID:      s.id,
		Peer:    s.peer,
		PeerASN: s.engine.PeerASN(),
		State:   s.engine.State().String(),
		Since:   s.started,
	}
}

// Serve runs the read loop until the peer goes away or the engine reports
// a terminal status, then tears the session down and removes it from reg.
func (s *Session) Serve(reg *Registry) {
	go s.writeLoop()

	reason := "eof"
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			st := s.engine.Run(buf[:n])
			if st <= bgp.StatusReset || st == bgp.StatusNotificationSent {
				reason = statusReason(st)
				break
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				reason = "read_error"
				s.logger.Debug("session read failed", zap.Error(err))
			}
			break
		}
	}

	// Flush whatever the engine queued (a NOTIFICATION, typically) before
	// the connection goes away.
	s.out.close()
	<-s.writerDone
	s.conn.Close()
	s.engine.ResetHard()
	reg.Remove(s)

	metrics.SessionsTotal.WithLabelValues("closed").Inc()
	s.logger.Info("session closed",
		zap.Uint64("id", s.id),
		zap.Uint32("peer_asn", s.engine.PeerASN()),
		zap.String("reason", reason),
		zap.Duration("duration", time.Since(s.started)),
	)
}

func statusReason(st bgp.Status) string {
	switch st {
	case bgp.StatusFatal:
		return "fatal"
	case bgp.StatusReset:
		return "peer_notification"
	case bgp.StatusNotificationSent:
		return "notification_sent"
	}
	return "unknown"
}

// Stop asks the engine to shut the session down. The connection is closed
// once the queued output has been written.
func (s *Session) Stop() {
	s.engine.Stop()
	s.out.close()
}

// tick advances the engine timers and reports whether the session is
// still live. A panic in the engine ends the session, not the iteration.
func (s *Session) tick() (live bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SessionsTotal.WithLabelValues("panicked").Inc()
			s.logger.Error("engine tick panicked", zap.Any("panic", r), zap.Stack("stack"))
			live = false
		}
	}()

	if s.engine.State().Terminal() {
		return false
	}
	s.engine.Tick()
	return true
}

// shutdown closes the session without notifying the peer.
func (s *Session) shutdown() {
	s.out.close()
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	defer s.conn.Close()

	for {
		batch, ok := s.out.next()
		if !ok {
			return
		}
		for _, msg := range batch {
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := s.conn.Write(msg); err != nil {
				s.logger.Debug("session write failed", zap.Error(err))
				s.out.close()
				return
			}
		}
	}
}
