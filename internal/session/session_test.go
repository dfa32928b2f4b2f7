package session

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/route-beacon/route-feeder/internal/bgp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeEngine struct {
	mu     sync.Mutex
	out    io.Writer
	state  bgp.State
	ticks  int
	resets int
	panics bool
	onRun  func(out io.Writer, data []byte) bgp.Status
	onStop func(out io.Writer)
}

func (e *fakeEngine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ticks++
	if e.panics {
		panic("tick failed")
	}
}

func (e *fakeEngine) Run(data []byte) bgp.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.onRun == nil {
		return bgp.StatusOK
	}
	return e.onRun(e.out, data)
}

func (e *fakeEngine) State() bgp.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *fakeEngine) setState(s bgp.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

func (e *fakeEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.onStop != nil {
		e.onStop(e.out)
	}
	e.state = bgp.StateClosed
}

func (e *fakeEngine) ResetHard() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resets++
	e.state = bgp.StateClosed
}

func (e *fakeEngine) PeerASN() uint32 { return 64513 }

func (e *fakeEngine) counts() (ticks, resets int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ticks, e.resets
}

// newPipeSession returns a session on one end of a pipe and the peer end.
func newPipeSession(t *testing.T, eng *fakeEngine) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	s := New(server, func(out io.Writer) Engine {
		eng.out = out
		return eng
	}, zap.NewNop())
	return s, client
}

func serve(s *Session, reg *Registry) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Serve(reg)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session to finish")
	}
}

func TestServe_ZeroByteConnection(t *testing.T) {
	reg := NewRegistry()
	eng := &fakeEngine{}
	s, client := newPipeSession(t, eng)
	reg.Add(s)
	if reg.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", reg.Len())
	}

	done := serve(s, reg)
	client.Close()
	waitDone(t, done)

	if reg.Len() != 0 {
		t.Errorf("expected registry to be empty, got %d", reg.Len())
	}
	if _, resets := eng.counts(); resets != 1 {
		t.Errorf("expected engine reset once, got %d", resets)
	}
}

func TestServe_FlushesNotificationBeforeClose(t *testing.T) {
	reg := NewRegistry()
	eng := &fakeEngine{
		onRun: func(out io.Writer, data []byte) bgp.Status {
			out.Write([]byte("notification"))
			return bgp.StatusNotificationSent
		},
	}
	s, client := newPipeSession(t, eng)
	reg.Add(s)
	done := serve(s, reg)

	got := make(chan []byte)
	go func() {
		b, _ := io.ReadAll(client)
		got <- b
	}()
	if _, err := client.Write([]byte("garbage")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if b := <-got; string(b) != "notification" {
		t.Errorf("expected peer to read %q, got %q", "notification", b)
	}
	waitDone(t, done)
	client.Close()
	if reg.Len() != 0 {
		t.Errorf("expected registry to be empty, got %d", reg.Len())
	}
}

func TestServe_StatusOKContinues(t *testing.T) {
	reg := NewRegistry()
	var runs int
	eng := &fakeEngine{
		onRun: func(out io.Writer, data []byte) bgp.Status {
			runs++
			return bgp.StatusOK
		},
	}
	s, client := newPipeSession(t, eng)
	reg.Add(s)
	done := serve(s, reg)

	for i := 0; i < 3; i++ {
		if _, err := client.Write([]byte{byte(i)}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	client.Close()
	waitDone(t, done)

	if runs != 3 {
		t.Errorf("expected 3 runs, got %d", runs)
	}
}

func TestSession_Stop(t *testing.T) {
	reg := NewRegistry()
	eng := &fakeEngine{
		onStop: func(out io.Writer) { out.Write([]byte("cease")) },
	}
	s, client := newPipeSession(t, eng)
	reg.Add(s)
	done := serve(s, reg)

	got := make(chan []byte)
	go func() {
		b, _ := io.ReadAll(client)
		got <- b
	}()

	reg.StopAll()
	if b := <-got; string(b) != "cease" {
		t.Errorf("expected peer to read %q, got %q", "cease", b)
	}
	waitDone(t, done)
	client.Close()

	// A second stop is harmless.
	s.Stop()
}

func TestRegistry_RemoveByIdentity(t *testing.T) {
	reg := NewRegistry()
	s1, c1 := newPipeSession(t, &fakeEngine{})
	s2, c2 := newPipeSession(t, &fakeEngine{})
	defer func() {
		for _, c := range []net.Conn{c1, c2, s1.conn, s2.conn} {
			c.Close()
		}
	}()

	if s1.Peer() != s2.Peer() {
		t.Fatalf("expected pipe sessions to share a peer address, got %q and %q", s1.Peer(), s2.Peer())
	}
	reg.Add(s1)
	reg.Add(s2)
	if s1.ID() == s2.ID() {
		t.Fatal("expected distinct ids")
	}

	if !reg.Remove(s1) {
		t.Fatal("expected s1 to be removed")
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", reg.Len())
	}
	if list := reg.List(); len(list) != 1 || list[0].ID != s2.ID() {
		t.Errorf("expected only s2 to remain, got %+v", list)
	}
	if reg.Remove(s1) {
		t.Error("expected removing an absent session to be a no-op")
	}
}

func TestRegistry_TickPrunesTerminal(t *testing.T) {
	reg := NewRegistry()
	live := &fakeEngine{}
	dead := &fakeEngine{}
	sLive, cLive := newPipeSession(t, live)
	sDead, cDead := newPipeSession(t, dead)
	reg.Add(sLive)
	reg.Add(sDead)
	doneLive := serve(sLive, reg)
	doneDead := serve(sDead, reg)

	dead.setState(bgp.StateBroken)
	if pruned := reg.Tick(); pruned != 1 {
		t.Fatalf("expected 1 pruned session, got %d", pruned)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", reg.Len())
	}
	waitDone(t, doneDead)

	reg.Tick()
	if ticks, _ := live.counts(); ticks != 2 {
		t.Errorf("expected live engine ticked twice, got %d", ticks)
	}
	if ticks, _ := dead.counts(); ticks != 0 {
		t.Errorf("expected pruned engine never ticked, got %d", ticks)
	}

	cLive.Close()
	cDead.Close()
	waitDone(t, doneLive)
	if reg.Len() != 0 {
		t.Errorf("expected registry to be empty, got %d", reg.Len())
	}
}

func TestRegistry_TickSurvivesEnginePanic(t *testing.T) {
	reg := NewRegistry()
	bad := &fakeEngine{panics: true}
	sBad, cBad := newPipeSession(t, bad)
	reg.Add(sBad)
	doneBad := serve(sBad, reg)

	var good []*fakeEngine
	var conns []net.Conn
	var dones []<-chan struct{}
	for i := 0; i < 4; i++ {
		e := &fakeEngine{}
		s, c := newPipeSession(t, e)
		reg.Add(s)
		good = append(good, e)
		conns = append(conns, c)
		dones = append(dones, serve(s, reg))
	}

	if pruned := reg.Tick(); pruned != 1 {
		t.Fatalf("expected the panicking session pruned, got %d", pruned)
	}
	reg.Tick()
	for i, e := range good {
		if ticks, _ := e.counts(); ticks != 2 {
			t.Errorf("engine %d: expected 2 ticks, got %d", i, ticks)
		}
	}
	if reg.Len() != 4 {
		t.Errorf("expected 4 sessions, got %d", reg.Len())
	}
	waitDone(t, doneBad)
	cBad.Close()

	for _, c := range conns {
		c.Close()
	}
	for _, d := range dones {
		waitDone(t, d)
	}
}

func TestRegistry_ListOrdered(t *testing.T) {
	reg := NewRegistry()
	var conns []net.Conn
	for i := 0; i < 5; i++ {
		s, c := newPipeSession(t, &fakeEngine{})
		conns = append(conns, c, s.conn)
		reg.Add(s)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	list := reg.List()
	for i := 1; i < len(list); i++ {
		if list[i-1].ID >= list[i].ID {
			t.Fatalf("list not ordered by id: %+v", list)
		}
	}
	if list[0].PeerASN != 64513 || list[0].State != "idle" {
		t.Errorf("unexpected info %+v", list[0])
	}
}

func TestOutbox(t *testing.T) {
	o := newOutbox()
	o.Write([]byte("a"))
	o.Write([]byte("b"))
	o.close()
	if _, err := o.Write([]byte("c")); err == nil {
		t.Error("expected write after close to fail")
	}

	batch, ok := o.next()
	if !ok || len(batch) != 2 || string(batch[0]) != "a" || string(batch[1]) != "b" {
		t.Fatalf("unexpected batch %q ok=%v", batch, ok)
	}
	if _, ok := o.next(); ok {
		t.Error("expected closed empty outbox to report done")
	}
}
