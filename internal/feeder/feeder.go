package feeder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/route-feeder/internal/delegation"
	"github.com/route-beacon/route-feeder/internal/metrics"
	"github.com/route-beacon/route-feeder/internal/session"
)

const (
	DefaultBacklog = 16
	defaultTick    = time.Second

	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Refresher is the periodic job run by the driver.
type Refresher interface {
	Refresh(ctx context.Context) (*delegation.Result, error)
}

// Options configures a Feeder.
type Options struct {
	ListenHost string
	Port       int
	Backlog    int
	// RefreshTicks is the number of driver ticks between refreshes.
	RefreshTicks int
	// TickPeriod defaults to one second.
	TickPeriod time.Duration
}

// Feeder owns the listener, the session registry and the goroutines that
// serve them: one acceptor, one driver, one refresher and one worker per
// session.
type Feeder struct {
	opts      Options
	newEngine session.EngineFactory
	refresher Refresher
	registry  *session.Registry
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	ln     net.Listener

	// mu orders registration against Stop so no session is added after
	// StopAll has run.
	mu      sync.Mutex
	running bool

	trigger  chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(opts Options, newEngine session.EngineFactory, refresher Refresher, logger *zap.Logger) *Feeder {
	if opts.Backlog <= 0 {
		opts.Backlog = DefaultBacklog
	}
	if opts.RefreshTicks <= 0 {
		opts.RefreshTicks = 1
	}
	if opts.TickPeriod <= 0 {
		opts.TickPeriod = defaultTick
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Feeder{
		opts:      opts,
		newEngine: newEngine,
		refresher: refresher,
		registry:  session.NewRegistry(),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		trigger:   make(chan struct{}, 1),
	}
}

// Start binds the listening socket and launches the service goroutines.
func (f *Feeder) Start() error {
	addr := net.JoinHostPort(f.opts.ListenHost, strconv.Itoa(f.opts.Port))
	ln, err := listen(addr, f.opts.Backlog)
	if err != nil {
		f.cancel()
		return fmt.Errorf("feeder: listen on %s: %w", addr, err)
	}
	f.ln = ln

	f.mu.Lock()
	f.running = true
	f.mu.Unlock()

	f.wg.Add(3)
	go f.drive()
	go f.refreshLoop()
	go f.accept()

	f.logger.Info("listening for peers",
		zap.String("addr", ln.Addr().String()),
		zap.Int("backlog", f.opts.Backlog),
		zap.Int("refresh_ticks", f.opts.RefreshTicks),
	)
	return nil
}

// Addr returns the bound listener address. It is nil before Start.
func (f *Feeder) Addr() net.Addr {
	if f.ln == nil {
		return nil
	}
	return f.ln.Addr()
}

func (f *Feeder) Sessions() []session.Info {
	return f.registry.List()
}

// Running reports whether the feeder is accepting sessions.
func (f *Feeder) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Stop begins shutdown. It is safe to call more than once and from any
// goroutine; use Join to wait for completion.
func (f *Feeder) Stop() {
	f.stopOnce.Do(func() {
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()

		f.logger.Info("stopping feeder", zap.Int("sessions", f.registry.Len()))
		f.cancel()
		if f.ln != nil {
			f.ln.Close()
		}
		f.registry.StopAll()
	})
}

// Join blocks until every goroutine started by the feeder has returned.
func (f *Feeder) Join() {
	f.wg.Wait()
}

func (f *Feeder) accept() {
	defer f.wg.Done()
	logger := f.logger.Named("acceptor")

	var delay time.Duration
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !f.Running() {
				return
			}
			metrics.AcceptErrorsTotal.Inc()
			delay = nextBackoff(delay)
			logger.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-f.ctx.Done():
				return
			}
			continue
		}
		delay = 0

		f.mu.Lock()
		if !f.running {
			f.mu.Unlock()
			conn.Close()
			continue
		}
		s := session.New(conn, f.newEngine, f.logger.Named("session"))
		id := f.registry.Add(s)
		f.wg.Add(1)
		f.mu.Unlock()

		metrics.SessionsTotal.WithLabelValues("accepted").Inc()
		logger.Info("accepted connection", zap.Uint64("id", id), zap.String("peer", s.Peer()))

		go func() {
			defer f.wg.Done()
			s.Serve(f.registry)
		}()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	return min(d*2, maxAcceptBackoff)
}
