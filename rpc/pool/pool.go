// Package pool keeps the live connections to every configured server and
// spreads calls across the healthy ones.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"benchproxy/internal/errs"
	"benchproxy/internal/log"
	"benchproxy/rpc/transport"
	"github.com/gotomicro/ekit/bean/option"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type replica struct {
	addr  ServerAddress
	index int
	// conn and healthy are guarded by Pool.mu
	conn       transport.Connection
	healthy    bool
	recovering atomic.Bool
}

type server struct {
	addr     ServerAddress
	replicas []*replica
}

// Pool owns clientNums connection replicas per server address.
//
// Select reads an immutable snapshot of the healthy connections and never
// takes a lock. Health changes rebuild the snapshot under mu.
type Pool struct {
	dialer         transport.Dialer
	servers        []*server
	connectTimeout time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	logger         *zap.Logger

	counter  uint64
	snapshot atomic.Pointer[[][]transport.Connection]
	// owners maps a connection to the replica holding it
	owners sync.Map

	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// WithConnectTimeout bounds each dial attempt.
func WithConnectTimeout(d time.Duration) option.Option[Pool] {
	return func(p *Pool) {
		p.connectTimeout = d
	}
}

// WithBackoff sets the first and the largest delay between redial attempts of
// a failed replica.
func WithBackoff(initial, max time.Duration) option.Option[Pool] {
	return func(p *Pool) {
		p.backoffInitial = initial
		p.backoffMax = max
	}
}

func WithLogger(l *zap.Logger) option.Option[Pool] {
	return func(p *Pool) {
		p.logger = l
	}
}

// New dials clientNums replicas for every address concurrently. It succeeds
// as long as one replica connects; the others are redialed in the background.
func New(ctx context.Context, dialer transport.Dialer, addresses []ServerAddress,
	clientNums int, opts ...option.Option[Pool]) (*Pool, error) {
	if len(addresses) == 0 {
		return nil, errs.Configuration("no server addresses configured")
	}
	if clientNums < 1 {
		return nil, errs.Configuration("clientNums must be >= 1, got %d", clientNums)
	}
	if dialer == nil {
		return nil, errs.Configuration("nil dialer")
	}
	p := &Pool{
		dialer:         dialer,
		connectTimeout: 3 * time.Second,
		backoffInitial: 100 * time.Millisecond,
		backoffMax:     10 * time.Second,
		logger:         log.Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.connectTimeout <= 0 || p.backoffInitial <= 0 || p.backoffMax < p.backoffInitial {
		return nil, errs.Configuration("invalid connect timeout %s or backoff %s..%s",
			p.connectTimeout, p.backoffInitial, p.backoffMax)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	var eg errgroup.Group
	for _, addr := range addresses {
		s := &server{addr: addr, replicas: make([]*replica, clientNums)}
		for i := range s.replicas {
			r := &replica{addr: addr, index: i}
			s.replicas[i] = r
			eg.Go(func() error {
				conn, err := p.dial(ctx, r.addr)
				if err != nil {
					p.logger.Warn("initial connect failed",
						zap.Stringer("address", r.addr), zap.Int("replica", r.index), zap.Error(err))
					return nil
				}
				r.conn = conn
				r.healthy = true
				return nil
			})
		}
		p.servers = append(p.servers, s)
	}
	_ = eg.Wait()

	connected := 0
	for _, s := range p.servers {
		for _, r := range s.replicas {
			if r.conn != nil {
				connected++
				p.owners.Store(r.conn, r)
			}
		}
	}
	if connected == 0 {
		p.cancel()
		return nil, fmt.Errorf("%w: none of %d servers reachable", errs.ErrConnection, len(addresses))
	}

	p.mu.Lock()
	p.rebuild()
	p.mu.Unlock()
	for _, s := range p.servers {
		for _, r := range s.replicas {
			if r.conn == nil {
				p.startRecovery(r)
			}
		}
	}
	return p, nil
}

func (p *Pool) dial(ctx context.Context, addr ServerAddress) (transport.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()
	return p.dialer.Dial(ctx, addr.String())
}

// Select returns a healthy connection. Consecutive calls walk the addresses
// round robin, then the replicas of each address.
func (p *Pool) Select() (transport.Connection, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("%w: pool closed", errs.ErrConnection)
	}
	snap := p.snapshot.Load()
	if snap == nil || len(*snap) == 0 {
		return nil, errs.ErrConnection
	}
	servers := *snap
	n := atomic.AddUint64(&p.counter, 1) - 1
	a := uint64(len(servers))
	replicas := servers[n%a]
	return replicas[(n/a)%uint64(len(replicas))], nil
}

// MarkUnhealthy takes conn out of rotation and starts recovering its replica.
// Reports about a connection the pool no longer holds are ignored.
func (p *Pool) MarkUnhealthy(conn transport.Connection) {
	v, ok := p.owners.Load(conn)
	if !ok {
		return
	}
	r := v.(*replica)
	p.mu.Lock()
	if r.conn != conn || !r.healthy {
		p.mu.Unlock()
		return
	}
	r.healthy = false
	p.rebuild()
	p.mu.Unlock()
	p.logger.Warn("connection marked unhealthy",
		zap.Stringer("address", r.addr), zap.Int("replica", r.index))
	p.startRecovery(r)
}

// MarkHealthy puts conn back into rotation.
func (p *Pool) MarkHealthy(conn transport.Connection) {
	v, ok := p.owners.Load(conn)
	if !ok {
		return
	}
	r := v.(*replica)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() || r.conn != conn || r.healthy {
		return
	}
	r.healthy = true
	p.rebuild()
}

// rebuild publishes a new snapshot. Callers hold mu.
func (p *Pool) rebuild() {
	snap := make([][]transport.Connection, 0, len(p.servers))
	for _, s := range p.servers {
		var conns []transport.Connection
		for _, r := range s.replicas {
			if r.healthy && r.conn != nil {
				conns = append(conns, r.conn)
			}
		}
		if len(conns) > 0 {
			snap = append(snap, conns)
		}
	}
	p.snapshot.Store(&snap)
}

func (p *Pool) startRecovery(r *replica) {
	if !r.recovering.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		r.recovering.Store(false)
		return
	}
	p.wg.Add(1)
	go p.recover(r)
}

// recover waits with exponential backoff, then either restores the current
// connection if it is still alive or replaces it with a fresh one.
func (p *Pool) recover(r *replica) {
	defer p.wg.Done()
	defer func() {
		r.recovering.Store(false)
		// a report may have arrived while the flag was still set
		p.mu.Lock()
		again := !p.closed.Load() && !r.healthy
		p.mu.Unlock()
		if again {
			p.startRecovery(r)
		}
	}()
	delay := p.backoffInitial
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		p.mu.Lock()
		old := r.conn
		p.mu.Unlock()
		if old != nil && old.Healthy() {
			p.MarkHealthy(old)
			return
		}

		conn, err := p.dial(p.ctx, r.addr)
		if err == nil {
			if p.install(r, old, conn) {
				p.logger.Info("connection recovered",
					zap.Stringer("address", r.addr), zap.Int("replica", r.index), zap.Int("attempt", attempt))
			}
			return
		}
		p.logger.Debug("redial failed", zap.Stringer("address", r.addr),
			zap.Int("replica", r.index), zap.Int("attempt", attempt), zap.Error(err))
		delay *= 2
		if delay > p.backoffMax {
			delay = p.backoffMax
		}
	}
}

func (p *Pool) install(r *replica, old, conn transport.Connection) bool {
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		_ = conn.Close()
		return false
	}
	r.conn = conn
	r.healthy = true
	p.owners.Store(conn, r)
	p.rebuild()
	p.mu.Unlock()
	if old != nil {
		p.owners.Delete(old)
		_ = old.Close()
	}
	return true
}

// Close stops recovery and closes every connection. Calling it again is a
// no-op.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed.Store(true)
		var conns []transport.Connection
		for _, s := range p.servers {
			for _, r := range s.replicas {
				if r.conn != nil {
					conns = append(conns, r.conn)
				}
				r.healthy = false
			}
		}
		p.rebuild()
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()
		for _, c := range conns {
			err = multierr.Append(err, c.Close())
		}
	})
	return err
}

// ServerStats reports the replicas of one address.
type ServerStats struct {
	Address string
	Healthy int
	Total   int
}

func (p *Pool) Stats() []ServerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := make([]ServerStats, 0, len(p.servers))
	for _, s := range p.servers {
		st := ServerStats{Address: s.addr.String(), Total: len(s.replicas)}
		for _, r := range s.replicas {
			if r.healthy && r.conn != nil {
				st.Healthy++
			}
		}
		res = append(res, st)
	}
	return res
}
