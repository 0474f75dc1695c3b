// Package pool maintains a bounded set of live connections to an external
// LDAP/AD directory for the platform's own client-side authentication.
// Checkout is exclusive; waiters are served in FIFO order; unhealthy
// connections are closed rather than recycled.
package pool

import (
	"context"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"

	"github.com/oluso/ldapbridge/pkg/config"
	"github.com/oluso/ldapbridge/pkg/stats"
)

type Pool struct {
	cfg  *config.Pool
	dial DialFunc
	log  *zerolog.Logger

	mu      chan struct{} // held as a one-slot semaphore guarding the fields below
	idle    []*PooledConn
	open    int
	waiters []chan *PooledConn
	closed  bool

	housekeeper *time.Ticker
	done        chan struct{}
}

// Option configures a Pool.
type Option func(p *Pool)

// Dialer overrides the transport factory, mainly for tests.
func Dialer(dial DialFunc) Option {
	return func(p *Pool) {
		p.dial = dial
	}
}

func New(cfg *config.Pool, logger *zerolog.Logger, opts ...Option) *Pool {
	p := &Pool{
		cfg:  cfg,
		dial: defaultDialer(cfg),
		log:  logger,
		mu:   make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	interval := time.Duration(cfg.HealthIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	p.housekeeper = time.NewTicker(interval)
	go p.housekeep()

	return p
}

func (p *Pool) lock()   { p.mu <- struct{}{} }
func (p *Pool) unlock() { <-p.mu }

func (p *Pool) maxOpen() int {
	if p.cfg.MaxOpen > 0 {
		return p.cfg.MaxOpen
	}
	return 4
}

func (p *Pool) acquireTimeout() time.Duration {
	if p.cfg.AcquireTimeoutSeconds > 0 {
		return time.Duration(p.cfg.AcquireTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// Acquire checks out one connection for exclusive use. It dials lazily up
// to the configured maximum, then waits FIFO behind other callers until a
// release or the acquire timeout, whichever comes first.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	for {
		p.lock()
		if p.closed {
			p.unlock()
			return nil, ErrClosed
		}

		if n := len(p.idle); n > 0 {
			pc := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.unlock()
			if pc.client.IsClosing() || pc.Health() == Dead {
				p.discard(pc)
				continue
			}
			stats.Backend.Add("pool_acquires", 1)
			return pc, nil
		}

		if p.open < p.maxOpen() {
			p.open++
			p.unlock()
			pc, err := p.dialNew(ctx)
			if err != nil {
				p.lock()
				p.open--
				p.wakeOne(nil)
				p.unlock()
				stats.Backend.Add("pool_dial_errors", 1)
				return nil, err
			}
			stats.Backend.Add("pool_acquires", 1)
			return pc, nil
		}

		waiter := make(chan *PooledConn, 1)
		p.waiters = append(p.waiters, waiter)
		p.unlock()

		timer := time.NewTimer(p.acquireTimeout())
		select {
		case pc := <-waiter:
			timer.Stop()
			if pc == nil {
				// capacity freed up, dial on the next pass
				continue
			}
			stats.Backend.Add("pool_acquires", 1)
			return pc, nil
		case <-timer.C:
			p.dropWaiter(waiter)
			stats.Backend.Add("pool_exhausted", 1)
			return nil, ErrPoolExhausted
		case <-ctx.Done():
			timer.Stop()
			p.dropWaiter(waiter)
			return nil, ctx.Err()
		}
	}
}

// dialNew opens a transport, retrying once on failure before reporting the
// directory unreachable.
func (p *Pool) dialNew(ctx context.Context) (*PooledConn, error) {
	client, err := p.dial(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("dial failed, retrying once")
		client, err = p.dial(ctx)
	}
	if err != nil {
		return nil, errTagged(ErrDirectoryUnavailable, err)
	}
	pc := &PooledConn{client: client, lastUsed: time.Now()}
	pc.setHealth(Healthy)
	return pc, nil
}

// Release returns a connection after one borrow. A connection that saw a
// transport or protocol error is closed, never recycled.
func (p *Pool) Release(pc *PooledConn, outcome error) {
	if pc == nil {
		return
	}
	if isTransportError(outcome) || pc.client.IsClosing() || pc.Health() == Dead {
		p.discard(pc)
		return
	}

	pc.lastUsed = time.Now()
	pc.setHealth(Healthy)

	p.lock()
	defer p.unlock()
	if p.closed {
		pc.client.Close()
		p.open--
		return
	}
	if p.wakeOne(pc) {
		return
	}
	p.idle = append(p.idle, pc)
	stats.Backend.Add("pool_releases", 1)
}

// discard closes a connection and frees its capacity slot.
func (p *Pool) discard(pc *PooledConn) {
	pc.setHealth(Dead)
	pc.client.Close()
	p.lock()
	p.open--
	p.wakeOne(nil)
	p.unlock()
	stats.Backend.Add("pool_discards", 1)
}

// wakeOne hands pc (or a dial permit when nil) to the oldest waiter.
// Callers hold the pool lock.
func (p *Pool) wakeOne(pc *PooledConn) bool {
	for len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		select {
		case waiter <- pc:
			if pc != nil {
				return true
			}
			return false
		default:
			// waiter already gave up
		}
	}
	return false
}

func (p *Pool) dropWaiter(waiter chan *PooledConn) {
	p.lock()
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.unlock()

	// a release may have raced the timeout; pass it on
	select {
	case pc := <-waiter:
		if pc != nil {
			p.Release(pc, nil)
		}
	default:
	}
}

// housekeep evicts idle-timed-out connections and pings the ones that sat
// unused past the health interval.
func (p *Pool) housekeep() {
	for {
		select {
		case <-p.done:
			return
		case <-p.housekeeper.C:
		}
		p.sweep()
	}
}

func (p *Pool) sweep() {
	idleTimeout := time.Duration(p.cfg.IdleTimeoutSeconds) * time.Second

	p.lock()
	var keep, evict, check []*PooledConn
	now := time.Now()
	for _, pc := range p.idle {
		switch {
		case idleTimeout > 0 && now.Sub(pc.lastUsed) > idleTimeout:
			evict = append(evict, pc)
		case pc.Health() == Suspect:
			check = append(check, pc)
		default:
			pc.setHealth(Suspect)
			keep = append(keep, pc)
		}
	}
	p.idle = keep
	p.open -= len(evict)
	// every eviction frees a capacity slot, so wake one waiter per slot
	for range evict {
		p.wakeOne(nil)
	}
	p.unlock()

	for _, pc := range evict {
		pc.setHealth(Dead)
		pc.client.Close()
		stats.Backend.Add("pool_idle_evictions", 1)
	}

	for _, pc := range check {
		if p.ping(pc) {
			pc.setHealth(Healthy)
			p.lock()
			if !p.wakeOne(pc) {
				p.idle = append(p.idle, pc)
			}
			p.unlock()
		} else {
			p.discard(pc)
			stats.Backend.Add("pool_ping_failures", 1)
		}
	}
}

// ping runs the cheapest legal search against the base entry.
func (p *Pool) ping(pc *PooledConn) bool {
	req := ldap.NewSearchRequest(
		p.cfg.BaseDN,
		ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 5, false,
		"(objectClass=*)",
		[]string{"1.1"},
		nil,
	)
	_, err := pc.client.Search(req)
	return err == nil
}

// Close shuts the pool down; waiters fail with ErrClosed on their next pass.
func (p *Pool) Close() {
	p.lock()
	if p.closed {
		p.unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.open -= len(idle)
	p.unlock()

	close(p.done)
	p.housekeeper.Stop()
	for _, pc := range idle {
		pc.client.Close()
	}
	for _, waiter := range waiters {
		select {
		case waiter <- nil:
		default:
		}
	}
}

func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	return ldap.IsErrorAnyOf(err,
		ldap.ErrorNetwork,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultConnectError,
		ldap.LDAPResultProtocolError,
	)
}
