package wire

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/contemptx/usenetsync/config"
	"github.com/contemptx/usenetsync/errors"
	"github.com/contemptx/usenetsync/metrics"
)

// maxIdleLifetime caps how long an idle pooled connection is trusted
// before it is discarded rather than reused, per §4.5's health
// contract.
const maxIdleLifetime = 2 * time.Minute

// reputationWindow is the size of the rolling outcome window used to
// down-weight a misbehaving server (§4.5: "per-server reputation
// tracking over a rolling failure-rate window").
const reputationWindow = 20

// reputation tracks a rolling failure rate for one upstream server.
type reputation struct {
	mu      sync.Mutex
	outcomes []bool // true = success
}

func (r *reputation) record(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, ok)
	if len(r.outcomes) > reputationWindow {
		r.outcomes = r.outcomes[len(r.outcomes)-reputationWindow:]
	}
}

// failureRate returns the fraction of recent failures, 0 when there is
// no history yet.
func (r *reputation) failureRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outcomes) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range r.outcomes {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(r.outcomes))
}

// downWeightDelay returns an additional pacing delay proportional to a
// server's recent failure rate, so that a flaky server is leaned on
// less without being fully excluded (§4.5 backpressure).
func (r *reputation) downWeightDelay() time.Duration {
	rate := r.failureRate()
	if rate <= 0 {
		return 0
	}
	base := time.Duration(rate * float64(2*time.Second))
	jitter := time.Duration(rand.Int63n(int64(base/2 + 1)))
	return base + jitter
}

// report publishes rate as the pool's current failure-rate gauge,
// labeled by server.
func (r *reputation) report(server string) {
	metrics.ConnectionPoolFailureRate.WithLabelValues(server).Set(r.failureRate())
}

// Pool manages a bounded set of authenticated NNTP connections to one
// server, with idle-connection recycling and reputation-based
// down-weighting. It follows the same acquire/release-with-health-
// check shape the teacher's cache package uses for its bounded
// in-memory store, adapted here to pool live sockets instead of bytes.
type Pool struct {
	server ServerConfig
	minIdle int
	maxActive int

	mu       sync.Mutex
	idle     []*conn
	active   int
	cond     *sync.Cond
	closed   bool

	rep *reputation
}

// NewPool constructs a Pool bound to one server, sized from cfg.
func NewPool(server ServerConfig, cfg config.WireConfig) *Pool {
	p := &Pool{
		server:    server,
		minIdle:   cfg.PoolMinIdle,
		maxActive: cfg.PoolMaxActive,
		rep:       &reputation{},
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// acquire returns a healthy connection, blocking until one is free if
// the pool is at maxActive, or dialing a fresh one otherwise.
func (p *Pool) acquire(ctx context.Context) (*conn, error) {
	const op = "wire.Pool.acquire"
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, errors.E(op, errors.IoError, errors.Str("pool closed"))
		}
		for len(p.idle) > 0 {
			c := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if c.unhealthy(maxIdleLifetime) {
				c.close()
				p.active--
				continue
			}
			p.mu.Unlock()
			return c, nil
		}
		if p.maxActive <= 0 || p.active < p.maxActive {
			p.active++
			active := p.active
			p.mu.Unlock()
			metrics.ConnectionPoolActive.WithLabelValues(p.server.Host).Set(float64(active))
			c, err := dial(ctx, p.server)
			if err != nil {
				p.mu.Lock()
				p.active--
				p.mu.Unlock()
				p.rep.record(false)
				p.rep.report(p.server.Host)
				metrics.ConnectionPoolActive.WithLabelValues(p.server.Host).Set(float64(p.active))
				return nil, errors.E(op, err)
			}
			return c, nil
		}
		p.cond.Wait()
	}
}

// release returns c to the idle pool, or discards it (and the active
// slot it held) if healthy is false.
func (p *Pool) release(c *conn, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rep.record(healthy)
	p.rep.report(p.server.Host)
	if !healthy || p.closed {
		c.close()
		p.active--
		metrics.ConnectionPoolActive.WithLabelValues(p.server.Host).Set(float64(p.active))
		p.cond.Signal()
		return
	}
	p.idle = append(p.idle, c)
	p.cond.Signal()
}

// Close discards every idle connection and marks the pool unusable.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, c := range p.idle {
		c.close()
	}
	p.idle = nil
	p.cond.Broadcast()
}

// downWeightDelay exposes the server's current reputation-based pacing
// delay, consulted by the Layer before dispatching work to this pool.
func (p *Pool) downWeightDelay() time.Duration {
	return p.rep.downWeightDelay()
}
