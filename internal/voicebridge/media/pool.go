package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/voicebridge/internal/voicebridge/call"
)

// ErrNoAvailableServers is returned when no healthy media server can take
// a new endpoint.
var ErrNoAvailableServers = errors.New("no available media servers")

// PoolConfig holds configuration for the media server pool
type PoolConfig struct {
	Addresses []string
	// Client is the template for every member; Address is overwritten.
	Client              ClientConfig
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	UnhealthyThreshold  int // consecutive failed checks before marking unhealthy
	HealthyThreshold    int // consecutive good checks before marking healthy
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Client:              DefaultClientConfig(),
		HealthCheckInterval: 5 * time.Second,
		HealthCheckTimeout:  2 * time.Second,
		UnhealthyThreshold:  3,
		HealthyThreshold:    2,
	}
}

// poolMember represents a single media server in the pool
type poolMember struct {
	address      string
	client       *Client
	healthy      atomic.Bool
	failCount    atomic.Int32
	successCount atomic.Int32
}

// Pool spreads endpoints across media servers and tracks their health.
type Pool struct {
	mu        sync.RWMutex
	members   []*poolMember
	endpoints map[string]*Endpoint   // endpointID -> endpoint
	owners    map[string]*poolMember // endpointID -> member
	nextIndex atomic.Uint64
	config    PoolConfig
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewPool creates clients for every address and starts the health checker.
// Members start healthy; the checker demotes servers that do not answer.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("no media server addresses provided")
	}
	def := DefaultPoolConfig()
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = def.HealthCheckTimeout
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = def.UnhealthyThreshold
	}
	if cfg.HealthyThreshold <= 0 {
		cfg.HealthyThreshold = def.HealthyThreshold
	}

	p := &Pool{
		members:   make([]*poolMember, 0, len(cfg.Addresses)),
		endpoints: make(map[string]*Endpoint),
		owners:    make(map[string]*poolMember),
		config:    cfg,
		stopCh:    make(chan struct{}),
	}

	for _, addr := range cfg.Addresses {
		ccfg := cfg.Client
		ccfg.Address = addr
		client, err := NewClient(ccfg)
		if err != nil {
			p.closeClients()
			return nil, err
		}
		member := &poolMember{address: addr, client: client}
		member.healthy.Store(true)
		p.members = append(p.members, member)
	}

	p.wg.Add(1)
	go p.healthChecker()

	slog.Info("[Pool] Media server pool initialized", "total", len(p.members))
	return p, nil
}

// healthChecker periodically checks health of all members
func (p *Pool) healthChecker() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkAllHealth()
		}
	}
}

// checkAllHealth checks health of all pool members
func (p *Pool) checkAllHealth() {
	for _, member := range p.members {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.HealthCheckTimeout)
		healthy := member.client.Healthy(ctx)
		cancel()
		p.recordHealth(member, healthy)
	}
}

func (p *Pool) recordHealth(member *poolMember, healthy bool) {
	if healthy {
		member.failCount.Store(0)
		newSuccess := member.successCount.Add(1)

		if !member.healthy.Load() && int(newSuccess) >= p.config.HealthyThreshold {
			member.healthy.Store(true)
			slog.Info("[Pool] Media server marked healthy", "address", member.address)
		}
		return
	}

	member.successCount.Store(0)
	newFail := member.failCount.Add(1)

	if member.healthy.Load() && int(newFail) >= p.config.UnhealthyThreshold {
		member.healthy.Store(false)
		slog.Warn("[Pool] Media server marked unhealthy", "address", member.address)
	}
}

// selectMember picks a healthy member using round-robin
func (p *Pool) selectMember() (*poolMember, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	available := make([]*poolMember, 0, len(p.members))
	for _, m := range p.members {
		if m.healthy.Load() {
			available = append(available, m)
		}
	}

	if len(available) == 0 {
		return nil, ErrNoAvailableServers
	}

	idx := (p.nextIndex.Add(1) - 1) % uint64(len(available))
	return available[idx], nil
}

// Connect creates an endpoint for callID on a healthy server, answering
// remoteSDP, and subscribes to its events. It returns the endpoint and the
// local SDP for the 200 OK.
func (p *Pool) Connect(ctx context.Context, callID string, remoteSDP []byte) (call.Endpoint, []byte, error) {
	member, err := p.selectMember()
	if err != nil {
		return nil, nil, err
	}

	id, localSDP, err := member.client.CreateEndpoint(ctx, callID, remoteSDP)
	if err != nil {
		member.failCount.Add(1)
		return nil, nil, fmt.Errorf("create endpoint on %s: %w", member.address, err)
	}

	ep := newEndpoint(member.client, id, callID)
	stream, err := member.client.Events(ep.ctx, id)
	if err != nil {
		if derr := ep.Destroy(context.Background()); derr != nil {
			slog.Debug("[Pool] Cleanup after failed subscribe", "endpoint_id", id, "error", derr)
		}
		return nil, nil, fmt.Errorf("subscribe to endpoint %s: %w", id, err)
	}

	ep.onRelease = p.untrack
	p.track(ep, member)
	go ep.readEvents(stream)

	slog.Debug("[Pool] Endpoint created",
		"endpoint_id", id,
		"call_id", callID,
		"media_server", member.address,
	)
	return ep, localSDP, nil
}

func (p *Pool) track(ep *Endpoint, member *poolMember) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints[ep.id] = ep
	p.owners[ep.id] = member
}

func (p *Pool) untrack(ep *Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.endpoints, ep.id)
	delete(p.owners, ep.id)
}

// Endpoint returns a live endpoint by id.
func (p *Pool) Endpoint(id string) (*Endpoint, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ep, ok := p.endpoints[id]
	return ep, ok
}

// HealthyCount returns the number of healthy members.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, m := range p.members {
		if m.healthy.Load() {
			n++
		}
	}
	return n
}

// MemberStats is a snapshot of one media server.
type MemberStats struct {
	Address   string
	Healthy   bool
	Endpoints int
}

// PoolStats is a snapshot of the pool.
type PoolStats struct {
	Total     int
	Healthy   int
	Endpoints int
	Members   []MemberStats
}

// Stats returns a snapshot of the pool, members sorted by address.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	counts := make(map[*poolMember]int, len(p.members))
	for _, m := range p.owners {
		counts[m]++
	}
	stats := PoolStats{
		Total:     len(p.members),
		Endpoints: len(p.endpoints),
		Members:   make([]MemberStats, 0, len(p.members)),
	}
	for _, m := range p.members {
		healthy := m.healthy.Load()
		if healthy {
			stats.Healthy++
		}
		stats.Members = append(stats.Members, MemberStats{
			Address:   m.address,
			Healthy:   healthy,
			Endpoints: counts[m],
		})
	}
	p.mu.RUnlock()

	sort.Slice(stats.Members, func(i, j int) bool {
		return stats.Members[i].Address < stats.Members[j].Address
	})
	return stats
}

// DestroyAll destroys every live endpoint.
func (p *Pool) DestroyAll(ctx context.Context) {
	p.mu.RLock()
	eps := make([]*Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		eps = append(eps, ep)
	}
	p.mu.RUnlock()

	for _, ep := range eps {
		if err := ep.Destroy(ctx); err != nil {
			slog.Debug("[Pool] Destroy failed", "endpoint_id", ep.id, "error", err)
		}
	}
}

// Close stops the health checker and closes every connection. Live
// endpoints are not destroyed; call DestroyAll first.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.closeClients()
	slog.Info("[Pool] Media server pool closed")
	return nil
}

func (p *Pool) closeClients() {
	for _, m := range p.members {
		if err := m.client.Close(); err != nil {
			slog.Debug("[Pool] Close client", "address", m.address, "error", err)
		}
	}
}
