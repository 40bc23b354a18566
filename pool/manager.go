package pool

import (
	"sync"

	"github.com/sardanioss/netpool/params"
)

// Manager owns one Pool per proxy route, so limits apply per route: six
// sockets to a destination through one proxy never starve direct
// connections to the same destination.
type Manager struct {
	factory ConnectJobFactory
	opts    Options

	mu     sync.Mutex
	pools  map[string]*Pool
	closed bool
}

// NewManager creates a pool manager. Pools are created lazily per proxy
// route with the shared options and factory.
func NewManager(factory ConnectJobFactory, opts Options) *Manager {
	return &Manager{
		factory: factory,
		opts:    opts,
		pools:   make(map[string]*Pool),
	}
}

// PoolFor returns the pool serving the params tree's proxy route,
// creating it if needed.
func (m *Manager) PoolFor(p *params.Params) (*Pool, error) {
	key := params.GroupKeyFor(p, params.PrivacyModeDisabled, "")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrPoolClosed
	}
	pool, ok := m.pools[key.ProxyChain]
	if !ok {
		pool = NewPool(m.factory, m.opts)
		m.pools[key.ProxyChain] = pool
	}
	return pool, nil
}

// RequestSocket routes a request to the pool for its proxy chain.
func (m *Manager) RequestSocket(p *params.Params, key params.GroupKey, priority params.Priority, respectLimits bool, handle *Handle, callback func(error)) error {
	pool, err := m.PoolFor(p)
	if err != nil {
		return err
	}
	return pool.RequestSocket(p, key, priority, respectLimits, handle, callback)
}

// Preconnect warms up numSockets for a group on its route's pool.
func (m *Manager) Preconnect(p *params.Params, key params.GroupKey, numSockets int) error {
	pool, err := m.PoolFor(p)
	if err != nil {
		return err
	}
	return pool.RequestSockets(p, key, numSockets)
}

// CloseIdleSockets closes idle sockets in every pool.
func (m *Manager) CloseIdleSockets() {
	for _, pool := range m.snapshotPools() {
		pool.CloseIdleSockets()
	}
}

// FlushWithError flushes every pool, failing pending requests and marking
// handed-out sockets non-reusable.
func (m *Manager) FlushWithError(err error) {
	for _, pool := range m.snapshotPools() {
		pool.FlushWithError(err)
	}
}

// Info snapshots every pool keyed by proxy route.
func (m *Manager) Info() map[string]PoolInfo {
	m.mu.Lock()
	pools := make(map[string]*Pool, len(m.pools))
	for route, pool := range m.pools {
		pools[route] = pool
	}
	m.mu.Unlock()

	out := make(map[string]PoolInfo, len(pools))
	for route, pool := range pools {
		out[route] = pool.Info()
	}
	return out
}

// Close shuts every pool down. Subsequent requests fail with ErrPoolClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, pool := range m.pools {
		pools = append(pools, pool)
	}
	m.pools = make(map[string]*Pool)
	m.closed = true
	m.mu.Unlock()
	for _, pool := range pools {
		pool.Close()
	}
}

func (m *Manager) snapshotPools() []*Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, pool := range m.pools {
		pools = append(pools, pool)
	}
	return pools
}
