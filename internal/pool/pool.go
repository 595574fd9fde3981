// Package pool implements C2: a reference-counted pool of live SSH
// transports keyed by connection identity, with idle eviction and a
// periodic health sweep.
package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/sshpool/internal/descriptor"
	"github.com/websoft9/sshpool/internal/events"
	"github.com/websoft9/sshpool/internal/hostcap"
	"github.com/websoft9/sshpool/internal/proxy"
	"github.com/websoft9/sshpool/internal/sshpoolerr"
	"github.com/websoft9/sshpool/internal/sshsession"
)

// Config tunables, per spec §4.2.
const (
	MaxConnections      = 50
	IdleTimeout         = 30 * time.Minute
	HealthCheckInterval = 5 * time.Minute
	ConnectTimeout      = proxy.ConnectTimeout
	mruSize             = 10

	// shardCount bounds lock contention on the session map: under the
	// MaxConnections=50 ceiling a handful of shards is plenty, and it means
	// the health sweep and MRU bookkeeping never hold one global lock for
	// the whole map at once. Connection keys are assigned to shards by
	// rendezvous hashing so a shard's membership stays stable as shardCount
	// itself is unchanged across a process's lifetime.
	shardCount = 8
)

var shardNames = func() []string {
	names := make([]string, shardCount)
	for i := range names {
		names[i] = string(rune('a' + i))
	}
	return names
}()

// PooledSession is one pool entry: a live transport plus its bookkeeping.
type PooledSession struct {
	Key        string
	Descriptor *descriptor.Descriptor
	Transport  *sshsession.Transport

	mu               sync.Mutex
	refCount         int
	tabRefs          map[string]struct{}
	lastUsed         time.Time
	intentionalClose bool
}

// RefCount reports the current reference count (test/diagnostic use).
func (s *PooledSession) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refCount
}

func (s *PooledSession) healthy() bool {
	if s.Transport == nil {
		return false
	}
	select {
	case <-s.Transport.Closed():
		return false
	default:
		return true
	}
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*PooledSession
}

// Pool is the C2 connection pool.
type Pool struct {
	shards   [shardCount]*shard
	hashRing *rendezvous.Rendezvous

	mruMu sync.Mutex
	mru   []string

	resolver  *proxy.Resolver
	caps      hostcap.Capabilities
	bus       *events.Bus
	reconnect ManualReconnector

	stopSweep chan struct{}
}

// ManualReconnector is the subset of the Reconnection Manager (C4) the pool
// calls into when a cached session is found unhealthy (spec §4.2 Failure
// semantics). It is an interface here, not a direct dependency on
// internal/reconnect, to keep the pool→reconnect edge one-directional (C4
// depends on C2, not the reverse).
type ManualReconnector interface {
	ManualReconnect(ctx context.Context, key string) error
}

// New constructs an empty Pool. bus may be nil in tests.
func New(resolver *proxy.Resolver, caps hostcap.Capabilities, bus *events.Bus) *Pool {
	p := &Pool{
		hashRing:  rendezvous.New(shardNames, xxhash.Sum64String),
		resolver:  resolver,
		caps:      caps,
		bus:       bus,
		stopSweep: make(chan struct{}),
	}
	for i := range p.shards {
		p.shards[i] = &shard{sessions: make(map[string]*PooledSession)}
	}
	return p
}

// SetReconnector wires the Reconnection Manager after both are constructed,
// breaking the natural C2↔C4 construction cycle.
func (p *Pool) SetReconnector(r ManualReconnector) {
	p.reconnect = r
}

func (p *Pool) shardFor(key string) *shard {
	name := p.hashRing.Lookup(key)
	for i, n := range shardNames {
		if n == name {
			return p.shards[i]
		}
	}
	return p.shards[0]
}

// StartHealthSweep runs the periodic sweep (spec §4.2) until ctx is done.
func (p *Pool) StartHealthSweep(ctx context.Context) {
	ticker := time.NewTicker(HealthCheckInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopSweep:
				return
			case <-ticker.C:
				p.sweep()
			}
		}
	}()
}

// Stop halts the health sweep goroutine, if running.
func (p *Pool) Stop() {
	close(p.stopSweep)
}

func (p *Pool) sweep() {
	var toClose []string
	for _, sh := range p.shards {
		sh.mu.Lock()
		for key, s := range sh.sessions {
			s.mu.Lock()
			idle := !s.healthy() || (s.refCount == 0 && len(s.tabRefs) == 0 && time.Since(s.lastUsed) > IdleTimeout)
			s.mu.Unlock()
			if idle {
				toClose = append(toClose, key)
			}
		}
		sh.mu.Unlock()
	}
	for _, key := range toClose {
		p.closeConnection(key)
	}
}

// Acquire returns a ready PooledSession for d, per spec §4.2's preference
// order: cached+healthy, new (if under capacity), evict-oldest-idle+new,
// else PoolExhausted.
func (p *Pool) Acquire(ctx context.Context, d *descriptor.Descriptor, keyFileReader func(string) ([]byte, error)) (*PooledSession, error) {
	d.Normalize()
	if err := d.Validate(); err != nil {
		return nil, sshpoolerr.New(sshpoolerr.OperationError, "invalid descriptor", sshpoolerr.Context{}, err)
	}
	key := d.Key()
	sh := p.shardFor(key)

	sh.mu.Lock()
	s, ok := sh.sessions[key]
	sh.mu.Unlock()
	if ok {
		if s.healthy() {
			p.touch(s)
			return s, nil
		}
		if p.reconnect != nil {
			if err := p.reconnect.ManualReconnect(ctx, key); err == nil {
				p.touch(s)
				return s, nil
			}
		}
		p.closeConnection(key)
	}

	if p.size() >= MaxConnections {
		if evictKey, ok := p.oldestIdle(); ok {
			p.closeConnection(evictKey)
		}
		if p.size() >= MaxConnections {
			return nil, sshpoolerr.New(sshpoolerr.PoolExhausted, "pool full", sshpoolerr.Context{ConnectionKey: key}, nil)
		}
	}

	transport, err := sshsession.Open(ctx, d, p.resolver, p.caps, keyFileReader)
	if err != nil {
		return nil, err
	}

	newSession := &PooledSession{
		Key:        key,
		Descriptor: d,
		Transport:  transport,
		tabRefs:    make(map[string]struct{}),
		refCount:   1,
		lastUsed:   time.Now(),
	}
	if d.TabID != "" {
		newSession.tabRefs[d.TabID] = struct{}{}
	}

	sh.mu.Lock()
	sh.sessions[key] = newSession
	sh.mu.Unlock()
	p.pushMRU(key)

	p.publish(events.ConnectionCreated, key)
	return newSession, nil
}

func (p *Pool) touch(s *PooledSession) {
	s.mu.Lock()
	s.refCount++
	s.lastUsed = time.Now()
	s.mu.Unlock()
	p.pushMRU(s.Key)
}

// Release decrements refCount, drops tabId's reference if given, and closes
// the session immediately once both reach zero.
func (p *Pool) Release(key, tabID string) {
	sh := p.shardFor(key)
	sh.mu.Lock()
	s, ok := sh.sessions[key]
	sh.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.refCount > 0 {
		s.refCount--
	}
	if tabID != "" {
		delete(s.tabRefs, tabID)
	}
	s.lastUsed = time.Now()
	empty := s.refCount == 0 && len(s.tabRefs) == 0
	s.mu.Unlock()

	if empty {
		p.closeConnection(key)
	}
}

// AddTabRef attaches tabId to the session identified by key.
func (p *Pool) AddTabRef(tabID, key string) {
	sh := p.shardFor(key)
	sh.mu.Lock()
	s, ok := sh.sessions[key]
	sh.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.tabRefs[tabID] = struct{}{}
	s.mu.Unlock()
}

// GetByTabID finds a session owned by tabId, matching either the
// `tab:{tabId}:` key prefix or an explicit tab reference (spec §4.2).
func (p *Pool) GetByTabID(tabID string) (*PooledSession, bool) {
	prefix := "tab:" + tabID + ":"
	for _, sh := range p.shards {
		sh.mu.Lock()
		for key, s := range sh.sessions {
			if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
				sh.mu.Unlock()
				return s, true
			}
			s.mu.Lock()
			_, has := s.tabRefs[tabID]
			s.mu.Unlock()
			if has {
				sh.mu.Unlock()
				return s, true
			}
		}
		sh.mu.Unlock()
	}
	return nil, false
}

// CloseConnection marks the session intentionally closed and tears down its
// transport. Idempotent.
func (p *Pool) CloseConnection(key string) {
	p.closeConnection(key)
}

// Swap replaces key's live transport with a freshly dialed one, without
// touching refCount or tab references. It satisfies reconnect.Pool — the
// Reconnection Manager (C4) calls this once a replacement transport has
// passed its echo-test validation (spec §4.4: "transport swap is the only
// path that sets state=connected").
func (p *Pool) Swap(key string, transport *sshsession.Transport) {
	sh := p.shardFor(key)
	sh.mu.Lock()
	s, ok := sh.sessions[key]
	sh.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	old := s.Transport
	s.Transport = transport
	s.intentionalClose = false
	s.mu.Unlock()
	if old != nil && old != transport {
		_ = old.Close()
	}
	p.publish(events.ConnectionReplaced, key)
}

func (p *Pool) closeConnection(key string) {
	sh := p.shardFor(key)
	sh.mu.Lock()
	s, ok := sh.sessions[key]
	if ok {
		delete(sh.sessions, key)
	}
	sh.mu.Unlock()
	if !ok {
		return
	}
	p.removeMRU(key)

	s.mu.Lock()
	if s.intentionalClose {
		s.mu.Unlock()
		return
	}
	s.intentionalClose = true
	s.mu.Unlock()

	if s.Transport != nil {
		if err := s.Transport.Close(); err != nil {
			log.Debug().Err(err).Str("key", key).Msg("pool: transport close returned error")
		}
	}
	p.publish(events.ConnectionClosed, key)
}

func (p *Pool) size() int {
	n := 0
	for _, sh := range p.shards {
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

func (p *Pool) oldestIdle() (string, bool) {
	type cand struct {
		key      string
		lastUsed time.Time
	}
	var idle []cand
	for _, sh := range p.shards {
		sh.mu.Lock()
		for key, s := range sh.sessions {
			s.mu.Lock()
			if s.refCount == 0 && len(s.tabRefs) == 0 {
				idle = append(idle, cand{key, s.lastUsed})
			}
			s.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	if len(idle) == 0 {
		return "", false
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].lastUsed.Before(idle[j].lastUsed) })
	return idle[0].key, true
}

func (p *Pool) pushMRU(key string) {
	p.mruMu.Lock()
	defer p.mruMu.Unlock()
	p.removeMRULocked(key)
	p.mru = append([]string{key}, p.mru...)
	if len(p.mru) > mruSize {
		p.mru = p.mru[:mruSize]
	}
}

func (p *Pool) removeMRU(key string) {
	p.mruMu.Lock()
	defer p.mruMu.Unlock()
	p.removeMRULocked(key)
}

func (p *Pool) removeMRULocked(key string) {
	for i, k := range p.mru {
		if k == key {
			p.mru = append(p.mru[:i], p.mru[i+1:]...)
			return
		}
	}
}

// MRU returns the most-recently-used connection keys, newest first.
func (p *Pool) MRU() []string {
	p.mruMu.Lock()
	defer p.mruMu.Unlock()
	out := make([]string, len(p.mru))
	copy(out, p.mru)
	return out
}

func (p *Pool) publish(kind events.Kind, key string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(kind, key)
}
