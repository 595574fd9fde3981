// Package dircache implements C7: a short-TTL cache of remote directory
// listings keyed by (tabID, normalizedPath), so repeated navigation and
// refreshes within a session don't each force a network round-trip.
package dircache

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/sshpool/internal/pool"
	"github.com/websoft9/sshpool/internal/sftpmgr"
)

// Tunables, per spec §4.7.
const (
	TTL             = 10 * time.Second
	RefreshDebounce = 300 * time.Millisecond
	RefreshTimeout  = 3 * time.Second
)

// Entry is one cached listing.
type Entry struct {
	Entries   []sftpmgr.DirEntry
	Timestamp time.Time
}

func (e Entry) fresh(now time.Time) bool { return now.Sub(e.Timestamp) < TTL }

// Store is the backing map for cached entries — an in-process map by
// default, or RedisStore to share listings across instances.
type Store interface {
	get(key string) (Entry, bool)
	set(key string, e Entry)
	delete(key string)
	deletePrefix(prefix string)
}

func normalizeKey(tabID, dirPath string) string {
	clean := path.Clean(dirPath)
	if clean == "." {
		clean = "/"
	}
	return tabID + "\x00" + clean
}

// memStore is the default in-process Store.
type memStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]Entry)}
}

func (s *memStore) get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

func (s *memStore) set(key string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
}

func (s *memStore) delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

func (s *memStore) deletePrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
		}
	}
}

// RedisStore is a Store backed by Redis, mirroring proxy.RedisMemo so
// directory listings survive a host-process restart and can be shared
// across multiple instances of the host app.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string

	// tracked mirrors keys written through this store, since Redis has no
	// efficient prefix-delete primitive without SCAN; deletePrefix uses this
	// local index instead of a KEYS/SCAN round-trip per eviction.
	mu      sync.Mutex
	tracked map[string]struct{}
}

// NewRedisStore returns a RedisStore using client, namespacing keys under
// keyPrefix (or a sane default).
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "sshpool:dircache:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, tracked: make(map[string]struct{})}
}

func (s *RedisStore) redisKey(key string) string { return s.keyPrefix + key }

func (s *RedisStore) get(key string) (Entry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), RefreshTimeout)
	defer cancel()
	raw, err := s.client.Get(ctx, s.redisKey(key)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("dircache: redis read failed, treating as miss")
		}
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false
	}
	return e, true
}

func (s *RedisStore) set(key string, e Entry) {
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), RefreshTimeout)
	defer cancel()
	if err := s.client.Set(ctx, s.redisKey(key), raw, TTL).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("dircache: redis write failed, ignoring")
		return
	}
	s.mu.Lock()
	s.tracked[key] = struct{}{}
	s.mu.Unlock()
}

func (s *RedisStore) delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), RefreshTimeout)
	defer cancel()
	_ = s.client.Del(ctx, s.redisKey(key)).Err()
	s.mu.Lock()
	delete(s.tracked, key)
	s.mu.Unlock()
}

func (s *RedisStore) deletePrefix(prefix string) {
	s.mu.Lock()
	var matched []string
	for k := range s.tracked {
		if strings.HasPrefix(k, prefix) {
			matched = append(matched, k)
		}
	}
	for _, k := range matched {
		delete(s.tracked, k)
	}
	s.mu.Unlock()

	if len(matched) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), RefreshTimeout)
	defer cancel()
	keys := make([]string, len(matched))
	for i, k := range matched {
		keys[i] = s.redisKey(k)
	}
	_ = s.client.Del(ctx, keys...).Err()
}

var _ Store = (*memStore)(nil)
var _ Store = (*RedisStore)(nil)

// Manager is the C7 directory cache.
type Manager struct {
	store Store
	sftp  *sftpmgr.Manager

	debounceMu sync.Mutex
	debounce   map[string]*time.Timer
}

// New returns a Manager with an in-process Store. Pass store to share
// a backing Store (e.g. a RedisStore) instead.
func New(sftp *sftpmgr.Manager, store Store) *Manager {
	if store == nil {
		store = newMemStore()
	}
	return &Manager{store: store, sftp: sftp, debounce: make(map[string]*time.Timer)}
}

// ListDir returns the cached listing for (tabID, dirPath) if it is within
// TTL, else fetches fresh via sftpmgr and caches the result (spec §4.7).
func (m *Manager) ListDir(s *pool.PooledSession, tabID, dirPath string) ([]sftpmgr.DirEntry, error) {
	key := normalizeKey(tabID, dirPath)
	if e, ok := m.store.get(key); ok && e.fresh(time.Now()) {
		return e.Entries, nil
	}
	entries, err := m.sftp.ListDir(s, path.Clean(dirPath), sftpmgr.PriorityNormal)
	if err != nil {
		return nil, err
	}
	m.store.set(key, Entry{Entries: entries, Timestamp: time.Now()})
	return entries, nil
}

// Invalidate evicts the cached listing for (tabID, dirPath), forcing the
// next ListDir to hit the network (spec §4.7 "explicit refresh").
func (m *Manager) Invalidate(tabID, dirPath string) {
	m.store.delete(normalizeKey(tabID, dirPath))
}

// DisposeTab evicts every cached listing belonging to tabID (spec §4.7
// "tab disposal" — a full clear of that tab's entries).
func (m *Manager) DisposeTab(tabID string) {
	m.store.deletePrefix(tabID + "\x00")

	m.debounceMu.Lock()
	for key, timer := range m.debounce {
		if strings.HasPrefix(key, tabID+"\x00") {
			timer.Stop()
			delete(m.debounce, key)
		}
	}
	m.debounceMu.Unlock()
}

// NotifyMutation schedules a debounced, low-priority silent refresh of
// (tabID, dirPath) after a user-initiated mutation (create/delete/rename)
// invalidates the cached listing's accuracy without the caller knowing the
// new contents yet (spec §4.7). The refresh itself races a bounded timeout
// and swallows any failure — a failed background refresh must never
// surface to the user; the existing entry is left in place, and ListDir
// keeps serving it until its TTL expires or Invalidate evicts it.
func (m *Manager) NotifyMutation(s *pool.PooledSession, tabID, dirPath string) {
	key := normalizeKey(tabID, dirPath)

	m.debounceMu.Lock()
	if existing, ok := m.debounce[key]; ok {
		existing.Stop()
	}
	m.debounce[key] = time.AfterFunc(RefreshDebounce, func() {
		m.debounceMu.Lock()
		delete(m.debounce, key)
		m.debounceMu.Unlock()
		m.silentRefresh(s, key, dirPath)
	})
	m.debounceMu.Unlock()
}

func (m *Manager) silentRefresh(s *pool.PooledSession, key, dirPath string) {
	done := make(chan struct{})
	var entries []sftpmgr.DirEntry
	var err error
	go func() {
		entries, err = m.sftp.ListDir(s, path.Clean(dirPath), sftpmgr.PriorityLow)
		close(done)
	}()

	select {
	case <-done:
		if err == nil {
			m.store.set(key, Entry{Entries: entries, Timestamp: time.Now()})
		}
	case <-time.After(RefreshTimeout):
		// Timed out — leave the stale entry in place; it will either expire
		// naturally or be replaced by a later refresh/explicit ListDir.
	}
}
