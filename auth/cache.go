package auth

import (
	"strings"
	"sync"

	gocache "github.com/patrickmn/go-cache"
)

// IdentitySource records where a credential came from, which determines
// retry behavior: a URL-embedded credential is tried at most once per
// logical request, a cached one may be retried after invalidation, a
// prompted one was just supplied by the user.
type IdentitySource int

const (
	IdentitySourceNone IdentitySource = iota
	IdentitySourceURL
	IdentitySourceCache
	IdentitySourcePrompt
	IdentitySourceDefault
)

// Identity is one credential to try against a challenge.
type Identity struct {
	Source   IdentitySource
	Username string
	Password string
}

// IsEmpty reports whether the identity carries no credential.
func (id Identity) IsEmpty() bool { return id.Source == IdentitySourceNone }

// cacheEntry is an immutable credential record. Mutation replaces the
// entry wholesale so concurrent readers never observe a partial update.
type cacheEntry struct {
	scheme   Scheme
	identity Identity
	paths    []string
}

// Cache stores credentials keyed by (origin, realm, scheme) with the set
// of path prefixes they are known to protect. It is an external
// collaborator shared across logical requests; entries are copy-on-write.
type Cache struct {
	mu    sync.Mutex
	store *gocache.Cache
}

// NewCache creates an empty credential cache. Entries never expire on
// their own; invalidation is explicit.
func NewCache() *Cache {
	return &Cache{store: gocache.New(gocache.NoExpiration, 0)}
}

func cacheKey(origin, realm string, scheme Scheme) string {
	return origin + "\x00" + realm + "\x00" + string(scheme)
}

// Add records a credential for a realm and remembers the path it
// protected.
func (c *Cache) Add(origin, realm string, scheme Scheme, id Identity, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(origin, realm, scheme)
	entry := &cacheEntry{scheme: scheme, identity: id, paths: []string{parentDir(path)}}
	if old, ok := c.store.Get(key); ok {
		prev := old.(*cacheEntry)
		entry.paths = append(append([]string(nil), prev.paths...), parentDir(path))
	}
	entry.identity.Source = IdentitySourceCache
	c.store.Set(key, entry, gocache.NoExpiration)
}

// LookupByRealm returns the credential stored for an exact realm match.
func (c *Cache) LookupByRealm(origin, realm string, scheme Scheme) (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.store.Get(cacheKey(origin, realm, scheme)); ok {
		return v.(*cacheEntry).identity, true
	}
	return Identity{}, false
}

// LookupDefault returns a credential stored with no realm, the form
// preseeded proxy credentials take before any challenge names one. The
// scheme the credential was stored under is ignored; a username and
// password work with whichever scheme the server picked.
func (c *Cache) LookupDefault(origin string) (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, item := range c.store.Items() {
		if !strings.HasPrefix(key, origin+"\x00\x00") {
			continue
		}
		id := item.Object.(*cacheEntry).identity
		id.Source = IdentitySourceDefault
		return id, true
	}
	return Identity{}, false
}

// LookupByPath returns a credential whose protected path space contains
// the given path, for preemptive authentication before any challenge.
func (c *Cache) LookupByPath(origin, path string) (Identity, Scheme, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, item := range c.store.Items() {
		if !strings.HasPrefix(key, origin+"\x00") {
			continue
		}
		entry := item.Object.(*cacheEntry)
		for _, p := range entry.paths {
			if strings.HasPrefix(path, p) {
				return entry.identity, entry.scheme, true
			}
		}
	}
	return Identity{}, "", false
}

// Remove evicts a rejected credential so unrelated requests do not retry
// it. Only removes when the stored credential matches, so a concurrent
// update with fresh credentials is not clobbered.
func (c *Cache) Remove(origin, realm string, scheme Scheme, id Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(origin, realm, scheme)
	v, ok := c.store.Get(key)
	if !ok {
		return false
	}
	entry := v.(*cacheEntry)
	if entry.identity.Username != id.Username || entry.identity.Password != id.Password {
		return false
	}
	c.store.Delete(key)
	return true
}

// Clear drops all cached credentials.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Flush()
}

// parentDir reduces a path to its enclosing directory, the protection
// space granularity of RFC 7617.
func parentDir(path string) string {
	if path == "" {
		return "/"
	}
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx+1]
}
