// Package tokencache stores exchanged tokens under a key tuple
// (sessionId, audience, canonical(scope)), encrypted with AES-256-GCM
// under a key derived per session via HKDF-SHA256, and bound to the
// subject token via AAD so an entry is unreadable under any other subject.
package tokencache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// ErrMiss covers "never stored", "expired", and "AAD mismatch" alike.
// Callers cannot distinguish them, so a lookup never leaks whether an
// entry exists for a different subject.
var ErrMiss = errors.New("tokencache: miss")

// Key identifies a cache entry: sessionId, audience, and the canonicalized
// scope string.
type Key struct {
	SessionID string
	Audience  string
	Scope     string
}

// Canonical returns the lookup key with Scope normalized: space-separated
// tokens sorted and lowercased, so "b a" and "a b" collapse.
func (k Key) Canonical() Key {
	k.Scope = CanonicalScope(k.Scope)
	return k
}

func (k Key) string() string {
	return k.SessionID + "\x00" + k.Audience + "\x00" + k.Scope
}

// CanonicalScope sorts and lowercases a space-separated scope string.
func CanonicalScope(scope string) string {
	fields := strings.Fields(strings.ToLower(scope))
	sort.Strings(fields)
	return strings.Join(fields, " ")
}

// entry is the stored ciphertext plus the bookkeeping needed for TTL and
// LRU eviction.
type entry struct {
	ciphertext []byte
	nonce      []byte
	issuedAt   time.Time
	expiresAt  time.Time
	lastUsed   time.Time
}

// Config bounds the cache's lifetime and size.
type Config struct {
	TTL                  time.Duration
	MaxEntriesPerSession int
	MaxTotalEntries      int
}

// DefaultConfig returns sane bounds: 10 minute TTL, 64 entries per session,
// 10000 total.
func DefaultConfig() Config {
	return Config{TTL: 10 * time.Minute, MaxEntriesPerSession: 64, MaxTotalEntries: 10000}
}

// Cache is the per-process encrypted token cache. It owns a process-wide
// root key, generated fresh at construction, from which it derives
// per-session AES-256-GCM keys via HKDF-SHA256.
type Cache struct {
	cfg     Config
	rootKey [32]byte

	mu       sync.Mutex
	entries  map[string]*entry              // by Key.string()
	bySess   map[string]map[string]struct{} // sessionId -> set of Key.string()
	lru      []string                       // Key.string(), front = least recently used
	zeroized bool
}

// New constructs a Cache with a freshly generated root key.
func New(cfg Config) (*Cache, error) {
	var root [32]byte
	if _, err := io.ReadFull(rand.Reader, root[:]); err != nil {
		return nil, fmt.Errorf("tokencache: generate root key: %w", err)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.MaxEntriesPerSession <= 0 {
		cfg.MaxEntriesPerSession = DefaultConfig().MaxEntriesPerSession
	}
	if cfg.MaxTotalEntries <= 0 {
		cfg.MaxTotalEntries = DefaultConfig().MaxTotalEntries
	}
	return &Cache{
		cfg:     cfg,
		rootKey: root,
		entries: make(map[string]*entry),
		bySess:  make(map[string]map[string]struct{}),
	}, nil
}

// sessionKey derives the per-session AES-256 data key via HKDF-SHA256,
// using sessionId as salt over the process root key.
func (c *Cache) sessionKey(sessionID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, c.rootKey[:], []byte(sessionID), []byte("oboauth-token-cache"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("tokencache: derive session key: %w", err)
	}
	return key, nil
}

func aad(subjectToken string) []byte {
	sum := sha256.Sum256([]byte(subjectToken))
	return sum[:]
}

// Put encrypts plaintext under a key derived from sessionId, binds AAD to
// subjectToken, and stores it under key (canonicalized), capped at the
// lesser of expiresAt and the configured TTL.
func (c *Cache) Put(key Key, subjectToken, plaintext string, expiresAt time.Time) error {
	key = key.Canonical()

	ttlExpiry := time.Now().Add(c.cfg.TTL)
	if expiresAt.IsZero() || ttlExpiry.Before(expiresAt) {
		expiresAt = ttlExpiry
	}

	sessKey, err := c.sessionKey(key.SessionID)
	if err != nil {
		return err
	}
	block, err := aes.NewCipher(sessKey)
	if err != nil {
		return fmt.Errorf("tokencache: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("tokencache: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("tokencache: generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), aad(subjectToken))

	c.mu.Lock()
	defer c.mu.Unlock()

	ks := key.string()
	// Concurrent put for the same key: the loser's write (the second
	// caller to take this lock) overwrites, but both were computed
	// against the same AAD so either is a valid cached value.
	c.entries[ks] = &entry{ciphertext: ciphertext, nonce: nonce, issuedAt: time.Now(), expiresAt: expiresAt, lastUsed: time.Now()}
	c.touchLocked(ks)

	sessSet, ok := c.bySess[key.SessionID]
	if !ok {
		sessSet = make(map[string]struct{})
		c.bySess[key.SessionID] = sessSet
	}
	sessSet[ks] = struct{}{}

	c.evictOverCapacityLocked(key.SessionID)
	return nil
}

// Get decrypts and returns the plaintext for key, bound to subjectToken's
// AAD. Any mismatch, whether wrong AAD, missing entry, or expiry, is a
// miss. An expired entry is evicted on lookup.
func (c *Cache) Get(key Key, subjectToken string) (string, error) {
	plaintext, _, err := c.GetWithExpiry(key, subjectToken)
	return plaintext, err
}

// GetWithExpiry is Get plus the entry's expiry time, so callers can apply
// their own remaining-lifetime floor.
func (c *Cache) GetWithExpiry(key Key, subjectToken string) (string, time.Time, error) {
	key = key.Canonical()
	ks := key.string()

	c.mu.Lock()
	e, ok := c.entries[ks]
	if ok {
		c.touchLocked(ks)
	}
	c.mu.Unlock()

	if !ok {
		return "", time.Time{}, ErrMiss
	}
	if time.Now().After(e.expiresAt) {
		c.evict(key)
		return "", time.Time{}, ErrMiss
	}

	sessKey, err := c.sessionKey(key.SessionID)
	if err != nil {
		return "", time.Time{}, err
	}
	block, err := aes.NewCipher(sessKey)
	if err != nil {
		return "", time.Time{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", time.Time{}, err
	}
	plaintext, err := gcm.Open(nil, e.nonce, e.ciphertext, aad(subjectToken))
	if err != nil {
		// AAD mismatch: a different subject token was presented for this
		// session/audience/scope tuple. Indistinguishable from absence.
		return "", time.Time{}, ErrMiss
	}
	return string(plaintext), e.expiresAt, nil
}

// touchLocked must be called with c.mu held; moves ks to the back of lru
// (most recently used).
func (c *Cache) touchLocked(ks string) {
	for i, k := range c.lru {
		if k == ks {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			break
		}
	}
	c.lru = append(c.lru, ks)
}

func (c *Cache) evictOverCapacityLocked(sessionID string) {
	sessSet := c.bySess[sessionID]
	for len(sessSet) > c.cfg.MaxEntriesPerSession {
		oldest := c.oldestInSessionLocked(sessionID)
		if oldest == "" {
			break
		}
		c.removeLocked(oldest)
	}
	for len(c.entries) > c.cfg.MaxTotalEntries && len(c.lru) > 0 {
		c.removeLocked(c.lru[0])
	}
}

func (c *Cache) oldestInSessionLocked(sessionID string) string {
	for _, ks := range c.lru {
		if _, ok := c.bySess[sessionID][ks]; ok {
			return ks
		}
	}
	return ""
}

// removeLocked must be called with c.mu held.
func (c *Cache) removeLocked(ks string) {
	delete(c.entries, ks)
	for i, k := range c.lru {
		if k == ks {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			break
		}
	}
	for sid, set := range c.bySess {
		delete(set, ks)
		if len(set) == 0 {
			delete(c.bySess, sid)
		}
	}
}

func (c *Cache) evict(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key.string())
}

// EndSession wipes every cached entry for sessionID.
func (c *Cache) EndSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ks := range c.bySess[sessionID] {
		c.removeLocked(ks)
	}
}

// Destroy wipes all entries and zeroizes the root key. Idempotent.
func (c *Cache) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zeroized {
		return
	}
	c.entries = make(map[string]*entry)
	c.bySess = make(map[string]map[string]struct{})
	c.lru = nil
	for i := range c.rootKey {
		c.rootKey[i] = 0
	}
	c.zeroized = true
}
