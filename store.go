package pingr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// ============================================================================
// Store contract
// ============================================================================

// Scope selects a cache lifetime.
type Scope int

const (
	// ScopeSession holds state for the current session only; cleared by
	// Session.Close. Thread caches, user profiles, drafts live here.
	ScopeSession Scope = iota
	// ScopeDurable survives across sessions: the bearer credential and
	// the last-opened chat partner.
	ScopeDurable
)

// Store is a synchronous key-value cache with two independent scopes.
// Writes are last-write-wins and immediately visible to every consumer
// in the same process; there is no TTL and no cross-process guarantee.
type Store interface {
	Get(scope Scope, key string) (string, bool)
	Set(scope Scope, key, value string)
	Delete(scope Scope, key string)
	Clear(scope Scope)
}

// Well-known store keys.
const (
	KeyToken         = "jwt"
	KeyOpenedPartner = "openedChatPartner"
	KeyChatPartners  = "chatPartners"
)

// MessagesKey is the session-scope key for one partner's thread cache.
func MessagesKey(partnerID int) string {
	return fmt.Sprintf("messages-%d", partnerID)
}

// UserKey is the session-scope key for one cached profile.
func UserKey(id int) string {
	return fmt.Sprintf("user-%d", id)
}

// DraftKey is the session-scope key for one partner's unsent draft.
func DraftKey(partnerID int) string {
	return fmt.Sprintf("message-draft-%d", partnerID)
}

// ============================================================================
// JSON helpers
// ============================================================================

// GetJSON reads and decodes a cached entity. Any deserialization
// failure is treated as a miss; corrupt cache entries fall through to
// the empty default rather than surfacing an error.
func GetJSON(s Store, scope Scope, key string, v interface{}) bool {
	raw, ok := s.Get(scope, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false
	}
	return true
}

// SetJSON encodes and stores an entity. Marshal failures are dropped;
// the cache is an optimization, never a source of errors.
func SetJSON(s Store, scope Scope, key string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.Set(scope, key, string(b))
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore keeps both scopes in process memory. The durable scope is
// only as durable as the process; use FileStore to survive restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	scopes map[Scope]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scopes: map[Scope]map[string]string{
			ScopeSession: {},
			ScopeDurable: {},
		},
	}
}

func (s *MemoryStore) Get(scope Scope, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.scopes[scope][key]
	return v, ok
}

func (s *MemoryStore) Set(scope Scope, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[scope][key] = value
}

func (s *MemoryStore) Delete(scope Scope, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes[scope], key)
}

func (s *MemoryStore) Clear(scope Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[scope] = map[string]string{}
}

// ============================================================================
// FileStore
// ============================================================================

// keys become file names; anything outside this set gets hex-escaped
var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func fileNameForKey(key string) string {
	return unsafeKeyChars.ReplaceAllStringFunc(key, func(s string) string {
		return fmt.Sprintf("%%%02x", s[0])
	})
}

// FileStore keeps the session scope in memory and mirrors the durable
// scope to one file per key under dir. Read/write failures degrade to
// cache misses; the store never propagates I/O errors.
type FileStore struct {
	mu      sync.RWMutex
	dir     string
	session map[string]string
	durable map[string]string
}

// NewFileStore creates a store rooted at dir (created 0700 if missing)
// and loads any durable entries already on disk.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create store directory: %w", err)
	}
	s := &FileStore{
		dir:     dir,
		session: map[string]string{},
		durable: map[string]string{},
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read store directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		key, ok := keyForFileName(e.Name())
		if !ok {
			continue
		}
		s.durable[key] = string(data)
	}
	return s, nil
}

func keyForFileName(name string) (string, bool) {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] != '%' {
			out = append(out, name[i])
			continue
		}
		if i+2 >= len(name) {
			return "", false
		}
		var b int
		if _, err := fmt.Sscanf(name[i+1:i+3], "%02x", &b); err != nil {
			return "", false
		}
		out = append(out, byte(b))
		i += 2
	}
	return string(out), true
}

func (s *FileStore) bucket(scope Scope) map[string]string {
	if scope == ScopeDurable {
		return s.durable
	}
	return s.session
}

func (s *FileStore) Get(scope Scope, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.bucket(scope)[key]
	return v, ok
}

func (s *FileStore) Set(scope Scope, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(scope)[key] = value
	if scope == ScopeDurable {
		_ = os.WriteFile(filepath.Join(s.dir, fileNameForKey(key)), []byte(value), 0o600)
	}
}

func (s *FileStore) Delete(scope Scope, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bucket(scope), key)
	if scope == ScopeDurable {
		_ = os.Remove(filepath.Join(s.dir, fileNameForKey(key)))
	}
}

func (s *FileStore) Clear(scope Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if scope == ScopeDurable {
		for key := range s.durable {
			_ = os.Remove(filepath.Join(s.dir, fileNameForKey(key)))
		}
		s.durable = map[string]string{}
		return
	}
	s.session = map[string]string{}
}
