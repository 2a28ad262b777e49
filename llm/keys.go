package llm

import (
	"strings"
	"sync"
)

// KeyRing is the ordered credential list plus the index of the active key.
// The index only moves forward; it returns to zero only through Reset.
type KeyRing struct {
	mu    sync.RWMutex
	keys  []string
	index int
}

func NewKeyRing(keys []string) *KeyRing {
	ring := &KeyRing{}
	ring.Reset(keys)
	return ring
}

// ParseKeyList splits a comma, semicolon or newline separated key list.
func ParseKeyList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '\r'
	})
	return normalizeKeys(fields)
}

// Reset installs a fresh key list and rewinds to the first key.
func (r *KeyRing) Reset(keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = normalizeKeys(keys)
	r.index = 0
}

// Current returns the active key, or false when no keys are configured.
func (r *KeyRing) Current() (string, bool) {
	if r == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.keys) == 0 {
		return "", false
	}
	return r.keys[r.index], true
}

// Rotate advances to the next key. It reports false, leaving the index
// unchanged, once the last key is active.
func (r *KeyRing) Rotate() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index+1 >= len(r.keys) {
		return false
	}
	r.index++
	return true
}

func (r *KeyRing) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

func (r *KeyRing) Index() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index
}

// Keys returns a copy of the configured keys.
func (r *KeyRing) Keys() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

func normalizeKeys(keys []string) []string {
	result := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			continue
		}
		if _, exists := seen[trimmed]; exists {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

// maskKey hides all but the last four characters of a credential for logs.
func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
