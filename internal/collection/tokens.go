package collection

import (
	"sync"

	"github.com/google/uuid"
)

// TokenStore remembers the latest concurrency token (ETag) observed per
// record. One store lives for a session; Reset models sign-out.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[int64]string
}

func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: map[int64]string{}}
}

func (s *TokenStore) Get(id int64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[id]
	return token, ok
}

// Set records token for id. An empty token is ignored so a response without
// an ETag never erases a known one.
func (s *TokenStore) Set(id int64, token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[id] = token
}

func (s *TokenStore) Forget(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
}

func (s *TokenStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = map[int64]string{}
}

func (s *TokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// KeyGenerator mints one idempotency key per logical mutating call.
type KeyGenerator interface {
	NewKey() string
}

type KeyFunc func() string

func (f KeyFunc) NewKey() string {
	return f()
}

// UUIDKeys generates random UUIDv4 idempotency keys.
var UUIDKeys KeyGenerator = KeyFunc(uuid.NewString)
