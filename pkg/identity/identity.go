// Package identity owns the anonymous visitor token used to bucket flag
// evaluations and tag telemetry.
package identity

import (
	"context"
	"crypto/rand"
	"math/big"
	"sync"

	"github.com/wondertwin-ai/beacon/pkg/kv"
	"github.com/wondertwin-ai/beacon/pkg/observe"
)

// StorageKey is the durable key holding the token.
const StorageKey = "beacon_user_id"

const (
	tokenPrefix = "anon_"
	tokenLen    = 10
	alphabet    = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Store hands out a stable identity token. The first call to ID loads the
// token from durable storage or mints and persists a new one; later calls
// return the cached value.
type Store struct {
	kv  kv.Store
	obs observe.Observer

	mu        sync.Mutex
	id        string
	ephemeral bool
}

// New creates a Store over s. A nil observer discards reports.
func New(s kv.Store, obs observe.Observer) *Store {
	if obs == nil {
		obs = observe.Nop{}
	}
	return &Store{kv: s, obs: obs}
}

// ID returns the identity token. It never fails: if storage cannot be read or
// written, the token lives only as long as this Store.
func (s *Store) ID(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != "" {
		return s.id
	}

	v, found, err := s.kv.Get(ctx, StorageKey)
	if err != nil {
		s.obs.Failure(ctx, "identity", "load", err)
	}
	if found && v != "" {
		s.id = v
		return s.id
	}

	s.id = newToken()
	if err == nil {
		err = s.kv.Set(ctx, StorageKey, s.id)
		if err != nil {
			s.obs.Failure(ctx, "identity", "persist", err)
		}
	}
	s.ephemeral = err != nil
	return s.id
}

// Ephemeral reports whether the current token could not be persisted.
func (s *Store) Ephemeral() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ephemeral
}

// Clear forgets the token in memory and in storage. The next ID call mints a
// new one.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
	s.ephemeral = false
	if err := s.kv.Delete(ctx, StorageKey); err != nil {
		s.obs.Failure(ctx, "identity", "clear", err)
	}
}

func newToken() string {
	b := make([]byte, tokenLen)
	max := big.NewInt(int64(len(alphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on supported platforms.
			panic(err)
		}
		b[i] = alphabet[n.Int64()]
	}
	return tokenPrefix + string(b)
}
