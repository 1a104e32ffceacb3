package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gatekeeper/internal/common"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

const DefaultStateTTL = 10 * time.Minute

// Pending is what a started handshake remembers until its callback.
type Pending struct {
	Provider string `json:"provider"`
	Verifier string `json:"verifier"`
}

// StateStore keeps CSRF state values. Take removes the entry, so each state
// is usable once; unknown or expired state returns common.ErrInvalidToken.
type StateStore interface {
	Put(ctx context.Context, state string, p Pending) error
	Take(ctx context.Context, state string) (Pending, error)
}

// Begin allocates a fresh state and PKCE verifier for provider and stores them.
func Begin(ctx context.Context, store StateStore, provider string) (state string, p Pending, err error) {
	state, err = common.MakeRandHexString(32)
	if err != nil {
		return "", Pending{}, err
	}
	p = Pending{Provider: provider, Verifier: oauth2.GenerateVerifier()}
	if err := store.Put(ctx, state, p); err != nil {
		return "", Pending{}, err
	}
	return state, p, nil
}

type memoryEntry struct {
	pending Pending
	expires time.Time
}

type MemoryStateStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStateStore(ttl time.Duration) *MemoryStateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &MemoryStateStore{ttl: ttl, entries: map[string]memoryEntry{}, now: time.Now}
}

func (s *MemoryStateStore) Put(_ context.Context, state string, p Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.entries {
		if !e.expires.After(now) {
			delete(s.entries, k)
		}
	}
	s.entries[state] = memoryEntry{pending: p, expires: now.Add(s.ttl)}
	return nil
}

func (s *MemoryStateStore) Take(_ context.Context, state string) (Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[state]
	delete(s.entries, state)
	if !ok || !e.expires.After(s.now()) {
		return Pending{}, common.ErrInvalidToken
	}
	return e.pending, nil
}

const redisKeyPrefix = "gatekeeper:oauth:state:"

// RedisStateStore shares state across instances. Take uses GETDEL so two
// callbacks racing on the same state cannot both succeed.
type RedisStateStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisStateStore(client redis.Cmdable, ttl time.Duration) *RedisStateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &RedisStateStore{client: client, ttl: ttl}
}

func (s *RedisStateStore) Put(ctx context.Context, state string, p Pending) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, redisKeyPrefix+state, data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("store oauth state: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: oauth state", common.ErrorAlreadyExists)
	}
	return nil
}

func (s *RedisStateStore) Take(ctx context.Context, state string) (Pending, error) {
	data, err := s.client.GetDel(ctx, redisKeyPrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return Pending{}, common.ErrInvalidToken
	}
	if err != nil {
		return Pending{}, fmt.Errorf("take oauth state: %w", err)
	}

	var p Pending
	if err := json.Unmarshal(data, &p); err != nil {
		return Pending{}, common.ErrInvalidToken
	}
	return p, nil
}
