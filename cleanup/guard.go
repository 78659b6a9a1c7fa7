package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrAlreadyRunning is returned when a run is attempted while another one
// holds the guard.
var ErrAlreadyRunning = errors.New("cleanup run already in progress")

// Guard keeps scheduled runs from overlapping. TryAcquire never blocks: it
// either returns a release func or ErrAlreadyRunning.
type Guard interface {
	TryAcquire(ctx context.Context, name string) (release func(), err error)
}

// =============================================================================
// LOCAL GUARD - single process
// =============================================================================

// LocalGuard is an in-process guard keyed by run name.
type LocalGuard struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: make(map[string]bool)}
}

func (g *LocalGuard) TryAcquire(_ context.Context, name string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[name] {
		return nil, ErrAlreadyRunning
	}
	g.held[name] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, name)
			g.mu.Unlock()
		})
	}, nil
}

// =============================================================================
// REDIS GUARD - across replicas
// =============================================================================

// releaseScript deletes the lock only if it still holds our token, so a run
// that outlived its TTL cannot release a lock another replica now owns.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard is a SET NX lock with expiry shared by every replica.
type RedisGuard struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisGuard creates a guard whose locks expire after ttl, which should
// comfortably exceed the longest expected run.
func NewRedisGuard(rdb redis.UniversalClient, ttl time.Duration) *RedisGuard {
	return &RedisGuard{rdb: rdb, ttl: ttl, prefix: "policy-engine:lock:"}
}

func (g *RedisGuard) TryAcquire(ctx context.Context, name string) (func(), error) {
	key := g.prefix + name
	token := uuid.NewString()

	ok, err := g.rdb.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s lock: %w", name, err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, g.rdb, []string{key}, token).Err()
		})
	}, nil
}
