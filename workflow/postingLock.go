package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/config"
	"bitbucket.org/mmdatafocus/books_ledger/models"
	"bitbucket.org/mmdatafocus/books_ledger/utils"
	"github.com/bsm/redislock"
)

// Locker serializes ledger writes per key. Lock blocks until every key is
// held or ctx is done; the returned func releases them all.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

func AccountLockKey(institutionId, accountId string) string {
	return fmt.Sprintf("%s:account:%s", institutionId, accountId)
}

func StockLockKey(institutionId, productId, warehouseId string) string {
	return fmt.Sprintf("%s:stock:%s:%s", institutionId, productId, warehouseId)
}

// lockOrder dedupes and sorts keys so that every caller acquires in the same
// order and two writers never wait on each other in a cycle.
func lockOrder(keys []string) []string {
	out := utils.UniqueSlice(keys)
	sort.Strings(out)
	return out
}

// KeyedMutex is the in-process Locker. Entries are reference counted and
// dropped once nobody holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*keyedEntry{}}
}

func (m *KeyedMutex) acquire(ctx context.Context, key string) error {
	m.mu.Lock()
	e := m.locks[key]
	if e == nil {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.deref(key, e)
		return ctx.Err()
	}
}

func (m *KeyedMutex) release(key string) {
	m.mu.Lock()
	e := m.locks[key]
	m.mu.Unlock()
	if e == nil {
		return
	}
	<-e.ch
	m.deref(key, e)
}

func (m *KeyedMutex) deref(key string, e *keyedEntry) {
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

func (m *KeyedMutex) Lock(ctx context.Context, keys ...string) (func(), error) {
	ordered := lockOrder(keys)
	held := make([]string, 0, len(ordered))
	unlock := func() {
		for i := len(held) - 1; i >= 0; i-- {
			m.release(held[i])
		}
	}
	for _, k := range ordered {
		if err := m.acquire(ctx, k); err != nil {
			unlock()
			return nil, err
		}
		held = append(held, k)
	}
	return unlock, nil
}

// RedisLocker holds keys across instances with redislock. A lock outlives a
// crashed holder by at most TTL.
type RedisLocker struct {
	client  *redislock.Client
	ttl     time.Duration
	backoff redislock.RetryStrategy
}

func NewRedisLocker(client *redislock.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:  client,
		ttl:     ttl,
		backoff: redislock.LimitRetry(redislock.ExponentialBackoff(10*time.Millisecond, 500*time.Millisecond), 200),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	ordered := lockOrder(keys)
	held := make([]*redislock.Lock, 0, len(ordered))
	unlock := func() {
		for i := len(held) - 1; i >= 0; i-- {
			// a fresh context: release must happen even when ctx is cancelled
			_ = held[i].Release(context.Background())
		}
	}
	for _, k := range ordered {
		lock, err := l.client.Obtain(ctx, "ledger:lock:"+k, l.ttl, &redislock.Options{RetryStrategy: l.backoff})
		if err != nil {
			unlock()
			if errors.Is(err, redislock.ErrNotObtained) {
				return nil, fmt.Errorf("%w: %s", models.ErrLockNotObtained, k)
			}
			return nil, err
		}
		held = append(held, lock)
	}
	return unlock, nil
}

// AdvisoryLocker uses MySQL GET_LOCK. GET_LOCK is connection-scoped, so all
// keys of one call are taken and released on a single pinned connection.
type AdvisoryLocker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewAdvisoryLocker(db *sql.DB, timeout time.Duration) *AdvisoryLocker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AdvisoryLocker{db: db, timeout: timeout}
}

func (l *AdvisoryLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	ordered := lockOrder(keys)
	held := make([]string, 0, len(ordered))
	unlock := func() {
		for i := len(held) - 1; i >= 0; i-- {
			var ok sql.NullInt64
			_ = conn.QueryRowContext(context.Background(), "SELECT RELEASE_LOCK(?)", advisoryName(held[i])).Scan(&ok)
		}
		_ = conn.Close()
	}
	for _, k := range ordered {
		var ok sql.NullInt64
		if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", advisoryName(k), int(l.timeout.Seconds())).Scan(&ok); err != nil {
			unlock()
			return nil, err
		}
		if !ok.Valid || ok.Int64 != 1 {
			unlock()
			return nil, fmt.Errorf("%w: %s", models.ErrLockNotObtained, k)
		}
		held = append(held, k)
	}
	return unlock, nil
}

// MySQL lock names are limited to 64 characters.
func advisoryName(key string) string {
	name := "posting:" + key
	if len(name) <= 64 {
		return name
	}
	return "posting:" + utils.ShortHash(key)
}

// LockerFromEnv builds the Locker named by LOCK_BACKEND. db is only needed
// for the mysql backend.
func LockerFromEnv(ctx context.Context, db *sql.DB) (Locker, error) {
	switch backend := config.LockBackend(); backend {
	case "", "local":
		return NewKeyedMutex(), nil
	case "redis":
		client, err := config.ConnectRedisWithRetry(ctx)
		if err != nil {
			return nil, err
		}
		return NewRedisLocker(client, config.LockTTL()), nil
	case "mysql":
		if db == nil {
			return nil, errors.New("LOCK_BACKEND=mysql needs a database connection")
		}
		return NewAdvisoryLocker(db, config.LockTTL()), nil
	default:
		return nil, fmt.Errorf("unknown LOCK_BACKEND %q", backend)
	}
}
