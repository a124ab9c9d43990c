package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue holds pending sweep tasks keyed by window token, each due at a point in
// time. Scheduling a token that is already pending moves its due time.
type Queue interface {
	Schedule(ctx context.Context, token string, at time.Time) error
	// Offer schedules token only if it is not already pending.
	Offer(ctx context.Context, token string, at time.Time) error
	// Claim removes and returns up to limit tokens due at or before now. A token
	// is handed to exactly one claimer.
	Claim(ctx context.Context, now time.Time, limit int) ([]string, error)
	Cancel(ctx context.Context, token string) error
	// IncrAttempts records a failed run and returns the failures so far.
	IncrAttempts(ctx context.Context, token string) (int, error)
	ClearAttempts(ctx context.Context, token string) error
	Pending(ctx context.Context) (int64, error)
}

// InMemory is a mutex-guarded queue for dev/testing. Pending tasks are lost on
// restart; the scheduler's recovery scan re-arms them from the window table.
type InMemory struct {
	mu       sync.Mutex
	due      map[string]time.Time
	attempts map[string]int
}

// NewInMemory creates an empty in-memory queue.
func NewInMemory() *InMemory {
	return &InMemory{due: make(map[string]time.Time), attempts: make(map[string]int)}
}

func (q *InMemory) Schedule(ctx context.Context, token string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.due[token] = at
	return nil
}

func (q *InMemory) Offer(ctx context.Context, token string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.due[token]; !ok {
		q.due[token] = at
	}
	return nil
}

func (q *InMemory) Claim(ctx context.Context, now time.Time, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	type entry struct {
		token string
		at    time.Time
	}
	var ready []entry
	for tok, at := range q.due {
		if !at.After(now) {
			ready = append(ready, entry{tok, at})
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].at.Before(ready[j].at) })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]string, 0, len(ready))
	for _, e := range ready {
		delete(q.due, e.token)
		out = append(out, e.token)
	}
	return out, nil
}

func (q *InMemory) Cancel(ctx context.Context, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.due, token)
	delete(q.attempts, token)
	return nil
}

func (q *InMemory) IncrAttempts(ctx context.Context, token string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attempts[token]++
	return q.attempts[token], nil
}

func (q *InMemory) ClearAttempts(ctx context.Context, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.attempts, token)
	return nil
}

func (q *InMemory) Pending(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.due)), nil
}

// RedisQueue keeps tasks in a sorted set scored by due time (unix millis) and
// failure counts in a hash, so pending sweeps survive a worker restart and can
// be shared by several workers.
type RedisQueue struct {
	client      *redis.Client
	key         string
	attemptsKey string
}

// NewRedisQueue builds a queue on the sorted set at key.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "qrattend:sweeps"
	}
	return &RedisQueue{client: client, key: key, attemptsKey: key + ":attempts"}
}

func (q *RedisQueue) Schedule(ctx context.Context, token string, at time.Time) error {
	return q.client.ZAdd(ctx, q.key, redis.Z{Score: score(at), Member: token}).Err()
}

func (q *RedisQueue) Offer(ctx context.Context, token string, at time.Time) error {
	return q.client.ZAddNX(ctx, q.key, redis.Z{Score: score(at), Member: token}).Err()
}

// Claim reads the due range and keeps only the members this caller managed to
// remove; a concurrent claimer that removed one first gets it instead.
func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	tokens, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	claimed := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		n, err := q.client.ZRem(ctx, q.key, tok).Result()
		if err != nil {
			return claimed, err
		}
		if n == 1 {
			claimed = append(claimed, tok)
		}
	}
	return claimed, nil
}

func (q *RedisQueue) Cancel(ctx context.Context, token string) error {
	if err := q.client.ZRem(ctx, q.key, token).Err(); err != nil {
		return err
	}
	return q.ClearAttempts(ctx, token)
}

func (q *RedisQueue) IncrAttempts(ctx context.Context, token string) (int, error) {
	n, err := q.client.HIncrBy(ctx, q.attemptsKey, token, 1).Result()
	return int(n), err
}

func (q *RedisQueue) ClearAttempts(ctx context.Context, token string) error {
	return q.client.HDel(ctx, q.attemptsKey, token).Err()
}

func (q *RedisQueue) Pending(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}
