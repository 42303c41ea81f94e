package persistence

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/fluxq/pkg/api"
)

// RedisStore is a Store backed by Redis. It uses the following keys:
//
//	<prefix>seq            => INCR counter for arrival order
//	<prefix>pending        => ZSET of pending task IDs, see pendingScore
//	<prefix>payload        => HASH id -> gob-encoded payload
//	<prefix>priority       => HASH id -> exact priority
//	<prefix>locks          => SET of held lock IDs
//	<prefix>lock:<lockID>  => HASH id -> gob-encoded storedTask
//
// Takes run in a WATCH transaction on the pending set, so engines sharing
// a prefix never lock the same task twice.
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

var (
	_ api.Store      = (*RedisStore)(nil)
	_ api.LastNTaker = (*RedisStore)(nil)
	_ api.Requeuer   = (*RedisStore)(nil)
)

// maxTakeAttempts bounds optimistic-lock retries of a take.
const maxTakeAttempts = 10

// Pending scores put the priority band in the high bits and the arrival
// seq in the low ones: score = -priority<<32 | seq. Ascending score is
// dequeue order, and every score stays exact in a float64. Priorities
// beyond maxScorePriority share the outermost band.
const (
	seqBits          = 32
	maxSeq           = 1<<seqBits - 1
	maxScorePriority = 1 << 20
)

func pendingScore(priority int, seq int64) float64 {
	p := int64(min(max(priority, -maxScorePriority), maxScorePriority))
	return float64(-p<<seqBits | seq)
}

// splitScore is the inverse of pendingScore up to clamping.
func splitScore(score float64) (band int, seq int64) {
	sc := int64(score)
	return int(-(sc >> seqBits)), sc & maxSeq
}

// bandBounds returns the score range holding every seq of one band.
func bandBounds(band int) (lo, hi string) {
	base := -int64(band) << seqBits
	return strconv.FormatInt(base, 10), strconv.FormatInt(base|maxSeq, 10)
}

// NewRedisStore creates a RedisStore. prefix defaults to "fluxq:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "fluxq:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedisStore connects to addr ("localhost:6379" when empty) and
// returns a store that owns the client.
func OpenRedisStore(addr, prefix string) *RedisStore {
	if addr == "" {
		addr = "localhost:6379"
	}
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}), prefix)
	s.owned = true
	return s
}

func (s *RedisStore) keySeq() string               { return s.prefix + "seq" }
func (s *RedisStore) keyPending() string           { return s.prefix + "pending" }
func (s *RedisStore) keyPayload() string           { return s.prefix + "payload" }
func (s *RedisStore) keyPriority() string          { return s.prefix + "priority" }
func (s *RedisStore) keyLocks() string             { return s.prefix + "locks" }
func (s *RedisStore) keyLock(lockID string) string { return s.prefix + "lock:" + lockID }

func (s *RedisStore) Connect(ctx context.Context) (int, error) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return 0, err
	}
	n, err := s.client.ZCard(ctx, s.keyPending()).Result()
	return int(n), err
}

func (s *RedisStore) GetTask(ctx context.Context, id string) (*api.Task, error) {
	data, err := s.client.HGet(ctx, s.keyPayload(), id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", api.ErrTaskNotFound, id)
		}
		return nil, err
	}
	priority, err := s.client.HGet(ctx, s.keyPriority(), id).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	payload, err := decodePayload(data)
	if err != nil {
		return nil, err
	}
	return &api.Task{ID: id, Payload: payload, Priority: priority}, nil
}

func (s *RedisStore) PutTask(ctx context.Context, t api.Task) error {
	data, err := encodePayload(t.Payload)
	if err != nil {
		return err
	}

	// A replaced task keeps its seq; a new one gets the next.
	var seq int64
	score, err := s.client.ZScore(ctx, s.keyPending(), t.ID).Result()
	switch {
	case errors.Is(err, redis.Nil):
		seq, err = s.client.Incr(ctx, s.keySeq()).Result()
		if err != nil {
			return err
		}
		if seq > maxSeq {
			return fmt.Errorf("redis put %s: arrival counter %s exhausted", t.ID, s.keySeq())
		}
	case err != nil:
		return err
	default:
		_, seq = splitScore(score)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.keyPayload(), t.ID, data)
		pipe.HSet(ctx, s.keyPriority(), t.ID, t.Priority)
		pipe.ZAdd(ctx, s.keyPending(), redis.Z{Score: pendingScore(t.Priority, seq), Member: t.ID})
		return nil
	})
	return err
}

func (s *RedisStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.keyPending(), id)
		pipe.HDel(ctx, s.keyPayload(), id)
		pipe.HDel(ctx, s.keyPriority(), id)
		return nil
	})
	return err
}

func (s *RedisStore) TakeFirstN(ctx context.Context, n int) (string, []api.Task, error) {
	return s.take(ctx, n, false)
}

func (s *RedisStore) TakeLastN(ctx context.Context, n int) (string, []api.Task, error) {
	return s.take(ctx, n, true)
}

func (s *RedisStore) take(ctx context.Context, n int, newest bool) (string, []api.Task, error) {
	if n <= 0 {
		return "", nil, nil
	}

	var lockID string
	var tasks []api.Task
	txf := func(tx *redis.Tx) error {
		lockID, tasks = "", nil

		var members []redis.Z
		var err error
		if newest {
			members, err = s.newestFirst(ctx, tx, n)
		} else {
			members, err = tx.ZRangeWithScores(ctx, s.keyPending(), 0, int64(n-1)).Result()
		}
		if err != nil || len(members) == 0 {
			return err
		}

		candidates := make([]storedTask, len(members))
		taken := make([]string, len(members))
		for i, m := range members {
			taken[i] = m.Member.(string)
			_, seq := splitScore(m.Score)
			candidates[i] = storedTask{ID: taken[i], Seq: seq}
		}
		priorities, err := tx.HMGet(ctx, s.keyPriority(), taken...).Result()
		if err != nil {
			return err
		}
		payloads, err := tx.HMGet(ctx, s.keyPayload(), taken...).Result()
		if err != nil {
			return err
		}

		lockID = uuid.NewString()
		fields := make([]any, 0, 2*len(candidates))
		for i := range candidates {
			if raw, ok := payloads[i].(string); ok {
				candidates[i].Payload = []byte(raw)
			}
			candidates[i].Priority = parsePriority(priorities[i])
			t, err := candidates[i].task()
			if err != nil {
				return err
			}
			enc, err := candidates[i].encode()
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
			fields = append(fields, candidates[i].ID, enc)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			members := make([]any, len(taken))
			for i, id := range taken {
				members[i] = id
			}
			pipe.ZRem(ctx, s.keyPending(), members...)
			pipe.HDel(ctx, s.keyPayload(), taken...)
			pipe.HDel(ctx, s.keyPriority(), taken...)
			pipe.HSet(ctx, s.keyLock(lockID), fields...)
			pipe.SAdd(ctx, s.keyLocks(), lockID)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTakeAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, s.keyPending())
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return "", nil, err
		}
		return lockID, tasks, nil
	}
	return "", nil, fmt.Errorf("redis take: %w", redis.TxFailedErr)
}

// newestFirst walks the pending set one priority band at a time, highest
// first, and reads each band newest first until n members are collected.
func (s *RedisStore) newestFirst(ctx context.Context, tx *redis.Tx, n int) ([]redis.Z, error) {
	var out []redis.Z
	from := "-inf"
	for len(out) < n {
		head, err := tx.ZRangeByScoreWithScores(ctx, s.keyPending(), &redis.ZRangeBy{
			Min: from, Max: "+inf", Count: 1,
		}).Result()
		if err != nil || len(head) == 0 {
			return out, err
		}
		band, _ := splitScore(head[0].Score)
		lo, hi := bandBounds(band)
		batch, err := tx.ZRevRangeByScoreWithScores(ctx, s.keyPending(), &redis.ZRangeBy{
			Min: lo, Max: hi, Count: int64(n - len(out)),
		}).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		from = "(" + hi
	}
	return out, nil
}

func parsePriority(v any) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return p
}

func (s *RedisStore) MarkDone(ctx context.Context, lockID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keyLock(lockID))
		pipe.SRem(ctx, s.keyLocks(), lockID)
		return nil
	})
	return err
}

func (s *RedisStore) lockedTasks(ctx context.Context, lockID string) ([]storedTask, error) {
	fields, err := s.client.HGetAll(ctx, s.keyLock(lockID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]storedTask, 0, len(fields))
	for _, raw := range fields {
		st, err := decodeStoredTask([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b storedTask) int { return cmp.Compare(a.Seq, b.Seq) })
	return out, nil
}

func (s *RedisStore) GetRunningTasks(ctx context.Context) (map[string][]api.Task, error) {
	lockIDs, err := s.client.SMembers(ctx, s.keyLocks()).Result()
	if err != nil {
		return nil, err
	}

	running := make(map[string][]api.Task, len(lockIDs))
	for _, lockID := range lockIDs {
		stored, err := s.lockedTasks(ctx, lockID)
		if err != nil {
			return nil, err
		}
		tasks := make([]api.Task, 0, len(stored))
		for _, st := range stored {
			t, err := st.task()
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
		running[lockID] = tasks
	}
	return running, nil
}

// Requeue returns a lock's tasks to the pending set with their original
// seq. A task ID pushed again in the meantime keeps the newer payload.
func (s *RedisStore) Requeue(ctx context.Context, lockID string) error {
	stored, err := s.lockedTasks(ctx, lockID)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, st := range stored {
			pipe.HSetNX(ctx, s.keyPayload(), st.ID, st.Payload)
			pipe.HSetNX(ctx, s.keyPriority(), st.ID, st.Priority)
			pipe.ZAddNX(ctx, s.keyPending(), redis.Z{Score: pendingScore(st.Priority, st.Seq), Member: st.ID})
		}
		pipe.Del(ctx, s.keyLock(lockID))
		pipe.SRem(ctx, s.keyLocks(), lockID)
		return nil
	})
	return err
}

// Close closes the client when the store opened it.
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
