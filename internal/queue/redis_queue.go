package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"ingestion-scheduler/internal/models"
)

// RedisQueue keeps one sorted set per priority, a claimed set scored by claim
// time, and one hash per batch holding the entry itself.
//
// Pending members all score 0 and are named "<enqueued_at nanos>:<seq>:<batch id>"
// with fixed-width numbers, so lexicographic order is enqueue time first and
// enqueue sequence second.
type RedisQueue struct {
	client *redis.Client
	clock  clock.PassiveClock
	prefix string
}

// NewRedisQueue builds a queue on an existing client. Keys are namespaced by prefix.
func NewRedisQueue(client *redis.Client, prefix string, clk clock.PassiveClock) *RedisQueue {
	if prefix == "" {
		prefix = "ingest"
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &RedisQueue{client: client, clock: clk, prefix: prefix}
}

func (q *RedisQueue) pendingPrefix() string {
	return q.prefix + ":queue:pending:"
}

func (q *RedisQueue) pendingKey(p models.Priority) string {
	return q.pendingPrefix() + string(p)
}

func (q *RedisQueue) claimedKey() string {
	return q.prefix + ":queue:claimed"
}

func (q *RedisQueue) seqKey() string {
	return q.prefix + ":queue:seq"
}

func (q *RedisQueue) entryPrefix() string {
	return q.prefix + ":queue:entry:"
}

func (q *RedisQueue) entryKey(batchID string) string {
	return q.entryPrefix() + batchID
}

func (q *RedisQueue) pendingKeys() []string {
	keys := make([]string, 0, 3)
	for _, p := range models.Priorities() {
		keys = append(keys, q.pendingKey(p))
	}
	return keys
}

// Enqueue stores the entry hash and adds the batch to its priority set.
func (q *RedisQueue) Enqueue(ctx context.Context, entry models.QueueEntry) error {
	if !entry.Priority.Valid() {
		return fmt.Errorf("enqueue batch %s: unknown priority %q", entry.BatchID, entry.Priority)
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = q.clock.Now()
	}
	items, err := json.Marshal(entry.ItemIDs)
	if err != nil {
		return fmt.Errorf("marshal item ids: %w", err)
	}
	nanos := entry.EnqueuedAt.UnixNano()
	keys := []string{q.entryKey(entry.BatchID), q.pendingKey(entry.Priority), q.seqKey()}
	err = enqueueScript.Run(ctx, q.client, keys,
		entry.BatchID,
		entry.JobID,
		string(items),
		string(entry.Priority),
		nanos,
		sortableNanos(nanos),
	).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("enqueue batch %s: %w", entry.BatchID, err)
	}
	return nil
}

// TakeNext pops the lowest member across the priority sets in order, marks it
// claimed and reads the entry back within a single script, so two callers can
// never claim the same batch and a claim is never left without its data.
func (q *RedisQueue) TakeNext(ctx context.Context) (models.QueueEntry, bool, error) {
	keys := append(q.pendingKeys(), q.claimedKey())
	res, err := claimScript.Run(ctx, q.client, keys, q.entryPrefix(), q.clock.Now().UnixMilli()).Result()
	if err == redis.Nil {
		return models.QueueEntry{}, false, nil
	}
	if err != nil {
		return models.QueueEntry{}, false, fmt.Errorf("claim next batch: %w", err)
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) == 0 {
		return models.QueueEntry{}, false, fmt.Errorf("unexpected reply from claim script: %v", res)
	}
	batchID, _ := reply[0].(string)
	entry, err := decodeEntry(batchID, pairsToMap(reply[1:]))
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

// Complete removes every trace of the batch; missing entries are a no-op.
func (q *RedisQueue) Complete(ctx context.Context, batchID string) error {
	keys := append(q.pendingKeys(), q.claimedKey(), q.entryKey(batchID))
	if err := completeScript.Run(ctx, q.client, keys, batchID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("complete batch %s: %w", batchID, err)
	}
	return nil
}

// Release puts a claimed batch back into its priority set under its original
// member, which restores its original position.
func (q *RedisQueue) Release(ctx context.Context, batchID string) error {
	keys := []string{q.claimedKey(), q.entryKey(batchID)}
	err := releaseScript.Run(ctx, q.client, keys, batchID, q.pendingPrefix()).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release batch %s: %w", batchID, err)
	}
	return nil
}

// Depth returns the total size of the pending sets and the claimed set size.
func (q *RedisQueue) Depth(ctx context.Context) (int64, int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, 3)
	for _, key := range q.pendingKeys() {
		cmds = append(cmds, pipe.ZCard(ctx, key))
	}
	claimed := pipe.ZCard(ctx, q.claimedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	var pending int64
	for _, c := range cmds {
		pending += c.Val()
	}
	return pending, claimed.Val(), nil
}

// Claimed lists entries claimed at or before the given time, oldest claim
// first. Claims whose entry hash has vanished are dropped from the set.
func (q *RedisQueue) Claimed(ctx context.Context, before time.Time) ([]models.QueueEntry, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.claimedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list claimed batches: %w", err)
	}
	out := make([]models.QueueEntry, 0, len(ids))
	for _, id := range ids {
		fields, err := q.client.HGetAll(ctx, q.entryKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("load claimed batch %s: %w", id, err)
		}
		if len(fields) == 0 {
			if err := q.client.ZRem(ctx, q.claimedKey(), id).Err(); err != nil {
				return nil, fmt.Errorf("drop stale claim %s: %w", id, err)
			}
			continue
		}
		entry, err := decodeEntry(id, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// sortableNanos renders a timestamp so that string order matches time order.
func sortableNanos(nanos int64) string {
	if nanos < 0 {
		nanos = 0
	}
	return fmt.Sprintf("%020d", nanos)
}

func pairsToMap(flat []interface{}) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		m[k] = v
	}
	return m
}

func decodeEntry(batchID string, fields map[string]string) (models.QueueEntry, error) {
	if len(fields) == 0 {
		return models.QueueEntry{}, fmt.Errorf("batch %s claimed without entry data", batchID)
	}
	var items []int64
	if err := json.Unmarshal([]byte(fields["item_ids"]), &items); err != nil {
		return models.QueueEntry{}, fmt.Errorf("decode item ids for batch %s: %w", batchID, err)
	}
	nanos, err := strconv.ParseInt(fields["enqueued_at"], 10, 64)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("decode enqueued_at for batch %s: %w", batchID, err)
	}
	return models.QueueEntry{
		JobID:      fields["job_id"],
		BatchID:    batchID,
		ItemIDs:    items,
		Priority:   models.Priority(fields["priority"]),
		EnqueuedAt: time.Unix(0, nanos),
		State:      models.DispatchState(fields["state"]),
	}, nil
}

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local seq = tostring(redis.call('INCR', KEYS[3]))
local member = ARGV[6] .. ':' .. string.rep('0', 12 - #seq) .. seq .. ':' .. ARGV[1]
redis.call('HSET', KEYS[1], 'job_id', ARGV[2], 'item_ids', ARGV[3], 'priority', ARGV[4], 'enqueued_at', ARGV[5], 'state', 'pending', 'member', member)
redis.call('ZADD', KEYS[2], 0, member)
return 1
`)

var claimScript = redis.NewScript(`
local claimed = KEYS[#KEYS]
for i=1,#KEYS-1 do
  while true do
    local head = redis.call('ZRANGE', KEYS[i], 0, 0)
    if #head == 0 then break end
    local member = head[1]
    redis.call('ZREM', KEYS[i], member)
    local id = string.match(member, '^%d+:%d+:(.+)$')
    if id then
      local entry = ARGV[1] .. id
      if redis.call('HGET', entry, 'member') == member then
        redis.call('HSET', entry, 'state', 'claimed')
        redis.call('ZADD', claimed, ARGV[2], id)
        local fields = redis.call('HGETALL', entry)
        table.insert(fields, 1, id)
        return fields
      end
    end
  end
end
return nil
`)

var completeScript = redis.NewScript(`
local entry = KEYS[#KEYS]
local member = redis.call('HGET', entry, 'member')
if member then
  for i=1,#KEYS-2 do
    redis.call('ZREM', KEYS[i], member)
  end
end
redis.call('ZREM', KEYS[#KEYS-1], ARGV[1])
redis.call('DEL', entry)
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
local data = redis.call('HMGET', KEYS[2], 'priority', 'member')
if not data[1] or not data[2] then
  return 0
end
redis.call('HSET', KEYS[2], 'state', 'pending')
redis.call('ZADD', ARGV[2] .. data[1], 0, data[2])
return 1
`)
