package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces all queue keys.
	Prefix string
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// Redis is a Queue stored in Redis:
//
//	<prefix>:<name>:ready     list of ids ready for delivery
//	<prefix>:<name>:delayed   zset id -> due (unix ms)
//	<prefix>:<name>:inflight  zset id -> visibility deadline (unix ms)
//	<prefix>:<name>:msg       hash id -> envelope JSON
type Redis struct {
	opts   Options
	client *redis.Client

	readyKey    string
	delayedKey  string
	inflightKey string
	msgKey      string

	pollInterval time.Duration
}

var _ Queue = (*Redis)(nil)

type envelope struct {
	Body       []byte    `json:"body"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return #ids
`)

var popScript = redis.NewScript(`
local out = {}
for i = 1, tonumber(ARGV[1]) do
  local id = redis.call('LPOP', KEYS[1])
  if not id then break end
  redis.call('ZADD', KEYS[2], ARGV[2], id)
  out[#out + 1] = id
end
return out
`)

func NewRedis(client *redis.Client, prefix string, opts Options) *Redis {
	o := opts.normalized()
	if prefix == "" {
		prefix = "voebot"
	}
	base := prefix + ":" + o.Name
	return &Redis{
		opts:         o,
		client:       client,
		readyKey:     base + ":ready",
		delayedKey:   base + ":delayed",
		inflightKey:  base + ":inflight",
		msgKey:       base + ":msg",
		pollInterval: 100 * time.Millisecond,
	}
}

func (q *Redis) Name() string { return q.opts.Name }

func score(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func (q *Redis) Send(ctx context.Context, body []byte) (string, error) {
	ids, err := q.SendBatch(ctx, [][]byte{body})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (q *Redis) SendBatch(ctx context.Context, bodies [][]byte) ([]string, error) {
	ids := make([]string, 0, len(bodies))
	for _, part := range chunk(bodies, q.opts.BatchSize) {
		now := time.Now().UTC()
		batch := make([]string, 0, len(part))
		_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, b := range part {
				id := uuid.NewString()
				env, err := json.Marshal(envelope{Body: b, EnqueuedAt: now})
				if err != nil {
					return err
				}
				p.HSet(ctx, q.msgKey, id, env)
				p.RPush(ctx, q.readyKey, id)
				batch = append(batch, id)
			}
			return nil
		})
		if err != nil {
			return ids, fmt.Errorf("queue %s: send: %w", q.opts.Name, err)
		}
		ids = append(ids, batch...)
	}
	return ids, nil
}

func (q *Redis) Receive(ctx context.Context, limit int, wait time.Duration) ([]Delivery, error) {
	if limit <= 0 {
		limit = q.opts.BatchSize
	}
	until := time.Now().Add(wait)
	for {
		out, err := q.receiveOnce(ctx, limit)
		if err != nil || len(out) > 0 {
			return out, err
		}
		remaining := time.Until(until)
		if remaining <= 0 {
			return nil, nil
		}
		t := time.NewTimer(min(remaining, q.pollInterval))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (q *Redis) receiveOnce(ctx context.Context, limit int) ([]Delivery, error) {
	now := time.Now()
	if err := q.reclaimExpired(ctx, now); err != nil {
		return nil, err
	}
	if err := promoteScript.Run(ctx, q.client, []string{q.delayedKey, q.readyKey}, score(now)).Err(); err != nil {
		return nil, fmt.Errorf("queue %s: promote: %w", q.opts.Name, err)
	}

	deadline := now.Add(q.opts.Visibility)
	ids, err := popScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, limit, score(deadline)).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue %s: pop: %w", q.opts.Name, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := q.client.HMGet(ctx, q.msgKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("queue %s: load: %w", q.opts.Name, err)
	}
	out := make([]Delivery, 0, len(ids))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Payload vanished (acked concurrently); drop the orphan id.
			q.client.ZRem(ctx, q.inflightKey, ids[i])
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(s), &env); err != nil {
			return out, fmt.Errorf("queue %s: decode %s: %w", q.opts.Name, ids[i], err)
		}
		out = append(out, Delivery{ID: ids[i], Body: env.Body, Attempt: env.Attempt, EnqueuedAt: env.EnqueuedAt})
	}
	return out, nil
}

// reclaimExpired treats inflight messages past their deadline as failed.
// ZREM decides ownership when several consumers race.
func (q *Redis) reclaimExpired(ctx context.Context, now time.Time) error {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{Min: "-inf", Max: score(now)}).Result()
	if err != nil {
		return fmt.Errorf("queue %s: scan inflight: %w", q.opts.Name, err)
	}
	for _, id := range ids {
		n, err := q.client.ZRem(ctx, q.inflightKey, id).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if err := q.fail(ctx, id, errVisibilityExpired); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

func (q *Redis) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.inflightKey, members...)
		p.HDel(ctx, q.msgKey, ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue %s: ack: %w", q.opts.Name, err)
	}
	return nil
}

func (q *Redis) Nack(ctx context.Context, d Delivery, cause error) error {
	n, err := q.client.ZRem(ctx, q.inflightKey, d.ID).Result()
	if err != nil {
		return fmt.Errorf("queue %s: nack: %w", q.opts.Name, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return q.fail(ctx, d.ID, cause)
}

func (q *Redis) fail(ctx context.Context, id string, cause error) error {
	raw, err := q.client.HGet(ctx, q.msgKey, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("queue %s: load %s: %w", q.opts.Name, id, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("queue %s: decode %s: %w", q.opts.Name, id, err)
	}

	attempt := env.Attempt + 1
	body := stampBody(env.Body, attempt, cause)
	delay := q.opts.Policy.Delay(attempt, cause)

	if q.opts.Policy.Exhausted(attempt) {
		if q.opts.DeadLetter != nil {
			if _, err := q.opts.DeadLetter.Send(ctx, body); err != nil {
				// Park it again instead of losing it.
				q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: id})
				return err
			}
		}
		return q.client.HDel(ctx, q.msgKey, id).Err()
	}

	env.Attempt = attempt
	env.Body = body
	next, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.msgKey, id, next)
		p.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: id})
		return nil
	})
	return err
}

func (q *Redis) Depth(ctx context.Context) (Depth, error) {
	var ready, delayed, inflight *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.LLen(ctx, q.readyKey)
		delayed = p.ZCard(ctx, q.delayedKey)
		inflight = p.ZCard(ctx, q.inflightKey)
		return nil
	})
	if err != nil {
		return Depth{}, fmt.Errorf("queue %s: depth: %w", q.opts.Name, err)
	}
	d := Depth{Ready: ready.Val(), Delayed: delayed.Val(), Inflight: inflight.Val()}
	if q.opts.DeadLetter != nil {
		dd, err := q.opts.DeadLetter.Depth(ctx)
		if err != nil {
			return d, err
		}
		d.Dead = dd.Ready + dd.Delayed + dd.Inflight
	}
	return d, nil
}

// Close is a no-op: the client is shared and owned by the caller.
func (q *Redis) Close() error { return nil }
