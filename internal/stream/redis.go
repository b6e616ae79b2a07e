package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/finfolio/holdings-engine/internal/model"
)

const (
	payloadField = "payload"
	readBlock    = 5 * time.Second
)

// RedisStream implements Stream on Redis Streams. Each partition is its own
// stream key (<prefix>:p<N>) consumed through a consumer group, so pending
// entries survive a crash and are re-presented before new ones. Dead letters
// go to <prefix>:deadletter.
type RedisStream struct {
	rdb        *redis.Client
	prefix     string
	group      string
	consumer   string
	partitions int
}

// NewRedisStream creates a Redis Streams transport. consumer names this
// process inside the group (e.g. hostname) so a restarted instance reclaims
// its own pending entries.
func NewRedisStream(rdb *redis.Client, prefix, group, consumer string, partitions int) *RedisStream {
	if partitions < 1 {
		partitions = 1
	}
	return &RedisStream{
		rdb:        rdb,
		prefix:     prefix,
		group:      group,
		consumer:   consumer,
		partitions: partitions,
	}
}

func (s *RedisStream) Partitions() int { return s.partitions }

func (s *RedisStream) partitionKey(p int) string {
	return fmt.Sprintf("%s:p%d", s.prefix, p)
}

func (s *RedisStream) deadLetterKey() string {
	return s.prefix + ":deadletter"
}

// Publish appends an event to the partition derived from its user_id.
// Used by the producing side and by integration tooling.
func (s *RedisStream) Publish(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := s.partitionKey(PartitionFor(ev.UserID, s.partitions))
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{payloadField: payload},
	}).Err()
}

// Source returns the consumer-group reader for one partition.
func (s *RedisStream) Source(partition int) Source {
	return &redisSource{
		stream:  s,
		key:     s.partitionKey(partition),
		backlog: true,
	}
}

func (s *RedisStream) DeadLetters() DeadLetterSink {
	return &redisDeadLetters{stream: s}
}

// Ping verifies broker connectivity and creates the consumer groups; used
// at startup so an unreachable broker fails readiness instead of being
// swallowed into the poll loop.
func (s *RedisStream) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	for p := 0; p < s.partitions; p++ {
		if err := s.ensureGroup(ctx, s.partitionKey(p)); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStream) ensureGroup(ctx context.Context, key string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, key, s.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group on %s: %w", key, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	// BUSYGROUP means the group already exists, which is fine.
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// redisSource reads one partition stream through the consumer group. It
// drains this consumer's pending entries (deliveries read but never acked
// before a crash) before moving on to new entries.
type redisSource struct {
	stream  *RedisStream
	key     string
	backlog bool
}

func (r *redisSource) Next(ctx context.Context) (*Delivery, error) {
	for {
		id := ">"
		if r.backlog {
			id = "0"
		}

		res, err := r.stream.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.stream.group,
			Consumer: r.stream.consumer,
			Streams:  []string{r.key, id},
			Count:    1,
			Block:    readBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue // poll timeout, re-block
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read %s: %w", r.key, err)
		}

		if len(res) == 0 || len(res[0].Messages) == 0 {
			// Backlog drained; switch to new entries.
			if r.backlog {
				r.backlog = false
				continue
			}
			continue
		}

		msg := res[0].Messages[0]
		payload, _ := msg.Values[payloadField].(string)
		return &Delivery{ID: msg.ID, Payload: []byte(payload)}, nil
	}
}

func (r *redisSource) Ack(ctx context.Context, d *Delivery) error {
	return r.stream.rdb.XAck(ctx, r.key, r.stream.group, d.ID).Err()
}

type redisDeadLetters struct {
	stream *RedisStream
}

func (r *redisDeadLetters) Send(ctx context.Context, dl model.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	return r.stream.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream.deadLetterKey(),
		Values: map[string]interface{}{
			"id":         dl.ID,
			payloadField: []byte(dl.Payload),
			"reason":     dl.Reason,
			"failed_at":  dl.FailedAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
}
