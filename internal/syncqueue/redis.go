package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps submissions as JSON in one hash, with a sorted set per tag
// ordering ids by creation time.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisQueue creates a queue whose keys start with prefix.
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	return &RedisQueue{client: client, prefix: prefix}
}

func (q *RedisQueue) itemsKey() string         { return q.prefix + ":queue:items" }
func (q *RedisQueue) tagsKey() string          { return q.prefix + ":queue:tags" }
func (q *RedisQueue) tagKey(tag string) string { return q.prefix + ":queue:tag:" + tag }

func (q *RedisQueue) Enqueue(ctx context.Context, s *Submission) error {
	prepare(s)

	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.itemsKey(), s.ID.String(), raw)
		pipe.ZAdd(ctx, q.tagKey(s.Tag), redis.Z{
			Score:  float64(s.CreatedAt.UnixNano()),
			Member: s.ID.String(),
		})
		pipe.SAdd(ctx, q.tagsKey(), s.Tag)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue submission: %w", err)
	}
	return nil
}

func (q *RedisQueue) List(ctx context.Context, tag string) ([]*Submission, error) {
	ids, err := q.client.ZRange(ctx, q.tagKey(tag), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	if len(ids) == 0 {
		return []*Submission{}, nil
	}

	values, err := q.client.HMGet(ctx, q.itemsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load submissions: %w", err)
	}

	out := make([]*Submission, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without an item; drop it.
			if remErr := q.client.ZRem(ctx, q.tagKey(tag), ids[i]).Err(); remErr != nil {
				return nil, fmt.Errorf("prune index entry %s: %w", ids[i], remErr)
			}
			continue
		}
		var s Submission
		if decodeErr := json.Unmarshal([]byte(raw), &s); decodeErr != nil {
			return nil, fmt.Errorf("decode submission %s: %w", ids[i], decodeErr)
		}
		out = append(out, &s)
	}
	return out, nil
}

func (q *RedisQueue) get(ctx context.Context, id uuid.UUID) (*Submission, error) {
	raw, err := q.client.HGet(ctx, q.itemsKey(), id.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var s Submission
	if err = json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode submission %s: %w", id, err)
	}
	return &s, nil
}

func (q *RedisQueue) Remove(ctx context.Context, id uuid.UUID) error {
	s, err := q.get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("remove submission: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.itemsKey(), id.String())
		pipe.ZRem(ctx, q.tagKey(s.Tag), id.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove submission: %w", err)
	}
	return nil
}

func (q *RedisQueue) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	err := q.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, getErr := tx.HGet(ctx, q.itemsKey(), id.String()).Bytes()
		if errors.Is(getErr, redis.Nil) {
			return ErrNotFound
		}
		if getErr != nil {
			return getErr
		}

		var s Submission
		if decodeErr := json.Unmarshal(raw, &s); decodeErr != nil {
			return fmt.Errorf("decode submission %s: %w", id, decodeErr)
		}
		s.Attempts++
		s.LastError = reason

		updated, encodeErr := json.Marshal(&s)
		if encodeErr != nil {
			return fmt.Errorf("encode submission: %w", encodeErr)
		}

		_, pipeErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.itemsKey(), id.String(), updated)
			return nil
		})
		return pipeErr
	}, q.itemsKey())

	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("mark submission failed: %w", err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context, tag string) (int, error) {
	n, err := q.client.ZCard(ctx, q.tagKey(tag)).Result()
	if err != nil {
		return 0, fmt.Errorf("count submissions: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue) Tags(ctx context.Context) ([]string, error) {
	members, err := q.client.SMembers(ctx, q.tagsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}

	tags := make([]string, 0, len(members))
	for _, tag := range members {
		n, lenErr := q.Len(ctx, tag)
		if lenErr != nil {
			return nil, lenErr
		}
		if n > 0 {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags, nil
}
