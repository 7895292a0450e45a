package vectorstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each point in a hash and indexes points by job in a set.
//
//	vec:<collection>:<point>     hash {vector, payload, job_id}
//	vecjob:<collection>:<job>    set of point ids
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func pointKey(collection, pointID string) string {
	return fmt.Sprintf("vec:%s:%s", collection, pointID)
}

func jobKey(collection, jobID string) string {
	return fmt.Sprintf("vecjob:%s:%s", collection, jobID)
}

func (s *RedisStore) Upsert(ctx context.Context, collection, pointID string, vector []float32, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	jobID := jobIDOf(payload)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, pointKey(collection, pointID),
		"vector", encodeVector(vector),
		"payload", body,
		"job_id", jobID)
	if jobID != "" {
		pipe.SAdd(ctx, jobKey(collection, jobID), pointID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upserting point %s/%s: %w", collection, pointID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, collection, pointID string) (*Point, error) {
	fields, err := s.client.HGetAll(ctx, pointKey(collection, pointID)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting point %s/%s: %w", collection, pointID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	p := &Point{ID: pointID, Vector: decodeVector([]byte(fields["vector"]))}
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload: %w", err)
		}
	}
	return p, nil
}

func (s *RedisStore) DeleteByJob(ctx context.Context, collection, jobID string) error {
	jk := jobKey(collection, jobID)
	ids, err := s.client.SMembers(ctx, jk).Result()
	if err != nil {
		return fmt.Errorf("listing points for job %s: %w", jobID, err)
	}

	for _, id := range ids {
		pk := pointKey(collection, id)
		owner, err := s.client.HGet(ctx, pk, "job_id").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading point owner: %w", err)
		}
		// A later job may have overwritten the point.
		if owner != jobID {
			continue
		}
		if err := s.client.Del(ctx, pk).Err(); err != nil {
			return fmt.Errorf("deleting point %s: %w", pk, err)
		}
	}
	return s.client.Del(ctx, jk).Err()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

var _ Store = (*RedisStore)(nil)
