package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/okian/skillmatch/internal/domain/model"
	"github.com/okian/skillmatch/pkg/metrics"
)

// RedisStore keeps rows in redis so several service instances can share
// one score cache.
//
//	<prefix>:rows:<user>  hash  job -> JSON row
//	<prefix>:rank:<user>  zset  job scored by -score (ties order by job id)
//	<prefix>:users        zset  every user with rows, all scored 0
type RedisStore struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr string, db int, opts ...Option) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return NewRedisStoreWithClient(client, opts...), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, opts ...Option) *RedisStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, opts: o}
}

func (s *RedisStore) rowsKey(userID string) string { return s.opts.prefix + ":rows:" + userID }
func (s *RedisStore) rankKey(userID string) string { return s.opts.prefix + ":rank:" + userID }
func (s *RedisStore) usersKey() string             { return s.opts.prefix + ":users" }

// UpsertBatch implements Store. Each chunk runs in one MULTI/EXEC block.
func (s *RedisStore) UpsertBatch(ctx context.Context, rows []model.SimilarityScore) (int, error) {
	start := time.Now()
	defer func() {
		metrics.RecordCacheUpsertLatency(float64(time.Since(start).Milliseconds()))
	}()

	for _, r := range rows {
		if err := ValidateRow(r); err != nil {
			return 0, err
		}
	}

	written := 0
	for lo := 0; lo < len(rows); lo += s.opts.txnRows {
		chunk := rows[lo:min(lo+s.opts.txnRows, len(rows))]
		pipe := s.client.TxPipeline()
		for _, r := range chunk {
			data, err := json.Marshal(r)
			if err != nil {
				return written, fmt.Errorf("marshal row: %w", err)
			}
			pipe.HSet(ctx, s.rowsKey(r.UserID), r.JobID, data)
			pipe.ZAdd(ctx, s.rankKey(r.UserID), redis.Z{Score: -r.Score, Member: r.JobID})
			pipe.ZAdd(ctx, s.usersKey(), redis.Z{Score: 0, Member: r.UserID})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return written, fmt.Errorf("upsert rows: %w", err)
		}
		written += len(chunk)
	}
	return written, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, userID, jobID string) (model.SimilarityScore, error) {
	var row model.SimilarityScore
	data, err := s.client.HGet(ctx, s.rowsKey(userID), jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return row, ErrNotFound
	}
	if err != nil {
		return row, fmt.Errorf("get row: %w", err)
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return row, fmt.Errorf("decode row: %w", err)
	}
	return row, nil
}

// Ranked implements Store.
func (s *RedisStore) Ranked(ctx context.Context, userID string, offset, limit int) ([]model.SimilarityScore, error) {
	if err := validateWindow(offset, limit); err != nil {
		return nil, err
	}
	jobIDs, err := s.client.ZRange(ctx, s.rankKey(userID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("range rank: %w", err)
	}
	return s.fetch(ctx, userID, jobIDs)
}

func (s *RedisStore) fetch(ctx context.Context, userID string, jobIDs []string) ([]model.SimilarityScore, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.rowsKey(userID), jobIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch rows: %w", err)
	}
	out := make([]model.SimilarityScore, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var row model.SimilarityScore
		if err := json.Unmarshal([]byte(str), &row); err != nil {
			return nil, fmt.Errorf("decode row %s/%s: %w", userID, jobIDs[i], err)
		}
		out = append(out, row)
	}
	return out, nil
}

// Page implements Store.
func (s *RedisStore) Page(ctx context.Context, offset, limit int) ([]model.SimilarityScore, error) {
	if err := validateWindow(offset, limit); err != nil {
		return nil, err
	}
	users, lens, err := s.userSizes(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]model.SimilarityScore, 0, limit)
	for i, uid := range users {
		if offset >= lens[i] {
			offset -= lens[i]
			continue
		}
		jobIDs, err := s.client.HKeys(ctx, s.rowsKey(uid)).Result()
		if err != nil {
			return nil, fmt.Errorf("list jobs of %s: %w", uid, err)
		}
		sort.Strings(jobIDs)
		if offset > len(jobIDs) {
			offset = len(jobIDs)
		}
		want := jobIDs[offset:]
		if rest := limit - len(out); len(want) > rest {
			want = want[:rest]
		}
		rows, err := s.fetch(ctx, uid, want)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
		if len(out) == limit {
			break
		}
		offset = 0
	}
	return out, nil
}

// userSizes returns users in id order with their row counts.
func (s *RedisStore) userSizes(ctx context.Context) ([]string, []int, error) {
	users, err := s.client.ZRange(ctx, s.usersKey(), 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("list users: %w", err)
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(users))
	for i, uid := range users {
		cmds[i] = pipe.HLen(ctx, s.rowsKey(uid))
	}
	if len(users) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, nil, fmt.Errorf("count rows: %w", err)
		}
	}
	lens := make([]int, len(users))
	for i, c := range cmds {
		lens[i] = int(c.Val())
	}
	return users, lens, nil
}

// Count implements Store.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	_, lens, err := s.userSizes(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range lens {
		total += n
	}
	metrics.UpdateCacheRows(total)
	return total, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
