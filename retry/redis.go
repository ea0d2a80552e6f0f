package retry

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/rosterhq/roster/model"
)

const (
	recordKeyPrefix = "roster:retry:record:"
	claimKeyPrefix  = "roster:retry:claim:"
	dueIndexKey     = "roster:retry:due"
	dlqKeyPrefix    = "roster:retry:dlq:"
	dlqIndexKey     = "roster:retry:dlq"
)

// RedisStore is the production Store: records as JSON values, a ZSET due
// index scored by NextRetryAt, and claims as SetNX keys whose TTL is the
// lease. Claim atomicity comes from Redis itself, so the contract holds
// across separate worker processes.
type RedisStore struct {
	client  redis.UniversalClient
	backoff Backoff
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.UniversalClient, backoff Backoff) *RedisStore {
	return &RedisStore{client: client, backoff: backoff}
}

func recordKey(id string) string { return recordKeyPrefix + id }
func claimKey(id string) string  { return claimKeyPrefix + id }

func (s *RedisStore) writeRecord(ctx context.Context, record *model.RetryRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "failed to marshal retry record")
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, recordKey(record.ID), data, 0)
	pipe.ZAdd(ctx, dueIndexKey, redis.Z{Score: float64(record.NextRetryAt.Unix()), Member: record.ID})
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "failed to store retry record")
}

func (s *RedisStore) getRecord(ctx context.Context, id string) (*model.RetryRecord, error) {
	data, err := s.client.Get(ctx, recordKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var record model.RetryRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal retry record")
	}
	return &record, nil
}

func (s *RedisStore) Save(ctx context.Context, record *model.RetryRecord) (string, error) {
	now := time.Now()
	record.ID = model.GenerateUUIDWithSuffix("rty")
	record.Attempts = 0
	record.CreatedAt = now
	record.UpdatedAt = now
	if record.NextRetryAt.Before(now) {
		record.NextRetryAt = now
	}
	if err := s.writeRecord(ctx, record); err != nil {
		return "", err
	}
	return record.ID, nil
}

func (s *RedisStore) FetchDue(ctx context.Context, limit int) ([]*model.RetryRecord, error) {
	ids, err := s.client.ZRangeByScore(ctx, dueIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().Unix(), 10),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to query due index")
	}

	var due []*model.RetryRecord
	for _, id := range ids {
		if limit > 0 && len(due) >= limit {
			break
		}
		// A live claim key means some worker holds the lease; expiry makes
		// the record visible again without extra bookkeeping.
		held, err := s.client.Exists(ctx, claimKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if held > 0 {
			continue
		}
		record, err := s.getRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		if record == nil {
			// Stale index entry, clean it up.
			s.client.ZRem(ctx, dueIndexKey, id)
			continue
		}
		due = append(due, record)
	}
	return due, nil
}

func (s *RedisStore) ClaimRecord(ctx context.Context, id, workerID string, lease time.Duration) (bool, error) {
	exists, err := s.client.Exists(ctx, recordKey(id)).Result()
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}
	ok, err := s.client.SetNX(ctx, claimKey(id), workerID, lease).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to take claim")
	}
	return ok, nil
}

func (s *RedisStore) MarkSuccess(ctx context.Context, id string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, recordKey(id))
	pipe.ZRem(ctx, dueIndexKey, id)
	pipe.Del(ctx, claimKey(id))
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "failed to remove retry record")
}

func (s *RedisStore) MarkPermanentFailure(ctx context.Context, id, reason string) error {
	record, err := s.getRecord(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		// Already removed; idempotent.
		return nil
	}

	record.LastError = reason
	record.UpdatedAt = time.Now()
	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "failed to marshal dead letter")
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, dlqKeyPrefix+id, data, 0)
	pipe.SAdd(ctx, dlqIndexKey, id)
	pipe.Del(ctx, recordKey(id))
	pipe.ZRem(ctx, dueIndexKey, id)
	pipe.Del(ctx, claimKey(id))
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "failed to dead-letter retry record")
}

func (s *RedisStore) IncrementAttempt(ctx context.Context, id, lastError string) error {
	record, err := s.getRecord(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}

	failedAttempt := record.Attempts
	record.Attempts++
	record.LastError = lastError
	record.UpdatedAt = time.Now()

	if record.Attempts >= record.MaxAttempts {
		// Persist the bumped counter before moving so the dead letter shows
		// how many attempts were burned.
		if err := s.writeRecord(ctx, record); err != nil {
			return err
		}
		return s.MarkPermanentFailure(ctx, id, lastError)
	}

	record.NextRetryAt = time.Now().Add(s.backoff.Delay(failedAttempt))
	if err := s.writeRecord(ctx, record); err != nil {
		return err
	}
	// Release the claim so the next sweep can pick the record up.
	return s.client.Del(ctx, claimKey(id)).Err()
}

func (s *RedisStore) ActiveCount(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, dueIndexKey).Result()
	return int(n), err
}

func (s *RedisStore) DeadLetters(ctx context.Context) ([]*model.RetryRecord, error) {
	ids, err := s.client.SMembers(ctx, dlqIndexKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.RetryRecord, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, dlqKeyPrefix+id).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, err
		}
		var record model.RetryRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal dead letter")
		}
		out = append(out, &record)
	}
	return out, nil
}
