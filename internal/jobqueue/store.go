package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/skyfleet/missionagent/internal/model"
)

const (
	jobKeyPrefix     = "job:"
	pendingKeyPrefix = "pending:"
	maxTxRetries     = 8
)

// Store keeps job records in Redis. Each record is a JSON string; the ids
// of the not yet terminal jobs of a device are in a sorted set scored by
// the time they were queued. Terminal records expire after the retention.
type Store struct {
	rdb       *redis.Client
	retention time.Duration
	now       func() time.Time
}

func NewStore(rdb *redis.Client, retention time.Duration) *Store {
	return &Store{
		rdb:       rdb,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Create(ctx context.Context, thing string, doc json.RawMessage) (*Record, error) {
	if !validDocument(doc) {
		return nil, ErrInvalidDocument
	}
	now := s.now()
	record := &Record{
		Thing:           thing,
		JobID:           uuid.NewString(),
		Status:          model.JobQueued,
		Document:        doc,
		QueuedAt:        now,
		LastUpdatedAt:   now,
		VersionNumber:   1,
		ExecutionNumber: 1,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(thing, record.JobID), payload, 0)
		pipe.ZAdd(ctx, pendingKey(thing), redis.Z{Score: float64(now.UnixMilli()), Member: record.JobID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storing job: %w", err)
	}
	return record, nil
}

func (s *Store) Get(ctx context.Context, thing, id string) (*Record, error) {
	data, err := s.rdb.Get(ctx, jobKey(thing, id)).Bytes()
	return decodeRecord(data, err)
}

func (s *Store) Pending(ctx context.Context, thing string) (Pending, error) {
	ids, err := s.rdb.ZRange(ctx, pendingKey(thing), 0, -1).Result()
	if err != nil {
		return Pending{}, err
	}
	if len(ids) == 0 {
		return Pending{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(thing, id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return Pending{}, err
	}

	var pending Pending
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// expired or deleted behind our back
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(str), &record); err != nil {
			return Pending{}, err
		}
		switch record.Status {
		case model.JobQueued:
			pending.Queued = append(pending.Queued, record)
		case model.JobInProgress:
			pending.InProgress = append(pending.InProgress, record)
		}
	}
	return pending, nil
}

func (s *Store) UpdateStatus(ctx context.Context, thing, id string, status model.JobStatus, expectedVersion int64) (*Record, error) {
	key := jobKey(thing, id)
	var updated *Record
	update := func(tx *redis.Tx) error {
		record, err := decodeRecord(tx.Get(ctx, key).Bytes())
		if err != nil {
			return err
		}
		if expectedVersion != 0 && expectedVersion != record.VersionNumber {
			return fmt.Errorf("%w: expected %d, stored %d", ErrVersionMismatch, expectedVersion, record.VersionNumber)
		}
		if !record.Status.CanTransition(status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.Status, status)
		}
		record.Status = status
		record.LastUpdatedAt = s.now()
		record.VersionNumber++
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}

		var ttl time.Duration
		if status.Terminal() {
			ttl = s.retention
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			if status.Terminal() {
				pipe.ZRem(ctx, pendingKey(thing), id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = record
		return nil
	}

	for range maxTxRetries {
		err := s.rdb.Watch(ctx, update, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("updating job %s: too much contention", id)
}

func decodeRecord(data []byte, err error) (*Record, error) {
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding job record: %w", err)
	}
	return &record, nil
}

func jobKey(thing, id string) string {
	return jobKeyPrefix + thing + ":" + id
}

func pendingKey(thing string) string {
	return pendingKeyPrefix + thing
}

var _ Jobs = (*Store)(nil)
