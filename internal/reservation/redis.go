package reservation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"reply-correlator/internal/config"
	"reply-correlator/internal/correlate"
)

var _ correlate.ReservationStore = (*RedisStore)(nil)

// ErrNotFound is returned by lookups for ids that were never reserved.
var ErrNotFound = errors.New("reservation: not found")

// RedisStore keeps reservations in three hashes under a common prefix:
// message -> job, message -> "method|unix_ms", and job -> message.
type RedisStore struct {
	client   redis.Cmdable
	ownerKey string
	metaKey  string
	jobKey   string
}

// NewRedisStore builds a store on an existing client. The caller owns the
// client lifecycle.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "correlator:reservations"
	}
	return &RedisStore{
		client:   client,
		ownerKey: prefix + ":owner",
		metaKey:  prefix + ":meta",
		jobKey:   prefix + ":by_job",
	}
}

// NewRedisStoreFromConfig dials Redis from config.
func NewRedisStoreFromConfig(cfg config.Config) (*RedisStore, *redis.Client) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisStore(client, cfg.ReservationKey), client
}

// TryReserve binds messageID to jobID unless another job holds it.
func (s *RedisStore) TryReserve(ctx context.Context, messageID, jobID string, method correlate.Method) (bool, error) {
	meta := fmt.Sprintf("%s|%d", method, time.Now().UnixMilli())
	res, err := reserveScript.Run(ctx, s.client, []string{s.ownerKey, s.metaKey, s.jobKey}, messageID, jobID, meta).Int64()
	if err != nil {
		return false, fmt.Errorf("reserve script: %w", err)
	}
	return res == 1, nil
}

// ListReserved returns every reserved message id.
func (s *RedisStore) ListReserved(ctx context.Context) ([]string, error) {
	ids, err := s.client.HKeys(ctx, s.ownerKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return ids, nil
}

// LookupReservation returns the reservation held on a message id.
func (s *RedisStore) LookupReservation(ctx context.Context, messageID string) (correlate.Reservation, error) {
	pipe := s.client.Pipeline()
	owner := pipe.HGet(ctx, s.ownerKey, messageID)
	meta := pipe.HGet(ctx, s.metaKey, messageID)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return correlate.Reservation{}, fmt.Errorf("lookup reservation: %w", err)
	}
	jobID, err := owner.Result()
	if errors.Is(err, redis.Nil) {
		return correlate.Reservation{}, ErrNotFound
	}
	if err != nil {
		return correlate.Reservation{}, fmt.Errorf("lookup reservation: %w", err)
	}
	r := correlate.Reservation{MessageID: messageID, JobID: jobID}
	if raw, err := meta.Result(); err == nil {
		r.Method, r.ReservedAt = parseMeta(raw)
	}
	return r, nil
}

// LookupJobReservation returns the reservation a job won, if any.
func (s *RedisStore) LookupJobReservation(ctx context.Context, jobID string) (correlate.Reservation, error) {
	messageID, err := s.client.HGet(ctx, s.jobKey, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return correlate.Reservation{}, ErrNotFound
	}
	if err != nil {
		return correlate.Reservation{}, fmt.Errorf("lookup job reservation: %w", err)
	}
	return s.LookupReservation(ctx, messageID)
}

func parseMeta(raw string) (correlate.Method, time.Time) {
	i := strings.LastIndexByte(raw, '|')
	if i < 0 {
		return correlate.Method(raw), time.Time{}
	}
	ms, err := strconv.ParseInt(raw[i+1:], 10, 64)
	if err != nil {
		return correlate.Method(raw[:i]), time.Time{}
	}
	return correlate.Method(raw[:i]), time.UnixMilli(ms).UTC()
}

// reserveScript claims ARGV[1] for job ARGV[2]. Re-claiming for the same job
// succeeds so retries after a lost reply stay idempotent.
var reserveScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], ARGV[1])
if owner then
  if owner == ARGV[2] then return 1 end
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('HSETNX', KEYS[3], ARGV[2], ARGV[1])
return 1
`)
