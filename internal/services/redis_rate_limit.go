package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BradenHooton/bastion/internal/clock"
	"github.com/BradenHooton/bastion/internal/metrics"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript runs one admission check atomically on the server.
// KEYS: minute zset, hour zset, block key.
// ARGV: now ms, per minute, per hour, block ms, member, minute cutoff, hour cutoff, block end.
// Numeric values are computed by the caller and passed through as strings.
// Returns {allowed, minute count, hour count, oldest minute ms, oldest hour ms, blocked until ms};
// the counts are -1 when the identity was already blocked.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local perMinute = tonumber(ARGV[2])
local perHour = tonumber(ARGV[3])

local blockedUntil = tonumber(redis.call('GET', KEYS[3]) or '0')
if blockedUntil > now then
  return {0, -1, -1, 0, 0, blockedUntil}
end

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[6])
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[7])
local m = redis.call('ZCARD', KEYS[1])
local h = redis.call('ZCARD', KEYS[2])

local function oldest(key)
  local r = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if #r == 0 then return 0 end
  return tonumber(r[2])
end

if m >= perMinute or h >= perHour then
  redis.call('SET', KEYS[3], ARGV[8], 'PX', ARGV[4])
  return {0, m, h, oldest(KEYS[1]), oldest(KEYS[2]), tonumber(ARGV[8])}
end

redis.call('ZADD', KEYS[1], ARGV[1], ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[5])
redis.call('PEXPIRE', KEYS[1], 60000)
redis.call('PEXPIRE', KEYS[2], 3600000)
return {1, m + 1, h + 1, oldest(KEYS[1]), oldest(KEYS[2]), 0}
`)

// RedisRateLimitService is the shared-store limiter for running several
// instances behind one address. It keeps the same two windows and block as
// RateLimitService, and fails open when Redis cannot answer.
type RedisRateLimitService struct {
	client *redis.Client
	prefix string

	config  RateLimitConfig
	clock   clock.Clock
	audit   AuditRecorder
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRedisRateLimitService creates a Redis-backed limiter. Keys are namespaced under prefix.
func NewRedisRateLimitService(client *redis.Client, prefix string, config RateLimitConfig, clk clock.Clock, audit AuditRecorder, logger *slog.Logger, m *metrics.Metrics) *RedisRateLimitService {
	if prefix == "" {
		prefix = "bastion:ratelimit"
	}
	return &RedisRateLimitService{
		client:  client,
		prefix:  prefix,
		config:  config,
		clock:   clock.OrReal(clk),
		audit:   audit,
		logger:  logger,
		metrics: m,
	}
}

func (s *RedisRateLimitService) keys(identity string) []string {
	// hash tag keeps all three keys of an identity in one cluster slot
	base := fmt.Sprintf("%s:{%s}", s.prefix, identity)
	return []string{base + ":minute", base + ":hour", base + ":block"}
}

// Check implements RateLimiter
func (s *RedisRateLimitService) Check(ctx context.Context, identity string, class models.EndpointClass) models.RateLimitDecision {
	policy := s.config.PolicyFor(class)
	now := s.clock.Now()
	nowMs := now.UnixMilli()

	blockMs := policy.BlockDuration.Milliseconds()

	res, err := slidingWindowScript.Run(ctx, s.client, s.keys(identity),
		strconv.FormatInt(nowMs, 10),
		strconv.Itoa(policy.PerMinute),
		strconv.Itoa(policy.PerHour),
		strconv.FormatInt(blockMs, 10),
		fmt.Sprintf("%d-%s", nowMs, uuid.NewString()),
		strconv.FormatInt(nowMs-time.Minute.Milliseconds(), 10),
		strconv.FormatInt(nowMs-time.Hour.Milliseconds(), 10),
		strconv.FormatInt(nowMs+blockMs, 10),
	).Int64Slice()
	if err != nil {
		return limiterFailure(ctx, s.audit, s.logger, s.metrics, s.config.FailOpen, identity, class, policy, now, fmt.Errorf("redis sliding window: %w", err))
	}
	if len(res) != 6 {
		return limiterFailure(ctx, s.audit, s.logger, s.metrics, s.config.FailOpen, identity, class, policy, now, fmt.Errorf("%w: unexpected script reply of %d values", models.ErrInternalState, len(res)))
	}

	allowed := res[0] == 1
	minuteCount, hourCount := res[1], res[2]
	oldestMinute, oldestHour := time.UnixMilli(res[3]).UTC(), time.UnixMilli(res[4]).UTC()

	// Already blocked: counters were not touched
	if minuteCount < 0 {
		until := time.UnixMilli(res[5]).UTC()
		s.metrics.ObserveAdmission(string(class), metrics.ResultBlocked)
		return models.RateLimitDecision{
			Allowed:        false,
			RetryAfter:     until.Sub(now),
			Minute:         models.WindowStatus{Limit: policy.PerMinute, Remaining: 0, ResetAt: until},
			Hour:           models.WindowStatus{Limit: policy.PerHour, Remaining: 0, ResetAt: until},
			BlockedUntil:   &until,
			BlockRemaining: until.Sub(now),
		}
	}

	decision := models.RateLimitDecision{
		Allowed: allowed,
		Minute:  redisWindowStatus(minuteCount, policy.PerMinute, oldestMinute, res[3] == 0, time.Minute, now),
		Hour:    redisWindowStatus(hourCount, policy.PerHour, oldestHour, res[4] == 0, time.Hour, now),
	}

	if allowed {
		s.metrics.ObserveAdmission(string(class), metrics.ResultAllowed)
		return decision
	}

	until := time.UnixMilli(res[5]).UTC()
	decision.BlockedUntil = &until
	decision.BlockRemaining = until.Sub(now)

	var retryAfter time.Duration
	if minuteCount >= int64(policy.PerMinute) && res[3] != 0 {
		retryAfter = oldestMinute.Add(time.Minute).Sub(now)
	}
	if hourCount >= int64(policy.PerHour) && res[4] != 0 {
		if d := oldestHour.Add(time.Hour).Sub(now); d > retryAfter {
			retryAfter = d
		}
	}
	if retryAfter <= 0 {
		retryAfter = policy.BlockDuration
	}
	decision.RetryAfter = retryAfter

	s.metrics.ObserveAdmission(string(class), metrics.ResultRejected)
	s.metrics.ObserveBlock(string(class))
	recordRateLimitExceeded(ctx, s.audit, identity, class, decision)
	return decision
}

func redisWindowStatus(count int64, limit int, oldest time.Time, empty bool, span time.Duration, now time.Time) models.WindowStatus {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	reset := now.Add(span)
	if !empty {
		reset = oldest.Add(span)
	}
	return models.WindowStatus{Limit: limit, Remaining: remaining, ResetAt: reset}
}

// Ping reports whether Redis is reachable
func (s *RedisRateLimitService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
