package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"yieldkit/core"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string        `json:"addr" mapstructure:"addr" env:"YIELD_STORAGE_REDIS_ADDR"`
	Password     string        `json:"password,omitempty" mapstructure:"password" env:"YIELD_STORAGE_REDIS_PASSWORD"`
	DB           int           `json:"db" mapstructure:"db" env:"YIELD_STORAGE_REDIS_DB"`
	PoolSize     int           `json:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `json:"min_idle_conns" mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `json:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Store implements the engine.Storage interface using Redis as the backend.
// Data structure:
// - user:{user_id}:stats -> hash {points, tasks, active_referrals, tier, welcome}
// - referral:{referred_id} -> hash {referrer, status, created_at, activated_at}
// - commission:source:{event_id} -> transaction id (idempotency key)
// - user:{user_id}:commissions -> list of JSON transactions, newest first
type Store struct {
	client *redis.Client
}

// New creates a new Redis-backed storage with the provided configuration
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

const (
	fieldPoints          = "points"
	fieldTasks           = "tasks"
	fieldActiveReferrals = "active_referrals"
	fieldTier            = "tier"
	fieldWelcome         = "welcome"
)

func userStatsKey(userID core.UserID) string {
	return fmt.Sprintf("user:%s:stats", userID)
}

func userCommissionsKey(userID core.UserID) string {
	return fmt.Sprintf("user:%s:commissions", userID)
}

func referralKey(referred core.UserID) string {
	return fmt.Sprintf("referral:%s", referred)
}

func commissionSourceKey(eventID string) string {
	return fmt.Sprintf("commission:source:%s", eventID)
}

// Lua script swapping the cached tier and returning the old one
var swapLevelScript = redis.NewScript(`
	local prev = redis.call('HGET', KEYS[1], 'tier')
	redis.call('HSET', KEYS[1], 'tier', ARGV[1])
	return prev
`)

// Lua script creating a referral only if none exists
var linkReferralScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('HSET', KEYS[1], 'referrer', ARGV[1], 'status', 'pending', 'created_at', ARGV[2])
	return 1
`)

// Lua script flipping a pending referral to active and counting it on the
// referrer exactly once
var activateReferralScript = redis.NewScript(`
	local status = redis.call('HGET', KEYS[1], 'status')
	if not status then
		return -1
	end
	if status == 'active' then
		return 0
	end
	redis.call('HSET', KEYS[1], 'status', 'active', 'activated_at', ARGV[1])
	redis.call('HINCRBY', KEYS[2], 'active_referrals', 1)
	return 1
`)

// Lua script appending a commission and crediting the referrer, guarded by
// the source event idempotency key
var creditCommissionScript = redis.NewScript(`
	if redis.call('SET', KEYS[1], ARGV[1], 'NX') == false then
		return 0
	end
	redis.call('HINCRBY', KEYS[2], 'points', ARGV[2])
	redis.call('LPUSH', KEYS[3], ARGV[3])
	return 1
`)

// GetState reads the user's stats hash
func (s *Store) GetState(ctx context.Context, userID core.UserID) (core.UserState, error) {
	vals, err := s.client.HGetAll(ctx, userStatsKey(userID)).Result()
	if err != nil {
		return core.UserState{}, fmt.Errorf("failed to get state: %w", err)
	}
	state := core.NewUserState(userID)
	state.Stats.Points = parseInt(vals[fieldPoints])
	state.Stats.TasksCompleted = parseInt(vals[fieldTasks])
	state.Stats.ActiveReferrals = parseInt(vals[fieldActiveReferrals])
	if v, ok := vals[fieldTier]; ok {
		state.CachedTier = core.TierPtr(core.TierID(parseInt(v)))
	}
	state.PhoenixWelcomeShown = vals[fieldWelcome] == "1"
	return state, nil
}

// AddPoints atomically adds points to a user. Redis rejects increments that
// would overflow.
func (s *Store) AddPoints(ctx context.Context, userID core.UserID, delta int64) (int64, error) {
	if delta == 0 {
		return 0, errors.New("delta cannot be zero")
	}
	total, err := s.client.HIncrBy(ctx, userStatsKey(userID), fieldPoints, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to add points: %w", err)
	}
	return total, nil
}

func (s *Store) IncrementTasks(ctx context.Context, userID core.UserID) (int64, error) {
	total, err := s.client.HIncrBy(ctx, userStatsKey(userID), fieldTasks, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment tasks: %w", err)
	}
	return total, nil
}

func (s *Store) SwapLevel(ctx context.Context, userID core.UserID, tier core.TierID) (*core.TierID, error) {
	prev, err := swapLevelScript.Run(ctx, s.client, []string{userStatsKey(userID)}, int(tier)).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to swap level: %w", err)
	}
	id, err := strconv.Atoi(prev)
	if err != nil {
		return nil, fmt.Errorf("corrupt cached tier %q: %w", prev, err)
	}
	return core.TierPtr(core.TierID(id)), nil
}

func (s *Store) MarkWelcomeShown(ctx context.Context, userID core.UserID) (bool, error) {
	set, err := s.client.HSetNX(ctx, userStatsKey(userID), fieldWelcome, "1").Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark welcome: %w", err)
	}
	return !set, nil
}

func (s *Store) LinkReferral(ctx context.Context, ref core.Referral) error {
	created, err := linkReferralScript.Run(ctx, s.client,
		[]string{referralKey(ref.ReferredID)},
		string(ref.ReferrerID), ref.CreatedAt.UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return fmt.Errorf("failed to link referral: %w", err)
	}
	if created == 0 {
		return core.ErrReferralExists
	}
	return nil
}

func (s *Store) GetReferral(ctx context.Context, referred core.UserID) (core.Referral, error) {
	vals, err := s.client.HGetAll(ctx, referralKey(referred)).Result()
	if err != nil {
		return core.Referral{}, fmt.Errorf("failed to get referral: %w", err)
	}
	if len(vals) == 0 {
		return core.Referral{}, core.ErrNotFound
	}
	ref := core.Referral{
		ReferrerID: core.UserID(vals["referrer"]),
		ReferredID: referred,
		Status:     core.ReferralStatus(vals["status"]),
	}
	ref.CreatedAt, _ = time.Parse(time.RFC3339Nano, vals["created_at"])
	if v := vals["activated_at"]; v != "" {
		if at, err := time.Parse(time.RFC3339Nano, v); err == nil {
			ref.ActivatedAt = &at
		}
	}
	return ref, nil
}

func (s *Store) ActivateReferral(ctx context.Context, referred core.UserID, at time.Time) (bool, error) {
	ref, err := s.GetReferral(ctx, referred)
	if err != nil {
		return false, err
	}
	res, err := activateReferralScript.Run(ctx, s.client,
		[]string{referralKey(referred), userStatsKey(ref.ReferrerID)},
		at.UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to activate referral: %w", err)
	}
	switch res {
	case -1:
		return false, core.ErrNotFound
	case 1:
		return true, nil
	}
	return false, nil
}

func (s *Store) CreditCommission(ctx context.Context, tx core.CommissionTransaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	res, err := creditCommissionScript.Run(ctx, s.client,
		[]string{commissionSourceKey(tx.SourceEventID), userStatsKey(tx.ReferrerID), userCommissionsKey(tx.ReferrerID)},
		tx.ID, tx.Points, data).Int()
	if err != nil {
		return fmt.Errorf("failed to credit commission: %w", err)
	}
	if res == 0 {
		return core.ErrDuplicateCommission
	}
	return nil
}

func (s *Store) Commissions(ctx context.Context, referrer core.UserID) ([]core.CommissionTransaction, error) {
	raw, err := s.client.LRange(ctx, userCommissionsKey(referrer), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list commissions: %w", err)
	}
	out := make([]core.CommissionTransaction, 0, len(raw))
	for _, item := range raw {
		var tx core.CommissionTransaction
		if err := json.Unmarshal([]byte(item), &tx); err != nil {
			continue // skip corrupt entries
		}
		out = append(out, tx)
	}
	return out, nil
}

func parseInt(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
