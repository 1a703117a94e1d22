// Package rewards assembles a ready-to-use engine.Service from options.
package rewards

import (
	"go.uber.org/zap"

	"yieldkit/adapters/memory"
	"yieldkit/core"
	"yieldkit/engine"
	"yieldkit/realtime"
)

// Option configures the builder.
type Option func(*config)

type config struct {
	storage    engine.Storage
	tiers      *core.TierTable
	mode       engine.DispatchMode
	rules      engine.RuleEngine
	hub        *realtime.Hub
	logger     *zap.Logger
	commission int64
	retry      engine.RetryPolicy
}

// WithStorage sets the persistence adapter.
func WithStorage(s engine.Storage) Option { return func(c *config) { c.storage = s } }

// WithTiers sets the tier table levels are computed against.
func WithTiers(t *core.TierTable) Option { return func(c *config) { c.tiers = t } }

// WithRuleEngine replaces the default level-up rule engine.
func WithRuleEngine(r engine.RuleEngine) Option { return func(c *config) { c.rules = r } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

// WithRealtime forwards every engine event to a realtime hub.
func WithRealtime(h *realtime.Hub) Option { return func(c *config) { c.hub = h } }

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option { return func(c *config) { c.logger = l } }

// WithCommissionPoints overrides the flat referral commission.
func WithCommissionPoints(points int64) Option { return func(c *config) { c.commission = points } }

// WithRetryPolicy bounds how failed commission credits are retried.
func WithRetryPolicy(p engine.RetryPolicy) Option { return func(c *config) { c.retry = p } }

// New builds a Service. Defaults:
//   - storage: in-memory
//   - tiers: the bird levels
//   - rules: level-up only
//   - dispatch: async
//   - commission retries: engine.DefaultRetryPolicy
func New(opts ...Option) *engine.Service {
	cfg := &config{mode: engine.DispatchAsync, logger: zap.NewNop(), retry: engine.DefaultRetryPolicy()}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.storage == nil {
		cfg.storage = memory.New()
	}
	if cfg.tiers == nil {
		cfg.tiers = core.DefaultTierTable()
	}
	if cfg.rules == nil {
		cfg.rules = engine.DefaultRuleEngine(cfg.tiers)
	}
	bus := engine.NewEventBus(cfg.mode)
	svc := engine.NewService(cfg.storage, bus, cfg.rules, cfg.tiers,
		engine.WithLogger(cfg.logger),
		engine.WithCommissionPoints(cfg.commission),
		engine.WithReconciler(engine.NewReconciler(cfg.logger, engine.WithRetryPolicy(cfg.retry))),
	)
	if cfg.hub != nil {
		svc.SubscribeAll(cfg.hub.Broadcast)
	}
	return svc
}
