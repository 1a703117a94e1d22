// Package httpapi exposes the rewards engine over REST and WebSocket.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	wsadapter "yieldkit/adapters/websocket"
	"yieldkit/analytics"
	"yieldkit/core"
	"yieldkit/engine"
	"yieldkit/leaderboard"
	"yieldkit/realtime"
)

const maxBodyBytes = 1 << 20

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// AllowCORSOrigin, if non-empty, enables basic CORS with the given origin (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key.
	APIKeys []string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
	// RateLimitCleanup evicts idle client buckets; zero keeps them forever.
	RateLimitCleanup time.Duration
	// Leaderboard, if set, is served under /leaderboard.
	Leaderboard leaderboard.Board
	// Stats, if set, is served under /stats.
	Stats  *analytics.Metrics
	Logger *zap.Logger
}

type api struct {
	svc    *engine.Service
	board  leaderboard.Board
	stats  *analytics.Metrics
	logger *zap.Logger
}

// NewRouter builds the chi router for the rewards API and WebSocket stream.
// Routes, relative to PathPrefix:
//   - GET  /healthz, GET /tiers
//   - GET  /users/{id}, GET /users/{id}/progress, GET /users/{id}/referral
//   - POST /users/{id}/tasks, POST /users/{id}/points
//   - POST /users/{id}/referrals, GET /users/{id}/commissions
//   - POST /users/{id}/welcome/phoenix
//   - GET  /leaderboard?limit=n, GET /leaderboard/{id}
//   - GET  /stats?period=daily|weekly|monthly&date=YYYY-MM-DD
//   - POST /events
//   - WS   /ws?user=id
func NewRouter(svc *engine.Service, hub *realtime.Hub, opts Options) http.Handler {
	a := &api{svc: svc, board: opts.Leaderboard, stats: opts.Stats, logger: opts.Logger}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)
	if opts.AllowCORSOrigin != "" {
		r.Use(corsMiddleware(opts.AllowCORSOrigin))
	}
	if len(opts.APIKeys) > 0 {
		r.Use(apiKeyAuth(opts.APIKeys))
	}
	if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
		r.Use(rateLimit(opts.RateLimitRPM, opts.RateLimitBurst, opts.RateLimitCleanup))
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	routes := func(r chi.Router) {
		r.Get("/healthz", a.healthCheck)
		r.Get("/tiers", a.listTiers)

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/", a.getState)
			r.Get("/progress", a.getProgress)
			r.Get("/referral", a.getReferral)
			r.Post("/tasks", a.recordTask)
			r.Post("/points", a.awardPoints)
			r.Post("/referrals", a.refer)
			r.Get("/commissions", a.listCommissions)
			r.Post("/welcome/phoenix", a.claimWelcome)
		})

		if a.board != nil {
			r.Get("/leaderboard", a.leaderboardTop)
			r.Get("/leaderboard/{id}", a.leaderboardRank)
		}

		if a.stats != nil {
			r.Get("/stats", a.statsSummary)
		}

		r.Post("/events", a.inboundEvent)

		if hub != nil {
			r.Handle("/ws", wsadapter.Handler(hub))
		}
	}

	if p := trimPrefix(opts.PathPrefix); p != "" {
		r.Route(p, routes)
	} else {
		routes(r)
	}
	return r
}

// healthCheck verifies storage answers a read.
func (a *api) healthCheck(w http.ResponseWriter, r *http.Request) {
	_, err := a.svc.State(r.Context(), core.UserID("healthcheck"))

	status := map[string]any{
		"status": "healthy",
		"checks": map[string]any{"storage": "ok"},
	}
	code := http.StatusOK
	if err != nil {
		code = http.StatusServiceUnavailable
		status["status"] = "unhealthy"
		status["checks"] = map[string]any{"storage": "failed"}
		a.logger.Warn("health check failed", zap.Error(err))
	}
	writeJSON(w, code, status)
}

func (a *api) listTiers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tiers": a.svc.Tiers().Tiers()})
}

func (a *api) getState(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.State(r.Context(), userParam(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) getProgress(w http.ResponseWriter, r *http.Request) {
	rep, err := a.svc.Progress(r.Context(), userParam(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *api) getReferral(w http.ResponseWriter, r *http.Request) {
	ref, err := a.svc.Referral(r.Context(), userParam(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

type awardRequest struct {
	EventID string           `json:"event_id"`
	Points  int64            `json:"points"`
	Source  core.PointSource `json:"source,omitempty"`
}

func (a *api) recordTask(w http.ResponseWriter, r *http.Request) {
	var req awardRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := a.svc.RecordTask(r.Context(), engine.TaskCompletion{EventID: req.EventID, UserID: userParam(r), Points: req.Points})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) awardPoints(w http.ResponseWriter, r *http.Request) {
	var req awardRequest
	if !decode(w, r, &req) {
		return
	}
	switch req.Source {
	case "", core.SourceTask, core.SourceBonus:
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", "source must be task or bonus")
		return
	}
	res, err := a.svc.AwardPoints(r.Context(), core.PointsEarned{
		EventID: req.EventID,
		UserID:  userParam(r),
		Points:  req.Points,
		Source:  req.Source,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type referRequest struct {
	ReferredID core.UserID `json:"referred_id"`
}

func (a *api) refer(w http.ResponseWriter, r *http.Request) {
	var req referRequest
	if !decode(w, r, &req) {
		return
	}
	ref, err := a.svc.Refer(r.Context(), userParam(r), req.ReferredID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

func (a *api) listCommissions(w http.ResponseWriter, r *http.Request) {
	txs, err := a.svc.Commissions(r.Context(), userParam(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if txs == nil {
		txs = []core.CommissionTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (a *api) claimWelcome(w http.ResponseWriter, r *http.Request) {
	show, err := a.svc.ClaimPhoenixWelcome(r.Context(), userParam(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"show": show})
}

func (a *api) leaderboardTop(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	entries := a.board.Top(limit)
	if entries == nil {
		entries = []leaderboard.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "size": a.board.Len()})
}

func (a *api) statsSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	period, err := analytics.ParsePeriod(q.Get("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_period", err.Error())
		return
	}
	at := time.Now().UTC()
	if raw := q.Get("date"); raw != "" {
		if at, err = time.Parse("2006-01-02", raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}
	}
	summary, err := a.stats.Summary(period, at)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *api) leaderboardRank(w http.ResponseWriter, r *http.Request) {
	user, err := core.NormalizeUserID(userParam(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user", err.Error())
		return
	}
	e, ok := a.board.Rank(user)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "user is not ranked")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *api) inboundEvent(w http.ResponseWriter, r *http.Request) {
	var in core.InboundEvent
	if !decode(w, r, &in) {
		return
	}
	res, err := a.svc.HandleEvent(r.Context(), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Helpers

func userParam(r *http.Request) core.UserID {
	return core.UserID(chi.URLParam(r, "id"))
}

func trimPrefix(prefix string) string {
	for len(prefix) > 0 && prefix[len(prefix)-1] == '/' {
		prefix = prefix[:len(prefix)-1]
	}
	return prefix
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return false
	}
	return true
}

// fail maps engine errors to HTTP statuses.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrSelfReferral):
		writeError(w, http.StatusBadRequest, "self_referral", err.Error())
	case errors.Is(err, core.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, core.ErrUnsupportedEvent):
		writeError(w, http.StatusUnprocessableEntity, "unsupported_event", err.Error())
	case errors.Is(err, core.ErrReferralExists):
		writeError(w, http.StatusConflict, "referral_exists", err.Error())
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		a.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Code: code, Message: msg})
}
