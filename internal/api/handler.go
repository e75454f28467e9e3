package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/channel"
	"github.com/lalithlochan/nicotrack/internal/circuitbreaker"
	"github.com/lalithlochan/nicotrack/internal/clock"
	"github.com/lalithlochan/nicotrack/internal/db"
	"github.com/lalithlochan/nicotrack/internal/notify"
	"github.com/lalithlochan/nicotrack/internal/redis"
)

// Notifier is the producer side the API exposes.
type Notifier interface {
	Enqueue(ctx context.Context, req notify.Request) (*db.QueueItem, error)
	SendVerificationEmail(ctx context.Context, userID int64, link string) (bool, error)
	SendPasswordReset(ctx context.Context, userID int64, link string) (bool, error)
	SendTestNotification(ctx context.Context, userID int64, ch db.Channel) (bool, error)
	SendGoalAchievement(ctx context.Context, goal *db.Goal) (int, error)
}

// Drainer runs one processing batch.
type Drainer interface {
	ProcessQueue(ctx context.Context, batchSize int, now time.Time) (int, error)
}

// HistoryReader lists delivery history.
type HistoryReader interface {
	ListHistory(ctx context.Context, userID int64, limit int) ([]*db.HistoryRecord, error)
}

// WebhookTester posts a test message to a webhook URL.
type WebhookTester interface {
	Test(ctx context.Context, ch db.Channel, url string) channel.Result
}

// BreakerSource reports circuit breaker state.
type BreakerSource interface {
	Stats() []circuitbreaker.Stats
}

// Deps are the handler's collaborators. Idempotency and Breakers may be nil.
type Deps struct {
	Notifier    Notifier
	Drainer     Drainer
	History     HistoryReader
	Preferences notify.PreferenceReader
	Webhooks    WebhookTester
	Breakers    []BreakerSource
	Idempotency *redis.IdempotencyService
	Clock       clock.Clock
}

// NotificationRequest is the body of POST /v1/notifications.
type NotificationRequest struct {
	UserID       int64          `json:"user_id"`
	Channel      string         `json:"channel"`
	Category     string         `json:"category"`
	Subject      string         `json:"subject"`
	Body         string         `json:"body"`
	Priority     int            `json:"priority,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
}

// NotificationResponse reports whether a queue item was created.
type NotificationResponse struct {
	ID           string     `json:"id,omitempty"`
	Queued       bool       `json:"queued"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	deps   Deps
}

func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	return &Handler{logger: logger, deps: deps}
}

// CreateNotification handles POST /v1/notifications. An Idempotency-Key
// header makes retries return the first answer.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.UserID <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "user_id is required")
		return
	}

	scope := "user:" + strconv.FormatInt(req.UserID, 10)
	idempotencyKey := r.Header.Get("Idempotency-Key")
	useIdempotency := idempotencyKey != "" && h.deps.Idempotency != nil

	if useIdempotency {
		cached, err := h.deps.Idempotency.CheckOrReserve(ctx, scope, idempotencyKey)
		if errors.Is(err, redis.ErrDuplicateRequest) {
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		}
		if err != nil {
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			useIdempotency = false
		} else if cached != nil {
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, NotificationResponse{ID: cached.NotificationID, Queued: cached.Queued})
			return
		}
	}

	item, err := h.deps.Notifier.Enqueue(ctx, notify.Request{
		UserID:       req.UserID,
		Channel:      db.Channel(req.Channel),
		Category:     db.Category(req.Category),
		Subject:      req.Subject,
		Body:         req.Body,
		Priority:     req.Priority,
		Extra:        req.Extra,
		ScheduledFor: req.ScheduledFor,
	})
	if err != nil {
		if useIdempotency {
			if rerr := h.deps.Idempotency.Release(ctx, scope, idempotencyKey); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		h.writeEnqueueError(w, err, req)
		return
	}

	status := http.StatusOK
	resp := NotificationResponse{}
	if item != nil {
		status = http.StatusCreated
		resp = NotificationResponse{ID: item.ID.String(), Queued: true, ScheduledFor: &item.ScheduledFor}
	}

	if useIdempotency {
		result := &redis.IdempotencyResult{
			NotificationID: resp.ID,
			Queued:         resp.Queued,
			StatusCode:     status,
		}
		if err := h.deps.Idempotency.Store(ctx, scope, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, status, resp)
}

func (h *Handler) writeEnqueueError(w http.ResponseWriter, err error, req NotificationRequest) {
	switch {
	case errors.Is(err, notify.ErrValidation):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification", err.Error())
	case errors.Is(err, notify.ErrConfiguration):
		h.writeError(w, http.StatusUnprocessableEntity, "channel_not_configured", "Channel not configured", err.Error())
	default:
		h.logger.Error("failed to enqueue notification",
			zap.Error(err),
			zap.Int64("user_id", req.UserID),
			zap.String("channel", req.Channel),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to enqueue notification", "")
	}
}

// userID parses the {id} URL parameter.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user ID", "ID must be a positive integer")
		return 0, false
	}
	return id, true
}

// SendAccountEmail handles POST /v1/users/{id}/emails/{kind} for the
// verification and password-reset flows.
func (h *Handler) SendAccountEmail(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req struct {
		Link string `json:"link"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Link == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing link", "link is required")
		return
	}

	var send func(context.Context, int64, string) (bool, error)
	switch chi.URLParam(r, "kind") {
	case "verification":
		send = h.deps.Notifier.SendVerificationEmail
	case "password-reset":
		send = h.deps.Notifier.SendPasswordReset
	default:
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown email kind", "")
		return
	}

	queued, err := send(r.Context(), userID, req.Link)
	if err != nil {
		h.writeEnqueueError(w, err, NotificationRequest{UserID: userID, Channel: string(db.ChannelEmail)})
		return
	}
	h.writeJSON(w, http.StatusAccepted, NotificationResponse{Queued: queued})
}

// SendTestNotification handles POST /v1/users/{id}/notifications/test.
func (h *Handler) SendTestNotification(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req struct {
		Channel string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	queued, err := h.deps.Notifier.SendTestNotification(r.Context(), userID, db.Channel(req.Channel))
	if err != nil {
		h.writeEnqueueError(w, err, NotificationRequest{UserID: userID, Channel: req.Channel})
		return
	}
	h.writeJSON(w, http.StatusAccepted, NotificationResponse{Queued: queued})
}

// GoalAchievementRequest is posted by the goal engine when a goal is met.
type GoalAchievementRequest struct {
	GoalID        int64  `json:"goal_id"`
	UserID        int64  `json:"user_id"`
	GoalType      string `json:"goal_type"`
	TargetValue   int    `json:"target_value"`
	CurrentStreak int    `json:"current_streak"`
	BestStreak    int    `json:"best_streak"`
}

// GoalAchieved handles POST /v1/goals/achievements.
func (h *Handler) GoalAchieved(w http.ResponseWriter, r *http.Request) {
	var req GoalAchievementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.UserID <= 0 || req.GoalID <= 0 || req.GoalType == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "goal_id, user_id and goal_type are required")
		return
	}

	n, err := h.deps.Notifier.SendGoalAchievement(r.Context(), &db.Goal{
		ID:            req.GoalID,
		UserID:        req.UserID,
		GoalType:      req.GoalType,
		TargetValue:   req.TargetValue,
		CurrentStreak: req.CurrentStreak,
		BestStreak:    req.BestStreak,
		IsActive:      true,
	})
	if err != nil {
		h.writeEnqueueError(w, err, NotificationRequest{UserID: req.UserID})
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]int{"queued": n})
}

// DrainQueue handles POST /v1/queue/drain?batch_size=N.
func (h *Handler) DrainQueue(w http.ResponseWriter, r *http.Request) {
	batch := 0
	if s := r.URL.Query().Get("batch_size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid batch_size", "batch_size must be between 1 and 1000")
			return
		}
		batch = n
	}

	n, err := h.deps.Drainer.ProcessQueue(r.Context(), batch, h.deps.Clock.Now())
	if err != nil {
		h.logger.Error("manual drain failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to process queue", "")
		return
	}

	h.logger.Info("manual drain completed", zap.Int("processed", n))
	h.writeJSON(w, http.StatusOK, map[string]int{"processed": n})
}

// ListHistory handles GET /v1/users/{id}/history?limit=20.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	records, err := h.deps.History.ListHistory(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list history",
			zap.Error(err),
			zap.Int64("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list history", "")
		return
	}
	if records == nil {
		records = []*db.HistoryRecord{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  records,
		"limit": limit,
		"count": len(records),
	})
}

// TestWebhook handles POST /v1/users/{id}/webhooks/test. It posts a test
// message to the webhook saved in the user's preferences, never to a
// caller-supplied URL, and does not touch the queue.
func (h *Handler) TestWebhook(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req struct {
		Channel string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Channel == "" {
		req.Channel = string(db.ChannelDiscord)
	}
	ch := db.Channel(req.Channel)
	if !ch.IsWebhook() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be discord or slack")
		return
	}

	prefs, err := h.deps.Preferences.GetPreferences(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to load preferences",
			zap.Error(err),
			zap.Int64("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load preferences", "")
		return
	}
	url := prefs.Webhook(ch)
	if url == "" {
		h.writeError(w, http.StatusUnprocessableEntity, "channel_not_configured", "Channel not configured",
			"no "+req.Channel+" webhook saved for this user")
		return
	}

	res := h.deps.Webhooks.Test(r.Context(), ch, url)
	resp := map[string]any{
		"success": res.Outcome == channel.Sent,
		"outcome": res.Outcome.String(),
	}
	if res.Err != nil {
		resp["error"] = res.Err.Error()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ListBreakers handles GET /v1/breakers.
func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	stats := []circuitbreaker.Stats{}
	for _, b := range h.deps.Breakers {
		stats = append(stats, b.Stats()...)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": stats})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
