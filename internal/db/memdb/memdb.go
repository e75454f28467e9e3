// Package memdb is an in-process implementation of the notifier's store.
// It backs the unit tests and STORE=memory dry runs, and keeps the same
// claim and finalize semantics as the Postgres repository.
package memdb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/nicotrack/internal/db"
)

type token struct {
	userID    int64
	expiresAt time.Time
}

type usage struct {
	at       time.Time
	quantity int
	mg       float64
}

// Store holds users, preferences, the live queue and history in memory.
type Store struct {
	mu sync.Mutex

	users   map[int64]*db.User
	prefs   map[int64]*db.Preferences
	goals   map[int64]*db.Goal
	logs    map[int64][]usage
	queue   map[uuid.UUID]*db.QueueItem
	history []*db.HistoryRecord
	tokens  map[string]map[string]token // kind -> token -> owner

	// Overrides for the goal engine and analytics collaborators.
	progress map[int64]*db.GoalProgress
	summary  map[int64]*db.WeeklySummary
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:    make(map[int64]*db.User),
		prefs:    make(map[int64]*db.Preferences),
		goals:    make(map[int64]*db.Goal),
		logs:     make(map[int64][]usage),
		queue:    make(map[uuid.UUID]*db.QueueItem),
		tokens:   make(map[string]map[string]token),
		progress: make(map[int64]*db.GoalProgress),
		summary:  make(map[int64]*db.WeeklySummary),
	}
}

// PutUser adds or replaces a user.
func (s *Store) PutUser(u *db.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	if cp.Timezone == "" {
		cp.Timezone = "UTC"
	}
	s.users[u.ID] = &cp
}

// PutPreferences adds or replaces a user's preferences.
func (s *Store) PutPreferences(p *db.Preferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.prefs[p.UserID] = &cp
}

// PutGoal adds or replaces a goal.
func (s *Store) PutGoal(g *db.Goal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.goals[g.ID] = &cp
}

// SetGoalProgress pins the progress reported for a goal.
func (s *Store) SetGoalProgress(goalID int64, gp *db.GoalProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[goalID] = gp
}

// SetWeeklySummary pins the weekly summary reported for a user.
func (s *Store) SetWeeklySummary(userID int64, ws *db.WeeklySummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary[userID] = ws
}

// AddUsage records a consumption log entry.
func (s *Store) AddUsage(userID int64, at time.Time, quantity int, mg float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[userID] = append(s.logs[userID], usage{at: at, quantity: quantity, mg: mg})
}

// AddToken records a verification or reset token. kind is the table name.
func (s *Store) AddToken(kind, value string, userID int64, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens[kind] == nil {
		s.tokens[kind] = make(map[string]token)
	}
	s.tokens[kind][value] = token{userID: userID, expiresAt: expiresAt}
}

// TokenCount returns how many tokens of kind remain.
func (s *Store) TokenCount(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens[kind])
}

// AppendHistory inserts a history record directly.
func (s *Store) AppendHistory(rec *db.HistoryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.history = append(s.history, &cp)
}

// Items returns copies of every live queue item.
func (s *Store) Items() []*db.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.QueueItem, 0, len(s.queue))
	for _, it := range s.queue {
		out = append(out, copyItem(it))
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Item returns a copy of one live item.
func (s *Store) Item(id uuid.UUID) (*db.QueueItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.queue[id]
	if !ok {
		return nil, false
	}
	return copyItem(it), true
}

// History returns copies of every history record in insertion order.
func (s *Store) History() []*db.HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.HistoryRecord, len(s.history))
	for i, h := range s.history {
		cp := *h
		out[i] = &cp
	}
	return out
}

func copyItem(it *db.QueueItem) *db.QueueItem {
	cp := *it
	if it.Extra != nil {
		cp.Extra = make(map[string]any, len(it.Extra))
		for k, v := range it.Extra {
			cp.Extra[k] = v
		}
	}
	return &cp
}

func less(a, b *db.QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// CreateQueueItem inserts a new pending item.
func (s *Store) CreateQueueItem(_ context.Context, item *db.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.queue[item.ID]; exists {
		return fmt.Errorf("insert queue item: duplicate id %s", item.ID)
	}
	if _, ok := s.users[item.UserID]; !ok {
		return fmt.Errorf("insert queue item: user %d: %w", item.UserID, db.ErrNotFound)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	s.queue[item.ID] = copyItem(item)
	return nil
}

// DuePending returns pending items due at now, most urgent first.
func (s *Store) DuePending(_ context.Context, now time.Time, limit int) ([]*db.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*db.QueueItem
	for _, it := range s.queue {
		if it.Status == db.StatusPending && !it.ScheduledFor.After(now) {
			due = append(due, copyItem(it))
		}
	}
	sort.Slice(due, func(i, j int) bool { return less(due[i], due[j]) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Claim moves a pending item to processing; ok is false if another
// caller got there first or the item is gone.
func (s *Store) Claim(_ context.Context, id uuid.UUID, now time.Time) (*db.QueueItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, exists := s.queue[id]
	if !exists || it.Status != db.StatusPending {
		return nil, false, nil
	}
	it.Status = db.StatusProcessing
	claimed := now
	it.ClaimedAt = &claimed
	return copyItem(it), true, nil
}

// Reschedule returns a processing item to pending.
func (s *Store) Reschedule(_ context.Context, item *db.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, exists := s.queue[item.ID]
	if !exists || it.Status != db.StatusProcessing {
		return fmt.Errorf("reschedule %s: %w", item.ID, db.ErrNotFound)
	}
	it.Status = db.StatusPending
	it.Attempts = item.Attempts
	it.LastAttemptAt = item.LastAttemptAt
	it.ScheduledFor = item.ScheduledFor
	it.ErrorMessage = item.ErrorMessage
	it.ClaimedAt = nil
	item.Status = db.StatusPending
	item.ClaimedAt = nil
	return nil
}

// Finalize appends the history record and deletes the item together.
func (s *Store) Finalize(_ context.Context, item *db.QueueItem, rec *db.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, exists := s.queue[item.ID]
	if !exists || it.Status != db.StatusProcessing {
		return fmt.Errorf("finalize %s: %w", item.ID, db.ErrNotFound)
	}
	cp := *rec
	s.history = append(s.history, &cp)
	delete(s.queue, item.ID)
	return nil
}

// ReleaseStale returns items claimed before the cutoff to pending.
func (s *Store) ReleaseStale(_ context.Context, claimedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, it := range s.queue {
		if it.Status == db.StatusProcessing && it.ClaimedAt != nil && it.ClaimedAt.Before(claimedBefore) {
			it.Status = db.StatusPending
			it.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

// HasPending reports whether a live item exists for the triple.
func (s *Store) HasPending(_ context.Context, userID int64, category db.Category, channel db.Channel) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.queue {
		if it.UserID == userID && it.Category == category && it.Channel == channel {
			return true, nil
		}
	}
	return false, nil
}

// RecentlyDelivered mirrors the Postgres query. An empty channel matches
// any channel.
func (s *Store) RecentlyDelivered(_ context.Context, userID int64, category db.Category, channel db.Channel, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.history {
		if h.UserID != userID || h.Category != category || h.DeliveryStatus == db.DeliveryFailed {
			continue
		}
		if channel != "" && h.Channel != channel {
			continue
		}
		if !h.SentAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// ListHistory returns the user's records, newest first.
func (s *Store) ListHistory(_ context.Context, userID int64, limit int) ([]*db.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.HistoryRecord
	for i := len(s.history) - 1; i >= 0; i-- {
		h := s.history[i]
		if h.UserID != userID {
			continue
		}
		cp := *h
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// QueueDepth counts live items by status.
func (s *Store) QueueDepth(_ context.Context) (map[db.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	depth := map[db.Status]int{db.StatusPending: 0, db.StatusProcessing: 0}
	for _, it := range s.queue {
		depth[it.Status]++
	}
	return depth, nil
}

// GetUser returns a copy of the user.
func (s *Store) GetUser(_ context.Context, id int64) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, db.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

// GetPreferences returns stored preferences or the defaults.
func (s *Store) GetPreferences(_ context.Context, userID int64) (*db.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[userID]
	if !ok {
		return db.DefaultPreferences(userID), nil
	}
	cp := *p
	return &cp, nil
}

func (s *Store) subscribers(match func(*db.Preferences) bool) []db.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	var subs []db.Subscriber
	for id, p := range s.prefs {
		u, ok := s.users[id]
		if !ok || !match(p) {
			continue
		}
		uc, pc := *u, *p
		subs = append(subs, db.Subscriber{User: &uc, Preferences: &pc})
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].User.ID < subs[j].User.ID })
	return subs
}

// ListDailyReminderSubscribers returns users with daily reminders on.
func (s *Store) ListDailyReminderSubscribers(_ context.Context) ([]db.Subscriber, error) {
	return s.subscribers(func(p *db.Preferences) bool { return p.DailyReminders }), nil
}

// ListWeeklyReportSubscribers returns users with weekly reports on.
func (s *Store) ListWeeklyReportSubscribers(_ context.Context) ([]db.Subscriber, error) {
	return s.subscribers(func(p *db.Preferences) bool { return p.WeeklyReports }), nil
}

// ListNotifiableGoals returns active goals with alerts enabled.
func (s *Store) ListNotifiableGoals(_ context.Context) ([]*db.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Goal
	for _, g := range s.goals {
		if g.IsActive && g.NotificationsEnabled {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GoalProgress returns pinned progress, or computes it from usage logs.
func (s *Store) GoalProgress(_ context.Context, userID, goalID int64, day time.Time) (*db.GoalProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gp, ok := s.progress[goalID]; ok {
		cp := *gp
		return &cp, nil
	}
	g, ok := s.goals[goalID]
	if !ok || g.UserID != userID {
		return nil, fmt.Errorf("goal %d: %w", goalID, db.ErrNotFound)
	}
	end := day.Add(24 * time.Hour)
	gp := &db.GoalProgress{Target: g.TargetValue}
	for _, u := range s.logs[userID] {
		if u.at.Before(day) || !u.at.Before(end) {
			continue
		}
		if strings.Contains(g.GoalType, "nicotine") {
			gp.Current += int(float64(u.quantity) * u.mg)
		} else {
			gp.Current += u.quantity
		}
	}
	gp.Achieved = gp.Current <= gp.Target
	if gp.Target > 0 {
		gp.Percentage = float64(gp.Current) / float64(gp.Target) * 100
	}
	return gp, nil
}

// WeeklyUsageSummary returns a pinned summary, or totals usage logs.
func (s *Store) WeeklyUsageSummary(_ context.Context, userID int64, start, end time.Time) (*db.WeeklySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok := s.summary[userID]; ok {
		cp := *ws
		return &cp, nil
	}
	ws := &db.WeeklySummary{}
	for _, u := range s.logs[userID] {
		if u.at.Before(start) || !u.at.Before(end) {
			continue
		}
		ws.Pouches += u.quantity
		ws.NicotineMG += float64(u.quantity) * u.mg
	}
	for _, g := range s.goals {
		if g.UserID == userID && g.IsActive {
			ws.Goals++
		}
	}
	return ws, nil
}

// DeleteExpiredTokens drops tokens that expired before now.
func (s *Store) DeleteExpiredTokens(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, bucket := range s.tokens {
		for v, t := range bucket {
			if t.expiresAt.Before(now) {
				delete(bucket, v)
				n++
			}
		}
	}
	return n, nil
}
