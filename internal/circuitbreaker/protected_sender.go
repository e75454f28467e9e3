package circuitbreaker

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/channel"
	"github.com/lalithlochan/nicotrack/internal/clock"
	"github.com/lalithlochan/nicotrack/internal/db"
)

// KeyFunc picks the breaker an item is counted against.
type KeyFunc func(item *db.QueueItem) string

// ByChannel keeps one breaker per channel. Used for email, where every
// item goes through the same transport.
func ByChannel(item *db.QueueItem) string {
	return string(item.Channel)
}

// ByHost keeps one breaker per webhook host so a single broken endpoint
// does not stall deliveries to the others.
func ByHost(item *db.QueueItem) string {
	u, err := url.Parse(item.Recipient)
	if err != nil || u.Host == "" {
		return string(item.Channel)
	}
	return u.Host
}

// ProtectedSender decorates a channel.Sender with circuit breakers.
// Only Retryable outcomes count as failures; a permanent rejection means
// the endpoint answered.
type ProtectedSender struct {
	sender channel.Sender
	key    KeyFunc
	config Config
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewProtectedSender wraps sender. cfg.Name is ignored; breakers are named
// by key.
func NewProtectedSender(sender channel.Sender, key KeyFunc, cfg Config, clk clock.Clock, logger *zap.Logger) *ProtectedSender {
	if key == nil {
		key = ByChannel
	}
	return &ProtectedSender{
		sender:   sender,
		key:      key,
		config:   cfg,
		clock:    clk,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Breaker returns the breaker for key, creating it on first use.
func (p *ProtectedSender) Breaker(key string) *CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	cb, ok := p.breakers[key]
	if !ok {
		cfg := p.config
		cfg.Name = key
		cb = New(cfg, p.clock, p.logger)
		p.breakers[key] = cb
	}
	return cb
}

// Send fails fast with a retryable ErrCircuitOpen while the item's
// breaker is open.
func (p *ProtectedSender) Send(ctx context.Context, item *db.QueueItem) channel.Result {
	cb := p.Breaker(p.key(item))

	if !cb.Allow() {
		p.logger.Warn("circuit breaker rejected request",
			zap.String("breaker", cb.config.Name),
			zap.String("notification_id", item.ID.String()),
			zap.String("channel", string(item.Channel)),
			zap.String("state", cb.GetState().String()),
		)
		return channel.Retry(fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, cb.config.Name))
	}

	res := p.sender.Send(ctx, item)
	switch res.Outcome {
	case channel.Retryable:
		cb.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", cb.config.Name),
			zap.Error(res.Err),
		)
	default:
		cb.RecordSuccess()
	}
	return res
}

// SupportsChannel delegates to the wrapped sender.
func (p *ProtectedSender) SupportsChannel(ch db.Channel) bool {
	return p.sender.SupportsChannel(ch)
}

// Stats lists every breaker created so far, sorted by name.
func (p *ProtectedSender) Stats() []Stats {
	p.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(p.breakers))
	for _, cb := range p.breakers {
		breakers = append(breakers, cb)
	}
	p.mu.Unlock()

	out := make([]Stats, len(breakers))
	for i, cb := range breakers {
		out[i] = cb.Stats()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
