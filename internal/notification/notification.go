package notification

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event kinds emitted by the core for downstream delivery.
const (
	KindTransactionCreated = "transaction.created"
	KindAccountFrozen      = "account.frozen"
	KindAccountUnfrozen    = "account.unfrozen"
	KindRequestCreated     = "request.created"
	KindRequestReviewed    = "request.reviewed"
	KindPermissionUpdated  = "permission.updated"
	KindLedgerDivergence   = "ledger.divergence"
)

// Event is the payload handed to the external webhook/notification
// dispatcher. ID makes downstream delivery idempotent.
type Event struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	AccountID string `json:"account_id"`
	Payload   any    `json:"payload"`
}

// NewEvent assigns an event id for downstream idempotent delivery.
func NewEvent(kind, accountID string, payload any) Event {
	return Event{ID: uuid.NewString(), Kind: kind, AccountID: accountID, Payload: payload}
}

// Notifier hands events to downstream systems. Delivery itself is an
// external collaborator's concern.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
}

// LoggerNotifier writes events to the structured logger. Used in tests and
// when no dispatcher is wired.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Publish writes the event to the structured logger.
func (n *LoggerNotifier) Publish(_ context.Context, event Event) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("event",
		slog.String("event_id", event.ID),
		slog.String("kind", event.Kind),
		slog.String("account_id", event.AccountID))
	return nil
}

// EventsChannel is the Redis channel the webhook dispatcher subscribes to.
const EventsChannel = "famwallet:events"

// RedisNotifier publishes events as JSON to a Redis channel consumed by the
// external webhook dispatcher.
type RedisNotifier struct {
	cache  *redis.Client
	logger *slog.Logger
}

// NewRedisNotifier constructs a Redis-backed event publisher.
func NewRedisNotifier(cache *redis.Client, logger *slog.Logger) *RedisNotifier {
	return &RedisNotifier{cache: cache, logger: logger}
}

// Publish serializes the event and publishes it. A delivery failure is logged
// but never fails the originating operation; the ledger is the source of
// truth and the dispatcher can re-derive missed events from it.
func (n *RedisNotifier) Publish(ctx context.Context, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := n.cache.Publish(ctx, EventsChannel, raw).Err(); err != nil {
		n.logger.Warn("event publish failed",
			slog.String("event_id", event.ID),
			slog.String("kind", event.Kind),
			slog.Any("error", err))
	}
	return nil
}
