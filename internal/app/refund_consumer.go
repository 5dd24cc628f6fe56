/**
 * @description
 * Event-driven refund handler. Subscribes a durable queue to the declined,
 * cancelled, and expired routing keys and issues the compensating escrow
 * release for each, exactly once per transfer.
 *
 * @notes
 * - Idempotency is layered: a Redis SETNX guard short-circuits duplicate
 *   deliveries cheaply, the durable refund marker in Postgres is the
 *   authoritative once-only claim, and the ledger release itself is keyed by
 *   the transfer id. Redis being down only costs the fast path.
 * - A handler returning false re-queues the delivery, so transient failures
 *   retry through the broker rather than being dropped.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/paymesh/escrow-service/internal/domain"
	"github.com/paymesh/escrow-service/pkg/rabbitmq"
)

const refundGuardTTL = 24 * time.Hour

// RefundConsumer processes refund-driving lifecycle events.
type RefundConsumer struct {
	service  *Service
	consumer *rabbitmq.Consumer
	redis    *redis.Client
	queue    string
}

// NewRefundConsumer wires the handler to its broker consumer and Redis guard.
// redisClient may be nil, in which case only the durable marker dedupes.
func NewRefundConsumer(service *Service, consumer *rabbitmq.Consumer, redisClient *redis.Client, queueName string) *RefundConsumer {
	return &RefundConsumer{
		service:  service,
		consumer: consumer,
		redis:    redisClient,
		queue:    queueName,
	}
}

// Start binds the refund queue to the refundable terminal events and begins
// consuming.
func (c *RefundConsumer) Start() error {
	bindings := map[string]func([]byte) bool{
		string(domain.EventTransferDeclined):  c.handle,
		string(domain.EventTransferCancelled): c.handle,
		string(domain.EventTransferExpired):   c.handle,
	}
	if err := c.consumer.ConsumeWithBindings(rabbitmq.EventsExchange, c.queue, bindings); err != nil {
		return err
	}
	log.Printf("level=info component=refund_consumer msg=\"consuming\" queue=%s", c.queue)
	return nil
}

func (c *RefundConsumer) handle(body []byte) bool {
	var event domain.TransferEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=refund_consumer msg=\"malformed event; dropping\" err=%v", err)
		return true
	}
	if event.TransferID == uuid.Nil {
		log.Printf("level=error component=refund_consumer msg=\"event without transfer id; dropping\"")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if !c.claimGuard(ctx, event.TransferID) {
		return true
	}

	if err := c.service.ProcessRefund(ctx, event.TransferID); err != nil {
		c.releaseGuard(ctx, event.TransferID)
		// A transfer the refund no longer applies to must not circle in the
		// queue forever.
		if errors.Is(err, domain.ErrTransferNotFound) || errors.Is(err, domain.ErrInvalidState) {
			log.Printf("level=warn component=refund_consumer transfer_id=%s msg=\"refund not applicable; dropping\" err=%v", event.TransferID, err)
			return true
		}
		log.Printf("level=warn component=refund_consumer transfer_id=%s msg=\"refund failed; re-queuing\" err=%v", event.TransferID, err)
		return false
	}
	return true
}

// claimGuard takes the Redis fast-path lock. Redis errors fail open: the
// durable marker still guarantees exactly-once.
func (c *RefundConsumer) claimGuard(ctx context.Context, id uuid.UUID) bool {
	if c.redis == nil {
		return true
	}
	ok, err := c.redis.SetNX(ctx, refundGuardKey(id), "1", refundGuardTTL).Result()
	if err != nil {
		log.Printf("level=warn component=refund_consumer transfer_id=%s msg=\"redis guard unavailable; falling through to durable marker\" err=%v", id, err)
		return true
	}
	if !ok {
		log.Printf("level=info component=refund_consumer transfer_id=%s msg=\"duplicate delivery; skipping\"", id)
	}
	return ok
}

func (c *RefundConsumer) releaseGuard(ctx context.Context, id uuid.UUID) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, refundGuardKey(id)).Err(); err != nil {
		log.Printf("level=warn component=refund_consumer transfer_id=%s msg=\"redis guard release failed\" err=%v", id, err)
	}
}

func refundGuardKey(id uuid.UUID) string {
	return "escrow:refund:" + id.String()
}
