// Package projector keeps the Redis order-status cache in step with order
// lifecycle events, so every API instance serves the same cached status.
package projector

import (
	"context"
	"fmt"

	kafkax "github.com/ariefcatur/go-shop-orders/internal/kafka"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/ariefcatur/go-shop-orders/internal/redisx"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// StatusCache keeps the newest document per order; Put reports false when
// a newer one is already cached.
type StatusCache interface {
	Put(ctx context.Context, doc redisx.StatusDoc) (bool, error)
}

type Deduper interface {
	FirstSeen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

type Service struct {
	Cache StatusCache
	Dedup Deduper
	Log   *zap.Logger
}

// HandleOrderEvent: dipasang sebagai handler consumer.
func (s *Service) HandleOrderEvent(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		// poison message: log and let the offset advance
		s.Log.Warn("skip undecodable message", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}

	first, err := s.Dedup.FirstSeen(ctx, env.EventID)
	if err != nil {
		return fmt.Errorf("dedup %s: %w", env.EventID, err)
	}
	if !first {
		return nil
	}

	if err := s.apply(ctx, env); err != nil {
		// release the claim; the consumer retries the same message
		_ = s.Dedup.Forget(ctx, env.EventID)
		return err
	}
	return nil
}

func (s *Service) apply(ctx context.Context, env orders.Envelope) error {
	switch env.EventType {
	case orders.EventOrderCreated:
		p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
		if err != nil {
			return err
		}
		return s.setStatus(ctx, env, p.OrderID, p.UserID, p.Status)
	case orders.EventOrderStatusChanged:
		p, err := kafkax.UnwrapPayload[orders.OrderStatusChangedPayload](env.Payload)
		if err != nil {
			return err
		}
		return s.setStatus(ctx, env, p.OrderID, p.UserID, p.To)
	case orders.EventOrderDeleted:
		p, err := kafkax.UnwrapPayload[orders.OrderDeletedPayload](env.Payload)
		if err != nil {
			return err
		}
		s.Log.Info("order deleted, caching tombstone", zap.String("order_id", p.OrderID))
		return s.put(ctx, env, redisx.StatusDoc{OrderID: p.OrderID, Deleted: true, UpdatedAt: env.OccurredAt})
	default:
		return nil // ignore
	}
}

func (s *Service) setStatus(ctx context.Context, env orders.Envelope, orderID, userID string, st orders.Status) error {
	return s.put(ctx, env, redisx.StatusDoc{OrderID: orderID, UserID: userID, Status: st.String(), UpdatedAt: env.OccurredAt})
}

func (s *Service) put(ctx context.Context, env orders.Envelope, doc redisx.StatusDoc) error {
	written, err := s.Cache.Put(ctx, doc)
	if err != nil {
		return err
	}
	if !written {
		s.Log.Debug("stale event, cache already newer", zap.String("order_id", doc.OrderID), zap.String("event_id", env.EventID))
		return nil
	}
	s.Log.Debug("project status", zap.String("order_id", doc.OrderID), zap.String("status", doc.Status), zap.String("event_id", env.EventID))
	return nil
}
