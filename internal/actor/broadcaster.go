package actor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pscheid92/fanout/internal/domain"
)

const (
	outcomeDelivered = "delivered"
	outcomeFailed    = "failed"
)

// deliver pushes one envelope to the matching live sessions. A failed send prunes
// that session and delivery continues with the next one; nothing is retried.
func (a *Actor) deliver(ctx context.Context, env domain.Envelope) domain.DeliveryReport {
	start := a.clock.Now()
	defer func() {
		a.metrics.BroadcastDuration.Observe(a.clock.Since(start).Seconds())
	}()

	report := domain.DeliveryReport{Pruned: []uuid.UUID{}}

	frame, err := encodeEvent(env)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to encode event", "event_type", env.EventType, "error", err)
		return report
	}

	visit := func(s *Session) {
		if s.state != domain.SessionOpen {
			return
		}
		report.Attempted++
		if err := a.send(s, frame); err != nil {
			a.logger.WarnContext(ctx, "pruning session after failed send",
				"session_id", s.id.String(),
				"event_type", env.EventType,
				"error", err,
			)
			a.metrics.Deliveries.WithLabelValues(outcomeFailed).Inc()
			a.metrics.SessionsPruned.Inc()
			a.teardown(s, reasonSendFailure)
			report.Pruned = append(report.Pruned, s.id)
			return
		}
		a.metrics.Deliveries.WithLabelValues(outcomeDelivered).Inc()
		report.Succeeded++
	}

	switch env.Target.Kind {
	case domain.TargetSession:
		if s, ok := a.registry.Get(env.Target.SessionID); ok {
			visit(s)
		}
	case domain.TargetFilter:
		eventType, entityID := env.EventAttributes()
		a.registry.ForEach(func(s *Session) {
			if s.subscribed(eventType, entityID) {
				visit(s)
			}
		})
	default:
		a.registry.ForEach(visit)
	}

	return report
}

// send performs one bounded write. A timeout counts as a failure.
func (a *Actor) send(s *Session, frame []byte) error {
	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.SendTimeout)
	defer cancel()

	if err := s.conn.Write(ctx, frame); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSendFailure, err)
	}
	s.touch(a.clock.Now())
	return nil
}
