package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"capmarket/internal/domain"
	"capmarket/internal/events"
	"capmarket/internal/repo"
)

// outcome is what the log and the cycle record keep of an OrderEvent.
type outcome struct {
	evtType string
	state   domain.OrderState
	refund  *domain.Tokens
	payload events.EventPayload
}

func (o *outcome) VisitCustomerCompleted(ev domain.CustomerCompleted) {
	o.terminal(EventOrderCompleted, domain.OrderCompleted, ev.Kind(), ev.Request, nil)
}

func (o *outcome) VisitProducerCompleted(ev domain.ProducerCompleted) {
	o.terminal(EventOrderCompleted, domain.OrderCompleted, ev.Kind(), ev.Request, nil)
}

func (o *outcome) VisitCustomerRejected(ev domain.CustomerRejected) {
	refund := ev.Refund
	o.terminal(EventOrderRejected, domain.OrderRejected, ev.Kind(), ev.Request, &refund)
}

func (o *outcome) VisitProducerRejected(ev domain.ProducerRejected) {
	refund := ev.Refund
	o.terminal(EventOrderRejected, domain.OrderRejected, ev.Kind(), ev.Request, &refund)
}

func (o *outcome) VisitStillProcessing(ev domain.StillProcessing) {
	o.evtType = EventOrderStillProcessing
	o.state = domain.OrderActive
	o.payload = events.EventPayload{"event": ev.Kind()}
}

func (o *outcome) terminal(evtType string, state domain.OrderState, kind domain.EventKind, request domain.Request, refund *domain.Tokens) {
	o.evtType = evtType
	o.state = state
	o.refund = refund
	o.payload = events.EventPayload{"event": kind, "request": request}
	if refund != nil {
		o.payload["refund"] = *refund
	}
}

// EndCycle ends the current market cycle: every active order gets its
// verdict, orders with a final verdict are closed, and each score is recorded
// under the new cycle number.
func (e Engine) EndCycle(ctx context.Context) (domain.Cycle, error) {
	marketID := e.marketID()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cycle{}, err
	}
	defer tx.Rollback()

	number, err := e.Repo.NextCycleNumber(ctx, tx, marketID)
	if err != nil {
		return domain.Cycle{}, fmt.Errorf("next cycle number: %w", err)
	}
	recs, err := e.Repo.ListOrdersTx(ctx, tx, repo.OrderFilters{MarketID: marketID, State: domain.OrderActive})
	if err != nil {
		return domain.Cycle{}, err
	}
	now := e.timestamp()
	cycle := domain.Cycle{Number: number, MarketID: marketID, EndedAt: now, Orders: len(recs)}
	for _, rec := range recs {
		order, err := domain.RestoreOrder(rec.Snapshot)
		if err != nil {
			return domain.Cycle{}, err
		}
		score, ev := order.EndCycle()
		var oc outcome
		ev.Accept(&oc)

		rec.State = oc.state
		rec.Snapshot = order.Snapshot()
		rec.UpdatedAt = now
		if err := e.Repo.UpdateOrder(ctx, tx, rec); err != nil {
			return domain.Cycle{}, fmt.Errorf("update order %s: %w", rec.ID, err)
		}
		oc.payload["cycle"] = number
		oc.payload["score"] = score
		oc.payload["order_cycle"] = order.Cycle()
		if err := e.Events.Append(ctx, tx, oc.evtType, marketID, events.EntityOrder, string(rec.ID), string(rec.AgentID), oc.payload); err != nil {
			return domain.Cycle{}, err
		}
		cycle.Outcomes = append(cycle.Outcomes, domain.CycleOutcome{
			OrderID: rec.ID,
			AgentID: rec.AgentID,
			Score:   score,
			Event:   ev.Kind(),
			Refund:  oc.refund,
		})
		cycle.TotalScore += int64(score.Value())
	}
	if err := e.Repo.InsertCycle(ctx, tx, cycle); err != nil {
		return domain.Cycle{}, err
	}
	if err := e.Events.Append(ctx, tx, EventCycleEnded, marketID, events.EntityCycle, fmt.Sprintf("%d", number), "", events.EventPayload{
		"orders":      cycle.Orders,
		"total_score": cycle.TotalScore,
	}); err != nil {
		return domain.Cycle{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Cycle{}, err
	}

	for _, o := range cycle.Outcomes {
		e.log().Info(outcomeLogName(o.Event),
			zap.String("order_id", string(o.OrderID)),
			zap.String("agent_id", string(o.AgentID)),
			zap.Uint8("score", o.Score.Value()),
			zap.Int64("cycle", number),
		)
	}
	e.log().Info(EventCycleEnded,
		zap.Int64("cycle", number),
		zap.Int("orders", cycle.Orders),
		zap.Int64("total_score", cycle.TotalScore),
	)
	return cycle, nil
}

func outcomeLogName(kind domain.EventKind) string {
	switch kind {
	case domain.EventCustomerCompleted, domain.EventProducerCompleted:
		return EventOrderCompleted
	case domain.EventCustomerRejected, domain.EventProducerRejected:
		return EventOrderRejected
	default:
		return EventOrderStillProcessing
	}
}

// ListCycles returns recent cycles of the market, newest first.
func (e Engine) ListCycles(ctx context.Context, limit int) ([]domain.Cycle, error) {
	return e.Repo.ListCycles(ctx, e.marketID(), limit)
}

// GetCycle returns one cycle with the outcome of every order it scored.
func (e Engine) GetCycle(ctx context.Context, number int64) (domain.Cycle, error) {
	return e.Repo.GetCycle(ctx, e.marketID(), number)
}
