// Package domain is the order fulfillment kernel of the capacity market.
//
// An Order tracks one multi-part capacity requirement. The matching engine
// reports bids against its parts (MarkProcessing, MarkCompleted,
// MarkRejected), a funding source tops it up (Fund) and the cycle driver asks
// for a verdict once per cycle (EndCycle).
//
// Order is not safe for concurrent use. Callers serialize mutations per order;
// reads may run together as long as no mutation is in flight.
package domain

import (
	"fmt"

	"github.com/samber/lo"
)

// MaxCycles is how many StillProcessing verdicts an order gets before it is
// rejected.
const MaxCycles = 3

type Order struct {
	id      OrderID
	tokens  Tokens
	parts   map[CapacityType]*part
	request Request
	cycle   uint8
}

// OrderInfo is the demand still open on an order: every part that is neither
// processing nor completed.
type OrderInfo struct {
	ID       OrderID                   `json:"id"`
	Tokens   Tokens                    `json:"tokens"`
	Required map[CapacityType]Capacity `json:"required"`
}

// NewOrder creates one Unknown part per entry of the process sheet. The sheet
// is copied; the balance starts at the tokens the request declared.
func NewOrder(id OrderID, ps ProcessSheet, request Request) *Order {
	parts := make(map[CapacityType]*part, len(ps.Require))
	for t, capacity := range ps.Require {
		parts[t] = &part{capacity: capacity, status: PartUnknown}
	}
	return &Order{
		id:      id,
		tokens:  request.DeclaredTokens(),
		parts:   parts,
		request: request,
	}
}

func (o *Order) ID() OrderID { return o.id }

func (o *Order) Tokens() Tokens { return o.tokens }

func (o *Order) Cycle() int { return int(o.cycle) }

func (o *Order) Request() Request { return o.request }

func (o *Order) Info() OrderInfo {
	open := lo.PickBy(o.parts, func(_ CapacityType, p *part) bool {
		return p.status != PartProcessing && p.status != PartCompleted
	})
	required := lo.MapValues(open, func(p *part, _ CapacityType) Capacity {
		return p.capacity
	})
	return OrderInfo{ID: o.id, Tokens: o.tokens, Required: required}
}

func (o *Order) AgentID() OrderingAgentID {
	return o.request.AgentID()
}

// RequiresFunding is true while the balance is exactly zero.
func (o *Order) RequiresFunding() bool {
	return o.tokens == 0
}

// CutOffPrice is only defined for producer orders.
func (o *Order) CutOffPrice() (CapacityUnitPrice, error) {
	r, ok := o.request.(ProducerRequest)
	if !ok {
		return UndefinedPrice, fmt.Errorf("%w: order %s was not placed by a producer", ErrWrongRequestKind, o.id)
	}
	return r.CutOffPrice, nil
}

// Fund sets the balance. It does not add to it.
func (o *Order) Fund(t Tokens) error {
	if !o.RequiresFunding() {
		return fmt.Errorf("%w: order %s holds %d tokens", ErrNotAwaitingFunding, o.id, o.tokens)
	}
	o.tokens = t
	return nil
}

// PartStatus returns the status of the part for ct.
func (o *Order) PartStatus(ct CapacityType) (PartStatus, error) {
	p, ok := o.parts[ct]
	if !ok {
		return PartUnknown, fmt.Errorf("%w: capacity type %d in order %s", ErrNotFound, ct, o.id)
	}
	return p.status, nil
}

// MarkProcessing escrows the bid tokens and moves the part to Processing.
// Repeating it on a Processing part does nothing.
func (o *Order) MarkProcessing(bid Bid) error {
	return o.Mark(OpProcessing, bid)
}

// MarkCompleted moves the part to Completed. A part that went through
// Processing was paid already; any other part pays the bid tokens now.
func (o *Order) MarkCompleted(bid Bid) error {
	return o.Mark(OpCompleted, bid)
}

// MarkRejected records that nobody produced the part this cycle. Started or
// finished parts cannot be rejected.
func (o *Order) MarkRejected(bid Bid) error {
	return o.Mark(OpRejected, bid)
}

// Mark applies op for bid following the part transition table. On error the
// order is left untouched.
func (o *Order) Mark(op PartOp, bid Bid) error {
	if bid.OrderID != o.id {
		return fmt.Errorf("%w: %s applied to order %s", ErrWrongOrder, bid, o.id)
	}
	p, ok := o.parts[bid.CapacityType]
	if !ok {
		return fmt.Errorf("%w: capacity type %d in order %s", ErrNotFound, bid.CapacityType, o.id)
	}
	tr := lookupTransition(p.status, op)
	if !tr.allowed {
		return &TransitionError{OrderID: o.id, CapacityType: bid.CapacityType, From: p.status, Op: op}
	}
	if tr.noop {
		return nil
	}
	switch tr.escrow {
	case escrowCredit:
		o.tokens.Add(bid.Tokens)
	case escrowDebit:
		o.tokens.Sub(bid.Tokens)
	}
	p.status = tr.next
	return nil
}

// EndCycle returns the verdict for the cycle that just ended. Completion is
// checked before rejection, so an order finishing on its last cycle still
// completes. Only a StillProcessing verdict advances the cycle counter.
func (o *Order) EndCycle() (Score, OrderEvent) {
	parts := lo.Values(o.parts)
	if lo.EveryBy(parts, func(p *part) bool { return p.status == PartCompleted }) {
		return ScoreCompleted, MatchRequest(o.request,
			func(r CustomerRequest) OrderEvent { return CustomerCompleted{Request: r} },
			func(r ProducerRequest) OrderEvent { return ProducerCompleted{Request: r} },
		)
	}
	allRejected := lo.EveryBy(parts, func(p *part) bool { return p.status == PartRejected })
	if allRejected || int(o.cycle) >= MaxCycles {
		refund := o.tokens
		return ScoreRejected, MatchRequest(o.request,
			func(r CustomerRequest) OrderEvent { return CustomerRejected{Refund: refund, Request: r} },
			func(r ProducerRequest) OrderEvent { return ProducerRejected{Refund: refund, Request: r} },
		)
	}
	o.cycle++
	return ScoreProcessing, StillProcessing{}
}
