package domain

import (
	"errors"
	"fmt"
)

type PartSnapshot struct {
	Capacity Capacity   `json:"capacity"`
	Status   PartStatus `json:"status"`
}

// OrderSnapshot is a copy of an order's full state. Exactly one of Customer
// and Producer is set.
type OrderSnapshot struct {
	ID       OrderID                       `json:"id"`
	Tokens   Tokens                        `json:"tokens"`
	Cycle    int                           `json:"cycle"`
	Parts    map[CapacityType]PartSnapshot `json:"parts"`
	Customer *CustomerRequest              `json:"customer,omitempty"`
	Producer *ProducerRequest              `json:"producer,omitempty"`
}

func (o *Order) Snapshot() OrderSnapshot {
	parts := make(map[CapacityType]PartSnapshot, len(o.parts))
	for t, p := range o.parts {
		parts[t] = PartSnapshot{Capacity: p.capacity, Status: p.status}
	}
	s := OrderSnapshot{
		ID:     o.id,
		Tokens: o.tokens,
		Cycle:  int(o.cycle),
		Parts:  parts,
	}
	switch r := o.request.(type) {
	case CustomerRequest:
		s.Customer = &r
	case ProducerRequest:
		s.Producer = &r
	}
	return s
}

// RestoreOrder rebuilds an order from a snapshot.
func RestoreOrder(s OrderSnapshot) (*Order, error) {
	if s.ID == "" {
		return nil, errors.New("snapshot has no order id")
	}
	var request Request
	switch {
	case s.Customer != nil && s.Producer != nil:
		return nil, fmt.Errorf("snapshot %s carries both a customer and a producer request", s.ID)
	case s.Customer != nil:
		request = *s.Customer
	case s.Producer != nil:
		request = *s.Producer
	default:
		return nil, fmt.Errorf("snapshot %s carries no request", s.ID)
	}
	if s.Cycle < 0 || s.Cycle > MaxCycles {
		return nil, fmt.Errorf("snapshot %s cycle %d out of range", s.ID, s.Cycle)
	}
	parts := make(map[CapacityType]*part, len(s.Parts))
	for t, p := range s.Parts {
		if p.Status >= partStatusCount {
			return nil, fmt.Errorf("snapshot %s part %d has invalid status %d", s.ID, t, uint8(p.Status))
		}
		parts[t] = &part{capacity: p.Capacity, status: p.Status}
	}
	return &Order{
		id:      s.ID,
		tokens:  s.Tokens,
		parts:   parts,
		request: request,
		cycle:   uint8(s.Cycle),
	}, nil
}
