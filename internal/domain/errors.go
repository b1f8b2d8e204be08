package domain

import (
	"errors"
	"fmt"
)

// Contract violations. They signal a bug in the caller (matching engine,
// funding source or cycle driver), never a business outcome.
var (
	ErrWrongOrder         = errors.New("bid targets another order")
	ErrNotFound           = errors.New("not found")
	ErrWrongState         = errors.New("part already in terminal or incompatible state")
	ErrNotAwaitingFunding = errors.New("order is not awaiting funding")
	ErrWrongRequestKind   = errors.New("wrong request kind")
)

// TransitionError reports a part transition the table forbids.
type TransitionError struct {
	OrderID      OrderID
	CapacityType CapacityType
	From         PartStatus
	Op           PartOp
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: order %s part %d cannot go %s -> %s", ErrWrongState, e.OrderID, e.CapacityType, e.From, e.Op)
}

func (e *TransitionError) Unwrap() error { return ErrWrongState }
