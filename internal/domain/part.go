package domain

import "fmt"

// PartStatus is the fulfillment state of one required capacity type.
type PartStatus uint8

const (
	PartUnknown PartStatus = iota
	PartProcessing
	PartCompleted
	PartRejected
	partStatusCount
)

var partStatusNames = [partStatusCount]string{
	PartUnknown:    "unknown",
	PartProcessing: "processing",
	PartCompleted:  "completed",
	PartRejected:   "rejected",
}

func (s PartStatus) String() string {
	if s < partStatusCount {
		return partStatusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s PartStatus) MarshalText() ([]byte, error) {
	if s >= partStatusCount {
		return nil, fmt.Errorf("unknown part status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *PartStatus) UnmarshalText(b []byte) error {
	for i, name := range partStatusNames {
		if name == string(b) {
			*s = PartStatus(i)
			return nil
		}
	}
	return fmt.Errorf("invalid part status %q", string(b))
}

// PartOp is a mark operation requested by the matching engine.
type PartOp uint8

const (
	OpProcessing PartOp = iota
	OpCompleted
	OpRejected
	partOpCount
)

func (op PartOp) String() string {
	switch op {
	case OpProcessing:
		return "processing"
	case OpCompleted:
		return "completed"
	case OpRejected:
		return "rejected"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// ParsePartOp accepts the String form of a PartOp.
func ParsePartOp(s string) (PartOp, error) {
	for op := PartOp(0); op < partOpCount; op++ {
		if op.String() == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("invalid part operation %q", s)
}

// escrow is the balance side effect of a transition.
type escrow int8

const (
	escrowNone escrow = iota
	// escrowCredit adds the bid tokens: payment held for capacity about to be produced.
	escrowCredit
	// escrowDebit subtracts the bid tokens: payment on completion.
	escrowDebit
)

type transition struct {
	allowed bool
	// noop leaves status and balance untouched.
	noop   bool
	next   PartStatus
	escrow escrow
}

// partTransitions is the full status x operation table. A zero entry denies.
// Rejected only holds for the cycle in which it was reported: the part stays
// open demand and can be bid on again.
var partTransitions = [partStatusCount][partOpCount]transition{
	PartUnknown: {
		OpProcessing: {allowed: true, next: PartProcessing, escrow: escrowCredit},
		OpCompleted:  {allowed: true, next: PartCompleted, escrow: escrowDebit},
		OpRejected:   {allowed: true, next: PartRejected},
	},
	PartProcessing: {
		OpProcessing: {allowed: true, noop: true, next: PartProcessing},
		OpCompleted:  {allowed: true, next: PartCompleted},
	},
	PartCompleted: {},
	PartRejected: {
		OpProcessing: {allowed: true, next: PartProcessing, escrow: escrowCredit},
		OpCompleted:  {allowed: true, next: PartCompleted, escrow: escrowDebit},
		OpRejected:   {allowed: true, next: PartRejected},
	},
}

func lookupTransition(from PartStatus, op PartOp) transition {
	if from >= partStatusCount || op >= partOpCount {
		return transition{}
	}
	return partTransitions[from][op]
}

type part struct {
	capacity Capacity
	status   PartStatus
}
