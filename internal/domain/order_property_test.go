package domain

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var propertySheet = ProcessSheet{
	Product: 1,
	Require: map[CapacityType]Capacity{1: 10, 2: 20, 3: 30},
}

// TestPartTransitions checks every status x operation pair against the table.
// Property: a refused mark never changes the order; an accepted one moves the
// balance by exactly the escrow of the transition.
func TestPartTransitions(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("marks follow the transition table", prop.ForAll(
		func(from uint8, op uint8, tokens int64) bool {
			order := NewOrder("o", propertySheet, CustomerRequest{CustomerID: "c", Product: 1, Tokens: 50})
			order.parts[1].status = PartStatus(from)
			before := order.Tokens()

			err := order.Mark(PartOp(op), Bid{CapacityType: 1, Capacity: 10, Tokens: Tokens(tokens), OrderID: "o"})
			tr := partTransitions[from][op]
			status, _ := order.PartStatus(1)
			if !tr.allowed {
				return err != nil && status == PartStatus(from) && order.Tokens() == before
			}
			if err != nil {
				return false
			}
			want := before
			switch tr.escrow {
			case escrowCredit:
				want += Tokens(tokens)
			case escrowDebit:
				want -= Tokens(tokens)
			}
			return status == tr.next && order.Tokens() == want
		},
		gen.UInt8Range(0, uint8(partStatusCount)-1),
		gen.UInt8Range(0, uint8(partOpCount)-1),
		gen.Int64Range(0, 1000),
	))

	properties.TestingRun(t)
}

// TestBidSequences drives orders with random bids and cycle ends.
// Property: a completed part stays completed, the balance equals the
// credits minus the debits the accepted marks carried, and the cycle counter
// never passes MaxCycles.
func TestBidSequences(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("bid sequences keep the order consistent", prop.ForAll(
		func(ops []uint8, types []uint32, amounts []int64) bool {
			order := NewOrder("o", propertySheet, ProducerRequest{ProducerID: "p", Product: 1, CutOffPrice: 1})
			if err := order.Fund(100); err != nil {
				return false
			}
			balance := Tokens(100)
			completed := map[CapacityType]bool{}

			n := min(len(ops), len(types), len(amounts))
			for i := 0; i < n; i++ {
				ct := CapacityType(types[i])
				// 3 is not a PartOp; it ends the cycle
				if ops[i] == 3 {
					score, event := order.EndCycle()
					if event.Terminal() == (score == ScoreProcessing) {
						return false
					}
					if order.Cycle() > MaxCycles {
						return false
					}
					continue
				}
				op := PartOp(ops[i])
				before, statusErr := order.PartStatus(ct)
				tr := lookupTransition(before, op)
				err := order.Mark(op, Bid{CapacityType: ct, Capacity: 1, Tokens: Tokens(amounts[i]), OrderID: "o"})
				if statusErr != nil {
					if err == nil {
						return false
					}
					continue
				}
				if (err == nil) != tr.allowed {
					return false
				}
				if err == nil && !tr.noop {
					switch tr.escrow {
					case escrowCredit:
						balance += Tokens(amounts[i])
					case escrowDebit:
						balance -= Tokens(amounts[i])
					}
				}
				after, _ := order.PartStatus(ct)
				if completed[ct] && after != PartCompleted {
					return false
				}
				if after == PartCompleted {
					completed[ct] = true
				}
			}
			return order.Tokens() == balance
		},
		gen.SliceOf(gen.UInt8Range(0, 3)),
		gen.SliceOf(gen.UInt32Range(1, 4)),
		gen.SliceOf(gen.Int64Range(0, 500)),
	))

	properties.TestingRun(t)
}

// TestEndCycleScores checks the verdict matches the part statuses.
func TestEndCycleScores(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("score agrees with the parts", prop.ForAll(
		func(s1, s2, s3 uint8, cycle uint8) bool {
			order := NewOrder("o", propertySheet, CustomerRequest{CustomerID: "c", Product: 1, Tokens: 10})
			order.parts[1].status = PartStatus(s1)
			order.parts[2].status = PartStatus(s2)
			order.parts[3].status = PartStatus(s3)
			order.cycle = cycle

			score, event := order.EndCycle()
			statuses := []PartStatus{PartStatus(s1), PartStatus(s2), PartStatus(s3)}
			allCompleted, allRejected := true, true
			for _, st := range statuses {
				allCompleted = allCompleted && st == PartCompleted
				allRejected = allRejected && st == PartRejected
			}
			switch {
			case allCompleted:
				return score == ScoreCompleted && event.Kind() == EventCustomerCompleted
			case allRejected || int(cycle) >= MaxCycles:
				return score == ScoreRejected && event == OrderEvent(CustomerRejected{Refund: 10, Request: order.Request().(CustomerRequest)})
			default:
				return score == ScoreProcessing && !event.Terminal() && order.Cycle() == int(cycle)+1
			}
		},
		gen.UInt8Range(0, uint8(partStatusCount)-1),
		gen.UInt8Range(0, uint8(partStatusCount)-1),
		gen.UInt8Range(0, uint8(partStatusCount)-1),
		gen.UInt8Range(0, MaxCycles),
	))

	properties.TestingRun(t)
}
