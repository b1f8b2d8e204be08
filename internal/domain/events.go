package domain

// EventKind names an OrderEvent variant in logs and payloads.
type EventKind string

const (
	EventCustomerCompleted EventKind = "customer.completed"
	EventProducerCompleted EventKind = "producer.completed"
	EventCustomerRejected  EventKind = "customer.rejected"
	EventProducerRejected  EventKind = "producer.rejected"
	EventStillProcessing   EventKind = "order.still_processing"
)

// OrderEvent is the outcome of one EndCycle call. The variants are closed:
// CustomerCompleted, ProducerCompleted, CustomerRejected, ProducerRejected
// and StillProcessing.
type OrderEvent interface {
	Kind() EventKind
	// Terminal reports whether the order reached a final verdict.
	Terminal() bool
	Accept(v OrderEventVisitor)
}

// OrderEventVisitor has one method per OrderEvent variant. Adding a variant
// adds a method here, which breaks every driver that has not handled it.
type OrderEventVisitor interface {
	VisitCustomerCompleted(CustomerCompleted)
	VisitProducerCompleted(ProducerCompleted)
	VisitCustomerRejected(CustomerRejected)
	VisitProducerRejected(ProducerRejected)
	VisitStillProcessing(StillProcessing)
}

type CustomerCompleted struct {
	Request CustomerRequest `json:"request"`
}

type ProducerCompleted struct {
	Request ProducerRequest `json:"request"`
}

// CustomerRejected carries the balance to refund to the customer.
type CustomerRejected struct {
	Refund  Tokens          `json:"refund"`
	Request CustomerRequest `json:"request"`
}

// ProducerRejected carries the balance to refund to the producer.
type ProducerRejected struct {
	Refund  Tokens          `json:"refund"`
	Request ProducerRequest `json:"request"`
}

type StillProcessing struct{}

func (CustomerCompleted) Kind() EventKind { return EventCustomerCompleted }
func (ProducerCompleted) Kind() EventKind { return EventProducerCompleted }
func (CustomerRejected) Kind() EventKind  { return EventCustomerRejected }
func (ProducerRejected) Kind() EventKind  { return EventProducerRejected }
func (StillProcessing) Kind() EventKind   { return EventStillProcessing }

func (CustomerCompleted) Terminal() bool { return true }
func (ProducerCompleted) Terminal() bool { return true }
func (CustomerRejected) Terminal() bool  { return true }
func (ProducerRejected) Terminal() bool  { return true }
func (StillProcessing) Terminal() bool   { return false }

func (e CustomerCompleted) Accept(v OrderEventVisitor) { v.VisitCustomerCompleted(e) }
func (e ProducerCompleted) Accept(v OrderEventVisitor) { v.VisitProducerCompleted(e) }
func (e CustomerRejected) Accept(v OrderEventVisitor)  { v.VisitCustomerRejected(e) }
func (e ProducerRejected) Accept(v OrderEventVisitor)  { v.VisitProducerRejected(e) }
func (e StillProcessing) Accept(v OrderEventVisitor)   { v.VisitStillProcessing(e) }
