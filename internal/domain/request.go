package domain

import (
	"fmt"
	"strings"
)

// InvestmentKind says what a producer wants its capital for.
type InvestmentKind uint8

const (
	InvestmentRestoration InvestmentKind = iota
	InvestmentUpgrade
)

func (k InvestmentKind) String() string {
	switch k {
	case InvestmentRestoration:
		return "restoration"
	case InvestmentUpgrade:
		return "upgrade"
	default:
		return fmt.Sprintf("investment(%d)", uint8(k))
	}
}

func (k InvestmentKind) MarshalText() ([]byte, error) {
	switch k {
	case InvestmentRestoration, InvestmentUpgrade:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("unknown investment kind %d", uint8(k))
	}
}

func (k *InvestmentKind) UnmarshalText(b []byte) error {
	parsed, err := ParseInvestmentKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseInvestmentKind accepts "restoration" or "upgrade", case-insensitive.
func ParseInvestmentKind(s string) (InvestmentKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "restoration":
		return InvestmentRestoration, nil
	case "upgrade":
		return InvestmentUpgrade, nil
	default:
		return 0, fmt.Errorf("invalid investment kind %q", s)
	}
}

// Request is what an agent submitted. It is either a CustomerRequest or a
// ProducerRequest; the set is closed.
type Request interface {
	AgentID() OrderingAgentID
	RequestedProduct() Product
	DeclaredTokens() Tokens
	isRequest()
}

// CustomerRequest asks for a finished product.
type CustomerRequest struct {
	CustomerID CustomerID `json:"customer_id"`
	Product    Product    `json:"product"`
	Tokens     Tokens     `json:"tokens"`
}

func (r CustomerRequest) AgentID() OrderingAgentID  { return OrderingAgentIDFromCustomer(r.CustomerID) }
func (r CustomerRequest) RequestedProduct() Product { return r.Product }
func (r CustomerRequest) DeclaredTokens() Tokens    { return r.Tokens }
func (CustomerRequest) isRequest()                  {}

// ProducerRequest asks for a capital investment in a producer.
type ProducerRequest struct {
	ProducerID  ProducerID        `json:"producer_id"`
	Product     Product           `json:"product"`
	Tokens      Tokens            `json:"tokens"`
	CutOffPrice CapacityUnitPrice `json:"cut_off_price"`
	Investment  InvestmentKind    `json:"investment"`
}

func (r ProducerRequest) AgentID() OrderingAgentID  { return OrderingAgentIDFromProducer(r.ProducerID) }
func (r ProducerRequest) RequestedProduct() Product { return r.Product }
func (r ProducerRequest) DeclaredTokens() Tokens    { return r.Tokens }
func (ProducerRequest) isRequest()                  {}

// MatchRequest dispatches on the request variant. Both handlers are required,
// so every caller handles every origin.
func MatchRequest[T any](r Request, customer func(CustomerRequest) T, producer func(ProducerRequest) T) T {
	switch v := r.(type) {
	case CustomerRequest:
		return customer(v)
	case ProducerRequest:
		return producer(v)
	default:
		panic(fmt.Sprintf("domain: unknown request type %T", r))
	}
}
