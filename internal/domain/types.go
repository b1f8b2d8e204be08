package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Tokens is a signed currency balance. It may go negative while escrow is released.
type Tokens int64

func NewTokens(v int64) Tokens { return Tokens(v) }

func (t Tokens) Value() int64 { return int64(t) }

// Add credits other onto t in place.
func (t *Tokens) Add(other Tokens) { *t += other }

// Sub debits other from t in place.
func (t *Tokens) Sub(other Tokens) { *t -= other }

// Capacity is an amount of a single capacity type.
type Capacity int64

func NewCapacity(v int64) Capacity { return Capacity(v) }

func (c Capacity) Value() int64 { return int64(c) }

// CapacityType identifies a resource category. Used as a map key.
type CapacityType uint32

// Product identifies a product category.
type Product uint32

type CustomerID string

type ProducerID string

type OrderID string

// AgentRole tells which kind of agent an OrderingAgentID was derived from.
type AgentRole string

const (
	RoleCustomer AgentRole = "customer"
	RoleProducer AgentRole = "producer"
)

const (
	customerPrefix = "c:"
	producerPrefix = "p:"
)

// OrderingAgentID identifies an agent across roles. A customer and a producer
// sharing the same raw id never map to the same OrderingAgentID.
type OrderingAgentID string

func OrderingAgentIDFromCustomer(id CustomerID) OrderingAgentID {
	return OrderingAgentID(customerPrefix + string(id))
}

func OrderingAgentIDFromProducer(id ProducerID) OrderingAgentID {
	return OrderingAgentID(producerPrefix + string(id))
}

// Role reports the role tag carried by the id, or "" for an id not built by
// one of the constructors.
func (id OrderingAgentID) Role() AgentRole {
	switch {
	case strings.HasPrefix(string(id), customerPrefix):
		return RoleCustomer
	case strings.HasPrefix(string(id), producerPrefix):
		return RoleProducer
	default:
		return ""
	}
}

// CapacityUnitPrice is the price of one unit of capacity.
type CapacityUnitPrice float64

// UndefinedPrice marks a price that could not be computed.
var UndefinedPrice = CapacityUnitPrice(math.NaN())

func (p CapacityUnitPrice) IsNaN() bool {
	return math.IsNaN(float64(p))
}

// Equal treats two undefined prices as equal.
func (p CapacityUnitPrice) Equal(other CapacityUnitPrice) bool {
	if p.IsNaN() && other.IsNaN() {
		return true
	}
	return float64(p) == float64(other)
}

// MarshalJSON writes an undefined price as null.
func (p CapacityUnitPrice) MarshalJSON() ([]byte, error) {
	if p.IsNaN() || math.IsInf(float64(p), 0) {
		return []byte("null"), nil
	}
	return json.Marshal(float64(p))
}

func (p *CapacityUnitPrice) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*p = UndefinedPrice
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("invalid capacity unit price: %w", err)
	}
	*p = CapacityUnitPrice(f)
	return nil
}

// Score rates how a cycle ended for an order. Lower is better.
type Score uint8

const (
	ScoreCompleted  Score = 0
	ScoreProcessing Score = 1
	ScoreRejected   Score = 3
)

func NewScore(v uint8) Score { return Score(v) }

func (s Score) Value() uint8 { return uint8(s) }

// ProcessSheet is the recipe of a product: the capacity it needs per type.
type ProcessSheet struct {
	Product Product                   `json:"product" yaml:"product"`
	Require map[CapacityType]Capacity `json:"require" yaml:"require"`
}

// Bid is a capacity allocation offered against one part of one order.
type Bid struct {
	CapacityType CapacityType `json:"capacity_type"`
	Capacity     Capacity     `json:"capacity"`
	Tokens       Tokens       `json:"tokens"`
	OrderID      OrderID      `json:"order_id"`
}

// CapacityUnitPrice returns tokens per unit of capacity.
func (b Bid) CapacityUnitPrice() CapacityUnitPrice {
	if b.Capacity == 0 {
		return UndefinedPrice
	}
	return CapacityUnitPrice(float64(b.Tokens) / float64(b.Capacity))
}

func (b Bid) String() string {
	return fmt.Sprintf("bid{order=%s type=%d capacity=%d tokens=%d}", b.OrderID, b.CapacityType, b.Capacity, b.Tokens)
}
