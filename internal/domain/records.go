package domain

// Event is one entry of the append-only market log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	MarketID   string `json:"market_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	AgentID    string `json:"agent_id"`
	Payload    string `json:"payload_json"`
}

// OrderState is the lifecycle of a stored order. Only active orders take
// bids, funding and cycle ends.
type OrderState string

const (
	OrderActive    OrderState = "active"
	OrderCompleted OrderState = "completed"
	OrderRejected  OrderState = "rejected"
)

// OrderRecord is an order as the market stores it.
type OrderRecord struct {
	ID        OrderID         `json:"id"`
	MarketID  string          `json:"market_id"`
	AgentID   OrderingAgentID `json:"agent_id"`
	Kind      AgentRole       `json:"kind"`
	Product   Product         `json:"product"`
	State     OrderState      `json:"state"`
	Snapshot  OrderSnapshot   `json:"snapshot"`
	CreatedAt string          `json:"created_at" format:"date-time"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

// CycleOutcome is the verdict one order got when a market cycle ended.
type CycleOutcome struct {
	OrderID OrderID         `json:"order_id"`
	AgentID OrderingAgentID `json:"agent_id"`
	Score   Score           `json:"score"`
	Event   EventKind       `json:"event"`
	Refund  *Tokens         `json:"refund,omitempty"`
}

// Cycle is one ended market cycle.
type Cycle struct {
	Number     int64          `json:"number"`
	MarketID   string         `json:"market_id"`
	EndedAt    string         `json:"ended_at" format:"date-time"`
	Orders     int            `json:"orders"`
	TotalScore int64          `json:"total_score"`
	Outcomes   []CycleOutcome `json:"outcomes,omitempty"`
}
