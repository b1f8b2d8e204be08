package server

import (
	"encoding/json"
	"sort"
	"strconv"

	"capmarket/internal/config"
	"capmarket/internal/domain"
	"capmarket/internal/engine"
)

// Request payloads

type PlaceCustomerOrderRequest struct {
	CustomerID string `json:"customer_id" minLength:"1"`
	Product    uint32 `json:"product"`
	Tokens     int64  `json:"tokens" minimum:"0"`
}

type PlaceProducerOrderRequest struct {
	ProducerID  string   `json:"producer_id" minLength:"1"`
	Product     uint32   `json:"product"`
	Tokens      int64    `json:"tokens,omitempty" minimum:"0"`
	CutOffPrice *float64 `json:"cut_off_price,omitempty"`
	Investment  string   `json:"investment" enum:"restoration,upgrade"`
}

type FundOrderRequest struct {
	Tokens int64 `json:"tokens"`
}

type ApplyBidRequest struct {
	Op           string `json:"op" enum:"processing,completed,rejected"`
	CapacityType uint32 `json:"capacity_type"`
	Capacity     int64  `json:"capacity"`
	Tokens       int64  `json:"tokens"`
}

type BidRequest struct {
	OrderID      string `json:"order_id" minLength:"1"`
	CapacityType uint32 `json:"capacity_type"`
	Capacity     int64  `json:"capacity"`
	Tokens       int64  `json:"tokens,omitempty"`
}

type ProductionRequest struct {
	Processing []BidRequest `json:"processing,omitempty"`
	Completed  []BidRequest `json:"completed,omitempty"`
	Rejected   []BidRequest `json:"rejected,omitempty"`
}

// Response payloads

type PartResponse struct {
	CapacityType uint32 `json:"capacity_type"`
	Capacity     int64  `json:"capacity"`
	Status       string `json:"status" enum:"unknown,processing,completed,rejected"`
}

type RequestResponse struct {
	CustomerID  string   `json:"customer_id,omitempty"`
	ProducerID  string   `json:"producer_id,omitempty"`
	Product     uint32   `json:"product"`
	Tokens      int64    `json:"tokens"`
	CutOffPrice *float64 `json:"cut_off_price,omitempty"`
	Investment  string   `json:"investment,omitempty"`
}

type OrderResponse struct {
	ID              string          `json:"id"`
	MarketID        string          `json:"market_id"`
	AgentID         string          `json:"agent_id"`
	Kind            string          `json:"kind" enum:"customer,producer"`
	Product         uint32          `json:"product"`
	State           string          `json:"state" enum:"active,completed,rejected"`
	Tokens          int64           `json:"tokens"`
	Cycle           int             `json:"cycle"`
	RequiresFunding bool            `json:"requires_funding"`
	Parts           []PartResponse  `json:"parts"`
	Request         RequestResponse `json:"request"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	UpdatedAt       string          `json:"updated_at" format:"date-time"`
}

type OpenOrderResponse struct {
	ID       string           `json:"id"`
	Tokens   int64            `json:"tokens"`
	Required map[string]int64 `json:"required"`
}

type OutcomeResponse struct {
	OrderID string `json:"order_id"`
	AgentID string `json:"agent_id"`
	Score   uint8  `json:"score"`
	Event   string `json:"event"`
	Refund  *int64 `json:"refund,omitempty"`
}

type CycleResponse struct {
	Number     int64             `json:"number"`
	EndedAt    string            `json:"ended_at" format:"date-time"`
	Orders     int               `json:"orders"`
	TotalScore int64             `json:"total_score"`
	Outcomes   []OutcomeResponse `json:"outcomes,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	MarketID   string         `json:"market_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	AgentID    string         `json:"agent_id"`
	Payload    map[string]any `json:"payload"`
}

type ProcessSheetResponse struct {
	Product uint32           `json:"product"`
	Require map[string]int64 `json:"require"`
}

type WebhookResponse struct {
	URL     string   `json:"url"`
	Events  []string `json:"events,omitempty"`
	Enabled bool     `json:"enabled"`
}

type ConfigResponse struct {
	MarketID      string                 `json:"market_id"`
	ProcessSheets []ProcessSheetResponse `json:"process_sheets"`
	Webhooks      []WebhookResponse      `json:"webhooks"`
	BasePath      string                 `json:"base_path"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func toBid(orderID string, capacityType uint32, capacity, tokens int64) domain.Bid {
	return domain.Bid{
		CapacityType: domain.CapacityType(capacityType),
		Capacity:     domain.NewCapacity(capacity),
		Tokens:       domain.NewTokens(tokens),
		OrderID:      domain.OrderID(orderID),
	}
}

func productionResult(in ProductionRequest) engine.ProductionResult {
	convert := func(bids []BidRequest) []domain.Bid {
		out := make([]domain.Bid, 0, len(bids))
		for _, b := range bids {
			out = append(out, toBid(b.OrderID, b.CapacityType, b.Capacity, b.Tokens))
		}
		return out
	}
	return engine.ProductionResult{
		Processing: convert(in.Processing),
		Completed:  convert(in.Completed),
		Rejected:   convert(in.Rejected),
	}
}

func priceValue(p domain.CapacityUnitPrice) *float64 {
	if p.IsNaN() {
		return nil
	}
	v := float64(p)
	return &v
}

func capacityMap(in map[domain.CapacityType]domain.Capacity) map[string]int64 {
	out := make(map[string]int64, len(in))
	for t, c := range in {
		out[strconv.FormatUint(uint64(t), 10)] = c.Value()
	}
	return out
}

func orderResponse(rec domain.OrderRecord) OrderResponse {
	s := rec.Snapshot
	resp := OrderResponse{
		ID:              string(rec.ID),
		MarketID:        rec.MarketID,
		AgentID:         string(rec.AgentID),
		Kind:            string(rec.Kind),
		Product:         uint32(rec.Product),
		State:           string(rec.State),
		Tokens:          s.Tokens.Value(),
		Cycle:           s.Cycle,
		RequiresFunding: s.Tokens == 0,
		Parts:           make([]PartResponse, 0, len(s.Parts)),
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
	for t, p := range s.Parts {
		resp.Parts = append(resp.Parts, PartResponse{CapacityType: uint32(t), Capacity: p.Capacity.Value(), Status: p.Status.String()})
	}
	sort.Slice(resp.Parts, func(i, j int) bool { return resp.Parts[i].CapacityType < resp.Parts[j].CapacityType })
	switch {
	case s.Customer != nil:
		resp.Request = RequestResponse{
			CustomerID: string(s.Customer.CustomerID),
			Product:    uint32(s.Customer.Product),
			Tokens:     s.Customer.Tokens.Value(),
		}
	case s.Producer != nil:
		resp.Request = RequestResponse{
			ProducerID:  string(s.Producer.ProducerID),
			Product:     uint32(s.Producer.Product),
			Tokens:      s.Producer.Tokens.Value(),
			CutOffPrice: priceValue(s.Producer.CutOffPrice),
			Investment:  s.Producer.Investment.String(),
		}
	}
	return resp
}

func mapOrders(items []domain.OrderRecord) []OrderResponse {
	out := make([]OrderResponse, 0, len(items))
	for _, it := range items {
		out = append(out, orderResponse(it))
	}
	return out
}

func openOrderResponse(info domain.OrderInfo) OpenOrderResponse {
	return OpenOrderResponse{ID: string(info.ID), Tokens: info.Tokens.Value(), Required: capacityMap(info.Required)}
}

func cycleResponse(c domain.Cycle) CycleResponse {
	resp := CycleResponse{Number: c.Number, EndedAt: c.EndedAt, Orders: c.Orders, TotalScore: c.TotalScore}
	for _, o := range c.Outcomes {
		out := OutcomeResponse{OrderID: string(o.OrderID), AgentID: string(o.AgentID), Score: o.Score.Value(), Event: string(o.Event)}
		if o.Refund != nil {
			v := o.Refund.Value()
			out.Refund = &v
		}
		resp.Outcomes = append(resp.Outcomes, out)
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		MarketID:   e.MarketID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		AgentID:    e.AgentID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func configResponse(cfg *config.Config) ConfigResponse {
	resp := ConfigResponse{
		MarketID:      cfg.Market.ID,
		ProcessSheets: make([]ProcessSheetResponse, 0, len(cfg.ProcessSheets)),
		Webhooks:      make([]WebhookResponse, 0, len(cfg.Webhooks)),
		BasePath:      cfg.BasePath(),
	}
	for _, ps := range cfg.ProcessSheets {
		resp.ProcessSheets = append(resp.ProcessSheets, ProcessSheetResponse{Product: uint32(ps.Product), Require: capacityMap(ps.Require)})
	}
	for _, h := range cfg.Webhooks {
		resp.Webhooks = append(resp.Webhooks, WebhookResponse{URL: h.URL, Events: h.Events, Enabled: h.Enabled == nil || *h.Enabled})
	}
	return resp
}
