package marketsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal capacity market HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Part struct {
	CapacityType uint32 `json:"capacity_type"`
	Capacity     int64  `json:"capacity"`
	Status       string `json:"status"`
}

type Request struct {
	CustomerID  string   `json:"customer_id,omitempty"`
	ProducerID  string   `json:"producer_id,omitempty"`
	Product     uint32   `json:"product"`
	Tokens      int64    `json:"tokens"`
	CutOffPrice *float64 `json:"cut_off_price,omitempty"`
	Investment  string   `json:"investment,omitempty"`
}

// Order is the API order model.
type Order struct {
	ID              string  `json:"id"`
	MarketID        string  `json:"market_id"`
	AgentID         string  `json:"agent_id"`
	Kind            string  `json:"kind"`
	Product         uint32  `json:"product"`
	State           string  `json:"state"`
	Tokens          int64   `json:"tokens"`
	Cycle           int     `json:"cycle"`
	RequiresFunding bool    `json:"requires_funding"`
	Parts           []Part  `json:"parts"`
	Request         Request `json:"request"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

// OpenOrder is the demand still open on an order, keyed by capacity type.
type OpenOrder struct {
	ID       string           `json:"id"`
	Tokens   int64            `json:"tokens"`
	Required map[string]int64 `json:"required"`
}

type Bid struct {
	OrderID      string `json:"order_id"`
	CapacityType uint32 `json:"capacity_type"`
	Capacity     int64  `json:"capacity"`
	Tokens       int64  `json:"tokens,omitempty"`
}

// Production is a producer's output for one cycle.
type Production struct {
	Processing []Bid `json:"processing,omitempty"`
	Completed  []Bid `json:"completed,omitempty"`
	Rejected   []Bid `json:"rejected,omitempty"`
}

type Outcome struct {
	OrderID string `json:"order_id"`
	AgentID string `json:"agent_id"`
	Score   uint8  `json:"score"`
	Event   string `json:"event"`
	Refund  *int64 `json:"refund,omitempty"`
}

type Cycle struct {
	Number     int64     `json:"number"`
	EndedAt    string    `json:"ended_at"`
	Orders     int       `json:"orders"`
	TotalScore int64     `json:"total_score"`
	Outcomes   []Outcome `json:"outcomes,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	MarketID   string         `json:"market_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	AgentID    string         `json:"agent_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PlaceCustomerOrder places an order for a finished product.
func (c *Client) PlaceCustomerOrder(ctx context.Context, customerID string, product uint32, tokens int64) (Order, error) {
	body := map[string]any{
		"customer_id": customerID,
		"product":     product,
		"tokens":      tokens,
	}
	var resp Order
	err := c.do(ctx, http.MethodPost, "orders/customer", body, &resp)
	return resp, err
}

// PlaceProducerOrder places an investment order. A nil cutOffPrice leaves the
// price undefined.
func (c *Client) PlaceProducerOrder(ctx context.Context, producerID string, product uint32, cutOffPrice *float64, investment string) (Order, error) {
	body := map[string]any{
		"producer_id": producerID,
		"product":     product,
		"investment":  investment,
	}
	if cutOffPrice != nil {
		body["cut_off_price"] = *cutOffPrice
	}
	var resp Order
	err := c.do(ctx, http.MethodPost, "orders/producer", body, &resp)
	return resp, err
}

func (c *Client) GetOrder(ctx context.Context, id string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodGet, "orders/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// OpenOrders lists the open demand; kind may be empty, "customer" or "producer".
func (c *Client) OpenOrders(ctx context.Context, kind string) ([]OpenOrder, error) {
	endpoint := "orders/open"
	if kind != "" {
		endpoint += "?kind=" + url.QueryEscape(kind)
	}
	var resp []OpenOrder
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) AwaitingFunding(ctx context.Context) ([]Order, error) {
	var resp []Order
	err := c.do(ctx, http.MethodGet, "orders/awaiting-funding", nil, &resp)
	return resp, err
}

func (c *Client) FundOrder(ctx context.Context, id string, tokens int64) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodPost, "orders/"+url.PathEscape(id)+"/fund", map[string]any{"tokens": tokens}, &resp)
	return resp, err
}

// ApplyBid marks one part; op is "processing", "completed" or "rejected".
func (c *Client) ApplyBid(ctx context.Context, op string, bid Bid) (Order, error) {
	body := map[string]any{
		"op":            op,
		"capacity_type": bid.CapacityType,
		"capacity":      bid.Capacity,
		"tokens":        bid.Tokens,
	}
	var resp Order
	err := c.do(ctx, http.MethodPost, "orders/"+url.PathEscape(bid.OrderID)+"/bids", body, &resp)
	return resp, err
}

// ApplyProduction applies every bid of p or none of them.
func (c *Client) ApplyProduction(ctx context.Context, p Production) ([]Order, error) {
	var resp []Order
	err := c.do(ctx, http.MethodPost, "production", p, &resp)
	return resp, err
}

func (c *Client) EndCycle(ctx context.Context) (Cycle, error) {
	var resp Cycle
	err := c.do(ctx, http.MethodPost, "cycles", nil, &resp)
	return resp, err
}

func (c *Client) OrderScores(ctx context.Context, id string) ([]int, error) {
	var resp []int
	err := c.do(ctx, http.MethodGet, "orders/"+url.PathEscape(id)+"/scores", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
