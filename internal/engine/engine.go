package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"capmarket/internal/config"
	"capmarket/internal/domain"
	"capmarket/internal/events"
	"capmarket/internal/logger"
	"capmarket/internal/repo"
)

var (
	ErrUnknownProduct = errors.New("no process sheet for product")
	ErrOrderClosed    = errors.New("order already has a final verdict")
	ErrInvalidRequest = errors.New("invalid request")
)

// Event types written to the market log.
const (
	EventOrderPlaced          = "order.placed"
	EventOrderFunded          = "order.funded"
	EventPartProcessing       = "part.processing"
	EventPartCompleted        = "part.completed"
	EventPartRejected         = "part.rejected"
	EventOrderCompleted       = "order.completed"
	EventOrderRejected        = "order.rejected"
	EventOrderStillProcessing = "order.still_processing"
	EventCycleEnded           = "cycle.ended"
)

// Engine drives orders of one market: it keeps each order in the workspace
// database and runs the kernel operations on a restored copy inside one
// transaction per call.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	NewID  func() string
	Log    *zap.Logger
}

func New(db *sql.DB, cfg *config.Config, log *zap.Logger) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		NewID:  uuid.NewString,
		Log:    logger.OrDefault(log),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	return logger.OrDefault(e.Log)
}

func (e Engine) marketID() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Market.ID
}

func (e Engine) newOrderID() domain.OrderID {
	if e.NewID != nil {
		return domain.OrderID(e.NewID())
	}
	return domain.OrderID(uuid.NewString())
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// PlaceCustomerOrder opens an order for a customer product request.
func (e Engine) PlaceCustomerOrder(ctx context.Context, r domain.CustomerRequest) (domain.OrderRecord, error) {
	if strings.TrimSpace(string(r.CustomerID)) == "" {
		return domain.OrderRecord{}, fmt.Errorf("%w: customer id is required", ErrInvalidRequest)
	}
	return e.placeOrder(ctx, r)
}

// PlaceProducerOrder opens an order for a producer investment request.
func (e Engine) PlaceProducerOrder(ctx context.Context, r domain.ProducerRequest) (domain.OrderRecord, error) {
	if strings.TrimSpace(string(r.ProducerID)) == "" {
		return domain.OrderRecord{}, fmt.Errorf("%w: producer id is required", ErrInvalidRequest)
	}
	if _, err := r.Investment.MarshalText(); err != nil {
		return domain.OrderRecord{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return e.placeOrder(ctx, r)
}

func (e Engine) placeOrder(ctx context.Context, r domain.Request) (domain.OrderRecord, error) {
	if e.Config == nil {
		return domain.OrderRecord{}, errors.New("config not loaded")
	}
	if r.DeclaredTokens() < 0 {
		return domain.OrderRecord{}, fmt.Errorf("%w: declared tokens must not be negative", ErrInvalidRequest)
	}
	sheet, ok := e.Config.ProcessSheet(r.RequestedProduct())
	if !ok {
		return domain.OrderRecord{}, fmt.Errorf("%w %d", ErrUnknownProduct, r.RequestedProduct())
	}
	order := domain.NewOrder(e.newOrderID(), sheet, r)
	now := e.timestamp()
	rec := domain.OrderRecord{
		ID:        order.ID(),
		MarketID:  e.marketID(),
		AgentID:   order.AgentID(),
		Kind:      order.AgentID().Role(),
		Product:   r.RequestedProduct(),
		State:     domain.OrderActive,
		Snapshot:  order.Snapshot(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OrderRecord{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOrder(ctx, tx, rec); err != nil {
		return domain.OrderRecord{}, fmt.Errorf("insert order: %w", err)
	}
	payload := events.EventPayload{
		"product":          rec.Product,
		"kind":             rec.Kind,
		"tokens":           order.Tokens(),
		"required":         sheet.Require,
		"requires_funding": order.RequiresFunding(),
	}
	if err := e.Events.Append(ctx, tx, EventOrderPlaced, rec.MarketID, events.EntityOrder, string(rec.ID), string(rec.AgentID), payload); err != nil {
		return domain.OrderRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OrderRecord{}, err
	}
	e.log().Info(EventOrderPlaced,
		zap.String("order_id", string(rec.ID)),
		zap.String("agent_id", string(rec.AgentID)),
		zap.Uint32("product", uint32(rec.Product)),
		zap.Int64("tokens", order.Tokens().Value()),
	)
	return rec, nil
}

// GetOrder loads an order of the engine's market. Orders of other markets in
// the same workspace are reported as not found.
func (e Engine) GetOrder(ctx context.Context, id domain.OrderID) (domain.OrderRecord, error) {
	return e.ownOrder(e.Repo.GetOrder(ctx, id))
}

func (e Engine) ownOrder(rec domain.OrderRecord, err error) (domain.OrderRecord, error) {
	if err != nil {
		return domain.OrderRecord{}, err
	}
	if rec.MarketID != e.marketID() {
		return domain.OrderRecord{}, repo.ErrNotFound
	}
	return rec, nil
}

// ListOrders lists the orders of the engine's market.
func (e Engine) ListOrders(ctx context.Context, f repo.OrderFilters) ([]domain.OrderRecord, error) {
	f.MarketID = e.marketID()
	return e.Repo.ListOrders(ctx, f)
}

// OpenOrders returns the open demand of every active order: what the matching
// engine should try to satisfy next.
func (e Engine) OpenOrders(ctx context.Context, kind domain.AgentRole) ([]domain.OrderInfo, error) {
	recs, err := e.ListOrders(ctx, repo.OrderFilters{State: domain.OrderActive, Kind: kind})
	if err != nil {
		return nil, err
	}
	infos := make([]domain.OrderInfo, 0, len(recs))
	for _, rec := range recs {
		order, err := domain.RestoreOrder(rec.Snapshot)
		if err != nil {
			return nil, err
		}
		infos = append(infos, order.Info())
	}
	return infos, nil
}

// AwaitingFunding lists active orders whose balance is zero.
func (e Engine) AwaitingFunding(ctx context.Context) ([]domain.OrderRecord, error) {
	recs, err := e.ListOrders(ctx, repo.OrderFilters{State: domain.OrderActive})
	if err != nil {
		return nil, err
	}
	var res []domain.OrderRecord
	for _, rec := range recs {
		order, err := domain.RestoreOrder(rec.Snapshot)
		if err != nil {
			return nil, err
		}
		if order.RequiresFunding() {
			res = append(res, rec)
		}
	}
	return res, nil
}

// OrderScores returns the scores an order collected, one per ended cycle.
func (e Engine) OrderScores(ctx context.Context, id domain.OrderID) ([]domain.Score, error) {
	if _, err := e.GetOrder(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.OrderScores(ctx, id)
}

// mutateOrder restores an active order inside a transaction, applies fn and
// stores the result. Nothing is written when fn fails.
func (e Engine) mutateOrder(ctx context.Context, tx *sql.Tx, id domain.OrderID, fn func(rec domain.OrderRecord, order *domain.Order) error) (domain.OrderRecord, error) {
	rec, err := e.ownOrder(e.Repo.GetOrderTx(ctx, tx, id))
	if err != nil {
		return domain.OrderRecord{}, err
	}
	if rec.State != domain.OrderActive {
		return domain.OrderRecord{}, fmt.Errorf("%w: order %s is %s", ErrOrderClosed, id, rec.State)
	}
	order, err := domain.RestoreOrder(rec.Snapshot)
	if err != nil {
		return domain.OrderRecord{}, err
	}
	if err := fn(rec, order); err != nil {
		return domain.OrderRecord{}, err
	}
	rec.Snapshot = order.Snapshot()
	rec.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateOrder(ctx, tx, rec); err != nil {
		return domain.OrderRecord{}, fmt.Errorf("update order %s: %w", id, err)
	}
	return rec, nil
}

// FundOrder sets the balance of an order awaiting funding.
func (e Engine) FundOrder(ctx context.Context, id domain.OrderID, tokens domain.Tokens) (domain.OrderRecord, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OrderRecord{}, err
	}
	defer tx.Rollback()
	rec, err := e.mutateOrder(ctx, tx, id, func(rec domain.OrderRecord, order *domain.Order) error {
		if err := order.Fund(tokens); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, EventOrderFunded, rec.MarketID, events.EntityOrder, string(rec.ID), string(rec.AgentID),
			events.EventPayload{"tokens": tokens})
	})
	if err != nil {
		return domain.OrderRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OrderRecord{}, err
	}
	e.log().Info(EventOrderFunded,
		zap.String("order_id", string(id)),
		zap.String("agent_id", string(rec.AgentID)),
		zap.Int64("tokens", tokens.Value()),
	)
	return rec, nil
}

var partEvents = map[domain.PartOp]string{
	domain.OpProcessing: EventPartProcessing,
	domain.OpCompleted:  EventPartCompleted,
	domain.OpRejected:   EventPartRejected,
}

// ApplyBid runs one mark operation for bid against the order it targets.
func (e Engine) ApplyBid(ctx context.Context, op domain.PartOp, bid domain.Bid) (domain.OrderRecord, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OrderRecord{}, err
	}
	defer tx.Rollback()
	rec, err := e.applyBidTx(ctx, tx, op, bid)
	if err != nil {
		return domain.OrderRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OrderRecord{}, err
	}
	e.logBid(op, bid, rec)
	return rec, nil
}

func (e Engine) applyBidTx(ctx context.Context, tx *sql.Tx, op domain.PartOp, bid domain.Bid) (domain.OrderRecord, error) {
	evtType, ok := partEvents[op]
	if !ok {
		return domain.OrderRecord{}, fmt.Errorf("%w: unknown operation %s", ErrInvalidRequest, op)
	}
	return e.mutateOrder(ctx, tx, bid.OrderID, func(rec domain.OrderRecord, order *domain.Order) error {
		if err := order.Mark(op, bid); err != nil {
			return err
		}
		payload := events.EventPayload{
			"capacity_type": bid.CapacityType,
			"capacity":      bid.Capacity,
			"tokens":        bid.Tokens,
			"balance":       order.Tokens(),
		}
		return e.Events.Append(ctx, tx, evtType, rec.MarketID, events.EntityOrder, string(rec.ID), string(rec.AgentID), payload)
	})
}

func (e Engine) logBid(op domain.PartOp, bid domain.Bid, rec domain.OrderRecord) {
	e.log().Info(partEvents[op],
		zap.String("order_id", string(bid.OrderID)),
		zap.String("agent_id", string(rec.AgentID)),
		zap.Uint32("capacity_type", uint32(bid.CapacityType)),
		zap.Int64("tokens", bid.Tokens.Value()),
	)
}

// ProductionResult is what a producer reports for one cycle: bids it started,
// bids it finished and bids it could not serve.
type ProductionResult struct {
	Processing []domain.Bid `json:"processing,omitempty"`
	Completed  []domain.Bid `json:"completed,omitempty"`
	Rejected   []domain.Bid `json:"rejected,omitempty"`
}

// BidError locates the bid of a production result that failed.
type BidError struct {
	Op  domain.PartOp
	Bid domain.Bid
	Err error
}

func (e *BidError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Bid, e.Err)
}

func (e *BidError) Unwrap() error { return e.Err }

// ApplyProduction applies a production result atomically, processing bids
// first, then completed, then rejected. If one bid fails none is applied.
func (e Engine) ApplyProduction(ctx context.Context, res ProductionResult) ([]domain.OrderRecord, error) {
	steps := []struct {
		op   domain.PartOp
		bids []domain.Bid
	}{
		{domain.OpProcessing, res.Processing},
		{domain.OpCompleted, res.Completed},
		{domain.OpRejected, res.Rejected},
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	touched := map[domain.OrderID]domain.OrderRecord{}
	var ids []domain.OrderID
	for _, step := range steps {
		for _, bid := range step.bids {
			rec, err := e.applyBidTx(ctx, tx, step.op, bid)
			if err != nil {
				return nil, &BidError{Op: step.op, Bid: bid, Err: err}
			}
			if _, seen := touched[rec.ID]; !seen {
				ids = append(ids, rec.ID)
			}
			touched[rec.ID] = rec
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	out := make([]domain.OrderRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, touched[id])
	}
	for _, step := range steps {
		for _, bid := range step.bids {
			e.logBid(step.op, bid, touched[bid.OrderID])
		}
	}
	return out, nil
}
