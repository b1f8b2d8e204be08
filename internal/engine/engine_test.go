package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"capmarket/internal/config"
	"capmarket/internal/db"
	"capmarket/internal/domain"
	"capmarket/internal/engine"
	"capmarket/internal/migrate"
	"capmarket/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("mkt-1")
	eng := engine.New(conn, cfg, nil)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	seq := 0
	eng.NewID = func() string {
		seq++
		return fmt.Sprintf("ord-%d", seq)
	}
	if err := eng.Repo.UpsertMarketConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

// product 1 of the default config requires {1: 100, 2: 50}
func bid(id domain.OrderID, ct domain.CapacityType, tokens domain.Tokens) domain.Bid {
	capacity := map[domain.CapacityType]domain.Capacity{1: 100, 2: 50}[ct]
	return domain.Bid{CapacityType: ct, Capacity: capacity, Tokens: tokens, OrderID: id}
}

func TestPlaceOrders(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.Engine.PlaceCustomerOrder(env.Ctx, domain.CustomerRequest{CustomerID: "alice", Product: 1, Tokens: 300})
	if err != nil {
		t.Fatalf("place customer order: %v", err)
	}
	if rec.ID != "ord-1" || rec.AgentID != "c:alice" || rec.Kind != domain.RoleCustomer || rec.State != domain.OrderActive {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(rec.Snapshot.Parts) != 2 || rec.Snapshot.Tokens != 300 {
		t.Fatalf("unexpected snapshot %+v", rec.Snapshot)
	}

	if _, err := env.Engine.PlaceCustomerOrder(env.Ctx, domain.CustomerRequest{CustomerID: "alice", Product: 42, Tokens: 1}); !errors.Is(err, engine.ErrUnknownProduct) {
		t.Fatalf("expected unknown product, got %v", err)
	}
	if _, err := env.Engine.PlaceCustomerOrder(env.Ctx, domain.CustomerRequest{Product: 1, Tokens: 1}); !errors.Is(err, engine.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if _, err := env.Engine.PlaceCustomerOrder(env.Ctx, domain.CustomerRequest{CustomerID: "bob", Product: 1, Tokens: -5}); !errors.Is(err, engine.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for negative tokens, got %v", err)
	}

	prod, err := env.Engine.PlaceProducerOrder(env.Ctx, domain.ProducerRequest{ProducerID: "alice", Product: 2, CutOffPrice: 2, Investment: domain.InvestmentUpgrade})
	if err != nil {
		t.Fatalf("place producer order: %v", err)
	}
	if prod.AgentID == rec.AgentID {
		t.Fatalf("customer and producer with the same id must not share an agent id")
	}

	stored, err := env.Engine.GetOrder(env.Ctx, prod.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.Snapshot.Producer == nil || stored.Snapshot.Producer.Investment != domain.InvestmentUpgrade {
		t.Fatalf("producer request not stored: %+v", stored.Snapshot)
	}
	if _, err := env.Engine.GetOrder(env.Ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	placed, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, repo.EventFilters{Type: engine.EventOrderPlaced})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(placed) != 2 {
		t.Fatalf("expected 2 order.placed events, got %d", len(placed))
	}
}

func TestFundingQueue(t *testing.T) {
	env := newTestEnv(t)
	prod, err := env.Engine.PlaceProducerOrder(env.Ctx, domain.ProducerRequest{ProducerID: "forge", Product: 1, CutOffPrice: 1})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if _, err := env.Engine.PlaceCustomerOrder(env.Ctx, domain.CustomerRequest{CustomerID: "alice", Product: 1, Tokens: 10}); err != nil {
		t.Fatalf("place: %v", err)
	}
	waiting, err := env.Engine.AwaitingFunding(env.Ctx)
	if err != nil {
		t.Fatalf("awaiting funding: %v", err)
	}
	if len(waiting) != 1 || waiting[0].ID != prod.ID {
		t.Fatalf("expected producer order awaiting funding, got %+v", waiting)
	}
	funded, err := env.Engine.FundOrder(env.Ctx, prod.ID, 500)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if funded.Snapshot.Tokens != 500 {
		t.Fatalf("expected balance 500, got %d", funded.Snapshot.Tokens)
	}
	if _, err := env.Engine.FundOrder(env.Ctx, prod.ID, 10); !errors.Is(err, domain.ErrNotAwaitingFunding) {
		t.Fatalf("expected not awaiting funding, got %v", err)
	}
	stored, _ := env.Engine.GetOrder(env.Ctx, prod.ID)
	if stored.Snapshot.Tokens != 500 {
		t.Fatalf("failed fund must not change the balance, got %d", stored.Snapshot.Tokens)
	}
	waiting, _ = env.Engine.AwaitingFunding(env.Ctx)
	if len(waiting) != 0 {
		t.Fatalf("expected empty funding queue, got %d", len(waiting))
	}
}

func TestApplyBidEscrow(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.Engine.PlaceCustomerOrder(env.Ctx, domain.CustomerRequest{CustomerID: "alice", Product: 1, Tokens: 300})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	rec, err = env.Engine.ApplyBid(env.Ctx, domain.OpProcessing, bid(rec.ID, 1, 40))
	if err != nil {
		t.Fatalf("processing: %v", err)
	}
	if rec.Snapshot.Tokens != 340 {
		t.Fatalf("expected escrow credit to 340, got %d", rec.Snapshot.Tokens)
	}
	rec, err = env.Engine.ApplyBid(env.Ctx, domain.OpProcessing, bid(rec.ID, 1, 40))
	if err != nil || rec.Snapshot.Tokens != 340 {
		t.Fatalf("repeated processing must be a no-op: %v %d", err, rec.Snapshot.Tokens)
	}
	rec, err = env.Engine.ApplyBid(env.Ctx, domain.OpCompleted, bid(rec.ID, 2, 60))
	if err != nil || rec.Snapshot.Tokens != 280 {
		t.Fatalf("direct completion must debit: %v %d", err, rec.Snapshot.Tokens)
	}

	_, err = env.Engine.ApplyBid(env.Ctx, domain.OpRejected, bid(rec.ID, 1, 0))
	var te *domain.TransitionError
	if !errors.As(err, &te) || !errors.Is(err, domain.ErrWrongState) {
		t.Fatalf("expected transition error, got %v", err)
	}
	stored, _ := env.Engine.GetOrder(env.Ctx, rec.ID)
	if stored.Snapshot.Parts[1].Status != domain.PartProcessing || stored.Snapshot.Tokens != 280 {
		t.Fatalf("failed mark changed the order: %+v", stored.Snapshot)
	}

	if _, err := env.Engine.ApplyBid(env.Ctx, domain.OpCompleted, bid(rec.ID, 9, 1)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected part not found, got %v", err)
	}
	if _, err := env.Engine.ApplyBid(env.Ctx, domain.OpCompleted, bid("nope", 1, 1)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected order not found, got %v", err)
	}

	infos, err := env.Engine.OpenOrders(env.Ctx, "")
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(infos) != 1 || len(infos[0].Required) != 0 {
		t.Fatalf("expected no open demand, got %+v", infos)
	}
}

func TestApplyProductionIsAtomic(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.PlaceCustomerOrder(env.Ctx, domain.CustomerRequest{CustomerID: "a", Product: 1, Tokens: 100})
	b, _ := env.Engine.PlaceCustomerOrder(env.Ctx, domain.CustomerRequest{CustomerID: "b", Product: 1, Tokens: 100})

	_, err := env.Engine.ApplyProduction(env.Ctx, engine.ProductionResult{
		Processing: []domain.Bid{bid(a.ID, 1, 10)},
		Completed:  []domain.Bid{bid(a.ID, 1, 10), bid(b.ID, 1, 20)},
		Rejected:   []domain.Bid{bid(a.ID, 1, 0)},
	})
	var be *engine.BidError
	if !errors.As(err, &be) || be.Op != domain.OpRejected || !errors.Is(err, domain.ErrWrongState) {
		t.Fatalf("expected rejected bid error, got %v", err)
	}
	stored, _ := env.Engine.GetOrder(env.Ctx, b.ID)
	if stored.Snapshot.Parts[1].Status != domain.PartUnknown || stored.Snapshot.Tokens != 100 {
		t.Fatalf("failed production must roll back every bid: %+v", stored.Snapshot)
	}

	touched, err := env.Engine.ApplyProduction(env.Ctx, engine.ProductionResult{
		Processing: []domain.Bid{bid(a.ID, 1, 10)},
		Completed:  []domain.Bid{bid(a.ID, 1, 10), bid(b.ID, 1, 20)},
		Rejected:   []domain.Bid{bid(a.ID, 2, 0)},
	})
	if err != nil {
		t.Fatalf("apply production: %v", err)
	}
	if len(touched) != 2 || touched[0].ID != a.ID || touched[1].ID != b.ID {
		t.Fatalf("unexpected touched orders %+v", touched)
	}
	if touched[0].Snapshot.Tokens != 110 || touched[1].Snapshot.Tokens != 80 {
		t.Fatalf("unexpected balances %d %d", touched[0].Snapshot.Tokens, touched[1].Snapshot.Tokens)
	}
	if touched[0].Snapshot.Parts[2].Status != domain.PartRejected {
		t.Fatalf("expected rejected part, got %s", touched[0].Snapshot.Parts[2].Status)
	}
}

func TestEndCycleClosesOrders(t *testing.T) {
	env := newTestEnv(t)
	done, _ := env.Engine.PlaceCustomerOrder(env.Ctx, domain.CustomerRequest{CustomerID: "a", Product: 1, Tokens: 100})
	refused, _ := env.Engine.PlaceCustomerOrder(env.Ctx, domain.CustomerRequest{CustomerID: "b", Product: 1, Tokens: 70})
	pending, _ := env.Engine.PlaceCustomerOrder(env.Ctx, domain.CustomerRequest{CustomerID: "c", Product: 1, Tokens: 10})

	if _, err := env.Engine.ApplyProduction(env.Ctx, engine.ProductionResult{
		Completed: []domain.Bid{bid(done.ID, 1, 50), bid(done.ID, 2, 50)},
		Rejected:  []domain.Bid{bid(refused.ID, 1, 0), bid(refused.ID, 2, 0)},
	}); err != nil {
		t.Fatalf("production: %v", err)
	}

	cycle, err := env.Engine.EndCycle(env.Ctx)
	if err != nil {
		t.Fatalf("end cycle: %v", err)
	}
	if cycle.Number != 1 || cycle.Orders != 3 || cycle.TotalScore != 0+3+1 {
		t.Fatalf("unexpected cycle %+v", cycle)
	}
	byOrder := map[domain.OrderID]domain.CycleOutcome{}
	for _, o := range cycle.Outcomes {
		byOrder[o.OrderID] = o
	}
	if byOrder[done.ID].Event != domain.EventCustomerCompleted || byOrder[done.ID].Score != domain.ScoreCompleted {
		t.Fatalf("unexpected outcome %+v", byOrder[done.ID])
	}
	if o := byOrder[refused.ID]; o.Event != domain.EventCustomerRejected || o.Refund == nil || *o.Refund != 70 {
		t.Fatalf("unexpected outcome %+v", o)
	}
	if byOrder[pending.ID].Event != domain.EventStillProcessing {
		t.Fatalf("unexpected outcome %+v", byOrder[pending.ID])
	}

	if _, err := env.Engine.ApplyBid(env.Ctx, domain.OpProcessing, bid(done.ID, 1, 1)); !errors.Is(err, engine.ErrOrderClosed) {
		t.Fatalf("expected closed order, got %v", err)
	}
	stored, _ := env.Engine.GetOrder(env.Ctx, refused.ID)
	if stored.State != domain.OrderRejected {
		t.Fatalf("expected rejected state, got %s", stored.State)
	}

	second, err := env.Engine.EndCycle(env.Ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if second.Number != 2 || second.Orders != 1 {
		t.Fatalf("only the pending order should be scored, got %+v", second)
	}

	history, err := env.Engine.ListCycles(env.Ctx, 10)
	if err != nil || len(history) != 2 || history[0].Number != 2 {
		t.Fatalf("unexpected history %+v %v", history, err)
	}
	first, err := env.Engine.GetCycle(env.Ctx, 1)
	if err != nil || len(first.Outcomes) != 3 {
		t.Fatalf("unexpected cycle detail %+v %v", first, err)
	}
	if _, err := env.Engine.GetCycle(env.Ctx, 99); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	rejected, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, repo.EventFilters{Type: engine.EventOrderRejected})
	if err != nil || len(rejected) != 1 {
		t.Fatalf("expected one order.rejected event, got %d %v", len(rejected), err)
	}
	var payload struct {
		Event  string `json:"event"`
		Refund int64  `json:"refund"`
		Score  int    `json:"score"`
	}
	if err := json.Unmarshal([]byte(rejected[0].Payload), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Event != string(domain.EventCustomerRejected) || payload.Refund != 70 || payload.Score != 3 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestOrderTimesOut(t *testing.T) {
	env := newTestEnv(t)
	rec, _ := env.Engine.PlaceCustomerOrder(env.Ctx, domain.CustomerRequest{CustomerID: "a", Product: 1, Tokens: 100})
	if _, err := env.Engine.ApplyBid(env.Ctx, domain.OpProcessing, bid(rec.ID, 1, 25)); err != nil {
		t.Fatalf("processing: %v", err)
	}
	for i := 0; i < domain.MaxCycles; i++ {
		cycle, err := env.Engine.EndCycle(env.Ctx)
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if cycle.Outcomes[0].Score != domain.ScoreProcessing {
			t.Fatalf("cycle %d: expected still processing, got %+v", i, cycle.Outcomes[0])
		}
	}
	cycle, err := env.Engine.EndCycle(env.Ctx)
	if err != nil {
		t.Fatalf("last cycle: %v", err)
	}
	o := cycle.Outcomes[0]
	if o.Score != domain.ScoreRejected || o.Refund == nil || *o.Refund != 125 {
		t.Fatalf("expected timeout rejection with refund 125, got %+v", o)
	}
	scores, err := env.Engine.OrderScores(env.Ctx, rec.ID)
	if err != nil {
		t.Fatalf("scores: %v", err)
	}
	want := []domain.Score{1, 1, 1, 3}
	if len(scores) != len(want) {
		t.Fatalf("expected scores %v, got %v", want, scores)
	}
	for i := range want {
		if scores[i] != want[i] {
			t.Fatalf("expected scores %v, got %v", want, scores)
		}
	}
}

func TestMarketsShareWorkspace(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.Engine.PlaceCustomerOrder(env.Ctx, domain.CustomerRequest{CustomerID: "a", Product: 1, Tokens: 100})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	other := engine.New(env.Engine.DB, config.Default("mkt-2"), nil)

	if _, err := other.GetOrder(env.Ctx, rec.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found from another market, got %v", err)
	}
	if _, err := other.OrderScores(env.Ctx, rec.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found scores from another market, got %v", err)
	}
	if _, err := other.ApplyBid(env.Ctx, domain.OpCompleted, bid(rec.ID, 1, 100)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected bid from another market to miss, got %v", err)
	}
	if _, err := other.ApplyProduction(env.Ctx, engine.ProductionResult{Rejected: []domain.Bid{bid(rec.ID, 2, 0)}}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected production from another market to miss, got %v", err)
	}

	stored, err := env.Engine.GetOrder(env.Ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Snapshot.Tokens != 100 || stored.Snapshot.Parts[1].Status != domain.PartUnknown {
		t.Fatalf("order changed by another market: %+v", stored.Snapshot)
	}
	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 10, 0, "mkt-1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 || evts[0].Type != engine.EventOrderPlaced {
		t.Fatalf("expected only the placement event, got %+v", evts)
	}
}
