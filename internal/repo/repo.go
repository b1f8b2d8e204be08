package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"capmarket/internal/config"
	"capmarket/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) UpsertMarketConfig(ctx context.Context, cfg *config.Config) error {
	return upsertMarketConfig(ctx, r.DB, cfg)
}

func (r Repo) UpsertMarketConfigTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	return upsertMarketConfig(ctx, tx, cfg)
}

func upsertMarketConfig(ctx context.Context, q querier, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = q.ExecContext(ctx, `INSERT INTO market_configs(market_id,config_yaml,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(market_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`, cfg.Market.ID, string(payload), now, now)
	return err
}

// GetMarketConfig loads the stored config. It is kept in its YAML form so
// webhook secrets survive the round trip.
func (r Repo) GetMarketConfig(ctx context.Context, marketID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM market_configs WHERE market_id=?`, marketID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromYAML([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("stored config for market %s: %w", marketID, err)
	}
	return cfg, nil
}

func (r Repo) ListMarkets(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT market_id FROM market_configs ORDER BY market_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// SingleMarket returns the only market of the workspace.
func (r Repo) SingleMarket(ctx context.Context) (string, error) {
	markets, err := r.ListMarkets(ctx)
	if err != nil {
		return "", err
	}
	if len(markets) == 0 {
		return "", ErrNotFound
	}
	if len(markets) > 1 {
		return "", fmt.Errorf("multiple markets exist; specify --market")
	}
	return markets[0], nil
}

const orderColumns = `id,market_id,agent_id,kind,product,state,snapshot_json,created_at,updated_at`

func scanOrder(scan func(dest ...any) error) (domain.OrderRecord, error) {
	var (
		rec      domain.OrderRecord
		snapshot string
	)
	if err := scan(&rec.ID, &rec.MarketID, &rec.AgentID, &rec.Kind, &rec.Product, &rec.State, &snapshot, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return rec, ErrNotFound
		}
		return rec, err
	}
	if err := json.Unmarshal([]byte(snapshot), &rec.Snapshot); err != nil {
		return rec, fmt.Errorf("decode order %s snapshot: %w", rec.ID, err)
	}
	return rec, nil
}

func (r Repo) InsertOrder(ctx context.Context, tx *sql.Tx, rec domain.OrderRecord) error {
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("encode order %s snapshot: %w", rec.ID, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO orders(`+orderColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.MarketID, rec.AgentID, rec.Kind, rec.Product, rec.State, string(snapshot), rec.CreatedAt, rec.UpdatedAt)
	return err
}

// UpdateOrder stores the new snapshot and state of an existing order.
func (r Repo) UpdateOrder(ctx context.Context, tx *sql.Tx, rec domain.OrderRecord) error {
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("encode order %s snapshot: %w", rec.ID, err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE orders SET state=?, snapshot_json=?, updated_at=? WHERE id=?`,
		rec.State, string(snapshot), rec.UpdatedAt, rec.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetOrder(ctx context.Context, id domain.OrderID) (domain.OrderRecord, error) {
	return scanOrder(r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id).Scan)
}

func (r Repo) GetOrderTx(ctx context.Context, tx *sql.Tx, id domain.OrderID) (domain.OrderRecord, error) {
	return scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id).Scan)
}

type OrderFilters struct {
	MarketID string
	State    domain.OrderState
	AgentID  domain.OrderingAgentID
	Kind     domain.AgentRole
	Limit    int
}

func (r Repo) ListOrders(ctx context.Context, f OrderFilters) ([]domain.OrderRecord, error) {
	return listOrders(ctx, r.DB, f)
}

func (r Repo) ListOrdersTx(ctx context.Context, tx *sql.Tx, f OrderFilters) ([]domain.OrderRecord, error) {
	return listOrders(ctx, tx, f)
}

func listOrders(ctx context.Context, q querier, f OrderFilters) ([]domain.OrderRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.MarketID != "" {
		clauses = append(clauses, "market_id=?")
		args = append(args, f.MarketID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// NextCycleNumber returns the number the next ended cycle of a market gets.
func (r Repo) NextCycleNumber(ctx context.Context, tx *sql.Tx, marketID string) (int64, error) {
	var n int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(number),0)+1 FROM cycles WHERE market_id=?`, marketID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// InsertCycle stores a cycle and the outcome of every order it scored.
func (r Repo) InsertCycle(ctx context.Context, tx *sql.Tx, c domain.Cycle) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO cycles(market_id,number,ended_at,orders,total_score) VALUES (?,?,?,?,?)`,
		c.MarketID, c.Number, c.EndedAt, c.Orders, c.TotalScore); err != nil {
		return fmt.Errorf("insert cycle %d: %w", c.Number, err)
	}
	for _, o := range c.Outcomes {
		var refund any
		if o.Refund != nil {
			refund = o.Refund.Value()
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO cycle_scores(market_id,cycle_number,order_id,agent_id,score,event,refund) VALUES (?,?,?,?,?,?,?)`,
			c.MarketID, c.Number, o.OrderID, o.AgentID, o.Score.Value(), o.Event, refund); err != nil {
			return fmt.Errorf("insert score for order %s: %w", o.OrderID, err)
		}
	}
	return nil
}

// ListCycles returns the most recent cycles first, without outcomes.
func (r Repo) ListCycles(ctx context.Context, marketID string, limit int) ([]domain.Cycle, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT market_id,number,ended_at,orders,total_score FROM cycles WHERE market_id=? ORDER BY number DESC LIMIT ?`, marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Cycle
	for rows.Next() {
		var c domain.Cycle
		if err := rows.Scan(&c.MarketID, &c.Number, &c.EndedAt, &c.Orders, &c.TotalScore); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// GetCycle returns one cycle with its outcomes.
func (r Repo) GetCycle(ctx context.Context, marketID string, number int64) (domain.Cycle, error) {
	var c domain.Cycle
	err := r.DB.QueryRowContext(ctx, `SELECT market_id,number,ended_at,orders,total_score FROM cycles WHERE market_id=? AND number=?`, marketID, number).
		Scan(&c.MarketID, &c.Number, &c.EndedAt, &c.Orders, &c.TotalScore)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT order_id,agent_id,score,event,refund FROM cycle_scores WHERE market_id=? AND cycle_number=? ORDER BY order_id`, marketID, number)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			o      domain.CycleOutcome
			score  uint8
			refund sql.NullInt64
		)
		if err := rows.Scan(&o.OrderID, &o.AgentID, &score, &o.Event, &refund); err != nil {
			return c, err
		}
		o.Score = domain.NewScore(score)
		if refund.Valid {
			t := domain.NewTokens(refund.Int64)
			o.Refund = &t
		}
		c.Outcomes = append(c.Outcomes, o)
	}
	return c, rows.Err()
}

// OrderScores returns the score history of one order, oldest cycle first.
func (r Repo) OrderScores(ctx context.Context, id domain.OrderID) ([]domain.Score, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT score FROM cycle_scores WHERE order_id=? ORDER BY cycle_number ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Score
	for rows.Next() {
		var s uint8
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, domain.NewScore(s))
	}
	return res, rows.Err()
}
