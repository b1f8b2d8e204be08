package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entity kinds used in the log.
const (
	EntityMarket = "market"
	EntityOrder  = "order"
	EntityCycle  = "cycle"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one log entry inside tx, so it commits or rolls back together
// with the state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, marketID, entityKind, entityID, agentID string, payload any) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if agentID == "" {
		agentID = "market"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,market_id,entity_kind,entity_id,agent_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(marketID), entityKind, nullable(entityID), agentID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
