package projection

import (
	"context"
	"fmt"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/persistence"
)

var projectionTables = []string{
	"account_balances", "pool_epochs", "tranche_settlements", "redemption_fills", "projection_watermark",
}

// Rebuild clears every projection and regenerates it by re-running the
// event log through a scratch engine built from cfg. Outputs are applied
// one by one, so nothing is dropped. It returns the rebuilt watermark.
func Rebuild(ctx context.Context, db *persistence.DB, cfg core.PoolConfig) (int64, error) {
	for _, table := range projectionTables {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return 0, fmt.Errorf("clear %s: %w", table, err)
		}
	}

	outputs := make(chan core.CoreOutput, 1)
	engine, err := core.NewEngine(cfg, 1, outputs, nil, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("scratch engine: %w", err)
	}
	worker := NewProjectionWorker(db, nil, nil)
	log := persistence.NewEventLog(db)

	from := int64(1)
	for {
		rows, err := log.LoadEventsFrom(ctx, from, 1000)
		if err != nil {
			return 0, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			evt, hash, err := persistence.DecodeEvent(row)
			if err != nil {
				return 0, err
			}
			receipt, err := engine.ProcessEvent(evt)
			if err != nil {
				return 0, fmt.Errorf("rebuild sequence %d: %w", row.Sequence, err)
			}
			if receipt.Sequence != row.Sequence || engine.GetStateHash() != hash {
				return 0, fmt.Errorf("rebuild sequence %d: log and engine disagree", row.Sequence)
			}
			if err := worker.Apply(ctx, <-outputs); err != nil {
				return 0, fmt.Errorf("apply sequence %d: %w", row.Sequence, err)
			}
		}
		from = rows[len(rows)-1].Sequence + 1
	}
	return from - 1, nil
}
