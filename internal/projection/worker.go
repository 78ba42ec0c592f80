package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/persistence"

	"github.com/rs/zerolog"
)

const workerID = "main"

// ProjectionWorker updates read-model tables from engine outputs. Its input
// channel drops on overflow, so a gap in sequences marks the projections
// stale until they are rebuilt from the event log.
type ProjectionWorker struct {
	db        *persistence.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger

	lastSeq atomic.Int64
	stale   atomic.Bool

	cfg      *core.PoolConfig // nil disables RequestRebuild
	rebuilds chan rebuildRequest
}

// ErrRebuildDisabled is returned by RequestRebuild when the worker has no
// pool configuration to replay with.
var ErrRebuildDisabled = errors.New("projection rebuild not enabled")

type rebuildRequest struct {
	reply chan rebuildResult
}

type rebuildResult struct {
	watermark int64
	err       error
}

func NewProjectionWorker(db *persistence.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
		rebuilds:  make(chan rebuildRequest),
	}
}

// EnableRebuild lets RequestRebuild replay the log with cfg.
func (pw *ProjectionWorker) EnableRebuild(cfg core.PoolConfig) {
	pw.cfg = &cfg
}

// RequestRebuild has the running worker rebuild every projection between
// two applies and returns the new watermark. Outputs the worker had
// applied beyond the durable log are lost to the rebuild, so the worker
// stays stale in that case until a later rebuild.
func (pw *ProjectionWorker) RequestRebuild(ctx context.Context) (int64, error) {
	if pw.cfg == nil {
		return 0, ErrRebuildDisabled
	}
	req := rebuildRequest{reply: make(chan rebuildResult, 1)}
	select {
	case pw.rebuilds <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.watermark, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// LastSequence is the newest sequence reflected in the projections.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq.Load() }

// Stale reports whether an output was missed since the last rebuild.
func (pw *ProjectionWorker) Stale() bool { return pw.stale.Load() }

// Run applies outputs until ctx is cancelled or the channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	wm, err := LoadWatermark(ctx, pw.db)
	if err != nil {
		return fmt.Errorf("load projection watermark: %w", err)
	}
	pw.lastSeq.Store(wm)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req := <-pw.rebuilds:
			wm, err := Rebuild(ctx, pw.db, *pw.cfg)
			if err == nil {
				applied := pw.lastSeq.Swap(wm)
				pw.stale.Store(wm < applied)
				pw.logger.Info().Int64("watermark", wm).Int64("previously_applied", applied).Msg("projections rebuilt")
			}
			req.reply <- rebuildResult{watermark: wm, err: err}

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := output.Envelope.Sequence
			if seq <= pw.lastSeq.Load() {
				continue
			}
			if last := pw.lastSeq.Load(); last > 0 && seq != last+1 && !pw.stale.Load() {
				pw.stale.Store(true)
				pw.logger.Warn().Int64("expected", last+1).Int64("got", seq).
					Msg("projection missed outputs; rebuild from the event log")
			}
			// Projections are eventually consistent; a failed update is
			// logged and repaired by a rebuild.
			if err := pw.Apply(ctx, output); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				pw.stale.Store(true)
			}
			pw.lastSeq.Store(seq)
		}
	}
}

// Apply writes one output's effects and advances the watermark in one
// transaction.
func (pw *ProjectionWorker) Apply(ctx context.Context, output core.CoreOutput) error {
	start := time.Now()
	env := output.Envelope

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := pw.applyBalances(ctx, tx, output); err != nil {
		return fmt.Errorf("balance projection: %w", err)
	}
	if output.Receipt.Epoch != nil {
		h := HistoryFromReport(output.Receipt.Epoch, env.Sequence, env.Timestamp.Unix())
		if err := pw.applyEpoch(ctx, tx, h); err != nil {
			return fmt.Errorf("epoch projection: %w", err)
		}
	}
	if err := saveWatermark(ctx, tx, pw.db, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(workerID).Observe(time.Since(start).Seconds())
	}
	return nil
}

// applyBalances folds the batch into net changes per account. A debit
// raises the account's balance, a credit lowers it.
func (pw *ProjectionWorker) applyBalances(ctx context.Context, tx *sql.Tx, output core.CoreOutput) error {
	if output.Batch == nil || len(output.Batch.Journals) == 0 {
		return nil
	}
	net := make(map[string]int64)
	for _, j := range output.Batch.Journals {
		net[j.DebitAccount.AccountPath()] += j.Amount
		net[j.CreditAccount.AccountPath()] -= j.Amount
	}
	paths := make([]string, 0, len(net))
	for p := range net {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	query := pw.db.Rebind(`
		INSERT INTO account_balances (account_path, balance, last_sequence)
		VALUES (?, ?, ?)
		ON CONFLICT (account_path) DO UPDATE SET
			balance = account_balances.balance + excluded.balance,
			last_sequence = excluded.last_sequence
	`)
	for _, p := range paths {
		if _, err := tx.ExecContext(ctx, query, p, net[p], output.Envelope.Sequence); err != nil {
			return err
		}
	}
	return nil
}

func (pw *ProjectionWorker) applyEpoch(ctx context.Context, tx *sql.Tx, h EpochHistory) error {
	p := h.Pool
	if _, err := tx.ExecContext(ctx, pw.db.Rebind(`
		INSERT INTO pool_epochs
			(epoch_id, sequence, profit, loss, loss_recovery, senior_entitlement,
			 available_liquidity, next_close_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (epoch_id) DO NOTHING
	`), int64(p.EpochID), p.Sequence, int64(p.Profit), int64(p.Loss), int64(p.LossRecovery),
		int64(p.SeniorEntitlement), int64(p.AvailableLiquidity), p.NextCloseAt, p.ClosedAt); err != nil {
		return err
	}

	settle := pw.db.Rebind(`
		INSERT INTO tranche_settlements
			(epoch_id, tranche, shares_processed, amount_processed, epochs_settled,
			 total_assets, profit, loss, loss_recovery)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (epoch_id, tranche) DO NOTHING
	`)
	for _, s := range h.Settlements {
		if _, err := tx.ExecContext(ctx, settle, int64(s.EpochID), s.Tranche.String(),
			int64(s.SharesProcessed), int64(s.AmountProcessed), s.EpochsSettled,
			int64(s.TotalAssets), int64(s.Profit), int64(s.Loss), int64(s.LossRecovery)); err != nil {
			return err
		}
	}

	fill := pw.db.Rebind(`
		INSERT INTO redemption_fills (closed_epoch, request_epoch, tranche, lender, shares, amount)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (closed_epoch, request_epoch, tranche, lender) DO NOTHING
	`)
	for _, f := range h.Fills {
		if _, err := tx.ExecContext(ctx, fill, int64(f.ClosedEpoch), int64(f.RequestEpoch),
			f.Tranche.String(), f.Lender, int64(f.Shares), int64(f.Amount)); err != nil {
			return err
		}
	}
	return nil
}

// LoadWatermark returns the last projected sequence, 0 when none.
func LoadWatermark(ctx context.Context, db *persistence.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, db.Rebind(
		`SELECT last_sequence FROM projection_watermark WHERE worker_id = ?`), workerID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func saveWatermark(ctx context.Context, tx *sql.Tx, db *persistence.DB, seq int64) error {
	_, err := tx.ExecContext(ctx, db.Rebind(`
		INSERT INTO projection_watermark (worker_id, last_sequence, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (worker_id) DO UPDATE SET
			last_sequence = excluded.last_sequence, updated_at = excluded.updated_at
	`), workerID, seq, time.Now().Unix())
	return err
}
