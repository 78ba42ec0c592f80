package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"TrancheLedger/internal/ledger"
	"TrancheLedger/internal/persistence"
	"TrancheLedger/internal/projection"

	"github.com/google/uuid"
)

// MaxPageSize caps every paginated query.
const MaxPageSize = 500

// QueryService provides read-only access to the projection tables and the
// event log. Projected responses carry as_of_sequence so callers can tell
// how fresh they are.
type QueryService struct {
	db *persistence.DB
}

func NewQueryService(db *persistence.DB) *QueryService {
	return &QueryService{db: db}
}

func pageSize(limit int) int {
	if limit <= 0 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// GetBalance returns a holder's projected wallet balance.
func (qs *QueryService) GetBalance(ctx context.Context, holder uuid.UUID) (*BalanceResponse, error) {
	asOf, err := projection.LoadWatermark(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	path := ledger.WalletKey(holder).AccountPath()
	bal, err := qs.getProjectedBalance(ctx, path)
	if err != nil {
		return nil, err
	}
	return &BalanceResponse{Holder: holder, AccountPath: path, Balance: bal, AsOfSequence: asOf}, nil
}

// ListSystemBalances returns the pool-owned and external accounts.
func (qs *QueryService) ListSystemBalances(ctx context.Context) ([]AccountBalance, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, balance, last_sequence FROM account_balances
		WHERE account_path NOT LIKE 'user:%'
		ORDER BY account_path
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccountBalance
	for rows.Next() {
		var b AccountBalance
		if err := rows.Scan(&b.AccountPath, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetEpochHistory returns closed epochs newest first. beforeEpoch is an
// exclusive cursor.
func (qs *QueryService) GetEpochHistory(ctx context.Context, limit int, beforeEpoch *int64) ([]EpochHistoryEntry, error) {
	query := `
		SELECT epoch_id, sequence, profit, loss, loss_recovery, senior_entitlement,
		       available_liquidity, next_close_at, closed_at
		FROM pool_epochs
	`
	var args []any
	if beforeEpoch != nil {
		query += " WHERE epoch_id < ?"
		args = append(args, *beforeEpoch)
	}
	query += " ORDER BY epoch_id DESC LIMIT ?"
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, qs.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	var (
		entries []EpochHistoryEntry
		index   = map[int64]int{}
	)
	for rows.Next() {
		var e EpochHistoryEntry
		if err := rows.Scan(&e.EpochID, &e.Sequence, &e.Profit, &e.Loss, &e.LossRecovery,
			&e.SeniorEntitlement, &e.AvailableLiquidity, &e.NextCloseAt, &e.ClosedAt); err != nil {
			rows.Close()
			return nil, err
		}
		index[e.EpochID] = len(entries)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(entries) == 0 {
		return entries, nil
	}

	// Newest page covers [oldest, newest] contiguous epoch ids.
	srows, err := qs.db.QueryContext(ctx, qs.db.Rebind(`
		SELECT epoch_id, tranche, shares_processed, amount_processed, epochs_settled,
		       total_assets, profit, loss, loss_recovery
		FROM tranche_settlements
		WHERE epoch_id BETWEEN ? AND ?
		ORDER BY epoch_id DESC, tranche DESC
	`), entries[len(entries)-1].EpochID, entries[0].EpochID)
	if err != nil {
		return nil, err
	}
	defer srows.Close()
	for srows.Next() {
		var (
			epochID int64
			s       TrancheSettlement
		)
		if err := srows.Scan(&epochID, &s.Tranche, &s.SharesProcessed, &s.AmountProcessed,
			&s.EpochsSettled, &s.TotalAssets, &s.Profit, &s.Loss, &s.LossRecovery); err != nil {
			return nil, err
		}
		if i, ok := index[epochID]; ok {
			entries[i].Tranches = append(entries[i].Tranches, s)
		}
	}
	return entries, srows.Err()
}

// GetLenderFills returns a lender's redemption fills newest first.
func (qs *QueryService) GetLenderFills(ctx context.Context, lender uuid.UUID, limit int, beforeEpoch *int64) ([]RedemptionFill, error) {
	query := `
		SELECT closed_epoch, request_epoch, tranche, shares, amount
		FROM redemption_fills
		WHERE lender = ?
	`
	args := []any{lender.String()}
	if beforeEpoch != nil {
		query += " AND closed_epoch < ?"
		args = append(args, *beforeEpoch)
	}
	query += " ORDER BY closed_epoch DESC, request_epoch DESC, tranche LIMIT ?"
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, qs.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []RedemptionFill
	for rows.Next() {
		var f RedemptionFill
		if err := rows.Scan(&f.ClosedEpoch, &f.RequestEpoch, &f.Tranche, &f.Shares, &f.Amount); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// GetJournalHistory returns journal entries touching any of the holder's
// accounts, newest first. afterSequence is an exclusive cursor.
func (qs *QueryService) GetJournalHistory(ctx context.Context, holder uuid.UUID, limit int, afterSequence *int64) ([]JournalHistoryEntry, error) {
	prefix := fmt.Sprintf("user:%s:%%", holder)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, occurred_at
		FROM journal
		WHERE (debit_account LIKE ? OR credit_account LIKE ?)
	`
	args := []any{prefix, prefix}
	if afterSequence != nil {
		query += " AND sequence < ?"
		args = append(args, *afterSequence)
	}
	query += " ORDER BY sequence DESC, journal_id LIMIT ?"
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, qs.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount, &e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the persisted hash chain and that projected
// balances still sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM events e1
		JOIN events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := qs.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(balance), 0) FROM account_balances`,
	).Scan(&report.BalanceImbalance); err != nil {
		return nil, err
	}
	if report.LastSequence, err = persistence.NewEventLog(qs.db).GetLatestSequence(ctx); err != nil {
		return nil, err
	}
	if report.ProjectedThrough, err = projection.LoadWatermark(ctx, qs.db); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.BalanceImbalance == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, qs.db.Rebind(
		`SELECT balance FROM account_balances WHERE account_path = ?`), accountPath).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}
