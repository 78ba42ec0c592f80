package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/epoch"
	"TrancheLedger/internal/event"
	"TrancheLedger/internal/ingestion"
	"TrancheLedger/internal/persistence"
	"TrancheLedger/internal/query"
	"TrancheLedger/internal/tranche"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PoolReader is the engine's read side.
type PoolReader interface {
	Pool() core.PoolView
	Lender(lender uuid.UUID) (core.LenderView, error)
	EpochSummaries(id tranche.ID) ([]epoch.Summary, error)
	CoverPosition(name string, provider uuid.UUID) (shares, assets uint64, err error)
	GetSequence() int64
	GetStateHash() [32]byte
	CreateSnapshotState() *core.SnapshotState
}

// Submitter runs one command. *ingestion.Dispatcher implements it.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (core.Receipt, error)
}

// Rebuilder regenerates projections. *projection.ProjectionWorker
// implements it.
type Rebuilder interface {
	RequestRebuild(ctx context.Context) (int64, error)
}

// Service implements LenderService and AdminService. Commands are taken in
// the same JSON wire format the bus uses.
type Service struct {
	pool      PoolReader
	submitter Submitter
	query     *query.QueryService
	eventLog  *persistence.EventLog
	snapshots *persistence.SnapshotManager
	rebuilder Rebuilder
	now       func() time.Time
}

// Deps wires a Service. Snapshots and Projection are optional; the admin
// calls that need them answer Unimplemented.
type Deps struct {
	Pool       PoolReader
	Submitter  Submitter
	Query      *query.QueryService
	EventLog   *persistence.EventLog
	Snapshots  *persistence.SnapshotManager
	Projection Rebuilder
	Now        func() time.Time
}

func NewService(deps Deps) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		pool:      deps.Pool,
		submitter: deps.Submitter,
		query:     deps.Query,
		eventLog:  deps.EventLog,
		snapshots: deps.Snapshots,
		rebuilder: deps.Projection,
		now:       now,
	}
}

// --- Request / response types ---

type Empty struct{}

type LenderRequest struct {
	Lender string `json:"lender"`
}

// PageRequest pages lender or pool history. Before is an exclusive epoch
// cursor, After an exclusive sequence cursor.
type PageRequest struct {
	Lender string `json:"lender,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Before *int64 `json:"before,omitempty"`
	After  *int64 `json:"after,omitempty"`
}

type TrancheRequest struct {
	Tranche string `json:"tranche"`
}

type CoverPositionRequest struct {
	Cover    string `json:"cover"`
	Provider string `json:"provider"`
}

type CoverPositionResponse struct {
	Cover    string    `json:"cover"`
	Provider uuid.UUID `json:"provider"`
	Shares   uint64    `json:"shares"`
	Assets   uint64    `json:"assets"`
}

type EpochSummariesResponse struct {
	Tranche   tranche.ID      `json:"tranche"`
	Summaries []epoch.Summary `json:"summaries"`
}

type FillsResponse struct {
	Fills []query.RedemptionFill `json:"fills"`
}

type JournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type EpochsResponse struct {
	Epochs []query.EpochHistoryEntry `json:"epochs"`
}

type SystemBalancesResponse struct {
	Balances []query.AccountBalance `json:"balances"`
}

type SnapshotResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
	SizeBytes int    `json:"size_bytes"`
}

type RebuildResponse struct {
	Watermark int64 `json:"watermark"`
}

type EventLogInfo struct {
	EngineSequence      int64                      `json:"engine_sequence"`
	StateHash           string                     `json:"state_hash"`
	LastDurableSequence int64                      `json:"last_durable_sequence"`
	Snapshots           []persistence.SnapshotInfo `json:"snapshots"`
}

// --- Commands ---

// command binds an RPC method and REST route to a command type.
type command struct {
	method    string
	route     string
	eventType event.EventType
}

var lenderCommands = []command{
	{"Deposit", "deposit", event.EventTypeLenderDeposit},
	{"RequestRedemption", "redemption-request", event.EventTypeRedemptionRequested},
	{"CancelRedemption", "redemption-cancel", event.EventTypeRedemptionCancelled},
	{"Disburse", "disburse", event.EventTypeDisbursement},
	{"ApproveAllowance", "allowance", event.EventTypeAllowanceApproved},
	{"DepositCover", "cover-deposit", event.EventTypeCoverDeposited},
	{"RedeemCover", "cover-redeem", event.EventTypeCoverRedeemed},
}

var adminCommands = []command{
	{"ApproveLender", "lender-approve", event.EventTypeLenderApproved},
	{"RevokeLender", "lender-revoke", event.EventTypeLenderRevoked},
	{"SetReinvestYield", "reinvest-yield", event.EventTypeReinvestYieldUpdated},
	{"FundWallet", "wallet-fund", event.EventTypeWalletFunded},
	{"ReportPnL", "pnl", event.EventTypePnLReported},
	{"CreditDrawdown", "credit-drawdown", event.EventTypeCreditDrawdown},
	{"CreditRepayment", "credit-repayment", event.EventTypeCreditRepayment},
	{"CloseEpoch", "epoch-close", event.EventTypeEpochClose},
	{"ProcessYield", "yield", event.EventTypeYieldProcessing},
	{"SetPoolStatus", "pool-status", event.EventTypePoolStatusChanged},
}

// SubmitCommand parses payload as et's wire format and runs it.
func (s *Service) SubmitCommand(ctx context.Context, et event.EventType, payload json.RawMessage) (*core.Receipt, error) {
	evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: payload}, et.String())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	receipt, err := s.submitter.Submit(ctx, evt)
	if err != nil {
		return nil, toStatus(err)
	}
	return &receipt, nil
}

// --- Pool and lender views ---

func (s *Service) GetPool(_ context.Context, _ *Empty) (*core.PoolView, error) {
	v := s.pool.Pool()
	return &v, nil
}

func (s *Service) GetLender(_ context.Context, req *LenderRequest) (*core.LenderView, error) {
	lender, err := parseIdentity("lender", req.Lender)
	if err != nil {
		return nil, err
	}
	v, err := s.pool.Lender(lender)
	if err != nil {
		return nil, toStatus(err)
	}
	return &v, nil
}

func (s *Service) ListEpochSummaries(_ context.Context, req *TrancheRequest) (*EpochSummariesResponse, error) {
	id, err := tranche.Parse(req.Tranche)
	if err != nil {
		return nil, toStatus(err)
	}
	summaries, err := s.pool.EpochSummaries(id)
	if err != nil {
		return nil, toStatus(err)
	}
	return &EpochSummariesResponse{Tranche: id, Summaries: summaries}, nil
}

func (s *Service) GetCoverPosition(_ context.Context, req *CoverPositionRequest) (*CoverPositionResponse, error) {
	provider, err := parseIdentity("provider", req.Provider)
	if err != nil {
		return nil, err
	}
	shares, assets, err := s.pool.CoverPosition(req.Cover, provider)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CoverPositionResponse{Cover: req.Cover, Provider: provider, Shares: shares, Assets: assets}, nil
}

// --- Projected history ---

func (s *Service) GetBalance(ctx context.Context, req *LenderRequest) (*query.BalanceResponse, error) {
	holder, err := parseIdentity("lender", req.Lender)
	if err != nil {
		return nil, err
	}
	bal, err := s.query.GetBalance(ctx, holder)
	if err != nil {
		return nil, toStatus(err)
	}
	return bal, nil
}

func (s *Service) ListLenderFills(ctx context.Context, req *PageRequest) (*FillsResponse, error) {
	lender, err := parseIdentity("lender", req.Lender)
	if err != nil {
		return nil, err
	}
	fills, err := s.query.GetLenderFills(ctx, lender, req.Limit, req.Before)
	if err != nil {
		return nil, toStatus(err)
	}
	return &FillsResponse{Fills: fills}, nil
}

func (s *Service) ListJournals(ctx context.Context, req *PageRequest) (*JournalsResponse, error) {
	holder, err := parseIdentity("lender", req.Lender)
	if err != nil {
		return nil, err
	}
	entries, err := s.query.GetJournalHistory(ctx, holder, req.Limit, req.After)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalsResponse{Journals: entries}, nil
}

func (s *Service) ListEpochs(ctx context.Context, req *PageRequest) (*EpochsResponse, error) {
	epochs, err := s.query.GetEpochHistory(ctx, req.Limit, req.Before)
	if err != nil {
		return nil, toStatus(err)
	}
	return &EpochsResponse{Epochs: epochs}, nil
}

// --- Admin ---

func (s *Service) ListSystemBalances(ctx context.Context, _ *Empty) (*SystemBalancesResponse, error) {
	balances, err := s.query.ListSystemBalances(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SystemBalancesResponse{Balances: balances}, nil
}

// TakeSnapshot saves the current state. It stays unverified until the log
// holds the snapshot's sequence with the same hash.
func (s *Service) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if s.snapshots == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots not configured")
	}
	snap := s.pool.CreateSnapshotState()
	size, err := s.snapshots.SaveSnapshot(ctx, snap, s.now())
	if err != nil {
		return nil, toStatus(err)
	}
	return &SnapshotResponse{
		Sequence:  snap.Sequence,
		StateHash: hex.EncodeToString(snap.StateHash[:]),
		SizeBytes: size,
	}, nil
}

func (s *Service) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if s.rebuilder == nil {
		return nil, status.Error(codes.Unimplemented, "projection rebuild not configured")
	}
	wm, err := s.rebuilder.RequestRebuild(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RebuildResponse{Watermark: wm}, nil
}

func (s *Service) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfo, error) {
	hash := s.pool.GetStateHash()
	info := &EventLogInfo{
		EngineSequence: s.pool.GetSequence(),
		StateHash:      hex.EncodeToString(hash[:]),
	}
	latest, err := s.eventLog.GetLatestSequence(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	info.LastDurableSequence = latest
	if s.snapshots != nil {
		if info.Snapshots, err = s.snapshots.ListSnapshots(ctx, 10); err != nil {
			return nil, toStatus(err)
		}
	}
	return info, nil
}

func (s *Service) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	report, err := s.query.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

func parseIdentity(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", field, err)
	}
	return id, nil
}
