package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"TrancheLedger/internal/access"
	"TrancheLedger/internal/cover"
	"TrancheLedger/internal/credit"
	"TrancheLedger/internal/epoch"
	"TrancheLedger/internal/event"
	"TrancheLedger/internal/ledger"
	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/pnl"
	"TrancheLedger/internal/poolerr"
	"TrancheLedger/internal/tranche"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultLRUCapacity bounds the in-memory idempotency tier.
const DefaultLRUCapacity = 1_000_000

// Engine is the pool orchestrator. One mutex guards the tranche vaults, the
// epoch coordinator, the covers, the PnL state and the token ledger; every
// command runs to completion inside it. Handlers plan against current state
// and only a fully validated plan is applied, so a rejected command leaves no
// trace.
type Engine struct {
	mu sync.Mutex

	cfg        PoolConfig
	sequence   int64
	hasher     *StateHasher
	tokens     *ledger.TokenLedger
	journalGen *ledger.JournalGenerator
	validator  *ledger.InvariantValidator
	access     *access.Controller

	vaults      [tranche.Count]*tranche.Vault
	losses      [tranche.Count]uint64 // unrecovered per tranche
	covers      *cover.Manager
	allocator   *pnl.Allocator
	coordinator *epoch.Coordinator
	credit      *credit.Accumulator

	enabled          bool
	lastAllocationAt int64

	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need about one accepted
// command.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
	Receipt    Receipt
}

// Receipt reports what a command did.
type Receipt struct {
	Sequence  int64  `json:"sequence"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Shares    uint64 `json:"shares,omitempty"`
	Amount    uint64 `json:"amount,omitempty"`

	Epoch *EpochReport       `json:"epoch,omitempty"`
	Yield *tranche.YieldPlan `json:"yield,omitempty"`
}

// NewEngine builds an engine from a validated configuration. Nil channels
// disable the corresponding output.
func NewEngine(
	cfg PoolConfig,
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool config: %w", err)
	}
	providers, err := cfg.coverProviders()
	if err != nil {
		return nil, err
	}
	ac, err := access.NewController(cfg.Roles, providers)
	if err != nil {
		return nil, err
	}
	covers, err := cover.NewManager(cfg.Covers)
	if err != nil {
		return nil, err
	}
	allocator, err := pnl.NewAllocator(cfg.policy())
	if err != nil {
		return nil, err
	}

	tokens := ledger.NewTokenLedger()
	e := &Engine{
		cfg:               cfg,
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		tokens:            tokens,
		journalGen:        ledger.NewJournalGenerator(startSequence, tokens),
		validator:         ledger.NewInvariantValidator(tokens.Tracker()),
		access:            ac,
		covers:            covers,
		allocator:         allocator,
		coordinator:       epoch.NewCoordinator(time.Duration(cfg.EpochDurationSeconds) * time.Second),
		credit:            credit.NewAccumulator(),
		enabled:           true,
		idempotency:       NewIdempotencyChecker(DefaultLRUCapacity, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(1, metrics),
		metrics:           metrics,
		logger:            observability.NewLogger("core"),
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
	for _, id := range tranche.All {
		e.vaults[id] = tranche.NewVault(id)
	}

	// Privileged roles hold positions from the start.
	for _, id := range []uuid.UUID{cfg.Roles.PoolOwnerTreasury, cfg.Roles.EvaluationAgent} {
		if err := e.approve(id, false); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// outcome is a handler's validated plan. apply must not fail: everything it
// does was checked while planning.
type outcome struct {
	batch   *ledger.Batch
	apply   func()
	receipt Receipt
	skip    bool // already applied under an earlier key
}

// ProcessEvent runs one command through the pipeline: dedup, ordering,
// planning, atomic commit, invariant checks, hashing and emission.
func (e *Engine) ProcessEvent(evt event.Event) (Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.process(evt, nil)
}

func (e *Engine) process(evt event.Event, expectedHash *[32]byte) (Receipt, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := e.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation (ordered partitions only)
	partition := evt.Partition()
	if partition != nil {
		if err := e.sequenceValidator.ValidateSequence(*partition, evt.SourceSequence(), isDuplicate); err != nil {
			e.reject(eventType, err)
			return Receipt{}, fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		if e.metrics != nil {
			e.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return Receipt{Duplicate: true}, nil
	}

	ts := evt.OccurredAt()

	// Step 3: Plan
	e.journalGen.SetSequence(e.sequence)
	out, err := e.dispatch(evt)
	if err != nil {
		e.reject(eventType, err)
		return Receipt{}, err
	}
	if out.skip {
		if e.metrics != nil {
			e.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return Receipt{Duplicate: true}, nil
	}
	if out.batch == nil {
		out.batch = ledger.NewBatch(e.sequence, idempotencyKey, ts)
	}
	if err := e.tokens.Check(out.batch); err != nil {
		e.reject(eventType, err)
		return Receipt{}, err
	}

	// Step 4: Commit. Nothing below may fail for a caller-correctable reason.
	if out.apply != nil {
		out.apply()
	}
	// The first accepted command opens epoch 1 and starts the accrual clock.
	e.coordinator.Start(ts)
	if e.lastAllocationAt == 0 {
		e.lastAllocationAt = ts
	}
	if err := e.tokens.Commit(out.batch); err != nil {
		panic(fmt.Sprintf("FATAL: checked batch failed to commit: %v", err))
	}
	if err := e.postCheckInvariants(); err != nil {
		e.logger.Error().Err(err).Str("event_type", eventType).Int64("sequence", e.sequence).Msg("invariant violated")
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 5: Hash chain
	hashStart := time.Now()
	stateDigest := e.computeStateDigest(out.batch)
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, idempotencyKey, stateDigest)
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}
	if expectedHash != nil && *expectedHash != stateHash {
		panic(fmt.Sprintf("FATAL: replay diverged at sequence %d: expected %x, got %x", e.sequence, *expectedHash, stateHash))
	}

	payload, err := event.Encode(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}
	envelope := &event.EventEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Partition:      partition,
		Timestamp:      time.Unix(ts, 0).UTC(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	out.receipt.Sequence = e.sequence
	output := CoreOutput{
		Envelope:   envelope,
		Batch:      out.batch,
		StateDelta: stateDigest,
		Receipt:    out.receipt,
	}

	// Step 6: Emit. Replayed events are already in the log.
	if expectedHash == nil {
		e.emit(output)
	}

	// Step 7: Mark as processed
	e.idempotency.MarkProcessed(eventType, idempotencyKey)
	if partition != nil {
		e.sequenceValidator.Commit(*partition, evt.SourceSequence())
	}
	e.sequence++

	if e.metrics != nil {
		e.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		e.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
		for _, j := range out.batch.Journals {
			e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
		e.updatePoolGauges()
	}
	e.logger.Debug().
		Str("event_type", eventType).
		Str("idempotency_key", idempotencyKey).
		Int64("sequence", envelope.Sequence).
		Int("journals", len(out.batch.Journals)).
		Msg("event applied")

	return out.receipt, nil
}

// emit sends to persistence with backpressure and to projections without.
func (e *Engine) emit(output CoreOutput) {
	if e.persistChan != nil {
		e.persistChan <- output
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

func (e *Engine) reject(eventType string, err error) {
	kind := poolerr.KindOf(err).String()
	if e.metrics != nil {
		e.metrics.CoreEventsRejected.WithLabelValues(eventType, kind).Inc()
	}
	e.logger.Warn().Err(err).Str("event_type", eventType).Str("kind", kind).Msg("event rejected")
}

func (e *Engine) dispatch(evt event.Event) (*outcome, error) {
	switch ev := evt.(type) {
	case *event.LenderApproved:
		return e.handleLenderApproved(ev)
	case *event.LenderRevoked:
		return e.handleLenderRevoked(ev)
	case *event.ReinvestYieldUpdated:
		return e.handleReinvestYieldUpdated(ev)
	case *event.WalletFunded:
		return e.handleWalletFunded(ev)
	case *event.AllowanceApproved:
		return e.handleAllowanceApproved(ev)
	case *event.LenderDeposit:
		return e.handleLenderDeposit(ev)
	case *event.RedemptionRequested:
		return e.handleRedemptionRequested(ev)
	case *event.RedemptionCancelled:
		return e.handleRedemptionCancelled(ev)
	case *event.Disbursement:
		return e.handleDisbursement(ev)
	case *event.CoverDeposited:
		return e.handleCoverDeposited(ev)
	case *event.CoverRedeemed:
		return e.handleCoverRedeemed(ev)
	case *event.PnLReported:
		return e.handlePnLReported(ev)
	case *event.CreditDrawdown:
		return e.handleCreditDrawdown(ev)
	case *event.CreditRepayment:
		return e.handleCreditRepayment(ev)
	case *event.EpochClose:
		return e.handleEpochClose(ev)
	case *event.YieldProcessing:
		return e.handleYieldProcessing(ev)
	case *event.PoolStatusChanged:
		return e.handlePoolStatusChanged(ev)
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// postCheckInvariants validates share conservation in every vault and that
// each accounting figure is backed by tokens.
func (e *Engine) postCheckInvariants() error {
	for _, v := range e.vaults {
		if err := v.CheckInvariants(); err != nil {
			return err
		}
	}
	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	if err := e.validator.ValidateNonNegative(); err != nil {
		return err
	}
	return e.validator.ValidatePoolBacking(e.poolTotals())
}

func (e *Engine) poolTotals() ledger.PoolTotals {
	t := ledger.PoolTotals{
		Undisbursed: make(map[string]uint64, tranche.Count),
		Covers:      make(map[string]uint64, len(e.cfg.Covers)),
	}
	for _, v := range e.vaults {
		t.TrancheAssets += v.TotalAssets()
		t.Undisbursed[v.ID().String()] = v.TotalUndisbursed()
	}
	for _, c := range e.covers.All() {
		t.Covers[c.Name()] = c.Amount
	}
	return t
}

// computeStateDigest creates canonical bytes for the state hash: every
// account the batch touched, then the pool aggregates.
func (e *Engine) computeStateDigest(batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+128)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, e.tokens.Tracker().GetBalance(key))
	}

	for _, v := range e.vaults {
		digest = appendUint64LE(digest, v.TotalAssets())
		digest = appendUint64LE(digest, v.TotalShares())
		digest = appendUint64LE(digest, v.EscrowShares())
	}
	for _, l := range e.losses {
		digest = appendUint64LE(digest, l)
	}
	for _, c := range e.covers.All() {
		digest = appendUint64LE(digest, c.Amount)
		digest = appendUint64LE(digest, c.CoveredLoss)
	}
	digest = appendUint64LE(digest, e.coordinator.CurrentEpoch())
	if e.enabled {
		digest = append(digest, 1)
	} else {
		digest = append(digest, 0)
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return appendUint64LE(buf, uint64(v))
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func (e *Engine) updatePoolGauges() {
	for _, v := range e.vaults {
		name := v.ID().String()
		e.metrics.TrancheAssets.WithLabelValues(name).Set(float64(v.TotalAssets()))
		e.metrics.TrancheShares.WithLabelValues(name).Set(float64(v.TotalShares()))
		if v.TotalShares() > 0 {
			e.metrics.TrancheSharePrice.WithLabelValues(name).Set(float64(v.TotalAssets()) / float64(v.TotalShares()))
		}
	}
	for _, c := range e.covers.All() {
		e.metrics.CoverAssets.WithLabelValues(c.Name()).Set(float64(c.Amount))
	}
	e.metrics.PoolVaultBalance.Set(float64(e.tokens.Balance(ledger.PoolVaultKey)))
	e.metrics.CreditDeployed.Set(float64(e.tokens.Balance(ledger.CreditDeployedKey)))
	e.metrics.CurrentEpoch.Set(float64(e.coordinator.CurrentEpoch()))
}
