package ingestion

import (
	"encoding/json"
	"fmt"

	"TrancheLedger/internal/event"
	"TrancheLedger/internal/tranche"

	"github.com/google/uuid"
)

// ParseRawEvent converts a bus message into a typed command. eventType is
// the name resolved from the subject (event.EventType.String()).
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	et, ok := event.ParseEventType(eventType)
	if !ok {
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
	parse, ok := parsers[et]
	if !ok {
		return nil, fmt.Errorf("no wire format for %s", eventType)
	}
	evt, err := parse(raw.Data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", eventType, err)
	}
	return evt, nil
}

var parsers = map[event.EventType]func([]byte) (event.Event, error){
	event.EventTypeLenderApproved:       parseLenderApproved,
	event.EventTypeLenderRevoked:        parseLenderRevoked,
	event.EventTypeReinvestYieldUpdated: parseReinvestYieldUpdated,
	event.EventTypeLenderDeposit:        parseLenderDeposit,
	event.EventTypeRedemptionRequested:  parseRedemptionRequested,
	event.EventTypeRedemptionCancelled:  parseRedemptionCancelled,
	event.EventTypeDisbursement:         parseDisbursement,
	event.EventTypeWalletFunded:         parseWalletFunded,
	event.EventTypeAllowanceApproved:    parseAllowanceApproved,
	event.EventTypeCoverDeposited:       parseCoverDeposited,
	event.EventTypeCoverRedeemed:        parseCoverRedeemed,
	event.EventTypePnLReported:          parsePnLReported,
	event.EventTypeCreditDrawdown:       parseCreditDrawdown,
	event.EventTypeCreditRepayment:      parseCreditRepayment,
	event.EventTypeEpochClose:           parseEpochClose,
	event.EventTypeYieldProcessing:      parseYieldProcessing,
	event.EventTypePoolStatusChanged:    parsePoolStatusChanged,
}

// --- JSON wire formats ---
// Upstream producers send snake_case JSON with string UUIDs, tranche names
// ("senior", "junior") and unix-second timestamps.

type lenderJSON struct {
	EventID       string `json:"event_id"`
	Caller        string `json:"caller"`
	Lender        string `json:"lender"`
	ReinvestYield bool   `json:"reinvest_yield"`
	Timestamp     int64  `json:"timestamp"`
}

func (j *lenderJSON) ids() (eventID, caller, lender uuid.UUID, err error) {
	if eventID, err = parseID("event_id", j.EventID); err != nil {
		return
	}
	if caller, err = parseID("caller", j.Caller); err != nil {
		return
	}
	lender, err = parseID("lender", j.Lender)
	return
}

func parseLenderApproved(data []byte) (event.Event, error) {
	var j lenderJSON
	if err := decode(data, &j); err != nil {
		return nil, err
	}
	eventID, caller, lender, err := j.ids()
	if err != nil {
		return nil, err
	}
	return &event.LenderApproved{
		EventID:       eventID,
		Caller:        caller,
		Lender:        lender,
		ReinvestYield: j.ReinvestYield,
		Timestamp:     j.Timestamp,
	}, nil
}

func parseLenderRevoked(data []byte) (event.Event, error) {
	var j lenderJSON
	if err := decode(data, &j); err != nil {
		return nil, err
	}
	eventID, caller, lender, err := j.ids()
	if err != nil {
		return nil, err
	}
	return &event.LenderRevoked{EventID: eventID, Caller: caller, Lender: lender, Timestamp: j.Timestamp}, nil
}

func parseReinvestYieldUpdated(data []byte) (event.Event, error) {
	var j lenderJSON
	if err := decode(data, &j); err != nil {
		return nil, err
	}
	eventID, caller, lender, err := j.ids()
	if err != nil {
		return nil, err
	}
	return &event.ReinvestYieldUpdated{
		EventID:       eventID,
		Caller:        caller,
		Lender:        lender,
		ReinvestYield: j.ReinvestYield,
		Timestamp:     j.Timestamp,
	}, nil
}

// trancheJSON carries every lender command against one tranche.
type trancheJSON struct {
	EventID   string `json:"event_id"`
	Lender    string `json:"lender"`
	Tranche   string `json:"tranche"`
	Amount    uint64 `json:"amount"`
	Shares    uint64 `json:"shares"`
	Timestamp int64  `json:"timestamp"`
}

func (j *trancheJSON) parse() (eventID, lender uuid.UUID, tr tranche.ID, err error) {
	if eventID, err = parseID("event_id", j.EventID); err != nil {
		return
	}
	if lender, err = parseID("lender", j.Lender); err != nil {
		return
	}
	tr, err = tranche.Parse(j.Tranche)
	return
}

func parseLenderDeposit(data []byte) (event.Event, error) {
	var j trancheJSON
	if err := decode(data, &j); err != nil {
		return nil, err
	}
	eventID, lender, tr, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.LenderDeposit{EventID: eventID, Lender: lender, Tranche: tr, Amount: j.Amount, Timestamp: j.Timestamp}, nil
}

func parseRedemptionRequested(data []byte) (event.Event, error) {
	var j trancheJSON
	if err := decode(data, &j); err != nil {
		return nil, err
	}
	eventID, lender, tr, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.RedemptionRequested{EventID: eventID, Lender: lender, Tranche: tr, Shares: j.Shares, Timestamp: j.Timestamp}, nil
}

func parseRedemptionCancelled(data []byte) (event.Event, error) {
	var j trancheJSON
	if err := decode(data, &j); err != nil {
		return nil, err
	}
	eventID, lender, tr, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.RedemptionCancelled{EventID: eventID, Lender: lender, Tranche: tr, Shares: j.Shares, Timestamp: j.Timestamp}, nil
}

func parseDisbursement(data []byte) (event.Event, error) {
	var j trancheJSON
	if err := decode(data, &j); err != nil {
		return nil, err
	}
	eventID, lender, tr, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.Disbursement{EventID: eventID, Lender: lender, Tranche: tr, Timestamp: j.Timestamp}, nil
}

type walletJSON struct {
	EventID   string `json:"event_id"`
	Caller    string `json:"caller"`
	Holder    string `json:"holder"`
	Amount    uint64 `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

func parseWalletFunded(data []byte) (event.Event, error) {
	var j walletJSON
	if err := decode(data, &j); err != nil {
		return nil, err
	}
	eventID, err := parseID("event_id", j.EventID)
	if err != nil {
		return nil, err
	}
	caller, err := parseID("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	holder, err := parseID("holder", j.Holder)
	if err != nil {
		return nil, err
	}
	return &event.WalletFunded{EventID: eventID, Caller: caller, Holder: holder, Amount: j.Amount, Timestamp: j.Timestamp}, nil
}

// parseAllowanceApproved reads the holder as the allowance owner.
func parseAllowanceApproved(data []byte) (event.Event, error) {
	var j walletJSON
	if err := decode(data, &j); err != nil {
		return nil, err
	}
	eventID, err := parseID("event_id", j.EventID)
	if err != nil {
		return nil, err
	}
	owner, err := parseID("holder", j.Holder)
	if err != nil {
		return nil, err
	}
	return &event.AllowanceApproved{EventID: eventID, Owner: owner, Amount: j.Amount, Timestamp: j.Timestamp}, nil
}

type coverJSON struct {
	EventID   string `json:"event_id"`
	Provider  string `json:"provider"`
	Cover     string `json:"cover"`
	Amount    uint64 `json:"amount"`
	Shares    uint64 `json:"shares"`
	Timestamp int64  `json:"timestamp"`
}

func (j *coverJSON) parse() (eventID, provider uuid.UUID, err error) {
	if j.Cover == "" {
		return uuid.Nil, uuid.Nil, fmt.Errorf("missing cover")
	}
	if eventID, err = parseID("event_id", j.EventID); err != nil {
		return
	}
	provider, err = parseID("provider", j.Provider)
	return
}

func parseCoverDeposited(data []byte) (event.Event, error) {
	var j coverJSON
	if err := decode(data, &j); err != nil {
		return nil, err
	}
	eventID, provider, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.CoverDeposited{EventID: eventID, Provider: provider, Cover: j.Cover, Amount: j.Amount, Timestamp: j.Timestamp}, nil
}

func parseCoverRedeemed(data []byte) (event.Event, error) {
	var j coverJSON
	if err := decode(data, &j); err != nil {
		return nil, err
	}
	eventID, provider, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.CoverRedeemed{EventID: eventID, Provider: provider, Cover: j.Cover, Shares: j.Shares, Timestamp: j.Timestamp}, nil
}

// creditJSON covers the credit partition. Sequence orders reports,
// drawdowns and repayments together and must start at 1.
type creditJSON struct {
	Caller       string `json:"caller"`
	Sequence     int64  `json:"sequence"`
	Profit       uint64 `json:"profit"`
	Loss         uint64 `json:"loss"`
	LossRecovery uint64 `json:"loss_recovery"`
	Amount       uint64 `json:"amount"`
	Timestamp    int64  `json:"timestamp"`
}

func (j *creditJSON) caller() (uuid.UUID, error) {
	if j.Sequence <= 0 {
		return uuid.Nil, fmt.Errorf("sequence must be positive, got %d", j.Sequence)
	}
	return parseID("caller", j.Caller)
}

func parsePnLReported(data []byte) (event.Event, error) {
	var j creditJSON
	if err := decode(data, &j); err != nil {
		return nil, err
	}
	caller, err := j.caller()
	if err != nil {
		return nil, err
	}
	return &event.PnLReported{
		Caller:       caller,
		Sequence:     j.Sequence,
		Profit:       j.Profit,
		Loss:         j.Loss,
		LossRecovery: j.LossRecovery,
		Timestamp:    j.Timestamp,
	}, nil
}

func parseCreditDrawdown(data []byte) (event.Event, error) {
	var j creditJSON
	if err := decode(data, &j); err != nil {
		return nil, err
	}
	caller, err := j.caller()
	if err != nil {
		return nil, err
	}
	return &event.CreditDrawdown{Caller: caller, Sequence: j.Sequence, Amount: j.Amount, Timestamp: j.Timestamp}, nil
}

func parseCreditRepayment(data []byte) (event.Event, error) {
	var j creditJSON
	if err := decode(data, &j); err != nil {
		return nil, err
	}
	caller, err := j.caller()
	if err != nil {
		return nil, err
	}
	return &event.CreditRepayment{Caller: caller, Sequence: j.Sequence, Amount: j.Amount, Timestamp: j.Timestamp}, nil
}

type epochCloseJSON struct {
	Caller             string  `json:"caller"`
	EpochID            uint64  `json:"epoch_id"`
	AvailableLiquidity *uint64 `json:"available_liquidity"`
	Timestamp          int64   `json:"timestamp"`
}

func parseEpochClose(data []byte) (event.Event, error) {
	var j epochCloseJSON
	if err := decode(data, &j); err != nil {
		return nil, err
	}
	caller, err := parseID("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	if j.EpochID == 0 {
		return nil, fmt.Errorf("missing epoch_id")
	}
	return &event.EpochClose{
		Caller:             caller,
		EpochID:            j.EpochID,
		AvailableLiquidity: j.AvailableLiquidity,
		Timestamp:          j.Timestamp,
	}, nil
}

type yieldJSON struct {
	EventID   string   `json:"event_id"`
	Caller    string   `json:"caller"`
	Tranche   string   `json:"tranche"`
	Lenders   []string `json:"lenders"`
	Timestamp int64    `json:"timestamp"`
}

func parseYieldProcessing(data []byte) (event.Event, error) {
	var j yieldJSON
	if err := decode(data, &j); err != nil {
		return nil, err
	}
	eventID, err := parseID("event_id", j.EventID)
	if err != nil {
		return nil, err
	}
	caller, err := parseID("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	tr, err := tranche.Parse(j.Tranche)
	if err != nil {
		return nil, err
	}
	var lenders []uuid.UUID
	for i, s := range j.Lenders {
		l, err := parseID(fmt.Sprintf("lenders[%d]", i), s)
		if err != nil {
			return nil, err
		}
		lenders = append(lenders, l)
	}
	return &event.YieldProcessing{EventID: eventID, Caller: caller, Tranche: tr, Lenders: lenders, Timestamp: j.Timestamp}, nil
}

type poolStatusJSON struct {
	EventID   string `json:"event_id"`
	Caller    string `json:"caller"`
	Enabled   bool   `json:"enabled"`
	Timestamp int64  `json:"timestamp"`
}

func parsePoolStatusChanged(data []byte) (event.Event, error) {
	var j poolStatusJSON
	if err := decode(data, &j); err != nil {
		return nil, err
	}
	eventID, err := parseID("event_id", j.EventID)
	if err != nil {
		return nil, err
	}
	caller, err := parseID("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	return &event.PoolStatusChanged{EventID: eventID, Caller: caller, Enabled: j.Enabled, Timestamp: j.Timestamp}, nil
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}
