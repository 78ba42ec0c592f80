package event

import (
	"encoding/json"
	"fmt"
)

// New returns an empty payload for et.
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeLenderApproved:
		return &LenderApproved{}, nil
	case EventTypeLenderRevoked:
		return &LenderRevoked{}, nil
	case EventTypeReinvestYieldUpdated:
		return &ReinvestYieldUpdated{}, nil
	case EventTypeLenderDeposit:
		return &LenderDeposit{}, nil
	case EventTypeRedemptionRequested:
		return &RedemptionRequested{}, nil
	case EventTypeRedemptionCancelled:
		return &RedemptionCancelled{}, nil
	case EventTypeDisbursement:
		return &Disbursement{}, nil
	case EventTypeWalletFunded:
		return &WalletFunded{}, nil
	case EventTypeAllowanceApproved:
		return &AllowanceApproved{}, nil
	case EventTypeCoverDeposited:
		return &CoverDeposited{}, nil
	case EventTypeCoverRedeemed:
		return &CoverRedeemed{}, nil
	case EventTypePnLReported:
		return &PnLReported{}, nil
	case EventTypeCreditDrawdown:
		return &CreditDrawdown{}, nil
	case EventTypeCreditRepayment:
		return &CreditRepayment{}, nil
	case EventTypeEpochClose:
		return &EpochClose{}, nil
	case EventTypeYieldProcessing:
		return &YieldProcessing{}, nil
	case EventTypePoolStatusChanged:
		return &PoolStatusChanged{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
}

// Encode serializes an event payload for the event log.
func Encode(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return data, nil
}

// Decode rebuilds a typed event from its log payload.
func Decode(et EventType, payload []byte) (Event, error) {
	evt, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
