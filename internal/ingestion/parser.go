package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PolicyLedger/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates, parses, and converts raw
// commands before anything reaches the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "CreatePolicy":
		return parseCreatePolicy(raw.Data)
	case "ActivatePolicy":
		return parseActivatePolicy(raw.Data)
	case "ClosePolicy":
		return parseClosePolicy(raw.Data)
	case "InitializeProtection":
		return parseInitializeProtection(raw.Data)
	case "LiquidateProtection":
		return parseLiquidateProtection(raw.Data)
	case "DepositFunds":
		return parseDepositFunds(raw.Data)
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type createPolicyJSON struct {
	RequestID    string `json:"request_id"`
	Caller       string `json:"caller"`
	Nonce        uint64 `json:"nonce"`
	Strike       int64  `json:"strike"`
	ExpiryUs     int64  `json:"expiry_us"`
	Underlying   string `json:"underlying"`
	OptionType   string `json:"option_type"`
	Coverage     int64  `json:"coverage"`
	Premium      int64  `json:"premium"`
	PayoutWallet string `json:"payout_wallet"`
	PaymentAsset string `json:"payment_asset"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseCreatePolicy(data []byte) (*event.CreatePolicy, error) {
	var j createPolicyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CreatePolicy: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	payoutWallet, err := uuid.Parse(j.PayoutWallet)
	if err != nil {
		return nil, fmt.Errorf("parse payout_wallet: %w", err)
	}
	underlying, err := event.ParseUnderlying(j.Underlying)
	if err != nil {
		return nil, fmt.Errorf("parse underlying: %w", err)
	}
	optionType, err := event.ParseOptionType(j.OptionType)
	if err != nil {
		return nil, fmt.Errorf("parse option_type: %w", err)
	}

	return &event.CreatePolicy{
		RequestID:    requestID,
		Caller:       caller,
		Nonce:        j.Nonce,
		Strike:       j.Strike,
		Expiry:       time.UnixMicro(j.ExpiryUs),
		Underlying:   underlying,
		OptionType:   optionType,
		Coverage:     j.Coverage,
		Premium:      j.Premium,
		PayoutWallet: payoutWallet,
		PaymentAsset: j.PaymentAsset,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type activatePolicyJSON struct {
	RequestID        string `json:"request_id"`
	Caller           string `json:"caller"`
	Policy           string `json:"policy"`
	PayerAccount     string `json:"payer_account,omitempty"`
	AuthorityAccount string `json:"authority_account,omitempty"`
	Sequence         int64  `json:"sequence"`
	TimestampUs      int64  `json:"timestamp_us"`
}

func parseActivatePolicy(data []byte) (*event.ActivatePolicy, error) {
	var j activatePolicyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ActivatePolicy: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}

	return &event.ActivatePolicy{
		RequestID:        requestID,
		Caller:           caller,
		Policy:           j.Policy,
		PayerAccount:     j.PayerAccount,
		AuthorityAccount: j.AuthorityAccount,
		Sequence:         j.Sequence,
		Timestamp:        time.UnixMicro(j.TimestampUs),
	}, nil
}

type closePolicyJSON struct {
	RequestID        string `json:"request_id"`
	Caller           string `json:"caller"`
	Policy           string `json:"policy"`
	Intent           string `json:"intent"`
	AuthorityAccount string `json:"authority_account,omitempty"`
	PayoutAccount    string `json:"payout_account,omitempty"`
	Sequence         int64  `json:"sequence"`
	TimestampUs      int64  `json:"timestamp_us"`
}

func parseClosePolicy(data []byte) (*event.ClosePolicy, error) {
	var j closePolicyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClosePolicy: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	intent, err := event.ParseClosureIntent(j.Intent)
	if err != nil {
		return nil, fmt.Errorf("parse intent: %w", err)
	}

	return &event.ClosePolicy{
		RequestID:        requestID,
		Caller:           caller,
		Policy:           j.Policy,
		Intent:           intent,
		AuthorityAccount: j.AuthorityAccount,
		PayoutAccount:    j.PayoutAccount,
		Sequence:         j.Sequence,
		Timestamp:        time.UnixMicro(j.TimestampUs),
	}, nil
}

type initializeProtectionJSON struct {
	RequestID   string `json:"request_id"`
	Owner       string `json:"owner"`
	Strike      int64  `json:"strike"`
	Direction   string `json:"direction"`
	Coverage    int64  `json:"coverage"`
	Funding     int64  `json:"funding"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseInitializeProtection(data []byte) (*event.InitializeProtection, error) {
	var j initializeProtectionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse InitializeProtection: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	direction, err := event.ParseDirection(j.Direction)
	if err != nil {
		return nil, fmt.Errorf("parse direction: %w", err)
	}

	return &event.InitializeProtection{
		RequestID: requestID,
		Owner:     owner,
		Strike:    j.Strike,
		Direction: direction,
		Coverage:  j.Coverage,
		Funding:   j.Funding,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type priceObservationJSON struct {
	Feed          string `json:"feed"`
	Magnitude     int64  `json:"magnitude"`
	Exponent      int32  `json:"exponent"`
	PublishTimeUs int64  `json:"publish_time_us"`
}

type liquidateProtectionJSON struct {
	RequestID   string               `json:"request_id"`
	Caller      string               `json:"caller"`
	Policy      string               `json:"policy"`
	Observation priceObservationJSON `json:"observation"`
	Sequence    int64                `json:"sequence"`
	TimestampUs int64                `json:"timestamp_us"`
}

func parseLiquidateProtection(data []byte) (*event.LiquidateProtection, error) {
	var j liquidateProtectionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidateProtection: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}

	return &event.LiquidateProtection{
		RequestID: requestID,
		Caller:    caller,
		Policy:    j.Policy,
		Observation: event.PriceObservation{
			Feed:        j.Observation.Feed,
			Magnitude:   j.Observation.Magnitude,
			Exponent:    j.Observation.Exponent,
			PublishTime: time.UnixMicro(j.Observation.PublishTimeUs),
		},
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type depositFundsJSON struct {
	DepositID   string `json:"deposit_id"`
	Owner       string `json:"owner"`
	Asset       string `json:"asset"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDepositFunds(data []byte) (*event.DepositFunds, error) {
	var j depositFundsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositFunds: %w", err)
	}

	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}

	return &event.DepositFunds{
		DepositID: depositID,
		Owner:     owner,
		Asset:     j.Asset,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type priceUpdateJSON struct {
	Feed          string `json:"feed"`
	Magnitude     int64  `json:"magnitude"`
	Exponent      int32  `json:"exponent"`
	PublishTimeUs int64  `json:"publish_time_us"`
	FeedSequence  int64  `json:"feed_sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}

	return &event.PriceUpdate{
		Feed:         j.Feed,
		Magnitude:    j.Magnitude,
		Exponent:     j.Exponent,
		PublishTime:  time.UnixMicro(j.PublishTimeUs),
		FeedSequence: j.FeedSequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}
