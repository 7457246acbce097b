package event

import (
	"encoding/json"
	"fmt"
)

// DecodePayload reconstructs a typed event from a stored envelope payload.
// Payloads are written with encoding/json over the event structs themselves,
// so the same structs decode them. The wire parser in ingestion is for
// external snake_case payloads only.
func DecodePayload(eventType string, payload []byte) (Event, error) {
	var evt Event
	switch eventType {
	case "CreatePolicy":
		evt = &CreatePolicy{}
	case "ActivatePolicy":
		evt = &ActivatePolicy{}
	case "ClosePolicy":
		evt = &ClosePolicy{}
	case "InitializeProtection":
		evt = &InitializeProtection{}
	case "LiquidateProtection":
		evt = &LiquidateProtection{}
	case "DepositFunds":
		evt = &DepositFunds{}
	case "PriceUpdate":
		evt = &PriceUpdate{}
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}

	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return evt, nil
}
