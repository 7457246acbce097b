package event

import "fmt"

// Underlying tags the asset a policy is written on
type Underlying int32

const (
	UnderlyingBTC Underlying = iota
	UnderlyingETH
	UnderlyingSOL
)

func (u Underlying) String() string {
	switch u {
	case UnderlyingBTC:
		return "BTC"
	case UnderlyingETH:
		return "ETH"
	case UnderlyingSOL:
		return "SOL"
	default:
		return "Unknown"
	}
}

func ParseUnderlying(s string) (Underlying, error) {
	switch s {
	case "BTC":
		return UnderlyingBTC, nil
	case "ETH":
		return UnderlyingETH, nil
	case "SOL":
		return UnderlyingSOL, nil
	default:
		return 0, fmt.Errorf("unknown underlying %q", s)
	}
}

// OptionType tags the contract shape of an authority-mediated policy
type OptionType int32

const (
	OptionCall OptionType = iota
	OptionPut
)

func (o OptionType) String() string {
	switch o {
	case OptionCall:
		return "Call"
	case OptionPut:
		return "Put"
	default:
		return "Unknown"
	}
}

func ParseOptionType(s string) (OptionType, error) {
	switch s {
	case "Call", "call":
		return OptionCall, nil
	case "Put", "put":
		return OptionPut, nil
	default:
		return 0, fmt.Errorf("unknown option type %q", s)
	}
}

// Direction is the side a price protection insures. Long protection pays
// when the price falls below strike, short protection when it rises above.
// One comparison operator selected by the tag, never two code paths.
type Direction int32

const (
	DirectionLong Direction = iota
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "Long"
	case DirectionShort:
		return "Short"
	default:
		return "Unknown"
	}
}

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "Long", "long":
		return DirectionLong, nil
	case "Short", "short":
		return DirectionShort, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

// ClosureIntent distinguishes a simple close from one that settles coverage
// first. A tagged pair instead of a bare boolean so the close handler cannot
// confuse the two branches.
type ClosureIntent int32

const (
	CloseSimple ClosureIntent = iota
	CloseWithPayout
)

func (c ClosureIntent) String() string {
	switch c {
	case CloseSimple:
		return "Simple"
	case CloseWithPayout:
		return "WithPayout"
	default:
		return "Unknown"
	}
}

func ParseClosureIntent(s string) (ClosureIntent, error) {
	switch s {
	case "Simple", "simple":
		return CloseSimple, nil
	case "WithPayout", "with_payout":
		return CloseWithPayout, nil
	default:
		return 0, fmt.Errorf("unknown closure intent %q", s)
	}
}
