// Package domain holds the error vocabulary shared across the ledger core,
// the custody layer, and the API surface. Every rejection a caller can see
// maps to exactly one sentinel here, so client tooling can branch on cause.
package domain

import "errors"

var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrNotFound              = errors.New("policy not found")
	ErrAlreadyExists         = errors.New("policy already exists")
	ErrAlreadyActive         = errors.New("policy already active")
	ErrAlreadyClaimed        = errors.New("policy already claimed")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInvalidCustodyAccount = errors.New("custody account does not match derived address")
	ErrAssetMismatch         = errors.New("payment asset mismatch")
	ErrPriceStale            = errors.New("price observation stale")
	ErrFeedMismatch          = errors.New("unexpected price feed")
	ErrMathOverflow          = errors.New("price normalization overflow")
	ErrConditionNotMet       = errors.New("trigger condition not met")
	ErrLockHeld              = errors.New("lock already held")
)

// Code returns the stable wire identifier for an error. Unrecognized errors
// collapse to INTERNAL so infrastructure failures never leak detail.
func Code(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrInvalidAmount):
		return "INVALID_AMOUNT"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrAlreadyExists):
		return "ALREADY_EXISTS"
	case errors.Is(err, ErrAlreadyActive):
		return "ALREADY_ACTIVE"
	case errors.Is(err, ErrAlreadyClaimed):
		return "ALREADY_CLAIMED"
	case errors.Is(err, ErrInsufficientBalance):
		return "INSUFFICIENT_BALANCE"
	case errors.Is(err, ErrInvalidCustodyAccount):
		return "INVALID_CUSTODY_ACCOUNT"
	case errors.Is(err, ErrAssetMismatch):
		return "ASSET_MISMATCH"
	case errors.Is(err, ErrPriceStale):
		return "PRICE_STALE"
	case errors.Is(err, ErrFeedMismatch):
		return "FEED_MISMATCH"
	case errors.Is(err, ErrMathOverflow):
		return "MATH_OVERFLOW"
	case errors.Is(err, ErrConditionNotMet):
		return "CONDITION_NOT_MET"
	case errors.Is(err, ErrLockHeld):
		return "LOCK_HELD"
	default:
		return "INTERNAL"
	}
}
