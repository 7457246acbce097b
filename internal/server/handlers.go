package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	cacheredis "PolicyLedger/internal/cache/redis"
	"PolicyLedger/internal/custody"
	"PolicyLedger/internal/domain"
	"PolicyLedger/internal/event"
	"PolicyLedger/internal/ledger"
	pmath "PolicyLedger/internal/math"
)

// settlementLockTTL bounds how long a crashed replica can hold a policy lock.
const settlementLockTTL = 10 * time.Second

const callerHeader = "X-Policy-Caller"

// callerID reads the caller identity every command requires.
func callerID(r *http.Request) (uuid.UUID, error) {
	h := r.Header.Get(callerHeader)
	if h == "" {
		return uuid.Nil, fmt.Errorf("missing %s header", callerHeader)
	}
	id, err := uuid.Parse(h)
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed %s header: %v", callerHeader, err)
	}
	return id, nil
}

// parseRequestID accepts a client-chosen idempotency key, or mints one when
// the client does not care about replay safety.
func parseRequestID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(s)
}

// acquireLock fences a mutating flow on one policy address across replicas.
// Returns a no-op release when fencing is disabled.
func (s *Server) acquireLock(ctx context.Context, policy string) (func(), error) {
	if s.deps.Locks == nil {
		return func() {}, nil
	}
	unlock, err := s.deps.Locks.Acquire(ctx, cacheredis.PolicyLockKey(policy), settlementLockTTL)
	if err != nil {
		if s.deps.Metrics != nil && errors.Is(err, domain.ErrLockHeld) {
			s.deps.Metrics.LockContended.Inc()
		}
		return nil, err
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.LockAcquired.Inc()
	}
	return unlock, nil
}

// --- Commands ---

type createPolicyRequest struct {
	RequestID    string `json:"request_id"`
	Nonce        uint64 `json:"nonce"`
	Strike       int64  `json:"strike"`
	ExpiryUS     int64  `json:"expiry_us"`
	Underlying   string `json:"underlying"`
	OptionType   string `json:"option_type"`
	Coverage     int64  `json:"coverage"`
	Premium      int64  `json:"premium"`
	PayoutWallet string `json:"payout_wallet"`
	PaymentAsset string `json:"payment_asset"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	const endpoint = "create_policy"

	caller, err := callerID(r)
	if err != nil {
		s.writeUnauthorized(w, endpoint, err.Error())
		return
	}

	var req createPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, endpoint, "malformed request body")
		return
	}

	requestID, err := parseRequestID(req.RequestID)
	if err != nil {
		s.writeBadRequest(w, endpoint, "malformed request_id")
		return
	}
	payoutWallet, err := uuid.Parse(req.PayoutWallet)
	if err != nil {
		s.writeBadRequest(w, endpoint, "malformed payout_wallet")
		return
	}
	underlying, err := event.ParseUnderlying(req.Underlying)
	if err != nil {
		s.writeBadRequest(w, endpoint, err.Error())
		return
	}
	optionType, err := event.ParseOptionType(req.OptionType)
	if err != nil {
		s.writeBadRequest(w, endpoint, err.Error())
		return
	}

	evt := &event.CreatePolicy{
		RequestID:    requestID,
		Caller:       caller,
		Nonce:        req.Nonce,
		Strike:       req.Strike,
		Expiry:       time.UnixMicro(req.ExpiryUS),
		Underlying:   underlying,
		OptionType:   optionType,
		Coverage:     req.Coverage,
		Premium:      req.Premium,
		PayoutWallet: payoutWallet,
		PaymentAsset: req.PaymentAsset,
		Timestamp:    time.Now(),
	}

	if err := s.deps.Submitter.Submit(r.Context(), evt); err != nil {
		s.writeDomainError(w, endpoint, err)
		return
	}

	addr, _ := custody.PolicyRecord(caller, req.Nonce)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"policy":     addr.String(),
		"request_id": requestID.String(),
		"status":     "applied",
	})
}

type activatePolicyRequest struct {
	RequestID        string `json:"request_id"`
	PayerAccount     string `json:"payer_account"`
	AuthorityAccount string `json:"authority_account"`
}

func (s *Server) handleActivatePolicy(w http.ResponseWriter, r *http.Request) {
	const endpoint = "activate_policy"

	caller, err := callerID(r)
	if err != nil {
		s.writeUnauthorized(w, endpoint, err.Error())
		return
	}
	authority, err := uuid.Parse(r.PathValue("authority"))
	if err != nil {
		s.writeBadRequest(w, endpoint, "malformed authority")
		return
	}
	nonce, err := strconv.ParseUint(r.PathValue("nonce"), 10, 64)
	if err != nil {
		s.writeBadRequest(w, endpoint, "malformed nonce")
		return
	}

	var req activatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, endpoint, "malformed request body")
		return
	}
	requestID, err := parseRequestID(req.RequestID)
	if err != nil {
		s.writeBadRequest(w, endpoint, "malformed request_id")
		return
	}

	addr, _ := custody.PolicyRecord(authority, nonce)
	policy := addr.String()

	unlock, err := s.acquireLock(r.Context(), policy)
	if err != nil {
		s.writeDomainError(w, endpoint, err)
		return
	}
	defer unlock()

	evt := &event.ActivatePolicy{
		RequestID:        requestID,
		Caller:           caller,
		Policy:           policy,
		PayerAccount:     req.PayerAccount,
		AuthorityAccount: req.AuthorityAccount,
		Timestamp:        time.Now(),
	}
	if err := s.deps.Submitter.Submit(r.Context(), evt); err != nil {
		s.writeDomainError(w, endpoint, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policy":     policy,
		"request_id": requestID.String(),
		"status":     "applied",
	})
}

type closePolicyRequest struct {
	RequestID        string `json:"request_id"`
	Intent           string `json:"intent"`
	AuthorityAccount string `json:"authority_account"`
	PayoutAccount    string `json:"payout_account"`
}

func (s *Server) handleClosePolicy(w http.ResponseWriter, r *http.Request) {
	const endpoint = "close_policy"

	caller, err := callerID(r)
	if err != nil {
		s.writeUnauthorized(w, endpoint, err.Error())
		return
	}
	authority, err := uuid.Parse(r.PathValue("authority"))
	if err != nil {
		s.writeBadRequest(w, endpoint, "malformed authority")
		return
	}
	nonce, err := strconv.ParseUint(r.PathValue("nonce"), 10, 64)
	if err != nil {
		s.writeBadRequest(w, endpoint, "malformed nonce")
		return
	}

	var req closePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, endpoint, "malformed request body")
		return
	}
	requestID, err := parseRequestID(req.RequestID)
	if err != nil {
		s.writeBadRequest(w, endpoint, "malformed request_id")
		return
	}
	intent := event.CloseSimple
	if req.Intent != "" {
		intent, err = event.ParseClosureIntent(req.Intent)
		if err != nil {
			s.writeBadRequest(w, endpoint, err.Error())
			return
		}
	}

	addr, _ := custody.PolicyRecord(authority, nonce)
	policy := addr.String()

	unlock, err := s.acquireLock(r.Context(), policy)
	if err != nil {
		s.writeDomainError(w, endpoint, err)
		return
	}
	defer unlock()

	evt := &event.ClosePolicy{
		RequestID:        requestID,
		Caller:           caller,
		Policy:           policy,
		Intent:           intent,
		AuthorityAccount: req.AuthorityAccount,
		PayoutAccount:    req.PayoutAccount,
		Timestamp:        time.Now(),
	}
	if err := s.deps.Submitter.Submit(r.Context(), evt); err != nil {
		s.writeDomainError(w, endpoint, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policy":     policy,
		"request_id": requestID.String(),
		"status":     "applied",
	})
}

type initializeProtectionRequest struct {
	RequestID string `json:"request_id"`
	Strike    int64  `json:"strike"`
	Direction string `json:"direction"`
	Coverage  int64  `json:"coverage"`
	Funding   int64  `json:"funding"`
}

// handleInitializeProtection opens a self-service protection for the caller.
// Ownership is the caller identity itself, so there is nothing to authorize
// beyond the header.
func (s *Server) handleInitializeProtection(w http.ResponseWriter, r *http.Request) {
	const endpoint = "initialize_protection"

	caller, err := callerID(r)
	if err != nil {
		s.writeUnauthorized(w, endpoint, err.Error())
		return
	}

	var req initializeProtectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, endpoint, "malformed request body")
		return
	}
	requestID, err := parseRequestID(req.RequestID)
	if err != nil {
		s.writeBadRequest(w, endpoint, "malformed request_id")
		return
	}
	direction, err := event.ParseDirection(req.Direction)
	if err != nil {
		s.writeBadRequest(w, endpoint, err.Error())
		return
	}

	evt := &event.InitializeProtection{
		RequestID: requestID,
		Owner:     caller,
		Strike:    req.Strike,
		Direction: direction,
		Coverage:  req.Coverage,
		Funding:   req.Funding,
		Timestamp: time.Now(),
	}
	if err := s.deps.Submitter.Submit(r.Context(), evt); err != nil {
		s.writeDomainError(w, endpoint, err)
		return
	}

	record, _ := custody.ProtectionRecord(caller)
	vault, _ := custody.Vault(caller)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"protection": record.String(),
		"vault":      vault.String(),
		"request_id": requestID.String(),
		"status":     "applied",
	})
}

type liquidateProtectionRequest struct {
	RequestID   string `json:"request_id"`
	Observation struct {
		Feed          string `json:"feed"`
		Magnitude     int64  `json:"magnitude"`
		Exponent      int32  `json:"exponent"`
		PublishTimeUS int64  `json:"publish_time_us"`
	} `json:"observation"`
}

// handleLiquidateProtection claims a protection payout. Any caller may relay
// the claim; the payout destination is derived from the record's owner.
func (s *Server) handleLiquidateProtection(w http.ResponseWriter, r *http.Request) {
	const endpoint = "liquidate_protection"

	caller, err := callerID(r)
	if err != nil {
		s.writeUnauthorized(w, endpoint, err.Error())
		return
	}
	owner, err := uuid.Parse(r.PathValue("owner"))
	if err != nil {
		s.writeBadRequest(w, endpoint, "malformed owner")
		return
	}

	var req liquidateProtectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, endpoint, "malformed request body")
		return
	}
	requestID, err := parseRequestID(req.RequestID)
	if err != nil {
		s.writeBadRequest(w, endpoint, "malformed request_id")
		return
	}
	if req.Observation.Feed == "" {
		s.writeBadRequest(w, endpoint, "observation.feed is required")
		return
	}

	record, _ := custody.ProtectionRecord(owner)
	policy := record.String()

	unlock, err := s.acquireLock(r.Context(), policy)
	if err != nil {
		s.writeDomainError(w, endpoint, err)
		return
	}
	defer unlock()

	evt := &event.LiquidateProtection{
		RequestID: requestID,
		Caller:    caller,
		Policy:    policy,
		Observation: event.PriceObservation{
			Feed:        req.Observation.Feed,
			Magnitude:   req.Observation.Magnitude,
			Exponent:    req.Observation.Exponent,
			PublishTime: time.UnixMicro(req.Observation.PublishTimeUS),
		},
		Timestamp: time.Now(),
	}
	if err := s.deps.Submitter.Submit(r.Context(), evt); err != nil {
		s.writeDomainError(w, endpoint, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policy":     policy,
		"request_id": requestID.String(),
		"status":     "applied",
	})
}

type depositFundsRequest struct {
	DepositID string `json:"deposit_id"`
	Owner     string `json:"owner"`
	Asset     string `json:"asset"`
	Amount    int64  `json:"amount"`
}

func (s *Server) handleDepositFunds(w http.ResponseWriter, r *http.Request) {
	const endpoint = "deposit_funds"

	caller, err := callerID(r)
	if err != nil {
		s.writeUnauthorized(w, endpoint, err.Error())
		return
	}
	// Deposits mirror off-system funding confirmations. Only the program
	// authority may post them; an open faucet would let any caller mint
	// the balance every other precondition checks against.
	if caller != s.deps.Authority {
		s.writeDomainError(w, endpoint, fmt.Errorf("%w: caller %s may not confirm deposits", domain.ErrUnauthorized, caller))
		return
	}

	var req depositFundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, endpoint, "malformed request body")
		return
	}
	depositID, err := parseRequestID(req.DepositID)
	if err != nil {
		s.writeBadRequest(w, endpoint, "malformed deposit_id")
		return
	}
	owner := caller
	if req.Owner != "" {
		owner, err = uuid.Parse(req.Owner)
		if err != nil {
			s.writeBadRequest(w, endpoint, "malformed owner")
			return
		}
	}

	evt := &event.DepositFunds{
		DepositID: depositID,
		Owner:     owner,
		Asset:     req.Asset,
		Amount:    req.Amount,
		Timestamp: time.Now(),
	}
	if err := s.deps.Submitter.Submit(r.Context(), evt); err != nil {
		s.writeDomainError(w, endpoint, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deposit_id": depositID.String(),
		"status":     "applied",
	})
}

// --- Reads ---

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	const endpoint = "get_policy"

	authority, err := uuid.Parse(r.PathValue("authority"))
	if err != nil {
		s.writeBadRequest(w, endpoint, "malformed authority")
		return
	}
	nonce, err := strconv.ParseUint(r.PathValue("nonce"), 10, 64)
	if err != nil {
		s.writeBadRequest(w, endpoint, "malformed nonce")
		return
	}

	resp, err := s.deps.Query.GetPolicy(r.Context(), authority, nonce)
	if err != nil {
		s.writeDomainError(w, endpoint, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	const endpoint = "list_policies"

	var status *int32
	switch r.URL.Query().Get("status") {
	case "":
	case "inactive":
		v := int32(0)
		status = &v
	case "active":
		v := int32(1)
		status = &v
	default:
		s.writeBadRequest(w, endpoint, "status must be inactive or active")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeBadRequest(w, endpoint, err.Error())
		return
	}
	var afterNonce *uint64
	if v := r.URL.Query().Get("after_nonce"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeBadRequest(w, endpoint, "malformed after_nonce")
			return
		}
		afterNonce = &n
	}

	policies, err := s.deps.Query.ListPolicies(r.Context(), status, limit, afterNonce)
	if err != nil {
		s.writeDomainError(w, endpoint, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": policies,
		"count":    len(policies),
	})
}

func (s *Server) handleGetProtection(w http.ResponseWriter, r *http.Request) {
	const endpoint = "get_protection"

	owner, err := uuid.Parse(r.PathValue("owner"))
	if err != nil {
		s.writeBadRequest(w, endpoint, "malformed owner")
		return
	}

	resp, err := s.deps.Query.GetProtection(r.Context(), owner)
	if err != nil {
		s.writeDomainError(w, endpoint, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListProtections(w http.ResponseWriter, r *http.Request) {
	const endpoint = "list_protections"

	var claimed *bool
	if v := r.URL.Query().Get("claimed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeBadRequest(w, endpoint, "malformed claimed")
			return
		}
		claimed = &b
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeBadRequest(w, endpoint, err.Error())
		return
	}
	afterSeq, err := parseAfterSequence(r)
	if err != nil {
		s.writeBadRequest(w, endpoint, err.Error())
		return
	}

	protections, err := s.deps.Query.ListProtections(r.Context(), claimed, limit, afterSeq)
	if err != nil {
		s.writeDomainError(w, endpoint, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"protections": protections,
		"count":       len(protections),
	})
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	const endpoint = "get_balances"

	resp, err := s.deps.Query.GetBalances(r.Context(), r.PathValue("address"))
	if err != nil {
		s.writeDomainError(w, endpoint, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	const endpoint = "list_settlements"

	q := r.URL.Query()
	var policyID *string
	if v := q.Get("policy_id"); v != "" {
		policyID = &v
	}
	var kind *string
	if v := q.Get("kind"); v != "" {
		kind = &v
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeBadRequest(w, endpoint, err.Error())
		return
	}
	afterSeq, err := parseAfterSequence(r)
	if err != nil {
		s.writeBadRequest(w, endpoint, err.Error())
		return
	}

	settlements, err := s.deps.Query.ListSettlements(r.Context(), policyID, kind, limit, afterSeq)
	if err != nil {
		s.writeDomainError(w, endpoint, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"settlements": settlements,
		"count":       len(settlements),
	})
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	const endpoint = "get_price"

	// Feed symbols contain slashes (BTC/USD), hence the trailing wildcard.
	feed := r.PathValue("feed")
	if feed == "" {
		s.writeBadRequest(w, endpoint, "feed is required")
		return
	}

	resp, err := s.deps.Query.GetLatestPrice(r.Context(), feed)
	if err != nil {
		s.writeDomainError(w, endpoint, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJournalHistory(w http.ResponseWriter, r *http.Request) {
	const endpoint = "journal_history"

	limit, err := parseLimit(r)
	if err != nil {
		s.writeBadRequest(w, endpoint, err.Error())
		return
	}
	afterSeq, err := parseAfterSequence(r)
	if err != nil {
		s.writeBadRequest(w, endpoint, err.Error())
		return
	}

	entries, err := s.deps.Query.GetJournalHistory(r.Context(), r.PathValue("address"), limit, afterSeq)
	if err != nil {
		s.writeDomainError(w, endpoint, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	const endpoint = "verify_integrity"

	report, err := s.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeDomainError(w, endpoint, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Quoting ---

type quoteRequest struct {
	Strike       *float64 `json:"strike"`
	Amount       float64  `json:"amount"`
	OptionType   string   `json:"option_type"`
	ExpiryDate   string   `json:"expiry_date"`
	Spot         *float64 `json:"spot"`
	Volatility   *float64 `json:"volatility"`
	RiskFreeRate *float64 `json:"risk_free_rate"`
	PaymentAsset string   `json:"payment_asset"`
}

type quoteResponse struct {
	Premium          float64 `json:"premium"`
	OptionPrice      float64 `json:"option_price"`
	Strike           float64 `json:"strike"`
	Spot             float64 `json:"spot"`
	DaysToExpiry     int     `json:"days_to_expiry"`
	Volatility       float64 `json:"volatility"`
	RiskFreeRate     float64 `json:"risk_free_rate"`
	PaymentAsset     string  `json:"payment_asset"`
	PremiumBaseUnits int64   `json:"premium_base_units"`
}

// handleQuote prices coverage without touching ledger state. Coverage is
// always priced as a protective put regardless of the echoed option_type; the
// strike defaults to 90% of spot and the spot to the configured oracle feed's
// latest reading.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	const endpoint = "quote"

	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, endpoint, "malformed request body")
		return
	}
	if req.Amount <= 0 {
		s.writeDomainError(w, endpoint, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidAmount))
		return
	}

	paymentAsset := req.PaymentAsset
	if paymentAsset == "" {
		paymentAsset = "USDC"
	}
	assetID, ok := ledger.GetAssetID(paymentAsset)
	if !ok {
		s.writeBadRequest(w, endpoint, fmt.Sprintf("unknown payment asset %q", paymentAsset))
		return
	}
	decimals, _ := ledger.GetAssetDecimals(assetID)

	var spot float64
	if req.Spot != nil {
		spot = *req.Spot
	} else {
		price, err := s.deps.Query.GetLatestPrice(r.Context(), s.deps.OracleFeed)
		if err != nil {
			s.writeDomainError(w, endpoint, err)
			return
		}
		spot = float64(price.Magnitude) * math.Pow(10, float64(price.Exponent))
	}
	if spot <= 0 {
		s.writeDomainError(w, endpoint, fmt.Errorf("%w: spot must be positive", domain.ErrInvalidAmount))
		return
	}

	strike := spot * 0.9
	if req.Strike != nil {
		strike = *req.Strike
	}
	if strike <= 0 {
		s.writeDomainError(w, endpoint, fmt.Errorf("%w: strike must be positive", domain.ErrInvalidAmount))
		return
	}

	days := s.deps.Quote.DaysToExpiry
	if req.ExpiryDate != "" {
		expiry, err := time.Parse("2006-01-02", req.ExpiryDate)
		if err != nil {
			s.writeBadRequest(w, endpoint, "expiry_date must be YYYY-MM-DD")
			return
		}
		today := time.Now().UTC().Truncate(24 * time.Hour)
		days = int(expiry.Sub(today).Hours() / 24)
		if days < 0 {
			s.writeDomainError(w, endpoint, fmt.Errorf("%w: expiry_date is in the past", domain.ErrInvalidAmount))
			return
		}
	}

	volatility := s.deps.Quote.Volatility
	if req.Volatility != nil {
		volatility = *req.Volatility
	}
	rate := s.deps.Quote.RiskFreeRate
	if req.RiskFreeRate != nil {
		rate = *req.RiskFreeRate
	}

	optionPrice := pmath.BlackScholes(spot, strike, days, rate, volatility, pmath.SidePut)
	premium := pmath.InsurancePremium(optionPrice, req.Amount, spot, volatility, days)

	writeJSON(w, http.StatusOK, quoteResponse{
		Premium:          premium,
		OptionPrice:      optionPrice,
		Strike:           strike,
		Spot:             spot,
		DaysToExpiry:     days,
		Volatility:       volatility,
		RiskFreeRate:     rate,
		PaymentAsset:     paymentAsset,
		PremiumBaseUnits: int64(math.Round(premium * math.Pow(10, float64(decimals)))),
	})
}

// --- Query param helpers ---

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 50, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > 500 {
		n = 500
	}
	return n, nil
}

func parseAfterSequence(r *http.Request) (*int64, error) {
	v := r.URL.Query().Get("after_sequence")
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, errors.New("malformed after_sequence")
	}
	return &n, nil
}
