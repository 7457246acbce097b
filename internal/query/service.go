package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"PolicyLedger/internal/custody"
	"PolicyLedger/internal/domain"
	"PolicyLedger/internal/event"
	"PolicyLedger/internal/ledger"
	pmath "PolicyLedger/internal/math"
	"PolicyLedger/internal/policy"
)

// QueryService provides read-only access to the projection tables. Every
// response carries as_of_sequence — the watermark of the projection worker —
// so callers can reason about freshness against the core sequence.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetPolicy returns the live authority-mediated policy derived from
// (authority, nonce). Closed policies are deleted from the projection, so a
// closed or never-created pair both surface NotFound.
func (qs *QueryService) GetPolicy(
	ctx context.Context,
	authority uuid.UUID,
	nonce uint64,
) (*PolicyResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	addr, _ := custody.PolicyRecord(authority, nonce)

	var (
		p          PolicyResponse
		underlying int32
		optionType int32
		status     int32
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT address, authority, nonce, strike, expiry, underlying, option_type,
		       coverage, premium, payout_wallet, payment_asset, status, version
		FROM projections.policies
		WHERE address = $1
	`, addr.String()).Scan(
		&p.Address, &p.Authority, &p.Nonce, &p.Strike, &p.Expiry, &underlying, &optionType,
		&p.Coverage, &p.Premium, &p.PayoutWallet, &p.PaymentAsset, &status, &p.Version,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("policy %s: %w", addr.Short(), domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	p.Underlying = event.Underlying(underlying).String()
	p.OptionType = event.OptionType(optionType).String()
	p.Status = policy.PolicyStatus(status).String()
	p.AsOfSequence = asOfSeq
	return &p, nil
}

// ListPolicies returns live policies, newest nonce first, with cursor-based
// pagination.
func (qs *QueryService) ListPolicies(
	ctx context.Context,
	status *int32,
	limit int,
	afterNonce *uint64,
) ([]PolicyResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT address, authority, nonce, strike, expiry, underlying, option_type,
		       coverage, premium, payout_wallet, payment_asset, status, version
		FROM projections.policies
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *status)
		argIdx++
	}

	if afterNonce != nil {
		query += fmt.Sprintf(" AND nonce < $%d", argIdx)
		args = append(args, int64(*afterNonce))
		argIdx++
	}

	query += " ORDER BY nonce DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []PolicyResponse
	for rows.Next() {
		var (
			p          PolicyResponse
			underlying int32
			optionType int32
			st         int32
		)
		if err := rows.Scan(
			&p.Address, &p.Authority, &p.Nonce, &p.Strike, &p.Expiry, &underlying, &optionType,
			&p.Coverage, &p.Premium, &p.PayoutWallet, &p.PaymentAsset, &st, &p.Version,
		); err != nil {
			return nil, err
		}
		p.Underlying = event.Underlying(underlying).String()
		p.OptionType = event.OptionType(optionType).String()
		p.Status = policy.PolicyStatus(st).String()
		p.AsOfSequence = asOfSeq
		policies = append(policies, p)
	}

	return policies, rows.Err()
}

// GetProtection returns the protection derived from the owner identity,
// claimed or not, along with its vault's projected balance.
func (qs *QueryService) GetProtection(
	ctx context.Context,
	owner uuid.UUID,
) (*ProtectionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	addr, _ := custody.ProtectionRecord(owner)

	var (
		p         ProtectionResponse
		direction int32
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT address, owner, strike, direction, coverage, claimed, vault, version
		FROM projections.protections
		WHERE address = $1
	`, addr.String()).Scan(
		&p.Address, &p.Owner, &p.Strike, &direction, &p.Coverage, &p.Claimed, &p.Vault, &p.Version,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("protection %s: %w", addr.Short(), domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	vaultAddr, parseErr := custody.ParseAddress(p.Vault)
	if parseErr == nil {
		vaultPath := ledger.NewVaultKey(vaultAddr).AccountPath()
		p.VaultBalance, err = qs.getProjectedBalance(ctx, vaultPath)
		if err != nil {
			return nil, err
		}
	}

	p.Direction = event.Direction(direction).String()
	p.AsOfSequence = asOfSeq
	return &p, nil
}

// ListProtections returns protection records with cursor-based pagination,
// most recently touched first.
func (qs *QueryService) ListProtections(
	ctx context.Context,
	claimed *bool,
	limit int,
	afterSequence *int64,
) ([]ProtectionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT address, owner, strike, direction, coverage, claimed, vault, version, last_sequence
		FROM projections.protections
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if claimed != nil {
		query += fmt.Sprintf(" AND claimed = $%d", argIdx)
		args = append(args, *claimed)
		argIdx++
	}

	if afterSequence != nil {
		query += fmt.Sprintf(" AND last_sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY last_sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var protections []ProtectionResponse
	for rows.Next() {
		var (
			p         ProtectionResponse
			direction int32
			lastSeq   int64
		)
		if err := rows.Scan(
			&p.Address, &p.Owner, &p.Strike, &direction, &p.Coverage, &p.Claimed,
			&p.Vault, &p.Version, &lastSeq,
		); err != nil {
			return nil, err
		}
		p.Direction = event.Direction(direction).String()
		p.AsOfSequence = asOfSeq
		protections = append(protections, p)
	}

	return protections, rows.Err()
}

// GetBalances returns every projected custody balance tied to one address:
// the wallet's per-asset accounts and, when the address owns a vault, the
// vault account.
func (qs *QueryService) GetBalances(
	ctx context.Context,
	address string,
) (*BalancesResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset_id, balance
		FROM projections.balances
		WHERE account_path LIKE 'wallet:' || $1 || ':%'
		   OR account_path LIKE 'vault:' || $1 || ':%'
		ORDER BY account_path
	`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &BalancesResponse{
		Address:      address,
		AsOfSequence: asOfSeq,
	}
	for rows.Next() {
		var e BalanceEntry
		if err := rows.Scan(&e.AccountPath, &e.AssetID, &e.Balance); err != nil {
			return nil, err
		}
		if name, ok := ledger.GetAssetName(ledger.AssetID(e.AssetID)); ok {
			e.Asset = name
		}
		resp.Balances = append(resp.Balances, e)
	}

	return resp, rows.Err()
}

// ListSettlements returns settlement history (premium, coverage, claim
// transfers) with cursor-based pagination, newest first.
func (qs *QueryService) ListSettlements(
	ctx context.Context,
	policyID *string,
	kind *string,
	limit int,
	afterSequence *int64,
) ([]SettlementResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT journal_id, sequence, kind, policy_id, debit_account, credit_account,
		       asset_id, amount, timestamp
		FROM projections.settlements
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if policyID != nil {
		query += fmt.Sprintf(" AND policy_id = $%d", argIdx)
		args = append(args, *policyID)
		argIdx++
	}

	if kind != nil {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, *kind)
		argIdx++
	}

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settlements []SettlementResponse
	for rows.Next() {
		var s SettlementResponse
		if err := rows.Scan(
			&s.JournalID, &s.Sequence, &s.Kind, &s.PolicyID,
			&s.DebitAccount, &s.CreditAccount, &s.AssetID, &s.Amount, &s.Timestamp,
		); err != nil {
			return nil, err
		}
		s.AsOfSequence = asOfSeq
		settlements = append(settlements, s)
	}

	return settlements, rows.Err()
}

// GetLatestPrice returns the latest projected observation for a feed.
func (qs *QueryService) GetLatestPrice(
	ctx context.Context,
	feed string,
) (*PriceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var p PriceResponse
	err = qs.db.QueryRowContext(ctx, `
		SELECT feed, magnitude, exponent, publish_time, feed_sequence
		FROM projections.prices
		WHERE feed = $1
	`, feed).Scan(&p.Feed, &p.Magnitude, &p.Exponent, &p.PublishTime, &p.FeedSequence)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("feed %s: %w", feed, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	normalized, err := pmath.NormalizePrice(p.Magnitude, p.Exponent)
	if err != nil {
		return nil, err
	}
	p.Normalized = normalized
	p.AsOfSequence = asOfSeq
	return &p, nil
}

// GetJournalHistory returns journal entries touching an address's custody
// accounts (wallet or vault legs) with pagination.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	address string,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	walletPrefix := fmt.Sprintf("wallet:%s:%%", address)
	vaultPrefix := fmt.Sprintf("vault:%s:%%", address)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1
		    OR debit_account LIKE $2 OR credit_account LIKE $2)
	`
	args := []interface{}{walletPrefix, vaultPrefix}
	argIdx := 3

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and the per-asset zero-sum
// invariant over the projected balances.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Check hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence, e1.prev_hash, e2.state_hash
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var prevHash, expectedHash []byte
		if err := rows.Scan(&seq, &prevHash, &expectedHash); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}

	// Check global balance (should sum to zero across all accounts per asset)
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) as total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID uint16
		var total int64
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}
