package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PolicyLedger/internal/custody"
	"PolicyLedger/internal/event"
	"PolicyLedger/internal/ledger"
	pmath "PolicyLedger/internal/math"
	"PolicyLedger/internal/observability"
)

// ProjectionOutput mirrors the data needed by the projection worker.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence       int64
	EventType      string
	PolicyID       *string
	Payload        []byte // JSON event payload from the envelope
	JournalEntries []JournalEntry
	Timestamp      int64 // Epoch microseconds, versioned input time
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	JournalID     string
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
}

// ProjectionWorker updates read-model tables from processed events: live
// policy and protection records, balances, settlement history, and latest
// prices. The projection channel is non-blocking with drop — if projections
// fall behind they can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop. The watermark is loaded first so
// replayed events below it are skipped — balance updates are deltas, and
// applying one twice would drift the read model.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	if err := pw.loadWatermark(ctx); err != nil {
		pw.log.Warn().Err(err).Msg("watermark load failed, starting from zero")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if output.Sequence <= pw.lastSeq {
				continue // Already projected (replay)
			}
			if pw.lastSeq > 0 && output.Sequence != pw.lastSeq+1 {
				pw.log.Warn().
					Int64("expected", pw.lastSeq+1).
					Int64("got", output.Sequence).
					Msg("projection gap — dropped outputs, rebuild recommended")
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				pw.log.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				// Continue — projections are eventually consistent
				// and can be rebuilt from the event log
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("main").Observe(time.Since(start).Seconds())
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) loadWatermark(ctx context.Context) error {
	var seq sql.NullInt64
	err := pw.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if seq.Valid {
		pw.lastSeq = seq.Int64
	}
	return nil
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := pw.updateRecordProjection(ctx, tx, output); err != nil {
		return fmt.Errorf("record projection: %w", err)
	}

	for _, j := range output.JournalEntries {
		if err := pw.updateBalanceProjection(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
		if err := pw.recordSettlement(ctx, tx, j, output); err != nil {
			return fmt.Errorf("settlement projection: %w", err)
		}
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	pw.recordLifecycleMetrics(output)
	return nil
}

// updateRecordProjection keeps projections.policies / protections / prices in
// step with the core's record state. Every output here was applied by the
// core, so the projection mirrors mutations without re-validating them.
func (pw *ProjectionWorker) updateRecordProjection(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	switch output.EventType {
	case "CreatePolicy":
		var evt event.CreatePolicy
		if err := json.Unmarshal(output.Payload, &evt); err != nil {
			return fmt.Errorf("decode CreatePolicy: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.policies
				(address, authority, nonce, strike, expiry, underlying, option_type,
				 coverage, premium, payout_wallet, payment_asset, status, version, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, 1, $12, NOW())
			ON CONFLICT (address) DO NOTHING
		`, output.PolicyID, evt.Caller.String(), int64(evt.Nonce), evt.Strike,
			evt.Expiry.UnixMicro(), int32(evt.Underlying), int32(evt.OptionType),
			evt.Coverage, evt.Premium, evt.PayoutWallet.String(), evt.PaymentAsset, output.Sequence)
		return err

	case "ActivatePolicy":
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.policies
			SET status = 1, version = version + 1, last_sequence = $2, updated_at = NOW()
			WHERE address = $1
		`, output.PolicyID, output.Sequence)
		return err

	case "ClosePolicy":
		// Closure deletes the live record; the settlement rows keep the history.
		_, err := tx.ExecContext(ctx, `
			DELETE FROM projections.policies WHERE address = $1
		`, output.PolicyID)
		return err

	case "InitializeProtection":
		var evt event.InitializeProtection
		if err := json.Unmarshal(output.Payload, &evt); err != nil {
			return fmt.Errorf("decode InitializeProtection: %w", err)
		}
		vault, _ := custody.Vault(evt.Owner)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.protections
				(address, owner, strike, direction, coverage, claimed, vault, version, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, FALSE, $6, 1, $7, NOW())
			ON CONFLICT (address) DO NOTHING
		`, output.PolicyID, evt.Owner.String(), evt.Strike,
			int32(evt.Direction), evt.Coverage, vault.String(), output.Sequence)
		return err

	case "LiquidateProtection":
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.protections
			SET claimed = TRUE, version = version + 1, last_sequence = $2, updated_at = NOW()
			WHERE address = $1
		`, output.PolicyID, output.Sequence)
		return err

	case "PriceUpdate":
		var evt event.PriceUpdate
		if err := json.Unmarshal(output.Payload, &evt); err != nil {
			return fmt.Errorf("decode PriceUpdate: %w", err)
		}
		// Same stale guard the in-core feed state applies.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.prices
				(feed, magnitude, exponent, publish_time, feed_sequence, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (feed) DO UPDATE
				SET magnitude = $2, exponent = $3, publish_time = $4,
				    feed_sequence = $5, last_sequence = $6, updated_at = NOW()
				WHERE projections.prices.feed_sequence < $5
		`, evt.Feed, evt.Magnitude, evt.Exponent, evt.PublishTime.UnixMicro(),
			evt.FeedSequence, output.Sequence)
		return err
	}

	return nil // DepositFunds touches balances only
}

// updateBalanceProjection applies one journal's delta. Debit receives, credit
// pays — the same convention as the in-core balance tracker.
func (pw *ProjectionWorker) updateBalanceProjection(ctx context.Context, tx *sql.Tx, j JournalEntry, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.DebitAccount, j.AssetID, j.Amount, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -$3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, j.CreditAccount, j.AssetID, j.Amount, seq); err != nil {
		return err
	}

	return nil
}

// recordSettlement appends value-transfer journals (premium, coverage, claim)
// to the settlement history. Rent and funding movements are operational and
// stay out of it.
func (pw *ProjectionWorker) recordSettlement(ctx context.Context, tx *sql.Tx, j JournalEntry, output ProjectionOutput) error {
	kind := settlementKind(j.JournalType)
	if kind == "" {
		return nil
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.settlements
			(journal_id, sequence, kind, policy_id, debit_account, credit_account, asset_id, amount, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (journal_id) DO NOTHING
	`, j.JournalID, output.Sequence, kind, output.PolicyID,
		j.DebitAccount, j.CreditAccount, j.AssetID, j.Amount, output.Timestamp)
	return err
}

func settlementKind(journalType int32) string {
	switch ledger.JournalType(journalType) {
	case ledger.JournalTypePremiumTransfer:
		return "premium"
	case ledger.JournalTypeCoveragePayout:
		return "coverage"
	case ledger.JournalTypeClaimPayout:
		return "claim"
	default:
		return ""
	}
}

func (pw *ProjectionWorker) recordLifecycleMetrics(output ProjectionOutput) {
	if pw.metrics == nil {
		return
	}

	switch output.EventType {
	case "CreatePolicy":
		pw.metrics.PoliciesCreated.Inc()

	case "ActivatePolicy":
		pw.metrics.PoliciesActivated.Inc()
		pw.metrics.PremiumCollected.Add(float64(sumByType(output.JournalEntries, ledger.JournalTypePremiumTransfer)))

	case "ClosePolicy":
		paid := sumByType(output.JournalEntries, ledger.JournalTypeCoveragePayout)
		outcome := "simple"
		if paid > 0 {
			outcome = "payout"
			pw.metrics.CoveragePaid.Add(float64(paid))
		}
		pw.metrics.PoliciesClosed.WithLabelValues(outcome).Inc()

	case "InitializeProtection":
		pw.metrics.ProtectionsInitialized.Inc()

	case "LiquidateProtection":
		pw.metrics.ClaimsPaid.Inc()
		pw.metrics.ClaimVolume.Add(float64(sumByType(output.JournalEntries, ledger.JournalTypeClaimPayout)))

	case "PriceUpdate":
		var evt event.PriceUpdate
		if err := json.Unmarshal(output.Payload, &evt); err != nil {
			return
		}
		pw.metrics.FeedUpdates.WithLabelValues(evt.Feed).Inc()
		if price, err := pmath.NormalizePrice(evt.Magnitude, evt.Exponent); err == nil {
			pw.metrics.OraclePrice.WithLabelValues(evt.Feed).Set(float64(price))
		}
		pw.metrics.OracleAge.WithLabelValues(evt.Feed).Set(time.Since(evt.PublishTime).Seconds())
	}
}

func sumByType(journals []JournalEntry, jt ledger.JournalType) int64 {
	var total int64
	for _, j := range journals {
		if ledger.JournalType(j.JournalType) == jt {
			total += j.Amount
		}
	}
	return total
}

// RebuildProjections rebuilds the SQL-derivable projections from the event
// log: balances and settlements aggregate straight from event_log.journal.
// Record tables (policies, protections, prices) repopulate through the
// normal worker path when the orchestrator replays the log.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	log := observability.NewLogger("projection")

	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.policies`,
		`TRUNCATE projections.protections`,
		`TRUNCATE projections.settlements`,
		`TRUNCATE projections.prices`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debit legs add, credit legs subtract — core convention.
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			asset_id,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY debit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			asset_id,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY credit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.settlements
			(journal_id, sequence, kind, policy_id, debit_account, credit_account, asset_id, amount, timestamp)
		SELECT
			j.journal_id, j.sequence,
			CASE j.journal_type WHEN 3 THEN 'premium' WHEN 4 THEN 'coverage' WHEN 6 THEN 'claim' END,
			e.policy_id, j.debit_account, j.credit_account, j.asset_id, j.amount, j.timestamp
		FROM event_log.journal j
		JOIN event_log.events e ON e.sequence = j.sequence
		WHERE j.journal_type IN (3, 4, 6)
		ON CONFLICT (journal_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("rebuild settlements: %w", err)
	}

	log.Info().Msg("projection rebuild complete")
	return nil
}
