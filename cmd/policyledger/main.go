package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	s3blob "PolicyLedger/internal/blob/s3"
	cacheredis "PolicyLedger/internal/cache/redis"
	"PolicyLedger/internal/config"
	"PolicyLedger/internal/core"
	"PolicyLedger/internal/custody"
	"PolicyLedger/internal/event"
	"PolicyLedger/internal/ingestion"
	"PolicyLedger/internal/ledger"
	"PolicyLedger/internal/observability"
	"PolicyLedger/internal/persistence"
	"PolicyLedger/internal/policy"
	"PolicyLedger/internal/projection"
	"PolicyLedger/internal/query"
	"PolicyLedger/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Component loggers read their level from the environment.
	os.Setenv("POLICY_LOG_LEVEL", strings.ToLower(cfg.LogLevel))
	log := observability.NewLogger("main")

	authority, err := cfg.AuthorityID()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid authority")
	}

	log.Info().Msg("PolicyLedger starting")

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime.Duration)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("Postgres connected")

	if cfg.Postgres.RunMigrations {
		migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir)
		if err := migrator.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("run migrations")
		}
		log.Info().Msg("migrations applied")
	}

	snapMgr := persistence.NewSnapshotManager(db)

	// --- Recovery: load snapshot + replay ---
	startSequence := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("snapshot load failed")
	}
	if snap != nil {
		startSequence = snap.Sequence + 1
		log.Info().Int64("sequence", snap.Sequence).Msg("loaded snapshot")
	} else {
		log.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	// --- Channels ---
	// The persist channel blocks (backpressure); the projection channel drops.
	persistCoreChan := make(chan core.CoreOutput, cfg.Core.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.Core.ProjectionChanSize)

	// Bridge channels for the workers (avoids an import cycle with core)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.Core.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.Core.ProjectionChanSize)

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Deterministic core ---
	keyring := custody.NewKeyring([]byte(cfg.Ledger.KeyringSecret))

	deterministicCore := core.NewDeterministicCore(
		core.Params{
			Authority:           authority,
			RentDeposit:         cfg.Ledger.RentDeposit,
			OracleFeed:          cfg.Oracle.Feed,
			MaxPriceAge:         cfg.Oracle.MaxPriceAge.Duration,
			Keyring:             keyring,
			IdempotencyCapacity: cfg.Core.IdempotencyLRUCapacity,
		},
		startSequence,
		persistCoreChan,
		projectionCoreChan,
		dbChecker,
		metrics,
	)

	// --- Snapshot restore + LRU warming ---
	if snap != nil {
		restoreStateFromSnapshot(log, deterministicCore, snap)
		if len(snap.IdempotencyKeys) > 0 {
			log.Info().Int("keys", len(snap.IdempotencyKeys)).Msg("warming idempotency LRU from snapshot")
			deterministicCore.WarmLRU(snap.IdempotencyKeys)
		}
	}

	// --- Event replay ---
	replayCount, err := replayEventsFromLog(ctx, log, snapMgr, deterministicCore, startSequence, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("event replay failed")
	}
	if replayCount > 0 {
		log.Info().
			Int64("events", replayCount).
			Int64("sequence", deterministicCore.GetSequence()).
			Msg("replay complete")
	}

	// --- State hash verification ---
	// Replay verifies the chain tip against the log as it goes; when nothing
	// was replayed the restored hash is checked against the snapshot instead.
	if snap != nil && replayCount == 0 {
		var expected [32]byte
		copy(expected[:], snap.StateHash)
		if actual := deterministicCore.GetStateHash(); actual != expected {
			log.Fatal().
				Str("expected", hex.EncodeToString(expected[:])).
				Str("actual", hex.EncodeToString(actual[:])).
				Msg("state hash mismatch after snapshot restore")
		}
		log.Info().Msg("state hash verified after snapshot restore")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	log.Info().Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure NATS streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawEventChan := make(chan ingestion.RawEvent, 4096)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, metrics)
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	publishChan := make(chan ingestion.PublishableEvent, 4096)
	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan)

	// Single submission channel: NATS ingest and the HTTP API both feed the
	// core through it, so exactly one goroutine touches the core.
	submitChan := make(chan ingestion.Submission, 4096)
	submitter := ingestion.NewSubmitter(submitChan)

	// --- Redis lock manager ---
	redisClient, err := cacheredis.New(ctx, cacheredis.ClientConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect")
	}
	defer redisClient.Close()
	lockManager := cacheredis.NewLockManager(redisClient)
	log.Info().Msg("Redis connected")

	// --- S3 event archiver (optional) ---
	var archiveChan chan s3blob.Record
	if cfg.S3.Enabled {
		blobClient, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("s3 client")
		}
		if err := blobClient.Health(ctx); err != nil {
			log.Warn().Err(err).Msg("s3 bucket unreachable, archiver will retry")
		}
		archiveChan = make(chan s3blob.Record, 4096)
		archiver := s3blob.NewArchiver(blobClient, archiveChan, metrics)
		go archiver.Run(ctx)
		log.Info().Str("bucket", cfg.S3.Bucket).Msg("event archiver enabled")
	}

	// --- HTTP API ---
	queryService := query.NewQueryService(db)

	httpServer := server.NewServer(cfg.Server.HTTPAddr, &server.Deps{
		Query:     queryService,
		Submitter: submitter,
		Locks:     lockManager,
		Metrics:   metrics,
		Health:    healthChecker,
		Quote: server.QuoteDefaults{
			DaysToExpiry: cfg.Quote.DaysToExpiry,
			Volatility:   cfg.Quote.Volatility,
			RiskFreeRate: cfg.Quote.RiskFreeRate,
		},
		OracleFeed: cfg.Oracle.Feed,
		Authority:  authority,
	})

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// 1. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.Core.PersistBatchSize, cfg.Core.PersistFlushTimeout.Duration, metrics)
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	// 2. Projection worker
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, metrics)
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	// 3. Outbound publisher
	go func() {
		errChan <- outboundPublisher.Run(ctx)
	}()

	// 4. Core output bridge: core.CoreOutput → worker input formats
	go bridgeCoreOutputs(ctx, metrics, persistCoreChan, projectionCoreChan, persistWorkerChan, projectionWorkerChan, publishChan, archiveChan)

	// 5. NATS → submission channel
	go runNATSIngestLoop(ctx, rawEventChan, submitChan)

	// 6. Core loop — the only goroutine that touches the deterministic core
	go runCoreLoop(ctx, submitChan, deterministicCore, metrics)

	// 7. HTTP API
	go func() {
		errChan <- httpServer.Run(ctx)
	}()

	// 8. Periodic snapshots
	go runPeriodicSnapshots(ctx, log, deterministicCore, snapMgr, cfg.Core.SnapshotInterval, metrics)

	// 9. Prometheus metrics server
	go func() {
		errChan <- runMetricsServer(ctx, cfg.Server.MetricsAddr, log)
	}()

	// 10. Channel depth gauges
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetChannelMetrics("persist", len(persistCoreChan), cap(persistCoreChan))
				metrics.SetChannelMetrics("projection", len(projectionCoreChan), cap(projectionCoreChan))
				metrics.SetChannelMetrics("submit", len(submitChan), cap(submitChan))
				metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
			}
		}
	}()

	healthChecker.SetReady(true)

	log.Info().
		Int64("sequence", deterministicCore.GetSequence()).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("PolicyLedger ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)
	cancel()

	natsSubscriber.Stop()

	// The bridge owns the worker channels and closes them on exit; the workers
	// flush their final batches on close. Give that pipeline bounded time,
	// then capture the final snapshot.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := takeSnapshot(shutdownCtx, deterministicCore, snapMgr, metrics); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else {
		log.Info().Msg("final snapshot saved")
	}

	log.Info().Msg("shutdown complete")
}

// runCoreLoop drains the submission channel into the deterministic core.
// Submissions with a reply channel get the verdict back (synchronous API
// callers); fire-and-forget submissions log rejections instead.
func runCoreLoop(ctx context.Context, submitChan <-chan ingestion.Submission, deterministicCore *core.DeterministicCore, metrics *observability.Metrics) {
	log := observability.NewLogger("core_loop")

	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-submitChan:
			err := deterministicCore.ProcessEvent(sub.Event)

			if sub.Reply != nil {
				sub.Reply <- err
			} else if err != nil {
				log.Error().
					Err(err).
					Str("event_type", sub.Event.EventType().String()).
					Str("idempotency_key", sub.Event.IdempotencyKey()).
					Msg("event rejected")
			}

			if metrics != nil && !sub.Received.IsZero() {
				metrics.IngestToApply.
					WithLabelValues(sub.Event.EventType().String()).
					Observe(time.Since(sub.Received).Seconds())
			}
		}
	}
}

// runNATSIngestLoop parses raw NATS messages into typed events and forwards
// them to the submission channel. Messages are acked after the channel
// handoff, not after core processing, so slow processing cannot blow the
// AckWait window; backpressure propagates by blocking on the send.
func runNATSIngestLoop(ctx context.Context, rawChan <-chan ingestion.RawEvent, submitChan chan<- ingestion.Submission) {
	log := observability.NewLogger("ingest")

	// Subject-prefix → event-type lookup, built from the subscription table.
	subjectToType := make(map[string]string)
	for _, sc := range ingestion.DefaultSubjects() {
		subjectToType[strings.TrimSuffix(sc.Subject, ".>")] = sc.EventType
	}

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			eventType := resolveEventType(raw.Subject, subjectToType)
			if eventType == "" {
				log.Warn().Str("subject", raw.Subject).Msg("unknown subject")
				raw.AckFunc() // Ack so it is not redelivered
				continue
			}

			evt, err := ingestion.ParseRawEvent(raw, eventType)
			if err != nil {
				log.Warn().Err(err).Str("subject", raw.Subject).Msg("unparseable event")
				raw.AckFunc() // Malformed payloads are acked, never retried
				continue
			}

			select {
			case submitChan <- ingestion.Submission{Event: evt, Received: raw.Timestamp}:
				raw.AckFunc()
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}

// resolveEventType maps a NATS subject to its event type by longest matching
// prefix.
func resolveEventType(subject string, prefixMap map[string]string) string {
	bestLen := 0
	bestType := ""
	for prefix, evtType := range prefixMap {
		if strings.HasPrefix(subject, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			bestType = evtType
		}
	}
	return bestType
}

// bridgeCoreOutputs converts core.CoreOutput into the persistence, projection,
// publish, and archive input formats. Keeping the conversion here avoids an
// import cycle between core and the worker packages. The bridge is the sole
// sender on its output channels and closes them on exit so the workers flush
// and stop.
func bridgeCoreOutputs(
	ctx context.Context,
	metrics *observability.Metrics,
	persistIn, projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	archiveOut chan<- s3blob.Record,
) {
	defer func() {
		close(persistOut)
		close(projectionOut)
		close(publishOut)
		if archiveOut != nil {
			close(archiveOut)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				return
			}

			pOutput := persistence.CoreOutput{
				EventRow:  toEventRow(output.Envelope),
				EmittedAt: time.Now(),
			}
			if output.Batch != nil {
				pOutput.JournalRows = toJournalRows(output.Batch)
			}

			select {
			case persistOut <- pOutput:
			case <-ctx.Done():
				return
			}

			// Outbound publish is best-effort and drops when full
			select {
			case publishOut <- ingestion.PublishableEvent{
				Sequence:       output.Envelope.Sequence,
				EventType:      output.Envelope.EventType.String(),
				IdempotencyKey: output.Envelope.IdempotencyKey,
				PolicyID:       copyPolicyID(output.Envelope.PolicyID),
				Payload:        json.RawMessage(output.Envelope.Payload),
				StateHash:      output.Envelope.StateHash[:],
				Timestamp:      output.Envelope.Timestamp,
			}:
			default:
				if metrics != nil {
					metrics.PublishDrops.Inc()
				}
			}

			if archiveOut != nil {
				select {
				case archiveOut <- s3blob.Record{
					Sequence:       output.Envelope.Sequence,
					EventType:      output.Envelope.EventType.String(),
					IdempotencyKey: output.Envelope.IdempotencyKey,
					PolicyID:       copyPolicyID(output.Envelope.PolicyID),
					Payload:        json.RawMessage(output.Envelope.Payload),
					StateHash:      hex.EncodeToString(output.Envelope.StateHash[:]),
					Timestamp:      output.Envelope.Timestamp,
				}:
				default:
					// Postgres is canonical; archive gaps are acceptable
				}
			}

		case output, ok := <-projectionIn:
			if !ok {
				return
			}

			pOutput := projection.ProjectionOutput{
				Sequence:  output.Envelope.Sequence,
				EventType: output.Envelope.EventType.String(),
				PolicyID:  copyPolicyID(output.Envelope.PolicyID),
				Payload:   output.Envelope.Payload,
				Timestamp: output.Envelope.Timestamp.UnixMicro(),
			}
			if output.Batch != nil {
				for _, j := range output.Batch.Journals {
					pOutput.JournalEntries = append(pOutput.JournalEntries, projection.JournalEntry{
						JournalID:     j.JournalID.String(),
						DebitAccount:  j.DebitAccount.AccountPath(),
						CreditAccount: j.CreditAccount.AccountPath(),
						AssetID:       uint16(j.AssetID),
						Amount:        j.Amount,
						JournalType:   int32(j.JournalType),
					})
				}
			}

			select {
			case projectionOut <- pOutput:
			default:
				// Projections rebuild from the event log if they fall behind
			}
		}
	}
}

func toEventRow(env *event.EventEnvelope) persistence.EventRow {
	return persistence.EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		PolicyID:       copyPolicyID(env.PolicyID),
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
}

func toJournalRows(batch *ledger.Batch) []persistence.JournalRow {
	rows := make([]persistence.JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		rows = append(rows, persistence.JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			AssetID:       uint16(j.AssetID),
			Amount:        j.Amount,
			JournalType:   int32(j.JournalType),
			Auth:          authBytes(j.Auth),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

func authBytes(auth *custody.Authorization) []byte {
	if auth == nil {
		return nil
	}
	sig := make([]byte, len(auth.Sig))
	copy(sig, auth.Sig[:])
	return sig
}

func copyPolicyID(id *string) *string {
	if id == nil {
		return nil
	}
	s := *id
	return &s
}

// --- Snapshot restore & replay ---

// restoreStateFromSnapshot converts persistence.SnapshotData into
// core.SnapshotState and restores the core's in-memory state. Rows that fail
// to convert are skipped with a warning rather than aborting the restart.
func restoreStateFromSnapshot(log zerolog.Logger, deterministicCore *core.DeterministicCore, snap *persistence.SnapshotData) {
	coreSnap := &core.SnapshotState{
		Sequence:        snap.Sequence,
		Balances:        make(map[ledger.AccountKey]int64, len(snap.Balances)),
		Feeds:           make(map[string]*policy.FeedState, len(snap.Feeds)),
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
	}
	copy(coreSnap.StateHash[:], snap.StateHash)

	for path, balance := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("skip unparseable balance path")
			continue
		}
		coreSnap.Balances[key] = balance
	}

	for _, ps := range snap.Policies {
		record, err := policyFromSnapshot(ps)
		if err != nil {
			log.Warn().Err(err).Str("address", ps.Address).Msg("skip unparseable policy record")
			continue
		}
		coreSnap.Policies = append(coreSnap.Policies, record)
	}

	for _, ps := range snap.Protections {
		record, err := protectionFromSnapshot(ps)
		if err != nil {
			log.Warn().Err(err).Str("address", ps.Address).Msg("skip unparseable protection record")
			continue
		}
		coreSnap.Protections = append(coreSnap.Protections, record)
	}

	for feed, fs := range snap.Feeds {
		coreSnap.Feeds[feed] = &policy.FeedState{
			Magnitude:    fs.Magnitude,
			Exponent:     fs.Exponent,
			PublishTime:  fs.PublishTime,
			FeedSequence: fs.FeedSequence,
		}
	}

	deterministicCore.RestoreFromSnapshot(coreSnap)
	log.Info().Int64("sequence", snap.Sequence).Msg("restored in-memory state from snapshot")
}

func policyFromSnapshot(ps persistence.PolicySnapshot) (*policy.Policy, error) {
	authority, err := uuid.Parse(ps.Authority)
	if err != nil {
		return nil, fmt.Errorf("authority: %w", err)
	}
	payoutWallet, err := uuid.Parse(ps.PayoutWallet)
	if err != nil {
		return nil, fmt.Errorf("payout_wallet: %w", err)
	}
	address, err := custody.ParseAddress(ps.Address)
	if err != nil {
		return nil, fmt.Errorf("address: %w", err)
	}

	return &policy.Policy{
		Authority:    authority,
		Nonce:        ps.Nonce,
		Strike:       ps.Strike,
		Expiry:       ps.Expiry,
		Underlying:   event.Underlying(ps.Underlying),
		OptionType:   event.OptionType(ps.OptionType),
		Coverage:     ps.Coverage,
		Premium:      ps.Premium,
		PayoutWallet: payoutWallet,
		PaymentAsset: ledger.AssetID(ps.PaymentAsset),
		Status:       policy.PolicyStatus(ps.Status),
		Address:      address,
		Salt:         ps.Salt,
		Version:      ps.Version,
	}, nil
}

func protectionFromSnapshot(ps persistence.ProtectionSnapshot) (*policy.Protection, error) {
	owner, err := uuid.Parse(ps.Owner)
	if err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	address, err := custody.ParseAddress(ps.Address)
	if err != nil {
		return nil, fmt.Errorf("address: %w", err)
	}
	vault, err := custody.ParseAddress(ps.Vault)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	return &policy.Protection{
		Owner:      owner,
		Strike:     ps.Strike,
		Direction:  event.Direction(ps.Direction),
		Coverage:   ps.Coverage,
		Claimed:    ps.Claimed,
		Address:    address,
		RecordSalt: ps.RecordSalt,
		Vault:      vault,
		VaultSalt:  ps.VaultSalt,
		Version:    ps.Version,
	}, nil
}

// replayEventsFromLog replays persisted events through the core in replay
// mode: state, sequence, and the hash chain advance, but nothing is
// re-emitted. Stored payloads are the envelope's JSON-marshaled event, so
// they decode directly into typed events. The recomputed chain tip is checked
// against the last replayed row — a mismatch means the log and the core
// disagree, and starting would fork the chain.
func replayEventsFromLog(
	ctx context.Context,
	log zerolog.Logger,
	snapMgr *persistence.SnapshotManager,
	deterministicCore *core.DeterministicCore,
	fromSequence int64,
	metrics *observability.Metrics,
) (int64, error) {
	const batchSize = 1000
	start := time.Now()

	var totalReplayed int64
	var lastSeq int64
	var lastHash []byte

	deterministicCore.BeginReplay()
	defer deterministicCore.EndReplay()

	for {
		events, err := snapMgr.LoadEventsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return totalReplayed, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(events) == 0 {
			break
		}

		for _, row := range events {
			evt, err := event.DecodePayload(row.EventType, row.Payload)
			if err != nil {
				return totalReplayed, fmt.Errorf("decode event seq %d type %s: %w", row.Sequence, row.EventType, err)
			}

			if err := deterministicCore.ProcessEvent(evt); err != nil {
				return totalReplayed, fmt.Errorf("replay event seq %d type %s: %w", row.Sequence, row.EventType, err)
			}

			totalReplayed++
			lastSeq = row.Sequence
			lastHash = row.StateHash
			if metrics != nil {
				metrics.ReplayEventsTotal.Inc()
			}
		}

		fromSequence = events[len(events)-1].Sequence + 1
	}

	if totalReplayed > 0 && len(lastHash) > 0 {
		var expected [32]byte
		copy(expected[:], lastHash)
		if actual := deterministicCore.GetStateHash(); actual != expected {
			return totalReplayed, fmt.Errorf("state hash mismatch after replay at seq %d: expected %x, got %x",
				lastSeq, expected, actual)
		}
		log.Info().Int64("sequence", lastSeq).Msg("replayed chain tip matches event log")
	}

	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}

	return totalReplayed, nil
}

// --- Snapshot helpers ---

// runPeriodicSnapshots takes a snapshot whenever the core has advanced
// `interval` events past the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	log zerolog.Logger,
	deterministicCore *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
) {
	lastSnapshotSeq := deterministicCore.GetSequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := deterministicCore.GetSequence()
			if currentSeq-lastSnapshotSeq >= interval {
				if err := takeSnapshot(ctx, deterministicCore, snapMgr, metrics); err != nil {
					log.Warn().Err(err).Msg("periodic snapshot failed")
				} else {
					lastSnapshotSeq = currentSeq
					log.Info().Int64("sequence", currentSeq).Msg("periodic snapshot taken")
				}
			}
		}
	}
}

// takeSnapshot captures the core's in-memory state and persists it.
//
// The snapshot is taken from the live core without pausing it, so it can be
// a few events behind the chain tip by the time it lands; restart replays
// the gap from the event log.
func takeSnapshot(
	ctx context.Context,
	deterministicCore *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	coreSnap := deterministicCore.CreateSnapshotState()

	snapData := &persistence.SnapshotData{
		Sequence:        coreSnap.Sequence,
		StateHash:       coreSnap.StateHash[:],
		Balances:        make(map[string]int64, len(coreSnap.Balances)),
		Policies:        make([]persistence.PolicySnapshot, 0, len(coreSnap.Policies)),
		Protections:     make([]persistence.ProtectionSnapshot, 0, len(coreSnap.Protections)),
		Feeds:           make(map[string]persistence.FeedSnap, len(coreSnap.Feeds)),
		SequenceState:   coreSnap.SequenceState,
		IdempotencyKeys: coreSnap.IdempotencyKeys,
		CreatedAt:       time.Now(),
	}

	for key, balance := range coreSnap.Balances {
		snapData.Balances[key.AccountPath()] = balance
	}

	for _, record := range coreSnap.Policies {
		snapData.Policies = append(snapData.Policies, persistence.PolicySnapshot{
			Authority:    record.Authority.String(),
			Nonce:        record.Nonce,
			Strike:       record.Strike,
			Expiry:       record.Expiry,
			Underlying:   int32(record.Underlying),
			OptionType:   int32(record.OptionType),
			Coverage:     record.Coverage,
			Premium:      record.Premium,
			PayoutWallet: record.PayoutWallet.String(),
			PaymentAsset: uint16(record.PaymentAsset),
			Status:       int32(record.Status),
			Address:      record.Address.String(),
			Salt:         record.Salt,
			Version:      record.Version,
		})
	}

	for _, record := range coreSnap.Protections {
		snapData.Protections = append(snapData.Protections, persistence.ProtectionSnapshot{
			Owner:      record.Owner.String(),
			Strike:     record.Strike,
			Direction:  int32(record.Direction),
			Coverage:   record.Coverage,
			Claimed:    record.Claimed,
			Address:    record.Address.String(),
			RecordSalt: record.RecordSalt,
			Vault:      record.Vault.String(),
			VaultSalt:  record.VaultSalt,
			Version:    record.Version,
		})
	}

	for feed, fs := range coreSnap.Feeds {
		snapData.Feeds[feed] = persistence.FeedSnap{
			Magnitude:    fs.Magnitude,
			Exponent:     fs.Exponent,
			PublishTime:  fs.PublishTime,
			FeedSequence: fs.FeedSequence,
		}
	}

	size, err := snapMgr.SaveSnapshot(ctx, snapData)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	// Verified immediately — it came from live state, not crash recovery
	if err := snapMgr.MarkVerified(ctx, snapData.Sequence); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotLastSeq.Set(float64(snapData.Sequence))
		metrics.SnapshotSizeBytes.Set(float64(size))
	}

	return nil
}

// runMetricsServer serves Prometheus metrics until the context ends.
func runMetricsServer(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
