// Package settlement drives the transfer of allocated assets to winning bidders.
//
// A run walks processing → signing → broadcasting → marking → complete. Each
// transfer is independent: a failure to sign or broadcast one bid never blocks
// the others, and only successfully broadcast transfers are marked settled.
// Only one run per auction executes at a time.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/dutchclear/internal/domain"
	"github.com/alejandrodnm/dutchclear/internal/ports"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency = 4
	defaultStepTimeout = 30 * time.Second
	// Runs conservados en memoria por subasta cuando no hay AuditLog persistente.
	maxRetainedRuns = 20
)

// Config controls a settlement run.
type Config struct {
	// Concurrency bounds parallel sign and broadcast calls.
	Concurrency int
	// StepTimeout bounds each sign, broadcast and confirmation call.
	StepTimeout time.Duration
	// Confirmations > 0 waits for that many confirmations before marking.
	Confirmations int64
}

func (c *Config) setDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = defaultStepTimeout
	}
}

// Confirmer waits for a broadcast tx to reach a confirmation depth.
type Confirmer interface {
	WaitForConfirmation(ctx context.Context, txID string, minConfirmations int64) (domain.TxStatus, error)
}

// AddressValidator checks transfer destinations before building payloads.
type AddressValidator interface {
	ValidateAddress(addr string) error
}

// Orchestrator runs settlements.
type Orchestrator struct {
	ledger    ports.Ledger
	signer    ports.TransferSigner
	indexer   ports.ChainIndexer
	confirmer Confirmer
	validator AddressValidator
	audit     ports.AuditLog
	metrics   ports.Metrics
	cfg       Config
	now       func() time.Time

	mu      sync.Mutex
	running map[string]*domain.SettlementRun
	history map[string][]domain.SettlementRun
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfirmer enables the confirmation wait when Config.Confirmations > 0.
func WithConfirmer(c Confirmer) Option {
	return func(o *Orchestrator) { o.confirmer = c }
}

// WithAddressValidator rejects malformed destinations at build time.
func WithAddressValidator(v AddressValidator) Option {
	return func(o *Orchestrator) { o.validator = v }
}

// WithAuditLog persists every finished run.
func WithAuditLog(a ports.AuditLog) Option {
	return func(o *Orchestrator) { o.audit = a }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m ports.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(ledger ports.Ledger, signer ports.TransferSigner, indexer ports.ChainIndexer, cfg Config, opts ...Option) *Orchestrator {
	cfg.setDefaults()
	o := &Orchestrator{
		ledger:  ledger,
		signer:  signer,
		indexer: indexer,
		audit:   ports.NopAuditLog{},
		metrics: ports.NopMetrics{},
		cfg:     cfg,
		now:     time.Now,
		running: make(map[string]*domain.SettlementRun),
		history: make(map[string][]domain.SettlementRun),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process runs one settlement of the auction. The returned run is the audit
// record; an error is returned only when the run could not start or failed
// as a whole.
func (o *Orchestrator) Process(ctx context.Context, auctionID string) (domain.SettlementRun, error) {
	run, err := o.begin(auctionID)
	if err != nil {
		return domain.SettlementRun{}, err
	}
	finished := false
	defer func() {
		// solo en panic: libera la subasta y deja el run como failed
		if !finished {
			o.finish(ctx, run)
		}
	}()

	slog.Info("settlement: run started", "run_id", run.ID, "auction_id", auctionID)

	auction, transfers, err := o.process(ctx, run)
	if err != nil {
		o.fail(run, err)
		finished = true
		return o.finish(ctx, run), fmt.Errorf("settlement.Process: %w", err)
	}
	if len(transfers) > 0 {
		o.setState(run, domain.RunSigning)
		o.sign(ctx, transfers)

		o.setState(run, domain.RunBroadcasting)
		o.broadcast(ctx, transfers)
		if o.cfg.Confirmations > 0 && o.confirmer != nil {
			o.confirm(ctx, transfers)
		}
	}

	// Lo ya transmitido se registra aunque el contexto del caller se cancele.
	markCtx := context.WithoutCancel(ctx)
	o.setState(run, domain.RunMarking)
	o.mark(markCtx, run, transfers)
	o.closeIfSold(markCtx, auction.ID)

	o.setState(run, domain.RunComplete)
	finished = true
	return o.finish(ctx, run), nil
}

// MarkBidsSettled is the operator override that records an externally
// broadcast transfer for several bids of an auction.
func (o *Orchestrator) MarkBidsSettled(ctx context.Context, auctionID string, bidIDs []string, txID string) ([]domain.TransferOutcome, error) {
	if txID == "" || len(bidIDs) == 0 {
		return nil, domain.NewValidationError(domain.ErrInvalidBid, []string{"bid ids and txid are required"})
	}
	if _, err := o.ledger.GetAuction(ctx, auctionID); err != nil {
		return nil, fmt.Errorf("settlement.MarkBidsSettled: %w", err)
	}

	outcomes := make([]domain.TransferOutcome, 0, len(bidIDs))
	for _, bidID := range lo.Uniq(bidIDs) {
		outcome := domain.TransferOutcome{BidID: bidID, Outcome: txID}
		b, err := o.ledger.GetBid(ctx, bidID)
		switch {
		case err != nil:
			outcome.Outcome = domain.ErrorOutcome(domain.ErrorCode(err))
		case b.AuctionID != auctionID:
			outcome.Outcome = domain.ErrorOutcome("bid belongs to another auction")
		default:
			if _, err := o.ledger.MarkSettled(ctx, bidID, txID); err != nil {
				outcome.Outcome = domain.ErrorOutcome(domain.ErrorCode(err))
			} else {
				outcome.Settled = true
			}
		}
		outcomes = append(outcomes, outcome)
	}
	o.closeIfSold(ctx, auctionID)
	return outcomes, nil
}

// Current returns the in-flight run of an auction, if any.
func (o *Orchestrator) Current(auctionID string) (domain.SettlementRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.running[auctionID]
	if !ok {
		return domain.SettlementRun{}, false
	}
	return copyRun(*run), true
}

// Runs returns the finished runs of an auction, oldest first.
func (o *Orchestrator) Runs(ctx context.Context, auctionID string) ([]domain.SettlementRun, error) {
	if _, ok := o.audit.(ports.NopAuditLog); !ok {
		runs, err := o.audit.ListSettlementRuns(ctx, auctionID)
		if err != nil {
			return nil, fmt.Errorf("settlement.Runs: %w", err)
		}
		return runs, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return lo.Map(o.history[auctionID], func(r domain.SettlementRun, _ int) domain.SettlementRun {
		return copyRun(r)
	}), nil
}

// --- stages ---

// process toma el snapshot, calcula la asignación y construye las transferencias
// de las pujas asignadas que aún no están liquidadas.
func (o *Orchestrator) process(ctx context.Context, run *domain.SettlementRun) (domain.Auction, []*domain.Transfer, error) {
	auction, bids, err := o.ledger.Snapshot(ctx, run.AuctionID)
	if err != nil {
		return domain.Auction{}, nil, fmt.Errorf("snapshot: %w", err)
	}
	s := domain.CalculateSettlement(auction, bids)

	o.mu.Lock()
	run.ClearingPrice = s.ClearingPrice
	o.mu.Unlock()

	validate := func(string) error { return nil }
	if o.validator != nil {
		validate = o.validator.ValidateAddress
	}

	pending := lo.Filter(s.Allocations, func(a domain.Allocation, _ int) bool {
		return a.BidStatus == domain.BidConfirmed
	})

	var transfers []*domain.Transfer
	for i, alloc := range pending {
		t, err := buildTransfer(i, auction, alloc, validate)
		if err != nil {
			reason := "build: " + err.Error()
			o.addOutcome(run, domain.TransferOutcome{BidID: alloc.BidID, Outcome: domain.ErrorOutcome(reason)})
			o.metrics.TransferOutcome(false)
			if _, mErr := o.ledger.MarkFailed(ctx, alloc.BidID, reason); mErr != nil {
				slog.Error("settlement: mark failed", "bid_id", alloc.BidID, "err", mErr)
			}
			continue
		}
		transfers = append(transfers, &t)
	}

	o.mu.Lock()
	run.Transfers = len(transfers)
	o.mu.Unlock()

	slog.Info("settlement: allocation computed",
		"run_id", run.ID,
		"clearing_price", s.ClearingPrice,
		"allocated", s.AllocatedTotal,
		"items_remaining", s.ItemsRemaining,
		"transfers", len(transfers),
	)
	return auction, transfers, nil
}

// sign firma en paralelo. Cada goroutine solo escribe su propia transferencia.
func (o *Orchestrator) sign(ctx context.Context, transfers []*domain.Transfer) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for _, t := range transfers {
		g.Go(func() error {
			stepCtx, cancel := context.WithTimeout(gctx, o.cfg.StepTimeout)
			defer cancel()

			signed, err := o.signer.Sign(stepCtx, t.UnsignedPayload)
			switch {
			case errors.Is(err, ports.ErrSkipTransfer):
				t.Skipped = true
				slog.Info("settlement: transfer skipped by signer", "bid_id", t.BidID)
			case err != nil:
				t.Err = "sign: " + err.Error()
			case signed == "":
				t.Err = "sign: empty signed payload"
			default:
				t.SignedPayload = signed
			}
			return nil
		})
	}
	_ = g.Wait()
}

// broadcast transmite cada transferencia firmada de forma independiente.
func (o *Orchestrator) broadcast(ctx context.Context, transfers []*domain.Transfer) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for _, t := range transfers {
		if t.SignedPayload == "" {
			continue
		}
		g.Go(func() error {
			stepCtx, cancel := context.WithTimeout(gctx, o.cfg.StepTimeout)
			defer cancel()

			txID, err := o.indexer.Broadcast(stepCtx, t.SignedPayload)
			if err != nil {
				t.Err = "broadcast: " + describeBroadcastError(err)
				slog.Warn("settlement: broadcast failed", "bid_id", t.BidID, "err", err)
				return nil
			}
			t.TxID = txID
			return nil
		})
	}
	_ = g.Wait()
}

// confirm espera las confirmaciones de cada tx transmitida. Un timeout deja
// la puja confirmada para otro run.
func (o *Orchestrator) confirm(ctx context.Context, transfers []*domain.Transfer) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for _, t := range transfers {
		if t.TxID == "" {
			continue
		}
		g.Go(func() error {
			if _, err := o.confirmer.WaitForConfirmation(gctx, t.TxID, o.cfg.Confirmations); err != nil {
				t.Err = "confirm: " + t.TxID + ": " + domain.ErrorCode(err)
				slog.Warn("settlement: confirmation wait failed", "bid_id", t.BidID, "txid", t.TxID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// mark escribe el resultado de cada transferencia y marca como liquidadas las
// que se transmitieron (y confirmaron, si se pidió).
func (o *Orchestrator) mark(ctx context.Context, run *domain.SettlementRun, transfers []*domain.Transfer) {
	for _, t := range transfers {
		switch {
		case t.Skipped:
			o.addOutcome(run, domain.TransferOutcome{BidID: t.BidID, Outcome: domain.ErrorOutcome("skipped by signer")})
			continue
		case t.Err != "":
			o.addOutcome(run, domain.TransferOutcome{BidID: t.BidID, Outcome: domain.ErrorOutcome(t.Err)})
			o.metrics.TransferOutcome(false)
			continue
		}

		outcome := domain.TransferOutcome{BidID: t.BidID, Outcome: t.TxID}
		if _, err := o.ledger.MarkSettled(ctx, t.BidID, t.TxID); err != nil {
			slog.Error("settlement: mark settled failed",
				"bid_id", t.BidID,
				"txid", t.TxID,
				"err", err,
			)
		} else {
			outcome.Settled = true
		}
		o.addOutcome(run, outcome)
		o.metrics.TransferOutcome(outcome.Settled)
	}
}

// closeIfSold marca la subasta como vendida cuando todo el inventario está
// asignado y cada asignación está liquidada.
func (o *Orchestrator) closeIfSold(ctx context.Context, auctionID string) {
	auction, bids, err := o.ledger.Snapshot(ctx, auctionID)
	if err != nil {
		slog.Error("settlement: final snapshot failed", "auction_id", auctionID, "err", err)
		return
	}
	if auction.Status != domain.AuctionActive {
		return
	}
	s := domain.CalculateSettlement(auction, bids)
	if s.ItemsRemaining > 0 || len(s.Allocations) == 0 {
		return
	}
	allSettled := lo.EveryBy(s.Allocations, func(a domain.Allocation) bool {
		return a.BidStatus == domain.BidSettled
	})
	if !allSettled {
		return
	}
	if _, err := o.ledger.MarkSold(ctx, auctionID); err != nil {
		slog.Error("settlement: mark sold failed", "auction_id", auctionID, "err", err)
	}
}

// --- run bookkeeping ---

func (o *Orchestrator) begin(auctionID string) (*domain.SettlementRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[auctionID]; busy {
		return nil, fmt.Errorf("settlement.Process: %s: %w", auctionID, domain.ErrSettlementInProgress)
	}
	run := &domain.SettlementRun{
		ID:        uuid.NewString(),
		AuctionID: auctionID,
		State:     domain.RunProcessing,
		StartedAt: o.now().UTC(),
	}
	o.running[auctionID] = run
	return run, nil
}

func (o *Orchestrator) finish(ctx context.Context, run *domain.SettlementRun) domain.SettlementRun {
	o.mu.Lock()
	run.FinishedAt = o.now().UTC()
	if !run.State.IsTerminal() {
		run.State = domain.RunFailed
	}
	final := copyRun(*run)
	delete(o.running, run.AuctionID)
	hist := append(o.history[run.AuctionID], final)
	if len(hist) > maxRetainedRuns {
		hist = hist[len(hist)-maxRetainedRuns:]
	}
	o.history[run.AuctionID] = hist
	o.mu.Unlock()

	o.metrics.SettlementRun(final.State)
	if err := o.audit.SaveSettlementRun(context.WithoutCancel(ctx), final); err != nil {
		slog.Error("settlement: save audit failed", "run_id", final.ID, "err", err)
	}
	slog.Info("settlement: run finished",
		"run_id", final.ID,
		"auction_id", final.AuctionID,
		"state", final.State,
		"settled", final.SettledCount(),
		"outcomes", len(final.Outcomes),
		"duration", final.FinishedAt.Sub(final.StartedAt).Round(time.Millisecond),
	)
	return final
}

func (o *Orchestrator) fail(run *domain.SettlementRun, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run.State = domain.RunFailed
	run.Error = err.Error()
}

func (o *Orchestrator) setState(run *domain.SettlementRun, state domain.RunState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run.State = state
}

func (o *Orchestrator) addOutcome(run *domain.SettlementRun, outcome domain.TransferOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run.Outcomes = append(run.Outcomes, outcome)
}

func copyRun(r domain.SettlementRun) domain.SettlementRun {
	r.Outcomes = append([]domain.TransferOutcome(nil), r.Outcomes...)
	return r
}

func describeBroadcastError(err error) string {
	var be *domain.BroadcastError
	if errors.As(err, &be) {
		return be.Error()
	}
	if errors.Is(err, domain.ErrIndexerUnavailable) {
		return "unavailable: " + err.Error()
	}
	return string(domain.BroadcastOther) + ": " + err.Error()
}
