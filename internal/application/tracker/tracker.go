// Package tracker polls the chain indexer for escrow payments of pending bids.
//
// Every poll runs outside the ledger locks; results are written back through
// the ledger, which re-validates the bid state. Inbound activity on an escrow
// address is never confirmed on its own: it is reported to the
// ActivityObserver (and optionally paired) until a specific tx is attached
// and seen in a block.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/dutchclear/internal/domain"
	"github.com/alejandrodnm/dutchclear/internal/ports"
)

const (
	defaultWorkers         = 4
	defaultPollTimeout     = 15 * time.Second
	defaultConfirmAttempts = 30
	defaultConfirmInterval = 10 * time.Second
)

// Config controls polling concurrency and the confirmation wait.
type Config struct {
	Workers     int
	PollTimeout time.Duration
	// AutoPair attaches the tx when exactly one inbound tx pays at least
	// the amount owed. The bid still waits for a block to be confirmed.
	AutoPair        bool
	ConfirmAttempts int
	ConfirmInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
	if c.ConfirmAttempts <= 0 {
		c.ConfirmAttempts = defaultConfirmAttempts
	}
	if c.ConfirmInterval <= 0 {
		c.ConfirmInterval = defaultConfirmInterval
	}
}

// Tracker implements the escrow payment polling paths.
type Tracker struct {
	ledger   ports.Ledger
	indexer  ports.ChainIndexer
	observer ports.ActivityObserver
	metrics  ports.Metrics
	cfg      Config
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithObserver sets the receiver of unpaired escrow activity.
func WithObserver(o ports.ActivityObserver) Option {
	return func(t *Tracker) { t.observer = o }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m ports.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// New creates a Tracker.
func New(ledger ports.Ledger, indexer ports.ChainIndexer, cfg Config, opts ...Option) *Tracker {
	cfg.setDefaults()
	t := &Tracker{
		ledger:   ledger,
		indexer:  indexer,
		observer: ports.NopActivityObserver{},
		metrics:  ports.NopMetrics{},
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ScanReport summarizes one ScanPending pass.
type ScanReport struct {
	Pending      int `json:"pending"`
	AddressPolls int `json:"address_polls"`
	StatusPolls  int `json:"status_polls"`
	ActivitySeen int `json:"activity_seen"`
	Attached     int `json:"attached"`
	Confirmed    int `json:"confirmed"`
	Failures     int `json:"failures"`
}

// ScanPending polls every pending bid once. Per-bid failures are logged and
// counted; only failing to list the pending bids is returned as an error.
func (t *Tracker) ScanPending(ctx context.Context) (ScanReport, error) {
	pending, err := t.ledger.ListPending(ctx)
	if err != nil {
		return ScanReport{}, fmt.Errorf("tracker.ScanPending: %w", err)
	}
	report := ScanReport{Pending: len(pending)}
	if len(pending) == 0 {
		return report, nil
	}

	for _, r := range pollConcurrent(ctx, t, pending, t.cfg.Workers) {
		switch r.kind {
		case pollAddress:
			report.AddressPolls++
		case pollStatus:
			report.StatusPolls++
		}
		t.metrics.PaymentPoll(string(r.kind), r.err == nil)
		if r.err != nil {
			report.Failures++
			slog.Warn("tracker: poll failed",
				"bid_id", r.bidID,
				"kind", r.kind,
				"err", r.err,
			)
			continue
		}
		switch r.outcome {
		case outcomeActivity:
			report.ActivitySeen++
		case outcomeAttached:
			report.ActivitySeen++
			report.Attached++
		case outcomeConfirmed:
			report.Confirmed++
			t.metrics.PaymentConfirmed()
		}
	}

	slog.Info("tracker: scan complete",
		"pending", report.Pending,
		"confirmed", report.Confirmed,
		"attached", report.Attached,
		"activity", report.ActivitySeen,
		"failures", report.Failures,
	)
	return report, nil
}

type pollKind string

const (
	pollAddress pollKind = "address"
	pollStatus  pollKind = "status"
)

type pollOutcome int

const (
	outcomeNone pollOutcome = iota
	outcomeActivity
	outcomeAttached
	outcomeConfirmed
)

type pollResult struct {
	bidID   string
	kind    pollKind
	outcome pollOutcome
	err     error
}

// poll checks one pending bid with a bounded timeout.
func (t *Tracker) poll(ctx context.Context, b domain.Bid) pollResult {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.PollTimeout)
	defer cancel()

	if !b.HasObservedPayment() {
		outcome, err := t.pollAddress(ctx, b)
		return pollResult{bidID: b.ID, kind: pollAddress, outcome: outcome, err: err}
	}
	outcome, err := t.pollStatus(ctx, b)
	return pollResult{bidID: b.ID, kind: pollStatus, outcome: outcome, err: err}
}

func (t *Tracker) pollAddress(ctx context.Context, b domain.Bid) (pollOutcome, error) {
	txs, err := t.indexer.AddressTxs(ctx, b.EscrowAddress)
	if err != nil {
		return outcomeNone, err
	}

	var inbound []domain.ChainTx
	for _, tx := range txs {
		if tx.ValueTo > 0 {
			inbound = append(inbound, tx)
		}
	}
	if len(inbound) == 0 {
		return outcomeNone, nil
	}

	t.observer.EscrowActivity(ctx, domain.EscrowActivity{
		BidID:         b.ID,
		AuctionID:     b.AuctionID,
		EscrowAddress: b.EscrowAddress,
		AmountOwed:    b.AmountOwed,
		Txs:           inbound,
	})

	if !t.cfg.AutoPair || len(inbound) != 1 || inbound[0].ValueTo < b.AmountOwed {
		return outcomeActivity, nil
	}
	if _, err := t.ledger.AttachTransaction(ctx, b.ID, inbound[0].TxID); err != nil {
		return outcomeActivity, fmt.Errorf("attach %s: %w", inbound[0].TxID, err)
	}
	slog.Info("tracker: payment paired",
		"bid_id", b.ID,
		"txid", inbound[0].TxID,
		"value", inbound[0].ValueTo,
		"owed", b.AmountOwed,
	)
	return outcomeAttached, nil
}

func (t *Tracker) pollStatus(ctx context.Context, b domain.Bid) (pollOutcome, error) {
	st, err := t.indexer.TxStatus(ctx, b.PaymentTxID)
	if errors.Is(err, ports.ErrTxNotFound) {
		slog.Debug("tracker: tx not seen yet", "bid_id", b.ID, "txid", b.PaymentTxID)
		return outcomeNone, nil
	}
	if err != nil {
		return outcomeNone, err
	}
	if !st.IsFinal() {
		return outcomeNone, nil
	}
	if _, err := t.ledger.ConfirmPayment(ctx, b.ID, b.PaymentTxID); err != nil {
		return outcomeNone, fmt.Errorf("confirm: %w", err)
	}
	return outcomeConfirmed, nil
}

// SubmitPayment attaches the bidder's payment tx and confirms the bid when
// the indexer already reports it in a block. Indexer failures leave the bid
// attached and pending; the next scan picks it up.
func (t *Tracker) SubmitPayment(ctx context.Context, bidID, txID string) (domain.Bid, error) {
	b, err := t.ledger.AttachTransaction(ctx, bidID, txID)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("tracker.SubmitPayment: %w", err)
	}
	if b.Status != domain.BidPending {
		return b, nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, t.cfg.PollTimeout)
	defer cancel()
	st, err := t.indexer.TxStatus(pollCtx, txID)
	t.metrics.PaymentPoll(string(pollStatus), err == nil || errors.Is(err, ports.ErrTxNotFound))
	if err != nil {
		slog.Warn("tracker: payment status unavailable, left pending",
			"bid_id", bidID,
			"txid", txID,
			"err", err,
		)
		return b, nil
	}
	if !st.IsFinal() {
		return b, nil
	}

	confirmed, err := t.ledger.ConfirmPayment(ctx, bidID, txID)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("tracker.SubmitPayment: %w", err)
	}
	t.metrics.PaymentConfirmed()
	return confirmed, nil
}

// WaitForConfirmation polls txID until it has minConfirmations, at most
// ConfirmAttempts times ConfirmInterval apart.
func (t *Tracker) WaitForConfirmation(ctx context.Context, txID string, minConfirmations int64) (domain.TxStatus, error) {
	if minConfirmations <= 0 {
		minConfirmations = 1
	}
	var lastErr error
	for attempt := 1; attempt <= t.cfg.ConfirmAttempts; attempt++ {
		st, confs, err := t.checkConfirmations(ctx, txID)
		if err == nil && confs >= minConfirmations {
			return st, nil
		}
		if err != nil && !errors.Is(err, ports.ErrTxNotFound) {
			lastErr = err
			slog.Debug("tracker: confirmation check failed", "txid", txID, "attempt", attempt, "err", err)
		}
		if attempt == t.cfg.ConfirmAttempts {
			break
		}
		timer := time.NewTimer(t.cfg.ConfirmInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.TxStatus{}, fmt.Errorf("tracker.WaitForConfirmation: %s: %w", txID, ctx.Err())
		case <-timer.C:
		}
	}
	if lastErr != nil {
		return domain.TxStatus{}, fmt.Errorf("tracker.WaitForConfirmation: %s after %d attempts: %w (last error: %v)",
			txID, t.cfg.ConfirmAttempts, domain.ErrConfirmationTimeout, lastErr)
	}
	return domain.TxStatus{}, fmt.Errorf("tracker.WaitForConfirmation: %s after %d attempts: %w",
		txID, t.cfg.ConfirmAttempts, domain.ErrConfirmationTimeout)
}

func (t *Tracker) checkConfirmations(ctx context.Context, txID string) (domain.TxStatus, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.PollTimeout)
	defer cancel()

	st, err := t.indexer.TxStatus(ctx, txID)
	if err != nil {
		return domain.TxStatus{}, 0, err
	}
	if !st.IsFinal() {
		return st, 0, nil
	}
	tip, err := t.indexer.TipHeight(ctx)
	if err != nil {
		return st, 0, err
	}
	return st, st.Confirmations(tip), nil
}
