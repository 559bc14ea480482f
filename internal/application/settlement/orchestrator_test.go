package settlement

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandrodnm/dutchclear/internal/adapters/storage"
	"github.com/alejandrodnm/dutchclear/internal/application/ledger"
	"github.com/alejandrodnm/dutchclear/internal/domain"
	"github.com/alejandrodnm/dutchclear/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- mocks ---

type mockDeriver struct{}

func (mockDeriver) EscrowAddress(auctionID, bidID string) (string, error) {
	return "escrow-" + bidID, nil
}

func (mockDeriver) ValidateAddress(addr string) error {
	if strings.HasPrefix(addr, "bad") {
		return errors.New("checksum mismatch")
	}
	return nil
}

// mockSigner firma devolviendo "signed:<payload>". skip y fail se indexan por
// destino para poder decidir por puja.
type mockSigner struct {
	mu     sync.Mutex
	skip   map[string]bool
	fail   map[string]bool
	block  chan struct{}
	calls  atomic.Int32
	signed []string
}

func (s *mockSigner) Sign(ctx context.Context, unsigned string) (string, error) {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	p := decodePayload(unsigned)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.skip[p.To] {
		return "", ports.ErrSkipTransfer
	}
	if s.fail[p.To] {
		return "", errors.New("signer unavailable")
	}
	s.signed = append(s.signed, p.BidID)
	return "signed:" + unsigned, nil
}

type mockBroadcaster struct {
	mu      sync.Mutex
	reject  map[string]error // por destino
	txs     []string
	confirm map[string]bool
}

func (b *mockBroadcaster) AddressTxs(context.Context, string) ([]domain.ChainTx, error) {
	return nil, nil
}

func (b *mockBroadcaster) TxStatus(context.Context, string) (domain.TxStatus, error) {
	return domain.TxStatus{}, ports.ErrTxNotFound
}

func (b *mockBroadcaster) TipHeight(context.Context) (int64, error) { return 0, nil }

func (b *mockBroadcaster) Broadcast(_ context.Context, raw string) (string, error) {
	p := decodePayload(strings.TrimPrefix(raw, "signed:"))
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.reject[p.To]; err != nil {
		return "", fmt.Errorf("indexer.Broadcast: %w", err)
	}
	txID := "tx-" + p.BidID
	b.txs = append(b.txs, txID)
	return txID, nil
}

func (b *mockBroadcaster) WaitForConfirmation(_ context.Context, txID string, _ int64) (domain.TxStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.confirm[txID] {
		h := int64(1)
		return domain.TxStatus{Confirmed: true, BlockHeight: &h}, nil
	}
	return domain.TxStatus{}, fmt.Errorf("wait: %w", domain.ErrConfirmationTimeout)
}

func decodePayload(h string) transferPayload {
	raw, _ := hex.DecodeString(h)
	var p transferPayload
	_ = json.Unmarshal(raw, &p)
	return p
}

// --- fixture ---

type fixture struct {
	ledger  *ledger.Service
	store   *storage.MemoryStorage
	signer  *mockSigner
	chain   *mockBroadcaster
	auction domain.Auction
}

func newFixture(t *testing.T, quantity int64, items ...string) *fixture {
	t.Helper()
	if len(items) == 0 {
		items = []string{"rune:DOG"}
	}
	store := storage.NewMemoryStorage()
	l := ledger.New(store, mockDeriver{})
	a, err := l.CreateAuction(context.Background(), domain.AuctionSpec{
		ItemIDs: items, Quantity: quantity,
		StartPrice: 30000, FloorPrice: 10000, DurationSeconds: 3600, IntervalSeconds: 600,
		SellerAddress: "seller",
	})
	require.NoError(t, err)
	return &fixture{
		ledger:  l,
		store:   store,
		signer:  &mockSigner{skip: map[string]bool{}, fail: map[string]bool{}},
		chain:   &mockBroadcaster{reject: map[string]error{}, confirm: map[string]bool{}},
		auction: a,
	}
}

// paidBid coloca y confirma una puja.
func (f *fixture) paidBid(t *testing.T, bidder string, qty int64) domain.Bid {
	t.Helper()
	ctx := context.Background()
	b, err := f.ledger.PlaceBid(ctx, f.auction.ID, bidder, qty)
	require.NoError(t, err)
	b, err = f.ledger.ConfirmPayment(ctx, b.ID, "pay-"+b.ID)
	require.NoError(t, err)
	return b
}

func (f *fixture) orchestrator(cfg Config, opts ...Option) *Orchestrator {
	opts = append([]Option{WithAddressValidator(mockDeriver{})}, opts...)
	return New(f.ledger, f.signer, f.chain, cfg, opts...)
}

func (f *fixture) status(t *testing.T, bidID string) domain.BidStatus {
	t.Helper()
	b, err := f.ledger.GetBid(context.Background(), bidID)
	require.NoError(t, err)
	return b.Status
}

func outcomeFor(run domain.SettlementRun, bidID string) (domain.TransferOutcome, bool) {
	for _, o := range run.Outcomes {
		if o.BidID == bidID {
			return o, true
		}
	}
	return domain.TransferOutcome{}, false
}

// --- tests ---

func TestProcess_SettlesAllAndMarksSold(t *testing.T) {
	f := newFixture(t, 3, "i1", "i2", "i3")
	b1 := f.paidBid(t, "alice", 2)
	b2 := f.paidBid(t, "bob", 1)

	run, err := f.orchestrator(Config{}).Process(context.Background(), f.auction.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.RunComplete, run.State)
	assert.Equal(t, 2, run.Transfers)
	assert.Equal(t, 2, run.SettledCount())
	assert.Equal(t, int64(30000), run.ClearingPrice)
	assert.False(t, run.FinishedAt.IsZero())

	o1, ok := outcomeFor(run, b1.ID)
	require.True(t, ok)
	assert.Equal(t, "tx-"+b1.ID, o1.TxID())

	assert.Equal(t, domain.BidSettled, f.status(t, b1.ID))
	assert.Equal(t, domain.BidSettled, f.status(t, b2.ID))
	got, _ := f.ledger.GetBid(context.Background(), b2.ID)
	assert.Equal(t, "tx-"+b2.ID, got.SettlementTxID)

	a, _ := f.ledger.GetAuction(context.Background(), f.auction.ID)
	assert.Equal(t, domain.AuctionSold, a.Status)
}

func TestProcess_PartialInventoryStaysActive(t *testing.T) {
	f := newFixture(t, 3, "i1", "i2", "i3")
	b1 := f.paidBid(t, "alice", 2)

	_, err := f.orchestrator(Config{}).Process(context.Background(), f.auction.ID)
	require.NoError(t, err)

	require.Len(t, f.signer.signed, 1)
	assert.Equal(t, b1.ID, f.signer.signed[0])

	a, _ := f.ledger.GetAuction(context.Background(), f.auction.ID)
	assert.Equal(t, domain.AuctionActive, a.Status, "one unit still unallocated")
}

func TestProcess_BroadcastFailureIsIsolated(t *testing.T) {
	f := newFixture(t, 3)
	ok1 := f.paidBid(t, "alice", 1)
	bad := f.paidBid(t, "mallory", 1)
	ok2 := f.paidBid(t, "carol", 1)
	f.chain.reject["mallory"] = &domain.BroadcastError{
		Category: domain.BroadcastMissingInputs,
		Message:  "bad-txns-inputs-missingorspent",
	}

	run, err := f.orchestrator(Config{Concurrency: 2}).Process(context.Background(), f.auction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunComplete, run.State)
	assert.Equal(t, 2, run.SettledCount())

	o, found := outcomeFor(run, bad.ID)
	require.True(t, found)
	assert.True(t, o.Failed())
	assert.Equal(t, "error:broadcast: missing_inputs: bad-txns-inputs-missingorspent", o.Outcome)

	assert.Equal(t, domain.BidSettled, f.status(t, ok1.ID))
	assert.Equal(t, domain.BidSettled, f.status(t, ok2.ID))
	assert.Equal(t, domain.BidConfirmed, f.status(t, bad.ID), "retryable in a later run")

	a, _ := f.ledger.GetAuction(context.Background(), f.auction.ID)
	assert.Equal(t, domain.AuctionActive, a.Status, "not sold while a bid is unsettled")

	// segundo run: solo la puja pendiente, ya sin rechazo
	delete(f.chain.reject, "mallory")
	run, err = f.orchestrator(Config{}).Process(context.Background(), f.auction.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Transfers)
	assert.Equal(t, domain.BidSettled, f.status(t, bad.ID))

	a, _ = f.ledger.GetAuction(context.Background(), f.auction.ID)
	assert.Equal(t, domain.AuctionSold, a.Status)
}

func TestProcess_SignerSkipAndFailure(t *testing.T) {
	f := newFixture(t, 3)
	skipped := f.paidBid(t, "skipper", 1)
	failed := f.paidBid(t, "flaky", 1)
	ok := f.paidBid(t, "alice", 1)
	f.signer.skip["skipper"] = true
	f.signer.fail["flaky"] = true

	run, err := f.orchestrator(Config{}).Process(context.Background(), f.auction.ID)
	require.NoError(t, err)

	o, _ := outcomeFor(run, skipped.ID)
	assert.Equal(t, "error:skipped by signer", o.Outcome)
	o, _ = outcomeFor(run, failed.ID)
	assert.Equal(t, "error:sign: signer unavailable", o.Outcome)

	assert.Equal(t, domain.BidConfirmed, f.status(t, skipped.ID))
	assert.Equal(t, domain.BidConfirmed, f.status(t, failed.ID))
	assert.Equal(t, domain.BidSettled, f.status(t, ok.ID))
	assert.Len(t, f.chain.txs, 1, "only signed transfers are broadcast")
}

func TestProcess_MalformedDestinationMarksBidFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	bad := f.paidBid(t, "mallory", 1)
	good := f.paidBid(t, "alice", 1)

	// el ledger valida la dirección al pujar; aquí se corrompe después
	stored, err := f.store.GetBid(ctx, bad.ID)
	require.NoError(t, err)
	stored.BidderAddress = "bad-address"
	require.NoError(t, f.store.UpdateBid(ctx, stored))

	run, err := f.orchestrator(Config{}).Process(ctx, f.auction.ID)
	require.NoError(t, err)

	o, found := outcomeFor(run, bad.ID)
	require.True(t, found)
	assert.True(t, strings.HasPrefix(o.Outcome, "error:build: malformed destination"))
	assert.Equal(t, domain.BidFailed, f.status(t, bad.ID))
	assert.Equal(t, domain.BidSettled, f.status(t, good.ID))
	assert.Equal(t, 1, run.Transfers)
}

func TestProcess_NoTransfersCompletes(t *testing.T) {
	f := newFixture(t, 3)
	pending, err := f.ledger.PlaceBid(context.Background(), f.auction.ID, "alice", 1)
	require.NoError(t, err)

	run, err := f.orchestrator(Config{}).Process(context.Background(), f.auction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunComplete, run.State)
	assert.Equal(t, 0, run.Transfers)
	assert.Empty(t, run.Outcomes)
	assert.Equal(t, int32(0), f.signer.calls.Load())
	assert.Equal(t, domain.BidPending, f.status(t, pending.ID))
}

func TestProcess_SnapshotFailureFailsRun(t *testing.T) {
	f := newFixture(t, 1)
	o := f.orchestrator(Config{})

	run, err := o.Process(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuctionNotFound)
	assert.Equal(t, domain.RunFailed, run.State)
	assert.Contains(t, run.Error, "snapshot")

	_, busy := o.Current("missing")
	assert.False(t, busy, "failed run releases the auction")
}

func TestProcess_OneRunPerAuction(t *testing.T) {
	f := newFixture(t, 2)
	f.paidBid(t, "alice", 1)
	f.signer.block = make(chan struct{})
	o := f.orchestrator(Config{})

	done := make(chan error, 1)
	go func() {
		_, err := o.Process(context.Background(), f.auction.ID)
		done <- err
	}()

	require.Eventually(t, func() bool {
		cur, ok := o.Current(f.auction.ID)
		return ok && cur.State == domain.RunSigning
	}, time.Second, time.Millisecond)

	_, err := o.Process(context.Background(), f.auction.ID)
	assert.ErrorIs(t, err, domain.ErrSettlementInProgress)

	close(f.signer.block)
	require.NoError(t, <-done)

	_, busy := o.Current(f.auction.ID)
	assert.False(t, busy)
}

func TestProcess_ConfirmationWait(t *testing.T) {
	f := newFixture(t, 2)
	fast := f.paidBid(t, "alice", 1)
	slow := f.paidBid(t, "bob", 1)
	f.chain.confirm["tx-"+fast.ID] = true

	run, err := f.orchestrator(Config{Confirmations: 1}, WithConfirmer(f.chain)).
		Process(context.Background(), f.auction.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.BidSettled, f.status(t, fast.ID))
	assert.Equal(t, domain.BidConfirmed, f.status(t, slow.ID))
	o, _ := outcomeFor(run, slow.ID)
	assert.Equal(t, "error:confirm: tx-"+slow.ID+": ConfirmationTimeout", o.Outcome)
}

func TestProcess_AuditLogAndHistory(t *testing.T) {
	f := newFixture(t, 1)
	f.paidBid(t, "alice", 1)

	withAudit := f.orchestrator(Config{}, WithAuditLog(f.store))
	_, err := withAudit.Process(context.Background(), f.auction.ID)
	require.NoError(t, err)

	runs, err := withAudit.Runs(context.Background(), f.auction.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].SettledCount())

	inMemory := f.orchestrator(Config{})
	_, err = inMemory.Process(context.Background(), f.auction.ID)
	require.NoError(t, err)
	runs, err = inMemory.Runs(context.Background(), f.auction.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 0, runs[0].Transfers, "already settled bids are not transferred again")
}

func TestMarkBidsSettled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	b1 := f.paidBid(t, "alice", 1)
	b2 := f.paidBid(t, "bob", 1)
	a2, err := f.ledger.CreateAuction(ctx, domain.AuctionSpec{
		ItemIDs: []string{"x"}, Quantity: 1,
		StartPrice: 2, FloorPrice: 1, DurationSeconds: 60, IntervalSeconds: 60,
		SellerAddress: "seller",
	})
	require.NoError(t, err)
	foreign, err := f.ledger.PlaceBid(ctx, a2.ID, "carol", 1)
	require.NoError(t, err)
	o := f.orchestrator(Config{})

	outcomes, err := o.MarkBidsSettled(ctx, f.auction.ID, []string{b1.ID, b1.ID, "missing", foreign.ID}, "manual-tx")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].Settled)
	assert.Equal(t, "error:BidNotFound", outcomes[1].Outcome)
	assert.Equal(t, "error:bid belongs to another auction", outcomes[2].Outcome)

	a, _ := f.ledger.GetAuction(ctx, f.auction.ID)
	assert.Equal(t, domain.AuctionActive, a.Status)

	_, err = o.MarkBidsSettled(ctx, f.auction.ID, []string{b2.ID}, "manual-tx")
	require.NoError(t, err)
	a, _ = f.ledger.GetAuction(ctx, f.auction.ID)
	assert.Equal(t, domain.AuctionSold, a.Status)

	_, err = o.MarkBidsSettled(ctx, f.auction.ID, nil, "tx")
	assert.ErrorIs(t, err, domain.ErrInvalidBid)
	_, err = o.MarkBidsSettled(ctx, "missing", []string{b1.ID}, "tx")
	assert.ErrorIs(t, err, domain.ErrAuctionNotFound)
}

func TestBuildTransfer(t *testing.T) {
	a := domain.Auction{ID: "auc", SellerAddress: "seller"}
	ok := func(string) error { return nil }

	tr, err := buildTransfer(0, a, domain.Allocation{
		BidID: "b1", BidderAddress: "alice", Allocated: 2, Assets: []string{"i1", "i2"},
	}, ok)
	require.NoError(t, err)
	p := decodePayload(tr.UnsignedPayload)
	assert.Equal(t, payloadVersion, p.Version)
	assert.Equal(t, []string{"i1", "i2"}, p.Assets)
	assert.Equal(t, "seller", p.From)
	assert.Equal(t, "alice", p.To)

	_, err = buildTransfer(0, a, domain.Allocation{BidID: "b1", Allocated: 1, Assets: []string{"i1"}}, ok)
	assert.ErrorIs(t, err, errMissingDestination)

	_, err = buildTransfer(0, a, domain.Allocation{BidID: "b1", BidderAddress: "alice", Allocated: 1}, ok)
	assert.ErrorIs(t, err, errMissingAssets)
}
