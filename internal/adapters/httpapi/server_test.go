package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandrodnm/dutchclear/internal/adapters/storage"
	"github.com/alejandrodnm/dutchclear/internal/application/ledger"
	"github.com/alejandrodnm/dutchclear/internal/application/monitor"
	"github.com/alejandrodnm/dutchclear/internal/application/settlement"
	"github.com/alejandrodnm/dutchclear/internal/application/tracker"
	"github.com/alejandrodnm/dutchclear/internal/domain"
	"github.com/alejandrodnm/dutchclear/internal/ports"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// --- fakes ---

type fakeDeriver struct{}

func (fakeDeriver) EscrowAddress(_, bidID string) (string, error) { return "escrow-" + bidID, nil }

func (fakeDeriver) ValidateAddress(addr string) error {
	if strings.HasPrefix(addr, "bad") {
		return domain.ErrInvalidBid
	}
	return nil
}

// fakeChain confirma las tx de confirmed y acepta cualquier broadcast.
type fakeChain struct {
	confirmed map[string]bool
	sent      atomic.Int32
}

func (f *fakeChain) AddressTxs(context.Context, string) ([]domain.ChainTx, error) { return nil, nil }

func (f *fakeChain) TxStatus(_ context.Context, txID string) (domain.TxStatus, error) {
	if !f.confirmed[txID] {
		return domain.TxStatus{}, ports.ErrTxNotFound
	}
	h := int64(800000)
	return domain.TxStatus{Confirmed: true, BlockHeight: &h}, nil
}

func (f *fakeChain) TipHeight(context.Context) (int64, error) { return 800000, nil }

func (f *fakeChain) Broadcast(context.Context, string) (string, error) {
	return fmt.Sprintf("settle-%d", f.sent.Add(1)), nil
}

type echoSigner struct{}

func (echoSigner) Sign(_ context.Context, unsigned string) (string, error) { return unsigned, nil }

type fixedStats struct{}

func (fixedStats) Stats() monitor.Stats { return monitor.Stats{Successful: 4, Skipped: 1} }

// --- harness ---

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	router *gin.Engine
	chain  *fakeChain
	now    time.Time
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{chain: &fakeChain{confirmed: map[string]bool{}}, now: t0}
	clock := func() time.Time { return h.now }

	l := ledger.New(storage.NewMemoryStorage(), fakeDeriver{}, ledger.WithClock(clock))
	tr := tracker.New(l, h.chain, tracker.Config{})
	orch := settlement.New(l, echoSigner{}, h.chain, settlement.Config{},
		settlement.WithAddressValidator(fakeDeriver{}), settlement.WithClock(clock))

	opts = append([]Option{WithClock(clock)}, opts...)
	h.router = NewServer(l, tr, orch, opts...).Router()
	return h
}

type response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *apiError       `json:"error"`
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func auctionBody() map[string]any {
	return map[string]any{
		"item_ids":         []string{"rune:DOG"},
		"quantity":         3,
		"start_price":      30000,
		"floor_price":      10000,
		"duration_seconds": 3600,
		"interval_seconds": 600,
		"seller_address":   "seller",
	}
}

func (h *harness) createAuction(t *testing.T) auctionView {
	t.Helper()
	code, resp := h.do(t, http.MethodPost, "/auctions", auctionBody())
	require.Equal(t, http.StatusCreated, code, resp.Error)
	return decode[auctionView](t, resp.Data)
}

func (h *harness) placeBid(t *testing.T, auctionID, bidder string, qty int64) bidView {
	t.Helper()
	code, resp := h.do(t, http.MethodPost, "/auctions/"+auctionID+"/bids",
		map[string]any{"bidder_address": bidder, "quantity": qty})
	require.Equal(t, http.StatusCreated, code, resp.Error)
	return decode[bidView](t, resp.Data)
}

// --- tests ---

func TestCreateAndGetAuction(t *testing.T) {
	h := newHarness(t)
	a := h.createAuction(t)

	assert.Equal(t, domain.DecayLinear, a.Decay)
	assert.Equal(t, int64(30000), a.CurrentPrice)
	assert.Equal(t, "0.00030000", a.CurrentPriceBTC)
	assert.True(t, a.Open)

	h.now = t0.Add(10 * time.Minute)
	code, resp := h.do(t, http.MethodGet, "/auctions/"+a.ID, nil)
	require.Equal(t, http.StatusOK, code)
	got := decode[auctionView](t, resp.Data)
	assert.Equal(t, int64(26667), got.CurrentPrice)
	assert.Equal(t, int64(600), got.ElapsedSeconds)
}

func TestCreateAuction_ValidationDetails(t *testing.T) {
	h := newHarness(t)
	body := auctionBody()
	body["floor_price"] = 40000
	body["quantity"] = 0

	code, resp := h.do(t, http.MethodPost, "/auctions", body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "InvalidAuctionSpec", resp.Error.Code)
	assert.Contains(t, resp.Error.Details, "start price must exceed floor price")
	assert.Contains(t, resp.Error.Details, "quantity must be positive")
}

func TestCreateAuction_UnknownDecayAndMalformedJSON(t *testing.T) {
	h := newHarness(t)
	body := auctionBody()
	body["decay"] = "cubic"
	code, resp := h.do(t, http.MethodPost, "/auctions", body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidAuctionSpec", resp.Error.Code)

	req := httptest.NewRequest(http.MethodPost, "/auctions", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "InvalidRequest")
}

func TestGetAuction_NotFound(t *testing.T) {
	h := newHarness(t)
	code, resp := h.do(t, http.MethodGet, "/auctions/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "AuctionNotFound", resp.Error.Code)
}

func TestListAuctions_FilterByStatus(t *testing.T) {
	h := newHarness(t)
	h.createAuction(t)
	h.createAuction(t)

	code, resp := h.do(t, http.MethodGet, "/auctions?status=active", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]auctionView](t, resp.Data), 2)

	code, resp = h.do(t, http.MethodGet, "/auctions?status=sold", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decode[[]auctionView](t, resp.Data))

	code, _ = h.do(t, http.MethodGet, "/auctions?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPlaceBid_AndInventoryErrors(t *testing.T) {
	h := newHarness(t)
	a := h.createAuction(t)

	h.now = t0.Add(10 * time.Minute)
	b := h.placeBid(t, a.ID, "bidder-1", 2)
	assert.Equal(t, int64(26667), b.UnitPrice)
	assert.Equal(t, int64(53334), b.AmountOwed)
	assert.Equal(t, "0.00053334", b.AmountOwedBTC)
	assert.Equal(t, "escrow-"+b.ID, b.EscrowAddress)
	assert.Equal(t, domain.BidPending, b.Status)

	code, resp := h.do(t, http.MethodPost, "/auctions/"+a.ID+"/bids",
		map[string]any{"bidder_address": "bidder-2", "quantity": 2})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InsufficientInventory", resp.Error.Code)

	code, resp = h.do(t, http.MethodPost, "/auctions/"+a.ID+"/bids",
		map[string]any{"bidder_address": "bad-address", "quantity": 1})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidBid", resp.Error.Code)

	h.now = t0.Add(2 * time.Hour)
	code, resp = h.do(t, http.MethodPost, "/auctions/"+a.ID+"/bids",
		map[string]any{"bidder_address": "bidder-3", "quantity": 1})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "AuctionNotActive", resp.Error.Code)
}

func TestPaymentPreviewAndSettlementFlow(t *testing.T) {
	h := newHarness(t)
	a := h.createAuction(t)

	h.now = t0.Add(10 * time.Minute)
	b1 := h.placeBid(t, a.ID, "bidder-1", 2)
	h.now = t0.Add(20 * time.Minute)
	b2 := h.placeBid(t, a.ID, "bidder-2", 1)

	// Tx aún no vista: la puja sigue pendiente con la tx adjunta.
	code, resp := h.do(t, http.MethodPost, "/bids/"+b1.ID+"/payment", map[string]any{"txid": "pay-1"})
	require.Equal(t, http.StatusOK, code)
	got := decode[bidView](t, resp.Data)
	assert.Equal(t, domain.BidPending, got.Status)
	assert.Equal(t, "pay-1", got.PaymentTxID)

	h.chain.confirmed["pay-1"] = true
	h.chain.confirmed["pay-2"] = true
	code, resp = h.do(t, http.MethodPost, "/bids/"+b1.ID+"/payment", map[string]any{"txid": "pay-1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.BidConfirmed, decode[bidView](t, resp.Data).Status)

	code, resp = h.do(t, http.MethodPost, "/bids/"+b1.ID+"/payment", map[string]any{"txid": "other"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "PaymentAlreadyRecorded", resp.Error.Code)

	code, _ = h.do(t, http.MethodPost, "/bids/"+b2.ID+"/payment", map[string]any{"txid": "pay-2"})
	require.Equal(t, http.StatusOK, code)

	code, resp = h.do(t, http.MethodGet, "/auctions/"+a.ID+"/settlement", nil)
	require.Equal(t, http.StatusOK, code)
	preview := decode[previewView](t, resp.Data)
	assert.Equal(t, int64(23334), preview.ClearingPrice)
	assert.Equal(t, "0.00023334", preview.ClearingPriceBTC)
	assert.Len(t, preview.Allocations, 2)

	code, resp = h.do(t, http.MethodPost, "/auctions/"+a.ID+"/settlement", nil)
	require.Equal(t, http.StatusOK, code, resp.Error)
	run := decode[domain.SettlementRun](t, resp.Data)
	assert.Equal(t, domain.RunComplete, run.State)
	assert.Equal(t, 2, run.SettledCount())

	code, resp = h.do(t, http.MethodGet, "/auctions/"+a.ID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.AuctionSold, decode[auctionView](t, resp.Data).Status)

	code, resp = h.do(t, http.MethodGet, "/auctions/"+a.ID+"/settlement/runs", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]domain.SettlementRun](t, resp.Data), 1)

	code, resp = h.do(t, http.MethodGet, "/auctions/"+a.ID+"/bids?status=settled", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]bidView](t, resp.Data), 2)
}

func TestMarkBidsSettledAndRefund(t *testing.T) {
	h := newHarness(t)
	a := h.createAuction(t)
	b1 := h.placeBid(t, a.ID, "bidder-1", 1)
	b2 := h.placeBid(t, a.ID, "bidder-2", 1)

	h.chain.confirmed["pay-1"] = true
	code, _ := h.do(t, http.MethodPost, "/bids/"+b1.ID+"/payment", map[string]any{"txid": "pay-1"})
	require.Equal(t, http.StatusOK, code)

	code, resp := h.do(t, http.MethodPost, "/auctions/"+a.ID+"/settled",
		map[string]any{"bid_ids": []string{b1.ID, b2.ID, "ghost"}, "txid": "manual-tx"})
	require.Equal(t, http.StatusOK, code)
	outcomes := decode[[]domain.TransferOutcome](t, resp.Data)
	require.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].Settled)
	assert.Equal(t, "error:InvalidStateTransition", outcomes[1].Outcome)
	assert.Equal(t, "error:BidNotFound", outcomes[2].Outcome)

	code, resp = h.do(t, http.MethodPost, "/auctions/"+a.ID+"/settled", map[string]any{"bid_ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidRequest", resp.Error.Code)

	code, resp = h.do(t, http.MethodPost, "/bids/"+b2.ID+"/refund", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.BidRefunded, decode[bidView](t, resp.Data).Status)

	code, resp = h.do(t, http.MethodPost, "/bids/"+b1.ID+"/refund", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidStateTransition", resp.Error.Code)

	code, resp = h.do(t, http.MethodGet, "/bids/ghost", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "BidNotFound", resp.Error.Code)
}

func TestSchedulePreview(t *testing.T) {
	h := newHarness(t)

	code, resp := h.do(t, http.MethodPost, "/schedules/preview", map[string]any{
		"start_price": 30000, "floor_price": 10000, "duration_seconds": 3600, "interval_seconds": 600,
	})
	require.Equal(t, http.StatusOK, code)
	sched := decode[scheduleView](t, resp.Data)
	assert.Equal(t, int64(6), sched.Steps)
	require.Len(t, sched.Points, 7)
	assert.Equal(t, int64(30000), sched.Points[0].Price)
	assert.Equal(t, int64(10000), sched.Points[6].Price)

	code, resp = h.do(t, http.MethodPost, "/schedules/preview", map[string]any{
		"start_price": 100, "floor_price": 100, "duration_seconds": 60, "interval_seconds": 120,
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Len(t, resp.Error.Details, 2)
}

func TestMonitorAndHealth(t *testing.T) {
	h := newHarness(t)
	code, resp := h.do(t, http.MethodGet, "/monitor", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "MonitorDisabled", resp.Error.Code)

	h = newHarness(t, WithMonitor(fixedStats{}))
	code, resp = h.do(t, http.MethodGet, "/monitor", nil)
	require.Equal(t, http.StatusOK, code)
	st := decode[monitor.Stats](t, resp.Data)
	assert.Equal(t, int64(4), st.Successful)
	assert.Equal(t, int64(1), st.Skipped)

	code, resp = h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.OK)

	code, resp = h.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "RouteNotFound", resp.Error.Code)
}

// runningSettler reports a run stuck in signing for every auction.
type runningSettler struct {
	*settlement.Orchestrator
}

func (runningSettler) Current(auctionID string) (domain.SettlementRun, bool) {
	return domain.SettlementRun{ID: "run-1", AuctionID: auctionID, State: domain.RunSigning, Transfers: 2}, true
}

func TestCurrentSettlementRun(t *testing.T) {
	h := newHarness(t)
	a := h.createAuction(t)

	code, resp := h.do(t, http.MethodGet, "/auctions/"+a.ID+"/settlement/current", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NoSettlementRunning", resp.Error.Code)

	code, resp = h.do(t, http.MethodGet, "/auctions/missing/settlement/current", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "AuctionNotFound", resp.Error.Code)

	l := ledger.New(storage.NewMemoryStorage(), fakeDeriver{}, ledger.WithClock(func() time.Time { return t0 }))
	created, err := l.CreateAuction(context.Background(), domain.AuctionSpec{
		ItemIDs: []string{"rune:DOG"}, Quantity: 2,
		StartPrice: 30000, FloorPrice: 10000, DurationSeconds: 3600, IntervalSeconds: 600,
		Decay: domain.DecayLinear, SellerAddress: "seller",
	})
	require.NoError(t, err)
	chain := &fakeChain{confirmed: map[string]bool{}}
	orch := settlement.New(l, echoSigner{}, chain, settlement.Config{})
	router := NewServer(l, tracker.New(l, chain, tracker.Config{}), runningSettler{orch}).Router()

	req := httptest.NewRequest(http.MethodGet, "/auctions/"+created.ID+"/settlement/current", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	run := decode[domain.SettlementRun](t, body.Data)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, created.ID, run.AuctionID)
	assert.Equal(t, domain.RunSigning, run.State)
}

func TestMetricsRoute(t *testing.T) {
	h := newHarness(t, WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("dutchclear_up 1\n"))
	})))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dutchclear_up 1")
}

func TestDescribe_InternalErrorsAreHidden(t *testing.T) {
	status, body := describe(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "Internal", body.Code)
	assert.Equal(t, "internal error", body.Message)

	status, body = describe(domain.ErrIndexerUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "IndexerUnavailable", body.Code)
}
