// Package httpapi exposes the auction operations over HTTP with gin.
//
// Every response uses the same envelope: {"ok":true,"data":…} on success and
// {"ok":false,"error":{"code","message","details"}} on failure. Validation and
// state conflicts are 400, unknown ids 404, indexer outages 503, anything
// else 500.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alejandrodnm/dutchclear/internal/application/monitor"
	"github.com/alejandrodnm/dutchclear/internal/domain"
	"github.com/alejandrodnm/dutchclear/internal/ports"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

// Settler runs and records settlements.
type Settler interface {
	Process(ctx context.Context, auctionID string) (domain.SettlementRun, error)
	MarkBidsSettled(ctx context.Context, auctionID string, bidIDs []string, txID string) ([]domain.TransferOutcome, error)
	Runs(ctx context.Context, auctionID string) ([]domain.SettlementRun, error)
	Current(auctionID string) (domain.SettlementRun, bool)
}

// PaymentSubmitter pairs a bidder-reported tx with a bid and checks it once.
type PaymentSubmitter interface {
	SubmitPayment(ctx context.Context, bidID, txID string) (domain.Bid, error)
}

// MonitorStats exposes the background monitor counters.
type MonitorStats interface {
	Stats() monitor.Stats
}

// Server holds the handlers' dependencies.
type Server struct {
	ledger   ports.Ledger
	payments PaymentSubmitter
	settler  Settler
	monitor  MonitorStats
	metrics  http.Handler
	now      func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithMonitor enables GET /monitor.
func WithMonitor(m MonitorStats) Option {
	return func(s *Server) { s.monitor = m }
}

// WithMetricsHandler enables GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithClock overrides time.Now for the current-price fields.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates the API server.
func NewServer(ledger ports.Ledger, payments PaymentSubmitter, settler Settler, opts ...Option) *Server {
	s := &Server{
		ledger:   ledger,
		payments: payments,
		settler:  settler,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) { respond(c, http.StatusOK, gin.H{"status": "ok"}) })
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	r.GET("/monitor", s.getMonitor)
	r.POST("/schedules/preview", s.previewSchedule)

	auctions := r.Group("/auctions")
	auctions.POST("", s.createAuction)
	auctions.GET("", s.listAuctions)
	auctions.GET("/:id", s.getAuction)
	auctions.POST("/:id/bids", s.placeBid)
	auctions.GET("/:id/bids", s.listBids)
	auctions.GET("/:id/settlement", s.previewSettlement)
	auctions.POST("/:id/settlement", s.processSettlement)
	auctions.GET("/:id/settlement/runs", s.listRuns)
	auctions.GET("/:id/settlement/current", s.currentRun)
	auctions.POST("/:id/settled", s.markBidsSettled)

	bids := r.Group("/bids")
	bids.GET("/:id", s.getBid)
	bids.POST("/:id/payment", s.confirmPayment)
	bids.POST("/:id/refund", s.refundBid)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, envelope{OK: false, Error: &apiError{Code: "RouteNotFound", Message: "no such route"}})
	})
	return r
}

// requestLogger registra cada request con slog.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("httpapi: request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).Round(time.Millisecond),
		)
	}
}

// --- auctions ---

func (s *Server) createAuction(c *gin.Context) {
	var req createAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, badRequest(err))
		return
	}
	decay, err := domain.ParseDecayLaw(req.Decay)
	if err != nil {
		respondError(c, domain.NewValidationError(domain.ErrInvalidSpec, []string{err.Error()}))
		return
	}

	a, err := s.ledger.CreateAuction(c.Request.Context(), domain.AuctionSpec{
		ItemIDs:         req.ItemIDs,
		Quantity:        req.Quantity,
		StartPrice:      req.StartPrice,
		FloorPrice:      req.FloorPrice,
		DurationSeconds: req.DurationSeconds,
		IntervalSeconds: req.IntervalSeconds,
		Decay:           decay,
		SellerAddress:   req.SellerAddress,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, newAuctionView(a, s.now()))
}

func (s *Server) listAuctions(c *gin.Context) {
	status := domain.AuctionStatus(c.Query("status"))
	switch status {
	case "", domain.AuctionActive, domain.AuctionSold, domain.AuctionExpired:
	default:
		respondError(c, badRequest(fmt.Errorf("unknown status %q", status)))
		return
	}

	list, err := s.ledger.ListAuctions(c.Request.Context(), status)
	if err != nil {
		respondError(c, err)
		return
	}
	now := s.now()
	respond(c, http.StatusOK, lo.Map(list, func(a domain.Auction, _ int) auctionView {
		return newAuctionView(a, now)
	}))
}

func (s *Server) getAuction(c *gin.Context) {
	a, err := s.ledger.GetAuction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, newAuctionView(a, s.now()))
}

func (s *Server) previewSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, badRequest(err))
		return
	}
	decay, err := domain.ParseDecayLaw(req.Decay)
	if err != nil {
		respondError(c, domain.NewValidationError(domain.ErrInvalidSpec, []string{err.Error()}))
		return
	}

	sched := domain.Schedule{
		StartPrice:      req.StartPrice,
		FloorPrice:      req.FloorPrice,
		DurationSeconds: req.DurationSeconds,
		IntervalSeconds: req.IntervalSeconds,
		Decay:           decay,
	}
	points, problems := domain.ComputeSchedule(sched)
	if len(problems) > 0 {
		respondError(c, domain.NewValidationError(domain.ErrInvalidSpec, problems))
		return
	}
	respond(c, http.StatusOK, scheduleView{Steps: sched.Steps(), Points: points})
}

// --- bids ---

func (s *Server) placeBid(c *gin.Context) {
	var req placeBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, badRequest(err))
		return
	}
	b, err := s.ledger.PlaceBid(c.Request.Context(), c.Param("id"), req.BidderAddress, req.Quantity)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, newBidView(b))
}

func (s *Server) listBids(c *gin.Context) {
	bids, err := s.ledger.ListBids(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if status := c.Query("status"); status != "" {
		bids = lo.Filter(bids, func(b domain.Bid, _ int) bool { return string(b.Status) == status })
	}
	respond(c, http.StatusOK, lo.Map(bids, func(b domain.Bid, _ int) bidView { return newBidView(b) }))
}

func (s *Server) getBid(c *gin.Context) {
	b, err := s.ledger.GetBid(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, newBidView(b))
}

func (s *Server) confirmPayment(c *gin.Context) {
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, badRequest(err))
		return
	}
	b, err := s.payments.SubmitPayment(c.Request.Context(), c.Param("id"), req.TxID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, newBidView(b))
}

func (s *Server) refundBid(c *gin.Context) {
	b, err := s.ledger.MarkRefunded(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, newBidView(b))
}

// --- settlement ---

func (s *Server) previewSettlement(c *gin.Context) {
	st, err := s.ledger.Preview(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, previewView{Settlement: st, ClearingPriceBTC: domain.FormatBTC(st.ClearingPrice)})
}

func (s *Server) processSettlement(c *gin.Context) {
	run, err := s.settler.Process(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, run)
}

func (s *Server) listRuns(c *gin.Context) {
	auctionID := c.Param("id")
	if _, err := s.ledger.GetAuction(c.Request.Context(), auctionID); err != nil {
		respondError(c, err)
		return
	}
	runs, err := s.settler.Runs(c.Request.Context(), auctionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if runs == nil {
		runs = []domain.SettlementRun{}
	}
	respond(c, http.StatusOK, runs)
}

// currentRun devuelve el run en curso de la subasta, con su estado actual.
func (s *Server) currentRun(c *gin.Context) {
	auctionID := c.Param("id")
	if _, err := s.ledger.GetAuction(c.Request.Context(), auctionID); err != nil {
		respondError(c, err)
		return
	}
	run, ok := s.settler.Current(auctionID)
	if !ok {
		c.JSON(http.StatusNotFound, envelope{OK: false, Error: &apiError{Code: "NoSettlementRunning", Message: "no settlement run in progress"}})
		return
	}
	respond(c, http.StatusOK, run)
}

func (s *Server) markBidsSettled(c *gin.Context) {
	var req markSettledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, badRequest(err))
		return
	}
	outcomes, err := s.settler.MarkBidsSettled(c.Request.Context(), c.Param("id"), req.BidIDs, req.TxID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, outcomes)
}

// --- monitor ---

func (s *Server) getMonitor(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusNotFound, envelope{OK: false, Error: &apiError{Code: "MonitorDisabled", Message: "background monitor is not running"}})
		return
	}
	respond(c, http.StatusOK, s.monitor.Stats())
}
