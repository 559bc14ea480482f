package httpapi

import (
	"time"

	"github.com/alejandrodnm/dutchclear/internal/domain"
)

// --- requests ---

type createAuctionRequest struct {
	ItemIDs         []string `json:"item_ids"`
	Quantity        int64    `json:"quantity"`
	StartPrice      int64    `json:"start_price"`
	FloorPrice      int64    `json:"floor_price"`
	DurationSeconds int64    `json:"duration_seconds"`
	IntervalSeconds int64    `json:"interval_seconds"`
	Decay           string   `json:"decay"`
	SellerAddress   string   `json:"seller_address"`
}

type scheduleRequest struct {
	StartPrice      int64  `json:"start_price"`
	FloorPrice      int64  `json:"floor_price"`
	DurationSeconds int64  `json:"duration_seconds"`
	IntervalSeconds int64  `json:"interval_seconds"`
	Decay           string `json:"decay"`
}

type placeBidRequest struct {
	BidderAddress string `json:"bidder_address"`
	Quantity      int64  `json:"quantity"`
}

type paymentRequest struct {
	TxID string `json:"txid" binding:"required"`
}

type markSettledRequest struct {
	BidIDs []string `json:"bid_ids" binding:"required,min=1"`
	TxID   string   `json:"txid" binding:"required"`
}

// --- responses ---

type auctionView struct {
	ID                string               `json:"id"`
	ItemIDs           []string             `json:"item_ids"`
	TotalQuantity     int64                `json:"total_quantity"`
	QuantityRemaining int64                `json:"quantity_remaining"`
	StartPrice        int64                `json:"start_price"`
	FloorPrice        int64                `json:"floor_price"`
	DurationSeconds   int64                `json:"duration_seconds"`
	IntervalSeconds   int64                `json:"interval_seconds"`
	Decay             domain.DecayLaw      `json:"decay"`
	SellerAddress     string               `json:"seller_address"`
	Status            domain.AuctionStatus `json:"status"`
	Open              bool                 `json:"open"`
	CurrentPrice      int64                `json:"current_price"`
	CurrentPriceBTC   string               `json:"current_price_btc"`
	ElapsedSeconds    int64                `json:"elapsed_seconds"`
	StartTime         time.Time            `json:"start_time"`
	EndTime           time.Time            `json:"end_time"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

func newAuctionView(a domain.Auction, now time.Time) auctionView {
	price := a.PriceAt(now)
	return auctionView{
		ID:                a.ID,
		ItemIDs:           a.ItemIDs,
		TotalQuantity:     a.TotalQuantity,
		QuantityRemaining: a.QuantityRemaining,
		StartPrice:        a.StartPrice,
		FloorPrice:        a.FloorPrice,
		DurationSeconds:   a.DurationSeconds,
		IntervalSeconds:   a.IntervalSeconds,
		Decay:             a.Decay,
		SellerAddress:     a.SellerAddress,
		Status:            a.Status,
		Open:              a.IsOpen(now),
		CurrentPrice:      price,
		CurrentPriceBTC:   domain.FormatBTC(price),
		ElapsedSeconds:    a.Elapsed(now),
		StartTime:         a.StartTime,
		EndTime:           a.EndTime,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

type bidView struct {
	ID             string           `json:"id"`
	AuctionID      string           `json:"auction_id"`
	BidderAddress  string           `json:"bidder_address"`
	Quantity       int64            `json:"quantity"`
	UnitPrice      int64            `json:"unit_price"`
	AmountOwed     int64            `json:"amount_owed"`
	AmountOwedBTC  string           `json:"amount_owed_btc"`
	EscrowAddress  string           `json:"escrow_address"`
	PaymentTxID    string           `json:"payment_txid,omitempty"`
	SettlementTxID string           `json:"settlement_txid,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	Status         domain.BidStatus `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	ConfirmedAt    *time.Time       `json:"confirmed_at,omitempty"`
}

func newBidView(b domain.Bid) bidView {
	return bidView{
		ID:             b.ID,
		AuctionID:      b.AuctionID,
		BidderAddress:  b.BidderAddress,
		Quantity:       b.Quantity,
		UnitPrice:      b.UnitPrice,
		AmountOwed:     b.AmountOwed,
		AmountOwedBTC:  domain.FormatBTC(b.AmountOwed),
		EscrowAddress:  b.EscrowAddress,
		PaymentTxID:    b.PaymentTxID,
		SettlementTxID: b.SettlementTxID,
		FailureReason:  b.FailureReason,
		Status:         b.Status,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
		ConfirmedAt:    b.ConfirmedAt,
	}
}

type previewView struct {
	domain.Settlement
	ClearingPriceBTC string `json:"clearing_price_btc"`
}

type scheduleView struct {
	Steps  int64               `json:"steps"`
	Points []domain.PricePoint `json:"points"`
}
