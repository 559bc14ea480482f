package domain

import (
	"fmt"
	"math"
	"time"
)

// AuctionStatus es el estado de una subasta. Solo avanza active → sold | expired.
type AuctionStatus string

const (
	AuctionActive  AuctionStatus = "active"
	AuctionSold    AuctionStatus = "sold"
	AuctionExpired AuctionStatus = "expired"
)

// AuctionSpec es lo que el vendedor envía para crear una subasta.
type AuctionSpec struct {
	ItemIDs         []string // referencias a los assets (1 = lote fungible, N = uno por unidad)
	Quantity        int64
	StartPrice      int64 // satoshis
	FloorPrice      int64 // satoshis
	DurationSeconds int64
	IntervalSeconds int64
	Decay           DecayLaw
	SellerAddress   string
}

// Schedule devuelve la curva de precio que describe el spec.
func (s AuctionSpec) Schedule() Schedule {
	return Schedule{
		StartPrice:      s.StartPrice,
		FloorPrice:      s.FloorPrice,
		DurationSeconds: s.DurationSeconds,
		IntervalSeconds: s.IntervalSeconds,
		Decay:           s.Decay,
	}
}

// Validate devuelve la lista de problemas del spec (vacía = válido).
// La validación de la curva se delega en Schedule.Validate.
func (s AuctionSpec) Validate() []string {
	var problems []string
	if s.Quantity <= 0 {
		problems = append(problems, "quantity must be positive")
	}
	problems = append(problems, s.Schedule().Validate()...)
	if s.Quantity > 0 && s.StartPrice > 0 && s.StartPrice > math.MaxInt64/s.Quantity {
		problems = append(problems, "quantity × start price overflows the amount owed")
	}

	switch n := int64(len(s.ItemIDs)); {
	case n == 0:
		problems = append(problems, "at least one item id is required")
	case n != 1 && s.Quantity > 0 && n != s.Quantity:
		problems = append(problems, fmt.Sprintf(
			"item ids must be a single fungible lot or exactly one per unit (got %d for quantity %d)", n, s.Quantity))
	}
	for i, id := range s.ItemIDs {
		if id == "" {
			problems = append(problems, fmt.Sprintf("item id %d is empty", i))
		}
	}
	if s.SellerAddress == "" {
		problems = append(problems, "seller address is required")
	}
	return problems
}

// Auction es una subasta holandesa de precio de liquidación.
type Auction struct {
	ID                string
	ItemIDs           []string
	TotalQuantity     int64
	QuantityRemaining int64
	StartPrice        int64
	FloorPrice        int64
	DurationSeconds   int64
	IntervalSeconds   int64
	Decay             DecayLaw
	SellerAddress     string
	Status            AuctionStatus
	StartTime         time.Time
	EndTime           time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewAuction construye una subasta activa a partir de un spec ya validado.
func NewAuction(id string, spec AuctionSpec, now time.Time) Auction {
	now = now.UTC()
	items := make([]string, len(spec.ItemIDs))
	copy(items, spec.ItemIDs)
	return Auction{
		ID:                id,
		ItemIDs:           items,
		TotalQuantity:     spec.Quantity,
		QuantityRemaining: spec.Quantity,
		StartPrice:        spec.StartPrice,
		FloorPrice:        spec.FloorPrice,
		DurationSeconds:   spec.DurationSeconds,
		IntervalSeconds:   spec.IntervalSeconds,
		Decay:             spec.Decay,
		SellerAddress:     spec.SellerAddress,
		Status:            AuctionActive,
		StartTime:         now,
		EndTime:           now.Add(time.Duration(spec.DurationSeconds) * time.Second),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Schedule devuelve la curva de precio de la subasta.
func (a Auction) Schedule() Schedule {
	return Schedule{
		StartPrice:      a.StartPrice,
		FloorPrice:      a.FloorPrice,
		DurationSeconds: a.DurationSeconds,
		IntervalSeconds: a.IntervalSeconds,
		Decay:           a.Decay,
	}
}

// Elapsed devuelve los segundos transcurridos desde el inicio (nunca negativo).
func (a Auction) Elapsed(now time.Time) int64 {
	secs := int64(now.Sub(a.StartTime) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// PriceAt devuelve el precio unitario vigente en el instante dado.
func (a Auction) PriceAt(now time.Time) int64 {
	return PriceAt(a.Schedule(), a.Elapsed(now))
}

// IsOpen indica si la subasta admite pujas en el instante dado.
func (a Auction) IsOpen(now time.Time) bool {
	return a.Status == AuctionActive && now.Before(a.EndTime)
}

// IsFungibleLot indica si todas las unidades comparten una única referencia de asset.
func (a Auction) IsFungibleLot() bool {
	return len(a.ItemIDs) == 1
}

// SoldQuantity devuelve cuántas unidades fueron admitidas en pujas.
func (a Auction) SoldQuantity() int64 {
	return a.TotalQuantity - a.QuantityRemaining
}
