package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/dutchclear/internal/domain"
)

// Store persiste subastas y pujas. No aplica reglas de negocio: el Ledger
// valida cada transición y serializa las escrituras de una misma subasta.
type Store interface {
	InsertAuction(ctx context.Context, a domain.Auction) error
	UpdateAuction(ctx context.Context, a domain.Auction) error
	// GetAuction devuelve domain.ErrAuctionNotFound si no existe.
	GetAuction(ctx context.Context, id string) (domain.Auction, error)
	// ListAuctions filtra por estado; "" devuelve todas.
	ListAuctions(ctx context.Context, status domain.AuctionStatus) ([]domain.Auction, error)
	// ListExpirable devuelve las subastas activas con end_time <= now.
	ListExpirable(ctx context.Context, now time.Time) ([]domain.Auction, error)

	// AdmitBid guarda la subasta (inventario ya decrementado) y la nueva puja
	// de forma atómica.
	AdmitBid(ctx context.Context, a domain.Auction, b domain.Bid) error
	UpdateBid(ctx context.Context, b domain.Bid) error
	// GetBid devuelve domain.ErrBidNotFound si no existe.
	GetBid(ctx context.Context, id string) (domain.Bid, error)
	// ListBidsByAuction devuelve las pujas ordenadas por created_at ASC.
	ListBidsByAuction(ctx context.Context, auctionID string) ([]domain.Bid, error)
	ListBidsByStatus(ctx context.Context, status domain.BidStatus) ([]domain.Bid, error)

	// Close cierra la conexión limpiamente.
	Close() error
}
