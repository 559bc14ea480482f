package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/dutchclear/internal/domain"
)

// MemoryStorage implementa ports.Store y ports.AuditLog en memoria.
// Se usa en tests y con el flag -memory; los datos se pierden al salir.
type MemoryStorage struct {
	mu       sync.RWMutex
	auctions map[string]domain.Auction
	bids     map[string]domain.Bid
	byAuc    map[string][]string // auctionID → bidIDs en orden de inserción
	runs     []domain.SettlementRun
}

// NewMemoryStorage crea un store vacío.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		auctions: make(map[string]domain.Auction),
		bids:     make(map[string]domain.Bid),
		byAuc:    make(map[string][]string),
	}
}

func (m *MemoryStorage) InsertAuction(_ context.Context, a domain.Auction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auctions[a.ID] = cloneAuction(a)
	return nil
}

func (m *MemoryStorage) UpdateAuction(_ context.Context, a domain.Auction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.auctions[a.ID]; !ok {
		return domain.ErrAuctionNotFound
	}
	m.auctions[a.ID] = cloneAuction(a)
	return nil
}

func (m *MemoryStorage) GetAuction(_ context.Context, id string) (domain.Auction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.auctions[id]
	if !ok {
		return domain.Auction{}, domain.ErrAuctionNotFound
	}
	return cloneAuction(a), nil
}

func (m *MemoryStorage) ListAuctions(_ context.Context, status domain.AuctionStatus) ([]domain.Auction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Auction
	for _, a := range m.auctions {
		if status == "" || a.Status == status {
			out = append(out, cloneAuction(a))
		}
	}
	sortAuctions(out)
	return out, nil
}

func (m *MemoryStorage) ListExpirable(_ context.Context, now time.Time) ([]domain.Auction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Auction
	for _, a := range m.auctions {
		if a.Status == domain.AuctionActive && !a.EndTime.After(now) {
			out = append(out, cloneAuction(a))
		}
	}
	sortAuctions(out)
	return out, nil
}

func (m *MemoryStorage) AdmitBid(_ context.Context, a domain.Auction, b domain.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.auctions[a.ID]; !ok {
		return domain.ErrAuctionNotFound
	}
	m.auctions[a.ID] = cloneAuction(a)
	m.bids[b.ID] = cloneBid(b)
	m.byAuc[b.AuctionID] = append(m.byAuc[b.AuctionID], b.ID)
	return nil
}

func (m *MemoryStorage) UpdateBid(_ context.Context, b domain.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bids[b.ID]; !ok {
		return domain.ErrBidNotFound
	}
	m.bids[b.ID] = cloneBid(b)
	return nil
}

func (m *MemoryStorage) GetBid(_ context.Context, id string) (domain.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bids[id]
	if !ok {
		return domain.Bid{}, domain.ErrBidNotFound
	}
	return cloneBid(b), nil
}

func (m *MemoryStorage) ListBidsByAuction(_ context.Context, auctionID string) ([]domain.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byAuc[auctionID]
	out := make([]domain.Bid, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneBid(m.bids[id]))
	}
	return out, nil
}

func (m *MemoryStorage) ListBidsByStatus(_ context.Context, status domain.BidStatus) ([]domain.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Bid
	for _, b := range m.bids {
		if b.Status == status {
			out = append(out, cloneBid(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SaveSettlementRun guarda el registro de auditoría de una liquidación.
func (m *MemoryStorage) SaveSettlementRun(_ context.Context, run domain.SettlementRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.Outcomes = append([]domain.TransferOutcome(nil), run.Outcomes...)
	m.runs = append(m.runs, run)
	return nil
}

// ListSettlementRuns devuelve las liquidaciones de una subasta, más antiguas primero.
func (m *MemoryStorage) ListSettlementRuns(_ context.Context, auctionID string) ([]domain.SettlementRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.SettlementRun
	for _, r := range m.runs {
		if r.AuctionID == auctionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStorage) Close() error { return nil }

func cloneAuction(a domain.Auction) domain.Auction {
	a.ItemIDs = append([]string(nil), a.ItemIDs...)
	return a
}

func cloneBid(b domain.Bid) domain.Bid {
	if b.ConfirmedAt != nil {
		t := *b.ConfirmedAt
		b.ConfirmedAt = &t
	}
	return b
}

func sortAuctions(as []domain.Auction) {
	sort.Slice(as, func(i, j int) bool {
		if !as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].CreatedAt.Before(as[j].CreatedAt)
		}
		return as[i].ID < as[j].ID
	})
}
