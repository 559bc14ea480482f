package storage

// sqlite.go — persistencia del ledger de subastas.
//
// Tablas:
//   - `auctions`: una fila por subasta; quantity_remaining y status los escribe
//     solo el Ledger, bajo el lock de la subasta.
//   - `bids`: una fila por puja, indexada por auction_id y status.
//   - `settlement_runs`: auditoría de cada liquidación (outcomes como JSON).
//
// Los timestamps se guardan como TEXT UTC de ancho fijo para que las
// comparaciones y ORDER BY lexicográficos sean cronológicos.

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alejandrodnm/dutchclear/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS auctions (
    id                 TEXT PRIMARY KEY,
    item_ids           TEXT    NOT NULL,   -- JSON array
    total_quantity     INTEGER NOT NULL,
    quantity_remaining INTEGER NOT NULL,
    start_price        INTEGER NOT NULL,
    floor_price        INTEGER NOT NULL,
    duration_seconds   INTEGER NOT NULL,
    interval_seconds   INTEGER NOT NULL,
    decay              TEXT    NOT NULL,
    seller_address     TEXT    NOT NULL,
    status             TEXT    NOT NULL DEFAULT 'active',
    start_time         TEXT    NOT NULL,
    end_time           TEXT    NOT NULL,
    created_at         TEXT    NOT NULL,
    updated_at         TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_auctions_status_end ON auctions(status, end_time);

CREATE TABLE IF NOT EXISTS bids (
    id               TEXT PRIMARY KEY,
    auction_id       TEXT    NOT NULL REFERENCES auctions(id),
    bidder_address   TEXT    NOT NULL,
    quantity         INTEGER NOT NULL,
    unit_price       INTEGER NOT NULL,
    amount_owed      INTEGER NOT NULL,
    escrow_address   TEXT    NOT NULL,
    payment_txid     TEXT    NOT NULL DEFAULT '',
    settlement_txid  TEXT    NOT NULL DEFAULT '',
    failure_reason   TEXT    NOT NULL DEFAULT '',
    status           TEXT    NOT NULL,
    created_at       TEXT    NOT NULL,
    updated_at       TEXT    NOT NULL,
    confirmed_at     TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_bids_auction ON bids(auction_id, created_at);
CREATE INDEX IF NOT EXISTS idx_bids_status  ON bids(status);

CREATE TABLE IF NOT EXISTS settlement_runs (
    id             TEXT PRIMARY KEY,
    auction_id     TEXT    NOT NULL,
    state          TEXT    NOT NULL,
    clearing_price INTEGER NOT NULL DEFAULT 0,
    transfers      INTEGER NOT NULL DEFAULT 0,
    outcomes       TEXT    NOT NULL,   -- JSON array de TransferOutcome
    error          TEXT    NOT NULL DEFAULT '',
    started_at     TEXT    NOT NULL,
    finished_at    TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_auction ON settlement_runs(auction_id, started_at);
`

// timeLayout es RFC3339 con nanosegundos de ancho fijo.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const auctionColumns = `id, item_ids, total_quantity, quantity_remaining, start_price, floor_price,
	duration_seconds, interval_seconds, decay, seller_address, status,
	start_time, end_time, created_at, updated_at`

const bidColumns = `id, auction_id, bidder_address, quantity, unit_price, amount_owed,
	escrow_address, payment_txid, settlement_txid, failure_reason, status,
	created_at, updated_at, confirmed_at`

// SQLiteStorage implementa ports.Store y ports.AuditLog usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada y aplica el schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// ─── Auctions ────────────────────────────────────────────────────────────────

// InsertAuction crea una subasta nueva.
func (s *SQLiteStorage) InsertAuction(ctx context.Context, a domain.Auction) error {
	items, err := json.Marshal(a.ItemIDs)
	if err != nil {
		return fmt.Errorf("storage.InsertAuction: marshal items: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO auctions (`+auctionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, string(items), a.TotalQuantity, a.QuantityRemaining, a.StartPrice, a.FloorPrice,
		a.DurationSeconds, a.IntervalSeconds, string(a.Decay), a.SellerAddress, string(a.Status),
		fmtTime(a.StartTime), fmtTime(a.EndTime), fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.InsertAuction: %s: %w", a.ID, err)
	}
	return nil
}

// UpdateAuction actualiza los campos mutables: inventario y estado.
func (s *SQLiteStorage) UpdateAuction(ctx context.Context, a domain.Auction) error {
	return updateAuction(ctx, s.db, a)
}

// GetAuction devuelve una subasta por id.
func (s *SQLiteStorage) GetAuction(ctx context.Context, id string) (domain.Auction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id=?`, id)
	if err != nil {
		return domain.Auction{}, fmt.Errorf("storage.GetAuction: query: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Auction{}, fmt.Errorf("storage.GetAuction: %w", err)
		}
		return domain.Auction{}, domain.ErrAuctionNotFound
	}
	a, err := scanAuction(rows)
	if err != nil {
		return domain.Auction{}, fmt.Errorf("storage.GetAuction: scan: %w", err)
	}
	return a, nil
}

// ListAuctions devuelve las subastas con el estado dado ("" = todas).
func (s *SQLiteStorage) ListAuctions(ctx context.Context, status domain.AuctionStatus) ([]domain.Auction, error) {
	if status == "" {
		return s.queryAuctions(ctx, ``)
	}
	return s.queryAuctions(ctx, `WHERE status=?`, string(status))
}

// ListExpirable devuelve las subastas activas cuyo end_time ya pasó.
func (s *SQLiteStorage) ListExpirable(ctx context.Context, now time.Time) ([]domain.Auction, error) {
	return s.queryAuctions(ctx, `WHERE status='active' AND end_time <= ?`, fmtTime(now))
}

func (s *SQLiteStorage) queryAuctions(ctx context.Context, where string, args ...any) ([]domain.Auction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auctionColumns+` FROM auctions `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.queryAuctions: %w", err)
	}
	defer rows.Close()

	var out []domain.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.queryAuctions: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ─── Bids ────────────────────────────────────────────────────────────────────

// AdmitBid guarda el inventario decrementado y la puja en una sola transacción.
func (s *SQLiteStorage) AdmitBid(ctx context.Context, a domain.Auction, b domain.Bid) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.AdmitBid: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := updateAuction(ctx, tx, a); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO bids (`+bidColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, bidArgs(b)...); err != nil {
		return fmt.Errorf("storage.AdmitBid: insert bid %s: %w", b.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.AdmitBid: commit: %w", err)
	}
	return nil
}

// UpdateBid reescribe el estado de pago/liquidación de una puja.
func (s *SQLiteStorage) UpdateBid(ctx context.Context, b domain.Bid) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bids SET payment_txid=?, settlement_txid=?, failure_reason=?, status=?,
		                updated_at=?, confirmed_at=?
		WHERE id=?`,
		b.PaymentTxID, b.SettlementTxID, b.FailureReason, string(b.Status),
		fmtTime(b.UpdatedAt), fmtTimePtr(b.ConfirmedAt), b.ID,
	)
	if err != nil {
		return fmt.Errorf("storage.UpdateBid: %s: %w", b.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrBidNotFound
	}
	return nil
}

// GetBid devuelve una puja por id.
func (s *SQLiteStorage) GetBid(ctx context.Context, id string) (domain.Bid, error) {
	bids, err := s.queryBids(ctx, `WHERE id=?`, id)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("storage.GetBid: %w", err)
	}
	if len(bids) == 0 {
		return domain.Bid{}, domain.ErrBidNotFound
	}
	return bids[0], nil
}

// ListBidsByAuction devuelve las pujas de una subasta en orden de llegada.
func (s *SQLiteStorage) ListBidsByAuction(ctx context.Context, auctionID string) ([]domain.Bid, error) {
	return s.queryBids(ctx, `WHERE auction_id=?`, auctionID)
}

// ListBidsByStatus devuelve todas las pujas en un estado dado.
func (s *SQLiteStorage) ListBidsByStatus(ctx context.Context, status domain.BidStatus) ([]domain.Bid, error) {
	return s.queryBids(ctx, `WHERE status=?`, string(status))
}

func (s *SQLiteStorage) queryBids(ctx context.Context, where string, args ...any) ([]domain.Bid, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ─── Settlement audit ────────────────────────────────────────────────────────

// SaveSettlementRun persiste el resultado de una liquidación.
func (s *SQLiteStorage) SaveSettlementRun(ctx context.Context, run domain.SettlementRun) error {
	outcomes, err := json.Marshal(run.Outcomes)
	if err != nil {
		return fmt.Errorf("storage.SaveSettlementRun: marshal outcomes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO settlement_runs
		  (id, auction_id, state, clearing_price, transfers, outcomes, error, started_at, finished_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.AuctionID, string(run.State), run.ClearingPrice, run.Transfers,
		string(outcomes), run.Error, fmtTime(run.StartedAt), fmtTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveSettlementRun: %s: %w", run.ID, err)
	}
	return nil
}

// ListSettlementRuns devuelve la auditoría de una subasta, más antigua primero.
func (s *SQLiteStorage) ListSettlementRuns(ctx context.Context, auctionID string) ([]domain.SettlementRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, auction_id, state, clearing_price, transfers, outcomes, error, started_at, finished_at
		FROM settlement_runs WHERE auction_id=? ORDER BY started_at ASC`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListSettlementRuns: %w", err)
	}
	defer rows.Close()

	var runs []domain.SettlementRun
	for rows.Next() {
		var r domain.SettlementRun
		var state, outcomes, started, finished string
		if err := rows.Scan(&r.ID, &r.AuctionID, &state, &r.ClearingPrice, &r.Transfers,
			&outcomes, &r.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("storage.ListSettlementRuns: scan: %w", err)
		}
		r.State = domain.RunState(state)
		if err := json.Unmarshal([]byte(outcomes), &r.Outcomes); err != nil {
			return nil, fmt.Errorf("storage.ListSettlementRuns: outcomes %s: %w", r.ID, err)
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- helpers internos ---

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateAuction(ctx context.Context, db execer, a domain.Auction) error {
	res, err := db.ExecContext(ctx,
		`UPDATE auctions SET quantity_remaining=?, status=?, updated_at=? WHERE id=?`,
		a.QuantityRemaining, string(a.Status), fmtTime(a.UpdatedAt), a.ID)
	if err != nil {
		return fmt.Errorf("storage.updateAuction: %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAuctionNotFound
	}
	return nil
}

func scanAuction(rows *sql.Rows) (domain.Auction, error) {
	var a domain.Auction
	var items, decay, status, start, end, created, updated string
	err := rows.Scan(
		&a.ID, &items, &a.TotalQuantity, &a.QuantityRemaining, &a.StartPrice, &a.FloorPrice,
		&a.DurationSeconds, &a.IntervalSeconds, &decay, &a.SellerAddress, &status,
		&start, &end, &created, &updated,
	)
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(items), &a.ItemIDs); err != nil {
		return a, fmt.Errorf("item ids of %s: %w", a.ID, err)
	}
	a.Decay = domain.DecayLaw(decay)
	a.Status = domain.AuctionStatus(status)
	a.StartTime = parseTime(start)
	a.EndTime = parseTime(end)
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return a, nil
}

func scanBid(rows *sql.Rows) (domain.Bid, error) {
	var b domain.Bid
	var status, created, updated, confirmed string
	err := rows.Scan(
		&b.ID, &b.AuctionID, &b.BidderAddress, &b.Quantity, &b.UnitPrice, &b.AmountOwed,
		&b.EscrowAddress, &b.PaymentTxID, &b.SettlementTxID, &b.FailureReason, &status,
		&created, &updated, &confirmed,
	)
	if err != nil {
		return b, err
	}
	b.Status = domain.BidStatus(status)
	b.CreatedAt = parseTime(created)
	b.UpdatedAt = parseTime(updated)
	if confirmed != "" {
		t := parseTime(confirmed)
		b.ConfirmedAt = &t
	}
	return b, nil
}

func bidArgs(b domain.Bid) []any {
	return []any{
		b.ID, b.AuctionID, b.BidderAddress, b.Quantity, b.UnitPrice, b.AmountOwed,
		b.EscrowAddress, b.PaymentTxID, b.SettlementTxID, b.FailureReason, string(b.Status),
		fmtTime(b.CreatedAt), fmtTime(b.UpdatedAt), fmtTimePtr(b.ConfirmedAt),
	}
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}
