package notify

import (
	"context"
	"log/slog"

	"github.com/alejandrodnm/dutchclear/internal/domain"
	"github.com/dustin/go-humanize"
)

// ActivityLogger implementa ports.ActivityObserver registrando con slog los
// pagos entrantes que todavía no tienen tx asociada. Es la señal para que un
// operador empareje la tx a mano.
type ActivityLogger struct {
	logger *slog.Logger
}

// NewActivityLogger crea el observer. Con logger nil usa slog.Default().
func NewActivityLogger(logger *slog.Logger) *ActivityLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityLogger{logger: logger}
}

// EscrowActivity registra la actividad de una dirección de escrow.
func (l *ActivityLogger) EscrowActivity(ctx context.Context, a domain.EscrowActivity) {
	inbound := a.InboundTotal()
	level := slog.LevelInfo
	if inbound < a.AmountOwed {
		level = slog.LevelWarn
	}
	txIDs := make([]string, 0, len(a.Txs))
	for _, tx := range a.Txs {
		txIDs = append(txIDs, tx.TxID)
	}
	l.logger.Log(ctx, level, "escrow: unpaired inbound activity",
		"bid_id", a.BidID,
		"auction_id", a.AuctionID,
		"escrow", a.EscrowAddress,
		"owed", humanize.Comma(a.AmountOwed),
		"inbound", humanize.Comma(inbound),
		"owed_btc", domain.FormatBTC(a.AmountOwed),
		"txs", txIDs,
	)
}
