package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/dutchclear/internal/domain"
)

// ActivityObserver receives inbound escrow activity that still needs to be
// paired with a specific tx. Optional: NopActivityObserver drops everything.
type ActivityObserver interface {
	EscrowActivity(ctx context.Context, activity domain.EscrowActivity)
}

// NopActivityObserver is the default ActivityObserver.
type NopActivityObserver struct{}

func (NopActivityObserver) EscrowActivity(context.Context, domain.EscrowActivity) {}

// AuditLog keeps the record of finished settlement runs.
// Optional: NopAuditLog keeps nothing.
type AuditLog interface {
	SaveSettlementRun(ctx context.Context, run domain.SettlementRun) error
	ListSettlementRuns(ctx context.Context, auctionID string) ([]domain.SettlementRun, error)
}

// NopAuditLog is the default AuditLog.
type NopAuditLog struct{}

func (NopAuditLog) SaveSettlementRun(context.Context, domain.SettlementRun) error { return nil }

func (NopAuditLog) ListSettlementRuns(context.Context, string) ([]domain.SettlementRun, error) {
	return nil, nil
}

// Metrics records counters for the background and settlement paths.
// Optional: NopMetrics records nothing.
type Metrics interface {
	MonitorCycle(ok bool, duration time.Duration)
	MonitorSkipped()
	PaymentPoll(kind string, ok bool)
	PaymentConfirmed()
	AuctionsExpired(n int)
	SettlementRun(state domain.RunState)
	TransferOutcome(ok bool)
}

// NopMetrics is the default Metrics.
type NopMetrics struct{}

func (NopMetrics) MonitorCycle(bool, time.Duration) {}
func (NopMetrics) MonitorSkipped() {}
func (NopMetrics) PaymentPoll(string, bool) {}
func (NopMetrics) PaymentConfirmed() {}
func (NopMetrics) AuctionsExpired(int) {}
func (NopMetrics) SettlementRun(domain.RunState) {}
func (NopMetrics) TransferOutcome(bool) {}
