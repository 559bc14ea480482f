package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alejandrodnm/dutchclear/internal/domain"
	"github.com/alejandrodnm/dutchclear/internal/ports"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ ports.Metrics = (*Prometheus)(nil)

func TestPrometheus_Counters(t *testing.T) {
	p := New("")

	p.MonitorCycle(true, 250*time.Millisecond)
	p.MonitorCycle(false, time.Second)
	p.MonitorSkipped()
	p.PaymentPoll("address", true)
	p.PaymentPoll("status", false)
	p.PaymentConfirmed()
	p.AuctionsExpired(3)
	p.SettlementRun(domain.RunComplete)
	p.TransferOutcome(true)
	p.TransferOutcome(true)
	p.TransferOutcome(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.MonitorCycles.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.MonitorCycles.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.SkippedTicks))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.PaymentPolls.WithLabelValues("status", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.PaymentsConfirmed))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.Expired))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.SettlementRuns.WithLabelValues("complete")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.Transfers.WithLabelValues("ok")))
	assert.Positive(t, testutil.ToFloat64(p.LastCycle))
}

func TestPrometheus_InstancesAreIsolated(t *testing.T) {
	a := New("")
	b := New("")
	a.PaymentConfirmed()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.PaymentsConfirmed))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.PaymentsConfirmed))
}

func TestPrometheus_Handler(t *testing.T) {
	p := New("clearing")
	p.AuctionsExpired(2)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "clearing_ledger_auctions_expired_total 2")
	assert.Contains(t, string(body), "go_goroutines")
}
