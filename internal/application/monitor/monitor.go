// Package monitor runs the periodic auction maintenance cycle: expire auctions
// past their end time, then poll escrow payments of pending bids.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/dutchclear/internal/application/tracker"
	"github.com/alejandrodnm/dutchclear/internal/ports"
)

const (
	defaultInterval     = 60 * time.Second
	defaultCycleTimeout = 5 * time.Minute
)

// Expirer closes auctions past their end time.
type Expirer interface {
	ExpireDue(ctx context.Context) (int, error)
}

// PaymentScanner polls pending bids.
type PaymentScanner interface {
	ScanPending(ctx context.Context) (tracker.ScanReport, error)
}

// Config contiene la configuración del monitor.
type Config struct {
	Interval time.Duration
	// CycleTimeout acota un ciclo completo; Stop espera como máximo esto.
	CycleTimeout time.Duration
}

// Stats son los contadores del monitor.
type Stats struct {
	Successful   int64              `json:"successful_cycles"`
	Failed       int64              `json:"failed_cycles"`
	Skipped      int64              `json:"skipped_cycles"`
	Running      bool               `json:"running"`
	LastRun      time.Time          `json:"last_run,omitempty"`
	LastDuration time.Duration      `json:"last_duration_ns"`
	LastError    string             `json:"last_error,omitempty"`
	LastExpired  int                `json:"last_expired"`
	LastScan     tracker.ScanReport `json:"last_scan"`
}

// Monitor ejecuta el ciclo de mantenimiento en un ticker. Un tick que llega
// con un ciclo todavía en curso se descarta (no se encola).
type Monitor struct {
	expirer Expirer
	scanner PaymentScanner
	metrics ports.Metrics
	cfg     Config

	busy   atomic.Bool
	cycles sync.WaitGroup

	mu    sync.Mutex
	stats Stats

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithMetrics sets the metrics sink.
func WithMetrics(m ports.Metrics) Option {
	return func(mon *Monitor) { mon.metrics = m }
}

// New crea un Monitor con sus dependencias inyectadas.
func New(expirer Expirer, scanner PaymentScanner, cfg Config, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = defaultCycleTimeout
	}
	m := &Monitor{
		expirer: expirer,
		scanner: scanner,
		metrics: ports.NopMetrics{},
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start lanza el loop en background. El primer ciclo corre inmediatamente.
// Llamar a Start dos veces sin Stop no tiene efecto.
func (m *Monitor) Start(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.done != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		m.run(loopCtx)
	}(m.done)
}

// Stop detiene los ticks y espera a que termine el ciclo en curso.
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.done == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cycles.Wait()
	m.done = nil
	m.cancel = nil
	slog.Info("monitor: stopped")
}

// Stats devuelve una copia de los contadores.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Running = m.busy.Load()
	return s
}

// run ejecuta el loop hasta que el contexto se cancele.
func (m *Monitor) run(ctx context.Context) {
	slog.Info("monitor: starting", "interval", m.cfg.Interval)

	m.tick(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick lanza un ciclo si no hay otro en curso. Devuelve false si lo descartó.
func (m *Monitor) tick(ctx context.Context) bool {
	if !m.busy.CompareAndSwap(false, true) {
		m.mu.Lock()
		m.stats.Skipped++
		m.mu.Unlock()
		m.metrics.MonitorSkipped()
		slog.Warn("monitor: previous cycle still running, tick skipped")
		return false
	}

	// El ciclo no hereda la cancelación del loop: Stop espera a que termine.
	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CycleTimeout)
	m.cycles.Add(1)
	go func() {
		defer m.cycles.Done()
		defer m.busy.Store(false)
		defer cancel()
		m.runCycle(cycleCtx)
	}()
	return true
}

// runCycle ejecuta expire + scan. Ningún error (ni panic) sale de aquí.
func (m *Monitor) runCycle(ctx context.Context) {
	start := time.Now()
	var (
		expired int
		report  tracker.ScanReport
		err     error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("monitor: cycle panic: %v", r)
			}
		}()
		expired, report, err = m.cycle(ctx)
	}()
	duration := time.Since(start)

	m.mu.Lock()
	m.stats.LastRun = start
	m.stats.LastDuration = duration
	m.stats.LastExpired = expired
	m.stats.LastScan = report
	if err != nil {
		m.stats.Failed++
		m.stats.LastError = err.Error()
	} else {
		m.stats.Successful++
		m.stats.LastError = ""
	}
	m.mu.Unlock()

	m.metrics.MonitorCycle(err == nil, duration)
	if err != nil {
		slog.Error("monitor: cycle failed", "err", err, "duration", duration.Round(time.Millisecond))
		return
	}
	slog.Info("monitor: cycle complete",
		"expired", expired,
		"pending", report.Pending,
		"confirmed", report.Confirmed,
		"duration", duration.Round(time.Millisecond),
	)
}

// cycle corre las dos fases; un fallo de expire no impide el scan.
func (m *Monitor) cycle(ctx context.Context) (int, tracker.ScanReport, error) {
	expired, expErr := m.expirer.ExpireDue(ctx)
	if expired > 0 {
		m.metrics.AuctionsExpired(expired)
	}
	if expErr != nil {
		expErr = fmt.Errorf("expire: %w", expErr)
	}

	report, scanErr := m.scanner.ScanPending(ctx)
	if scanErr != nil {
		scanErr = fmt.Errorf("scan: %w", scanErr)
	}
	return expired, report, errors.Join(expErr, scanErr)
}
