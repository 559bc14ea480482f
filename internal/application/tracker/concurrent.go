package tracker

// concurrent.go — worker pool para los polls de pagos.
//
// Cada puja pendiente es una llamada HTTP independiente al indexador; con N
// workers el ciclo tarda ~pendientes/N polls en vez de uno detrás de otro.
// El rate limiter del cliente sigue acotando la tasa total.

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alejandrodnm/dutchclear/internal/domain"
)

// pollConcurrent ejecuta poll para cada puja usando un worker pool.
// Devuelve un resultado por puja, en orden arbitrario.
func pollConcurrent(ctx context.Context, t *Tracker, bids []domain.Bid, workers int) []pollResult {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if workers > len(bids) {
		workers = len(bids)
	}

	workCh := make(chan domain.Bid, len(bids))
	resultCh := make(chan pollResult, len(bids))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range workCh {
				if ctx.Err() != nil {
					kind := pollStatus
					if !b.HasObservedPayment() {
						kind = pollAddress
					}
					resultCh <- pollResult{bidID: b.ID, kind: kind, err: ctx.Err()}
					continue
				}
				resultCh <- t.poll(ctx, b)
			}
		}()
	}

	for _, b := range bids {
		workCh <- b
	}
	close(workCh)

	// Cerrar resultCh cuando todos los workers terminen.
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]pollResult, 0, len(bids))
	for r := range resultCh {
		results = append(results, r)
	}

	slog.Debug("tracker: concurrent polls complete",
		"bids", len(bids),
		"workers", workers,
	)
	return results
}
