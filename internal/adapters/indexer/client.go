package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/alejandrodnm/dutchclear/internal/domain"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://mempool.space/api"

	// Rate limit conservador para APIs públicas tipo Esplora.
	defaultRatePerSec = 8
	defaultBurst      = 4

	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 3
	defaultRetryWait  = 500 * time.Millisecond

	// Límite de lectura de cuerpos de respuesta.
	maxBodyBytes = 4 << 20
)

// Config configura el cliente del indexador.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	MaxRetries int
	RetryWait  time.Duration
}

// StatusError es una respuesta 4xx del indexador, o un 5xx reconocido como
// rechazo definitivo. No se reintenta.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client error %d: %s", e.Code, e.Body)
}

// Client es el HTTP client del indexador con rate limiting y retries.
type Client struct {
	http       *http.Client
	baseURL    string
	limiter    *rate.Limiter
	maxRetries int
	retryWait  time.Duration
}

// NewClient crea un Client. Los campos vacíos de cfg toman valores por defecto.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = defaultRetryWait
	}
	return &Client{
		http:       &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		maxRetries: cfg.MaxRetries,
		retryWait:  cfg.RetryWait,
	}
}

// get hace un GET con rate limiting y retries y devuelve el cuerpo.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.doWithRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		return c.http.Do(req)
	}, nil)
}

// postText hace un POST con cuerpo text/plain (p. ej. una tx en hex).
// Un 5xx cuyo cuerpo cumple final no se reintenta: vuelve como *StatusError.
func (c *Client) postText(ctx context.Context, path, body string, final func(body string) bool) ([]byte, error) {
	return c.doWithRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader([]byte(body)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "text/plain")
		return c.http.Do(req)
	}, final)
}

// doWithRetry ejecuta la función con backoff exponencial.
// Errores de red, 429 y 5xx se reintentan; al agotar los intentos el error
// envuelve domain.ErrIndexerUnavailable. Los 4xx vuelven como *StatusError.
func (c *Client) doWithRetry(ctx context.Context, fn func() (*http.Response, error), final func(body string) bool) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := fn()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			c.sleep(ctx, attempt)
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			slog.Warn("indexer: rate limited", "attempt", attempt+1)
			lastErr = fmt.Errorf("rate limited (429)")
			c.sleep(ctx, attempt)
			continue
		case resp.StatusCode >= 500 && final != nil && final(strings.TrimSpace(string(body))):
			return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			c.sleep(ctx, attempt)
			continue
		case resp.StatusCode >= 400:
			return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}

		if readErr != nil {
			lastErr = fmt.Errorf("read body: %w", readErr)
			c.sleep(ctx, attempt)
			continue
		}
		return body, nil
	}
	return nil, fmt.Errorf("%w: after %d retries: %w", domain.ErrIndexerUnavailable, c.maxRetries, lastErr)
}

// sleep espera con backoff exponencial, respetando el contexto.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.retryWait
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func isNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}
