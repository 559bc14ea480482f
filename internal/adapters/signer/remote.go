package signer

// remote.go — cliente del servicio externo que firma las transferencias.
//
// Contrato: POST {url}/sign {"payload": "<hex>"} → {"signed": "<hex>"}.
// 409 significa que el signer declina la transferencia (ports.ErrSkipTransfer).
// Si hay secreto configurado, cada request lleva una firma HMAC-SHA256 de
// timestamp + método + path + body.

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/dutchclear/internal/ports"
)

const (
	signPath       = "/sign"
	defaultTimeout = 20 * time.Second
	maxBodyBytes   = 1 << 20

	headerTimestamp = "X-Signer-Timestamp"
	headerSignature = "X-Signer-Signature"
)

// ErrMalformedResponse se devuelve cuando el signer responde 200 sin un hex válido.
var ErrMalformedResponse = errors.New("signer returned a malformed signed payload")

// Config configura el signer remoto.
type Config struct {
	URL     string
	Timeout time.Duration
	// Secret (base64 url-encoded) activa la firma HMAC de cada request.
	Secret string
}

type signRequest struct {
	Payload string `json:"payload"`
}

type signResponse struct {
	Signed string `json:"signed"`
	Error  string `json:"error,omitempty"`
}

// Remote implementa ports.TransferSigner contra un servicio HTTP.
// No reintenta: el orchestrator registra el fallo y la puja se reintenta en
// el siguiente run.
type Remote struct {
	http    *http.Client
	baseURL string
	secret  []byte
	now     func() time.Time
}

// NewRemote crea el cliente. Devuelve error si el secreto no es base64 válido.
func NewRemote(cfg Config) (*Remote, error) {
	if cfg.URL == "" {
		return nil, errors.New("signer: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	var secret []byte
	if cfg.Secret != "" {
		s, err := base64.URLEncoding.DecodeString(cfg.Secret)
		if err != nil {
			return nil, fmt.Errorf("signer: decode secret: %w", err)
		}
		secret = s
	}
	return &Remote{
		http:    &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.URL, "/"),
		secret:  secret,
		now:     time.Now,
	}, nil
}

// Sign envía el payload sin firmar y devuelve la tx firmada en hex.
func (r *Remote) Sign(ctx context.Context, unsignedHex string) (string, error) {
	body, err := json.Marshal(signRequest{Payload: unsignedHex})
	if err != nil {
		return "", fmt.Errorf("signer.Sign: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+signPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("signer.Sign: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range r.authHeaders(http.MethodPost, signPath, string(body)) {
		req.Header.Set(k, v)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("signer.Sign: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("signer.Sign: read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return "", fmt.Errorf("signer.Sign: %s: %w", errorText(raw), ports.ErrSkipTransfer)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("signer.Sign: status %d: %s", resp.StatusCode, errorText(raw))
	}

	var out signResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("signer.Sign: decode: %w", err)
	}
	if out.Signed == "" {
		return "", fmt.Errorf("signer.Sign: empty: %w", ErrMalformedResponse)
	}
	if _, err := hex.DecodeString(out.Signed); err != nil {
		return "", fmt.Errorf("signer.Sign: %w", ErrMalformedResponse)
	}
	return out.Signed, nil
}

// authHeaders genera las cabeceras HMAC. Sin secreto no añade nada.
func (r *Remote) authHeaders(method, path, body string) map[string]string {
	if len(r.secret) == 0 {
		return nil
	}
	ts := strconv.FormatInt(r.now().Unix(), 10)
	return map[string]string{
		headerTimestamp: ts,
		headerSignature: Signature(r.secret, ts, method, path, body),
	}
}

// Signature calcula base64url(HMAC-SHA256(secret, ts+METHOD+path+body)).
// La usa también el servicio de firma para verificar las requests.
func Signature(secret []byte, ts, method, path, body string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts + strings.ToUpper(method) + path + body))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// errorText extrae el mensaje de error de la respuesta, o el cuerpo crudo.
func errorText(raw []byte) string {
	var out signResponse
	if err := json.Unmarshal(raw, &out); err == nil && out.Error != "" {
		return out.Error
	}
	return strings.TrimSpace(string(raw))
}
