// Package client is the terminal-side HTTP client for the settlement
// server. It classifies failures so the offline queue can tell connectivity
// problems (retry later) apart from business rejections (keep with reason).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"tillpoint/internal/domain"
	"tillpoint/internal/queue"
)

type HTTP struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

func New(baseURL string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Login obtains a bearer token for subsequent calls.
func (c *HTTP) Login(ctx context.Context, username string, password string) error {
	payload, err := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/login", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &queue.TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed: %s", readError(resp.Body))
	}

	var login domain.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return err
	}

	c.mu.Lock()
	c.token = login.AccessToken
	c.mu.Unlock()
	return nil
}

// Settle submits one sale. Connectivity failures, timeouts and 5xx answers
// come back as *queue.TransportError; 4xx answers carry the server's
// business reason.
func (c *HTTP) Settle(ctx context.Context, saleReq domain.SaleRequest) (domain.SettleResult, error) {
	payload, err := json.Marshal(saleReq)
	if err != nil {
		return domain.SettleResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sales/settle", bytes.NewReader(payload))
	if err != nil {
		return domain.SettleResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.SettleResult{}, &queue.TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return domain.SettleResult{}, &queue.TransportError{Err: fmt.Errorf("server error: %s", resp.Status)}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var body errorBody
		if decodeErr := json.NewDecoder(resp.Body).Decode(&body); decodeErr == nil && body.Error != "" {
			if body.Code != "" {
				return domain.SettleResult{}, fmt.Errorf("%s: %s", body.Code, body.Error)
			}
			return domain.SettleResult{}, errors.New(body.Error)
		}
		return domain.SettleResult{}, fmt.Errorf("settle rejected: %s", resp.Status)
	}

	var result domain.SettleResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.SettleResult{}, &queue.TransportError{Err: fmt.Errorf("malformed settle response: %w", err)}
	}
	return result, nil
}

// Ping probes the server health endpoint.
func (c *HTTP) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &queue.TransportError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &queue.TransportError{Err: fmt.Errorf("health check: %s", resp.Status)}
	}
	return nil
}

// GetExchangeRates fetches the current exchange-rate snapshot, making the
// client usable as the rate source for a terminal-local converter.
func (c *HTTP) GetExchangeRates(ctx context.Context) (*domain.ExchangeRateSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/rates", nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &queue.TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rates fetch failed: %s", resp.Status)
	}

	var snapshot domain.ExchangeRateSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (c *HTTP) authorize(req *http.Request) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func readError(body io.Reader) string {
	var eb errorBody
	if err := json.NewDecoder(body).Decode(&eb); err == nil && eb.Error != "" {
		return eb.Error
	}
	return "unknown error"
}
