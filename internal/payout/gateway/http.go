// Package gateway is the HTTP client for the external payout rail. Every
// transfer carries the caller's idempotency key so retrying after a timeout
// is safe on the rail's side.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/commissary/internal/config"
	"github.com/smallbiznis/commissary/internal/payout/domain"
)

type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(cfg *config.Config) domain.Gateway {
	timeout := cfg.GatewayTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.GatewayBaseURL), "/"),
		apiKey:  strings.TrimSpace(cfg.GatewayAPIKey),
		client:  &http.Client{Timeout: timeout},
	}
}

type transferRequest struct {
	DestinationID string `json:"destination_id"`
	Currency      string `json:"currency"`
	AmountCents   int64  `json:"amount_cents"`
	Description   string `json:"description,omitempty"`
	ReferenceUser string `json:"reference_user,omitempty"`
}

type transferResponse struct {
	TransferID string `json:"transfer_id"`
	Error      string `json:"error,omitempty"`
}

func (c *Client) CreateTransfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	if c.baseURL == "" {
		return nil, errors.New("payout gateway not configured")
	}

	payload, err := json.Marshal(transferRequest{
		DestinationID: req.DestinationID,
		Currency:      req.Currency,
		AmountCents:   req.AmountCents,
		Description:   req.Description,
		ReferenceUser: req.AffiliateUserID,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayTransferFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out transferResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: bad response (%d)", domain.ErrGatewayTransferFailed, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		reason := out.Error
		if reason == "" {
			reason = resp.Status
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrGatewayTransferFailed, reason)
	}
	if strings.TrimSpace(out.TransferID) == "" {
		return nil, fmt.Errorf("%w: missing transfer id", domain.ErrGatewayTransferFailed)
	}
	return &domain.TransferResult{TransferID: out.TransferID}, nil
}

type destinationResponse struct {
	Verified bool `json:"verified"`
}

func (c *Client) GetPayoutDestinationStatus(ctx context.Context, destinationID string) (*domain.DestinationStatus, error) {
	if c.baseURL == "" {
		return nil, errors.New("payout gateway not configured")
	}

	url := fmt.Sprintf("%s/v1/destinations/%s", c.baseURL, destinationID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &domain.DestinationStatus{Verified: false}, nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("destination lookup failed: %s", resp.Status)
	}

	var out destinationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &domain.DestinationStatus{Verified: out.Verified}, nil
}
