// Package fcm delivers push notifications through an FCM-compatible
// HTTP endpoint.
//
// The endpoint accepts a JSON multicast body and answers with one result
// object per token, in input order. An "UNREGISTERED" or "INVALID_ARGUMENT"
// error code marks the token permanently dead; anything else is a
// transient failure the dispatcher retries.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/hearth-app/hearth/internal/push/provider"
)

func init() {
	provider.Register("fcm", New)
}

// Error codes the endpoint uses for permanently dead tokens.
var invalidTokenCodes = map[string]bool{
	"UNREGISTERED":     true,
	"INVALID_ARGUMENT": true,
	"NOT_FOUND":        true,
}

type fcmProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *log.Logger
}

// New creates the FCM provider. Endpoint and APIKey are required.
func New(settings provider.Settings) (provider.Provider, error) {
	if settings.Endpoint == "" {
		return nil, fmt.Errorf("fcm: endpoint is required")
	}
	if settings.APIKey == "" {
		return nil, fmt.Errorf("fcm: api key is required")
	}

	logger := settings.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[push:fcm] ", log.LstdFlags)
	}

	return &fcmProvider{
		endpoint: settings.Endpoint,
		apiKey:   settings.APIKey,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   logger,
	}, nil
}

func (p *fcmProvider) Name() string {
	return "fcm"
}

// wire shapes for the multicast request/response.

type multicastRequest struct {
	Messages []message `json:"messages"`
}

type message struct {
	Token        string            `json:"token"`
	Notification notification      `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type multicastResponse struct {
	Results []tokenResult `json:"results"`
}

type tokenResult struct {
	Token     string `json:"token"`
	Success   bool   `json:"success"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (p *fcmProvider) Send(ctx context.Context, batch []provider.Notification) ([]provider.Result, error) {
	req := multicastRequest{Messages: make([]message, len(batch))}
	for i, n := range batch {
		req.Messages[i] = message{
			Token:        n.Token,
			Notification: notification{Title: n.Title, Body: n.Body},
			Data:         n.Data,
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("fcm: failed to marshal batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("fcm: failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		// Whole-batch failure: the dispatcher retries everything.
		return nil, fmt.Errorf("fcm: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fcm: endpoint returned %d", httpResp.StatusCode)
	}

	var resp multicastResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("fcm: failed to decode response: %w", err)
	}
	if len(resp.Results) != len(batch) {
		return nil, fmt.Errorf("fcm: %d results for %d messages", len(resp.Results), len(batch))
	}

	// Decompose per token; a partial-failure batch is never treated as
	// fully failed or fully successful.
	results := make([]provider.Result, len(batch))
	for i, r := range resp.Results {
		token := r.Token
		if token == "" {
			token = batch[i].Token
		}
		switch {
		case r.Success:
			results[i] = provider.Result{Token: token, Status: provider.StatusDelivered}
		case invalidTokenCodes[r.ErrorCode]:
			results[i] = provider.Result{Token: token, Status: provider.StatusTokenInvalid, Detail: r.ErrorCode}
		default:
			results[i] = provider.Result{Token: token, Status: provider.StatusFailed, Detail: r.ErrorCode + " " + r.Error}
		}
	}
	return results, nil
}
