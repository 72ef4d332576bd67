// Package sms sends text messages through an HTTP gateway.
package sms

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

	"mailflow/pkg/config"
	"mailflow/pkg/messaging"
)

var ErrNotConfigured = errors.New("sms gateway not configured")

type Sender interface {
	Send(ctx context.Context, to, text string) error
}

type Client struct {
	baseURL    string
	apiKey     string
	sender     string
	httpClient *http.Client
}

type sendRequest struct {
	To   string `json:"to"`
	From string `json:"from"`
	Text string `json:"text"`
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.SMSGatewayURL, "/"),
		apiKey:     cfg.SMSAPIKey,
		sender:     cfg.SMSSender,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts one message. 5xx, 429 and network errors are transient; any
// other 4xx is permanent.
func (c *Client) Send(ctx context.Context, to, text string) error {
	if c.baseURL == "" {
		return messaging.Permanent("sms", ErrNotConfigured)
	}
	if strings.TrimSpace(to) == "" {
		return messaging.Permanent("empty phone number", nil)
	}

	body, err := json.Marshal(sendRequest{To: to, From: c.sender, Text: text})
	if err != nil {
		return messaging.Permanent("marshal sms request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return messaging.Permanent("build sms request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return messaging.Transient("sms gateway request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := fmt.Errorf("sms gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return messaging.Transient("sms gateway", statusErr)
	}
	return messaging.Permanent("sms gateway rejected message", statusErr)
}
