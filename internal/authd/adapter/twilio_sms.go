package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/taskhive/auth-core/internal/authd/app"
	"github.com/taskhive/auth-core/internal/domain"
)

const twilioBaseURL = "https://api.twilio.com/2010-04-01"

// Compile-time check: TwilioProvider satisfies app.SMSSender.
var _ app.SMSSender = (*TwilioProvider)(nil)

// TwilioProvider delivers verification messages through the Twilio Messages
// API. It is the backup carrier behind the SNS primary.
type TwilioProvider struct {
	httpClient *http.Client
	accountSID string
	authToken  string
	from       string
	baseURL    string
}

// TwilioConfig carries the Twilio account credentials and sending number.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string

	// BaseURL overrides the Twilio API endpoint; tests point it at a local
	// server. Empty means the production endpoint.
	BaseURL string

	// HTTPClient overrides the transport. Nil means a client with the
	// standard SMS delivery timeout.
	HTTPClient *http.Client
}

// NewTwilioProvider creates a TwilioProvider from the given config.
func NewTwilioProvider(cfg TwilioConfig) *TwilioProvider {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: domain.SMSTimeout}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = twilioBaseURL
	}
	return &TwilioProvider{
		httpClient: client,
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.From,
		baseURL:    baseURL,
	}
}

// twilioMessageResponse is the subset of the Messages API response we read.
type twilioMessageResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Send posts the message to the Twilio Messages endpoint and returns the
// message SID.
func (p *TwilioProvider) Send(ctx context.Context, phone domain.PhoneNumber, message string) (string, error) {
	form := url.Values{}
	form.Set("To", phone.String())
	form.Set("From", p.from)
	form.Set("Body", message)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", p.baseURL, p.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("twilio sms: build request: %w", err)
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("twilio sms: send to %s: %w", phone.Masked(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("twilio sms: read response: %w", err)
	}

	var parsed twilioMessageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("twilio sms: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("twilio sms: send to %s: status %d code %d: %s",
			phone.Masked(), resp.StatusCode, parsed.Code, parsed.Message)
	}
	return parsed.SID, nil
}

// Name identifies the provider in delivery audit entries.
func (p *TwilioProvider) Name() string { return "twilio" }
