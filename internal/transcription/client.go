package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Requester submits recordings for asynchronous speech-to-text. The provider later calls
// back with the transcript on CallbackURL.
type Requester interface {
	RequestTranscription(ctx context.Context, req Request) (RequestID string, err error)
}

var ErrNotConfigured = errors.New("transcription: provider not configured")

type Request struct {
	CallID      string
	UserID      string
	MediaURL    string
	CallbackURL string
}

const defaultDeepgramBaseURL = "https://api.deepgram.com"

type DeepgramConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DeepgramClient uses Deepgram's pre-recorded API in callback mode.
type DeepgramClient struct {
	cfg    DeepgramConfig
	client *http.Client
}

func NewDeepgramClient(cfg DeepgramConfig) (*DeepgramClient, error) {
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultDeepgramBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &DeepgramClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type listenRequest struct {
	URL string `json:"url"`
}

type listenResponse struct {
	RequestID string `json:"request_id"`
}

func (d *DeepgramClient) RequestTranscription(ctx context.Context, req Request) (string, error) {
	if req.MediaURL == "" || req.CallbackURL == "" {
		return "", fmt.Errorf("transcription: media url and callback url are required")
	}

	q := url.Values{}
	q.Set("model", d.cfg.Model)
	q.Set("callback", req.CallbackURL)
	q.Set("punctuate", "true")
	q.Set("diarize", "true")
	q.Set("summarize", "v2")
	// Echoed back in the callback's metadata.
	q.Add("extra", "callId:"+req.CallID)
	if req.UserID != "" {
		q.Add("extra", "userId:"+req.UserID)
	}
	endpoint := strings.TrimRight(d.cfg.BaseURL, "/") + "/v1/listen?" + q.Encode()

	jsonData, err := json.Marshal(listenRequest{URL: req.MediaURL})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Token "+d.cfg.APIKey)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("deepgram API error: %d - %s", resp.StatusCode, string(body))
	}

	var out listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return out.RequestID, nil
}
