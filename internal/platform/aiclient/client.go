// Package aiclient calls the external AI response service that drafts
// replies to patient chat messages.
package aiclient

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
)

var ErrNotConfigured = errors.New("ai service is not configured")

// HistoryMessage is one prior turn of the conversation.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the body sent to the AI service.
type Request struct {
	Message             string           `json:"message"`
	PatientID           string           `json:"patientId"`
	ConversationHistory []HistoryMessage `json:"conversationHistory"`
}

// DetectedAction is an intent the AI service recognised in the message.
type DetectedAction struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Context is the recovery context reported alongside a response.
type Context struct {
	RecoveryDay     int              `json:"recoveryDay"`
	Phase           string           `json:"phase"`
	DetectedActions []DetectedAction `json:"detectedActions"`
}

// Response is the AI service's reply.
type Response struct {
	Response string  `json:"response"`
	Context  Context `json:"context"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Respond posts a chat message and returns the drafted reply.
func (c *Client) Respond(ctx context.Context, req Request) (*Response, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	if req.ConversationHistory == nil {
		req.ConversationHistory = []HistoryMessage{}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/protocol-ai-response", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call ai service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("ai service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ai response: %w", err)
	}
	return &out, nil
}
