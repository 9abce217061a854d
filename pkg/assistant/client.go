// Package assistant provides a client for the OpenAI Assistants API:
// threads, runs, run steps, and messages, plus a poll driver that walks a
// run to completion.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client defines the Assistants API operations.
type Client interface {
	// CreateThread creates a thread pre-seeded with messages.
	CreateThread(ctx context.Context, messages []ThreadMessage) (*Thread, error)
	// CreateRun starts the assistant on a thread.
	CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error)
	// RetrieveRun fetches the current state of a run.
	RetrieveRun(ctx context.Context, threadID, runID string) (*Run, error)
	// ListRunSteps lists a run's steps in ascending creation order.
	ListRunSteps(ctx context.Context, threadID, runID string) ([]RunStep, error)
	// RetrieveMessage fetches one thread message.
	RetrieveMessage(ctx context.Context, threadID, messageID string) (*Message, error)
}

// ThreadMessage is an input message for thread creation.
type ThreadMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Thread is a created conversation thread.
type Thread struct {
	ID string `json:"id"`
}

// Run is an assistant execution over a thread.
type Run struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Status    string    `json:"status"`
	LastError *RunError `json:"last_error"`
}

// RunError carries the provider's failure detail.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RunStep is one unit of work inside a run.
type RunStep struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Status      string      `json:"status"`
	StepDetails StepDetails `json:"step_details"`
}

// StepDetails describes what a step produced.
type StepDetails struct {
	Type            string           `json:"type"`
	MessageCreation *MessageCreation `json:"message_creation,omitempty"`
}

// MessageCreation links a step to the message it wrote.
type MessageCreation struct {
	MessageID string `json:"message_id"`
}

// Message is a thread message with its content blocks.
type Message struct {
	ID      string         `json:"id"`
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one piece of message content.
type ContentBlock struct {
	Type string     `json:"type"`
	Text *TextBlock `json:"text,omitempty"`
}

// TextBlock holds a text content value.
type TextBlock struct {
	Value string `json:"value"`
}

type listRunStepsResponse struct {
	Data []RunStep `json:"data"`
}

// Text concatenates the message's text blocks.
func (m *Message) Text() string {
	var out string
	for _, block := range m.Content {
		if block.Type == "text" && block.Text != nil {
			out += block.Text.Value
		}
	}
	return out
}

// Option configures the assistant client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates an Assistants API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) CreateThread(ctx context.Context, messages []ThreadMessage) (*Thread, error) {
	payload := map[string]any{}
	if len(messages) > 0 {
		payload["messages"] = messages
	}

	var thread Thread
	if err := c.do(ctx, http.MethodPost, "/threads", payload, &thread); err != nil {
		return nil, eris.Wrap(err, "assistant: create thread")
	}
	return &thread, nil
}

func (c *httpClient) CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error) {
	payload := map[string]any{"assistant_id": assistantID}

	var run Run
	path := fmt.Sprintf("/threads/%s/runs", threadID)
	if err := c.do(ctx, http.MethodPost, path, payload, &run); err != nil {
		return nil, eris.Wrap(err, "assistant: create run")
	}
	return &run, nil
}

func (c *httpClient) RetrieveRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var run Run
	path := fmt.Sprintf("/threads/%s/runs/%s", threadID, runID)
	if err := c.do(ctx, http.MethodGet, path, nil, &run); err != nil {
		return nil, eris.Wrap(err, "assistant: retrieve run")
	}
	return &run, nil
}

func (c *httpClient) ListRunSteps(ctx context.Context, threadID, runID string) ([]RunStep, error) {
	var resp listRunStepsResponse
	path := fmt.Sprintf("/threads/%s/runs/%s/steps?order=asc&limit=100", threadID, runID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, eris.Wrap(err, "assistant: list run steps")
	}
	return resp.Data, nil
}

func (c *httpClient) RetrieveMessage(ctx context.Context, threadID, messageID string) (*Message, error) {
	var msg Message
	path := fmt.Sprintf("/threads/%s/messages/%s", threadID, messageID)
	if err := c.do(ctx, http.MethodGet, path, nil, &msg); err != nil {
		return nil, eris.Wrap(err, "assistant: retrieve message")
	}
	return &msg, nil
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// do executes one API call with exponential backoff retries on transient
// failures and decodes the JSON response into out.
func (c *httpClient) do(ctx context.Context, method, path string, payload any, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return eris.Wrap(err, "marshal request")
		}
	}

	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return eris.Wrap(err, "create request")
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("OpenAI-Beta", "assistants=v2")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return lastErr
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return eris.Wrap(readErr, "read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("status %d: %s", resp.StatusCode, string(respBody))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return eris.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return eris.Wrap(err, "unmarshal response")
			}
		}
		return nil
	}

	return lastErr
}
