package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/niya-labs/niya-bridge/internal/domain"
)

var errAgentStatus = errors.New("agent service returned error status")

// HTTPClient talks to the agent service over its REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	model      string
	embedding  string
	httpClient *http.Client
	logger     *slog.Logger
}

// HTTPClientConfig holds configuration for the agent service client.
type HTTPClientConfig struct {
	BaseURL        string
	Token          string
	Model          string
	Embedding      string
	RequestTimeout time.Duration
}

// DefaultHTTPClientConfig returns default configuration for a local
// agent service.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		BaseURL:        "http://localhost:8283",
		Model:          "openai/gpt-4o-mini",
		Embedding:      "openai/text-embedding-3-small",
		RequestTimeout: 30 * time.Second,
	}
}

// NewHTTPClient creates a client for the agent service REST API.
func NewHTTPClient(cfg HTTPClientConfig, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultHTTPClientConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.Embedding == "" {
		cfg.Embedding = defaults.Embedding
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}

	return &HTTPClient{
		baseURL:   cfg.BaseURL,
		token:     cfg.Token,
		model:     cfg.Model,
		embedding: cfg.Embedding,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger: logger,
	}
}

type contextBlockPayload struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Limit int    `json:"limit,omitempty"`
}

type createAgentRequest struct {
	Name         string                `json:"name"`
	MemoryBlocks []contextBlockPayload `json:"memory_blocks"`
	Model        string                `json:"model"`
	Embedding    string                `json:"embedding"`
	Tools        []string              `json:"tools"`
}

type agentResource struct {
	ID string `json:"id"`
}

// CreateInstance provisions a fresh agent seeded with context blocks.
func (c *HTTPClient) CreateInstance(ctx context.Context, name string, blocks []domain.ContextBlock) (string, error) {
	payload := createAgentRequest{
		Name:         name,
		MemoryBlocks: make([]contextBlockPayload, 0, len(blocks)),
		Model:        c.model,
		Embedding:    c.embedding,
		Tools:        []string{},
	}
	for _, b := range blocks {
		payload.MemoryBlocks = append(payload.MemoryBlocks, contextBlockPayload{
			Label: b.Label,
			Value: b.Value,
			Limit: b.MaxLength,
		})
	}

	var created agentResource
	if err := c.do(ctx, http.MethodPost, "/v1/agents", payload, &created); err != nil {
		return "", fmt.Errorf("create agent instance: %w", err)
	}
	if created.ID == "" {
		return "", errors.New("agent service returned no instance id")
	}

	c.logger.Info("created agent instance", "instance_id", created.ID, "name", name)
	return created.ID, nil
}

type sendMessageRequest struct {
	Messages []messagePayload `json:"messages"`
}

type messagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sendMessageResponse struct {
	Messages []struct {
		MessageType string `json:"message_type"`
		Role        string `json:"role"`
		Content     string `json:"content"`
	} `json:"messages"`
}

// SendTurn sends one user message and extracts the assistant reply.
func (c *HTTPClient) SendTurn(ctx context.Context, instanceID, message string) (string, error) {
	payload := sendMessageRequest{
		Messages: []messagePayload{{Role: "user", Content: message}},
	}

	var resp sendMessageResponse
	path := "/v1/agents/" + instanceID + "/messages"
	if err := c.do(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return "", fmt.Errorf("send turn: %w", err)
	}

	for _, msg := range resp.Messages {
		if msg.MessageType == "assistant_message" || msg.Role == "assistant" {
			return msg.Content, nil
		}
	}
	return "", errors.New("no assistant message in agent response")
}

// ReleaseInstance deletes an instance. Missing instances are not an
// error; the goal state is reached either way.
func (c *HTTPClient) ReleaseInstance(ctx context.Context, instanceID string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/agents/"+instanceID, nil, nil)
	if err != nil {
		var statusErr *statusError
		if errors.As(err, &statusErr) && statusErr.code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("release agent instance: %w", err)
	}
	return nil
}

// ListInstances returns the ids of all agents on the service.
func (c *HTTPClient) ListInstances(ctx context.Context) ([]string, error) {
	var agents []agentResource
	if err := c.do(ctx, http.MethodGet, "/v1/agents", nil, &agents); err != nil {
		return nil, fmt.Errorf("list agent instances: %w", err)
	}

	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// Health checks if the agent service is reachable.
func (c *HTTPClient) Health(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/v1/health", nil, nil); err != nil {
		return fmt.Errorf("agent service health: %w", err)
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%v: %d %s", errAgentStatus, e.code, e.body)
}

func (e *statusError) Unwrap() error {
	return errAgentStatus
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: string(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
