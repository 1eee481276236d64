package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/niya-labs/niya-bridge/internal/domain"
	"github.com/niya-labs/niya-bridge/internal/lifecycle"
	"github.com/niya-labs/niya-bridge/internal/memory"
	"github.com/niya-labs/niya-bridge/internal/store"
)

// stubClient is a minimal in-memory agent service.
type stubClient struct {
	reply     string
	healthErr error
}

func (s *stubClient) CreateInstance(ctx context.Context, name string, blocks []domain.ContextBlock) (string, error) {
	return "instance-1", nil
}

func (s *stubClient) SendTurn(ctx context.Context, instanceID, message string) (string, error) {
	return s.reply, nil
}

func (s *stubClient) ReleaseInstance(ctx context.Context, instanceID string) error {
	return nil
}

func (s *stubClient) ListInstances(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (s *stubClient) Health(ctx context.Context) error {
	return s.healthErr
}

func newTestServer(t *testing.T, client *stubClient) (*httptest.Server, store.Repository) {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})

	cfg := lifecycle.Config{
		ResetThreshold:   4,
		FailureThreshold: 2,
		MaxAgentAge:      time.Hour,
		CallTimeout:      2 * time.Second,
		HealthInterval:   5,
	}
	mgr := lifecycle.NewManager(repo, client, memory.NewSynthesizer(repo, ""), cfg, nil)

	r := chi.NewRouter()
	NewHandler(repo, mgr, client).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, repo
}

func postJSON(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Errorf("close response body: %v", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return resp, data
}

func TestMessageEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &stubClient{reply: "Hey Alex! Nice to meet you, guitar sounds lovely jaan!"})

	resp, body := postJSON(t, srv.URL+"/message", `{"message": "my name is Alex and I love guitar"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got struct {
		Success       bool     `json:"success"`
		Response      string   `json:"response"`
		Messages      []string `json:"messages"`
		TotalMessages int      `json:"total_messages"`
		SessionID     string   `json:"session_id"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	if !got.Success {
		t.Error("success = false on a healthy turn")
	}
	if got.SessionID == "" {
		t.Error("session_id missing")
	}
	if len(got.Messages) == 0 || got.TotalMessages != len(got.Messages) {
		t.Errorf("messages = %v, total = %d", got.Messages, got.TotalMessages)
	}
}

func TestMessageEndpointRequiresMessage(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &stubClient{reply: "hi"})

	resp, _ := postJSON(t, srv.URL+"/message", `{"message": "  "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for blank message", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.URL+"/message", `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for invalid JSON", resp.StatusCode)
	}
}

func TestResetEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &stubClient{reply: "hello!"})

	resp, body := postJSON(t, srv.URL+"/message", `{"message": "hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("message status = %d, want 200", resp.StatusCode)
	}
	var turn struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &turn); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp, _ = postJSON(t, srv.URL+"/reset", `{"session_id": "`+turn.SessionID+`"}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("reset status = %d, want 200", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.URL+"/reset", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("reset without session_id status = %d, want 400", resp.StatusCode)
	}
}

func TestMemoryFactsEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &stubClient{reply: "Lovely name Alex!"})

	_, body := postJSON(t, srv.URL+"/message", `{"message": "my name is Alex"}`)
	var turn struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &turn); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp, err := http.Get(srv.URL + "/memory/facts?session_id=" + turn.SessionID)
	if err != nil {
		t.Fatalf("GET /memory/facts error = %v", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Errorf("close body: %v", err)
		}
	}()

	var got struct {
		Count int `json:"count"`
		Facts []struct {
			KeyPhrase string `json:"key_phrase"`
			Value     string `json:"value"`
		} `json:"facts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Count == 0 {
		t.Fatal("no facts returned after a turn that stated a name")
	}

	found := false
	for _, f := range got.Facts {
		if f.KeyPhrase == "name" && f.Value == "alex" {
			found = true
		}
	}
	if !found {
		t.Errorf("facts = %+v, want the extracted name", got.Facts)
	}
}

func TestMemoryStatusEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &stubClient{reply: "hello!"})

	resp, err := http.Get(srv.URL + "/memory/status?session_id=nope")
	if err != nil {
		t.Fatalf("GET /memory/status error = %v", err)
	}
	if err := resp.Body.Close(); err != nil {
		t.Errorf("close body: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown session", resp.StatusCode)
	}

	_, body := postJSON(t, srv.URL+"/message", `{"message": "hello"}`)
	var turn struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &turn); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp, err = http.Get(srv.URL + "/memory/status?session_id=" + turn.SessionID)
	if err != nil {
		t.Fatalf("GET /memory/status error = %v", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Errorf("close body: %v", err)
		}
	}()

	var status struct {
		InstanceActive  bool `json:"instance_active"`
		TurnsSinceReset int  `json:"turns_since_reset"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.InstanceActive || status.TurnsSinceReset != 1 {
		t.Errorf("status = %+v, want active instance with 1 turn", status)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &stubClient{reply: "hi"})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Errorf("close body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var got struct {
		Status         string `json:"status"`
		AgentConnected bool   `json:"agent_connected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "healthy" || !got.AgentConnected {
		t.Errorf("health = %+v, want healthy and connected", got)
	}
}
