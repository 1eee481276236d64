package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/niya-labs/niya-bridge/internal/domain"
	"github.com/niya-labs/niya-bridge/internal/memory"
	"github.com/niya-labs/niya-bridge/internal/store"
)

// fakeClient is an in-memory agent service.
type fakeClient struct {
	mu        sync.Mutex
	created   int
	released  []string
	reply     string
	sendErr   error
	sendDelay time.Duration
	blocks    [][]domain.ContextBlock
}

func (f *fakeClient) CreateInstance(ctx context.Context, name string, blocks []domain.ContextBlock) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	f.blocks = append(f.blocks, blocks)
	return "instance-" + name, nil
}

func (f *fakeClient) SendTurn(ctx context.Context, instanceID, message string) (string, error) {
	f.mu.Lock()
	delay, reply, err := f.sendDelay, f.reply, f.sendErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (f *fakeClient) ReleaseInstance(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, instanceID)
	return nil
}

func (f *fakeClient) ListInstances(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (f *fakeClient) Health(ctx context.Context) error {
	return nil
}

func (f *fakeClient) creations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *fakeClient) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func testConfig() Config {
	return Config{
		ResetThreshold:   4,
		FailureThreshold: 2,
		MaxAgentAge:      time.Hour,
		CallTimeout:      2 * time.Second,
		HealthInterval:   5,
	}
}

func newTestManager(t *testing.T, client *fakeClient, cfg Config) (*Manager, store.Repository) {
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

	synth := memory.NewSynthesizer(repo, "")
	return NewManager(repo, client, synth, cfg, nil), repo
}

func TestHandleTurnHappyPath(t *testing.T) {
	t.Parallel()
	client := &fakeClient{reply: "Hey Alex! Guitar sounds wonderful, tell me more! 💕"}
	m, repo := newTestManager(t, client, testConfig())
	ctx := context.Background()

	result, err := m.HandleTurn(ctx, "", "user-1", "Hi! My name is Alex and I love guitar")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	if result.Fallback {
		t.Error("Fallback = true on a successful call")
	}
	if result.SessionID == "" {
		t.Error("SessionID is empty")
	}
	if len(result.Messages) == 0 {
		t.Error("no reply messages")
	}
	if result.Diagnostics.TurnsSinceReset != 1 {
		t.Errorf("TurnsSinceReset = %d, want 1", result.Diagnostics.TurnsSinceReset)
	}
	if result.Diagnostics.Stage != domain.StageGreeting {
		t.Errorf("Stage = %s, want greeting on first turn", result.Diagnostics.Stage)
	}

	session, err := repo.GetSession(ctx, result.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if session == nil || session.TurnCount != 1 {
		t.Errorf("session = %+v, want persisted with 1 turn", session)
	}

	fact, err := repo.GetFact(ctx, result.SessionID, "identity", "name")
	if err != nil {
		t.Fatalf("GetFact() error = %v", err)
	}
	if fact == nil || fact.Value != "alex" {
		t.Errorf("name fact = %+v, want alex extracted during the turn", fact)
	}

	if client.creations() != 1 {
		t.Errorf("instance creations = %d, want 1", client.creations())
	}
}

func TestResetAtThresholdNotBefore(t *testing.T) {
	t.Parallel()
	client := &fakeClient{reply: "Of course jaan, I remember everything you tell me!"}
	m, _ := newTestManager(t, client, testConfig())
	ctx := context.Background()

	var sessionID string
	for i := 0; i < 3; i++ {
		result, err := m.HandleTurn(ctx, sessionID, "user-1", "hello again")
		if err != nil {
			t.Fatalf("HandleTurn(%d) error = %v", i, err)
		}
		sessionID = result.SessionID
	}

	// Three turns: the initial creation only.
	if client.creations() != 1 {
		t.Fatalf("creations after 3 turns = %d, want 1", client.creations())
	}

	result, err := m.HandleTurn(ctx, sessionID, "user-1", "hello once more")
	if err != nil {
		t.Fatalf("HandleTurn(4) error = %v", err)
	}

	// The fourth turn replaces the instance before dispatch.
	if client.creations() != 2 {
		t.Errorf("creations after 4 turns = %d, want 2", client.creations())
	}
	if result.Diagnostics.TurnsSinceReset != 1 {
		t.Errorf("TurnsSinceReset = %d, want 1 on the fresh instance", result.Diagnostics.TurnsSinceReset)
	}
	if len(client.released) != 1 {
		t.Errorf("released instances = %v, want the old one released", client.released)
	}
}

func TestResetReinjectsContextBlocks(t *testing.T) {
	t.Parallel()
	client := &fakeClient{reply: "Got it Alex, guitar it is!"}
	m, _ := newTestManager(t, client, testConfig())
	ctx := context.Background()

	result, err := m.HandleTurn(ctx, "", "user-1", "my name is Alex and I love guitar")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	sessionID := result.SessionID

	for i := 0; i < 3; i++ {
		if _, err := m.HandleTurn(ctx, sessionID, "user-1", "tell me something nice"); err != nil {
			t.Fatalf("HandleTurn() error = %v", err)
		}
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.blocks) < 2 {
		t.Fatalf("blocks recorded for %d creations, want at least 2", len(client.blocks))
	}

	fresh := client.blocks[len(client.blocks)-1]
	if len(fresh) == 0 || fresh[0].Label != "persona" {
		t.Fatalf("fresh instance blocks = %+v, want persona first", fresh)
	}

	found := false
	for _, b := range fresh {
		if b.Label == "user_essence" {
			found = true
			if len(b.Value) > 200 {
				t.Errorf("user_essence length = %d, want bounded at 200", len(b.Value))
			}
		}
	}
	if !found {
		t.Error("fresh instance has no user_essence block despite stored facts")
	}
}

func TestDispatchTimeoutFallsBack(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.CallTimeout = 50 * time.Millisecond
	client := &fakeClient{reply: "too late", sendDelay: 500 * time.Millisecond}
	m, _ := newTestManager(t, client, cfg)
	ctx := context.Background()

	start := time.Now()
	result, err := m.HandleTurn(ctx, "", "user-1", "hello?")
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("HandleTurn() error = %v, agent failures must not propagate", err)
	}
	if !result.Fallback {
		t.Error("Fallback = false after a timed out call")
	}
	if result.Messages[0] != FallbackReply {
		t.Errorf("reply = %q, want deterministic fallback", result.Messages[0])
	}
	if elapsed > 400*time.Millisecond {
		t.Errorf("HandleTurn took %v, want bounded by the call timeout", elapsed)
	}

	// The timed out instance is replaced on the next turn.
	client.mu.Lock()
	client.sendDelay = 0
	client.mu.Unlock()

	if _, err := m.HandleTurn(ctx, result.SessionID, "user-1", "still there?"); err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if client.creations() != 2 {
		t.Errorf("creations = %d, want forced replacement after timeout", client.creations())
	}
}

func TestAgentErrorFallsBackAndRecovers(t *testing.T) {
	t.Parallel()
	client := &fakeClient{reply: "back online jaan!"}
	client.setSendErr(errors.New("boom"))
	m, _ := newTestManager(t, client, testConfig())
	ctx := context.Background()

	result, err := m.HandleTurn(ctx, "", "user-1", "hi")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v, agent errors must not propagate", err)
	}
	if !result.Fallback {
		t.Error("Fallback = false after agent error")
	}

	client.setSendErr(nil)
	recovered, err := m.HandleTurn(ctx, result.SessionID, "user-1", "hi again")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if recovered.Fallback {
		t.Error("Fallback = true after the service recovered")
	}
	// One failure is below the threshold of 2, so the original instance
	// keeps serving.
	if client.creations() != 1 {
		t.Errorf("creations = %d, want 1 after a single failure", client.creations())
	}
	if recovered.Diagnostics.TurnsSinceReset != 1 {
		t.Errorf("TurnsSinceReset = %d, want 1 after the first successful turn", recovered.Diagnostics.TurnsSinceReset)
	}
}

func TestConsecutiveFailuresReplaceInstanceAtThreshold(t *testing.T) {
	t.Parallel()
	client := &fakeClient{reply: "all good again jaan!"}
	client.setSendErr(errors.New("boom"))
	m, _ := newTestManager(t, client, testConfig())
	ctx := context.Background()

	var sessionID string
	for i := 0; i < 2; i++ {
		result, err := m.HandleTurn(ctx, sessionID, "user-1", "hello?")
		if err != nil {
			t.Fatalf("HandleTurn(%d) error = %v", i, err)
		}
		if !result.Fallback {
			t.Errorf("turn %d Fallback = false, want fallback on agent error", i)
		}
		sessionID = result.SessionID
	}

	// Failures accumulate on the same instance until the threshold.
	if client.creations() != 1 {
		t.Fatalf("creations after 2 failures = %d, want 1", client.creations())
	}

	client.setSendErr(nil)
	recovered, err := m.HandleTurn(ctx, sessionID, "user-1", "still there?")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	// The threshold replaces the instance before dispatching this turn.
	if client.creations() != 2 {
		t.Errorf("creations = %d, want 2 after reaching the failure threshold", client.creations())
	}
	if recovered.Fallback {
		t.Error("Fallback = true on the post-replacement turn")
	}
	if recovered.Diagnostics.TurnsSinceReset != 1 {
		t.Errorf("TurnsSinceReset = %d, want 1 on the fresh instance", recovered.Diagnostics.TurnsSinceReset)
	}
}

// failingWritesRepo rejects session and turn writes after the session
// exists, leaving the rest of the repository intact.
type failingWritesRepo struct {
	store.Repository
}

func (r *failingWritesRepo) UpdateSession(ctx context.Context, session *domain.Session) error {
	return errors.New("disk full")
}

func (r *failingWritesRepo) AppendTurn(ctx context.Context, turn *domain.Turn) error {
	return errors.New("disk full")
}

func TestStorageFailuresDoNotDropReply(t *testing.T) {
	t.Parallel()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})

	client := &fakeClient{reply: "still chatting jaan, promise!"}
	flaky := &failingWritesRepo{Repository: repo}
	m := NewManager(flaky, client, memory.NewSynthesizer(flaky, ""), testConfig(), nil)

	result, err := m.HandleTurn(context.Background(), "", "user-1", "hello")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v, storage failures must not propagate", err)
	}
	if result.Fallback {
		t.Error("Fallback = true, want the agent reply kept despite failed writes")
	}
	if len(result.Messages) == 0 || result.Messages[0] != client.reply {
		t.Errorf("Messages = %v, want the agent reply", result.Messages)
	}
}

func TestResetReleasesInstance(t *testing.T) {
	t.Parallel()
	client := &fakeClient{reply: "hello!"}
	m, _ := newTestManager(t, client, testConfig())
	ctx := context.Background()

	result, err := m.HandleTurn(ctx, "", "user-1", "hi")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	if err := m.Reset(ctx, result.SessionID); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if len(client.released) != 1 {
		t.Errorf("released = %v, want the active instance released", client.released)
	}

	// Next turn starts fresh.
	next, err := m.HandleTurn(ctx, result.SessionID, "user-1", "hi again")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if client.creations() != 2 {
		t.Errorf("creations = %d, want 2 after explicit reset", client.creations())
	}
	if next.Diagnostics.TurnsSinceReset != 1 {
		t.Errorf("TurnsSinceReset = %d, want 1", next.Diagnostics.TurnsSinceReset)
	}
}

func TestStatusUnknownSession(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, &fakeClient{reply: "hi"}, testConfig())

	status, err := m.Status(context.Background(), "no-such-session")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status != nil {
		t.Errorf("Status() = %+v, want nil for unknown session", status)
	}
}

func TestReleaseSessionDeletesData(t *testing.T) {
	t.Parallel()
	client := &fakeClient{reply: "hello!"}
	m, repo := newTestManager(t, client, testConfig())
	ctx := context.Background()

	result, err := m.HandleTurn(ctx, "", "user-1", "my name is Alex")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	if err := m.ReleaseSession(ctx, result.SessionID); err != nil {
		t.Fatalf("ReleaseSession() error = %v", err)
	}

	session, err := repo.GetSession(ctx, result.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if session != nil {
		t.Error("session still present after ReleaseSession")
	}
	if len(client.released) != 1 {
		t.Errorf("released = %v, want the instance released", client.released)
	}
}

func TestTrustGrowsWithTurns(t *testing.T) {
	t.Parallel()
	client := &fakeClient{reply: "always here for you jaan"}
	m, repo := newTestManager(t, client, testConfig())
	ctx := context.Background()

	result, err := m.HandleTurn(ctx, "", "user-1", "hello")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	first, err := repo.GetSession(ctx, result.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}

	if _, err := m.HandleTurn(ctx, result.SessionID, "user-1", "I feel really sad today"); err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	second, err := repo.GetSession(ctx, result.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if second.TrustLevel <= first.TrustLevel {
		t.Errorf("trust did not grow: %v -> %v", first.TrustLevel, second.TrustLevel)
	}
	if second.Stage != domain.StageEmotionalSupport {
		t.Errorf("Stage = %s, want emotional_support", second.Stage)
	}
}
