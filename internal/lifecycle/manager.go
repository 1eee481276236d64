// Package lifecycle drives the conversation loop: short-lived agent
// instances, aggressive resets, timeout-protected dispatch and memory
// carried across instance boundaries.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/niya-labs/niya-bridge/internal/agent"
	"github.com/niya-labs/niya-bridge/internal/domain"
	"github.com/niya-labs/niya-bridge/internal/memory"
	"github.com/niya-labs/niya-bridge/internal/store"
)

// Config tunes the reset and dispatch policy.
type Config struct {
	// ResetThreshold replaces the instance before it serves this many
	// turns.
	ResetThreshold int
	// FailureThreshold replaces the instance after this many
	// consecutive failed calls.
	FailureThreshold int
	// MaxAgentAge replaces instances older than this.
	MaxAgentAge time.Duration
	// CallTimeout is the hard deadline on a single agent call.
	CallTimeout time.Duration
	// HealthInterval runs a memory health assessment every this many
	// turns.
	HealthInterval int
}

// DefaultConfig returns the aggressive preset.
func DefaultConfig() Config {
	return Config{
		ResetThreshold:   4,
		FailureThreshold: 2,
		MaxAgentAge:      120 * time.Second,
		CallTimeout:      10 * time.Second,
		HealthInterval:   5,
	}
}

// Diagnostics is per-turn observability returned alongside the reply.
type Diagnostics struct {
	OverallHealth   float64                  `json:"overall_health"`
	TurnsSinceReset int                      `json:"turns_since_reset"`
	Stage           domain.ConversationStage `json:"stage"`
}

// TurnResult is the outcome of one handled turn.
type TurnResult struct {
	SessionID   string
	Reply       string
	Messages    []string
	Fallback    bool
	Diagnostics Diagnostics
}

// agentHandle tracks the live instance serving a session.
type agentHandle struct {
	instanceID  string
	generation  uint64
	createdAt   time.Time
	turnsServed int
	failures    int
	forceReset  bool
}

// sessionState serializes turns per session.
type sessionState struct {
	mu     sync.Mutex
	handle agentHandle
}

// Manager owns the agent lifecycle and the memory flow around it.
type Manager struct {
	repo        store.Repository
	client      agent.Client
	extractor   *memory.Extractor
	classifier  memory.Classifier
	reconciler  *memory.Reconciler
	synthesizer *memory.Synthesizer
	monitor     *memory.Monitor
	cfg         Config
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewManager wires the lifecycle manager.
func NewManager(repo store.Repository, client agent.Client, synthesizer *memory.Synthesizer, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:        repo,
		client:      client,
		extractor:   memory.NewExtractor(),
		classifier:  memory.NewKeywordClassifier(),
		reconciler:  memory.NewReconciler(repo, memory.NewPolarityJudge()),
		synthesizer: synthesizer,
		monitor:     memory.NewMonitor(repo),
		cfg:         cfg,
		logger:      logger,
		sessions:    make(map[string]*sessionState),
	}
}

func (m *Manager) state(sessionID string) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		m.sessions[sessionID] = st
	}
	return st
}

func newSessionID() string {
	return fmt.Sprintf("session_%d_%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

// HandleTurn processes one user message end to end: memory update,
// reset policy, dispatch under deadline, reply post-processing. Agent
// failures never surface as errors; the reply degrades to a fallback.
func (m *Manager) HandleTurn(ctx context.Context, sessionID, userID, userText string) (*TurnResult, error) {
	session, err := m.loadOrCreateSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	st := m.state(session.SessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	stage := m.classifier.Stage(userText, session.TurnCount)
	sentiment, intensity := m.classifier.Sentiment(userText)
	emotion := m.classifier.Emotion(userText)
	topics := m.classifier.Topics(userText)

	m.reconciler.Reconcile(ctx, session.SessionID, m.extractor.Extract(userText))

	if m.needsReset(&st.handle) {
		if err := m.resetAgent(ctx, session, st); err != nil {
			m.logger.Error("agent reset failed", "session_id", session.SessionID, "error", err)
			st.handle.failures++
			return m.finishTurn(ctx, session, st, stage, sentiment, emotion, intensity, topics, userText, "", true)
		}
	}

	raw, callErr := m.dispatch(ctx, st, userText)
	if callErr != nil {
		m.logger.Warn("agent call failed",
			"session_id", session.SessionID,
			"instance_id", st.handle.instanceID,
			"error", callErr)
		st.handle.failures++
		// A hung instance is replaced on the next turn. Plain failures
		// accumulate until the failure threshold replaces the instance.
		if errors.Is(callErr, context.DeadlineExceeded) {
			st.handle.forceReset = true
		}
		return m.finishTurn(ctx, session, st, stage, sentiment, emotion, intensity, topics, userText, "", true)
	}

	st.handle.failures = 0
	st.handle.turnsServed++

	reply := cleanReply(raw)
	fallback := reply == ""
	return m.finishTurn(ctx, session, st, stage, sentiment, emotion, intensity, topics, userText, reply, fallback)
}

func (m *Manager) loadOrCreateSession(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	if sessionID != "" {
		session, err := m.repo.GetSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		if session != nil {
			return session, nil
		}
	}

	if sessionID == "" {
		sessionID = newSessionID()
	}
	now := time.Now()
	session := &domain.Session{
		SessionID:    sessionID,
		UserID:       userID,
		Stage:        domain.StageGreeting,
		TrustLevel:   0.3,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := m.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.logger.Info("session created", "session_id", sessionID, "user_id", userID)
	return session, nil
}

// needsReset is evaluated before every dispatch. turnsServed counts
// completed turns, so an instance at threshold-1 is replaced before it
// serves its threshold-th turn.
func (m *Manager) needsReset(h *agentHandle) bool {
	switch {
	case h.instanceID == "":
		return true
	case h.forceReset:
		return true
	case h.turnsServed+1 >= m.cfg.ResetThreshold:
		return true
	case h.failures >= m.cfg.FailureThreshold:
		return true
	case time.Since(h.createdAt) >= m.cfg.MaxAgentAge:
		return true
	}
	return false
}

// resetAgent consolidates memory, releases the old instance and creates
// a fresh one seeded with synthesized context blocks.
func (m *Manager) resetAgent(ctx context.Context, session *domain.Session, st *sessionState) error {
	if err := m.monitor.Consolidate(ctx, session.SessionID); err != nil {
		m.logger.Warn("memory consolidation failed", "session_id", session.SessionID, "error", err)
	}

	if st.handle.instanceID != "" {
		if err := m.client.ReleaseInstance(ctx, st.handle.instanceID); err != nil {
			m.logger.Warn("failed to release old instance",
				"instance_id", st.handle.instanceID, "error", err)
		}
	}

	blocks, err := m.synthesizer.Synthesize(ctx, session)
	if err != nil {
		return fmt.Errorf("synthesize context blocks: %w", err)
	}

	name := fmt.Sprintf("priya_%s_%d", session.SessionID, time.Now().Unix())
	instanceID, err := m.client.CreateInstance(ctx, name, blocks)
	if err != nil {
		return fmt.Errorf("create agent instance: %w", err)
	}

	st.handle = agentHandle{
		instanceID: instanceID,
		generation: st.handle.generation + 1,
		createdAt:  time.Now(),
	}

	m.logger.Info("agent instance replaced",
		"session_id", session.SessionID,
		"instance_id", instanceID,
		"generation", st.handle.generation)
	return nil
}

type callResult struct {
	generation uint64
	reply      string
	err        error
}

// dispatch sends the turn under a hard deadline. The call runs in its
// own goroutine so a hung service cannot block the session past the
// timeout; a reply landing after a reset is discarded by generation.
func (m *Manager) dispatch(ctx context.Context, st *sessionState, message string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	gen := st.handle.generation
	instanceID := st.handle.instanceID

	results := make(chan callResult, 1)
	go func() {
		reply, err := m.client.SendTurn(callCtx, instanceID, message)
		results <- callResult{generation: gen, reply: reply, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			return "", res.err
		}
		if res.generation != st.handle.generation {
			return "", fmt.Errorf("stale reply from generation %d", res.generation)
		}
		return res.reply, nil
	case <-callCtx.Done():
		return "", fmt.Errorf("agent call timed out after %s: %w", m.cfg.CallTimeout, callCtx.Err())
	}
}

// finishTurn persists the exchange, advances the session and assembles
// the result. A fallback turn still records the exchange. Storage
// failures are logged and the reply is returned anyway; memory is
// best-effort, the conversation is not.
func (m *Manager) finishTurn(ctx context.Context, session *domain.Session, st *sessionState, stage domain.ConversationStage, sentiment, emotion string, intensity float64, topics []string, userText, reply string, fallback bool) (*TurnResult, error) {
	if fallback {
		reply = FallbackReply
	}

	session.TurnCount++
	session.Stage = stage
	session.LastActivity = time.Now()
	session.TrustLevel = min(session.TrustLevel+trustDelta(stage), 1.0)
	if err := m.repo.UpdateSession(ctx, session); err != nil {
		m.logger.Error("failed to persist session", "session_id", session.SessionID, "error", err)
	}

	factRefs, err := m.findFactRefs(ctx, session.SessionID, reply)
	if err != nil {
		m.logger.Warn("fact reference scan failed", "session_id", session.SessionID, "error", err)
	}

	turn := &domain.Turn{
		SessionID: session.SessionID,
		Seq:       session.TurnCount,
		UserText:  userText,
		AgentText: reply,
		Sentiment: sentiment,
		Emotion:   emotion,
		Intensity: intensity,
		Topics:    topics,
		FactRefs:  factRefs,
		Stage:     stage,
		CreatedAt: time.Now(),
	}
	if err := m.repo.AppendTurn(ctx, turn); err != nil {
		m.logger.Error("failed to persist turn", "session_id", session.SessionID, "seq", turn.Seq, "error", err)
	}

	health := 0.7
	if m.cfg.HealthInterval > 0 && session.TurnCount%m.cfg.HealthInterval == 0 {
		snapshot, remediated, err := m.monitor.Assess(ctx, session)
		if err != nil {
			m.logger.Warn("health assessment failed", "session_id", session.SessionID, "error", err)
		} else {
			health = snapshot.Overall
			if remediated {
				st.handle.forceReset = true
			}
		}
	} else if snapshot, err := m.repo.LatestHealthSnapshot(ctx, session.SessionID); err == nil && snapshot != nil {
		health = snapshot.Overall
	}

	messages := segmentReply(reply)
	return &TurnResult{
		SessionID: session.SessionID,
		Reply:     strings.Join(messages, " "),
		Messages:  messages,
		Fallback:  fallback,
		Diagnostics: Diagnostics{
			OverallHealth:   health,
			TurnsSinceReset: st.handle.turnsServed,
			Stage:           stage,
		},
	}, nil
}

func trustDelta(stage domain.ConversationStage) float64 {
	if stage == domain.StageEmotionalSupport {
		return 0.05
	}
	return 0.02
}

// findFactRefs reports which stored facts the reply referenced.
func (m *Manager) findFactRefs(ctx context.Context, sessionID, reply string) ([]string, error) {
	facts, err := m.repo.ListFacts(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	replyLower := strings.ToLower(reply)
	var refs []string
	for _, f := range facts {
		if strings.Contains(replyLower, strings.ToLower(f.Value)) ||
			strings.Contains(replyLower, strings.ToLower(f.KeyPhrase)) {
			refs = append(refs, f.Key())
		}
	}
	return refs, nil
}

// Reset consolidates memory and releases the session's instance. The
// next turn starts a fresh one.
func (m *Manager) Reset(ctx context.Context, sessionID string) error {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := m.monitor.Consolidate(ctx, sessionID); err != nil {
		m.logger.Warn("memory consolidation failed", "session_id", sessionID, "error", err)
	}

	if st.handle.instanceID != "" {
		if err := m.client.ReleaseInstance(ctx, st.handle.instanceID); err != nil {
			return fmt.Errorf("release instance: %w", err)
		}
	}
	st.handle = agentHandle{generation: st.handle.generation}

	m.logger.Info("session reset", "session_id", sessionID)
	return nil
}

// SessionStatus reports memory and lifecycle state for diagnostics.
type SessionStatus struct {
	Session         *domain.Session        `json:"session"`
	TotalFacts      int                    `json:"total_facts"`
	Contradicted    int                    `json:"contradicted_facts"`
	Health          *domain.HealthSnapshot `json:"health,omitempty"`
	InstanceActive  bool                   `json:"instance_active"`
	TurnsSinceReset int                    `json:"turns_since_reset"`
}

// Status returns the current memory and lifecycle state of a session.
// Returns (nil, nil) for unknown sessions.
func (m *Manager) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	total, contradicted, err := m.repo.CountFacts(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count facts: %w", err)
	}

	health, err := m.repo.LatestHealthSnapshot(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load health snapshot: %w", err)
	}

	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	return &SessionStatus{
		Session:         session,
		TotalFacts:      total,
		Contradicted:    contradicted,
		Health:          health,
		InstanceActive:  st.handle.instanceID != "",
		TurnsSinceReset: st.handle.turnsServed,
	}, nil
}

// ReleaseSession releases the session's instance and deletes its data.
// Used by the retention sweep.
func (m *Manager) ReleaseSession(ctx context.Context, sessionID string) error {
	st := m.state(sessionID)
	st.mu.Lock()
	if st.handle.instanceID != "" {
		if err := m.client.ReleaseInstance(ctx, st.handle.instanceID); err != nil {
			m.logger.Warn("failed to release instance during sweep",
				"session_id", sessionID, "error", err)
		}
		st.handle = agentHandle{}
	}
	st.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if err := m.repo.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Cleanup releases every instance on the agent service. Called at
// shutdown so orphaned instances do not pile up.
func (m *Manager) Cleanup(ctx context.Context) {
	ids, err := m.client.ListInstances(ctx)
	if err != nil {
		m.logger.Warn("failed to list instances for cleanup", "error", err)
		return
	}
	for _, id := range ids {
		if err := m.client.ReleaseInstance(ctx, id); err != nil {
			m.logger.Warn("failed to release instance", "instance_id", id, "error", err)
		}
	}
	m.logger.Info("agent cleanup complete", "released", len(ids))
}
