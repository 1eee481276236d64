package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/niya-labs/niya-bridge/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	factMu sync.Mutex // Mutex for fact mutations to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		trust_level REAL NOT NULL,
		turn_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity);

	CREATE TABLE IF NOT EXISTS turns (
		session_id TEXT NOT NULL REFERENCES sessions(session_id),
		seq INTEGER NOT NULL,
		user_text TEXT NOT NULL,
		agent_text TEXT NOT NULL,
		sentiment TEXT,
		emotion TEXT,
		intensity REAL,
		topics_json TEXT,
		fact_refs_json TEXT,
		stage TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS facts (
		session_id TEXT NOT NULL REFERENCES sessions(session_id),
		fact_type TEXT NOT NULL,
		category TEXT,
		key_phrase TEXT NOT NULL,
		value TEXT NOT NULL,
		confidence REAL NOT NULL,
		priority TEXT NOT NULL,
		first_mentioned INTEGER NOT NULL,
		last_confirmed INTEGER NOT NULL,
		confirmation_count INTEGER NOT NULL DEFAULT 1,
		contradictions_json TEXT,
		PRIMARY KEY (session_id, fact_type, key_phrase)
	);
	CREATE INDEX IF NOT EXISTS idx_facts_confidence ON facts(session_id, confidence);

	CREATE TABLE IF NOT EXISTS health_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(session_id),
		retention REAL NOT NULL,
		consistency REAL NOT NULL,
		learning_velocity REAL NOT NULL,
		context_relevance REAL NOT NULL,
		overall REAL NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_health_session ON health_snapshots(session_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (session_id, user_id, stage, trust_level, turn_count, created_at, last_activity)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		session.SessionID, session.UserID, string(session.Stage), session.TrustLevel,
		session.TurnCount, session.CreatedAt.Unix(), session.LastActivity.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, user_id, stage, trust_level, turn_count, created_at, last_activity
		FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var session domain.Session
	var stage string
	var createdAt, lastActivity int64

	err := row.Scan(
		&session.SessionID, &session.UserID, &stage,
		&session.TrustLevel, &session.TurnCount, &createdAt, &lastActivity,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.Stage = domain.ConversationStage(stage)
	session.CreatedAt = time.Unix(createdAt, 0)
	session.LastActivity = time.Unix(lastActivity, 0)

	return &session, nil
}

// UpdateSession persists the mutable session fields.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *domain.Session) error {
	query := `
		UPDATE sessions
		SET stage = ?, trust_level = ?, turn_count = ?, last_activity = ?
		WHERE session_id = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(session.Stage), session.TrustLevel, session.TurnCount,
		session.LastActivity.Unix(), session.SessionID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s not found", session.SessionID)
	}
	return nil
}

// GetExpiredSessions lists sessions whose last activity exceeded the TTL.
func (s *SQLiteStore) GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
		SELECT session_id, user_id, stage, trust_level, turn_count, created_at, last_activity
		FROM sessions WHERE last_activity < ?`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		var session domain.Session
		var stage string
		var createdAt, lastActivity int64

		if err := rows.Scan(
			&session.SessionID, &session.UserID, &stage,
			&session.TrustLevel, &session.TurnCount, &createdAt, &lastActivity,
		); err != nil {
			return nil, fmt.Errorf("scan expired session row: %w", err)
		}

		session.Stage = domain.ConversationStage(stage)
		session.CreatedAt = time.Unix(createdAt, 0)
		session.LastActivity = time.Unix(lastActivity, 0)
		sessions = append(sessions, &session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}

	return sessions, nil
}

// DeleteSession removes a session and its dependent rows.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.factMu.Lock()
	defer s.factMu.Unlock()

	for _, stmt := range []string{
		`DELETE FROM turns WHERE session_id = ?`,
		`DELETE FROM facts WHERE session_id = ?`,
		`DELETE FROM health_snapshots WHERE session_id = ?`,
		`DELETE FROM sessions WHERE session_id = ?`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt, sessionID); err != nil {
			return fmt.Errorf("delete session %s: %w", sessionID, err)
		}
	}
	return nil
}

// AppendTurn persists one exchange.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn *domain.Turn) error {
	topics, err := json.Marshal(turn.Topics)
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}
	refs, err := json.Marshal(turn.FactRefs)
	if err != nil {
		return fmt.Errorf("marshal fact refs: %w", err)
	}

	query := `
	INSERT INTO turns (session_id, seq, user_text, agent_text, sentiment, emotion,
		intensity, topics_json, fact_refs_json, stage, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		turn.SessionID, turn.Seq, turn.UserText, turn.AgentText,
		turn.Sentiment, turn.Emotion, turn.Intensity,
		string(topics), string(refs), string(turn.Stage), turn.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to n turns of a session, newest first.
func (s *SQLiteStore) RecentTurns(ctx context.Context, sessionID string, n int) ([]*domain.Turn, error) {
	query := `
		SELECT session_id, seq, user_text, agent_text, sentiment, emotion,
		       intensity, topics_json, fact_refs_json, stage, created_at
		FROM turns WHERE session_id = ?
		ORDER BY seq DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close recent turns rows", "error", closeErr)
		}
	}()

	var turns []*domain.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent turns: %w", err)
	}

	return turns, nil
}

func scanTurn(rows *sql.Rows) (*domain.Turn, error) {
	var turn domain.Turn
	var sentiment, emotion, stage sql.NullString
	var intensity sql.NullFloat64
	var topicsJSON, refsJSON sql.NullString
	var createdAt int64

	if err := rows.Scan(
		&turn.SessionID, &turn.Seq, &turn.UserText, &turn.AgentText,
		&sentiment, &emotion, &intensity, &topicsJSON, &refsJSON, &stage, &createdAt,
	); err != nil {
		return nil, fmt.Errorf("scan turn row: %w", err)
	}

	turn.Sentiment = sentiment.String
	turn.Emotion = emotion.String
	turn.Intensity = intensity.Float64
	turn.Stage = domain.ConversationStage(stage.String)
	turn.CreatedAt = time.Unix(createdAt, 0)

	if topicsJSON.Valid && topicsJSON.String != "" {
		if err := json.Unmarshal([]byte(topicsJSON.String), &turn.Topics); err != nil {
			return nil, fmt.Errorf("unmarshal topics: %w", err)
		}
	}
	if refsJSON.Valid && refsJSON.String != "" {
		if err := json.Unmarshal([]byte(refsJSON.String), &turn.FactRefs); err != nil {
			return nil, fmt.Errorf("unmarshal fact refs: %w", err)
		}
	}

	return &turn, nil
}

// GetFact retrieves a fact by its key.
func (s *SQLiteStore) GetFact(ctx context.Context, sessionID, factType, keyPhrase string) (*domain.Fact, error) {
	query := factSelect + ` WHERE session_id = ? AND fact_type = ? AND key_phrase = ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, factType, keyPhrase)
	if err != nil {
		return nil, fmt.Errorf("query fact: %w", err)
	}
	facts, err := collectFacts(rows)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return nil, nil
	}
	return facts[0], nil
}

const factSelect = `
	SELECT session_id, fact_type, category, key_phrase, value, confidence, priority,
	       first_mentioned, last_confirmed, confirmation_count, contradictions_json
	FROM facts`

func collectFacts(rows *sql.Rows) ([]*domain.Fact, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close fact rows", "error", closeErr)
		}
	}()

	var facts []*domain.Fact
	for rows.Next() {
		var fact domain.Fact
		var category, priority string
		var contradictionsJSON sql.NullString
		var firstMentioned, lastConfirmed int64

		if err := rows.Scan(
			&fact.SessionID, &fact.Type, &category, &fact.KeyPhrase, &fact.Value,
			&fact.Confidence, &priority, &firstMentioned, &lastConfirmed,
			&fact.ConfirmationCount, &contradictionsJSON,
		); err != nil {
			return nil, fmt.Errorf("scan fact row: %w", err)
		}

		fact.Category = category
		fact.Priority = domain.Priority(priority)
		fact.FirstMentioned = time.Unix(firstMentioned, 0)
		fact.LastConfirmed = time.Unix(lastConfirmed, 0)

		if contradictionsJSON.Valid && contradictionsJSON.String != "" {
			if err := json.Unmarshal([]byte(contradictionsJSON.String), &fact.Contradictions); err != nil {
				return nil, fmt.Errorf("unmarshal contradictions: %w", err)
			}
		}

		facts = append(facts, &fact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fact rows: %w", err)
	}

	return facts, nil
}

// InsertFact inserts a new fact.
func (s *SQLiteStore) InsertFact(ctx context.Context, fact *domain.Fact) error {
	s.factMu.Lock()
	defer s.factMu.Unlock()

	contradictions, err := json.Marshal(fact.Contradictions)
	if err != nil {
		return fmt.Errorf("marshal contradictions: %w", err)
	}

	query := `
	INSERT INTO facts (session_id, fact_type, category, key_phrase, value, confidence,
		priority, first_mentioned, last_confirmed, confirmation_count, contradictions_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		fact.SessionID, fact.Type, fact.Category, fact.KeyPhrase, fact.Value,
		fact.Confidence, string(fact.Priority), fact.FirstMentioned.Unix(),
		fact.LastConfirmed.Unix(), fact.ConfirmationCount, string(contradictions),
	)
	if err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}
	return nil
}

// UpdateFact persists the mutable fact fields.
func (s *SQLiteStore) UpdateFact(ctx context.Context, fact *domain.Fact) error {
	s.factMu.Lock()
	defer s.factMu.Unlock()

	contradictions, err := json.Marshal(fact.Contradictions)
	if err != nil {
		return fmt.Errorf("marshal contradictions: %w", err)
	}

	query := `
		UPDATE facts
		SET value = ?, confidence = ?, confirmation_count = ?, last_confirmed = ?,
		    contradictions_json = ?
		WHERE session_id = ? AND fact_type = ? AND key_phrase = ?`

	result, err := s.db.ExecContext(ctx, query,
		fact.Value, fact.Confidence, fact.ConfirmationCount,
		fact.LastConfirmed.Unix(), string(contradictions),
		fact.SessionID, fact.Type, fact.KeyPhrase,
	)
	if err != nil {
		return fmt.Errorf("update fact: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("fact %s/%s not found", fact.Type, fact.KeyPhrase)
	}
	return nil
}

// ListFacts returns all facts of a session ordered by confidence desc.
func (s *SQLiteStore) ListFacts(ctx context.Context, sessionID string) ([]*domain.Fact, error) {
	query := factSelect + ` WHERE session_id = ? ORDER BY confidence DESC, confirmation_count DESC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	return collectFacts(rows)
}

// TopFacts returns the highest-value facts for context block synthesis.
func (s *SQLiteStore) TopFacts(ctx context.Context, sessionID string, minConfidence float64, limit int) ([]*domain.Fact, error) {
	query := factSelect + `
		WHERE session_id = ? AND priority IN ('critical', 'high') AND confidence > ?
		ORDER BY CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END,
		         confidence DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, minConfidence, limit)
	if err != nil {
		return nil, fmt.Errorf("query top facts: %w", err)
	}
	return collectFacts(rows)
}

// DeleteUncertainFacts removes low-confidence facts that were mentioned once.
func (s *SQLiteStore) DeleteUncertainFacts(ctx context.Context, sessionID string, maxConfidence float64) (int64, error) {
	s.factMu.Lock()
	defer s.factMu.Unlock()

	query := `
		DELETE FROM facts
		WHERE session_id = ? AND confidence < ? AND confirmation_count = 1`

	result, err := s.db.ExecContext(ctx, query, sessionID, maxConfidence)
	if err != nil {
		return 0, fmt.Errorf("delete uncertain facts: %w", err)
	}
	return result.RowsAffected()
}

// ReinforceConfirmedFacts boosts confidence of repeatedly confirmed facts.
func (s *SQLiteStore) ReinforceConfirmedFacts(ctx context.Context, sessionID string, boost float64, minConfirmations int) (int64, error) {
	s.factMu.Lock()
	defer s.factMu.Unlock()

	query := `
		UPDATE facts
		SET confidence = MIN(confidence + ?, 1.0)
		WHERE session_id = ? AND confirmation_count > ?`

	result, err := s.db.ExecContext(ctx, query, boost, sessionID, minConfirmations)
	if err != nil {
		return 0, fmt.Errorf("reinforce confirmed facts: %w", err)
	}
	return result.RowsAffected()
}

// CountFacts returns total facts and how many carry contradictions.
func (s *SQLiteStore) CountFacts(ctx context.Context, sessionID string) (int, int, error) {
	var total, contradicted int

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts WHERE session_id = ?`, sessionID)
	if err := row.Scan(&total); err != nil {
		return 0, 0, fmt.Errorf("count facts: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM facts
		WHERE session_id = ? AND contradictions_json IS NOT NULL
		  AND contradictions_json NOT IN ('', 'null', '[]')`, sessionID)
	if err := row.Scan(&contradicted); err != nil {
		return 0, 0, fmt.Errorf("count contradicted facts: %w", err)
	}

	return total, contradicted, nil
}

// CountFactsSince counts facts first mentioned after the given time.
func (s *SQLiteStore) CountFactsSince(ctx context.Context, sessionID string, since time.Time) (int, error) {
	var count int
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM facts
		WHERE session_id = ? AND first_mentioned > ?`, sessionID, since.Unix())
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count recent facts: %w", err)
	}
	return count, nil
}

// InsertHealthSnapshot appends a health assessment.
func (s *SQLiteStore) InsertHealthSnapshot(ctx context.Context, snapshot *domain.HealthSnapshot) error {
	query := `
	INSERT INTO health_snapshots (session_id, retention, consistency, learning_velocity,
		context_relevance, overall, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		snapshot.SessionID, snapshot.Retention, snapshot.Consistency,
		snapshot.LearningVelocity, snapshot.ContextRelevance, snapshot.Overall,
		snapshot.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert health snapshot: %w", err)
	}
	return nil
}

// LatestHealthSnapshot returns the most recent snapshot for a session.
func (s *SQLiteStore) LatestHealthSnapshot(ctx context.Context, sessionID string) (*domain.HealthSnapshot, error) {
	query := `
		SELECT session_id, retention, consistency, learning_velocity, context_relevance,
		       overall, created_at
		FROM health_snapshots WHERE session_id = ?
		ORDER BY id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var snapshot domain.HealthSnapshot
	var createdAt int64

	err := row.Scan(
		&snapshot.SessionID, &snapshot.Retention, &snapshot.Consistency,
		&snapshot.LearningVelocity, &snapshot.ContextRelevance, &snapshot.Overall,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan health snapshot: %w", err)
	}

	snapshot.CreatedAt = time.Unix(createdAt, 0)
	return &snapshot, nil
}
