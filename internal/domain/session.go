// Package domain contains the core data model for sessions, turns,
// user facts and memory health.
package domain

import (
	"time"
)

// ConversationStage classifies how far a conversation has progressed.
// Derived from turn count and message content; informational, not authoritative.
type ConversationStage string

const (
	StageGreeting          ConversationStage = "greeting"
	StageGettingAcquainted ConversationStage = "getting_acquainted"
	StageDeepConversation  ConversationStage = "deep_conversation"
	StageTopicContinuation ConversationStage = "topic_continuation"
	StageEmotionalSupport  ConversationStage = "emotional_support"
	StageCasualChat        ConversationStage = "casual_chat"
)

// Session is one ongoing conversation with a user.
type Session struct {
	SessionID    string
	UserID       string
	Stage        ConversationStage
	TrustLevel   float64
	TurnCount    int
	CreatedAt    time.Time
	LastActivity time.Time
}

// Turn is one user-message/agent-reply exchange. Immutable once written.
type Turn struct {
	SessionID string
	Seq       int
	UserText  string
	AgentText string
	Sentiment string
	Emotion   string
	Intensity float64
	Topics    []string
	// FactRefs lists the keys of stored facts whose value appeared in the
	// agent reply. Consumed only by the health monitor's retention score.
	FactRefs  []string
	Stage     ConversationStage
	CreatedAt time.Time
}
