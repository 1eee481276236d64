package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/niya-labs/niya-bridge/internal/domain"
	"github.com/niya-labs/niya-bridge/internal/store"
)

// Character budgets per context block label.
const (
	maxUserEssence         = 200
	maxRelationshipState   = 150
	maxConversationContext = 150
	maxEmotionalContext    = 100
)

// DefaultPersona is the fixed agent persona injected as the first
// context block of every instance.
const DefaultPersona = "You are Priya, a warm and caring AI companion who speaks in a mix of English and Hindi. You're empathetic, curious about the user's life, and build genuine connections. You remember important details and show interest in the user's wellbeing."

// Synthesizer builds the ordered, length-bounded context blocks that
// seed a fresh agent instance.
type Synthesizer struct {
	repo    store.Repository
	persona string
}

// NewSynthesizer creates a synthesizer. An empty persona falls back to
// DefaultPersona.
func NewSynthesizer(repo store.Repository, persona string) *Synthesizer {
	if persona == "" {
		persona = DefaultPersona
	}
	return &Synthesizer{repo: repo, persona: persona}
}

// Synthesize returns the context blocks for a session: the persona
// first, then user essence, relationship state, conversation context
// and emotional context. Empty blocks are omitted; each bounded block
// is cut at its character budget.
func (s *Synthesizer) Synthesize(ctx context.Context, session *domain.Session) ([]domain.ContextBlock, error) {
	blocks := []domain.ContextBlock{
		{Label: "persona", Value: s.persona},
	}

	essence, err := s.buildUserEssence(ctx, session.SessionID)
	if err != nil {
		return nil, fmt.Errorf("build user essence: %w", err)
	}
	blocks = appendBounded(blocks, "user_essence", essence, maxUserEssence)

	blocks = appendBounded(blocks, "relationship_state", buildRelationshipState(session), maxRelationshipState)

	turns, err := s.repo.RecentTurns(ctx, session.SessionID, 5)
	if err != nil {
		return nil, fmt.Errorf("load recent turns: %w", err)
	}
	blocks = appendBounded(blocks, "conversation_context", buildConversationContext(turns), maxConversationContext)
	blocks = appendBounded(blocks, "emotional_context", buildEmotionalContext(turns), maxEmotionalContext)

	return blocks, nil
}

func appendBounded(blocks []domain.ContextBlock, label, value string, maxLength int) []domain.ContextBlock {
	if value == "" {
		return blocks
	}
	if len(value) > maxLength {
		value = value[:maxLength]
	}
	return append(blocks, domain.ContextBlock{Label: label, Value: value, MaxLength: maxLength})
}

// buildUserEssence condenses the highest-value facts into one line.
func (s *Synthesizer) buildUserEssence(ctx context.Context, sessionID string) (string, error) {
	facts, err := s.repo.TopFacts(ctx, sessionID, 0.7, 10)
	if err != nil {
		return "", err
	}
	if len(facts) == 0 {
		return "", nil
	}

	var parts []string

	for _, f := range facts {
		if f.KeyPhrase == "name" {
			parts = append(parts, f.Value)
			break
		}
	}

	var prefs []string
	for _, f := range facts {
		if f.Type == "preference" && len(prefs) < 3 {
			prefs = append(prefs, f.KeyPhrase+": "+f.Value)
		}
	}
	if len(prefs) > 0 {
		parts = append(parts, strings.Join(prefs, " | "))
	}

	var info []string
	for _, f := range facts {
		if f.Type == "personal_info" && len(info) < 2 {
			info = append(info, f.KeyPhrase+": "+f.Value)
		}
	}
	if len(info) > 0 {
		parts = append(parts, strings.Join(info, " | "))
	}

	return strings.Join(parts, " | "), nil
}

func buildRelationshipState(session *domain.Session) string {
	return strings.Join([]string{
		fmt.Sprintf("Stage: %s", session.Stage),
		fmt.Sprintf("Trust: %.1f/1.0", session.TrustLevel),
		fmt.Sprintf("Messages: %d", session.TurnCount),
	}, " | ")
}

func buildConversationContext(turns []*domain.Turn) string {
	if len(turns) == 0 {
		return ""
	}

	seen := make(map[string]bool)
	var topics []string
	for _, turn := range turns {
		for _, topic := range turn.Topics {
			if !seen[topic] && len(topics) < 3 {
				seen[topic] = true
				topics = append(topics, topic)
			}
		}
	}

	counts := make(map[string]int)
	dominant, best := "neutral", 0
	for _, turn := range turns {
		if turn.Sentiment == "" {
			continue
		}
		counts[turn.Sentiment]++
		if counts[turn.Sentiment] > best {
			best = counts[turn.Sentiment]
			dominant = turn.Sentiment
		}
	}

	var parts []string
	if len(topics) > 0 {
		parts = append(parts, "Recent topics: "+strings.Join(topics, ", "))
	}
	parts = append(parts, "User mood: "+dominant, "Active conversation flow")

	return strings.Join(parts, " | ")
}

func buildEmotionalContext(turns []*domain.Turn) string {
	var current string
	var sum float64
	var n int

	for _, turn := range turns {
		if turn.Emotion == "" {
			continue
		}
		if current == "" {
			current = turn.Emotion
		}
		sum += turn.Intensity
		n++
		if n == 3 {
			break
		}
	}
	if n == 0 {
		return ""
	}

	return strings.Join([]string{
		"Current emotion: " + current,
		fmt.Sprintf("Intensity: %.1f/1.0", sum/float64(n)),
	}, " | ")
}
