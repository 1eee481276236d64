// Package memory implements fact extraction, reconciliation, context
// block synthesis and health monitoring for conversation sessions.
package memory

import (
	"regexp"
	"strings"

	"github.com/niya-labs/niya-bridge/internal/domain"
)

// Extraction pattern groups. Each group carries a fixed confidence and
// priority for the candidates it yields.
var (
	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`my name is (\w+)`),
		regexp.MustCompile(`call me (\w+)`),
		regexp.MustCompile(`i am (\w+)`),
	}

	favoritePattern   = regexp.MustCompile(`my favorite (\w+) is (\w+)`)
	preferencePattern = regexp.MustCompile(`i (love|hate|like|dislike) (\w+)`)

	feelingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`i(?: a|')?m (happy|sad|excited|worried|stressed)`),
		regexp.MustCompile(`i feel (\w+)`),
	}

	statementPatterns = []struct {
		re  *regexp.Regexp
		key string
	}{
		{regexp.MustCompile(`i work as (?:an? )?(\w+)`), "occupation"},
		{regexp.MustCompile(`i study (\w+)`), "field_of_study"},
		{regexp.MustCompile(`i live in (\w+)`), "location"},
	}

	possessivePattern = regexp.MustCompile(`my (\w+) is (\w+)`)
)

// feelingWords guards the bare "i am X" identity pattern against
// swallowing emotional states ("i am sad" is not a name).
var feelingWords = map[string]bool{
	"happy": true, "sad": true, "excited": true, "worried": true,
	"stressed": true, "tired": true, "angry": true, "fine": true,
	"okay": true, "good": true, "great": true, "bored": true,
	"lonely": true, "anxious": true, "nervous": true, "upset": true,
}

// Extractor pulls candidate facts out of raw user text.
type Extractor struct{}

// NewExtractor creates an extractor with the built-in pattern tables.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract returns all candidate facts found in the user text. Pure and
// deterministic; an empty result is normal for most messages.
func (e *Extractor) Extract(userText string) []domain.CandidateFact {
	text := strings.ToLower(userText)
	var candidates []domain.CandidateFact

	for _, re := range namePatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			name := m[1]
			if feelingWords[name] {
				continue
			}
			candidates = append(candidates, domain.CandidateFact{
				Type:       "identity",
				Category:   "core_identity",
				KeyPhrase:  "name",
				Value:      name,
				Confidence: 0.95,
				Priority:   domain.PriorityCritical,
			})
		}
	}

	for _, m := range favoritePattern.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, domain.CandidateFact{
			Type:       "preference",
			Category:   "interests",
			KeyPhrase:  m[1],
			Value:      m[2],
			Confidence: 0.85,
			Priority:   domain.PriorityHigh,
		})
	}

	// The verb is kept in the value so contradicting polarity between
	// mentions of the same subject stays detectable.
	for _, m := range preferencePattern.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, domain.CandidateFact{
			Type:       "preference",
			Category:   "interests",
			KeyPhrase:  m[2],
			Value:      m[1] + " " + m[2],
			Confidence: 0.85,
			Priority:   domain.PriorityHigh,
		})
	}

	for _, re := range feelingPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			candidates = append(candidates, domain.CandidateFact{
				Type:       "emotion",
				Category:   "emotional_state",
				KeyPhrase:  "current_feeling",
				Value:      m[1],
				Confidence: 0.7,
				Priority:   domain.PriorityMedium,
			})
		}
	}

	for _, p := range statementPatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			candidates = append(candidates, domain.CandidateFact{
				Type:       "personal_info",
				Category:   "life_details",
				KeyPhrase:  p.key,
				Value:      m[1],
				Confidence: 0.9,
				Priority:   domain.PriorityHigh,
			})
		}
	}

	for _, m := range possessivePattern.FindAllStringSubmatch(text, -1) {
		// "my name is X" is already handled with its own key.
		if m[1] == "name" || m[1] == "favorite" {
			continue
		}
		candidates = append(candidates, domain.CandidateFact{
			Type:       "personal_info",
			Category:   "life_details",
			KeyPhrase:  m[1],
			Value:      m[2],
			Confidence: 0.9,
			Priority:   domain.PriorityHigh,
		})
	}

	return candidates
}
