package memory

import (
	"strings"

	"github.com/niya-labs/niya-bridge/internal/domain"
)

// Classifier analyzes raw user text. Implementations must be pure.
type Classifier interface {
	// Sentiment returns a polarity label and an intensity in [0, 1].
	Sentiment(text string) (sentiment string, intensity float64)
	// Emotion returns the dominant detected emotion, or "" when none.
	Emotion(text string) string
	// Topics returns the topic labels mentioned in the text.
	Topics(text string) []string
	// Stage classifies conversation progress from content and turn count.
	Stage(text string, turnCount int) domain.ConversationStage
}

// ContradictionJudge decides whether two fact values conflict.
type ContradictionJudge interface {
	Contradict(oldValue, newValue string) bool
}

// KeywordClassifier is a lexicon-based Classifier.
type KeywordClassifier struct{}

// NewKeywordClassifier creates a classifier with the built-in lexicons.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

var emotionLexicon = []struct {
	label    string
	keywords []string
}{
	{"happy", []string{"happy", "joy", "excited", "great", "amazing", "wonderful"}},
	{"sad", []string{"sad", "down", "depressed", "upset", "disappointed"}},
	{"angry", []string{"angry", "mad", "frustrated", "annoyed", "furious"}},
	{"anxious", []string{"worried", "anxious", "nervous", "stressed", "concerned"}},
	{"love", []string{"love", "adore", "cherish", "care", "affection"}},
}

var (
	positiveWords = []string{"good", "great", "happy", "love", "amazing", "wonderful"}
	negativeWords = []string{"bad", "sad", "hate", "terrible", "awful", "horrible"}
)

var topicLexicon = []struct {
	label    string
	keywords []string
}{
	{"music", []string{"music", "song", "sing", "dance", "beat", "guitar", "piano", "band"}},
	{"love", []string{"love", "relationship", "romantic", "heart", "feelings", "dating"}},
	{"work", []string{"work", "job", "career", "office", "boss", "colleague", "business"}},
	{"family", []string{"family", "mother", "father", "sister", "brother", "parents"}},
	{"hobbies", []string{"hobby", "activity", "fun", "enjoy", "interest", "passion"}},
	{"travel", []string{"travel", "trip", "vacation", "visit", "journey", "explore"}},
	{"food", []string{"food", "eat", "cook", "restaurant", "meal", "dinner"}},
	{"technology", []string{"tech", "computer", "phone", "app", "software", "internet"}},
	{"sports", []string{"sport", "game", "play", "team", "exercise", "fitness"}},
	{"education", []string{"school", "study", "learn", "university", "college", "education"}},
}

var (
	emotionalStageWords = []string{"feel", "emotion", "sad", "happy", "worried"}
	deepStageWords      = []string{"dream", "future", "relationship", "love", "life"}
)

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func countMatches(text string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			n++
		}
	}
	return n
}

// Sentiment scores polarity by keyword counts.
func (c *KeywordClassifier) Sentiment(text string) (string, float64) {
	lower := strings.ToLower(text)

	pos := countMatches(lower, positiveWords)
	neg := countMatches(lower, negativeWords)

	switch {
	case pos > neg:
		return "positive", min(float64(pos)/3, 1.0)
	case neg > pos:
		return "negative", min(float64(neg)/3, 1.0)
	default:
		return "neutral", 0.5
	}
}

// Emotion returns the first matching emotion label.
func (c *KeywordClassifier) Emotion(text string) string {
	lower := strings.ToLower(text)
	for _, e := range emotionLexicon {
		if containsAny(lower, e.keywords) {
			return e.label
		}
	}
	return ""
}

// Topics returns all topic labels whose lexicon matches the text.
func (c *KeywordClassifier) Topics(text string) []string {
	lower := strings.ToLower(text)
	var topics []string
	for _, t := range topicLexicon {
		if containsAny(lower, t.keywords) {
			topics = append(topics, t.label)
		}
	}
	return topics
}

// Stage classifies conversation progress. Emotional content overrides
// the turn-count heuristic even during the greeting window.
func (c *KeywordClassifier) Stage(text string, turnCount int) domain.ConversationStage {
	lower := strings.ToLower(text)

	switch {
	case containsAny(lower, emotionalStageWords):
		return domain.StageEmotionalSupport
	case turnCount <= 2:
		return domain.StageGreeting
	case containsAny(lower, deepStageWords):
		return domain.StageDeepConversation
	case turnCount <= 8:
		return domain.StageGettingAcquainted
	default:
		return domain.StageCasualChat
	}
}

// PolarityJudge detects contradictions through opposing keyword pairs.
type PolarityJudge struct {
	pairs []polarityPair
}

type polarityPair struct {
	positive []string
	negative []string
}

// NewPolarityJudge creates a judge with the built-in polarity table.
func NewPolarityJudge() *PolarityJudge {
	return &PolarityJudge{
		pairs: []polarityPair{
			{positive: []string{"love", "like"}, negative: []string{"hate", "dislike"}},
			{positive: []string{"happy", "joy"}, negative: []string{"sad", "depressed"}},
			{positive: []string{"single"}, negative: []string{"married", "relationship"}},
		},
	}
}

// Contradict reports whether the two values sit on opposite sides of
// any polarity pair.
func (j *PolarityJudge) Contradict(oldValue, newValue string) bool {
	oldLower := strings.ToLower(oldValue)
	newLower := strings.ToLower(newValue)

	for _, p := range j.pairs {
		// Negatives win the substring overlap ("dislike" contains "like").
		oldNeg := containsAny(oldLower, p.negative)
		newNeg := containsAny(newLower, p.negative)
		oldPos := !oldNeg && containsAny(oldLower, p.positive)
		newPos := !newNeg && containsAny(newLower, p.positive)

		if (oldPos && newNeg) || (oldNeg && newPos) {
			return true
		}
	}
	return false
}
