package lifecycle

import (
	"regexp"
	"strings"
)

// FallbackReply is returned whenever the agent call fails, times out or
// produces unusable text. Deterministic on purpose; raw errors never
// reach the user.
const FallbackReply = "Sorry jaan, I'm having some technical difficulties right now... give me a moment! 💔"

// replyArtifacts are service leakage strings stripped from raw replies.
var replyArtifacts = []string{
	"Assistant:", "AI:", "Priya:", "Response:",
	"[INST]", "[/INST]", "<|", "|>", "```",
	"function_call:", "tool_use:", "system:",
}

var (
	sentenceSplit = regexp.MustCompile(`[.!?]+\s+`)
	letterPattern = regexp.MustCompile(`[a-zA-Z]`)
)

// cleanReply normalizes a raw agent reply. Returns "" when nothing
// usable remains; callers substitute the fallback.
func cleanReply(raw string) string {
	if raw == "" {
		return ""
	}

	cleaned := strings.Join(strings.Fields(raw), " ")

	for _, artifact := range replyArtifacts {
		cleaned = strings.ReplaceAll(cleaned, artifact, "")
	}

	cleaned = squeezeRepeats(cleaned, 4)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	cleaned = strings.Trim(cleaned, `"{}`)
	cleaned = strings.TrimSpace(cleaned)

	if len(cleaned) < 10 || !letterPattern.MatchString(cleaned) {
		return ""
	}

	if len(cleaned) > 500 {
		cleaned = truncateAtSentence(cleaned, 450)
	}

	return strings.TrimSpace(cleaned)
}

// squeezeRepeats collapses runs longer than maxRun identical runes down
// to a single occurrence. Shorter runs pass through unchanged.
func squeezeRepeats(s string, maxRun int) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(runes); {
		j := i
		for j < len(runes) && runes[j] == runes[i] {
			j++
		}
		if j-i > maxRun {
			b.WriteRune(runes[i])
		} else {
			b.WriteString(string(runes[i:j]))
		}
		i = j
	}
	return b.String()
}

func truncateAtSentence(s string, budget int) string {
	sentences := strings.Split(s, ".")
	var truncated strings.Builder
	for _, sentence := range sentences {
		if truncated.Len()+len(sentence) >= budget {
			break
		}
		truncated.WriteString(sentence)
		truncated.WriteString(".")
	}
	if truncated.Len() == 0 {
		return s[:budget]
	}
	return truncated.String()
}

// segmentReply breaks a long reply into at most three natural messages
// so the front end can deliver them as separate chat bubbles.
func segmentReply(reply string) []string {
	if reply == "" {
		return []string{FallbackReply}
	}
	if len(reply) < 60 {
		return []string{reply}
	}

	var sentences []string
	for _, s := range sentenceSplit.Split(strings.TrimSpace(reply), -1) {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) == 0 {
		return []string{reply}
	}

	if len(sentences) <= 3 {
		out := make([]string, 0, len(sentences))
		for _, s := range sentences {
			out = append(out, terminate(s))
		}
		return out
	}

	third := len(sentences) / 3
	groups := []string{
		strings.Join(sentences[:third], ". ") + ".",
		strings.Join(sentences[third:third*2], ". ") + ".",
		strings.Join(sentences[third*2:], ". ") + ".",
	}

	out := make([]string, 0, 3)
	for _, g := range groups {
		if g = strings.TrimSpace(g); g != "." && g != "" {
			out = append(out, g)
		}
	}
	return out
}

func terminate(s string) string {
	if strings.HasSuffix(s, ".") || strings.HasSuffix(s, "!") || strings.HasSuffix(s, "?") {
		return s
	}
	return s + "."
}
