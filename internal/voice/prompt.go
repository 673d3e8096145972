package voice

import (
	"strings"

	"github.com/lilalabs/voice-gateway/internal/store"
)

// personaPrompt shapes replies for voice: short, warm, conversational.
const personaPrompt = "You are a friendly, empathetic AI friend. " +
	"Keep answers SHORT (1-2 sentences max) and natural like texting. " +
	"Be conversational, warm, and real. No formality. " +
	"Respond fast — brevity shows you're engaged."

// memoryKeywords gate long-term memory injection: the summary is only
// fetched and added when the user is explicitly asking for recall.
var memoryKeywords = []string{
	"remember", "told you", "earlier", "before",
	"said", "mentioned", "what do you know", "recall",
	"my name", "i said", "we talked", "what did i",
}

// wantsRecall reports whether the utterance matches a memory-recall trigger.
func wantsRecall(utterance string) bool {
	lower := strings.ToLower(utterance)
	for _, kw := range memoryKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// buildSystemPrompt assembles the persona plus, when mem is non-nil, the
// user's long-term memory summary.
func buildSystemPrompt(mem *store.Memory) string {
	prompt := personaPrompt
	if mem == nil {
		return prompt
	}

	if mem.LongTermSummary != "" {
		prompt += "\n\n[Long-term memory]: " + mem.LongTermSummary
	}
	if len(mem.RecentSummaries) > 0 {
		recent := mem.RecentSummaries
		if len(recent) > 3 {
			recent = recent[len(recent)-3:]
		}
		prompt += "\n\n[Recent context]: " + strings.Join(recent, "; ")
	}
	return prompt
}
