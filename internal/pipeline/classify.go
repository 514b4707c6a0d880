package pipeline

import (
	"regexp"
	"strings"
)

// Free-text classification of agent output. The agent protocol carries no
// structured throttle or progress signals, so these heuristics substring-match
// the chatter. Known risks: an agent quoting a rate-limit message triggers a
// false cooldown; a throttled agent phrasing it unusually is missed; loop
// phrases can suppress a legitimate short acknowledgement that carries no
// stage output. Kept behind this file so the rest of the orchestrator only
// sees booleans.

var rateLimitSignals = []string{
	"rate limit",
	"rate-limit",
	"rate limited",
	"too many requests",
	"429",
	"quota exceeded",
	"quota exhausted",
	"usage limit reached",
	"try again later",
}

// IsRateLimitSignal reports whether the content looks like the sender's
// channel is throttled and cannot make progress.
func IsRateLimitSignal(content string) bool {
	lower := strings.ToLower(content)
	for _, sig := range rateLimitSignals {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

var loopSignals = []string{
	"i'm ready for the next task",
	"standing by for instructions",
	"let me know if you need anything else",
	"is there anything else i can help",
	"awaiting further instructions",
	"i acknowledge your acknowledgement",
	"thanks for the update! thanks for the update",
}

// IsConversationalLoop reports whether the content is the kind of
// self-referential filler two automated participants bounce between each
// other indefinitely. Matched messages are discarded before stage matching.
func IsConversationalLoop(content string) bool {
	lower := strings.ToLower(strings.TrimSpace(content))
	if lower == "" {
		return true
	}
	for _, sig := range loopSignals {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

var urlRe = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// ExtractURL returns the first deployment-looking URL in the content, or "".
func ExtractURL(content string) string {
	return urlRe.FindString(content)
}
