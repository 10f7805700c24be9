// Package aggregator extracts durable facts from conversation history:
// mentioned URLs, agent commitments, user confirmations, and pending
// actions. Pure text analysis over the supplied messages; it never touches
// the network, so identical history always yields an identical InsightSet.
package aggregator

import (
	"regexp"
	"strings"
	"unicode"

	"kbrouter/internal/logging"
	"kbrouter/internal/types"
)

// DefaultWindow bounds the history scan to the most recent messages.
const DefaultWindow = 50

// urlPattern matches well-formed URL-like tokens, with or without a scheme.
var urlPattern = regexp.MustCompile(`(?i)\b(?:https?://)?(?:www\.)?[a-z0-9][a-z0-9-]*(?:\.[a-z0-9-]+)+(?:/[^\s<>"']*)?`)

// commitmentCues open an assistant message that declares intent to act.
var commitmentCues = []string{
	"i'll ",
	"i will ",
	"let me ",
	"i'm going to ",
}

// affirmations confirm a prior commitment. Matched against the whole
// (trimmed, lowered) user message or its leading words.
var affirmations = []string{
	"go ahead",
	"proceed",
	"yes",
	"continue",
	"please go ahead",
	"sounds good",
	"do it",
}

// resolutionCues mark an assistant message that closes out a commitment.
var resolutionCues = []string{
	"i've analyzed",
	"i have analyzed",
	"here's what i found",
	"here is what i found",
	"analysis complete",
	"completed",
	"finished",
	"done analyzing",
}

// =============================================================================
// AGGREGATOR
// =============================================================================

// Aggregator scans conversation history for insights. Stateless; one
// instance serves all sessions concurrently.
type Aggregator struct {
	window int
}

// New creates an aggregator with the given history window (messages).
// Non-positive values fall back to DefaultWindow.
func New(window int) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Aggregator{window: window}
}

// Aggregate scans history (arrival order, oldest first) plus the current
// message and returns the extracted insights in scan order. When the same
// URL recurs, only the most recent occurrence is kept.
func (a *Aggregator) Aggregate(history []types.Message, current types.Message) types.InsightSet {
	timer := logging.StartTimer(logging.CategoryAggregator, "Aggregator.Aggregate")
	defer timer.Stop()

	messages := history
	if len(messages) > a.window {
		messages = messages[len(messages)-a.window:]
	}
	if current.Content != "" {
		messages = append(append([]types.Message{}, messages...), current)
	}

	var insights []types.Insight

	// open holds commitments no later assistant message has resolved, oldest
	// first. A resolution closes the most recent open commitment; earlier
	// ones stay open until resolved themselves.
	var open []types.Insight

	for _, msg := range messages {
		switch msg.Role {
		case types.RoleUser:
			for _, url := range extractURLs(msg.Content) {
				insights = append(insights, types.Insight{
					Kind:          types.InsightMentionedURL,
					Value:         url,
					SourceMessage: msg.Content,
					Timestamp:     msg.Timestamp,
				})
			}
			if len(open) > 0 && isAffirmation(msg.Content) {
				insights = append(insights, types.Insight{
					Kind:          types.InsightUserConfirmation,
					Value:         open[len(open)-1].Value,
					SourceMessage: msg.Content,
					Timestamp:     msg.Timestamp,
				})
			}

		case types.RoleAssistant:
			if commitment, ok := extractCommitment(msg.Content); ok {
				in := types.Insight{
					Kind:          types.InsightAgentCommitment,
					Value:         commitment,
					SourceMessage: msg.Content,
					Timestamp:     msg.Timestamp,
				}
				insights = append(insights, in)
				open = append(open, in)
			} else if len(open) > 0 && isResolution(msg.Content) {
				open = open[:len(open)-1]
			}
		}
	}

	// Every commitment nothing resolved is still pending.
	for _, c := range open {
		insights = append(insights, types.Insight{
			Kind:          types.InsightPendingAction,
			Value:         c.Value,
			SourceMessage: c.SourceMessage,
			Timestamp:     c.Timestamp,
		})
	}

	insights = dedupeURLs(insights)

	logging.AggregatorDebug("Aggregated %d insights from %d messages", len(insights), len(messages))
	return types.InsightSet{Insights: insights}
}

// =============================================================================
// EXTRACTION HELPERS
// =============================================================================

// extractURLs returns the URL-like tokens in text, trailing punctuation
// stripped.
func extractURLs(text string) []string {
	raw := urlPattern.FindAllString(text, -1)
	urls := make([]string, 0, len(raw))
	for _, u := range raw {
		u = strings.TrimRight(u, ".,;:!?)")
		// A bare domain needs at least one dot and a plausible TLD; the
		// pattern already guarantees the dot, this rejects version-number
		// lookalikes such as "1.5".
		if !strings.Contains(u, "://") && !hasAlphaTLD(u) {
			continue
		}
		urls = append(urls, u)
	}
	return urls
}

func hasAlphaTLD(u string) bool {
	host := u
	if i := strings.Index(host, "/"); i >= 0 {
		host = host[:i]
	}
	i := strings.LastIndex(host, ".")
	if i < 0 || i == len(host)-1 {
		return false
	}
	for _, r := range host[i+1:] {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// extractCommitment returns the declared-intent sentence when the message
// contains a commitment cue.
func extractCommitment(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, cue := range commitmentCues {
		idx := strings.Index(lower, cue)
		if idx < 0 {
			continue
		}
		// Take the sentence containing the cue.
		sentence := text[idx:]
		if end := sentenceEnd(sentence); end >= 0 {
			sentence = sentence[:end]
		}
		return strings.TrimSpace(sentence), true
	}
	return "", false
}

// sentenceEnd returns the index of the first sentence terminator, or -1.
// A dot only terminates at a word boundary, so dots inside URLs and domain
// names ("https://example.com") do not clip the sentence.
func sentenceEnd(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '!', '?', '\n':
			return i
		case '.':
			if i+1 == len(s) || s[i+1] == ' ' || s[i+1] == '\t' || s[i+1] == '\n' {
				return i
			}
		}
	}
	return -1
}

// isAffirmation reports whether a user message affirms a prior commitment.
// Short messages match anywhere; longer ones only when they open with the
// affirmation, so "yes" buried in an unrelated paragraph does not confirm.
func isAffirmation(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.TrimRight(normalized, ".!?")
	for _, a := range affirmations {
		if normalized == a || strings.HasPrefix(normalized, a+" ") || strings.HasPrefix(normalized, a+",") {
			return true
		}
		if len(normalized) <= 40 && strings.Contains(normalized, a) {
			return true
		}
	}
	return false
}

// isResolution reports whether an assistant message closes out the open
// commitment.
func isResolution(text string) bool {
	lower := strings.ToLower(text)
	for _, cue := range resolutionCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

// dedupeURLs keeps only the most recent occurrence of each mentioned URL,
// preserving the scan order of the survivors.
func dedupeURLs(insights []types.Insight) []types.Insight {
	lastIdx := make(map[string]int)
	for i, in := range insights {
		if in.Kind == types.InsightMentionedURL {
			lastIdx[in.Value] = i
		}
	}

	out := insights[:0]
	for i, in := range insights {
		if in.Kind == types.InsightMentionedURL && lastIdx[in.Value] != i {
			continue
		}
		out = append(out, in)
	}
	return out
}
