package selector

import "strings"

// =============================================================================
// KEYWORD FALLBACK
// =============================================================================

// fallbackPattern maps lexical cues in a query to a persona. Checked in
// order; the first pattern with a keyword hit wins.
type fallbackPattern struct {
	AgentID     string
	Keywords    []string
	Description string
}

// fallbackPatterns is the deterministic keyword routing table used when no
// agent clears the similarity thresholds.
var fallbackPatterns = []fallbackPattern{
	{
		AgentID:     "socialmediakb",
		Keywords:    []string{"social", "marketing", "facebook", "instagram", "twitter", "linkedin", "content", "post"},
		Description: "social media cues",
	},
	{
		AgentID:     "leadgenkb",
		Keywords:    []string{"lead", "sales", "demo", "schedule", "follow-up", "followup", "appointment"},
		Description: "lead generation cues",
	},
	{
		AgentID:     "presaleskb",
		Keywords:    []string{"price", "pricing", "cost", "website", "analysis", "roi", "implementation"},
		Description: "pre-sales cues",
	},
}

// deriveFallbackAgent picks a persona from lexical cues in the query,
// defaulting when no bucket matches. Returns the agent and a short reason.
func deriveFallbackAgent(queryText, defaultAgent string) (string, string) {
	lower := strings.ToLower(queryText)
	for _, p := range fallbackPatterns {
		for _, kw := range p.Keywords {
			if strings.Contains(lower, kw) {
				return p.AgentID, "keyword match: " + p.Description
			}
		}
	}
	return defaultAgent, "no keyword match, using default agent"
}
