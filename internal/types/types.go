// Package types defines the shared data model for kbrouter: queries,
// knowledge fragments, match results, insights, and selection results.
// All other internal packages depend on this one; it depends on nothing.
package types

import (
	"time"
)

// =============================================================================
// QUERY & MESSAGES
// =============================================================================

// Query is one selection request. Immutable per call. AttemptCount is owned
// by the caller and incremented once per selector invocation in a retry chain.
type Query struct {
	RawText          string
	RequesterAgentID string
	SessionID        string
	AttemptCount     int
}

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a single conversation turn, supplied by the caller in arrival
// order. The aggregator requires a prefix-consistent view of history.
type Message struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// =============================================================================
// KNOWLEDGE MODEL
// =============================================================================

// Namespace selects which fragment corpus a match runs against.
// Agent-capability fragments are global; session fragments are per-client.
type Namespace struct {
	// AgentID restricts the search to one agent's capability documents.
	AgentID string

	// SessionID restricts the search to one session's ingested facts.
	SessionID string
}

// AgentNamespace returns a namespace over one agent's capability documents.
func AgentNamespace(agentID string) Namespace {
	return Namespace{AgentID: agentID}
}

// SessionNamespace returns a namespace over one session's facts.
func SessionNamespace(sessionID string) Namespace {
	return Namespace{SessionID: sessionID}
}

// KnowledgeFragment is one embedded document chunk, owned either by an agent
// (capability doc) or a session (prior analysis fact).
type KnowledgeFragment struct {
	ID        int64
	OwnerID   string // agent name or session id, depending on namespace
	Text      string
	Embedding []float32
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

// AgentProfile is one persona loaded from the knowledge store. Immutable
// within a selection cycle; refreshed by snapshot reload.
type AgentProfile struct {
	AgentID     string
	DisplayRole string
	Intro       string
	Expertise   []string
	Fragments   []KnowledgeFragment
}

// MatchResult is one ranked candidate from the similarity matcher.
type MatchResult struct {
	AgentID            string
	Score              float64 // cosine similarity, 0..1
	MatchedFragmentIDs []int64
}

// =============================================================================
// INSIGHTS
// =============================================================================

// InsightKind tags the Insight union.
type InsightKind string

const (
	InsightMentionedURL     InsightKind = "mentioned_url"
	InsightUserConfirmation InsightKind = "user_confirmation"
	InsightAgentCommitment  InsightKind = "agent_commitment"
	InsightPendingAction    InsightKind = "pending_action"
)

// Insight is one durable fact extracted from conversation history. Created
// once, never mutated; newer extractions supersede rather than overwrite.
type Insight struct {
	Kind InsightKind

	// Value is the extracted payload: the URL for MentionedURL, the
	// commitment text for AgentCommitment/PendingAction, the affirmation
	// text for UserConfirmation.
	Value string

	// SourceMessage is the message text the insight was extracted from.
	SourceMessage string

	// Timestamp is the source message's timestamp (not extraction time, so
	// re-aggregation of identical history is byte-identical).
	Timestamp time.Time
}

// InsightSet is the aggregator's output for one history window.
type InsightSet struct {
	Insights []Insight
}

// LatestURL returns the most recently mentioned URL, or "" when none exists.
func (s InsightSet) LatestURL() string {
	for i := len(s.Insights) - 1; i >= 0; i-- {
		if s.Insights[i].Kind == InsightMentionedURL {
			return s.Insights[i].Value
		}
	}
	return ""
}

// HasPendingAction reports whether any commitment is still unresolved.
func (s InsightSet) HasPendingAction() bool {
	for _, in := range s.Insights {
		if in.Kind == InsightPendingAction {
			return true
		}
	}
	return false
}

// HasConfirmation reports whether the user affirmed a prior commitment.
func (s InsightSet) HasConfirmation() bool {
	for _, in := range s.Insights {
		if in.Kind == InsightUserConfirmation {
			return true
		}
	}
	return false
}

// =============================================================================
// SELECTION RESULT
// =============================================================================

// Strategy labels how the selector arrived at its decision.
type Strategy string

const (
	StrategyOriginalValid Strategy = "original_valid"
	StrategyBetterMatch   Strategy = "better_match"
	StrategyFallback      Strategy = "fallback"
	StrategyErrorFallback Strategy = "error_fallback"
)

// WireLabel maps the internal strategy to the label the orchestration layer
// expects on the wire.
func (s Strategy) WireLabel() string {
	switch s {
	case StrategyOriginalValid:
		return "original_agent_valid"
	case StrategyBetterMatch:
		return "best_agent_found"
	case StrategyFallback:
		return "fallback_required"
	case StrategyErrorFallback:
		return "error_fallback"
	default:
		return "error_fallback"
	}
}

// SelectionResult is the selector's terminal output. SelectedAgentID is never
// empty: the default persona is the terminal fallback.
type SelectionResult struct {
	SelectedAgentID string
	Strategy        Strategy
	Confidence      float64
	AttemptCount    int
	FallbackReason  string // empty unless Strategy is fallback/error_fallback
}
