// Package selector implements the agent selection state machine:
// Init -> BoundsCheck -> EvaluateRequested -> SearchAlternatives -> Fallback
// -> Terminal. The machine always terminates with a usable agent; failures
// anywhere below it are converted into a low-confidence error fallback, so
// Select never returns an error and never panics past its boundary.
package selector

import (
	"context"
	"fmt"

	"kbrouter/internal/config"
	"kbrouter/internal/logging"
	"kbrouter/internal/matcher"
	"kbrouter/internal/types"
)

// =============================================================================
// STATE MACHINE
// =============================================================================

type state int

const (
	stateInit state = iota
	stateBoundsCheck
	stateEvaluateRequested
	stateSearchAlternatives
	stateFallback
	stateTerminal
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateBoundsCheck:
		return "bounds_check"
	case stateEvaluateRequested:
		return "evaluate_requested"
	case stateSearchAlternatives:
		return "search_alternatives"
	case stateFallback:
		return "fallback"
	case stateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Selector chooses an agent for each query. One instance serves all
// requests; per-call state lives in the run struct.
type Selector struct {
	matcher *matcher.Matcher
	cfg     config.SelectorConfig

	// validThreshold is the bar the requested agent's own namespace must
	// clear to be kept as-is (the matcher's cross-agent threshold).
	validThreshold float64
}

// New creates a selector over the given matcher.
func New(m *matcher.Matcher, selCfg config.SelectorConfig, matchCfg config.MatcherConfig) *Selector {
	if selCfg.MaxAttempts <= 0 {
		selCfg.MaxAttempts = 3
	}
	if selCfg.DefaultAgent == "" {
		selCfg.DefaultAgent = "presaleskb"
	}
	return &Selector{
		matcher:        m,
		cfg:            selCfg,
		validThreshold: matchCfg.CrossAgentThreshold,
	}
}

// run carries the state of one selection cycle.
type run struct {
	query    types.Query
	insights types.InsightSet

	// requestedScore is filled by EvaluateRequested and consumed by
	// SearchAlternatives (an alternative must beat it).
	requestedScore float64

	// skipKeywords forces the fallback to the default agent (max-attempts
	// path: the query content has already failed twice, re-deriving from it
	// would loop).
	skipKeywords   bool
	fallbackReason string

	result types.SelectionResult
}

// Select runs the state machine to completion. It always returns a
// SelectionResult with a non-empty agent: matcher or store failures route to
// the error fallback, and a panic anywhere below is recovered into the same
// path.
func (s *Selector) Select(ctx context.Context, query types.Query, insights types.InsightSet) (result types.SelectionResult) {
	timer := logging.StartTimer(logging.CategorySelector, "Selector.Select")
	defer timer.Stop()

	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategorySelector).Error("Recovered panic in selection: %v", r)
			result = s.errorFallback(query, fmt.Sprintf("internal error: %v", r))
		}
	}()

	rn := &run{query: query, insights: insights}
	cur := stateInit

	for cur != stateTerminal {
		next, err := s.step(ctx, cur, rn)
		if err != nil {
			logging.Selector("State %s failed: %v, routing to error fallback", cur, err)
			return s.errorFallback(query, err.Error())
		}
		logging.SelectorDebug("Transition %s -> %s (agent=%s, attempt=%d)",
			cur, next, query.RequesterAgentID, query.AttemptCount)
		cur = next
	}

	return rn.result
}

// step executes one state and returns the next.
func (s *Selector) step(ctx context.Context, cur state, rn *run) (state, error) {
	switch cur {
	case stateInit:
		return s.init(rn)
	case stateBoundsCheck:
		return s.boundsCheck(rn)
	case stateEvaluateRequested:
		return s.evaluateRequested(ctx, rn)
	case stateSearchAlternatives:
		return s.searchAlternatives(ctx, rn)
	case stateFallback:
		return s.fallback(rn)
	default:
		return stateTerminal, fmt.Errorf("unreachable state %s", cur)
	}
}

func (s *Selector) init(rn *run) (state, error) {
	if err := types.ValidateQuery(rn.query.RawText); err != nil {
		return stateTerminal, err
	}
	if n := len(rn.insights.Insights); n > 0 {
		logging.SelectorDebug("Selection context: %d insights, url=%q, pending=%v",
			n, rn.insights.LatestURL(), rn.insights.HasPendingAction())
	}
	return stateBoundsCheck, nil
}

// boundsCheck is the loop-prevention guarantee: a caller-owned attempt
// counter checked on entry means the machine terminates within MaxAttempts
// cycles regardless of upstream retry behavior.
func (s *Selector) boundsCheck(rn *run) (state, error) {
	if rn.query.AttemptCount >= s.cfg.MaxAttempts {
		logging.Selector("Max attempts exceeded (%d >= %d), forcing fallback",
			rn.query.AttemptCount, s.cfg.MaxAttempts)
		rn.skipKeywords = true
		rn.fallbackReason = "max attempts exceeded"
		return stateFallback, nil
	}
	return stateEvaluateRequested, nil
}

// evaluateRequested self-checks the requested agent: does its own capability
// set cover the query well enough to keep it?
func (s *Selector) evaluateRequested(ctx context.Context, rn *run) (state, error) {
	if rn.query.RequesterAgentID == "" {
		return stateSearchAlternatives, nil
	}

	match, err := s.matcher.ScoreAgent(ctx, rn.query.RawText, rn.query.RequesterAgentID)
	if err != nil {
		return stateTerminal, err
	}
	rn.requestedScore = match.Score

	if match.Score >= s.validThreshold {
		logging.Selector("Requested agent %s valid (score=%.3f)", rn.query.RequesterAgentID, match.Score)
		rn.result = types.SelectionResult{
			SelectedAgentID: rn.query.RequesterAgentID,
			Strategy:        types.StrategyOriginalValid,
			Confidence:      match.Score,
			AttemptCount:    rn.query.AttemptCount,
		}
		return stateTerminal, nil
	}

	logging.SelectorDebug("Requested agent %s below threshold (%.3f < %.2f)",
		rn.query.RequesterAgentID, match.Score, s.validThreshold)
	return stateSearchAlternatives, nil
}

// searchAlternatives looks across every agent namespace for a candidate that
// clears the alternative bar and beats the requested agent's own score.
func (s *Selector) searchAlternatives(ctx context.Context, rn *run) (state, error) {
	candidates, err := s.matcher.MatchAgentsAbove(ctx, rn.query.RawText, s.cfg.AlternativeThreshold)
	if err != nil {
		return stateTerminal, err
	}

	for _, c := range candidates {
		if c.AgentID == rn.query.RequesterAgentID {
			continue
		}
		if c.Score <= rn.requestedScore {
			continue
		}
		logging.Selector("Better match found: %s (score=%.3f > requested %.3f)",
			c.AgentID, c.Score, rn.requestedScore)
		rn.result = types.SelectionResult{
			SelectedAgentID: c.AgentID,
			Strategy:        types.StrategyBetterMatch,
			Confidence:      c.Score,
			AttemptCount:    rn.query.AttemptCount,
		}
		return stateTerminal, nil
	}

	rn.fallbackReason = "no agent cleared similarity thresholds"
	return stateFallback, nil
}

// fallback derives a deterministic persona from lexical cues in the query,
// defaulting to the system-wide default. Confidence is pinned to a low band
// to signal uncertainty downstream.
func (s *Selector) fallback(rn *run) (state, error) {
	agent := s.cfg.DefaultAgent
	reason := rn.fallbackReason

	if !rn.skipKeywords {
		var kwReason string
		agent, kwReason = deriveFallbackAgent(rn.query.RawText, s.cfg.DefaultAgent)
		if reason == "" {
			reason = kwReason
		} else {
			reason = reason + "; " + kwReason
		}
	}

	logging.Selector("Fallback to %s (%s)", agent, reason)
	rn.result = types.SelectionResult{
		SelectedAgentID: agent,
		Strategy:        types.StrategyFallback,
		Confidence:      s.cfg.FallbackConfidence,
		AttemptCount:    rn.query.AttemptCount,
		FallbackReason:  reason,
	}
	return stateTerminal, nil
}

// errorFallback is the terminal recovery path: default agent, minimal
// confidence, reason recorded. Nothing below the selector raises past it.
func (s *Selector) errorFallback(query types.Query, reason string) types.SelectionResult {
	return types.SelectionResult{
		SelectedAgentID: s.cfg.DefaultAgent,
		Strategy:        types.StrategyErrorFallback,
		Confidence:      s.cfg.ErrorConfidence,
		AttemptCount:    query.AttemptCount,
		FallbackReason:  reason,
	}
}
