// Package matcher performs cosine-similarity matching of a query against the
// knowledge store: ranked agent candidates across all agent namespaces, and
// fragment retrieval within a single namespace.
package matcher

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"kbrouter/internal/config"
	"kbrouter/internal/embedding"
	"kbrouter/internal/logging"
	"kbrouter/internal/store"
	"kbrouter/internal/types"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// MATCHER
// =============================================================================

// Matcher scores queries against knowledge fragments. Stateless between
// calls: all per-call state lives on the stack, so concurrent Match calls
// need no coordination beyond the store snapshot swap.
type Matcher struct {
	mu     sync.RWMutex
	store  *store.KnowledgeStore
	engine embedding.Engine
	cfg    config.MatcherConfig
}

// New creates a matcher over the given store and embedding engine.
func New(st *store.KnowledgeStore, engine embedding.Engine, cfg config.MatcherConfig) *Matcher {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.TieEpsilon <= 0 {
		cfg.TieEpsilon = 1e-6
	}
	return &Matcher{store: st, engine: engine, cfg: cfg}
}

// SetConfig replaces the matcher thresholds at runtime.
func (m *Matcher) SetConfig(cfg config.MatcherConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	logging.MatcherDebug("Matcher config updated: cross=%.2f, knowledge=%.2f, topK=%d",
		cfg.CrossAgentThreshold, cfg.KnowledgeThreshold, cfg.TopK)
}

func (m *Matcher) config() config.MatcherConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// FragmentMatch is one fragment scored against a query.
type FragmentMatch struct {
	Fragment types.KnowledgeFragment
	Score    float64
}

// embedQuery generates the query embedding, mapping any provider failure to
// ErrEmbeddingUnavailable so callers can tell "could not evaluate" apart
// from "no match".
func (m *Matcher) embedQuery(ctx context.Context, text string) ([]float32, error) {
	vec, err := m.engine.Embed(ctx, text)
	if err != nil {
		logging.Get(logging.CategoryMatcher).Warn("Query embedding failed: %v", err)
		return nil, fmt.Errorf("%w: %v", types.ErrEmbeddingUnavailable, err)
	}
	return vec, nil
}

// =============================================================================
// CROSS-AGENT MATCHING
// =============================================================================

// agentScore is the per-agent aggregation before ranking.
type agentScore struct {
	agentID     string
	score       float64 // best fragment similarity
	fragmentIDs []int64 // fragments above the knowledge threshold
	latestMatch time.Time
}

// MatchAgents embeds the query once and scores it against every agent's
// capability fragments in parallel. Only agents whose best fragment clears
// the cross-agent threshold are returned, ranked by score descending.
// Scores within TieEpsilon are tie-broken by matched-fragment recency, then
// lexicographic agent id, so identical inputs always rank identically.
func (m *Matcher) MatchAgents(ctx context.Context, queryText string) ([]types.MatchResult, error) {
	return m.MatchAgentsAbove(ctx, queryText, m.config().CrossAgentThreshold)
}

// MatchAgentsAbove is MatchAgents with an explicit score floor. The selector
// uses a lower floor when searching for alternatives to a weakly matched
// requested agent.
func (m *Matcher) MatchAgentsAbove(ctx context.Context, queryText string, minScore float64) ([]types.MatchResult, error) {
	timer := logging.StartTimer(logging.CategoryMatcher, "Matcher.MatchAgents")
	defer timer.Stop()

	if err := types.ValidateQuery(queryText); err != nil {
		return nil, err
	}

	cfg := m.config()

	snapshot, err := m.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	queryEmbed, err := m.embedQuery(ctx, queryText)
	if err != nil {
		return nil, err
	}

	agentIDs := snapshot.AgentIDs()
	scores := make([]*agentScore, len(agentIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, agentID := range agentIDs {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			fragments := snapshot.Fragments(types.AgentNamespace(agentID))
			scores[i] = scoreAgent(agentID, queryEmbed, fragments, cfg.KnowledgeThreshold)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	candidates := make([]*agentScore, 0, len(scores))
	for _, sc := range scores {
		if sc != nil && sc.score >= minScore {
			candidates = append(candidates, sc)
		}
	}

	// Epsilon is applied by quantizing scores into epsilon-wide buckets. A
	// raw |a-b| <= epsilon comparison is not transitive (a≈b and b≈c do not
	// imply a≈c), which would leave the order dependent on the input order.
	quantize := func(s float64) int64 { return int64(math.Floor(s / cfg.TieEpsilon)) }
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if qa, qb := quantize(a.score), quantize(b.score); qa != qb {
			return qa > qb
		}
		if !a.latestMatch.Equal(b.latestMatch) {
			return a.latestMatch.After(b.latestMatch)
		}
		return a.agentID < b.agentID
	})

	if len(candidates) > cfg.TopK {
		candidates = candidates[:cfg.TopK]
	}

	results := make([]types.MatchResult, len(candidates))
	for i, c := range candidates {
		results[i] = types.MatchResult{
			AgentID:            c.agentID,
			Score:              c.score,
			MatchedFragmentIDs: c.fragmentIDs,
		}
	}

	logging.MatcherDebug("MatchAgents: %d/%d agents above threshold %.2f",
		len(results), len(agentIDs), minScore)
	return results, nil
}

// scoreAgent computes an agent's aggregate score: the best fragment
// similarity, plus the ids and latest timestamp of every fragment above the
// knowledge threshold.
func scoreAgent(agentID string, queryEmbed []float32, fragments []types.KnowledgeFragment, knowledgeThreshold float64) *agentScore {
	sc := &agentScore{agentID: agentID}

	for _, frag := range fragments {
		sim, err := embedding.CosineSimilarity(queryEmbed, frag.Embedding)
		if err != nil {
			// Dimension mismatch means a stale document from a different
			// model; skip it rather than poisoning the ranking.
			continue
		}
		if sim > sc.score {
			sc.score = sim
		}
		if sim >= knowledgeThreshold {
			sc.fragmentIDs = append(sc.fragmentIDs, frag.ID)
			if frag.CreatedAt.After(sc.latestMatch) {
				sc.latestMatch = frag.CreatedAt
			}
		}
	}
	return sc
}

// =============================================================================
// INTRA-NAMESPACE MATCHING
// =============================================================================

// MatchFragments embeds the query and returns the fragments in one namespace
// scoring at or above the knowledge threshold, best first. Used by the
// knowledge-probe endpoint and by the selector when validating the
// originally requested agent.
func (m *Matcher) MatchFragments(ctx context.Context, queryText string, ns types.Namespace) ([]FragmentMatch, error) {
	timer := logging.StartTimer(logging.CategoryMatcher, "Matcher.MatchFragments")
	defer timer.Stop()

	if err := types.ValidateQuery(queryText); err != nil {
		return nil, err
	}

	cfg := m.config()

	snapshot, err := m.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	queryEmbed, err := m.embedQuery(ctx, queryText)
	if err != nil {
		return nil, err
	}

	matches := rankFragments(queryEmbed, snapshot.Fragments(ns), cfg.KnowledgeThreshold, cfg.TopK)

	logging.MatcherDebug("MatchFragments: ns=%+v, %d matches above %.2f", ns, len(matches), cfg.KnowledgeThreshold)
	return matches, nil
}

// ScoreAgent returns the requested agent's aggregate score for a query, or 0
// when the agent has no fragments clearing the knowledge threshold. Unknown
// agents score 0 rather than erroring.
func (m *Matcher) ScoreAgent(ctx context.Context, queryText, agentID string) (types.MatchResult, error) {
	if err := types.ValidateQuery(queryText); err != nil {
		return types.MatchResult{}, err
	}

	cfg := m.config()

	snapshot, err := m.store.Snapshot(ctx)
	if err != nil {
		return types.MatchResult{}, err
	}

	queryEmbed, err := m.embedQuery(ctx, queryText)
	if err != nil {
		return types.MatchResult{}, err
	}

	sc := scoreAgent(agentID, queryEmbed, snapshot.Fragments(types.AgentNamespace(agentID)), cfg.KnowledgeThreshold)
	return types.MatchResult{
		AgentID:            agentID,
		Score:              sc.score,
		MatchedFragmentIDs: sc.fragmentIDs,
	}, nil
}

// rankFragments scores fragments against a query embedding, filters by the
// threshold, and returns the top K sorted by score descending (ties by
// recency, then fragment id, for deterministic output).
func rankFragments(queryEmbed []float32, fragments []types.KnowledgeFragment, threshold float64, topK int) []FragmentMatch {
	matches := make([]FragmentMatch, 0, len(fragments))
	for _, frag := range fragments {
		sim, err := embedding.CosineSimilarity(queryEmbed, frag.Embedding)
		if err != nil {
			continue
		}
		if sim >= threshold {
			matches = append(matches, FragmentMatch{Fragment: frag, Score: sim})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if !matches[i].Fragment.CreatedAt.Equal(matches[j].Fragment.CreatedAt) {
			return matches[i].Fragment.CreatedAt.After(matches[j].Fragment.CreatedAt)
		}
		return matches[i].Fragment.ID < matches[j].Fragment.ID
	})

	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}
