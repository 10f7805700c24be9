package selector

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"kbrouter/internal/config"
	"kbrouter/internal/matcher"
	"kbrouter/internal/store"
	"kbrouter/internal/types"
)

// axisEngine maps recognizable topics to orthogonal unit vectors. Anything
// unrecognized lands on its own axis so it matches no persona at all.
type axisEngine struct {
	fail bool
}

func (e axisEngine) vector(text string) []float32 {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "instagram") || strings.Contains(lower, "marketing"):
		return []float32{1, 0, 0, 0}
	case strings.Contains(lower, "demo") || strings.Contains(lower, "lead"):
		return []float32{0, 1, 0, 0}
	case strings.Contains(lower, "pricing"):
		return []float32{0, 0, 1, 0}
	default:
		return []float32{0, 0, 0, 1}
	}
}

func (e axisEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("provider down")
	}
	return e.vector(text), nil
}

func (e axisEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (axisEngine) Dimensions() int { return 4 }
func (axisEngine) Name() string    { return "axis" }

func testSelector(t *testing.T, engine axisEngine) *Selector {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	docs := []struct {
		agent string
		text  string
		vec   []float32
	}{
		{"socialmediakb", "instagram marketing content", []float32{1, 0, 0, 0}},
		{"leadgenkb", "demo scheduling for leads", []float32{0, 1, 0, 0}},
		{"presaleskb", "pricing and roi analysis", []float32{0, 0, 1, 0}},
	}
	for _, d := range docs {
		if err := st.InsertAgentDocument(ctx, d.agent, d.text, d.vec, nil); err != nil {
			t.Fatal(err)
		}
	}

	cfg := config.DefaultConfig()
	m := matcher.New(st, engine, cfg.Matcher)
	return New(m, cfg.Selector, cfg.Matcher)
}

func query(text, agent string, attempt int) types.Query {
	return types.Query{RawText: text, RequesterAgentID: agent, SessionID: "s1", AttemptCount: attempt}
}

func TestSelectOriginalValid(t *testing.T) {
	s := testSelector(t, axisEngine{})

	result := s.Select(context.Background(), query("what is your pricing", "presaleskb", 0), types.InsightSet{})

	if result.Strategy != types.StrategyOriginalValid {
		t.Fatalf("strategy=%s, want original_valid (%+v)", result.Strategy, result)
	}
	if result.SelectedAgentID != "presaleskb" {
		t.Fatalf("selected=%s, want presaleskb", result.SelectedAgentID)
	}
	if result.Confidence < 0.7 {
		t.Fatalf("confidence=%v, want the matched score", result.Confidence)
	}
	if result.FallbackReason != "" {
		t.Fatalf("fallback reason=%q, want empty", result.FallbackReason)
	}
}

func TestSelectBetterMatch(t *testing.T) {
	s := testSelector(t, axisEngine{})

	result := s.Select(context.Background(), query("help with Instagram marketing", "presaleskb", 0), types.InsightSet{})

	if result.Strategy != types.StrategyBetterMatch {
		t.Fatalf("strategy=%s, want better_match (%+v)", result.Strategy, result)
	}
	if result.SelectedAgentID != "socialmediakb" {
		t.Fatalf("selected=%s, want socialmediakb", result.SelectedAgentID)
	}
	if result.Confidence < 0.4 {
		t.Fatalf("confidence=%v, want at least the alternative bar", result.Confidence)
	}
}

func TestSelectFallbackNoMatch(t *testing.T) {
	s := testSelector(t, axisEngine{})

	result := s.Select(context.Background(), query("random gibberish xyz123", "nonexistent", 0), types.InsightSet{})

	if result.Strategy != types.StrategyFallback {
		t.Fatalf("strategy=%s, want fallback (%+v)", result.Strategy, result)
	}
	if result.SelectedAgentID != "presaleskb" {
		t.Fatalf("selected=%s, want default persona", result.SelectedAgentID)
	}
	if result.Confidence != 0.3 {
		t.Fatalf("confidence=%v, want the fallback band 0.3", result.Confidence)
	}
	if result.FallbackReason == "" {
		t.Fatal("fallback reason missing")
	}
}

func TestSelectFallbackKeywordBucket(t *testing.T) {
	s := testSelector(t, axisEngine{})

	// "social" hits the keyword bucket even though the embedding matches no
	// persona above threshold.
	result := s.Select(context.Background(), query("random social stuff", "nonexistent", 0), types.InsightSet{})

	if result.Strategy != types.StrategyFallback {
		t.Fatalf("strategy=%s, want fallback", result.Strategy)
	}
	if result.SelectedAgentID != "socialmediakb" {
		t.Fatalf("selected=%s, want keyword bucket socialmediakb", result.SelectedAgentID)
	}
}

func TestSelectMaxAttemptsForcesDefault(t *testing.T) {
	s := testSelector(t, axisEngine{})

	// Query content would route to social; the bound wins regardless.
	result := s.Select(context.Background(), query("help with instagram marketing", "presaleskb", 3), types.InsightSet{})

	if result.Strategy != types.StrategyFallback {
		t.Fatalf("strategy=%s, want fallback", result.Strategy)
	}
	if result.SelectedAgentID != "presaleskb" {
		t.Fatalf("selected=%s, want default persona regardless of content", result.SelectedAgentID)
	}
	if result.FallbackReason != "max attempts exceeded" {
		t.Fatalf("reason=%q, want max attempts exceeded", result.FallbackReason)
	}
	if result.AttemptCount != 3 {
		t.Fatalf("attempt count=%d, want echoed 3", result.AttemptCount)
	}
}

func TestSelectErrorFallback(t *testing.T) {
	s := testSelector(t, axisEngine{fail: true})

	result := s.Select(context.Background(), query("anything at all", "presaleskb", 0), types.InsightSet{})

	if result.Strategy != types.StrategyErrorFallback {
		t.Fatalf("strategy=%s, want error_fallback (%+v)", result.Strategy, result)
	}
	if result.SelectedAgentID != "presaleskb" {
		t.Fatalf("selected=%s, want default persona", result.SelectedAgentID)
	}
	if result.Confidence != 0.1 {
		t.Fatalf("confidence=%v, want 0.1", result.Confidence)
	}
	if result.FallbackReason == "" {
		t.Fatal("error fallback must carry a reason")
	}
}

func TestSelectEmptyQueryErrorFallback(t *testing.T) {
	s := testSelector(t, axisEngine{})

	// The HTTP boundary rejects malformed queries; if one slips through the
	// selector still terminates with a result rather than an error.
	result := s.Select(context.Background(), query("", "presaleskb", 0), types.InsightSet{})

	if result.Strategy != types.StrategyErrorFallback {
		t.Fatalf("strategy=%s, want error_fallback", result.Strategy)
	}
	if result.SelectedAgentID == "" {
		t.Fatal("selected agent must never be empty")
	}
}

func TestDeriveFallbackAgent(t *testing.T) {
	if agent, _ := deriveFallbackAgent("post something on facebook", "presaleskb"); agent != "socialmediakb" {
		t.Fatalf("facebook query routed to %s", agent)
	}
	if agent, _ := deriveFallbackAgent("schedule a demo next week", "presaleskb"); agent != "leadgenkb" {
		t.Fatalf("demo query routed to %s", agent)
	}
	if agent, _ := deriveFallbackAgent("how much does it cost", "presaleskb"); agent != "presaleskb" {
		t.Fatalf("cost query routed to %s", agent)
	}
	if agent, reason := deriveFallbackAgent("completely unrelated", "presaleskb"); agent != "presaleskb" || reason == "" {
		t.Fatalf("default fallback=%s (%s)", agent, reason)
	}
}
