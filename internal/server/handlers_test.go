package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbrouter/internal/aggregator"
	"kbrouter/internal/cache"
	"kbrouter/internal/config"
	"kbrouter/internal/matcher"
	"kbrouter/internal/selector"
	"kbrouter/internal/store"
)

// topicEngine maps topics to orthogonal vectors, like the selector tests.
type topicEngine struct{}

func (topicEngine) vector(text string) []float32 {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "instagram") || strings.Contains(lower, "marketing"):
		return []float32{1, 0, 0, 0}
	case strings.Contains(lower, "pricing"):
		return []float32{0, 0, 1, 0}
	default:
		return []float32{0, 0, 0, 1}
	}
}

func (e topicEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.vector(text), nil
}

func (e topicEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (topicEngine) Dimensions() int { return 4 }
func (topicEngine) Name() string    { return "topic" }

func testRouter(t *testing.T) http.Handler {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.InsertAgentDocument(ctx, "socialmediakb", "instagram marketing", []float32{1, 0, 0, 0}, nil))
	require.NoError(t, st.InsertAgentDocument(ctx, "presaleskb", "pricing analysis", []float32{0, 0, 1, 0}, nil))
	require.NoError(t, st.InsertSessionFact(ctx, "user-7", "site analysis for acme", []float32{0, 0, 1, 0},
		map[string]interface{}{"url": "https://acme.example.com"}))

	cfg := config.DefaultConfig()
	m := matcher.New(st, topicEngine{}, cfg.Matcher)
	sel := selector.New(m, cfg.Selector, cfg.Matcher)

	rc := cache.New(cfg.CacheTTL())
	t.Cleanup(rc.Stop)

	srv := New(Options{
		Config:     cfg,
		Matcher:    m,
		Selector:   sel,
		Aggregator: aggregator.New(0),
		Cache:      rc,
		Store:      st,
	})
	return srv.router()
}

func postJSON(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSelectEndpointPopulatesEveryField(t *testing.T) {
	h := testRouter(t)

	rec := postJSON(t, h, "/n8n/agent/select", map[string]interface{}{
		"user_query":    "what is your pricing",
		"agent_name":    "presaleskb",
		"session_id":    "s1",
		"attempt_count": 0,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	// Every key present; agent fields never null.
	for _, key := range []string{"agent_name", "selected_agent", "strategy_used", "confidence_score",
		"attempt_count", "fallback_reason", "original_agent", "processing_time_ms", "success"} {
		_, ok := body[key]
		assert.True(t, ok, "missing key %s", key)
	}
	assert.Equal(t, "presaleskb", body["agent_name"])
	assert.Equal(t, body["agent_name"], body["selected_agent"])
	assert.Equal(t, "original_agent_valid", body["strategy_used"])
	assert.Equal(t, true, body["success"])
	assert.Nil(t, body["fallback_reason"])
}

func TestSelectEndpointBetterMatch(t *testing.T) {
	h := testRouter(t)

	rec := postJSON(t, h, "/n8n/agent/select", map[string]interface{}{
		"user_query": "help with Instagram marketing",
		"agent_name": "presaleskb",
		"session_id": "s1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "best_agent_found", body["strategy_used"])
	assert.Equal(t, "socialmediakb", body["selected_agent"])
	assert.Equal(t, "presaleskb", body["original_agent"])
}

func TestSelectEndpointFallback(t *testing.T) {
	h := testRouter(t)

	rec := postJSON(t, h, "/n8n/agent/select", map[string]interface{}{
		"user_query": "random gibberish xyz123",
		"agent_name": "nonexistent",
		"session_id": "s1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "fallback_required", body["strategy_used"])
	assert.Equal(t, "presaleskb", body["selected_agent"])
	assert.InDelta(t, 0.3, body["confidence_score"], 1e-9)
	assert.NotNil(t, body["fallback_reason"])
	assert.Equal(t, true, body["success"])
}

func TestSelectEndpointValidation(t *testing.T) {
	h := testRouter(t)

	t.Run("empty query", func(t *testing.T) {
		rec := postJSON(t, h, "/n8n/agent/select", map[string]interface{}{
			"user_query": "",
			"agent_name": "presaleskb",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/n8n/agent/select", strings.NewReader("{nope"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("over-length query", func(t *testing.T) {
		rec := postJSON(t, h, "/n8n/agent/select", map[string]interface{}{
			"user_query": strings.Repeat("x", 5000),
			"agent_name": "presaleskb",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSelectEndpointCachesIdenticalRequests(t *testing.T) {
	h := testRouter(t)

	body := map[string]interface{}{
		"user_query": "what is your pricing",
		"agent_name": "presaleskb",
		"session_id": "s1",
	}

	first := postJSON(t, h, "/n8n/agent/select", body)
	second := postJSON(t, h, "/n8n/agent/select", body)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)

	var a, b map[string]interface{}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))

	assert.Equal(t, a["selected_agent"], b["selected_agent"])
	assert.Equal(t, a["strategy_used"], b["strategy_used"])
	assert.Equal(t, a["confidence_score"], b["confidence_score"])
}

func TestSelectEndpointRetryNotServedEarlierAttempt(t *testing.T) {
	h := testRouter(t)

	body := map[string]interface{}{
		"user_query":    "what is your pricing",
		"agent_name":    "presaleskb",
		"session_id":    "s1",
		"attempt_count": 0,
	}
	first := postJSON(t, h, "/n8n/agent/select", body)
	require.Equal(t, http.StatusOK, first.Code)

	var a map[string]interface{}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.Equal(t, "original_agent_valid", a["strategy_used"])

	// The same request at the attempt bound must re-enter the state machine,
	// not be served the attempt-0 entry.
	body["attempt_count"] = 3
	second := postJSON(t, h, "/n8n/agent/select", body)
	require.Equal(t, http.StatusOK, second.Code)

	var b map[string]interface{}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, "fallback_required", b["strategy_used"])
	assert.Equal(t, float64(3), b["attempt_count"])
	assert.Equal(t, "presaleskb", b["selected_agent"])
}

func TestCheckKBWithURLInMessage(t *testing.T) {
	h := testRouter(t)

	rec := postJSON(t, h, "/n8n/check_kb", map[string]interface{}{
		"user_id":    "user-1",
		"agent_name": "presaleskb",
		"user_mssg":  "please analyze https://example.com for me",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "https://example.com", body["website_url"])
	assert.Equal(t, "proceed_with_agent", body["next_action"])
	assert.Equal(t, "continue", body["routing"])
	assert.NotEmpty(t, body["contextual_response"])
}

func TestCheckKBWithStoredSessionFacts(t *testing.T) {
	h := testRouter(t)

	rec := postJSON(t, h, "/n8n/check_kb", map[string]interface{}{
		"user_id":    "user-7",
		"agent_name": "presaleskb",
		"user_mssg":  "tell me more about the pricing you found",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, true, body["has_website_info"])
	assert.Equal(t, "https://acme.example.com", body["website_url"])
	assert.Equal(t, "proceed_with_agent", body["next_action"])
}

func TestCheckKBNoContext(t *testing.T) {
	h := testRouter(t)

	rec := postJSON(t, h, "/n8n/check_kb", map[string]interface{}{
		"user_id":    "stranger",
		"agent_name": "presaleskb",
		"user_mssg":  "can you help me somehow",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, false, body["has_website_info"])
	assert.Nil(t, body["website_url"])
	assert.Equal(t, "request_more_info", body["next_action"])
	assert.Equal(t, "prompt_user", body["routing"])
}

func TestHealthz(t *testing.T) {
	h := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "kbrouter", body["name"])
}
