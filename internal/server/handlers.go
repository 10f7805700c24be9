package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kbrouter/internal/cache"
	"kbrouter/internal/logging"
	"kbrouter/internal/types"
)

// =============================================================================
// WIRE SHAPES
// =============================================================================
//
// Every response field is always populated: the orchestration layer applies
// `value || fallback` defaulting, and an omitted key silently breaks that.

// selectRequest is the selection request consumed from the workflow layer.
type selectRequest struct {
	UserQuery    string `json:"user_query"`
	AgentName    string `json:"agent_name"`
	SessionID    string `json:"session_id"`
	AttemptCount int    `json:"attempt_count"`

	// ConversationHistory is optional; when present the aggregator extracts
	// insights from it before selection.
	ConversationHistory []wireMessage `json:"conversation_history,omitempty"`
}

type wireMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// selectResponse mirrors what the caller's defaulting expressions expect.
// selected_agent duplicates agent_name for caller compatibility.
type selectResponse struct {
	AgentName        string  `json:"agent_name"`
	SelectedAgent    string  `json:"selected_agent"`
	StrategyUsed     string  `json:"strategy_used"`
	ConfidenceScore  float64 `json:"confidence_score"`
	AttemptCount     int     `json:"attempt_count"`
	FallbackReason   *string `json:"fallback_reason"`
	OriginalAgent    string  `json:"original_agent"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
	Success          bool    `json:"success"`
}

// checkKBRequest is the knowledge-probe request from the URL-detection
// collaborator.
type checkKBRequest struct {
	UserID    string `json:"user_id"`
	AgentName string `json:"agent_name"`
	UserMssg  string `json:"user_mssg"`
}

type checkKBResponse struct {
	HasWebsiteInfo     bool    `json:"has_website_info"`
	WebsiteURL         *string `json:"website_url"`
	ContextualResponse string  `json:"contextual_response"`
	NextAction         string  `json:"next_action"` // proceed_with_agent | request_more_info
	Routing            string  `json:"routing"`     // continue | prompt_user
}

type errorResponse struct {
	Error   string `json:"error"`
	Success bool   `json:"success"`
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"name":    s.cfg.Name,
		"version": s.cfg.Version,
		"store":   stats,
	})
}

// handleSelect runs the full pipeline: aggregate insights, check the cache,
// select. Only malformed input is surfaced as a request failure; every other
// condition produces a valid selection with a strategy label.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := uuid.NewString()
	rlog := logging.WithRequestID(logging.CategoryAPI, reqID)
	w.Header().Set("X-Request-ID", reqID)

	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rlog.Warn("Malformed selection body: %v", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body", Success: false})
		return
	}
	if err := types.ValidateQuery(req.UserQuery); err != nil {
		rlog.Warn("Query validation failed: %v", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Success: false})
		return
	}
	if req.AttemptCount < 0 {
		req.AttemptCount = 0
	}

	rlog.Info("Selection request: agent=%s, session=%s, attempt=%d",
		req.AgentName, req.SessionID, req.AttemptCount)

	query := types.Query{
		RawText:          req.UserQuery,
		RequesterAgentID: req.AgentName,
		SessionID:        req.SessionID,
		AttemptCount:     req.AttemptCount,
	}

	result := s.selectWithCache(r, query, req.ConversationHistory)

	var fallbackReason *string
	if result.FallbackReason != "" {
		fallbackReason = &result.FallbackReason
	}

	resp := selectResponse{
		AgentName:        result.SelectedAgentID,
		SelectedAgent:    result.SelectedAgentID,
		StrategyUsed:     result.Strategy.WireLabel(),
		ConfidenceScore:  result.Confidence,
		AttemptCount:     result.AttemptCount,
		FallbackReason:   fallbackReason,
		OriginalAgent:    req.AgentName,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Success:          true,
	}

	rlog.Info("Selection result: agent=%s, strategy=%s, confidence=%.3f, %dms",
		resp.SelectedAgent, resp.StrategyUsed, resp.ConfidenceScore, resp.ProcessingTimeMs)
	s.log.Info("selection",
		zap.String("request_id", reqID),
		zap.String("selected", resp.SelectedAgent),
		zap.String("strategy", resp.StrategyUsed),
		zap.Float64("confidence", resp.ConfidenceScore),
	)

	writeJSON(w, http.StatusOK, resp)
}

// selectWithCache runs aggregation and selection through the result cache
// when one is configured. The cache is advisory: any cache-path error falls
// back to computing directly.
func (s *Server) selectWithCache(r *http.Request, query types.Query, history []wireMessage) types.SelectionResult {
	compute := func() (types.SelectionResult, error) {
		insights := s.aggregator.Aggregate(toMessages(history), types.Message{
			Role:    types.RoleUser,
			Content: query.RawText,
		})
		return s.selector.Select(r.Context(), query, insights), nil
	}

	if s.cache == nil {
		result, _ := compute()
		return result
	}

	key := cache.Key(query.RequesterAgentID, query.RawText, query.SessionID, query.AttemptCount)
	result, err := s.cache.GetOrCompute(r.Context(), key, compute)
	if err != nil {
		logging.Get(logging.CategoryCache).Warn("Cache path failed (%v), computing directly", err)
		result, _ = compute()
	}
	return result
}

// handleCheckKB probes the knowledge base for website context: does this
// session (or the agent's corpus) already know enough about the URL or topic
// in the message to proceed?
func (s *Server) handleCheckKB(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	rlog := logging.WithRequestID(logging.CategoryAPI, reqID)
	w.Header().Set("X-Request-ID", reqID)

	var req checkKBRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body", Success: false})
		return
	}
	if err := types.ValidateQuery(req.UserMssg); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Success: false})
		return
	}

	rlog.Info("Knowledge probe: user=%s, agent=%s", req.UserID, req.AgentName)

	// URL straight from the message wins; otherwise look for one in the
	// session's stored facts.
	insights := s.aggregator.Aggregate(nil, types.Message{Role: types.RoleUser, Content: req.UserMssg})
	url := insights.LatestURL()

	hasInfo := false
	if req.UserID != "" {
		matches, err := s.matcher.MatchFragments(r.Context(), req.UserMssg, types.SessionNamespace(req.UserID))
		if err != nil {
			// Advisory probe: degrade to URL-presence only.
			rlog.Warn("Session probe failed: %v", err)
		} else if len(matches) > 0 {
			hasInfo = true
			if url == "" {
				url = fragmentURL(matches[0].Fragment)
			}
		}
	}

	resp := checkKBResponse{
		HasWebsiteInfo: hasInfo,
	}
	switch {
	case hasInfo:
		resp.WebsiteURL = optionalString(url)
		resp.ContextualResponse = "I have context about this website from our earlier analysis."
		resp.NextAction = "proceed_with_agent"
		resp.Routing = "continue"
	case url != "":
		resp.WebsiteURL = optionalString(url)
		resp.ContextualResponse = fmt.Sprintf("I can look into %s for you.", url)
		resp.NextAction = "proceed_with_agent"
		resp.Routing = "continue"
	default:
		resp.WebsiteURL = nil
		resp.ContextualResponse = "Could you share the website you'd like me to look at?"
		resp.NextAction = "request_more_info"
		resp.Routing = "prompt_user"
	}

	rlog.Info("Probe result: has_info=%v, next=%s", resp.HasWebsiteInfo, resp.NextAction)
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func toMessages(history []wireMessage) []types.Message {
	if len(history) == 0 {
		return nil
	}
	msgs := make([]types.Message, len(history))
	for i, m := range history {
		msgs[i] = types.Message{
			Role:      types.MessageRole(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp,
		}
	}
	return msgs
}

// fragmentURL pulls a source URL out of fragment metadata when present.
func fragmentURL(frag types.KnowledgeFragment) string {
	if frag.Metadata == nil {
		return ""
	}
	if u, ok := frag.Metadata["url"].(string); ok {
		return u
	}
	if u, ok := frag.Metadata["website_url"].(string); ok {
		return u
	}
	return ""
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get(logging.CategoryAPI).Error("Failed to encode response: %v", err)
	}
}
