package aggregator

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"kbrouter/internal/types"
)

func msg(role types.MessageRole, content string, offset time.Duration) types.Message {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return types.Message{Role: role, Content: content, Timestamp: base.Add(offset)}
}

func TestAggregateURLExtraction(t *testing.T) {
	agg := New(0)

	set := agg.Aggregate(nil, msg(types.RoleUser, "can you analyze https://example.com/pricing for me?", 0))
	if got := set.LatestURL(); got != "https://example.com/pricing" {
		t.Fatalf("LatestURL()=%q, want https://example.com/pricing", got)
	}

	// Bare domains count; trailing punctuation does not.
	set = agg.Aggregate(nil, msg(types.RoleUser, "check out acme.io.", 0))
	if got := set.LatestURL(); got != "acme.io" {
		t.Fatalf("LatestURL()=%q, want acme.io", got)
	}

	// Version numbers are not URLs.
	set = agg.Aggregate(nil, msg(types.RoleUser, "we are on release 2.5 now", 0))
	if got := set.LatestURL(); got != "" {
		t.Fatalf("LatestURL()=%q, want no URL for a version number", got)
	}
}

func TestAggregateMostRecentURLWins(t *testing.T) {
	agg := New(0)
	history := []types.Message{
		msg(types.RoleUser, "look at https://example.com", 0),
		msg(types.RoleUser, "actually compare with https://other.com", time.Minute),
		msg(types.RoleUser, "back to https://example.com please", 2*time.Minute),
	}

	set := agg.Aggregate(history, types.Message{})

	urls := 0
	for _, in := range set.Insights {
		if in.Kind == types.InsightMentionedURL && in.Value == "https://example.com" {
			urls++
			if !in.Timestamp.Equal(history[2].Timestamp) {
				t.Errorf("kept occurrence has timestamp %v, want the most recent", in.Timestamp)
			}
		}
	}
	if urls != 1 {
		t.Fatalf("got %d insights for the recurring URL, want 1", urls)
	}
}

func TestAggregateCommitmentAndConfirmation(t *testing.T) {
	agg := New(0)
	history := []types.Message{
		msg(types.RoleUser, "what can you tell me about https://example.com?", 0),
		msg(types.RoleAssistant, "I'll analyze https://example.com and get back to you", time.Minute),
		msg(types.RoleUser, "please go ahead", 2*time.Minute),
	}

	set := agg.Aggregate(history, types.Message{})

	var commitments, confirmations, pending int
	for _, in := range set.Insights {
		switch in.Kind {
		case types.InsightAgentCommitment:
			commitments++
		case types.InsightUserConfirmation:
			confirmations++
			if in.Value != "I'll analyze https://example.com and get back to you" {
				t.Errorf("confirmation value=%q, want the commitment it confirms", in.Value)
			}
		case types.InsightPendingAction:
			pending++
			if in.Value == "" {
				t.Error("pending action has empty value")
			}
		}
	}
	if commitments != 1 || confirmations != 1 || pending != 1 {
		t.Fatalf("got commitments=%d confirmations=%d pending=%d, want 1/1/1",
			commitments, confirmations, pending)
	}
}

func TestAggregateCommitmentKeepsFullURL(t *testing.T) {
	agg := New(0)
	history := []types.Message{
		msg(types.RoleAssistant, "I'll analyze https://example.com and get back to you. Anything else?", 0),
	}

	set := agg.Aggregate(history, types.Message{})

	var value string
	for _, in := range set.Insights {
		if in.Kind == types.InsightAgentCommitment {
			value = in.Value
		}
	}
	// Dots inside the URL must not clip the commitment sentence.
	if value != "I'll analyze https://example.com and get back to you" {
		t.Fatalf("commitment value=%q, want the full sentence with the URL intact", value)
	}
}

func TestAggregateMultipleOpenCommitments(t *testing.T) {
	agg := New(0)

	// X then Y, Y resolved: X is still pending.
	history := []types.Message{
		msg(types.RoleAssistant, "I'll prepare the pricing report", 0),
		msg(types.RoleAssistant, "Let me analyze your website", time.Minute),
		msg(types.RoleAssistant, "Analysis complete: your site looks healthy", 2*time.Minute),
	}
	set := agg.Aggregate(history, types.Message{})

	var pending []string
	for _, in := range set.Insights {
		if in.Kind == types.InsightPendingAction {
			pending = append(pending, in.Value)
		}
	}
	if len(pending) != 1 || pending[0] != "I'll prepare the pricing report" {
		t.Fatalf("pending=%v, want the earlier unresolved commitment", pending)
	}

	// Two unresolved commitments: one pending action each.
	history = history[:2]
	set = agg.Aggregate(history, types.Message{})
	count := 0
	for _, in := range set.Insights {
		if in.Kind == types.InsightPendingAction {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("got %d pending actions for two open commitments, want 2", count)
	}
}

func TestAggregateResolvedCommitmentNotPending(t *testing.T) {
	agg := New(0)
	history := []types.Message{
		msg(types.RoleAssistant, "Let me analyze your website", 0),
		msg(types.RoleAssistant, "Analysis complete: here's what I found about your site", time.Minute),
	}

	set := agg.Aggregate(history, types.Message{})
	if set.HasPendingAction() {
		t.Fatal("resolved commitment still reported as pending")
	}
}

func TestAggregateAffirmationNeedsCommitment(t *testing.T) {
	agg := New(0)

	// "yes" with no prior commitment confirms nothing.
	set := agg.Aggregate(nil, msg(types.RoleUser, "yes", 0))
	if set.HasConfirmation() {
		t.Fatal("confirmation extracted without a prior commitment")
	}

	// "yes" buried in a long unrelated message confirms nothing either.
	history := []types.Message{
		msg(types.RoleAssistant, "I'll prepare the report", 0),
	}
	long := "the meeting notes say yes we discussed many things but mostly unrelated matters that go on for a while here"
	set = agg.Aggregate(history, msg(types.RoleUser, long, time.Minute))
	if set.HasConfirmation() {
		t.Fatal("buried affirmation should not confirm")
	}
}

func TestAggregateDeterminism(t *testing.T) {
	agg := New(0)
	history := []types.Message{
		msg(types.RoleUser, "check https://example.com and https://two.example.org", 0),
		msg(types.RoleAssistant, "I'll analyze both sites for you", time.Minute),
		msg(types.RoleUser, "go ahead", 2*time.Minute),
	}
	current := msg(types.RoleUser, "any update on https://example.com?", 3*time.Minute)

	first := agg.Aggregate(history, current)
	second := agg.Aggregate(history, current)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("aggregation not deterministic (-first +second):\n%s", diff)
	}
}

func TestAggregateWindow(t *testing.T) {
	agg := New(10)

	history := make([]types.Message, 0, 30)
	for i := 0; i < 30; i++ {
		history = append(history, msg(types.RoleUser, fmt.Sprintf("message %d with https://site%d.example.com", i, i), time.Duration(i)*time.Minute))
	}

	set := agg.Aggregate(history, types.Message{})
	for _, in := range set.Insights {
		if in.Kind == types.InsightMentionedURL && in.Value == "https://site0.example.com" {
			t.Fatal("insight extracted from outside the window")
		}
	}
	if got := set.LatestURL(); got != "https://site29.example.com" {
		t.Fatalf("LatestURL()=%q, want the newest in-window URL", got)
	}
}
