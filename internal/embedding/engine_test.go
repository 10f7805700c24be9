package embedding

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1.0},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"scaled", []float32{1, 1}, []float32{3, 3}, 1.0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0.0},
	}

	for _, c := range cases {
		got, err := CosineSimilarity(c.a, c.b)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("%s: CosineSimilarity=%v, want %v", c.name, got, c.want)
		}
	}
}

func TestCosineSimilarityDimensionMismatch(t *testing.T) {
	if _, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); err == nil {
		t.Fatal("expected error for mismatched dimensions")
	}
}

// stubEngine counts calls and returns a fixed-dimension vector per text.
type stubEngine struct {
	calls int64
	fail  bool
}

func (s *stubEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	atomic.AddInt64(&s.calls, 1)
	if s.fail {
		return nil, errors.New("backend down")
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func (s *stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := s.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (s *stubEngine) Dimensions() int { return 3 }
func (s *stubEngine) Name() string    { return "stub" }

func TestCachedEngineMemoizes(t *testing.T) {
	stub := &stubEngine{}
	cached := NewCachedEngine(stub)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := cached.Embed(ctx, "same text"); err != nil {
			t.Fatal(err)
		}
	}
	if stub.calls != 1 {
		t.Fatalf("inner engine called %d times, want 1", stub.calls)
	}
	if cached.Size() != 1 {
		t.Fatalf("Size()=%d, want 1", cached.Size())
	}
}

func TestCachedEngineBatchPartialMiss(t *testing.T) {
	stub := &stubEngine{}
	cached := NewCachedEngine(stub)
	ctx := context.Background()

	if _, err := cached.Embed(ctx, "alpha"); err != nil {
		t.Fatal(err)
	}
	stub.calls = 0

	vecs, err := cached.EmbedBatch(ctx, []string{"alpha", "beta", "gamma"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	for i, v := range vecs {
		if len(v) != 3 {
			t.Fatalf("vector %d has %d dims", i, len(v))
		}
	}
	// Only beta and gamma hit the backend.
	if stub.calls != 2 {
		t.Fatalf("inner engine called %d times, want 2", stub.calls)
	}
}

func TestCachedEngineErrorNotCached(t *testing.T) {
	stub := &stubEngine{fail: true}
	cached := NewCachedEngine(stub)
	ctx := context.Background()

	if _, err := cached.Embed(ctx, "text"); err == nil {
		t.Fatal("expected backend error")
	}
	if cached.Size() != 0 {
		t.Fatal("failed embed must not be memoized")
	}

	stub.fail = false
	if _, err := cached.Embed(ctx, "text"); err != nil {
		t.Fatalf("retry after recovery failed: %v", err)
	}
}

func TestNewEngineUnknownProvider(t *testing.T) {
	if _, err := NewEngine(Config{Provider: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
