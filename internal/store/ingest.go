package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kbrouter/internal/embedding"
	"kbrouter/internal/logging"
)

func refreshContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// =============================================================================
// INGEST PIPELINE
// =============================================================================

// Ingester loads text files into an agent's knowledge base: chunk, embed in
// batches, insert. This is the only write path into the store.
type Ingester struct {
	store        *KnowledgeStore
	engine       embedding.Engine
	chunkSize    int
	chunkOverlap int
}

// NewIngester creates an ingester with the given chunking parameters.
func NewIngester(store *KnowledgeStore, engine embedding.Engine, chunkSize, chunkOverlap int) *Ingester {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if chunkOverlap < 0 {
		chunkOverlap = 200
	}
	if chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 5
	}
	return &Ingester{
		store:        store,
		engine:       engine,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
	}
}

// ChunkText splits text into overlapping chunks, breaking at sentence or
// word boundaries where possible.
func (ing *Ingester) ChunkText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= ing.chunkSize {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + ing.chunkSize
		if end >= len(text) {
			chunks = append(chunks, strings.TrimSpace(text[start:]))
			break
		}

		// Prefer breaking at a sentence end, then a word boundary.
		window := text[start:end]
		cut := strings.LastIndexAny(window, ".!?\n")
		if cut < ing.chunkSize/2 {
			if sp := strings.LastIndex(window, " "); sp > ing.chunkSize/2 {
				cut = sp
			} else {
				cut = len(window) - 1
			}
		}
		end = start + cut + 1

		chunk := strings.TrimSpace(text[start:end])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		// Overlap never moves the cursor backwards.
		next := end - ing.chunkOverlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// IngestFile loads one file into agentName's knowledge base.
func (ing *Ingester) IngestFile(ctx context.Context, agentName, path string) (int, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Ingester.IngestFile")
	defer timer.Stop()

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	chunks := ing.ChunkText(string(data))
	if len(chunks) == 0 {
		return 0, nil
	}

	embeddings, err := ing.engine.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("failed to embed %s: %w", path, err)
	}

	meta := map[string]interface{}{
		"source": filepath.Base(path),
	}
	for i, chunk := range chunks {
		meta["chunk_index"] = i
		if err := ing.store.InsertAgentDocument(ctx, agentName, chunk, embeddings[i], meta); err != nil {
			return i, err
		}
	}

	logging.Store("Ingested %s: %d chunks for agent %s", filepath.Base(path), len(chunks), agentName)
	return len(chunks), nil
}

// IngestDir loads every regular file in dir into agentName's knowledge
// base, replacing any previous documents for that agent.
func (ing *Ingester) IngestDir(ctx context.Context, agentName, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	if err := ing.store.ClearAgentDocuments(ctx, agentName); err != nil {
		return 0, err
	}

	total := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		n, err := ing.IngestFile(ctx, agentName, filepath.Join(dir, entry.Name()))
		if err != nil {
			return total, err
		}
		total += n
	}

	ing.store.Invalidate()
	return total, nil
}
