package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"doctorai.vn/medical-consultation/internal/llm"
	"doctorai.vn/medical-consultation/internal/store"
)

const (
	// RetrievalSupersetSize is how many candidates come back from the index
	// before reranking narrows them down.
	RetrievalSupersetSize = 10
	// NumRelevantPassages is the default top-K handed to the generator.
	NumRelevantPassages = 3
)

// RetrievedPassage is one candidate passage with its relevance score.
// Ephemeral; only the provenance counts survive into the response.
type RetrievedPassage struct {
	Text  string  `json:"text"`
	Score float64 `json:"relevance_score"`
}

// Retriever fetches candidate passages for a question, most similar first.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]string, error)
}

// ChunkRetriever embeds the query and ranks the cached knowledge chunks by
// cosine similarity.
type ChunkRetriever struct {
	embedder llm.Embedder
	chunks   []store.KnowledgeChunk
	logger   *zap.Logger
}

func NewChunkRetriever(dbStore *store.SQLiteStore, embedder llm.Embedder, logger *zap.Logger) (*ChunkRetriever, error) {
	chunks, err := dbStore.GetAllKnowledgeChunks()
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge chunks: %w", err)
	}
	if len(chunks) == 0 {
		logger.Warn("retriever initialized with no knowledge chunks; run with -ingest to populate")
	} else {
		logger.Info("retriever initialized", zap.Int("chunks", len(chunks)))
	}
	return &ChunkRetriever{embedder: embedder, chunks: chunks, logger: logger}, nil
}

func (r *ChunkRetriever) Retrieve(ctx context.Context, query string, k int) ([]string, error) {
	if len(r.chunks) == 0 {
		return nil, nil
	}
	queryEmbedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	type scored struct {
		content    string
		similarity float32
	}
	candidates := make([]scored, 0, len(r.chunks))
	for _, chunk := range r.chunks {
		if len(chunk.Embedding) == 0 {
			continue
		}
		sim, err := cosineSimilarity(queryEmbedding, chunk.Embedding)
		if err != nil {
			r.logger.Debug("skipping chunk with incompatible embedding", zap.Int64("chunk", chunk.ID), zap.Error(err))
			continue
		}
		candidates = append(candidates, scored{content: chunk.Content, similarity: sim})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].similarity > candidates[j].similarity
	})
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.content
	}
	return out, nil
}

// Augmentation is the result of one retrieval-augmentation pass.
type Augmentation struct {
	Passages     []RetrievedPassage
	ContextBlock string
	Retrieved    int
	Selected     int
}

// Augmentor turns a question into a retrieval-augmented context block:
// retrieve a superset, rerank it, keep the top-K and render the passages
// under the literal question. It degrades rather than fails: a broken
// reranker keeps retrieval order, an empty index yields the bare question.
type Augmentor struct {
	retriever Retriever
	reranker  Reranker // may be nil
	logger    *zap.Logger
}

func NewAugmentor(retriever Retriever, reranker Reranker, logger *zap.Logger) *Augmentor {
	return &Augmentor{retriever: retriever, reranker: reranker, logger: logger}
}

func (a *Augmentor) Augment(ctx context.Context, question string, topK int) (*Augmentation, error) {
	if topK <= 0 {
		topK = NumRelevantPassages
	}

	passages, err := a.retriever.Retrieve(ctx, question, RetrievalSupersetSize)
	if err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}
	if len(passages) == 0 {
		return &Augmentation{ContextBlock: question}, nil
	}

	scoredPassages := make([]RetrievedPassage, len(passages))
	for i, p := range passages {
		// Seed scores with the (descending) retrieval rank so a skipped
		// rerank preserves retrieval order and ties stay stable.
		scoredPassages[i] = RetrievedPassage{Text: p, Score: float64(len(passages) - i)}
	}

	if a.reranker != nil {
		scores, err := a.reranker.Score(ctx, question, passages)
		if err != nil {
			a.logger.Warn("reranker unavailable, keeping retrieval order", zap.Error(err))
		} else {
			for i := range scoredPassages {
				scoredPassages[i].Score = scores[i]
			}
		}
	}

	sort.SliceStable(scoredPassages, func(i, j int) bool {
		return scoredPassages[i].Score > scoredPassages[j].Score
	})

	selected := scoredPassages
	if len(selected) > topK {
		selected = selected[:topK]
	}

	var b strings.Builder
	b.WriteString("Đây là câu hỏi của người dùng:\n")
	b.WriteString(question)
	b.WriteString("\n\nDưới đây là các đoạn thông tin liên quan:\n")
	for i, p := range selected {
		fmt.Fprintf(&b, "\n[Đoạn %d]:\n%s\n", i+1, p.Text)
	}

	return &Augmentation{
		Passages:     selected,
		ContextBlock: b.String(),
		Retrieved:    len(passages),
		Selected:     len(selected),
	}, nil
}
