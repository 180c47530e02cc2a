package attribution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"strings"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/adaptive"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/capability"
)

// maxEmbedBytes bounds the session text sent to the embedder.
const maxEmbedBytes = 16 << 10

// #region interfaces
// ParameterSampler draws Thompson samples for adaptive parameters.
type ParameterSampler interface {
	Sample(key string) float64
}

// EmbeddingCache stores learning embeddings keyed by content hash so a
// learning is embedded once per content revision.
type EmbeddingCache interface {
	CachedEmbedding(ctx context.Context, learningID, contentHash string) ([]float32, bool, error)
	PutEmbedding(ctx context.Context, learningID, contentHash string, vec []float32) error
}

// #endregion interfaces

// #region activator
// Activator is layer one: it decides which injected learnings were used.
type Activator struct {
	config   Config
	embedder capability.Embedder
	cache    EmbeddingCache
	params   ParameterSampler
	logger   *slog.Logger
}

// NewActivator creates an Activator. embedder and cache may be nil, in which
// case activation relies on keywords and explicit references alone.
func NewActivator(config Config, embedder capability.Embedder, cache EmbeddingCache, params ParameterSampler, logger *slog.Logger) *Activator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activator{config: config, embedder: embedder, cache: cache, params: params, logger: logger}
}

// Activate scores every learning against the session's assistant output.
// The session output is embedded once; an embedding failure degrades the
// semantic component and is logged, never returned.
func (a *Activator) Activate(ctx context.Context, sessionID string, outputs []Output, learnings []Learning) []ActivationResult {
	text := joinOutputs(outputs)
	outTokens := tokenSet(tokenize(text))
	outVec := a.embedText(ctx, text, slog.String("session_id", sessionID))

	results := make([]ActivationResult, 0, len(learnings))
	for _, l := range learnings {
		lt := tokenize(l.Content)
		res := ActivationResult{
			LearningID:         l.ID,
			Keyword:            keywordOverlap(lt, outTokens),
			ExplicitReferences: countReferences(text, l.ID),
			ActivationIndex:    activationIndex(outputs, l.ID, lt),
		}

		semanticOK := false
		if outVec != nil {
			if lv := a.learningVector(ctx, l); lv != nil {
				res.Semantic = math.Max(0, capability.CosineSimilarity(outVec, lv))
				semanticOK = true
			}
		}
		res.Score = a.combine(res.Semantic, res.Keyword, semanticOK)
		if res.ExplicitReferences > 0 {
			res.Score = 1
		}

		threshold := a.params.Sample(adaptive.KeyActivationThreshold)
		res.Activated = res.Score > threshold
		res.Confidence = margin(res.Score, threshold)
		results = append(results, res)
	}
	return results
}

// combine weights the two scores, falling back to keyword overlap alone
// when no semantic score is available.
func (a *Activator) combine(semantic, keyword float64, semanticOK bool) float64 {
	if !semanticOK {
		return unit(keyword)
	}
	total := a.config.SemanticWeight + a.config.KeywordWeight
	if total <= 0 {
		return 0
	}
	return unit((a.config.SemanticWeight*semantic + a.config.KeywordWeight*keyword) / total)
}

// #endregion activator

// #region embedding
func (a *Activator) embedText(ctx context.Context, text string, attrs ...any) []float32 {
	if a.embedder == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	if len(text) > maxEmbedBytes {
		text = text[:maxEmbedBytes]
	}
	vec, err := a.embedder.Embed(ctx, text)
	if err != nil {
		a.logger.Warn("embed failed, semantic activation disabled", append(attrs, slog.Any("error", err))...)
		return nil
	}
	return vec
}

func (a *Activator) learningVector(ctx context.Context, l Learning) []float32 {
	hash := contentHash(l.Content)
	if a.cache != nil {
		vec, ok, err := a.cache.CachedEmbedding(ctx, l.ID, hash)
		if err != nil {
			a.logger.Warn("embedding cache read failed", slog.String("learning_id", l.ID), slog.Any("error", err))
		} else if ok {
			return vec
		}
	}
	vec := a.embedText(ctx, l.Content, slog.String("learning_id", l.ID))
	if vec != nil && a.cache != nil {
		if err := a.cache.PutEmbedding(ctx, l.ID, hash, vec); err != nil {
			a.logger.Warn("embedding cache write failed", slog.String("learning_id", l.ID), slog.Any("error", err))
		}
	}
	return vec
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// #endregion embedding

// #region helpers
func joinOutputs(outputs []Output) string {
	var b strings.Builder
	for i, o := range outputs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(o.Text)
	}
	return b.String()
}

func countReferences(text, id string) int {
	if id == "" {
		return 0
	}
	return strings.Count(text, id)
}

// activationIndex is the first output that mentions the learning by id or
// shares a keyword with it, else the first output of the session.
func activationIndex(outputs []Output, id string, learningTokens []string) int {
	if len(outputs) == 0 {
		return 0
	}
	for _, o := range outputs {
		if id != "" && strings.Contains(o.Text, id) {
			return o.Index
		}
		if keywordOverlap(learningTokens, tokenSet(tokenize(o.Text))) > 0 {
			return o.Index
		}
	}
	return outputs[0].Index
}

// margin maps the distance between score and threshold onto [0,1].
func margin(score, threshold float64) float64 {
	span := math.Max(threshold, 1-threshold)
	if span <= 0 {
		return 0
	}
	return unit(math.Abs(score-threshold) / span)
}

func unit(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers
