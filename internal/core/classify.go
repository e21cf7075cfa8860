package core

import (
	"context"
	"strings"
)

// Relevance is the outcome of the medical-relevance gate.
type Relevance int

const (
	// RelevanceAmbiguous means the classifier's answer did not parse;
	// callers must treat it as relevant so a legitimate medical question
	// is never dropped.
	RelevanceAmbiguous Relevance = iota
	RelevanceMedical
	RelevanceNotMedical
)

// Classifier decides whether a question belongs to the medical domain. The
// classification method is a replaceable strategy; only the binary
// classify-then-gate contract is fixed.
type Classifier interface {
	Classify(ctx context.Context, question string) Relevance
}

// generateFunc is a cheap single-prompt generation hook (flash tier,
// temperature 0, few tokens).
type generateFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

const classifyPrompt = "trả lời ngắn gọn là có hay không và không giải thích gì thêm: câu hỏi sau đây có liên quan y tế không: "

// llmClassifier asks the generation backend a terse yes/no question and
// looks for the negative token in the free-text answer.
type llmClassifier struct {
	generate generateFunc
}

func NewLLMClassifier(generate generateFunc) Classifier {
	return &llmClassifier{generate: generate}
}

func (c *llmClassifier) Classify(ctx context.Context, question string) Relevance {
	answer, err := c.generate(ctx, classifyPrompt+question, 8)
	if err != nil {
		return RelevanceAmbiguous
	}
	return parseRelevanceAnswer(answer)
}

func parseRelevanceAnswer(answer string) Relevance {
	t := strings.ToLower(strings.TrimSpace(answer))
	if t == "" {
		return RelevanceAmbiguous
	}
	if strings.Contains(t, "không") {
		return RelevanceNotMedical
	}
	if strings.Contains(t, "có") {
		return RelevanceMedical
	}
	return RelevanceAmbiguous
}
