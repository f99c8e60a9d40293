package service

import (
	"context"

	"github.com/ignatij/taskflow/pkg/models"
)

// shouldDecompose asks the classifier for a verdict. Any failure, including a
// timeout, is treated as "do not decompose" so the request still runs.
func (s *WorkflowService) shouldDecompose(ctx context.Context, text string) models.Verdict {
	if s.classifier == nil {
		return models.Verdict{Reasoning: "no classifier configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, s.classifyTimeout)
	defer cancel()

	verdict, err := s.classifier.ShouldDecompose(ctx, text)
	if err != nil {
		s.logger.Warnf("Classifier verdict failed, executing as a single unit: %v", err)
		return models.Verdict{Reasoning: "classifier unavailable: " + err.Error()}
	}
	return verdict
}

// decompose asks the classifier for a full breakdown; ok is false when the
// classifier failed or declined.
func (s *WorkflowService) decompose(ctx context.Context, transcript, text string) (models.Decomposition, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.decomposeTimeout)
	defer cancel()

	dec, err := s.classifier.Decompose(ctx, transcript, text)
	if err != nil {
		s.logger.Warnf("Decomposition failed, executing as a single unit: %v", err)
		return models.Decomposition{}, false
	}
	if !dec.Decompose || len(dec.Units) == 0 {
		s.logger.Infof("Decomposition declined the breakdown, executing as a single unit")
		return models.Decomposition{}, false
	}
	return dec, true
}
