package service

import (
	"context"

	"github.com/ignatij/taskflow/pkg/models"
)

// Logger defines the logging interface for WorkflowService
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Classifier decides whether a request is broken down and produces the breakdown.
// Implementations must be side-effect free; they may be called more than once.
type Classifier interface {
	ShouldDecompose(ctx context.Context, text string) (models.Verdict, error)
	Decompose(ctx context.Context, planningTranscript, originalText string) (models.Decomposition, error)
}

// Submission is one call to the execution backend.
type Submission struct {
	Prompt          string
	ContinuationRef *string // previous ref when continuing an earlier conversation
	CallbackURL     string
}

// Backend submits work to the external agent-execution backend and returns the
// continuation ref it assigned. The ref may differ on every call.
type Backend interface {
	Submit(ctx context.Context, s Submission) (string, error)
}
