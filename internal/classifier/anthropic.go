// Package classifier decides whether a work request is broken down into
// sub-units, and produces the breakdown, using the Anthropic Messages API.
package classifier

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ignatij/taskflow/pkg/models"
	"github.com/pkg/errors"
)

const verdictSystemPrompt = `You triage software work requests for an autonomous coding agent.
Decide whether the request should be broken down into several dependent units of work.
Small, single-concern requests must NOT be broken down.`

const verdictPrompt = `Request:
%s

Return ONLY a JSON object with this exact structure (no other text):
{"decompose": true|false, "reasoning": "one or two sentences"}`

const decomposeSystemPrompt = `You plan software work for autonomous coding agents.
Split the work into units that a single agent can finish in one session.
Units in the same parallel group must be independent of each other.`

const decomposePrompt = `Original request:
%s

Planning transcript:
%s

Return ONLY a JSON object with this exact structure (no other text):
{
  "decompose": true,
  "reasoning": "why the work is split this way",
  "units": [
    {"sequence": 1, "title": "Short title", "description": "Detailed instructions", "test_intent": "How to verify it", "parallel_group": 0}
  ],
  "parallel_groups": [[1], [2, 3]]
}

Rules:
- sequence starts at 1 and is unique
- parallel_groups[g] lists the sequences executed together in phase g; every sequence appears exactly once
- group 0 contains exactly one unit
- a unit's parallel_group is the index of the group that lists it
- groups never decrease as sequence increases
- return {"decompose": false, "units": [], "parallel_groups": []} if the work should not be split`

// Config holds the classifier settings.
type Config struct {
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY env var.
	APIKey string
	// Model is the model used for both calls.
	Model string
	// VerdictMaxTokens bounds the cheap verdict call.
	VerdictMaxTokens int64
	// DecomposeMaxTokens bounds the decomposition call.
	DecomposeMaxTokens int64
}

// messageClient is the subset of the SDK used here, so tests can fake it.
type messageClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Classifier implements service.Classifier on top of Claude.
type Classifier struct {
	messages           messageClient
	model              anthropic.Model
	verdictMaxTokens   int64
	decomposeMaxTokens int64
}

func New(cfg Config) (*Classifier, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable is not set")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return newClassifier(&client.Messages, cfg), nil
}

func newClassifier(messages messageClient, cfg Config) *Classifier {
	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	c := &Classifier{
		messages:           messages,
		model:              model,
		verdictMaxTokens:   cfg.VerdictMaxTokens,
		decomposeMaxTokens: cfg.DecomposeMaxTokens,
	}
	if c.verdictMaxTokens <= 0 {
		c.verdictMaxTokens = 512
	}
	if c.decomposeMaxTokens <= 0 {
		c.decomposeMaxTokens = 8192
	}
	return c
}

// ShouldDecompose returns the cheap break-down verdict for a request.
func (c *Classifier) ShouldDecompose(ctx context.Context, text string) (models.Verdict, error) {
	resp, err := c.call(ctx, verdictSystemPrompt, fmt.Sprintf(verdictPrompt, text), c.verdictMaxTokens)
	if err != nil {
		return models.Verdict{}, errors.Wrap(err, "verdict call failed")
	}
	return parseVerdict(resp)
}

// Decompose returns the full breakdown of a request given a planning transcript.
func (c *Classifier) Decompose(ctx context.Context, planningTranscript, originalText string) (models.Decomposition, error) {
	resp, err := c.call(ctx, decomposeSystemPrompt, fmt.Sprintf(decomposePrompt, originalText, planningTranscript), c.decomposeMaxTokens)
	if err != nil {
		return models.Decomposition{}, errors.Wrap(err, "decomposition call failed")
	}
	return parseDecomposition(resp)
}

func (c *Classifier) call(ctx context.Context, system, prompt string, maxTokens int64) (string, error) {
	resp, err := c.messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}
	var result string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			result += variant.Text
		}
	}
	return result, nil
}
