// Package backend submits units of work to the external agent-execution
// backend over HTTP.
package backend

import (
	"context"
	"strings"
	"time"

	"github.com/ignatij/taskflow/pkg/service"
	"github.com/pkg/errors"
	"resty.dev/v3"
)

const executionsPath = "/v1/executions"

// Config holds the backend client settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type executionRequest struct {
	Prompt          string  `json:"prompt"`
	ContinuationRef *string `json:"continuation_ref,omitempty"`
	CallbackURL     string  `json:"callback_url"`
}

type executionResponse struct {
	ContinuationRef string `json:"continuation_ref"`
}

// Client implements service.Backend.
type Client struct {
	http *resty.Client
}

var _ service.Backend = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("backend base URL is required")
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json")
	if cfg.Timeout > 0 {
		c.SetTimeout(cfg.Timeout)
	}
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}
	return &Client{http: c}, nil
}

// Submit posts one execution and returns the continuation ref the backend
// assigned to it.
func (c *Client) Submit(ctx context.Context, s service.Submission) (string, error) {
	var out executionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(executionRequest{
			Prompt:          s.Prompt,
			ContinuationRef: s.ContinuationRef,
			CallbackURL:     s.CallbackURL,
		}).
		SetResult(&out).
		Post(executionsPath)
	if err != nil {
		return "", errors.Wrap(err, "backend request failed")
	}
	if resp.IsError() {
		return "", errors.Errorf("backend rejected submission: %s", resp.Status())
	}
	if out.ContinuationRef == "" {
		return "", errors.New("backend response is missing continuation_ref")
	}
	return out.ContinuationRef, nil
}

func (c *Client) Close() error {
	return c.http.Close()
}
