// Package ai holds the optional LLM client behind the AI tool group.
// The group only registers when the client is configured and enabled.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned when the LLM endpoint cannot be reached
// or its circuit breaker is open.
var ErrUnavailable = errors.New("ai service unavailable")

// Options configures the client.
type Options struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client speaks an OpenAI-style /chat/completions API.
type Client struct {
	opts    Options
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates the LLM client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ai-client",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Client{
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		breaker: breaker,
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete sends a system/user prompt pair and returns the first
// completion choice.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		payload := map[string]any{
			"model": c.opts.Model,
			"messages": []message{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
		}
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/chat/completions", bytes.NewReader(buf))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.opts.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("ai completion: status %d: %s", resp.StatusCode, data)
		}

		var out struct {
			Choices []struct {
				Message message `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode ai completion: %w", err)
		}
		if len(out.Choices) == 0 {
			return nil, errors.New("ai completion: no choices")
		}
		return out.Choices[0].Message.Content, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// AnalyzeError asks the model for a root-cause analysis of an error.
func (c *Client) AnalyzeError(ctx context.Context, errorType, errorMessage, contextText string) (string, error) {
	prompt := fmt.Sprintf("Error type: %s\nError message: %s\nContext: %s", errorType, errorMessage, contextText)
	return c.Complete(ctx,
		"You are a senior engineer. Analyze the error and explain the most likely root cause concisely.",
		prompt)
}

// SuggestSolution asks the model for a remediation.
func (c *Client) SuggestSolution(ctx context.Context, errorType, errorMessage string) (string, error) {
	prompt := fmt.Sprintf("Error type: %s\nError message: %s", errorType, errorMessage)
	return c.Complete(ctx,
		"You are a senior engineer. Suggest a concrete fix for the error, as a short actionable list.",
		prompt)
}

// SummarizeProject asks the model to summarize project context.
func (c *Client) SummarizeProject(ctx context.Context, projectID, contextText string) (string, error) {
	prompt := fmt.Sprintf("Project: %s\n%s", projectID, contextText)
	return c.Complete(ctx,
		"Summarize the project's current state, open work, and recent decisions in a short paragraph.",
		prompt)
}
