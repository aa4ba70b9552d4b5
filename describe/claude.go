/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package describe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/chainguard-dev/clog"
)

const systemPrompt = `You write pull request descriptions for automated upstream
synchronization PRs on a long-lived fork. Summarize what changed and call out
anything a reviewer should look at closely. Be concise and factual. Output
Markdown only, no preamble.`

// ClaudeGenerator produces descriptions with Claude. Always wrap it
// with WithFallback; it fails on API errors rather than degrading
// silently.
type ClaudeGenerator struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// ClaudeOption configures a ClaudeGenerator.
type ClaudeOption func(*ClaudeGenerator)

// WithModel overrides the default model.
func WithModel(model string) ClaudeOption {
	return func(g *ClaudeGenerator) {
		g.model = anthropic.Model(model)
	}
}

// NewClaudeGenerator returns a generator backed by the given client.
func NewClaudeGenerator(client anthropic.Client, opts ...ClaudeOption) *ClaudeGenerator {
	g := &ClaudeGenerator{
		client:    client,
		model:     anthropic.ModelClaudeSonnet4_20250514,
		maxTokens: 1024,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Describe implements Generator.
func (g *ClaudeGenerator) Describe(ctx context.Context, req Request) (string, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Fork: %s\nUpstream: %s\nNew upstream revision: %s\n", req.Fork, req.Upstream, req.NewRevision)
	if req.OldRevision != "" {
		fmt.Fprintf(&prompt, "Previously synced revision: %s\n", req.OldRevision)
	}
	if len(req.ChangedFiles) > 0 {
		fmt.Fprintf(&prompt, "\nChanged files:\n")
		for _, f := range req.ChangedFiles {
			fmt.Fprintf(&prompt, "- %s\n", f)
		}
	}

	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{{
			Role: anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{
				anthropic.NewTextBlock(prompt.String()),
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("generating description: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}

	body := strings.TrimSpace(sb.String())
	if body == "" {
		return "", errors.New("model returned no text")
	}

	clog.FromContext(ctx).With("model", string(g.model)).
		With("length", len(body)).
		Debug("Generated sync PR description")
	return body, nil
}
