/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package describe generates human-readable sync PR descriptions.
//
// The LLM-backed generator is a soft dependency: it is wrapped with a
// timeout and a deterministic template fallback, so description
// generation can never block or fail PR creation.
package describe

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/chainguard-dev/clog"
)

// Request carries the facts a generator turns into a description.
type Request struct {
	// Fork is the owner/repo of the downstream fork.
	Fork string
	// Upstream is the clone URL of the tracked repository.
	Upstream string
	// OldRevision is the previously synced upstream revision, empty on
	// first sync.
	OldRevision string
	// NewRevision is the upstream head being brought in.
	NewRevision string
	// ChangedFiles lists paths that differ, possibly truncated.
	ChangedFiles []string
}

// Generator produces a PR description for a sync request.
type Generator interface {
	Describe(ctx context.Context, req Request) (string, error)
}

// templateBody is the deterministic description. It intentionally
// contains everything a reviewer needs without any generated prose.
var templateBody = template.Must(template.New("sync").Parse(`This PR brings the fork up to date with upstream.

- Upstream: {{.Upstream}}
- New revision: {{.NewRevision}}
{{- if .OldRevision}}
- Previous revision: {{.OldRevision}}
{{- end}}
{{- if .ChangedFiles}}

Changed files ({{len .ChangedFiles}}):
{{- range .ChangedFiles}}
- ` + "`{{.}}`" + `
{{- end}}
{{- end}}

Merging this PR advances the upstream-tracking branch; the cascade
will then propagate the changes through integration to production.`))

// TemplateGenerator renders the deterministic description. It never
// fails on well-formed input and is the fallback of last resort.
type TemplateGenerator struct{}

// Describe implements Generator.
func (TemplateGenerator) Describe(_ context.Context, req Request) (string, error) {
	// Keep the file list reviewable.
	if len(req.ChangedFiles) > 50 {
		trimmed := make([]string, 50, 51)
		copy(trimmed, req.ChangedFiles)
		trimmed = append(trimmed, fmt.Sprintf("… and %d more", len(req.ChangedFiles)-50))
		req.ChangedFiles = trimmed
	}

	var sb strings.Builder
	if err := templateBody.Execute(&sb, req); err != nil {
		return "", fmt.Errorf("rendering description template: %w", err)
	}
	return sb.String(), nil
}

// fallbackGenerator tries primary with a bounded timeout and falls
// back on any failure.
type fallbackGenerator struct {
	primary  Generator
	fallback Generator
	timeout  time.Duration
}

// WithFallback wraps primary so that any error or timeout falls back
// to the deterministic generator. The returned generator only fails if
// the fallback itself fails.
func WithFallback(primary Generator, timeout time.Duration) Generator {
	return &fallbackGenerator{
		primary:  primary,
		fallback: TemplateGenerator{},
		timeout:  timeout,
	}
}

// Describe implements Generator.
func (g *fallbackGenerator) Describe(ctx context.Context, req Request) (string, error) {
	if g.primary != nil {
		pctx, cancel := context.WithTimeout(ctx, g.timeout)
		body, err := g.primary.Describe(pctx, req)
		cancel()
		if err == nil {
			return body, nil
		}
		clog.FromContext(ctx).With("error", err.Error()).
			Warn("Description generator failed, using template fallback")
	}
	return g.fallback.Describe(ctx, req)
}
