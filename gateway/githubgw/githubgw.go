/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package githubgw implements gateway.Hosting against the GitHub REST
// API. All calls are wrapped in bounded exponential-backoff retry; a
// returned error means retries were exhausted or the failure is not
// transient.
package githubgw

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"chainguard.dev/forksync/gateway"
	"chainguard.dev/forksync/internal/retry"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
	"golang.org/x/oauth2"
)

// Gateway talks to one GitHub repository.
type Gateway struct {
	client *github.Client
	owner  string
	repo   string
	retry  retry.Config
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(cfg retry.Config) Option {
	return func(g *Gateway) {
		g.retry = cfg
	}
}

// WithClient overrides the GitHub client, for tests pointing at a
// local server.
func WithClient(client *github.Client) Option {
	return func(g *Gateway) {
		g.client = client
	}
}

// New returns a Gateway for owner/repo authenticated with the given
// token source.
func New(ctx context.Context, ts oauth2.TokenSource, owner, repo string, opts ...Option) (*Gateway, error) {
	if owner == "" || repo == "" {
		return nil, errors.New("owner and repo cannot be empty")
	}
	g := &Gateway{
		client: github.NewClient(oauth2.NewClient(ctx, ts)),
		owner:  owner,
		repo:   repo,
		retry:  retry.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// isTransient classifies errors worth retrying: rate limits, server
// errors, and network failures.
func isTransient(err error) bool {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	var netErr net.Error
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) || errors.As(err, &netErr) {
		return true
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return respErr.Response.StatusCode >= http.StatusInternalServerError
	}
	return false
}

func do[T any](ctx context.Context, g *Gateway, operation string, fn func() (T, error)) (T, error) {
	return retry.Do(ctx, g.retry, operation, isTransient, fn)
}

// CreatePullRequest implements gateway.Hosting.
func (g *Gateway) CreatePullRequest(ctx context.Context, pr gateway.NewPullRequest) (int, error) {
	created, err := do(ctx, g, "create_pull_request", func() (*github.PullRequest, error) {
		created, _, err := g.client.PullRequests.Create(ctx, g.owner, g.repo, &github.NewPullRequest{
			Title: github.Ptr(pr.Title),
			Body:  github.Ptr(pr.Body),
			Head:  github.Ptr(pr.Head),
			Base:  github.Ptr(pr.Base),
		})
		return created, err
	})
	if err != nil {
		return 0, fmt.Errorf("creating pull request: %w", err)
	}

	if len(pr.Labels) > 0 {
		if _, err := do(ctx, g, "label_pull_request", func() (any, error) {
			_, _, err := g.client.Issues.AddLabelsToIssue(ctx, g.owner, g.repo, created.GetNumber(), pr.Labels)
			return nil, err
		}); err != nil {
			return 0, fmt.Errorf("labeling pull request #%d: %w", created.GetNumber(), err)
		}
	}

	clog.FromContext(ctx).With("pr", created.GetNumber()).
		With("url", created.GetHTMLURL()).
		Info("Created pull request")
	return created.GetNumber(), nil
}

// GetPullRequest implements gateway.Hosting.
func (g *Gateway) GetPullRequest(ctx context.Context, number int) (*gateway.PullRequest, error) {
	pr, err := do(ctx, g, "get_pull_request", func() (*github.PullRequest, error) {
		pr, resp, err := g.client.PullRequests.Get(ctx, g.owner, g.repo, number)
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, gateway.ErrNotFound
		}
		return pr, err
	})
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrNotFound
		}
		return nil, fmt.Errorf("fetching pull request #%d: %w", number, err)
	}
	return convertPR(pr), nil
}

// UpdatePullRequest implements gateway.Hosting.
func (g *Gateway) UpdatePullRequest(ctx context.Context, number int, title, body string) error {
	if _, err := do(ctx, g, "update_pull_request", func() (any, error) {
		_, _, err := g.client.PullRequests.Edit(ctx, g.owner, g.repo, number, &github.PullRequest{
			Title: github.Ptr(title),
			Body:  github.Ptr(body),
		})
		return nil, err
	}); err != nil {
		return fmt.Errorf("updating pull request #%d: %w", number, err)
	}
	return nil
}

// FindOpenPullRequests implements gateway.Hosting. Pull requests are
// issues on GitHub, so the label filter goes through the issues API.
func (g *Gateway) FindOpenPullRequests(ctx context.Context, label string) ([]*gateway.PullRequest, error) {
	issues, err := g.listOpenIssues(ctx, []string{label})
	if err != nil {
		return nil, err
	}

	var out []*gateway.PullRequest
	for _, is := range issues {
		if !is.IsPullRequest() {
			continue
		}
		pr, err := g.GetPullRequest(ctx, is.GetNumber())
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, nil
}

// CommentOnPullRequest implements gateway.Hosting.
func (g *Gateway) CommentOnPullRequest(ctx context.Context, number int, body string) error {
	// PR conversation comments go through the issues API.
	return g.CommentOnIssue(ctx, number, body)
}

// CreateIssue implements gateway.Hosting.
func (g *Gateway) CreateIssue(ctx context.Context, title, body string, labels []string) (int, error) {
	issue, err := do(ctx, g, "create_issue", func() (*github.Issue, error) {
		issue, _, err := g.client.Issues.Create(ctx, g.owner, g.repo, &github.IssueRequest{
			Title:  github.Ptr(title),
			Body:   github.Ptr(body),
			Labels: &labels,
		})
		return issue, err
	})
	if err != nil {
		return 0, fmt.Errorf("creating issue: %w", err)
	}
	clog.FromContext(ctx).With("issue", issue.GetNumber()).
		With("url", issue.GetHTMLURL()).
		Info("Created issue")
	return issue.GetNumber(), nil
}

// GetIssue implements gateway.Hosting.
func (g *Gateway) GetIssue(ctx context.Context, number int) (*gateway.Issue, error) {
	issue, err := do(ctx, g, "get_issue", func() (*github.Issue, error) {
		issue, resp, err := g.client.Issues.Get(ctx, g.owner, g.repo, number)
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, gateway.ErrNotFound
		}
		return issue, err
	})
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrNotFound
		}
		return nil, fmt.Errorf("fetching issue #%d: %w", number, err)
	}
	return convertIssue(issue), nil
}

// FindOpenIssues implements gateway.Hosting.
func (g *Gateway) FindOpenIssues(ctx context.Context, labels ...string) ([]*gateway.Issue, error) {
	issues, err := g.listOpenIssues(ctx, labels)
	if err != nil {
		return nil, err
	}
	var out []*gateway.Issue
	for _, is := range issues {
		if is.IsPullRequest() {
			continue
		}
		out = append(out, convertIssue(is))
	}
	return out, nil
}

type issuePage struct {
	issues []*github.Issue
	next   int
}

func (g *Gateway) listOpenIssues(ctx context.Context, labels []string) ([]*github.Issue, error) {
	var all []*github.Issue
	opts := &github.IssueListByRepoOptions{
		State:       "open",
		Labels:      labels,
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		page, err := do(ctx, g, "list_issues", func() (issuePage, error) {
			issues, resp, err := g.client.Issues.ListByRepo(ctx, g.owner, g.repo, opts)
			next := 0
			if resp != nil {
				next = resp.NextPage
			}
			return issuePage{issues: issues, next: next}, err
		})
		if err != nil {
			return nil, fmt.Errorf("listing issues: %w", err)
		}
		all = append(all, page.issues...)
		if page.next == 0 {
			break
		}
		opts.ListOptions.Page = page.next
	}
	return all, nil
}

// EditIssueLabels implements gateway.Hosting. Removing a label the
// issue doesn't carry is not an error.
func (g *Gateway) EditIssueLabels(ctx context.Context, number int, add, remove []string) error {
	for _, label := range remove {
		if _, err := do(ctx, g, "remove_label", func() (any, error) {
			resp, err := g.client.Issues.RemoveLabelForIssue(ctx, g.owner, g.repo, number, label)
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return nil, nil
			}
			return nil, err
		}); err != nil {
			return fmt.Errorf("removing label %q from issue #%d: %w", label, number, err)
		}
	}
	if len(add) > 0 {
		if _, err := do(ctx, g, "add_labels", func() (any, error) {
			_, _, err := g.client.Issues.AddLabelsToIssue(ctx, g.owner, g.repo, number, add)
			return nil, err
		}); err != nil {
			return fmt.Errorf("adding labels to issue #%d: %w", number, err)
		}
	}
	return nil
}

// CommentOnIssue implements gateway.Hosting.
func (g *Gateway) CommentOnIssue(ctx context.Context, number int, body string) error {
	if _, err := do(ctx, g, "comment_on_issue", func() (any, error) {
		_, _, err := g.client.Issues.CreateComment(ctx, g.owner, g.repo, number, &github.IssueComment{
			Body: github.Ptr(body),
		})
		return nil, err
	}); err != nil {
		return fmt.Errorf("commenting on issue #%d: %w", number, err)
	}
	return nil
}

// CloseIssue implements gateway.Hosting.
func (g *Gateway) CloseIssue(ctx context.Context, number int) error {
	if _, err := do(ctx, g, "close_issue", func() (any, error) {
		_, _, err := g.client.Issues.Edit(ctx, g.owner, g.repo, number, &github.IssueRequest{
			State: github.Ptr("closed"),
		})
		return nil, err
	}); err != nil {
		return fmt.Errorf("closing issue #%d: %w", number, err)
	}
	return nil
}

func convertPR(pr *github.PullRequest) *gateway.PullRequest {
	out := &gateway.PullRequest{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		Body:    pr.GetBody(),
		HeadRef: pr.GetHead().GetRef(),
		BaseRef: pr.GetBase().GetRef(),
		State:   pr.GetState(),
		Merged:  pr.GetMerged(),
		URL:     pr.GetHTMLURL(),
	}
	for _, l := range pr.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}

func convertIssue(is *github.Issue) *gateway.Issue {
	out := &gateway.Issue{
		Number:    is.GetNumber(),
		Title:     is.GetTitle(),
		Body:      is.GetBody(),
		State:     is.GetState(),
		CreatedAt: is.GetCreatedAt().Time,
		URL:       is.GetHTMLURL(),
	}
	for _, l := range is.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}
