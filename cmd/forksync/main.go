/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main implements the forksync CLI: short-lived, idempotent
// invocations of the sync decision engine, the cascade, and the
// reconciliation monitor, meant to be driven by a scheduler or by
// hosting-system events.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"chainguard.dev/forksync/cascade"
	"chainguard.dev/forksync/describe"
	"chainguard.dev/forksync/gateway"
	"chainguard.dev/forksync/gateway/githubgw"
	"chainguard.dev/forksync/gateway/gitgw"
	"chainguard.dev/forksync/internal/instancelock"
	"chainguard.dev/forksync/monitor"
	"chainguard.dev/forksync/statestore"
	"chainguard.dev/forksync/syncer"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

type config struct {
	Owner string `env:"FORKSYNC_OWNER,required"`
	Repo  string `env:"FORKSYNC_REPO,required"`

	UpstreamURL    string `env:"FORKSYNC_UPSTREAM_URL,required"`
	UpstreamBranch string `env:"FORKSYNC_UPSTREAM_BRANCH,default=main"`

	TrackingBranch    string `env:"FORKSYNC_TRACKING_BRANCH,default=fork_upstream"`
	IntegrationBranch string `env:"FORKSYNC_INTEGRATION_BRANCH,default=fork_integration"`
	ProductionBranch  string `env:"FORKSYNC_PRODUCTION_BRANCH,default=main"`

	// GitHubToken authenticates both the API and git pushes. Empty is
	// allowed for local smoke testing against file remotes.
	GitHubToken string `env:"GITHUB_TOKEN"`

	// WorkDir holds the clone, the state records, and the lock files.
	WorkDir string `env:"FORKSYNC_WORK_DIR,default=.forksync"`

	// ValidateCommand is the validation pipeline command line, e.g.
	// "make check". Required for cascade runs.
	ValidateCommand string        `env:"FORKSYNC_VALIDATE_COMMAND"`
	ValidateTimeout time.Duration `env:"FORKSYNC_VALIDATE_TIMEOUT,default=30m"`

	// AnthropicAPIKey enables LLM-generated PR descriptions. Empty
	// falls back to the deterministic template.
	AnthropicAPIKey string        `env:"ANTHROPIC_API_KEY"`
	DescribeModel   string        `env:"FORKSYNC_DESCRIBE_MODEL"`
	DescribeTimeout time.Duration `env:"FORKSYNC_DESCRIBE_TIMEOUT,default=30s"`

	RunTimeout time.Duration `env:"FORKSYNC_RUN_TIMEOUT,default=1h"`
}

func (c config) instance() gateway.Instance {
	return gateway.Instance{
		Owner:             c.Owner,
		Repo:              c.Repo,
		Upstream:          c.UpstreamURL,
		UpstreamBranch:    c.UpstreamBranch,
		TrackingBranch:    c.TrackingBranch,
		IntegrationBranch: c.IntegrationBranch,
		ProductionBranch:  c.ProductionBranch,
	}
}

// errAttention means the run completed but left the system in a state
// needing an operator, so the process must exit non-zero.
var errAttention = errors.New("operator attention required")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errAttention) {
			clog.FromContext(ctx).With("error", err.Error()).Error("Run failed")
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "forksync",
		Short:        "Keep a long-lived fork synchronized with its upstream",
		SilenceUsage: true,
	}
	root.AddCommand(syncCmd(), cascadeCmd(), monitorCmd(), statusCmd())
	return root
}

// deps wires the engines for one invocation.
type deps struct {
	cfg    config
	inst   gateway.Instance
	git    gateway.Git
	host   gateway.Hosting
	store  *statestore.Store
	locker *instancelock.Locker
}

func buildDeps(ctx context.Context) (*deps, error) {
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	inst := cfg.instance()

	var ts oauth2.TokenSource
	if cfg.GitHubToken != "" {
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitHubToken})
	}

	host, err := githubgw.New(ctx, ts, cfg.Owner, cfg.Repo)
	if err != nil {
		return nil, err
	}

	originURL := fmt.Sprintf("https://github.com/%s/%s.git", cfg.Owner, cfg.Repo)
	var gitOpts []gitgw.Option
	if ts != nil {
		gitOpts = append(gitOpts, gitgw.WithTokenSource(ts))
	}
	git, err := gitgw.New(ctx, filepath.Join(cfg.WorkDir, "clone"), originURL, inst, gitOpts...)
	if err != nil {
		return nil, err
	}

	store, err := statestore.New(filepath.Join(cfg.WorkDir, "state"))
	if err != nil {
		return nil, err
	}
	locker, err := instancelock.New(filepath.Join(cfg.WorkDir, "locks"))
	if err != nil {
		return nil, err
	}

	return &deps{cfg: cfg, inst: inst, git: git, host: host, store: store, locker: locker}, nil
}

func (d *deps) descriptionGenerator() describe.Generator {
	if d.cfg.AnthropicAPIKey == "" {
		return describe.TemplateGenerator{}
	}
	var opts []describe.ClaudeOption
	if d.cfg.DescribeModel != "" {
		opts = append(opts, describe.WithModel(d.cfg.DescribeModel))
	}
	claude := describe.NewClaudeGenerator(
		anthropic.NewClient(option.WithAPIKey(d.cfg.AnthropicAPIKey)), opts...)
	return describe.WithFallback(claude, d.cfg.DescribeTimeout)
}

func (d *deps) cascadeEngine() *cascade.Engine {
	return cascade.NewEngine(d.inst, d.git, d.host, d.store, d.locker, cascade.CommandValidator{
		Command: strings.Fields(d.cfg.ValidateCommand),
		Timeout: d.cfg.ValidateTimeout,
	})
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run the sync decision engine once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := buildDeps(cmd.Context())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), d.cfg.RunTimeout)
			defer cancel()

			eng := syncer.NewEngine(d.inst, d.git, d.host, d.store,
				syncer.WithDescriptionGenerator(d.descriptionGenerator()))
			attempt, err := eng.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "action: %s\n", attempt.Action)
			return nil
		},
	}
}

func cascadeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cascade <issue-number>",
		Short: "Run one propagation cascade for a tracking issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issue, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("issue number %q: %w", args[0], err)
			}
			d, err := buildDeps(cmd.Context())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), d.cfg.RunTimeout)
			defer cancel()

			run, err := d.cascadeEngine().Execute(ctx, issue)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "outcome: %s\n", run.Outcome)
			if run.Outcome == cascade.OutcomeBlocked || run.Outcome == cascade.OutcomeFailed {
				return fmt.Errorf("cascade %s: %w", run.Outcome, errAttention)
			}
			return nil
		},
	}
}

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Run one reconciliation pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := buildDeps(cmd.Context())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), d.cfg.RunTimeout)
			defer cancel()

			report, err := monitor.New(d.inst, d.git, d.host, d.cascadeEngine()).Run(ctx)
			if err != nil {
				return err
			}
			if err := report.Render(cmd.OutOrStdout()); err != nil {
				return err
			}
			if !report.Healthy() {
				return fmt.Errorf("unhealthy sync state: %w", errAttention)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the sync health report without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := buildDeps(cmd.Context())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), d.cfg.RunTimeout)
			defer cancel()

			report, err := monitor.New(d.inst, d.git, d.host, d.cascadeEngine()).Health(ctx)
			if err != nil {
				return err
			}
			return report.Render(cmd.OutOrStdout())
		},
	}
}
