/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package monitor

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"chainguard.dev/forksync/lifecycle"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
)

// Report aggregates the open synchronization artifacts for one
// instance. It is a read-only snapshot; producing it mutates nothing.
type Report struct {
	Instance string

	AwaitingHuman int
	Active        int
	Blocked       int
	Failed        int
	Validated     int
	Escalations   int

	OpenSyncPRs     int
	OpenConflictPRs int
}

// Healthy reports whether nothing needs operator attention.
func (r *Report) Healthy() bool {
	return r.Blocked == 0 && r.Failed == 0 && r.Escalations == 0
}

// Health builds the current report.
func (m *Monitor) Health(ctx context.Context) (*Report, error) {
	r := &Report{Instance: m.inst.Key()}

	counts := []struct {
		dst    *int
		labels []string
	}{
		{&r.AwaitingHuman, []string{lifecycle.LabelUpstreamSync, lifecycle.LabelHumanRequired}},
		{&r.Active, []string{lifecycle.LabelCascadeActive}},
		{&r.Blocked, []string{lifecycle.LabelCascadeBlocked}},
		{&r.Failed, []string{lifecycle.LabelCascadeFailed}},
		{&r.Validated, []string{lifecycle.LabelValidated}},
		{&r.Escalations, []string{lifecycle.LabelEscalation}},
	}
	for _, c := range counts {
		issues, err := m.host.FindOpenIssues(ctx, c.labels...)
		if err != nil {
			return nil, fmt.Errorf("counting issues %v: %w", c.labels, err)
		}
		*c.dst = len(issues)
	}

	// A cascade-failed issue also carries human-required; do not count
	// it twice.
	r.AwaitingHuman -= r.Failed
	if r.AwaitingHuman < 0 {
		r.AwaitingHuman = 0
	}

	for _, pr := range []struct {
		dst   *int
		label string
	}{
		{&r.OpenSyncPRs, lifecycle.LabelUpstreamSync},
		{&r.OpenConflictPRs, lifecycle.LabelConflict},
	} {
		prs, err := m.host.FindOpenPullRequests(ctx, pr.label)
		if err != nil {
			return nil, fmt.Errorf("counting PRs %q: %w", pr.label, err)
		}
		*pr.dst = len(prs)
	}

	return r, nil
}

// Render writes the report as a markdown table.
func (r *Report) Render(w io.Writer) error {
	table := tablewriter.NewTable(w,
		tablewriter.WithConfig(tablewriter.Config{
			Header: tw.CellConfig{
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
				Formatting: tw.CellFormatting{AutoFormat: tw.Off},
			},
			Row: tw.CellConfig{
				Alignment: tw.CellAlignment{Global: tw.AlignLeft},
			},
		}),
		tablewriter.WithHeader([]string{"Item", "Count"}),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{Left: tw.On, Top: tw.Off, Right: tw.On, Bottom: tw.Off},
		}),
	)

	rows := []struct {
		name  string
		count int
	}{
		{"Awaiting human review", r.AwaitingHuman},
		{"Cascades active", r.Active},
		{"Cascades blocked on conflicts", r.Blocked},
		{"Cascades failed validation", r.Failed},
		{"Validated, awaiting production merge", r.Validated},
		{"Open escalations", r.Escalations},
		{"Open sync PRs", r.OpenSyncPRs},
		{"Open conflict PRs", r.OpenConflictPRs},
	}
	for _, row := range rows {
		_ = table.Append([]string{row.name, strconv.Itoa(row.count)})
	}

	if _, err := fmt.Fprintf(w, "Sync health for %s:\n\n", r.Instance); err != nil {
		return err
	}
	return table.Render()
}
