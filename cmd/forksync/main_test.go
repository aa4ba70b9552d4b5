/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	var cfg config
	err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target: &cfg,
		Lookuper: envconfig.MapLookuper(map[string]string{
			"FORKSYNC_OWNER":        "octo",
			"FORKSYNC_REPO":         "fork",
			"FORKSYNC_UPSTREAM_URL": "https://github.com/upstream/project.git",
		}),
	})
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.UpstreamBranch)
	assert.Equal(t, "fork_upstream", cfg.TrackingBranch)
	assert.Equal(t, "fork_integration", cfg.IntegrationBranch)
	assert.Equal(t, "main", cfg.ProductionBranch)
	assert.Equal(t, ".forksync", cfg.WorkDir)
	assert.Equal(t, 30*time.Minute, cfg.ValidateTimeout)
	assert.Equal(t, 30*time.Second, cfg.DescribeTimeout)

	inst := cfg.instance()
	assert.Equal(t, "octo/fork", inst.Key())
	assert.Equal(t, "https://github.com/upstream/project.git", inst.Upstream)
}

func TestConfigRequiresIdentity(t *testing.T) {
	var cfg config
	err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.MapLookuper(map[string]string{}),
	})
	require.Error(t, err)
}

func TestRootCommandSurface(t *testing.T) {
	root := rootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"sync", "cascade", "monitor", "status"} {
		assert.Contains(t, names, want)
	}
}
