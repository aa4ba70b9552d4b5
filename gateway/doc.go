/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package gateway defines the narrow interfaces through which the
// orchestrator talks to a version-control system and a code-hosting
// API, along with the shared value types exchanged across them.
//
// Implementations live in subpackages: gitgw (go-git backed) and
// githubgw (GitHub REST backed). Test fakes live in gatewaytest.
package gateway
