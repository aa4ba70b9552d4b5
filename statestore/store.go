/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package statestore persists the per-instance synchronization record.
//
// Each repository instance gets a single small YAML document. Writes go
// through a temp file and an atomic rename, so concurrent short-lived
// invocations observe either the old or the new record, never a torn
// one. Last writer wins; cascade runs are serialized externally, so
// this is sufficient.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound indicates no state has been recorded for an instance.
	ErrNotFound = errors.New("statestore: not found")
	// ErrCorrupt indicates the persisted record could not be decoded.
	// This is an integrity error; callers must not overwrite the record
	// in response.
	ErrCorrupt = errors.New("statestore: corrupt record")
)

// SyncState is the durable record for one repository instance. It is
// created on the first sync attempt and only ever overwritten, never
// deleted.
type SyncState struct {
	// LastSyncedUpstream is the upstream revision most recently carried
	// all the way through the cascade to production.
	LastSyncedUpstream string `yaml:"last_synced_upstream"`

	// PendingUpstream is the upstream revision the current sync cycle
	// is carrying, recorded when its sync PR is opened and promoted to
	// LastSyncedUpstream at finalization. Merging a sync PR with a
	// merge commit, squash, or rebase leaves the tracking branch on a
	// new SHA, so the revision must travel in the record, not the tree.
	PendingUpstream string `yaml:"pending_upstream,omitempty"`

	// OpenSyncPR is the currently open sync pull request, 0 if none.
	OpenSyncPR int `yaml:"open_sync_pr,omitempty"`

	// OpenTrackingIssue is the currently open tracking issue, 0 if none.
	OpenTrackingIssue int `yaml:"open_tracking_issue,omitempty"`

	// LastAttempt is when the decision engine last acted.
	LastAttempt time.Time `yaml:"last_attempt"`
}

// Store reads and writes SyncState documents under a state directory.
// The zero value is not usable; construct with New.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("state directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Get loads the record for the given instance key. Returns ErrNotFound
// if no record exists yet.
func (s *Store) Get(_ context.Context, key string) (*SyncState, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading state for %s: %w", key, err)
	}

	var st SyncState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return &st, nil
}

// Put atomically replaces the record for the given instance key.
func (s *Store) Put(_ context.Context, key string, st *SyncState) error {
	if st == nil {
		return errors.New("state cannot be nil")
	}

	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding state for %s: %w", key, err)
	}

	path := s.path(key)
	tmp, err := os.CreateTemp(s.dir, ".state-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing state for %s: %w", key, err)
	}
	return nil
}

// path maps an instance key like "owner/repo" to a flat filename.
func (s *Store) path(key string) string {
	name := strings.ReplaceAll(key, "/", "__") + ".yaml"
	return filepath.Join(s.dir, name)
}
