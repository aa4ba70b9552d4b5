/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package instancelock serializes cascade runs across independent
// short-lived invocations using a named on-disk lock per repository
// instance. Acquire waits rather than failing, so overlapping triggers
// queue instead of being dropped.
package instancelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
)

// DefaultStaleAfter is how old a lock file may be before a new
// acquirer treats its holder as dead and takes the lock over.
const DefaultStaleAfter = 2 * time.Hour

const pollInterval = 2 * time.Second

// Lock is a held instance lock. Release it exactly once.
type Lock struct {
	path string
}

// Locker creates locks under a directory, one file per instance key.
type Locker struct {
	dir        string
	staleAfter time.Duration
}

// Option configures a Locker.
type Option func(*Locker)

// WithStaleAfter overrides the stale-takeover threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(l *Locker) {
		l.staleAfter = d
	}
}

// New returns a Locker rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Locker, error) {
	if dir == "" {
		return nil, errors.New("lock directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	l := &Locker{dir: dir, staleAfter: DefaultStaleAfter}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Acquire obtains the lock for the given instance key, waiting until
// it is free or ctx expires. The holder's pid and acquisition time are
// recorded in the lock file for operators.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	path := filepath.Join(l.dir, strings.ReplaceAll(key, "/", "__")+".lock")
	log := clog.FromContext(ctx).With("lock", path)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "pid=%d acquired=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			if err := f.Close(); err != nil {
				os.Remove(path)
				return nil, fmt.Errorf("writing lock file: %w", err)
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}

		// Held by someone else. Take over if the holder looks dead.
		if info, err := os.Stat(path); err == nil && time.Since(info.ModTime()) > l.staleAfter {
			log.With("age", time.Since(info.ModTime())).Warn("Taking over stale lock")
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("removing stale lock: %w", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// Release frees the lock.
func (lk *Lock) Release() error {
	if err := os.Remove(lk.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}
