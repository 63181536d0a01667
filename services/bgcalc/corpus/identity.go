// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package corpus provides corpus identities for cache keys and watches the
// corpus data directory for re-indexing.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/czcorpus/kontext-sub000/pkg/validation"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
)

// ErrUnknownCorpus is returned for corpora the provider knows nothing about.
var ErrUnknownCorpus = errors.New("unknown corpus")

// IdentityProvider resolves the identity of a corpus.
type IdentityProvider interface {
	Identity(ctx context.Context, corpusID string) (datatypes.CorpusIdentity, error)
}

// =============================================================================
// Directory Provider
// =============================================================================

// DirProvider derives identities from a directory holding one subdirectory
// per corpus.
//
// # Description
//
// The identity of a corpus is the total byte size of its data files and the
// newest modification time among them. Re-indexing a corpus rewrites its
// files and therefore changes the identity, which moves all cached results
// to fresh keys. Identities are memoized until Forget is called, normally by
// a Watcher.
//
// # Thread Safety
//
// Safe for concurrent use.
type DirProvider struct {
	root  string
	mu    sync.RWMutex
	cache map[string]datatypes.CorpusIdentity
}

// NewDirProvider creates a provider over root.
func NewDirProvider(root string) *DirProvider {
	return &DirProvider{
		root:  root,
		cache: make(map[string]datatypes.CorpusIdentity),
	}
}

// Root returns the corpus data directory.
func (p *DirProvider) Root() string {
	return p.root
}

// Identity implements IdentityProvider.
func (p *DirProvider) Identity(ctx context.Context, corpusID string) (datatypes.CorpusIdentity, error) {
	if err := checkCorpusID(corpusID); err != nil {
		return datatypes.CorpusIdentity{}, err
	}

	p.mu.RLock()
	id, ok := p.cache[corpusID]
	p.mu.RUnlock()
	if ok {
		return id, nil
	}

	id, err := p.scan(ctx, corpusID)
	if err != nil {
		return datatypes.CorpusIdentity{}, err
	}

	p.mu.Lock()
	p.cache[corpusID] = id
	p.mu.Unlock()
	return id, nil
}

// Forget drops the memoized identity of corpusID.
func (p *DirProvider) Forget(corpusID string) {
	p.mu.Lock()
	delete(p.cache, corpusID)
	p.mu.Unlock()
}

func (p *DirProvider) scan(ctx context.Context, corpusID string) (datatypes.CorpusIdentity, error) {
	dir := filepath.Join(p.root, corpusID)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return datatypes.CorpusIdentity{}, fmt.Errorf("%w: %s", ErrUnknownCorpus, corpusID)
		}
		return datatypes.CorpusIdentity{}, fmt.Errorf("stat corpus %s: %w", corpusID, err)
	}
	if !info.IsDir() {
		return datatypes.CorpusIdentity{}, fmt.Errorf("%w: %s is not a directory", ErrUnknownCorpus, corpusID)
	}

	id := datatypes.CorpusIdentity{CorpusID: corpusID, Modified: info.ModTime().Unix()}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		id.Size += fi.Size()
		if m := fi.ModTime().Unix(); m > id.Modified {
			id.Modified = m
		}
		return nil
	})
	if err != nil {
		return datatypes.CorpusIdentity{}, fmt.Errorf("scan corpus %s: %w", corpusID, err)
	}
	return id, nil
}

func checkCorpusID(corpusID string) error {
	if err := validation.ValidateCorpusID(corpusID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownCorpus, err)
	}
	return nil
}

// =============================================================================
// Static Provider
// =============================================================================

// StaticProvider serves identities from a fixed table, typically loaded from
// the configuration file.
type StaticProvider map[string]datatypes.CorpusIdentity

// Identity implements IdentityProvider.
func (s StaticProvider) Identity(_ context.Context, corpusID string) (datatypes.CorpusIdentity, error) {
	id, ok := s[corpusID]
	if !ok {
		return datatypes.CorpusIdentity{}, fmt.Errorf("%w: %s", ErrUnknownCorpus, corpusID)
	}
	if id.CorpusID == "" {
		id.CorpusID = corpusID
	}
	return id, nil
}
