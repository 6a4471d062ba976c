// Copyright (C) 2025  Nexedi SA and Contributors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

// Package engine holds the single explicit context every operation of
// the ingestion core is threaded through: the in-progress pack, the two
// notes trees, the two head sets, the manifest mirror, and the
// short-lived "most recently stored" caches that earlier implementations
// of this kind of bridge keep as file-static globals.
package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/ristretto/v2"

	git "lab.nexedi.com/kirr/git-cinnabar-helper/internal/git"
	"lab.nexedi.com/kirr/git-cinnabar-helper/internal/xlog"
	"lab.nexedi.com/kirr/git-cinnabar-helper/heads"
	"lab.nexedi.com/kirr/git-cinnabar-helper/notes"
	"lab.nexedi.com/kirr/git-cinnabar-helper/oid"
	"lab.nexedi.com/kirr/git-cinnabar-helper/pack"
)

var log = xlog.Component("engine")

// Ref names for the two head sets and the two sentinel notes commits the
// external driver reseeds us from.
const (
	ChangesetsRef = "refs/cinnabar/changesets"
	ManifestsRef  = "refs/cinnabar/manifests"

	Hg2gitRef = "refs/cinnabar/hg2git"
	Git2hgRef = "refs/notes/cinnabar"
)

// Engine is the object-storage engine: every component it owns is a
// field here rather than a package-level global, so a process could in
// principle run more than one session (tests do exactly that).
type Engine struct {
	Config Config
	repo   *git.Repository

	packFile *os.File
	Window   *pack.Window
	Store    *pack.Store

	Hg2git    *notes.Tree
	Git2hg    *notes.Tree
	FilesMeta *notes.Tree

	ChangesetHeads *heads.Set
	ManifestHeads  *heads.Set

	Manifest *ManifestStore
	Files    *FileStore

	Shallow *ShallowTracker

	recent *ristretto.Cache[string, []byte]

	objectCount  int
	explicitDone bool
	packPath     string
}

// Open prepares a new Engine rooted at a bare or non-bare repository at
// repoPath, with a fresh packfile created under the repository's
// objects/pack directory (inside .git for a non-bare repository).
func Open(repoPath string, cfg Config) (*Engine, error) {
	repo, err := git.OpenRepository(repoPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open repository: %w", err)
	}
	return openWith(repo, repoPath, cfg)
}

func openWith(repo *git.Repository, repoPath string, cfg Config) (*Engine, error) {
	odb, err := repo.Odb()
	if err != nil {
		return nil, fmt.Errorf("engine: odb: %w", err)
	}

	packDir := filepath.Join(repo.Path(), "objects", "pack")
	if err := os.MkdirAll(packDir, 0755); err != nil {
		return nil, fmt.Errorf("engine: mkdir %s: %w", packDir, err)
	}
	f, err := os.CreateTemp(packDir, "tmp_pack_cinnabar_*.pack")
	if err != nil {
		return nil, fmt.Errorf("engine: create pack: %w", err)
	}

	window := pack.NewWindow(f, cfg.PackWindowSize)
	store, err := pack.NewStore(odb, window, 1, cfg.EntryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("engine: new store: %w", err)
	}

	recent, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 10000,
		MaxCost:     1 << 24, // 16MiB of recently-stored reference content
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: new recent-content cache: %w", err)
	}

	e := &Engine{
		Config:         cfg,
		repo:           repo,
		packFile:       f,
		Window:         window,
		Store:          store,
		Hg2git:         notes.New(repo, git.FilemodeCommit),
		Git2hg:         notes.New(repo, git.FilemodeBlob),
		FilesMeta:      notes.New(repo, git.FilemodeBlob),
		ChangesetHeads: heads.New(repo, ChangesetsRef),
		ManifestHeads:  heads.New(repo, ManifestsRef),
		Shallow:        NewShallowTracker(),
		recent:         recent,
		packPath:       f.Name(),
	}
	e.Manifest = NewManifestStore(e)
	e.Files = NewFileStore(e)
	return e, nil
}

// Repo exposes the underlying repository handle to components that need
// it directly (e.g. for LookupCommit when resolving hg2git targets).
func (e *Engine) Repo() *git.Repository { return e.repo }

// recentContent and cacheRecentContent back FileStore's delta-parent
// lookups with a bounded cache keyed by hg node hex, so a delta chain
// that keeps walking forward through recently stored revisions (the
// common case for a changegroup import) avoids a round trip into the
// odb for every single step; a chain that jumps back further than the
// cache's recency window simply falls through to the odb, same as
// before this cache existed.
func (e *Engine) recentContent(node oid.HgOid) ([]byte, bool) {
	return e.recent.Get(node.String())
}

func (e *Engine) cacheRecentContent(node oid.HgOid, content []byte) {
	e.recent.Set(node.String(), content, int64(len(content)))
}

// RecordStore increments the session's object counter; Close uses it to
// decide whether an empty pack should simply be discarded instead of
// finalized (scenario: `done` with no preceding store).
func (e *Engine) RecordStore() { e.objectCount++ }

// ObjectCount returns how many objects have been written this session.
func (e *Engine) ObjectCount() int { return e.objectCount }

// MarkDone records that `done` was received (the "explicit termination"
// flag). Nothing in this package reads the flag back.
func (e *Engine) MarkDone() { e.explicitDone = true }

// LookupHgOid resolves an HgOid through hg2git, returning the mapped
// GitOid, or UnknownDeltaParentError if unbound.
func (e *Engine) LookupHgOid(h oid.HgOid) (oid.GitOid, error) {
	o, ok, err := e.Hg2git.Get(h.Array())
	if err != nil {
		return oid.GitOid{}, err
	}
	if !ok {
		return oid.GitOid{}, &UnknownDeltaParentError{Node: h.String()}
	}
	return oid.GitFromLibgit2(o), nil
}

// BindHgToGit records node -> git in hg2git.
func (e *Engine) BindHgToGit(node oid.HgOid, git_ oid.GitOid) {
	e.Hg2git.Put(node.Array(), git_.AsLibgit2())
}

// Close flushes the notes trees, closes the pack (or discards it if
// nothing was ever stored), and releases the window. The head sets are
// not written out: neither head ref is created or updated.
// Close is idempotent-safe to call once after a successful session;
// Cleanup is for the abnormal-exit path.
func (e *Engine) Close() error {
	if e.objectCount == 0 {
		log.Debug("no objects stored this session, discarding empty pack")
		return e.Cleanup()
	}

	if _, err := e.Git2hg.Flush(); err != nil {
		return fmt.Errorf("engine: flush git2hg: %w", err)
	}
	if _, err := e.Hg2git.Flush(); err != nil {
		return fmt.Errorf("engine: flush hg2git: %w", err)
	}
	if _, err := e.FilesMeta.Flush(); err != nil {
		return fmt.Errorf("engine: flush files-meta: %w", err)
	}

	if err := e.Window.Close(); err != nil {
		return fmt.Errorf("engine: close window: %w", err)
	}
	if err := e.packFile.Close(); err != nil {
		return fmt.Errorf("engine: close pack file: %w", err)
	}

	if e.Config.CheckConnectivity {
		if err := e.checkConnectivity(); err != nil {
			return fmt.Errorf("engine: connectivity check: %w", err)
		}
	}

	if e.Shallow.NeedsRewrite() {
		log.WithField("boundaries", len(e.Shallow.Nodes())).Info("shallow boundary converted this session, caller should rewrite the shallow file")
	}

	log.WithField("objects", e.objectCount).Info("session closed")
	return nil
}

// Cleanup discards the partial pack without finalizing anything: used
// both for the zero-object `done` and for an abnormal exit.
func (e *Engine) Cleanup() error {
	_ = e.Window.Close()
	path := e.packFile.Name()
	_ = e.packFile.Close()
	return os.Remove(path)
}

// checkConnectivity is the fsck-equivalent self check: every head in
// both head sets must exist in the odb. The object's type and its
// reachable trees are not examined.
func (e *Engine) checkConnectivity() error {
	odb, err := e.repo.Odb()
	if err != nil {
		return err
	}
	for _, set := range []*heads.Set{e.ChangesetHeads, e.ManifestHeads} {
		for _, h := range set.Elements() {
			if !odb.Exists(h.AsLibgit2()) {
				return fmt.Errorf("engine: head %s missing from object database", h)
			}
		}
	}
	return nil
}
