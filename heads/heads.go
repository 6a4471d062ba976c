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

// Package heads maintains a sorted set of current head commits for a ref
// such as the changeset or manifest namespace: as commits are added, any
// parent already present is removed and the new tip is inserted at its
// sorted position.
package heads

import (
	"strings"

	"github.com/emirpasic/gods/sets/treeset"

	git "lab.nexedi.com/kirr/git-cinnabar-helper/internal/git"
	"lab.nexedi.com/kirr/git-cinnabar-helper/internal/xlog"
	"lab.nexedi.com/kirr/git-cinnabar-helper/oid"
)

var log = xlog.Component("heads")

// FlatManifestSentinel is the first line of a manifest-head commit body
// that marks a tree produced by the legacy "flat manifest" encoding; its
// first parent is not itself a manifest head and must be skipped during
// initialization.
const FlatManifestSentinel = "has-flat-manifest-tree"

func oidComparator(a, b interface{}) int {
	return oid.CompareGit(a.(oid.GitOid), b.(oid.GitOid))
}

// Set is a sorted set of GitOid head commits. The zero value is not
// initialized; Add calls ensureInitialized to seed it from the ref tip on
// first use. Contains, Elements and Size read the set as it stands and
// do not seed it.
type Set struct {
	repo *git.Repository
	ref  string

	tree        *treeset.Set
	initialized bool
}

// New returns a head set backed by ref (e.g. "refs/cinnabar/changesets"),
// read lazily from repo on first use.
func New(repo *git.Repository, ref string) *Set {
	return &Set{
		repo: repo,
		ref:  ref,
		tree: treeset.NewWith(oidComparator),
	}
}

// ensureInitialized loads the set from the ref tip's commit the first
// time it is needed: each parent of that commit becomes a head, except
// the sentinel-tagged manifest commits' first parent.
func (s *Set) ensureInitialized() error {
	if s.initialized {
		return nil
	}
	s.initialized = true

	ref, err := s.repo.References.Lookup(s.ref)
	if err != nil {
		// a ref that does not exist yet simply starts with no heads
		return nil
	}
	commit, err := s.repo.LookupCommit(ref.Target())
	if err != nil {
		return err
	}

	skipFirst := strings.HasPrefix(commit.Message(), FlatManifestSentinel)
	n := commit.ParentCount()
	for i := uint(0); i < n; i++ {
		if i == 0 && skipFirst {
			continue
		}
		pid := commit.ParentId(i)
		s.tree.Add(oid.GitFromLibgit2(pid))
	}
	log.WithField("n", s.tree.Size()).Debug("heads initialized")
	return nil
}

// Add ensures the set is initialized, removes every parent of the commit
// identified by o that is currently present, and inserts o itself if not
// already present.
func (s *Set) Add(o oid.GitOid) error {
	if err := s.ensureInitialized(); err != nil {
		return err
	}

	commit, err := s.repo.LookupCommit(o.AsLibgit2())
	if err != nil {
		return err
	}
	n := commit.ParentCount()
	for i := uint(0); i < n; i++ {
		pid := oid.GitFromLibgit2(commit.ParentId(i))
		if s.tree.Contains(pid) {
			s.tree.Remove(pid)
		}
	}
	if !s.tree.Contains(o) {
		s.tree.Add(o)
	}
	return nil
}

// Contains reports whether o is currently a head.
func (s *Set) Contains(o oid.GitOid) bool {
	return s.tree.Contains(o)
}

// Elements returns the heads in strictly ascending oid order.
func (s *Set) Elements() []oid.GitOid {
	raw := s.tree.Values()
	out := make([]oid.GitOid, len(raw))
	for i, v := range raw {
		out[i] = v.(oid.GitOid)
	}
	return out
}

// Size returns the number of heads currently tracked.
func (s *Set) Size() int { return s.tree.Size() }
