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

// Package gittest provides the one piece of scaffolding every package's
// tests need: a throwaway bare repository, initialized directly through
// git2go the same way cmd/git-cinnabar-helper provisions a real one,
// instead of shelling out to a `git` subprocess.
package gittest

import (
	"testing"

	git "lab.nexedi.com/kirr/git-cinnabar-helper/internal/git"
)

// NewRepo creates a bare repository under a t.TempDir() and returns it;
// cleanup is automatic via t.Cleanup/TempDir, matching the rest of this
// module's tests.
func NewRepo(t *testing.T) *git.Repository {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.InitRepository(dir, true)
	if err != nil {
		t.Fatalf("gittest: init repository: %v", err)
	}
	return repo
}

// Blob writes data as a blob and returns its oid, failing the test on
// error; a convenience for tests that need an arbitrary real object to
// point at.
func Blob(t *testing.T, repo *git.Repository, data []byte) *git.Oid {
	t.Helper()
	odb, err := repo.Odb()
	if err != nil {
		t.Fatalf("gittest: odb: %v", err)
	}
	id, err := odb.Write(data, git.ObjectBlob)
	if err != nil {
		t.Fatalf("gittest: write blob: %v", err)
	}
	return id
}

// Commit writes a minimal commit object pointing at treeID with the
// given parents and message, and returns its oid.
func Commit(t *testing.T, repo *git.Repository, treeID *git.Oid, parents []*git.Oid, message string) *git.Oid {
	t.Helper()
	odb, err := repo.Odb()
	if err != nil {
		t.Fatalf("gittest: odb: %v", err)
	}
	var buf []byte
	buf = append(buf, "tree "+treeID.String()+"\n"...)
	for _, p := range parents {
		buf = append(buf, "parent "+p.String()+"\n"...)
	}
	buf = append(buf, "author  <t@t> 0 +0000\n"...)
	buf = append(buf, "committer  <t@t> 0 +0000\n"...)
	buf = append(buf, "\n"...)
	buf = append(buf, message...)
	id, err := odb.Write(buf, git.ObjectCommit)
	if err != nil {
		t.Fatalf("gittest: write commit: %v", err)
	}
	return id
}

// EmptyTree returns the oid of an empty tree, written fresh into repo.
func EmptyTree(t *testing.T, repo *git.Repository) *git.Oid {
	t.Helper()
	tb, err := repo.NewTreeBuilder()
	if err != nil {
		t.Fatalf("gittest: tree builder: %v", err)
	}
	id, err := tb.Write()
	if err != nil {
		t.Fatalf("gittest: write empty tree: %v", err)
	}
	return id
}
