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

package engine

import (
	"bytes"
	"fmt"

	git "lab.nexedi.com/kirr/git-cinnabar-helper/internal/git"
	"lab.nexedi.com/kirr/git-cinnabar-helper/oid"
	"lab.nexedi.com/kirr/git-cinnabar-helper/revchunk"
)

// ManifestStore applies manifest revision diffs, keeps an in-memory tree
// mirror of the manifest, and emits a Git commit pointing at that tree
// for every incoming revision.
type ManifestStore struct {
	eng *Engine

	mirror   *dirNode
	prevText []byte // manifest text of prevNode, kept under both strategies; only text-rebuild reads it
	prevNode oid.HgOid
	loaded   bool
}

// NewManifestStore creates an empty, unloaded manifest store; the mirror
// is materialized lazily on first Store call.
func NewManifestStore(eng *Engine) *ManifestStore {
	return &ManifestStore{eng: eng, mirror: newDirNode()}
}

// Store applies chunk against the manifest mirror (reloading it first if
// chunk's delta parent does not match the last processed node), emits
// the resulting Git commit, records chunk.Node -> commit in hg2git, and
// adds the commit to the manifest heads set.
func (m *ManifestStore) Store(chunk *revchunk.Chunk) (oid.GitOid, error) {
	if err := m.ensureMirrorFor(chunk.DeltaNode); err != nil {
		return oid.GitOid{}, err
	}

	var newText []byte
	var err error
	switch m.eng.Config.ManifestStrategy {
	case StrategyTreeWalk:
		newText, err = m.applyTreeWalk(chunk.Diffs)
	default:
		newText, err = m.applyTextRebuild(chunk.Diffs)
	}
	if err != nil {
		return oid.GitOid{}, err
	}

	m.prevText = newText
	m.prevNode = chunk.Node

	if m.eng.Config.CheckManifests {
		if err := m.checkRoundTrip(newText); err != nil {
			return oid.GitOid{}, err
		}
	}

	treeOid, err := m.mirror.buildTree(m.eng.Repo())
	if err != nil {
		return oid.GitOid{}, fmt.Errorf("engine: manifest build tree: %w", err)
	}

	commitOid, err := m.emitCommit(treeOid, chunk)
	if err != nil {
		return oid.GitOid{}, err
	}

	m.eng.BindHgToGit(chunk.Node, commitOid)
	if err := m.eng.ManifestHeads.Add(commitOid); err != nil {
		return oid.GitOid{}, fmt.Errorf("engine: manifest heads add: %w", err)
	}
	return commitOid, nil
}

// checkRoundTrip re-encodes the manifest mirror just mutated by the
// current chunk back to Mercurial textual form and compares it
// byte-for-byte against the text the diffs produced, gated on
// Config.CheckManifests the same way checkConnectivity is gated on
// Config.CheckConnectivity: if the mirror and the textual
// reconstruction ever disagree, every delta built against this node's
// manifest from here on is corrupt. Under the tree-walk strategy the
// produced text is itself the mirror's re-encoding, so the check always
// passes there.
func (m *ManifestStore) checkRoundTrip(want []byte) error {
	got := m.mirror.encodeToText("")
	if !bytes.Equal(got, want) {
		return fmt.Errorf("engine: manifest round-trip check failed for %s: mirror re-encodes to %d bytes, want %d", m.prevNode, len(got), len(want))
	}
	return nil
}

// ensureMirrorFor makes sure the in-memory mirror reflects deltaNode's
// manifest, reloading from its stored tree if this is not a continuation
// of the previously processed chunk.
func (m *ManifestStore) ensureMirrorFor(deltaNode oid.HgOid) error {
	if m.loaded && deltaNode == m.prevNode {
		return nil
	}
	if deltaNode.IsNull() {
		m.mirror = newDirNode()
		m.prevText = nil
		m.prevNode = deltaNode
		m.loaded = true
		return nil
	}

	parentCommit, err := m.eng.LookupHgOid(deltaNode)
	if err != nil {
		return err
	}
	tree, err := m.loadTreeAsMirror(parentCommit)
	if err != nil {
		return err
	}
	m.mirror = tree
	m.prevText = tree.encodeToText("")
	m.prevNode = deltaNode
	m.loaded = true
	return nil
}

// loadTreeAsMirror reconstructs a dirNode mirror from the tree of the
// Git commit stored for a manifest node, recursively.
func (m *ManifestStore) loadTreeAsMirror(commitOid oid.GitOid) (*dirNode, error) {
	commit, err := m.eng.Repo().LookupCommit(commitOid.AsLibgit2())
	if err != nil {
		return nil, fmt.Errorf("engine: lookup manifest commit %s: %w", commitOid, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}
	return m.loadSubtree(tree)
}

func (m *ManifestStore) loadSubtree(tree *git.Tree) (*dirNode, error) {
	d := newDirNode()
	n := tree.EntryCount()
	for i := uint64(0); i < n; i++ {
		te := tree.EntryByIndex(i)
		if te.Filemode == git.FilemodeTree {
			subTree, err := m.eng.Repo().LookupTree(te.Id)
			if err != nil {
				return nil, err
			}
			sub, err := m.loadSubtree(subTree)
			if err != nil {
				return nil, err
			}
			d.entries.ReplaceOrInsert(&mirrorEntry{name: te.Name, mode: git.FilemodeTree, dir: sub})
		} else {
			d.entries.ReplaceOrInsert(&mirrorEntry{
				name:   te.Name,
				mode:   te.Filemode,
				target: oid.GitFromLibgit2(te.Id),
			})
		}
	}
	return d, nil
}

// emitCommit writes the literal byte layout a manifest commit must have:
// changing any of it (including the double space after author/committer,
// the fixed epoch timestamp, or the absence of a trailing newline after
// the hg hex) alters the Git commit hash and breaks round-trip identity.
func (m *ManifestStore) emitCommit(treeOid *git.Oid, chunk *revchunk.Chunk) (oid.GitOid, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", treeOid.String())

	if !chunk.Parent1.IsNull() {
		p1, err := m.eng.LookupHgOid(chunk.Parent1)
		if err != nil {
			return oid.GitOid{}, err
		}
		fmt.Fprintf(&buf, "parent %s\n", p1.String())
	}
	if !chunk.Parent2.IsNull() {
		p2, err := m.eng.LookupHgOid(chunk.Parent2)
		if err != nil {
			return oid.GitOid{}, err
		}
		fmt.Fprintf(&buf, "parent %s\n", p2.String())
	}

	buf.WriteString("author  <cinnabar@git> 0 +0000\n")
	buf.WriteString("committer  <cinnabar@git> 0 +0000\n")
	buf.WriteString("\n")
	buf.WriteString(chunk.Node.String())

	gid, err := m.eng.Store.WriteObject(buf.Bytes(), git.ObjectCommit)
	if err != nil {
		return oid.GitOid{}, fmt.Errorf("engine: write manifest commit: %w", err)
	}
	m.eng.RecordStore()
	return gid, nil
}
