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
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	git "lab.nexedi.com/kirr/git-cinnabar-helper/internal/git"
	"lab.nexedi.com/kirr/git-cinnabar-helper/oid"
	"lab.nexedi.com/kirr/git-cinnabar-helper/revchunk"
)

func mustParseGit(t *testing.T, hex string) oid.GitOid {
	t.Helper()
	o, err := oid.ParseGit(hex)
	require.NoError(t, err)
	return o
}

// commitTreeOid extracts the "tree <40-hex>" line emitted at the top of
// every commit object written by ManifestStore.emitCommit.
func commitTreeOid(t *testing.T, eng *Engine, commitOid oid.GitOid) oid.GitOid {
	t.Helper()
	odb, err := eng.Repo().Odb()
	require.NoError(t, err)
	obj, err := odb.Read(commitOid.AsLibgit2())
	require.NoError(t, err)
	text := string(obj.Data())
	require.True(t, strings.HasPrefix(text, "tree "))
	hexPart := text[len("tree ") : len("tree ")+40]
	treeOid, err := oid.ParseGit(hexPart)
	require.NoError(t, err)
	return treeOid
}

// S3 — Manifest single-file: one diff inserting "a\0<40hex>\n" produces a
// tree with one gitlink entry "_a" pointing at that 40-hex value, and the
// resulting commit's node is added to the manifest heads set.
func TestScenarioS3ManifestSingleFile(t *testing.T) {
	eng := newTestEngine(t)
	node := hexHg(t, "4444444444444444444444444444444444444444")
	target := "1234567890123456789012345678901234567890"

	line := append(append([]byte("a\x00"), []byte(target)...), '\n')
	commitOid, err := eng.Manifest.Store(&revchunk.Chunk{
		Node:      node,
		DeltaNode: oid.HgOid{},
		Diffs:     []revchunk.Diff{{Start: 0, End: 0, Data: line}},
	})
	require.NoError(t, err)

	commit, err := eng.Repo().LookupCommit(commitOid.AsLibgit2())
	require.NoError(t, err)
	tree, err := commit.Tree()
	require.NoError(t, err)

	entry := tree.EntryByName("_a")
	require.NotNil(t, entry)
	require.Equal(t, git.Filemode(0160644), entry.Filemode)
	require.Equal(t, target, entry.Id.String())

	require.True(t, eng.ManifestHeads.Contains(commitOid))
}

// S4 — Manifest removal then add at same offset: a chunk whose two diffs
// both address the same byte range (one rewriting it, one clearing it)
// must apply the addition *after* the removal, per §4.6.a's two-pass
// rationale, leaving the entry bound to the value from the earlier diff.
func TestScenarioS4ManifestRemoveThenAddSameOffset(t *testing.T) {
	eng := newTestEngine(t)
	first := hexHg(t, "5555555555555555555555555555555555555555")
	second := hexHg(t, "6666666666666666666666666666666666666666")
	targetA := "1111111111111111111111111111111111111111"

	lineA := append(append([]byte("a\x00"), []byte(targetA)...), '\n')
	_, err := eng.Manifest.Store(&revchunk.Chunk{
		Node:      first,
		DeltaNode: oid.HgOid{},
		Diffs:     []revchunk.Diff{{Start: 0, End: 0, Data: lineA}},
	})
	require.NoError(t, err)

	commitOid, err := eng.Manifest.Store(&revchunk.Chunk{
		Node:      second,
		DeltaNode: first,
		Diffs: []revchunk.Diff{
			{Start: 0, End: uint32(len(lineA)), Data: lineA},
			{Start: 0, End: uint32(len(lineA)), Data: nil},
		},
	})
	require.NoError(t, err)

	commit, err := eng.Repo().LookupCommit(commitOid.AsLibgit2())
	require.NoError(t, err)
	tree, err := commit.Tree()
	require.NoError(t, err)

	entry := tree.EntryByName("_a")
	require.NotNil(t, entry, "addition must survive the same-offset removal that precedes it")
	require.Equal(t, targetA, entry.Id.String())
}

// The text-rebuild and tree-walk strategies must produce identical tree
// oids for the same input, including the remove-then-add-at-the-same-offset
// shape from S4: a chunk that the tree-walk strategy's byte-counting walk
// could otherwise reject as "out of order" must be accepted the same way
// the text-rebuild strategy accepts it.
func TestManifestStrategiesAgreeOnSameOffsetRemoveThenAdd(t *testing.T) {
	first := hexHg(t, "7777777777777777777777777777777777777777")
	second := hexHg(t, "8888888888888888888888888888888888888888")
	target := "2222222222222222222222222222222222222222"
	line := append(append([]byte("a\x00"), []byte(target)...), '\n')

	run := func(strategy ManifestStrategy) oid.GitOid {
		cfg := DefaultConfig()
		cfg.ManifestStrategy = strategy
		dir := t.TempDir()
		_, err := git.InitRepository(dir, true)
		require.NoError(t, err)
		eng, err := Open(dir, cfg)
		require.NoError(t, err)
		t.Cleanup(func() {
			if eng.packFile != nil {
				_ = eng.Cleanup()
			}
		})

		_, err = eng.Manifest.Store(&revchunk.Chunk{
			Node:      first,
			DeltaNode: oid.HgOid{},
			Diffs:     []revchunk.Diff{{Start: 0, End: 0, Data: line}},
		})
		require.NoError(t, err)

		commitOid, err := eng.Manifest.Store(&revchunk.Chunk{
			Node:      second,
			DeltaNode: first,
			Diffs: []revchunk.Diff{
				{Start: 0, End: uint32(len(line)), Data: line},
				{Start: 0, End: uint32(len(line)), Data: nil},
			},
		})
		require.NoError(t, err)

		return commitTreeOid(t, eng, commitOid)
	}

	rebuildTree := run(StrategyTextRebuild)
	treewalkTree := run(StrategyTreeWalk)
	require.Equal(t, rebuildTree, treewalkTree, "both manifest strategies must yield the same tree for identical input")
}

// With Config.CheckManifests set, a well-formed chunk sequence must
// still store cleanly: the round-trip check comparing the mirror's
// re-encoded text against the diffs' own reconstruction is a no-op
// when nothing is wrong.
func TestManifestCheckManifestsPassesOnValidInput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckManifests = true
	dir := t.TempDir()
	_, err := git.InitRepository(dir, true)
	require.NoError(t, err)
	eng, err := Open(dir, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		if eng.packFile != nil {
			_ = eng.Cleanup()
		}
	})

	node := hexHg(t, "4444444444444444444444444444444444444444")
	target := "1234567890123456789012345678901234567890"
	line := append(append([]byte("a\x00"), []byte(target)...), '\n')

	_, err = eng.Manifest.Store(&revchunk.Chunk{
		Node:      node,
		DeltaNode: oid.HgOid{},
		Diffs:     []revchunk.Diff{{Start: 0, End: 0, Data: line}},
	})
	require.NoError(t, err)
}

// The round-trip check must actually fire when the mirror and the
// reconstructed text disagree, not just pass through silently.
func TestManifestCheckManifestsCatchesMismatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckManifests = true
	dir := t.TempDir()
	_, err := git.InitRepository(dir, true)
	require.NoError(t, err)
	eng, err := Open(dir, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		if eng.packFile != nil {
			_ = eng.Cleanup()
		}
	})

	node := hexHg(t, "4444444444444444444444444444444444444444")
	target := "1234567890123456789012345678901234567890"
	line := append(append([]byte("a\x00"), []byte(target)...), '\n')

	_, err = eng.Manifest.Store(&revchunk.Chunk{
		Node:      node,
		DeltaNode: oid.HgOid{},
		Diffs:     []revchunk.Diff{{Start: 0, End: 0, Data: line}},
	})
	require.NoError(t, err)

	// Corrupt the mirror directly, bypassing the normal diff-applying
	// path, to simulate the mirror and the textual reconstruction
	// falling out of sync.
	eng.Manifest.mirror.insert("b", modeRegular, mustParseGit(t, target))

	_, err = eng.Manifest.Store(&revchunk.Chunk{
		Node:      hexHg(t, "5555555555555555555555555555555555555555"),
		DeltaNode: node,
		Diffs:     []revchunk.Diff{{Start: 0, End: uint32(len(line)), Data: line}},
	})
	require.Error(t, err)
}

// The tree-walk strategy's byte-counting walk must size an entry by its
// full path, not just its leaf name: a nested entry's ancestor directory
// components contribute bytes to the textual manifest form too. This
// mirrors S4's remove-then-add shape one level down, where the second
// chunk's diff offsets only land on entry boundaries if the first entry
// ("dir/a.txt") is sized as 51 bytes, not the 47 a leaf-only length
// would give it.
func TestManifestTreeWalkNestedPathByteOffsets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ManifestStrategy = StrategyTreeWalk
	dir := t.TempDir()
	_, err := git.InitRepository(dir, true)
	require.NoError(t, err)
	eng, err := Open(dir, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		if eng.packFile != nil {
			_ = eng.Cleanup()
		}
	})

	first := hexHg(t, "9999999999999999999999999999999999999999")
	second := hexHg(t, "8888888888888888888888888888888888888888")
	hexA := "1111111111111111111111111111111111111111"
	hexB := "2222222222222222222222222222222222222222"
	hexC := "3333333333333333333333333333333333333333"

	line1 := append(append([]byte("dir/a.txt\x00"), []byte(hexA)...), '\n')
	line2 := append(append([]byte("z.txt\x00"), []byte(hexB)...), '\n')
	text := append(append([]byte{}, line1...), line2...)

	_, err = eng.Manifest.Store(&revchunk.Chunk{
		Node:      first,
		DeltaNode: oid.HgOid{},
		Diffs:     []revchunk.Diff{{Start: 0, End: 0, Data: text}},
	})
	require.NoError(t, err)

	newLine2 := append(append([]byte("z.txt\x00"), []byte(hexC)...), '\n')
	commitOid, err := eng.Manifest.Store(&revchunk.Chunk{
		Node:      second,
		DeltaNode: first,
		Diffs: []revchunk.Diff{
			{Start: uint32(len(line1)), End: uint32(len(text)), Data: newLine2},
		},
	})
	require.NoError(t, err)

	treeOid := commitTreeOid(t, eng, commitOid)
	tree, err := eng.Repo().LookupTree(treeOid.AsLibgit2())
	require.NoError(t, err)

	dirEntry := tree.EntryByName("_dir")
	require.NotNil(t, dirEntry, "dir/a.txt must survive the edit to the unrelated z.txt entry")
	subTree, err := eng.Repo().LookupTree(dirEntry.Id)
	require.NoError(t, err)
	aEntry := subTree.EntryByName("_a.txt")
	require.NotNil(t, aEntry)
	require.Equal(t, hexA, aEntry.Id.String())

	zEntry := tree.EntryByName("_z.txt")
	require.NotNil(t, zEntry)
	require.Equal(t, hexC, zEntry.Id.String())
}
