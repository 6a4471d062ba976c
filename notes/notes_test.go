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

package notes

import (
	"testing"

	"github.com/stretchr/testify/require"

	git "lab.nexedi.com/kirr/git-cinnabar-helper/internal/git"
	"lab.nexedi.com/kirr/git-cinnabar-helper/internal/gittest"
)

func key(t *testing.T, b byte) [20]byte {
	t.Helper()
	var k [20]byte
	k[0] = b
	k[19] = 0x42
	return k
}

func TestTreeGetUnboundIsNotFound(t *testing.T) {
	repo := gittest.NewRepo(t)
	tr := New(repo, git.FilemodeBlob)
	_, ok, err := tr.Get(key(t, 1))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTreePutGetBeforeFlush(t *testing.T) {
	repo := gittest.NewRepo(t)
	tr := New(repo, git.FilemodeBlob)
	blob := gittest.Blob(t, repo, []byte("value\n"))

	tr.Put(key(t, 1), blob)
	require.True(t, tr.Dirty())

	got, ok, err := tr.Get(key(t, 1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, blob.String(), got.String())
}

func TestTreeFlushAndReopen(t *testing.T) {
	repo := gittest.NewRepo(t)
	tr := New(repo, git.FilemodeBlob)
	blobA := gittest.Blob(t, repo, []byte("a\n"))
	blobB := gittest.Blob(t, repo, []byte("b\n"))

	tr.Put(key(t, 0xaa), blobA)
	tr.Put(key(t, 0xbb), blobB)

	root, err := tr.Flush()
	require.NoError(t, err)
	require.False(t, tr.Dirty())

	// a fresh Tree reset from the flushed root must see the same bindings.
	tr2 := New(repo, git.FilemodeBlob)
	tr2.Reset(root)

	got, ok, err := tr2.Get(key(t, 0xaa))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, blobA.String(), got.String())

	got, ok, err = tr2.Get(key(t, 0xbb))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, blobB.String(), got.String())
}

func TestTreeRemoveAfterFlush(t *testing.T) {
	repo := gittest.NewRepo(t)
	tr := New(repo, git.FilemodeBlob)
	blob := gittest.Blob(t, repo, []byte("value\n"))
	tr.Put(key(t, 7), blob)
	_, err := tr.Flush()
	require.NoError(t, err)

	tr.Remove(key(t, 7))
	require.True(t, tr.Dirty())
	_, ok, err := tr.Get(key(t, 7))
	require.NoError(t, err)
	require.False(t, ok)

	root, err := tr.Flush()
	require.NoError(t, err)

	tr2 := New(repo, git.FilemodeBlob)
	tr2.Reset(root)
	_, ok, err = tr2.Get(key(t, 7))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTreeFlushWithNoPendingReturnsExistingRoot(t *testing.T) {
	repo := gittest.NewRepo(t)
	tr := New(repo, git.FilemodeBlob)
	root, err := tr.Flush()
	require.NoError(t, err)
	require.Equal(t, "4b825dc642cb6eb9a060e54bf8d69288fbee4904", root.String())

	root2, err := tr.Flush()
	require.NoError(t, err)
	require.Equal(t, root.String(), root2.String())
}

func TestTreeGitlinkValueMode(t *testing.T) {
	repo := gittest.NewRepo(t)
	tr := New(repo, git.FilemodeCommit)
	target := gittest.Commit(t, repo, gittest.EmptyTree(t, repo), nil, "x")
	tr.Put(key(t, 3), target)
	root, err := tr.Flush()
	require.NoError(t, err)

	top, err := repo.LookupTree(root)
	require.NoError(t, err)
	dirEntry := top.EntryByName(keyHex(key(t, 3))[:fanoutWidth])
	require.NotNil(t, dirEntry)
	require.Equal(t, git.FilemodeTree, dirEntry.Filemode)

	sub, err := repo.LookupTree(dirEntry.Id)
	require.NoError(t, err)
	leaf := sub.EntryByName(keyHex(key(t, 3))[fanoutWidth:])
	require.NotNil(t, leaf)
	require.Equal(t, git.FilemodeCommit, leaf.Filemode)
}
