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

package pack

import (
	"testing"

	"github.com/stretchr/testify/require"

	git "lab.nexedi.com/kirr/git-cinnabar-helper/internal/git"
	"lab.nexedi.com/kirr/git-cinnabar-helper/internal/gittest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	repo := gittest.NewRepo(t)
	odb, err := repo.Odb()
	require.NoError(t, err)
	window := NewWindow(tempPackFile(t), 1<<10)
	store, err := NewStore(odb, window, 1, 0)
	require.NoError(t, err)
	return store
}

func TestStoreWellKnownEmptyObjects(t *testing.T) {
	s := newTestStore(t)
	require.Equal(t, "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391", s.EmptyBlob().String())
	require.Equal(t, "4b825dc642cb6eb9a060e54bf8d69288fbee4904", s.EmptyTree().String())
}

func TestStoreObjectRoundTrip(t *testing.T) {
	s := newTestStore(t)
	goid, err := s.StoreObject(git.ObjectBlob, []byte("hello\n"), nil)
	require.NoError(t, err)
	require.Equal(t, "ce013625030ba8dba906f756967f9e9ca394464a", goid.String())

	entry, ok := s.FindPackEntry(goid)
	require.True(t, ok)
	require.Equal(t, 0, entry.Depth)

	data, objType, err := s.UnpackEntry(entry)
	require.NoError(t, err)
	require.Equal(t, git.ObjectBlob, objType)
	require.Equal(t, "hello\n", string(data))
}

func TestStoreObjectDepthChainsThroughRef(t *testing.T) {
	s := newTestStore(t)
	base, err := s.StoreObject(git.ObjectBlob, []byte("base\n"), nil)
	require.NoError(t, err)
	baseEntry, _ := s.FindPackEntry(base)

	derived, err := s.StoreObject(git.ObjectBlob, []byte("derived\n"), baseEntry)
	require.NoError(t, err)
	derivedEntry, ok := s.FindPackEntry(derived)
	require.True(t, ok)
	require.Equal(t, 1, derivedEntry.Depth)
}

func TestFindPackEntryRejectsOlderGeneration(t *testing.T) {
	s := newTestStore(t)
	goid, err := s.StoreObject(git.ObjectBlob, []byte("gen1\n"), nil)
	require.NoError(t, err)
	s.generation = 2
	_, ok := s.FindPackEntry(goid)
	require.False(t, ok)
	// FindObject, unlike FindPackEntry, does not filter by generation.
	_, ok = s.FindObject(goid)
	require.True(t, ok)
}
