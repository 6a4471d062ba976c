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

// Package notes implements the fanned-out persistent key->oid mapping
// used for the hg2git and git2hg tables: a Git tree of trees, keyed by
// the leading hex digits of a 20-byte key, so that each directory holds
// about 1/256th of the keys.
package notes

import (
	"encoding/hex"
	"fmt"

	git "lab.nexedi.com/kirr/git-cinnabar-helper/internal/git"
	"lab.nexedi.com/kirr/git-cinnabar-helper/internal/xlog"
	"lab.nexedi.com/kirr/git-cinnabar-helper/internal/xstrings"
)

var log = xlog.Component("notes")

// fanoutWidth is the number of leading hex characters (one byte) used as
// the first-level directory name; the remaining 38 hex characters name
// the leaf entry. A single fanout level splits the keys over 256
// directories, the same fanout git's own .git/objects/XX layout uses.
const fanoutWidth = 2

type pendingEntry struct {
	oid     *git.Oid
	removed bool
}

// Tree is one persistent fanned-out mapping. valueMode controls the file
// mode recorded for leaf entries: FilemodeCommit (gitlink) for hg2git,
// so that Git accepts values that are not real blobs or trees, and
// FilemodeBlob for git2hg, whose values are oids of metadata blobs.
type Tree struct {
	repo      *git.Repository
	valueMode git.Filemode

	root    *git.Oid
	pending map[string]*pendingEntry
	dirty   bool
}

// New creates an empty notes tree over repo, with no root; Get, Put and
// Flush work on it directly. Reset re-seeds it from the tree oid of a
// previously written root.
func New(repo *git.Repository, valueMode git.Filemode) *Tree {
	return &Tree{repo: repo, valueMode: valueMode, pending: make(map[string]*pendingEntry)}
}

// Reset re-seeds the tree from root (the tree object a sentinel ref's
// commit points to), discarding any pending unflushed writes. Passing
// nil starts a fresh, empty tree.
func (t *Tree) Reset(root *git.Oid) {
	t.root = root
	t.pending = make(map[string]*pendingEntry)
	t.dirty = false
}

// Dirty reports whether there are writes not yet reflected in a flushed
// root oid.
func (t *Tree) Dirty() bool { return t.dirty }

// keyHex hex-encodes key without the extra allocation hex.EncodeToString
// would add on this hot path (every Get/Put/Remove call).
func keyHex(key [20]byte) string {
	var buf [40]byte
	hex.Encode(buf[:], key[:])
	return xstrings.String(buf[:])
}

func split(hexKey string) (dir, leaf string) {
	return hexKey[:fanoutWidth], hexKey[fanoutWidth:]
}

// Get returns the value bound to key, or ok=false if unbound.
func (t *Tree) Get(key [20]byte) (oidOut *git.Oid, ok bool, err error) {
	hexKey := keyHex(key)
	if p, exists := t.pending[hexKey]; exists {
		if p.removed {
			return nil, false, nil
		}
		return p.oid, true, nil
	}
	if t.root == nil {
		return nil, false, nil
	}

	top, err := t.repo.LookupTree(t.root)
	if err != nil {
		return nil, false, err
	}
	dir, leaf := split(hexKey)
	dirEntry := top.EntryByName(dir)
	if dirEntry == nil {
		return nil, false, nil
	}
	sub, err := t.repo.LookupTree(dirEntry.Id)
	if err != nil {
		return nil, false, err
	}
	leafEntry := sub.EntryByName(leaf)
	if leafEntry == nil {
		return nil, false, nil
	}
	return leafEntry.Id, true, nil
}

// Put binds key to value, to be reflected the next time Flush runs.
func (t *Tree) Put(key [20]byte, value *git.Oid) {
	t.pending[keyHex(key)] = &pendingEntry{oid: value}
	t.dirty = true
}

// Remove unbinds key, to be reflected the next time Flush runs.
func (t *Tree) Remove(key [20]byte) {
	t.pending[keyHex(key)] = &pendingEntry{removed: true}
	t.dirty = true
}

// Flush writes out a new tree object reflecting every pending Put/Remove
// since the last Reset or Flush, returning its oid. Directories with no
// pending change are left untouched (their existing subtree oid is
// reused as-is); only directories that received at least one change get
// a rebuilt subtree.
func (t *Tree) Flush() (*git.Oid, error) {
	if len(t.pending) == 0 {
		if t.root != nil {
			return t.root, nil
		}
		return git.EmptyTreeOid(), nil
	}

	byDir := make(map[string]map[string]*pendingEntry)
	for hexKey, p := range t.pending {
		dir, leaf := split(hexKey)
		if byDir[dir] == nil {
			byDir[dir] = make(map[string]*pendingEntry)
		}
		byDir[dir][leaf] = p
	}

	var top *git.Tree
	if t.root != nil {
		var err error
		top, err = t.repo.LookupTree(t.root)
		if err != nil {
			return nil, err
		}
	}

	var topBuilder *git.TreeBuilder
	var err error
	if top != nil {
		topBuilder, err = t.repo.NewTreeBuilderFromTree(top)
	} else {
		topBuilder, err = t.repo.NewTreeBuilder()
	}
	if err != nil {
		return nil, err
	}

	for dir, leaves := range byDir {
		var subTree *git.Tree
		if top != nil {
			if dirEntry := top.EntryByName(dir); dirEntry != nil {
				subTree, err = t.repo.LookupTree(dirEntry.Id)
				if err != nil {
					return nil, err
				}
			}
		}

		var subBuilder *git.TreeBuilder
		if subTree != nil {
			subBuilder, err = t.repo.NewTreeBuilderFromTree(subTree)
		} else {
			subBuilder, err = t.repo.NewTreeBuilder()
		}
		if err != nil {
			return nil, err
		}

		nonEmpty := subTree != nil
		for leaf, p := range leaves {
			if p.removed {
				if err := subBuilder.Remove(leaf); err != nil {
					return nil, fmt.Errorf("notes: remove %s/%s: %w", dir, leaf, err)
				}
				continue
			}
			if err := subBuilder.Insert(leaf, p.oid, t.valueMode); err != nil {
				return nil, fmt.Errorf("notes: insert %s/%s: %w", dir, leaf, err)
			}
			nonEmpty = true
		}

		if !nonEmpty {
			if subTree != nil {
				if err := topBuilder.Remove(dir); err != nil {
					return nil, err
				}
			}
			continue
		}

		subOid, err := subBuilder.Write()
		if err != nil {
			return nil, err
		}
		if err := topBuilder.Insert(dir, subOid, git.FilemodeTree); err != nil {
			return nil, fmt.Errorf("notes: insert fanout dir %s: %w", dir, err)
		}
	}

	rootOid, err := topBuilder.Write()
	if err != nil {
		return nil, err
	}
	t.root = rootOid
	t.pending = make(map[string]*pendingEntry)
	t.dirty = false
	log.WithField("root", rootOid.String()).Debug("flushed")
	return rootOid, nil
}
