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
	"fmt"
	"sort"
	"strings"

	"github.com/google/btree"

	git "lab.nexedi.com/kirr/git-cinnabar-helper/internal/git"
	"lab.nexedi.com/kirr/git-cinnabar-helper/oid"
)

// Gitlink-shaped modes used for manifest mirror leaf entries: a manifest
// entry's value is the 20-byte Mercurial file-revision node id itself,
// not a real Git object, so every leaf (regular, executable, or symlink)
// is written with a gitlink-family mode that makes Git accept an
// arbitrary 20-byte value without dereferencing it.
const (
	modeRegular    git.Filemode = 0160644
	modeExecutable git.Filemode = 0160755
	modeSymlink    git.Filemode = 0160000
)

func modeForAttr(attr byte) (git.Filemode, error) {
	switch attr {
	case 0:
		return modeRegular, nil
	case 'x':
		return modeExecutable, nil
	case 'l':
		return modeSymlink, nil
	default:
		return 0, &MalformedChunkError{Reason: fmt.Sprintf("manifest attr byte %q not one of {0,'x','l'}", attr)}
	}
}

func attrForMode(mode git.Filemode) byte {
	switch mode {
	case modeExecutable:
		return 'x'
	case modeSymlink:
		return 'l'
	default:
		return 0
	}
}

// mirrorEntry is one entry of a directory in the manifest mirror: either
// a file leaf (dir == nil) holding the hg file node as its "oid", or a
// subdirectory (dir != nil; a mirror reloaded from a stored tree has
// every subdirectory loaded up front).
type mirrorEntry struct {
	name   string // underscore-prefixed path component
	mode   git.Filemode
	target oid.GitOid // meaningful only for leaves
	dir    *dirNode   // non-nil for directories

	// tree-walk strategy scratch fields
	deleted bool
}

func entryLess(a, b *mirrorEntry) bool { return a.name < b.name }

// dirNode is one directory of the manifest mirror tree: an ordered set
// of entries, kept sorted by name via a btree so depth-first name-sorted
// traversal (needed by the tree-walk strategy) is a plain ascend.
type dirNode struct {
	entries *btree.BTreeG[*mirrorEntry]
}

func newDirNode() *dirNode {
	return &dirNode{entries: btree.NewG(32, entryLess)}
}

func underscoreComponents(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = "_" + p
	}
	return out
}

// getDir walks components from root, creating missing subdirectories,
// and returns the directory that should directly contain the final
// component's leaf entry.
func (d *dirNode) getDir(components []string, create bool) *dirNode {
	cur := d
	for _, c := range components {
		key := &mirrorEntry{name: c}
		found, ok := cur.entries.Get(key)
		if !ok {
			if !create {
				return nil
			}
			found = &mirrorEntry{name: c, mode: git.FilemodeTree, dir: newDirNode()}
			cur.entries.ReplaceOrInsert(found)
		} else if found.dir == nil {
			// a file exists where a directory is expected; only
			// reachable from malformed input, caller validates.
			return nil
		}
		cur = found.dir
	}
	return cur
}

// insert adds or replaces the leaf entry at path.
func (d *dirNode) insert(path string, mode git.Filemode, target oid.GitOid) {
	components := underscoreComponents(path)
	dir := components[:len(components)-1]
	leaf := components[len(components)-1]
	parent := d.getDir(dir, true)
	parent.entries.ReplaceOrInsert(&mirrorEntry{name: leaf, mode: mode, target: target})
}

// remove deletes the leaf entry at path, if present; empty directories
// left behind are pruned so the tree-walk strategy's byte-counting walk
// and the final Git tree stay free of dangling empty subtrees.
func (d *dirNode) remove(path string) {
	components := underscoreComponents(path)
	d.removeAt(components)
}

func (d *dirNode) removeAt(components []string) bool {
	if len(components) == 1 {
		d.entries.Delete(&mirrorEntry{name: components[0]})
		return d.entries.Len() == 0
	}
	key := &mirrorEntry{name: components[0]}
	found, ok := d.entries.Get(key)
	if !ok || found.dir == nil {
		return false
	}
	if found.dir.removeAt(components[1:]) {
		d.entries.Delete(key)
	}
	return d.entries.Len() == 0
}

// buildTree recursively writes out Git tree objects for d and every
// subdirectory, returning the resulting tree oid.
func (d *dirNode) buildTree(repo *git.Repository) (*git.Oid, error) {
	tb, err := repo.NewTreeBuilder()
	if err != nil {
		return nil, err
	}
	var outerErr error
	d.entries.Ascend(func(e *mirrorEntry) bool {
		if e.dir != nil {
			subOid, err := e.dir.buildTree(repo)
			if err != nil {
				outerErr = err
				return false
			}
			outerErr = tb.Insert(e.name, subOid, git.FilemodeTree)
		} else {
			outerErr = tb.Insert(e.name, e.target.AsLibgit2(), e.mode)
		}
		return outerErr == nil
	})
	if outerErr != nil {
		return nil, outerErr
	}
	return tb.Write()
}

// textLineLen is the line-length formula: the entry's full, real
// (slash-joined, not underscore-prefixed) Mercurial path, plus a NUL
// separator, 40 hex digits, 1 attr byte if non-regular, and 1 trailing
// newline. Every ancestor directory component contributes to this
// length, not just the leaf's own name - a leaf two levels deep costs
// the bytes of both parent directory names plus their "/" separators,
// exactly as encodeToText would emit them.
func textLineLen(path string, mode git.Filemode) int {
	n := len(path) + 1 + 40 + 1
	if mode != modeRegular {
		n++
	}
	return n
}

// encodeToText reconstructs the Mercurial textual manifest form by
// walking the mirror depth-first in name-sorted order; used after a
// cache-miss reload, and by the round-trip self-check.
func (d *dirNode) encodeToText(prefixPath string) []byte {
	var out []byte
	d.entries.Ascend(func(e *mirrorEntry) bool {
		name := e.name[1:] // strip underscore
		var path string
		if prefixPath == "" {
			path = name
		} else {
			path = prefixPath + "/" + name
		}
		if e.dir != nil {
			out = append(out, e.dir.encodeToText(path)...)
			return true
		}
		out = append(out, path...)
		out = append(out, 0)
		out = append(out, []byte(e.target.String())...)
		if attr := attrForMode(e.mode); attr != 0 {
			out = append(out, attr)
		}
		out = append(out, '\n')
		return true
	})
	return out
}

type manifestLine struct {
	path string
	node oid.GitOid
	attr byte
}

// parseManifestText parses a Mercurial textual manifest (or a slice of
// one that happens to be line-aligned) into its entries, in on-disk
// order. Lines are "<path>\0<40-hex><attr?>\n".
func parseManifestText(text []byte) ([]manifestLine, error) {
	var lines []manifestLine
	for len(text) > 0 {
		nl := indexByte(text, '\n')
		if nl < 0 {
			return nil, &MalformedChunkError{Reason: "manifest text not newline-terminated"}
		}
		line := text[:nl]
		text = text[nl+1:]

		nul := indexByte(line, 0)
		if nul < 0 {
			return nil, &MalformedChunkError{Reason: "manifest line missing NUL path separator"}
		}
		path := string(line[:nul])
		rest := line[nul+1:]
		if len(rest) != 40 && len(rest) != 41 {
			return nil, &MalformedChunkError{Reason: fmt.Sprintf("manifest line %q has wrong hash+attr length", path)}
		}
		node, err := oid.ParseGit(string(rest[:40]))
		if err != nil {
			return nil, &InvalidShaError{Field: "manifest entry", Value: string(rest[:40])}
		}
		var attr byte
		if len(rest) == 41 {
			attr = rest[40]
		}
		lines = append(lines, manifestLine{path: path, node: node, attr: attr})
	}
	return lines, nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// sortLinesByPath sorts lines by path. Nothing in this package calls it:
// manifest text is taken in the order it arrives and never reordered.
func sortLinesByPath(lines []manifestLine) {
	sort.Slice(lines, func(i, j int) bool { return lines[i].path < lines[j].path })
}
