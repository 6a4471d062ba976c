// Copyright (C) 2015-2025  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

// Package oid holds the two 20-byte identifier spaces the engine works
// with: Mercurial node ids (HgOid) and Git object hashes (GitOid). They
// are never interchangeable despite being the same shape, so they get
// distinct Go types instead of a single shared Sha1 type.
package oid

import (
	"bytes"
	"encoding/hex"
	"fmt"

	git "lab.nexedi.com/kirr/git-cinnabar-helper/internal/git"
)

const RawSize = 20

// HgOid is a Mercurial revlog node id.
type HgOid struct {
	v [RawSize]byte
}

// GitOid is a Git object hash (SHA-1).
type GitOid struct {
	v [RawSize]byte
}

var _ fmt.Stringer = HgOid{}
var _ fmt.Stringer = GitOid{}

func (h HgOid) String() string  { return hex.EncodeToString(h.v[:]) }
func (g GitOid) String() string { return hex.EncodeToString(g.v[:]) }

func (h HgOid) Bytes() []byte  { return h.v[:] }
func (g GitOid) Bytes() []byte { return g.v[:] }

// Array exposes the raw bytes as a fixed-size array, for APIs (such as
// the notes fanout tree) that key on [20]byte rather than on the
// distinct HgOid/GitOid types themselves.
func (h HgOid) Array() [RawSize]byte  { return h.v }
func (g GitOid) Array() [RawSize]byte { return g.v }

func (h HgOid) IsNull() bool  { return h == HgOid{} }
func (g GitOid) IsNull() bool { return g == GitOid{} }

func ParseHg(s string) (HgOid, error) {
	v, err := parse(s)
	return HgOid{v}, err
}

func ParseGit(s string) (GitOid, error) {
	v, err := parse(s)
	return GitOid{v}, err
}

func HgFromBytes(b []byte) (HgOid, error) {
	v, err := fromBytes(b)
	return HgOid{v}, err
}

func GitFromBytes(b []byte) (GitOid, error) {
	v, err := fromBytes(b)
	return GitOid{v}, err
}

// GitFromLibgit2 converts a *git.Oid, as returned by the underlying
// object-database layer, into our GitOid.
func GitFromLibgit2(o *git.Oid) GitOid {
	var g GitOid
	copy(g.v[:], o[:])
	return g
}

func (g GitOid) AsLibgit2() *git.Oid {
	var o git.Oid
	copy(o[:], g.v[:])
	return &o
}

func parse(s string) ([RawSize]byte, error) {
	var v [RawSize]byte
	if hex.DecodedLen(len(s)) != RawSize {
		return v, fmt.Errorf("oid: %q invalid: wrong length", s)
	}
	_, err := hex.Decode(v[:], []byte(s))
	if err != nil {
		return v, fmt.Errorf("oid: %q invalid: %w", s, err)
	}
	return v, nil
}

func fromBytes(b []byte) ([RawSize]byte, error) {
	var v [RawSize]byte
	if len(b) != RawSize {
		return v, fmt.Errorf("oid: raw value has %d bytes, want %d", len(b), RawSize)
	}
	copy(v[:], b)
	return v, nil
}

// ByHg/ByGit ordering, shared by both oid spaces via a plain byte compare.

type ByHg []HgOid

func (p ByHg) Len() int           { return len(p) }
func (p ByHg) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p ByHg) Less(i, j int) bool { return bytes.Compare(p[i].v[:], p[j].v[:]) < 0 }

type ByGit []GitOid

func (p ByGit) Len() int           { return len(p) }
func (p ByGit) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p ByGit) Less(i, j int) bool { return bytes.Compare(p[i].v[:], p[j].v[:]) < 0 }

// CompareGit orders two GitOids, for use as a gods/btree comparator.
func CompareGit(a, b GitOid) int {
	return bytes.Compare(a.v[:], b.v[:])
}

// CompareHg orders two HgOids the same way.
func CompareHg(a, b HgOid) int {
	return bytes.Compare(a.v[:], b.v[:])
}
