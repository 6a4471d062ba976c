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
	"bytes"

	"github.com/klauspost/compress/zlib"
	lru "github.com/hashicorp/golang-lru/v2"

	git "lab.nexedi.com/kirr/git-cinnabar-helper/internal/git"
	"lab.nexedi.com/kirr/git-cinnabar-helper/oid"
)

// Store is an object-store driver: a thin adapter over the underlying
// object database (git2go's Odb here) that additionally maintains a
// Window so bytes belonging to the in-progress pack are cheaply
// re-readable, and an entry cache so lookups prefer the in-progress pack
// over a round-trip into the underlying odb.
//
// All failures here are fatal: callers raise through the engine's
// xerr-based error propagation rather than trying to recover.
type Store struct {
	odb    *git.Odb
	window *Window

	entries    *lru.Cache[oid.GitOid, *Entry]
	generation uint64

	emptyBlob oid.GitOid
	emptyTree oid.GitOid
}

// NewStore creates an ObjectStore driver over odb, backed by window, with
// an entry cache sized entryCacheSize (the dolthub/dolt-style bounded LRU
// that keeps find_object O(1) without retaining every entry for the life
// of a huge changegroup).
func NewStore(odb *git.Odb, window *Window, generation uint64, entryCacheSize int) (*Store, error) {
	if entryCacheSize <= 0 {
		entryCacheSize = 64 * 1024
	}
	cache, err := lru.New[oid.GitOid, *Entry](entryCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Store{odb: odb, window: window, entries: cache, generation: generation}

	eb, err := s.StoreObject(git.ObjectBlob, nil, nil)
	if err != nil {
		return nil, err
	}
	s.emptyBlob = eb

	et, err := s.StoreObject(git.ObjectTree, nil, nil)
	if err != nil {
		return nil, err
	}
	s.emptyTree = et

	return s, nil
}

// EmptyBlob returns the well-known empty blob oid, written at most once
// per session.
func (s *Store) EmptyBlob() oid.GitOid { return s.emptyBlob }

// EmptyTree returns the well-known empty tree oid.
func (s *Store) EmptyTree() oid.GitOid { return s.emptyTree }

// StoreObject writes data through the underlying odb and appends it to
// the current pack, whole and zlib-compressed; ref (a prior entry from
// the same pack) only sets the new entry's depth to ref.Depth+1. Neither
// write is delta-encoded against ref. What this method is responsible
// for is the identity (oid), the window bookkeeping, and the entry's
// depth chain.
func (s *Store) StoreObject(objType git.ObjectType, data []byte, ref *Entry) (oid.GitOid, error) {
	gid, err := s.odb.Write(data, objType)
	if err != nil {
		return oid.GitOid{}, err
	}
	goid := oid.GitFromLibgit2(gid)

	offset := s.window.Size()
	packed, err := encodeObjectBytes(objType, data)
	if err != nil {
		return goid, err
	}
	if _, err := s.window.Write(packed); err != nil {
		return goid, err
	}

	depth := 0
	if ref != nil {
		depth = ref.Depth + 1
	}
	entry := &Entry{Oid: goid, Offset: offset, Generation: s.generation, Depth: depth}
	s.entries.Add(goid, entry)
	return goid, nil
}

// WriteObject is a synchronous wrapper ignoring deltification: used for
// commits and trees, which are never delta bases for Mercurial content
// and so never need a `ref`.
func (s *Store) WriteObject(data []byte, objType git.ObjectType) (oid.GitOid, error) {
	return s.StoreObject(objType, data, nil)
}

// FindObject looks up oid among entries known to the in-progress pack
// first; callers fall back to the underlying object layer (e.g. a direct
// odb.Exists/odb.Read) when it returns false.
func (s *Store) FindObject(goid oid.GitOid) (*Entry, bool) {
	return s.entries.Get(goid)
}

// FindPackEntry restricts the lookup to just the current pack generation,
// returning the cached offset from the entry map rather than an on-disk
// idx, which does not exist until the pack is finalized.
func (s *Store) FindPackEntry(goid oid.GitOid) (*Entry, bool) {
	e, ok := s.entries.Get(goid)
	if !ok || e.Generation != s.generation {
		return nil, false
	}
	return e, true
}

// UnpackEntry reads back the raw bytes of an object still covered by the
// PackWindow, given the entry StoreObject returned for it.
func (s *Store) UnpackEntry(e *Entry) ([]byte, git.ObjectType, error) {
	// Peel the varint object header off first so we know how many
	// zlib-compressed bytes to ask the window for; headers are at most
	// 10 bytes for any size that fits in a packfile.
	const maxHeader = 10
	head, err := s.window.ReadAt(e.Offset, maxHeader)
	if err != nil {
		// window may have less than maxHeader remaining near EOF
		head, err = s.window.ReadAt(e.Offset, s.window.Size()-e.Offset)
		if err != nil {
			return nil, git.ObjectInvalid, err
		}
	}
	objType, _, headerLen := decodeObjectHeader(head)

	rest, err := s.window.ReadAt(e.Offset+int64(headerLen), s.window.Size()-e.Offset-int64(headerLen))
	if err != nil {
		return nil, git.ObjectInvalid, err
	}
	zr, err := zlib.NewReader(bytes.NewReader(rest))
	if err != nil {
		return nil, git.ObjectInvalid, err
	}
	defer zr.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		return nil, git.ObjectInvalid, err
	}
	return buf.Bytes(), objType, nil
}

// encodeObjectBytes renders a packfile object entry: the git pack object
// header (type in 3 bits, size in base-128 groups, MSB-continuation) plus
// the zlib-deflated content. Using klauspost/compress's zlib here instead
// of the stdlib one only changes the encoder's speed, never the bitstream
// a conforming decoder accepts.
func encodeObjectBytes(objType git.ObjectType, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writeObjectHeader(&buf, objType, len(data))
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeObjectHeader(buf *bytes.Buffer, objType git.ObjectType, size int) {
	c := byte(objType&7)<<4 | byte(size&0xF)
	size >>= 4
	for size != 0 {
		buf.WriteByte(c | 0x80)
		c = byte(size & 0x7f)
		size >>= 7
	}
	buf.WriteByte(c)
}

func decodeObjectHeader(b []byte) (objType git.ObjectType, size int, headerLen int) {
	c := b[0]
	objType = git.ObjectType((c >> 4) & 7)
	size = int(c & 0xF)
	shift := uint(4)
	i := 1
	for c&0x80 != 0 {
		c = b[i]
		size |= int(c&0x7f) << shift
		shift += 7
		i++
	}
	return objType, size, i
}
