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

// Package revchunk decodes one Mercurial revision chunk: a fixed header
// followed by a sequence of byte-range diffs against the chunk's delta
// parent.
package revchunk

import (
	"encoding/binary"
	"fmt"

	"lab.nexedi.com/kirr/git-cinnabar-helper/oid"
)

// Diff is one byte-range replacement: bytes [Start,End) of the delta
// parent's content are replaced by Data.
type Diff struct {
	Start uint32
	End   uint32
	Data  []byte
}

// Chunk is one decoded Mercurial revision: its own node id, its two
// changeset-graph parents, the node the diffs below apply against, and
// the diffs themselves in encounter order.
type Chunk struct {
	Node       oid.HgOid
	Parent1    oid.HgOid
	Parent2    oid.HgOid
	DeltaNode  oid.HgOid
	Diffs      []Diff
}

const headerSize = 20 * 4

// Decode parses one chunk from buf per the wire layout {node, parent1,
// parent2, linknode_or_delta_node: 20B each} followed by
// {start,end,length: u32 BE, data: length bytes} diff parts repeated to
// the end of buf.
//
// prevNode is the node of the immediately preceding chunk in the same
// section (used as the implicit delta parent for changegroup v1, where
// the header's fourth field is a linknode rather than a delta node);
// isV2 selects between that and the changegroup v2 encoding, where the
// fourth field is the delta node directly. firstParent, when non-null,
// overrides the delta node for the first chunk of a v1 section (used by
// the single-chunk `store file`/`store manifest` commands, whose
// explicit delta-node-sha argument need not equal the chunk's own
// parent1); when null, the first chunk of a v1 section falls back to
// its own just-parsed parent1, per §6's "parent1 for the first" rule.
func Decode(buf []byte, isV2 bool, prevNode, firstParent oid.HgOid) (*Chunk, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("revchunk: header truncated: got %d bytes, want at least %d", len(buf), headerSize)
	}

	node, err := oid.HgFromBytes(buf[0:20])
	if err != nil {
		return nil, fmt.Errorf("revchunk: node: %w", err)
	}
	p1, err := oid.HgFromBytes(buf[20:40])
	if err != nil {
		return nil, fmt.Errorf("revchunk: parent1: %w", err)
	}
	p2, err := oid.HgFromBytes(buf[40:60])
	if err != nil {
		return nil, fmt.Errorf("revchunk: parent2: %w", err)
	}
	fourth, err := oid.HgFromBytes(buf[60:80])
	if err != nil {
		return nil, fmt.Errorf("revchunk: fourth header field: %w", err)
	}

	c := &Chunk{Node: node, Parent1: p1, Parent2: p2}
	switch {
	case isV2:
		c.DeltaNode = fourth
	case !prevNode.IsNull():
		c.DeltaNode = prevNode
	case !firstParent.IsNull():
		c.DeltaNode = firstParent
	default:
		c.DeltaNode = p1
	}

	diffs, err := decodeDiffs(buf[headerSize:])
	if err != nil {
		return nil, err
	}
	c.Diffs = diffs
	return c, nil
}

func decodeDiffs(buf []byte) ([]Diff, error) {
	var diffs []Diff
	for len(buf) > 0 {
		if len(buf) < 12 {
			return nil, fmt.Errorf("revchunk: diff part header truncated: %d bytes left", len(buf))
		}
		start := binary.BigEndian.Uint32(buf[0:4])
		end := binary.BigEndian.Uint32(buf[4:8])
		length := binary.BigEndian.Uint32(buf[8:12])
		buf = buf[12:]
		if uint64(length) > uint64(len(buf)) {
			return nil, fmt.Errorf("revchunk: diff data truncated: want %d bytes, have %d", length, len(buf))
		}
		data := buf[:length]
		buf = buf[length:]
		diffs = append(diffs, Diff{Start: start, End: end, Data: data})
	}
	return diffs, nil
}

// IsEmptyFile reports whether node is Mercurial's well-known marker for
// the empty file revision (the all-zero node), which is never stored as
// a Git object.
func IsEmptyFile(node oid.HgOid) bool {
	return node.IsNull()
}

// Apply replays diffs against prev (the full content of the delta
// parent), returning the reconstructed content. Diffs are applied in
// encounter order, matching Mercurial's own semantics; no reordering or
// sorting is introduced. It rejects diffs that are out of order or out
// of bounds against prev.
func Apply(prev []byte, diffs []Diff) ([]byte, error) {
	var out []byte
	var lastEnd uint32
	for _, d := range diffs {
		if d.Start > uint32(len(prev)) || d.End > uint32(len(prev)) || d.Start < lastEnd {
			return nil, fmt.Errorf("revchunk: malformed diff: start=%d end=%d lastEnd=%d len(prev)=%d", d.Start, d.End, lastEnd, len(prev))
		}
		out = append(out, prev[lastEnd:d.Start]...)
		out = append(out, d.Data...)
		lastEnd = d.End
	}
	out = append(out, prev[lastEnd:]...)
	return out, nil
}
