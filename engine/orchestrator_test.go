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
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/git-cinnabar-helper/oid"
	"lab.nexedi.com/kirr/git-cinnabar-helper/revchunk"
)

func encodeChunkHeader(node, p1, p2, fourth oid.HgOid) []byte {
	buf := append([]byte{}, node.Bytes()...)
	buf = append(buf, p1.Bytes()...)
	buf = append(buf, p2.Bytes()...)
	buf = append(buf, fourth.Bytes()...)
	return buf
}

func encodeChunkDiffs(diffs []revchunk.Diff) []byte {
	var buf []byte
	for _, d := range diffs {
		var hdr [12]byte
		binary.BigEndian.PutUint32(hdr[0:4], d.Start)
		binary.BigEndian.PutUint32(hdr[4:8], d.End)
		binary.BigEndian.PutUint32(hdr[8:12], uint32(len(d.Data)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, d.Data...)
	}
	return buf
}

func lengthPrefixed(payload []byte) []byte {
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], uint32(len(payload)+4))
	return append(out[:], payload...)
}

func endOfSection() []byte {
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], 4)
	return out[:]
}

// A streaming changegroup v1 manifest section's first chunk has no
// preceding chunk in the same section to supply an implicit delta parent
// from, yet its Parent1 may be non-null when it deltas against a
// manifest already stored from an earlier command, exactly as an
// incremental pull's first chunk does. The orchestrator must resolve
// that chunk's delta node from its own Parent1 instead of silently
// treating it as having no history, which would otherwise reset the
// manifest mirror and reject the diff against the wrong base length.
func TestOrchestratorChangegroupManifestFirstChunkDeltasAgainstPriorManifest(t *testing.T) {
	eng := newTestEngine(t)

	nodeA := hexHg(t, "1111111111111111111111111111111111111111")
	nodeB := hexHg(t, "2222222222222222222222222222222222222222")
	oldHex := "3333333333333333333333333333333333333333"
	newHex := "4444444444444444444444444444444444444444"

	lineA := append(append([]byte("a.txt\x00"), []byte(oldHex)...), '\n')
	_, err := eng.Manifest.Store(&revchunk.Chunk{
		Node:      nodeA,
		DeltaNode: oid.HgOid{},
		Diffs:     []revchunk.Diff{{Start: 0, End: 0, Data: lineA}},
	})
	require.NoError(t, err)

	lineB := append(append([]byte("a.txt\x00"), []byte(newHex)...), '\n')
	diff := revchunk.Diff{Start: 0, End: uint32(len(lineA)), Data: lineB}
	chunkBytes := append(encodeChunkHeader(nodeB, nodeA, oid.HgOid{}, oid.HgOid{}), encodeChunkDiffs([]revchunk.Diff{diff})...)

	var stream bytes.Buffer
	stream.Write(endOfSection())            // empty changeset section
	stream.Write(lengthPrefixed(chunkBytes)) // manifest section: one chunk
	stream.Write(endOfSection())             // end of manifest section
	stream.Write(endOfSection())             // empty file section

	var out bytes.Buffer
	o := NewOrchestrator(eng, &stream, &out)
	done, err := o.dispatch("store changegroup 1")
	require.NoError(t, err)
	require.False(t, done)

	commitOid, err := eng.LookupHgOid(nodeB)
	require.NoError(t, err)
	treeOid := commitTreeOid(t, eng, commitOid)
	tree, err := eng.Repo().LookupTree(treeOid.AsLibgit2())
	require.NoError(t, err)

	entry := tree.EntryByName("_a.txt")
	require.NotNil(t, entry, "first chunk of the streamed manifest section must delta against the prior manifest, not start from empty")
	require.Equal(t, newHex, entry.Id.String())
}
