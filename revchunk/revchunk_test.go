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

package revchunk

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/git-cinnabar-helper/oid"
)

func hexOid(t *testing.T, hex string) oid.HgOid {
	t.Helper()
	o, err := oid.ParseHg(hex)
	require.NoError(t, err)
	return o
}

func TestApplyNoHistory(t *testing.T) {
	content, err := Apply(nil, []Diff{{Start: 0, End: 0, Data: []byte("hello\n")}})
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(content))
}

func TestApplyReplaceMiddle(t *testing.T) {
	prev := []byte("hello\n")
	content, err := Apply(prev, []Diff{{Start: 0, End: 6, Data: []byte("HELLO\n")}})
	require.NoError(t, err)
	require.Equal(t, "HELLO\n", string(content))
}

func TestApplyMultipleDiffsInOrder(t *testing.T) {
	prev := []byte("aaaa\nbbbb\ncccc\n")
	diffs := []Diff{
		{Start: 5, End: 10, Data: []byte("BBBB\n")},
		{Start: 15, End: 15, Data: []byte("dddd\n")},
	}
	content, err := Apply(prev, diffs)
	require.NoError(t, err)
	require.Equal(t, "aaaa\nBBBB\ncccc\ndddd\n", string(content))
}

func TestApplyRejectsOutOfOrder(t *testing.T) {
	prev := []byte("aaaa\nbbbb\n")
	diffs := []Diff{
		{Start: 5, End: 10, Data: []byte("x")},
		{Start: 0, End: 5, Data: []byte("y")},
	}
	_, err := Apply(prev, diffs)
	require.Error(t, err)
}

func TestApplyRejectsOutOfBounds(t *testing.T) {
	prev := []byte("aaaa\n")
	_, err := Apply(prev, []Diff{{Start: 0, End: 100, Data: nil}})
	require.Error(t, err)
}

func TestIsEmptyFile(t *testing.T) {
	require.True(t, IsEmptyFile(oid.HgOid{}))
	require.False(t, IsEmptyFile(hexOid(t, "1111111111111111111111111111111111111111")))
}

func encodeDiffs(diffs []Diff) []byte {
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

func TestDecodeV2UsesFourthFieldAsDeltaNode(t *testing.T) {
	node := hexOid(t, "1111111111111111111111111111111111111111")
	p1 := hexOid(t, "2222222222222222222222222222222222222222")
	p2 := oid.HgOid{}
	deltaNode := hexOid(t, "3333333333333333333333333333333333333333")

	buf := append([]byte{}, node.Bytes()...)
	buf = append(buf, p1.Bytes()...)
	buf = append(buf, p2.Bytes()...)
	buf = append(buf, deltaNode.Bytes()...)
	buf = append(buf, encodeDiffs([]Diff{{Start: 0, End: 0, Data: []byte("hi\n")}})...)

	c, err := Decode(buf, true, oid.HgOid{}, oid.HgOid{})
	require.NoError(t, err)
	require.Equal(t, node, c.Node)
	require.Equal(t, p1, c.Parent1)
	require.Equal(t, deltaNode, c.DeltaNode)
	require.Len(t, c.Diffs, 1)
	require.Equal(t, "hi\n", string(c.Diffs[0].Data))
}

func TestDecodeV1FirstChunkUsesFirstParent(t *testing.T) {
	node := hexOid(t, "1111111111111111111111111111111111111111")
	p1 := hexOid(t, "2222222222222222222222222222222222222222")
	p2 := oid.HgOid{}
	linknode := hexOid(t, "4444444444444444444444444444444444444444")

	buf := append([]byte{}, node.Bytes()...)
	buf = append(buf, p1.Bytes()...)
	buf = append(buf, p2.Bytes()...)
	buf = append(buf, linknode.Bytes()...) // v1's fourth field is a linknode, unused for the delta node here
	buf = append(buf, encodeDiffs(nil)...)

	c, err := Decode(buf, false, oid.HgOid{}, p1)
	require.NoError(t, err)
	require.Equal(t, p1, c.DeltaNode)
}

// A streaming changegroup v1 section (engine/orchestrator.go's
// storeChangegroupBody) never has an external parent1 to pass in for the
// section's first chunk - it only tracks prevNode across chunks. Decode
// must fall back to the chunk's own just-parsed Parent1 in that case
// instead of silently treating the chunk as having no delta parent.
func TestDecodeV1FirstChunkWithNoExternalParentUsesOwnParent1(t *testing.T) {
	node := hexOid(t, "1111111111111111111111111111111111111111")
	p1 := hexOid(t, "2222222222222222222222222222222222222222")
	p2 := oid.HgOid{}
	linknode := hexOid(t, "4444444444444444444444444444444444444444")

	buf := append([]byte{}, node.Bytes()...)
	buf = append(buf, p1.Bytes()...)
	buf = append(buf, p2.Bytes()...)
	buf = append(buf, linknode.Bytes()...)
	buf = append(buf, encodeDiffs(nil)...)

	c, err := Decode(buf, false, oid.HgOid{}, oid.HgOid{})
	require.NoError(t, err)
	require.Equal(t, p1, c.DeltaNode)
}

func TestDecodeV1SubsequentChunkUsesPrevNode(t *testing.T) {
	node := hexOid(t, "1111111111111111111111111111111111111111")
	prevNode := hexOid(t, "5555555555555555555555555555555555555555")

	buf := append([]byte{}, node.Bytes()...)
	buf = append(buf, oid.HgOid{}.Bytes()...)
	buf = append(buf, oid.HgOid{}.Bytes()...)
	buf = append(buf, oid.HgOid{}.Bytes()...)
	buf = append(buf, encodeDiffs(nil)...)

	c, err := Decode(buf, false, prevNode, oid.HgOid{})
	require.NoError(t, err)
	require.Equal(t, prevNode, c.DeltaNode)
}

func TestDecodeHeaderTruncated(t *testing.T) {
	_, err := Decode(make([]byte, 10), true, oid.HgOid{}, oid.HgOid{})
	require.Error(t, err)
}

func TestDecodeDiffDataTruncated(t *testing.T) {
	buf := make([]byte, headerSize)
	var hdr [12]byte
	binary.BigEndian.PutUint32(hdr[8:12], 100) // claims 100 bytes of data that aren't there
	buf = append(buf, hdr[:]...)
	_, err := Decode(buf, true, oid.HgOid{}, oid.HgOid{})
	require.Error(t, err)
}
