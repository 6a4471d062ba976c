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

	"lab.nexedi.com/kirr/git-cinnabar-helper/revchunk"
)

// applyTextRebuild is the default manifest-mirror maintenance strategy:
// it keeps the full previous manifest text in memory and rebuilds a new
// text buffer diff by diff, removing the mirror entries named by each
// diff's replaced span immediately and deferring all insertions to a
// second pass (a later diff may remove what an earlier diff's data just
// added).
func (m *ManifestStore) applyTextRebuild(diffs []revchunk.Diff) ([]byte, error) {
	prev := m.prevText
	var newText []byte
	var lastEnd uint32
	var removedSpans [][]byte

	for _, d := range diffs {
		if err := checkLineBoundary(prev, d.Start); err != nil {
			return nil, err
		}
		if err := checkLineBoundary(prev, d.End); err != nil {
			return nil, err
		}
		if d.End > uint32(len(prev)) || d.Start > d.End {
			return nil, &MalformedChunkError{Reason: fmt.Sprintf("manifest diff out of bounds: start=%d end=%d len=%d", d.Start, d.End, len(prev))}
		}

		// Unlike file chunks (§4.5), a manifest diff's start may fall
		// behind the running end: a later diff is allowed to revisit a
		// span an earlier diff in the same chunk already covered (a
		// remove-then-add pair addressing the same bytes). When that
		// happens there is nothing new to copy forward from prev.
		copyFrom, copyTo := lastEnd, d.Start
		if copyTo < copyFrom {
			copyTo = copyFrom
		}
		newText = append(newText, prev[copyFrom:copyTo]...)
		newText = append(newText, d.Data...)
		removedSpans = append(removedSpans, prev[d.Start:d.End])
		if d.End > lastEnd {
			lastEnd = d.End
		}
	}
	newText = append(newText, prev[lastEnd:]...)

	for _, span := range removedSpans {
		lines, err := parseManifestText(span)
		if err != nil {
			return nil, err
		}
		for _, l := range lines {
			m.mirror.remove(l.path)
		}
	}

	for _, d := range diffs {
		lines, err := parseManifestText(d.Data)
		if err != nil {
			return nil, err
		}
		for _, l := range lines {
			mode, err := modeForAttr(l.attr)
			if err != nil {
				return nil, err
			}
			m.mirror.insert(l.path, mode, l.node)
		}
	}

	return newText, nil
}

// checkLineBoundary validates that offset falls right after a newline
// (or at the very start of text), as §4.6.a requires for every diff
// start/end.
func checkLineBoundary(text []byte, offset uint32) error {
	if offset == 0 {
		return nil
	}
	if offset > uint32(len(text)) {
		return &MalformedChunkError{Reason: fmt.Sprintf("manifest diff offset %d beyond text length %d", offset, len(text))}
	}
	if text[offset-1] != '\n' {
		return &MalformedChunkError{Reason: fmt.Sprintf("manifest diff offset %d not on a line boundary", offset)}
	}
	return nil
}
