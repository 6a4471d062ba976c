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

// flatLine is one leaf of the mirror tree in depth-first, name-sorted
// order, with the byte length it would contribute to the textual
// manifest form.
type flatLine struct {
	path   string
	length int
}

func (d *dirNode) flatten(prefix string) []flatLine {
	var out []flatLine
	d.entries.Ascend(func(e *mirrorEntry) bool {
		name := e.name[1:]
		var path string
		if prefix == "" {
			path = name
		} else {
			path = prefix + "/" + name
		}
		if e.dir != nil {
			out = append(out, e.dir.flatten(path)...)
		} else {
			out = append(out, flatLine{path: path, length: textLineLen(path, e.mode)})
		}
		return true
	})
	return out
}

// applyTreeWalk is the opt-in manifest-mirror maintenance strategy: it
// does not read the previous manifest text, instead walking the
// mirror in depth-first, name-sorted order and counting the bytes each
// entry would contribute to the textual form to find which entries a
// diff's byte range covers. It returns the mirror's re-encoded text,
// which Store keeps as prevText just as it does for text-rebuild.
func (m *ManifestStore) applyTreeWalk(diffs []revchunk.Diff) ([]byte, error) {
	lines := m.mirror.flatten("")

	var offset uint32
	idx := 0

	advance := func(target uint32, delete bool) error {
		for offset < target {
			if idx >= len(lines) {
				return &MalformedChunkError{Reason: fmt.Sprintf("manifest tree-walk ran out of entries before reaching offset %d", target)}
			}
			l := lines[idx]
			offset += uint32(l.length)
			if offset > target {
				return &MalformedChunkError{Reason: fmt.Sprintf("manifest diff offset %d does not fall on an entry boundary", target)}
			}
			if delete {
				m.mirror.remove(l.path)
			}
			idx++
		}
		return nil
	}

	// Unlike file chunks (§4.5), a manifest diff's start may fall behind
	// the walk's current position: a later diff in the same chunk is
	// allowed to revisit a span an earlier diff already consumed (a
	// remove-then-add pair addressing the same bytes, as in the
	// remove-then-add-at-the-same-offset scenario). Entries in that span
	// were already deleted on the first pass, so clamping both endpoints
	// to the current walk position turns the revisit into a no-op instead
	// of rejecting it or double-deleting.
	for _, d := range diffs {
		if d.Start > d.End {
			return nil, &MalformedChunkError{Reason: fmt.Sprintf("manifest diff out of order: start=%d end=%d", d.Start, d.End)}
		}
		start := d.Start
		if start < offset {
			start = offset
		}
		if err := advance(start, false); err != nil {
			return nil, err
		}
		end := d.End
		if end < offset {
			end = offset
		}
		if err := advance(end, true); err != nil {
			return nil, err
		}
	}

	for _, d := range diffs {
		parsed, err := parseManifestText(d.Data)
		if err != nil {
			return nil, err
		}
		for _, l := range parsed {
			mode, err := modeForAttr(l.attr)
			if err != nil {
				return nil, err
			}
			m.mirror.insert(l.path, mode, l.node)
		}
	}

	return m.mirror.encodeToText(""), nil
}
