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

import "lab.nexedi.com/kirr/git-cinnabar-helper/oid"

// ShallowTracker records which changesets entered this session registered
// as shallow (a boundary of a partial clone) and whether any of them was
// converted into a real, fully-storable commit during the session; the
// shallow file only needs rewriting in the latter case.
type ShallowTracker struct {
	registered map[oid.HgOid]bool
	converted  bool
}

// NewShallowTracker returns an empty tracker.
func NewShallowTracker() *ShallowTracker {
	return &ShallowTracker{registered: make(map[oid.HgOid]bool)}
}

// Register marks node as a shallow boundary for this session.
func (s *ShallowTracker) Register(node oid.HgOid) {
	s.registered[node] = true
}

// MarkConverted records that a previously-shallow node was just stored
// as an ordinary commit, so the shallow file needs updating on exit.
func (s *ShallowTracker) MarkConverted(node oid.HgOid) {
	if s.registered[node] {
		s.converted = true
	}
}

// NeedsRewrite reports whether the shallow file should be rewritten on
// clean exit.
func (s *ShallowTracker) NeedsRewrite() bool { return s.converted }

// Nodes returns every node registered as a shallow boundary this session.
func (s *ShallowTracker) Nodes() []oid.HgOid {
	out := make([]oid.HgOid, 0, len(s.registered))
	for n := range s.registered {
		out = append(out, n)
	}
	return out
}
