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

import "fmt"

// MalformedChunkError covers diff offsets out of order or out of bounds,
// manifest diffs not aligned on line boundaries, and manifest attr bytes
// outside {0, 'x', 'l'}.
type MalformedChunkError struct {
	Reason string
}

func (e *MalformedChunkError) Error() string {
	return fmt.Sprintf("malformed chunk: %s", e.Reason)
}

// UnknownDeltaParentError is raised when a chunk references an HgOid that
// is not yet bound in hg2git.
type UnknownDeltaParentError struct {
	Node string
}

func (e *UnknownDeltaParentError) Error() string {
	return fmt.Sprintf("unknown delta parent: %s", e.Node)
}

// UnknownObjectKindError is raised when `set` or `store` receives a kind
// string it does not recognize.
type UnknownObjectKindError struct {
	Kind string
}

func (e *UnknownObjectKindError) Error() string {
	return fmt.Sprintf("unknown object kind: %q", e.Kind)
}

// InvalidShaError is raised when an expected-hex field fails to decode.
type InvalidShaError struct {
	Field string
	Value string
}

func (e *InvalidShaError) Error() string {
	return fmt.Sprintf("invalid sha in %s: %q", e.Field, e.Value)
}

// ObjectTypeMismatchError is raised when `set` asks to bind a Mercurial
// id to a Git oid whose real type differs from the declared kind.
type ObjectTypeMismatchError struct {
	Kind string
	Want string
	Got  string
}

func (e *ObjectTypeMismatchError) Error() string {
	return fmt.Sprintf("object type mismatch for kind %s: want %s, got %s", e.Kind, e.Want, e.Got)
}

// ProtocolViolationError covers wrong argument arity or a missing
// required command.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}
