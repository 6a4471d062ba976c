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
	"strings"

	"lab.nexedi.com/kirr/git-cinnabar-helper/internal/git"
	"lab.nexedi.com/kirr/git-cinnabar-helper/internal/xlog"
	"lab.nexedi.com/kirr/git-cinnabar-helper/oid"
)

var changesetLog = xlog.Component("changeset")

const metaBlobPrefix = "changeset "

// ResolveChangesetConflict records the mapping between hgNode and the
// already-created Git commit commitOid (creation itself is delegated to
// the underlying fast-import-like parser, outside this package), growing
// the commit body with a trailing NUL byte and re-hashing as many times
// as necessary to keep git2hg injective: when commitOid already maps (in
// git2hg) to a different Mercurial changeset, a single appended NUL byte
// changes the Git oid without being visible to ordinary Git tooling.
func (e *Engine) ResolveChangesetConflict(hgNode oid.HgOid, commitOid oid.GitOid) (oid.GitOid, error) {
	for {
		metaOid, ok, err := e.Git2hg.Get(commitOid.Array())
		if err != nil {
			return oid.GitOid{}, err
		}
		if !ok {
			break
		}
		existingHex, err := e.readChangesetMeta(oid.GitFromLibgit2(metaOid))
		if err != nil {
			return oid.GitOid{}, err
		}
		if existingHex == hgNode.String() {
			// already bound to this changeset: idempotent re-store.
			break
		}

		changesetLog.WithField("hg", hgNode.String()).WithField("git", commitOid.String()).Warn("changeset conflict, appending NUL and re-hashing")
		commitOid, err = e.appendNulAndRehash(commitOid)
		if err != nil {
			return oid.GitOid{}, err
		}
	}

	metaOid, err := e.Store.WriteObject([]byte(metaBlobPrefix+hgNode.String()+"\n"), git.ObjectBlob)
	if err != nil {
		return oid.GitOid{}, fmt.Errorf("engine: write changeset metadata: %w", err)
	}
	e.RecordStore()
	e.Git2hg.Put(commitOid.Array(), metaOid.AsLibgit2())
	e.BindHgToGit(hgNode, commitOid)
	return commitOid, nil
}

func (e *Engine) readChangesetMeta(metaOid oid.GitOid) (string, error) {
	odb, err := e.Repo().Odb()
	if err != nil {
		return "", err
	}
	obj, err := odb.Read(metaOid.AsLibgit2())
	if err != nil {
		return "", fmt.Errorf("engine: read changeset metadata %s: %w", metaOid, err)
	}
	text := string(obj.Data())
	if !strings.HasPrefix(text, metaBlobPrefix) {
		return "", fmt.Errorf("engine: changeset metadata %s malformed: missing %q prefix", metaOid, metaBlobPrefix)
	}
	rest := text[len(metaBlobPrefix):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	return rest, nil
}

func (e *Engine) appendNulAndRehash(commitOid oid.GitOid) (oid.GitOid, error) {
	odb, err := e.Repo().Odb()
	if err != nil {
		return oid.GitOid{}, err
	}
	obj, err := odb.Read(commitOid.AsLibgit2())
	if err != nil {
		return oid.GitOid{}, fmt.Errorf("engine: read commit %s: %w", commitOid, err)
	}
	data := append(append([]byte(nil), obj.Data()...), 0)
	newOid, err := e.Store.WriteObject(data, git.ObjectCommit)
	if err != nil {
		return oid.GitOid{}, err
	}
	e.RecordStore()
	return newOid, nil
}
