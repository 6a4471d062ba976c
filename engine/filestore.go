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
	"fmt"

	"lab.nexedi.com/kirr/git-cinnabar-helper/internal/git"
	"lab.nexedi.com/kirr/git-cinnabar-helper/internal/xlog"
	"lab.nexedi.com/kirr/git-cinnabar-helper/oid"
	"lab.nexedi.com/kirr/git-cinnabar-helper/pack"
	"lab.nexedi.com/kirr/git-cinnabar-helper/revchunk"
)

var filesLog = xlog.Component("filestore")

// metaPrefix marks the Mercurial-specific per-file metadata header that
// may be prepended to a reconstructed file's content (e.g. copy-source
// records); when present it is split off, stored separately, and
// recorded in files_meta rather than left inline in the blob.
var metaPrefix = []byte("\x01\n")

// FileStore applies a file revision's diffs against its delta parent's
// full content and stores the reconstructed blob, passing the most
// recently stored file's pack entry as the delta reference when it is
// still in the in-progress pack. That reference only sets the new
// entry's delta depth: the blob content is stored whole.
type FileStore struct {
	eng *Engine

	lastNode    oid.HgOid
	lastContent []byte
	lastEntry   *pack.Entry
	hasLast     bool
}

// NewFileStore creates an empty file store; the "most recently stored"
// cache starts empty.
func NewFileStore(eng *Engine) *FileStore {
	return &FileStore{eng: eng}
}

// Store reconstructs chunk's full content, stores it as a Git blob (and
// optionally a metadata blob), and records node -> blob in hg2git. It is
// a no-op, per §4.5 step 1, for Mercurial's well-known empty-file
// sentinel.
func (f *FileStore) Store(chunk *revchunk.Chunk) error {
	if revchunk.IsEmptyFile(chunk.Node) {
		return nil
	}

	if !f.hasLast || f.lastNode != chunk.DeltaNode {
		content, err := f.loadDeltaParent(chunk.DeltaNode)
		if err != nil {
			return err
		}
		f.lastNode = chunk.DeltaNode
		f.lastContent = content
		f.lastEntry = nil
		f.hasLast = true
	}

	content, err := revchunk.Apply(f.lastContent, chunk.Diffs)
	if err != nil {
		return err
	}

	blobContent := content
	if bytes.HasPrefix(content, metaPrefix) {
		end := bytes.Index(content[len(metaPrefix):], metaPrefix)
		if end >= 0 {
			meta := content[:len(metaPrefix)+end+len(metaPrefix)]
			blobContent = content[len(meta):]

			metaOid, err := f.eng.Store.WriteObject(meta, git.ObjectBlob)
			if err != nil {
				return fmt.Errorf("engine: store file metadata: %w", err)
			}
			f.eng.RecordStore()
			f.eng.FilesMeta.Put(chunk.Node.Array(), metaOid.AsLibgit2())
		}
	}

	blobOid, err := f.eng.Store.StoreObject(git.ObjectBlob, blobContent, f.lastEntry)
	if err != nil {
		return fmt.Errorf("engine: store file blob: %w", err)
	}
	f.eng.RecordStore()
	f.eng.BindHgToGit(chunk.Node, blobOid)

	entry, _ := f.eng.Store.FindPackEntry(blobOid)
	f.lastNode = chunk.Node
	f.lastContent = content
	f.lastEntry = entry
	f.eng.cacheRecentContent(chunk.Node, content)

	filesLog.WithField("node", chunk.Node.String()).Trace("stored file revision")
	return nil
}

// loadDeltaParent returns the full content of node, either from the
// bounded recent-content cache (cheap for the common case of a delta
// chain walking forward through recently stored revisions), the
// odb-backed blob hg2git maps it to, or an empty slice for the null node
// (a file's first revision with no delta parent).
func (f *FileStore) loadDeltaParent(node oid.HgOid) ([]byte, error) {
	if revchunk.IsEmptyFile(node) {
		return nil, nil
	}
	if content, ok := f.eng.recentContent(node); ok {
		return content, nil
	}
	blobOid, err := f.eng.LookupHgOid(node)
	if err != nil {
		return nil, err
	}
	odb, err := f.eng.Repo().Odb()
	if err != nil {
		return nil, err
	}
	obj, err := odb.Read(blobOid.AsLibgit2())
	if err != nil {
		return nil, fmt.Errorf("engine: read delta parent blob %s: %w", blobOid, err)
	}
	content := obj.Data()
	f.eng.cacheRecentContent(node, content)
	return content, nil
}
