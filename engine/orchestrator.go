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
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"lab.nexedi.com/kirr/git-cinnabar-helper/internal/git"
	"lab.nexedi.com/kirr/git-cinnabar-helper/internal/xlog"
	"lab.nexedi.com/kirr/git-cinnabar-helper/oid"
	"lab.nexedi.com/kirr/git-cinnabar-helper/revchunk"
)

var orchLog = xlog.Component("orchestrator")

// markSlot is the single mark number reused by the ":h<hex>[:path]"
// parse-time reference syntax; safe only because each command fully
// consumes the mark it sets before the next command can set it again.
const markSlot = 2

// Orchestrator drives the command stream: it dispatches changegroup
// sections to FileStore/ManifestStore, single-object store/set commands
// directly, and passes anything fast-import-shaped through unexamined
// (that parser is an external collaborator of this core).
type Orchestrator struct {
	eng *Engine
	in  *bufio.Reader
	out io.Writer

	progress *mpb.Progress
}

// NewOrchestrator wires an Orchestrator to read commands from in and
// write protocol replies to out.
func NewOrchestrator(eng *Engine, in io.Reader, out io.Writer) *Orchestrator {
	return &Orchestrator{
		eng:      eng,
		in:       bufio.NewReader(in),
		out:      out,
		progress: mpb.New(mpb.WithWidth(40)),
	}
}

// Run processes commands until `done` or EOF.
func (o *Orchestrator) Run() error {
	for {
		line, err := o.readLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}

		done, err := o.dispatch(line)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (o *Orchestrator) readLine() (string, error) {
	line, err := o.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	if err == io.EOF && line == "" {
		return "", io.EOF
	}
	return strings.TrimRight(line, "\n"), nil
}

func (o *Orchestrator) dispatch(line string) (done bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	verb := fields[0]

	switch verb {
	case "done":
		o.eng.MarkDone()
		return true, nil

	case "feature", "blob", "commit", "reset", "get-mark", "cat-blob", "ls":
		// delegated to the underlying fast-import-like parser; this
		// core only needs to observe reset/commit against the two
		// sentinel refs, handled by the caller wiring that parser up.
		return false, nil

	case "set":
		return false, o.handleSet(fields)

	case "store":
		return false, o.handleStore(fields)

	default:
		return false, &ProtocolViolationError{Reason: fmt.Sprintf("unknown command %q", verb)}
	}
}

func (o *Orchestrator) handleSet(fields []string) error {
	if len(fields) != 4 {
		return &ProtocolViolationError{Reason: "set requires exactly 3 arguments"}
	}
	kind, hgHex, gitRef := fields[1], fields[2], fields[3]

	gitOidPtr, err := o.resolveGitRef(gitRef)
	if err != nil {
		return err
	}
	goid := oid.GitFromLibgit2(gitOidPtr)

	switch kind {
	case "changeset", "manifest", "file":
		hoid, err := oid.ParseHg(hgHex)
		if err != nil {
			return &InvalidShaError{Field: "set hg-sha", Value: hgHex}
		}
		if err := o.checkObjectType(kind, goid); err != nil {
			return err
		}
		if kind == "changeset" {
			resolved, err := o.eng.ResolveChangesetConflict(hoid, goid)
			if err != nil {
				return err
			}
			goid = resolved
			o.eng.Shallow.MarkConverted(hoid)
		} else {
			o.eng.BindHgToGit(hoid, goid)
		}
		return nil
	default:
		return &UnknownObjectKindError{Kind: kind}
	}
}

func (o *Orchestrator) checkObjectType(kind string, goid oid.GitOid) error {
	odb, err := o.eng.Repo().Odb()
	if err != nil {
		return err
	}
	obj, err := odb.Read(goid.AsLibgit2())
	if err != nil {
		return fmt.Errorf("engine: set: read %s: %w", goid, err)
	}
	want := git.ObjectCommit
	if kind == "file" {
		want = git.ObjectBlob
	}
	if obj.Type() != want {
		return &ObjectTypeMismatchError{Kind: kind, Want: want.String(), Got: obj.Type().String()}
	}
	return nil
}

func (o *Orchestrator) handleStore(fields []string) error {
	if len(fields) < 2 {
		return &ProtocolViolationError{Reason: "store requires a sub-command"}
	}
	switch fields[1] {
	case "metadata":
		if len(fields) != 3 {
			return &ProtocolViolationError{Reason: "store metadata requires exactly 1 argument"}
		}
		return o.storeMetadata(fields[2])
	case "file":
		return o.storeRevision(fields, o.eng.Files.Store)
	case "manifest":
		return o.storeRevision(fields, func(c *revchunk.Chunk) error {
			_, err := o.eng.Manifest.Store(c)
			return err
		})
	case "changegroup":
		if len(fields) != 3 {
			return &ProtocolViolationError{Reason: "store changegroup requires exactly 1 argument"}
		}
		return o.storeChangegroup(fields[2])
	default:
		return &UnknownObjectKindError{Kind: fields[1]}
	}
}

func (o *Orchestrator) storeMetadata(which string) error {
	var tree interface{ Flush() (*git.Oid, error) }
	switch which {
	case "hg2git":
		tree = o.eng.Hg2git
	case "git2hg":
		tree = o.eng.Git2hg
	case "files-meta":
		tree = o.eng.FilesMeta
	default:
		return &UnknownObjectKindError{Kind: which}
	}
	root, err := tree.Flush()
	if err != nil {
		return err
	}
	fmt.Fprintf(o.out, "%s\n", root.String())
	return nil
}

// storeRevision reads "<cg2|delta-node-sha> <length>" followed by length
// raw bytes, decodes one revision chunk, and hands it to store.
func (o *Orchestrator) storeRevision(fields []string, store func(*revchunk.Chunk) error) error {
	if len(fields) != 4 {
		return &ProtocolViolationError{Reason: "store file/manifest requires exactly 2 arguments"}
	}
	isV2 := fields[2] == "cg2"
	length, err := strconv.Atoi(fields[3])
	if err != nil {
		return &ProtocolViolationError{Reason: fmt.Sprintf("invalid length %q", fields[3])}
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(o.in, buf); err != nil {
		return fmt.Errorf("engine: reading revision chunk: %w", err)
	}

	var prevNode, firstParent oid.HgOid
	if !isV2 {
		if p1, err := oid.ParseHg(fields[2]); err == nil {
			firstParent = p1
		}
	}
	chunk, err := revchunk.Decode(buf, isV2, prevNode, firstParent)
	if err != nil {
		return err
	}
	return store(chunk)
}

// storeChangegroup reads a raw changegroup stream of the given version:
// changeset chunks (parsed to keep delta-chain continuity but not
// stored, since changeset->commit conversion is delegated to the
// fast-import-like parser), then manifest chunks (stored), then one
// chunk-stream per file (stored).
func (o *Orchestrator) storeChangegroup(version string) error {
	bar := o.progress.AddBar(-1, mpb.PrependDecorators(decor.Name("changegroup")))
	err := o.storeChangegroupBody(version, bar)
	bar.Abort(err != nil)
	return err
}

func (o *Orchestrator) storeChangegroupBody(version string, bar *mpb.Bar) error {
	isV2 := version == "2"

	var prevNode oid.HgOid
	for {
		payload, err := o.readLengthPrefixedChunk()
		if err != nil {
			return err
		}
		if payload == nil {
			break
		}
		c, err := revchunk.Decode(payload, isV2, prevNode, oid.HgOid{})
		if err != nil {
			return err
		}
		o.markShallowBoundary(c)
		prevNode = c.Node
		bar.Increment()
	}

	prevNode = oid.HgOid{}
	for {
		payload, err := o.readLengthPrefixedChunk()
		if err != nil {
			return err
		}
		if payload == nil {
			break
		}
		c, err := revchunk.Decode(payload, isV2, prevNode, oid.HgOid{})
		if err != nil {
			return err
		}
		if _, err := o.eng.Manifest.Store(c); err != nil {
			return err
		}
		prevNode = c.Node
		bar.Increment()
	}

	for {
		name, err := o.readLengthPrefixedChunk()
		if err != nil {
			return err
		}
		if name == nil {
			break
		}

		var filePrevNode oid.HgOid
		for {
			payload, err := o.readLengthPrefixedChunk()
			if err != nil {
				return err
			}
			if payload == nil {
				break
			}
			c, err := revchunk.Decode(payload, isV2, filePrevNode, oid.HgOid{})
			if err != nil {
				return err
			}
			if err := o.eng.Files.Store(c); err != nil {
				return err
			}
			filePrevNode = c.Node
			bar.Increment()
		}
	}

	return nil
}

// readLengthPrefixedChunk reads one Mercurial bundle-style chunk: a
// 4-byte big-endian length counting the length field itself, followed by
// length-4 bytes of payload. A length of 0 (or the minimum 4, which
// carries no payload) signals end-of-section and is reported as a nil
// payload with no error.
func (o *Orchestrator) readLengthPrefixedChunk() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(o.in, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("engine: reading chunk length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n <= 4 {
		return nil, nil
	}
	buf := make([]byte, n-4)
	if _, err := io.ReadFull(o.in, buf); err != nil {
		return nil, fmt.Errorf("engine: reading chunk payload: %w", err)
	}
	return buf, nil
}

// resolveGitRef resolves a plain 40-hex Git oid, or the mark-reference
// syntax ":h<40-hex>[:<path>]": the Mercurial node is looked up in
// hg2git, and if a path suffix is present the tree at that path within
// the mapped tree is used instead, falling back to the canonical empty
// tree when the path does not resolve.
func (o *Orchestrator) resolveGitRef(ref string) (*git.Oid, error) {
	if !strings.HasPrefix(ref, ":h") {
		goid, err := oid.ParseGit(ref)
		if err != nil {
			return nil, &InvalidShaError{Field: "git-ref", Value: ref}
		}
		return goid.AsLibgit2(), nil
	}

	body := ref[2:]
	hexPart := body
	var path string
	if i := strings.IndexByte(body, ':'); i >= 0 {
		hexPart = body[:i]
		path = body[i+1:]
	}
	hoid, err := oid.ParseHg(hexPart)
	if err != nil {
		return nil, &InvalidShaError{Field: "mark reference", Value: hexPart}
	}
	mapped, err := o.eng.LookupHgOid(hoid)
	if err != nil {
		return nil, err
	}
	if path == "" {
		orchLog.WithField("mark", markSlot).Trace("resolved mark reference")
		return mapped.AsLibgit2(), nil
	}

	commit, err := o.eng.Repo().LookupCommit(mapped.AsLibgit2())
	if err != nil {
		return git.EmptyTreeOid(), nil
	}
	tree, err := commit.Tree()
	if err != nil {
		return git.EmptyTreeOid(), nil
	}
	components := strings.Split(path, "/")
	for i, c := range components {
		entry := tree.EntryByName(c)
		if entry == nil {
			return git.EmptyTreeOid(), nil
		}
		if i == len(components)-1 {
			return entry.Id, nil
		}
		tree, err = o.eng.Repo().LookupTree(entry.Id)
		if err != nil {
			return git.EmptyTreeOid(), nil
		}
	}
	return git.EmptyTreeOid(), nil
}

// markShallowBoundary registers c.Node as a shallow boundary when either
// graph parent is non-null but has no resolvable hg2git entry: this
// changeset's ancestry was never imported in a prior session, so it sits
// at the edge of a partial clone until that parent is filled in later
// and `set changeset` rebinds it to a real commit (see
// Engine.ResolveChangesetConflict's MarkConverted call in handleSet).
func (o *Orchestrator) markShallowBoundary(c *revchunk.Chunk) {
	if isUnresolvedParent(o.eng, c.Parent1) || isUnresolvedParent(o.eng, c.Parent2) {
		o.eng.Shallow.Register(c.Node)
	}
}

func isUnresolvedParent(eng *Engine, p oid.HgOid) bool {
	if p.IsNull() {
		return false
	}
	_, err := eng.LookupHgOid(p)
	return err != nil
}
