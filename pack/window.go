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

// Package pack implements a streaming packfile writer with a sliding
// read-back window, plus a thin object-store driver on top of it.
package pack

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"

	"lab.nexedi.com/kirr/git-cinnabar-helper/internal/xlog"
)

// Overhang is the fixed 20-byte slop kept between the tail window and the
// next pinned read-only window so that no object header straddling the
// boundary falls into an unreachable gap.
const Overhang = 20

var log = xlog.Component("pack")

// Window is a sliding view over the tail of a packfile being written. It
// lets freshly stored objects (e.g. a file blob about to be used as a
// delta base for the next revision in the chain) be read back without an
// unmap/remap cycle, which is what an ordinary mmap-per-read approach
// would force on a file that is still growing.
type Window struct {
	f          *os.File
	windowSize int64 // W, the configured git pack window size

	tail       []byte
	tailOffset int64

	ro       mmap.MMap
	roOffset int64

	curSize int64
}

// NewWindow opens f (which must already be positioned at offset 0, e.g. a
// freshly created, empty packfile) as the backing store for
// a PackWindow with tail capacity windowSize+Overhang bytes.
func NewWindow(f *os.File, windowSize int64) *Window {
	if windowSize <= 0 {
		windowSize = 1 << 20 // matches git's default pack.window default order of magnitude
	}
	return &Window{
		f:          f,
		windowSize: windowSize,
		tail:       make([]byte, 0, windowSize+Overhang),
	}
}

func (w *Window) capacity() int64 { return w.windowSize + Overhang }

// Size returns the number of bytes appended to the pack so far.
func (w *Window) Size() int64 { return w.curSize }

// Write appends p to the packfile and to the tail window, sliding the
// window (pinning a fresh read-only mmap over the now-settled prefix)
// whenever the tail would otherwise overflow its capacity.
func (w *Window) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, err
	}
	w.curSize += int64(n)

	remaining := p
	for len(remaining) > 0 {
		free := w.capacity() - int64(len(w.tail))
		if free <= 0 {
			if err := w.slide(); err != nil {
				return n, err
			}
			continue
		}
		take := int64(len(remaining))
		if take > free {
			take = free
		}
		w.tail = append(w.tail, remaining[:take]...)
		remaining = remaining[take:]
	}
	return n, nil
}

// slide flushes the pack to disk, releases the previously pinned
// read-only window, pins a new one covering everything up to the new tail
// start (overlapping it by Overhang bytes), and reseeds the tail buffer
// with that overlap. Invariant maintained throughout: tail.offset +
// len(tail) == curSize once slide returns and the pending write resumes.
func (w *Window) slide() error {
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("pack: slide: flush: %w", err)
	}
	if w.ro != nil {
		if err := w.ro.Unmap(); err != nil {
			return fmt.Errorf("pack: slide: unmap: %w", err)
		}
		w.ro = nil
	}

	// settled is where the bytes already held by the tail end; curSize
	// also counts the pending write's bytes not yet copied in.
	settled := w.tailOffset + int64(len(w.tail))
	newTailOffset := ((settled - Overhang) / w.windowSize) * w.windowSize
	if newTailOffset < 0 {
		newTailOffset = 0
	}
	roLen := newTailOffset + Overhang
	if roLen > settled {
		roLen = settled
	}

	var overlap []byte
	if roLen > 0 {
		m, err := mmap.MapRegion(w.f, int(roLen), mmap.RDONLY, 0, 0)
		if err != nil {
			return fmt.Errorf("pack: slide: mmap: %w", err)
		}
		w.ro = m
		w.roOffset = 0
		start := roLen - Overhang
		if start < 0 {
			start = 0
		}
		overlap = append([]byte(nil), m[start:roLen]...)
	}

	log.WithField("tail_offset", newTailOffset).Trace("slide")
	w.tail = append(w.tail[:0], overlap...)
	w.tailOffset = newTailOffset
	return nil
}

// ReadAt returns the length bytes starting at offset, served from whichever
// of the tail window or the pinned read-only window currently covers it;
// a range that starts in the read-only window and runs on into the tail
// is joined from both. It returns an error if offset falls in neither, or
// the range runs past the end of the tail (e.g. it belongs to a
// finalized, unrelated earlier pack - ObjectStore.FindObject is expected
// to have already routed that case to the underlying object-database
// layer instead of calling here).
func (w *Window) ReadAt(offset, length int64) ([]byte, error) {
	if offset >= w.tailOffset {
		start := offset - w.tailOffset
		end := start + length
		if end > int64(len(w.tail)) {
			return nil, fmt.Errorf("pack: read [%d,%d) past tail window end %d", offset, offset+length, w.tailOffset+int64(len(w.tail)))
		}
		return w.tail[start:end], nil
	}
	if w.ro != nil {
		start := offset - w.roOffset
		end := start + length
		if start >= 0 && end <= int64(len(w.ro)) {
			return w.ro[start:end], nil
		}
		tailEnd := offset + length - w.tailOffset
		if start >= 0 && tailEnd <= int64(len(w.tail)) {
			out := append([]byte(nil), w.ro[start:w.tailOffset-w.roOffset]...)
			return append(out, w.tail[:tailEnd]...), nil
		}
	}
	return nil, fmt.Errorf("pack: offset %d not covered by any pinned window", offset)
}

// Close releases the pinned read-only window. It does not close the
// underlying file - the caller that created the file (engine.Engine)
// owns that. No trailing checksum is written to the pack.
func (w *Window) Close() error {
	if w.ro == nil {
		return nil
	}
	err := w.ro.Unmap()
	w.ro = nil
	return err
}
