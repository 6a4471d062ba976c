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

package pack

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempPackFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "test.pack"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestWindowReadsBackJustWritten(t *testing.T) {
	w := NewWindow(tempPackFile(t), 1<<10)
	off := w.Size()
	n, err := w.Write([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)

	got, err := w.ReadAt(off, 11)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestWindowSlidesAndKeepsOverhang(t *testing.T) {
	windowSize := int64(64)
	w := NewWindow(tempPackFile(t), windowSize)

	var offsets []int64
	chunk := bytes.Repeat([]byte{'x'}, 16)
	for i := 0; i < 20; i++ {
		offsets = append(offsets, w.Size())
		_, err := w.Write(chunk)
		require.NoError(t, err)
		// tail.offset + len(tail) must always equal the current size
		require.Equal(t, w.curSize, w.tailOffset+int64(len(w.tail)))
	}

	// the very first write should have slid out of the tail window by
	// now; it must still be reachable through the pinned ro window.
	got, err := w.ReadAt(offsets[0], 16)
	require.NoError(t, err)
	require.Equal(t, chunk, got)

	// the most recent write must still be in the tail.
	got, err = w.ReadAt(offsets[len(offsets)-1], 16)
	require.NoError(t, err)
	require.Equal(t, chunk, got)
}

func TestWindowReadAtUncoveredOffsetFails(t *testing.T) {
	w := NewWindow(tempPackFile(t), 1<<10)
	_, err := w.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = w.ReadAt(1000, 10)
	require.Error(t, err)
}

func TestWindowClose(t *testing.T) {
	w := NewWindow(tempPackFile(t), 8)
	_, err := w.Write(bytes.Repeat([]byte{'a'}, 100))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	// closing twice must not panic or re-unmap
	require.NoError(t, w.Close())
}
