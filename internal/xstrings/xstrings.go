// Package xstrings provides zero-copy string/[]byte conversions.
//
// These mirror the String()/Bytes() helpers git-backup built on top of
// lab.nexedi.com/kirr/go123/mem: a string and a []byte share the same
// backing array, so callers must not mutate one and expect the other to
// stay untouched. Used on the notes fanout-key formatting hot path, where
// a hex-digest-sized allocation per call would show up in profiles.
package xstrings

import "unsafe"

// String casts b to a string without copying. b must not be modified
// afterwards.
func String(b []byte) string {
	return *(*string)(unsafe.Pointer(&b))
}

// Bytes casts s to a []byte without copying. The result must not be
// modified.
func Bytes(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
