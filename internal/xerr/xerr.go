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

// Package xerr provides the panic/recover-based error propagation idiom
// used throughout this codebase: raise/raiseif/raisef panic with an
// *Error, and errcatch at a function boundary recovers it, letting
// intermediate frames add calling context without a chain of "if err !=
// nil { return fmt.Errorf(...) }" boilerplate.
package xerr

import (
	"fmt"
	"runtime"
	"strings"
)

// Error is the value raise/raiseif/raisef panic with and errcatch
// recovers. It carries the original cause plus the context added by
// every intermediate frame that called erraddcontext/erraddcallingcontext
// on its way up.
type Error struct {
	cause   interface{}
	context []string
	stack   []byte
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v", e.cause)
	for i := len(e.context) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "\n\t%s", e.context[i])
	}
	return b.String()
}

// Traceback returns the stack captured at the point of raise, for verbose
// diagnostics.
func (e *Error) Traceback() string { return string(e.stack) }

// aserror normalizes an arbitrary panic value (error, string, or already
// an *Error) into an *Error.
func aserror(v interface{}) *Error {
	if e, ok := v.(*Error); ok {
		return e
	}
	return &Error{cause: v, stack: debugStack()}
}

func debugStack() []byte {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return buf[:n]
}

// raise panics with v wrapped as an *Error, to be recovered by the
// nearest errcatch.
func Raise(v interface{}) {
	panic(aserror(v))
}

// raiseif raises err if it is non-nil; a no-op otherwise.
func Raiseif(err error) {
	if err != nil {
		Raise(err)
	}
}

// raisef is raise with fmt.Sprintf-style formatting.
func Raisef(format string, a ...interface{}) {
	Raise(fmt.Errorf(format, a...))
}

// Errcatch is deferred at a function boundary to turn a raise/raiseif/
// raisef panic into a call to cb with the recovered *Error; non-xerr
// panics are re-raised unchanged.
func Errcatch(cb func(e *Error)) {
	r := recover()
	if r == nil {
		return
	}
	e, ok := r.(*Error)
	if !ok {
		panic(r)
	}
	cb(e)
}

// Erraddcontext returns e with msg appended as additional context,
// innermost-first.
func Erraddcontext(e *Error, msg string) *Error {
	e.context = append(e.context, msg)
	return e
}

// Erraddcallingcontext is erraddcontext with the calling function's name
// as the message, for use at a frame that only wants to say "while in
// X" without a more specific message.
func Erraddcallingcontext(funcname string, e *Error) *Error {
	return Erraddcontext(e, funcname+":")
}

// Aserror exposes the normalization helper for callers that caught a
// plain error from elsewhere and want to add xerr context to it.
func Aserror(v interface{}) *Error { return aserror(v) }

// Myfuncname returns the name of the function that called it, for
// "here := xerr.Myfuncname()" at the top of a function that wants to
// tag errors with its own name.
func Myfuncname() string {
	pc, _, _, ok := runtime.Caller(1)
	if !ok {
		return "?"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "?"
	}
	name := fn.Name()
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}
