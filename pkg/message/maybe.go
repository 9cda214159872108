// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package message

// Maybe holds an optional value. The zero value is Nothing.
// It keeps "absent" distinct from "present but empty".
type Maybe[T any] struct {
	value   T
	present bool
}

// Just wraps a present value.
func Just[T any](v T) Maybe[T] {
	return Maybe[T]{value: v, present: true}
}

// Nothing returns an absent value.
func Nothing[T any]() Maybe[T] {
	return Maybe[T]{}
}

// MaybeString returns Nothing for the empty string and Just otherwise.
func MaybeString(s string) Maybe[string] {
	if s == "" {
		return Nothing[string]()
	}
	return Just(s)
}

// IsPresent reports whether a value is held.
func (m Maybe[T]) IsPresent() bool {
	return m.present
}

// Get returns the value and whether it is present.
func (m Maybe[T]) Get() (T, bool) {
	return m.value, m.present
}

// GetOrElse returns the value or def when absent.
func (m Maybe[T]) GetOrElse(def T) T {
	if m.present {
		return m.value
	}
	return def
}

// Map applies f to a present value. Go methods cannot introduce type
// parameters, so Map is a function.
func Map[T, U any](m Maybe[T], f func(T) U) Maybe[U] {
	if !m.present {
		return Nothing[U]()
	}
	return Just(f(m.value))
}

// EqualMaybe compares two optionals with eq. Two absent values are equal.
func EqualMaybe[T any](a, b Maybe[T], eq func(T, T) bool) bool {
	if a.present != b.present {
		return false
	}
	if !a.present {
		return true
	}
	return eq(a.value, b.value)
}

func eqString(a, b string) bool { return a == b }
