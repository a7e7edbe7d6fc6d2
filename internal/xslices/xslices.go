// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

// Package xslices provides more generic functions in the spirit of the [slices] package.
package xslices

// Last returns the last element in s.
// Last panics if len(s) == 0.
func Last[S ~[]E, E any](s S) E {
	return s[len(s)-1]
}
