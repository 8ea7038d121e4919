// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package options

import "iter"

// Apply yields all non-nil options of type T, first from opts and then from
// rest. Options that do not implement T are skipped, which lets a single
// option list be shared between components that accept different subsets.
func Apply[T, O any](opts []O, rest ...O) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, list := range [][]O{opts, rest} {
			for _, opt := range list {
				op, ok := any(opt).(T)
				if !ok || any(op) == nil {
					continue
				}
				if !yield(op) {
					return
				}
			}
		}
	}
}
