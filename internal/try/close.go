// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package try folds the errors of deferred cleanup into the error a
// function returns.
package try

import (
	"errors"
	"io"
)

// CloserFunc adapts a function to [io.Closer].
type CloserFunc func() error

// Close implements the [io.Closer] interface.
func (f CloserFunc) Close() error {
	return f()
}

// Join records cerr in err. err is left untouched when cerr is nil and
// replaced when it is nil itself, so errors.Is and errors.As keep working
// on single errors.
func Join(err *error, cerr error) {
	switch {
	case cerr == nil:
	case *err == nil:
		*err = cerr
	default:
		*err = errors.Join(*err, cerr)
	}
}

// Close closes c and records any error in err. It is meant to be deferred
// by functions with a named error result.
func Close(err *error, c io.Closer) {
	Join(err, c.Close())
}
