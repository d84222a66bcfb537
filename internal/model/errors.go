package model

import "errors"

// ErrNoData means the source answered but has nothing for the symbol yet.
// It is an outcome, not a failure, and is never retried.
var ErrNoData = errors.New("no data for symbol")

// IsPermanent reports whether err declares itself non-retryable.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
