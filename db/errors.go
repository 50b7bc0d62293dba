package db

import "errors"

// ErrNotFound is returned by Get and GetDefaultAccount when the
// requested row does not exist (a missing per-tenancy override makes
// GetAcmeAccount return (nil, nil) instead). Callers wrap it (or any other
// failure from this package) as a storage error; this package itself
// never returns a bare, unwrapped driver error.
var ErrNotFound = errors.New("db: not found")
