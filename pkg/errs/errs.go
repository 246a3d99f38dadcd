// Package errs defines the error kinds shared by the blueprint sync pipeline.
// Producers wrap one of the sentinels together with the underlying cause:
//
//	fmt.Errorf("%w: git clone %s: %w", errs.ErrFetch, url, err)
//
// so callers can classify failures with errors.Is or KindOf.
package errs

import "errors"

var (
	ErrFetch       = errors.New("fetch failed")
	ErrConflict    = errors.New("working copy conflict")
	ErrEnvironment = errors.New("environment setup failed")
	ErrNotFound    = errors.New("not found")
	ErrParse       = errors.New("parse failed")
	ErrValidation  = errors.New("validation failed")
	ErrIO          = errors.New("io failure")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrFetch, "fetch"},
	{ErrConflict, "conflict"},
	{ErrEnvironment, "environment"},
	{ErrParse, "parse"},
	{ErrValidation, "validation"},
	{ErrNotFound, "not_found"},
	{ErrIO, "io"},
}

// KindOf returns a short name for the first error kind err matches, or
// "internal" when it matches none.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
