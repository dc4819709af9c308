package models

import "errors"

// ErrNotFound marks an unresolvable reference or an unknown entity:
// surveys, schemas, compound definitions, persisted activities. Surfaced
// to interactive callers as a client fault.
var ErrNotFound = errors.New("not found")
