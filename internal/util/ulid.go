package util

import "github.com/oklog/ulid/v2"

// New returns a ULID string. Ids made in the same millisecond by this process
// still sort in creation order, which the journal and lock tokens rely on.
func New() string {
	return ulid.Make().String()
}
