// Package jobs issues identifiers for pipeline runs.
package jobs

import "github.com/google/uuid"

// RunPrefix starts every run id.
const RunPrefix = "run-"

// NewRunID returns a fresh run id of the form run-<uuid>.
func NewRunID() string {
	return RunPrefix + uuid.NewString()
}
