// Package harness is the result/control service for render-test workers.
//
// Ownership boundary:
// - artifact uploads into the output directory
// - first-caller-wins test claims across sibling worker processes
// - console passthrough, crash reports, graceful disconnects
// - the one-shot completion signal used for serial launch sequencing
package harness
