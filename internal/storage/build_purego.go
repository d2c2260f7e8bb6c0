//go:build !sqlite_vec

package storage

// Compiled by default, and whenever CGO is unavailable. Metadata
// predicates still run in SQL; cosine distance, the similarity threshold
// and scoring run in Go over the filtered candidates.
//
//	CGO_ENABLED=0 go build ./...
//
// Driver used: modernc.org/sqlite

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite"

	// VectorExtensionAvailable reports whether vec_distance_cosine can be called from SQL
	VectorExtensionAvailable = false

	// BuildMode describes the current build configuration
	BuildMode = "purego"
)
