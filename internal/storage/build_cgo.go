//go:build sqlite_vec

package storage

// Compiled with CGO and the sqlite_vec tag. Search runs entirely in SQL:
// vec_distance_cosine computes distance, and filtering, scoring, ordering
// and the limit are applied by the same statement.
//
//	CGO_ENABLED=1 go build -tags "sqlite_vec" ./...
//
// Driver used: github.com/mattn/go-sqlite3

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite3"

	// VectorExtensionAvailable reports whether vec_distance_cosine can be called from SQL
	VectorExtensionAvailable = true

	// BuildMode describes the current build configuration
	BuildMode = "cgo"
)
