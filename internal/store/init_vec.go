//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register the sqlite-vec extension with the mattn/go-sqlite3 driver so
	// deployments with large knowledge bases can push similarity search into
	// SQL instead of the in-memory scan. vec.Auto() registers it as an
	// auto-loadable extension.
	vec.Auto()
}
