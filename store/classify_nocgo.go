//go:build !cgo

package store

// Keeps the driver registration from go-sqlite3's init; without cgo the
// registered driver is a stub whose only error is its own sentinel, so the
// sqlite3.Error codes classify inspects under cgo can never occur here.
import _ "github.com/mattn/go-sqlite3"

// classify maps SQLite errors onto the systemwide error kinds. Unrecognised
// errors pass through unchanged.
func classify(err error) error {
	return err
}
