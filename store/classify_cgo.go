//go:build cgo

package store

import (
	"database/sql"
	"errors"

	"github.com/mattn/go-sqlite3"

	"github.com/bbiangul/ingestor/fault"
)

// classify maps SQLite errors onto the systemwide error kinds. Unrecognised
// errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrInterrupt:
			return fault.Wrap(fault.Transient, "database busy", err)
		case sqlite3.ErrConstraint:
			return fault.Wrap(fault.Conflict, "constraint violation", err)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrIoErr:
			return fault.Wrap(fault.Fatal, "database corrupt", err)
		}
	}
	return err
}
