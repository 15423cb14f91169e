package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/store"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/store/sqldb"
)

// Pragmas applied to every connection. Immediate transactions take the write
// lock up front, so concurrent rotations queue on busy_timeout instead of
// failing with SQLITE_BUSY on upgrade.
const dsnParams = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"

var Dialect = sqldb.Dialect{
	Name:     "sqlite",
	MapError: mapError,
}

// NewStore opens the database at path (a filename or a file: URI).
func NewStore(path string) (*sqldb.Store, error) {
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sqldb.New(db, Dialect, ApplyMigrations), nil
}

// DSN adds the connection pragmas to path unless it already carries
// parameters of its own.
func DSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + "?" + dsnParams
}

func mapError(err error) error {
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return store.ErrAlreadyExists
		}
	}
	return err
}
