// Package postgres opens the durable store on PostgreSQL through pgx's
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/store"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/store/sqldb"
)

const pgErrUniqueViolation = "23505"

var Dialect = sqldb.Dialect{
	Name:     "postgres",
	Numbered: true,
	MapError: mapError,
}

// NewStore opens a pool for dsn and checks it is reachable.
func NewStore(ctx context.Context, dsn string) (*sqldb.Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return FromDB(db), nil
}

// FromDB wraps an existing pool.
func FromDB(db *sql.DB) *sqldb.Store {
	return sqldb.New(db, Dialect, ApplyMigrations)
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
		return store.ErrAlreadyExists
	}
	return err
}
