package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a looked-up row does not exist or is not
// visible in the caller's scope.
var ErrNotFound = errors.New("not found")

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

type Repos struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Repos { return &Repos{db: db} }

func (r *Repos) Ping(ctx context.Context) error {
	var one int
	return r.db.GetContext(ctx, &one, `SELECT 1`)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
