package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresEntities stores versioned JSON documents in the entities table.
type PostgresEntities struct {
	db *sql.DB
}

func NewPostgresEntities(db *sql.DB) *PostgresEntities {
	return &PostgresEntities{db: db}
}

func (e *PostgresEntities) Load(ctx context.Context, kind, id string, dst any) (int64, error) {
	var (
		body    []byte
		version int64
	)
	err := getQuerier(ctx, e.db).QueryRowContext(ctx,
		`SELECT body, version FROM entities WHERE kind = $1 AND id = $2`, kind, id).
		Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, notFound(kind, id)
	}
	if err != nil {
		return 0, transient(err, "load "+kind)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return 0, fmt.Errorf("decoding %s %s: %w", kind, id, err)
	}
	return version, nil
}

func (e *PostgresEntities) Save(ctx context.Context, kind, id string, src any, expectedVersion int64) (int64, error) {
	tx, err := requireTx(ctx)
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(src)
	if err != nil {
		return 0, fmt.Errorf("encoding %s %s: %w", kind, id, err)
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO entities (kind, id, body, version, updated_at) VALUES ($1, $2, $3, 1, $4)
			 ON CONFLICT (kind, id) DO NOTHING`,
			kind, id, body, time.Now().UTC())
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE entities SET body = $1, version = version + 1, updated_at = $2
			 WHERE kind = $3 AND id = $4 AND version = $5`,
			body, time.Now().UTC(), kind, id, expectedVersion)
	}
	if err != nil {
		return 0, transient(err, "save "+kind)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, transient(err, "save "+kind)
	}
	if n == 0 {
		return 0, fmt.Errorf("%s %s at version %d: %w", kind, id, expectedVersion, ErrVersionConflict)
	}
	return expectedVersion + 1, nil
}
