package stub

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTablePrefix = "qbank_stub"
	postgresOpTimeout   = 5 * time.Second
)

// postgresStatements holds the SQL for one table prefix. Questions live one
// per row; the revision column carries the ETag so conditional writes are
// decided by the database, not by the process that happens to hold a cache.
type postgresStatements struct {
	createQuestions string
	createCounters  string
	selectRows      string
	selectCounters  string
	insertRow       string
	updateRow       string
	deleteRow       string
	bumpCounters    string
}

func newPostgresStatements(prefix string) postgresStatements {
	questions := postgresQuoteIdentifier(prefix + "_questions")
	counters := postgresQuoteIdentifier(prefix + "_counters")
	return postgresStatements{
		createQuestions: `CREATE TABLE IF NOT EXISTS ` + questions + ` (
			id BIGINT PRIMARY KEY,
			revision BIGINT NOT NULL,
			status TEXT NOT NULL,
			record JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		createCounters: `CREATE TABLE IF NOT EXISTS ` + counters + ` (
			name TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		)`,
		// Rows come back in the default list order (updated desc, id desc).
		selectRows:     `SELECT revision, record FROM ` + questions + ` ORDER BY updated_at DESC, id DESC`,
		selectCounters: `SELECT name, value FROM ` + counters,
		insertRow: `INSERT INTO ` + questions + ` (id, revision, status, record, updated_at)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		updateRow: `UPDATE ` + questions + ` SET revision = $2, status = $3, record = $4, updated_at = $5
			WHERE id = $1 AND revision = $6`,
		deleteRow: `DELETE FROM ` + questions + ` WHERE id = $1 AND revision = $2`,
		bumpCounters: `INSERT INTO ` + counters + ` AS c (name, value) VALUES ('next_id', $1), ('revision', $2)
			ON CONFLICT (name) DO UPDATE SET value = GREATEST(c.value, EXCLUDED.value)`,
	}
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresStateBackend struct {
	dsn    string
	sql    postgresStatements
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is empty", ErrInvalidInput)
	}
	return &PostgresStateBackend{
		dsn:    dsn,
		sql:    newPostgresStatements(postgresTablePrefix),
		openDB: sql.Open,
	}, nil
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	ctx, cancel, err := b.begin()
	if err != nil {
		return nil, err
	}
	defer cancel()

	state := &persistedState{NextID: 1}
	rows, err := b.db.QueryContext(ctx, b.sql.selectRows)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var row storedRecord
		var payload []byte
		if err := rows.Scan(&row.Revision, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &row.Record); err != nil {
			return nil, fmt.Errorf("decode question row: %w", err)
		}
		state.Records = append(state.Records, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	counters, err := b.db.QueryContext(ctx, b.sql.selectCounters)
	if err != nil {
		return nil, err
	}
	defer counters.Close()
	for counters.Next() {
		var name string
		var value int64
		if err := counters.Scan(&name, &value); err != nil {
			return nil, err
		}
		switch name {
		case "next_id":
			state.NextID = max(state.NextID, value)
		case "revision":
			state.RevCounter = value
		}
	}
	return state, counters.Err()
}

func (b *PostgresStateBackend) Put(row storedRecord, prev int64) error {
	ctx, cancel, err := b.begin()
	if err != nil {
		return err
	}
	defer cancel()
	payload, err := json.Marshal(row.Record)
	if err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rec := row.Record
	var result sql.Result
	if prev == 0 {
		result, err = tx.ExecContext(ctx, b.sql.insertRow, rec.ID, row.Revision, rec.Status, payload, rec.UpdatedAt)
	} else {
		result, err = tx.ExecContext(ctx, b.sql.updateRow, rec.ID, row.Revision, rec.Status, payload, rec.UpdatedAt, prev)
	}
	if err != nil {
		return err
	}
	if err := requireOneRow(result, rec.ID, prev); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, b.sql.bumpCounters, rec.ID+1, row.Revision); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *PostgresStateBackend) Remove(id, prev int64) error {
	ctx, cancel, err := b.begin()
	if err != nil {
		return err
	}
	defer cancel()
	result, err := b.db.ExecContext(ctx, b.sql.deleteRow, id, prev)
	if err != nil {
		return err
	}
	return requireOneRow(result, id, prev)
}

func (b *PostgresStateBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) begin() (context.Context, context.CancelFunc, error) {
	if err := b.ensureSchema(); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	return ctx, cancel, nil
}

func (b *PostgresStateBackend) ensureSchema() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
		defer cancel()
		for _, stmt := range []string{b.sql.createQuestions, b.sql.createCounters} {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = fmt.Errorf("create stub schema: %w", err)
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

// requireOneRow turns a conditional statement that matched nothing into a
// precondition failure: the row moved on, vanished or already existed.
func requireOneRow(result sql.Result, id, prev int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: question %d is not at revision %d", ErrPreconditionFailed, id, prev)
	}
	return nil
}

func postgresQuoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(identifier), `"`, `""`) + `"`
}
