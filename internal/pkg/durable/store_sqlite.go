package durable

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/autopeer-io/chargepeer/pkg/codec"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS invocations (
	id              TEXT PRIMARY KEY,
	seq             INTEGER NOT NULL,
	status          TEXT NOT NULL,
	idempotency_key TEXT,
	updated_at      INTEGER NOT NULL,
	record          BLOB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS invocations_idempotency_key
	ON invocations(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS invocations_status_seq ON invocations(status, seq);

CREATE TABLE IF NOT EXISTS journal (
	invocation_id TEXT NOT NULL,
	idx           INTEGER NOT NULL,
	entry         BLOB NOT NULL,
	PRIMARY KEY (invocation_id, idx)
);

CREATE TABLE IF NOT EXISTS state (
	service TEXT NOT NULL,
	key     TEXT NOT NULL,
	name    TEXT NOT NULL,
	value   BLOB NOT NULL,
	PRIMARY KEY (service, key, name)
);

CREATE TABLE IF NOT EXISTS promises (
	id           TEXT PRIMARY KEY,
	completed    INTEGER NOT NULL DEFAULT 0,
	value        BLOB,
	failure      TEXT NOT NULL DEFAULT '',
	seq          INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	completed_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS timers (
	promise_id    TEXT PRIMARY KEY,
	invocation_id TEXT NOT NULL,
	wake_at       INTEGER NOT NULL
);
`

// SQLiteStore is a Store backed by a SQLite database in WAL mode.
type SQLiteStore struct {
	pool *sqlitex.Pool
	path string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(path string, poolSize int) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store: path is required")
	}
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: opening %s: %w", path, err)
	}

	s := &SQLiteStore{pool: pool, path: path}
	if err := s.migrate(context.Background()); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite store: take: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return fmt.Errorf("sqlite store: schema: %w", err)
	}
	return nil
}

// withConn borrows a connection for fn.
func (s *SQLiteStore) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite store: take: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// withTx runs fn inside an immediate transaction, rolled back when fn fails.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("sqlite store: begin transaction: %w", err)
		}
		defer endTransaction(&err)
		return fn(conn)
	})
}

func (s *SQLiteStore) CreateInvocation(ctx context.Context, inv *Invocation) (*Invocation, bool, error) {
	var (
		stored  *Invocation
		created bool
	)
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		existing, err := getInvocation(conn, "id = ?", inv.ID)
		if err != nil {
			return err
		}
		if existing == nil && inv.IdempotencyKey != "" {
			existing, err = getInvocation(conn, "idempotency_key = ?", inv.IdempotencyKey)
			if err != nil {
				return err
			}
		}
		if existing != nil {
			stored = existing
			return nil
		}

		var seq int64
		err = sqlitex.Execute(conn, "SELECT COALESCE(MAX(seq), 0) + 1 FROM invocations", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				seq = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("sqlite store: next seq: %w", err)
		}

		stored = inv.clone()
		stored.Seq = uint64(seq)
		if err := putInvocation(conn, stored, true); err != nil {
			return err
		}
		created = true
		return insertPromise(conn, resultID(stored.ID), stored.CreatedAt)
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (s *SQLiteStore) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	var inv *Invocation
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		inv, err = getInvocation(conn, "id = ?", id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, fmt.Errorf("invocation %s: %w", id, ErrNotFound)
	}
	return inv, nil
}

func (s *SQLiteStore) UpdateInvocation(ctx context.Context, inv *Invocation) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		existing, err := getInvocation(conn, "id = ?", inv.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("invocation %s: %w", inv.ID, ErrNotFound)
		}
		updated := inv.clone()
		updated.Seq = existing.Seq
		return putInvocation(conn, updated, false)
	})
}

func (s *SQLiteStore) ListInvocations(ctx context.Context, opts ListOptions) ([]*Invocation, error) {
	var (
		where []string
		args  []any
	)
	if len(opts.Statuses) > 0 {
		marks := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !opts.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, opts.UpdatedBefore.UnixNano())
	}

	query := "SELECT record FROM invocations"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	out := make([]*Invocation, 0)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				inv := &Invocation{}
				if err := codec.Unmarshal(columnBytes(stmt, 0), inv); err != nil {
					return fmt.Errorf("sqlite store: decode invocation: %w", err)
				}
				out = append(out, inv)
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) DeleteInvocation(ctx context.Context, id string) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "DELETE FROM invocations WHERE id = ?", &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
			return fmt.Errorf("sqlite store: delete invocation: %w", err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("invocation %s: %w", id, ErrNotFound)
		}
		if err := sqlitex.Execute(conn, "DELETE FROM journal WHERE invocation_id = ?", &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
			return fmt.Errorf("sqlite store: delete journal: %w", err)
		}
		if err := sqlitex.Execute(conn, "DELETE FROM promises WHERE id = ?", &sqlitex.ExecOptions{Args: []any{resultID(id)}}); err != nil {
			return fmt.Errorf("sqlite store: delete result: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Journal(ctx context.Context, invocationID string) ([]Entry, error) {
	out := make([]Entry, 0)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT entry FROM journal WHERE invocation_id = ? ORDER BY idx", &sqlitex.ExecOptions{
			Args: []any{invocationID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var e Entry
				if err := codec.Unmarshal(columnBytes(stmt, 0), &e); err != nil {
					return fmt.Errorf("sqlite store: decode entry: %w", err)
				}
				out = append(out, e)
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) AppendEntry(ctx context.Context, invocationID string, e Entry, m *Mutation) error {
	raw, err := codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("sqlite store: encode entry: %w", err)
	}
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		var count int64
		err := sqlitex.Execute(conn, "SELECT COUNT(*) FROM journal WHERE invocation_id = ?", &sqlitex.ExecOptions{
			Args: []any{invocationID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("sqlite store: journal length: %w", err)
		}
		if int64(e.Index) != count {
			return fmt.Errorf("append entry %d to journal of %s with %d entries", e.Index, invocationID, count)
		}

		err = sqlitex.Execute(conn, "INSERT INTO journal (invocation_id, idx, entry) VALUES (?, ?, ?)", &sqlitex.ExecOptions{
			Args: []any{invocationID, int64(e.Index), raw},
		})
		if err != nil {
			return fmt.Errorf("sqlite store: append entry: %w", err)
		}

		if m == nil {
			return nil
		}
		if m.Delete {
			err = sqlitex.Execute(conn, "DELETE FROM state WHERE service = ? AND key = ? AND name = ?", &sqlitex.ExecOptions{
				Args: []any{m.Service, m.Key, m.Name},
			})
		} else {
			err = sqlitex.Execute(conn, "INSERT OR REPLACE INTO state (service, key, name, value) VALUES (?, ?, ?, ?)", &sqlitex.ExecOptions{
				Args: []any{m.Service, m.Key, m.Name, m.Value},
			})
		}
		if err != nil {
			return fmt.Errorf("sqlite store: write state: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetState(ctx context.Context, service, key, name string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT value FROM state WHERE service = ? AND key = ? AND name = ?", &sqlitex.ExecOptions{
			Args: []any{service, key, name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = columnBytes(stmt, 0)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("sqlite store: get state: %w", err)
	}
	return value, found, nil
}

func (s *SQLiteStore) CreatePromise(ctx context.Context, id string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return insertPromise(conn, id, time.Now())
	})
}

func (s *SQLiteStore) CompletePromise(ctx context.Context, id string, value []byte, failure string) (bool, error) {
	var completed bool
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		p, err := getPromise(conn, id)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("promise %s: %w", id, ErrNotFound)
		}
		if p.Completed {
			return nil
		}
		err = sqlitex.Execute(conn, `UPDATE promises
			SET completed = 1, value = ?, failure = ?, completed_at = ?,
			    seq = (SELECT COALESCE(MAX(seq), 0) + 1 FROM promises)
			WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{value, failure, time.Now().UnixNano(), id},
		})
		if err != nil {
			return fmt.Errorf("sqlite store: complete promise: %w", err)
		}
		completed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return completed, nil
}

func (s *SQLiteStore) GetPromise(ctx context.Context, id string) (*Promise, error) {
	var p *Promise
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		p, err = getPromise(conn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("promise %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (s *SQLiteStore) PutTimer(ctx context.Context, t Timer) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, "INSERT OR REPLACE INTO timers (promise_id, invocation_id, wake_at) VALUES (?, ?, ?)", &sqlitex.ExecOptions{
			Args: []any{t.PromiseID, t.InvocationID, t.WakeAt.UnixNano()},
		})
		if err != nil {
			return fmt.Errorf("sqlite store: put timer: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) DeleteTimer(ctx context.Context, promiseID string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "DELETE FROM timers WHERE promise_id = ?", &sqlitex.ExecOptions{Args: []any{promiseID}}); err != nil {
			return fmt.Errorf("sqlite store: delete timer: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ListTimers(ctx context.Context) ([]Timer, error) {
	out := make([]Timer, 0)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT promise_id, invocation_id, wake_at FROM timers ORDER BY wake_at", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, Timer{
					PromiseID:    stmt.ColumnText(0),
					InvocationID: stmt.ColumnText(1),
					WakeAt:       time.Unix(0, stmt.ColumnInt64(2)).UTC(),
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list timers: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlite store: closing %s: %w", s.path, err)
	}
	return nil
}

func getInvocation(conn *sqlite.Conn, where string, arg any) (*Invocation, error) {
	var inv *Invocation
	err := sqlitex.Execute(conn, "SELECT record FROM invocations WHERE "+where, &sqlitex.ExecOptions{
		Args: []any{arg},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			inv = &Invocation{}
			return codec.Unmarshal(columnBytes(stmt, 0), inv)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: get invocation: %w", err)
	}
	return inv, nil
}

func putInvocation(conn *sqlite.Conn, inv *Invocation, insert bool) error {
	record, err := codec.Marshal(inv)
	if err != nil {
		return fmt.Errorf("sqlite store: encode invocation: %w", err)
	}
	var idempotencyKey any
	if inv.IdempotencyKey != "" {
		idempotencyKey = inv.IdempotencyKey
	}

	query := `UPDATE invocations SET status = ?, idempotency_key = ?, updated_at = ?, record = ?, seq = ? WHERE id = ?`
	if insert {
		query = `INSERT INTO invocations (status, idempotency_key, updated_at, record, seq, id) VALUES (?, ?, ?, ?, ?, ?)`
	}
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{string(inv.Status), idempotencyKey, inv.UpdatedAt.UnixNano(), record, int64(inv.Seq), inv.ID},
	})
	if err != nil {
		return fmt.Errorf("sqlite store: write invocation: %w", err)
	}
	return nil
}

func insertPromise(conn *sqlite.Conn, id string, createdAt time.Time) error {
	err := sqlitex.Execute(conn, "INSERT OR IGNORE INTO promises (id, created_at) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{id, createdAt.UnixNano()},
	})
	if err != nil {
		return fmt.Errorf("sqlite store: create promise: %w", err)
	}
	return nil
}

func getPromise(conn *sqlite.Conn, id string) (*Promise, error) {
	var p *Promise
	err := sqlitex.Execute(conn, "SELECT completed, value, failure, seq, created_at, completed_at FROM promises WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p = &Promise{
				ID:        id,
				Completed: stmt.ColumnInt64(0) != 0,
				Value:     columnBytes(stmt, 1),
				Failure:   stmt.ColumnText(2),
				Seq:       uint64(stmt.ColumnInt64(3)),
				CreatedAt: time.Unix(0, stmt.ColumnInt64(4)).UTC(),
			}
			if at := stmt.ColumnInt64(5); at != 0 {
				p.CompletedAt = time.Unix(0, at).UTC()
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: get promise: %w", err)
	}
	return p, nil
}

func columnBytes(stmt *sqlite.Stmt, col int) []byte {
	n := stmt.ColumnLen(col)
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	stmt.ColumnBytes(col, buf)
	return buf
}
